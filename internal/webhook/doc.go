// Package webhook resolves the forwarding address for each direction.
//
// Resolution order: an explicit override (environment or config) wins
// permanently; otherwise the address is read from the CRM settings
// endpoint and refreshed at most once per interval. Failed or empty
// fetches clear the cached address so forwarding fails closed instead of
// posting to a stale endpoint.
package webhook
