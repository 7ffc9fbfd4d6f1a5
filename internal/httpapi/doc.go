// ABOUTME: Package documentation for httpapi.
// ABOUTME: Explains the route surface and its middleware stack.

// Package httpapi exposes the bridge over HTTP.
//
// Routes:
//
//	GET  /healthz               liveness probe, unauthenticated
//	GET  /metrics               prometheus scrape endpoint (configurable path)
//	POST /api/send              enqueue an outbound message
//	GET  /api/status            connection state and paired number
//	POST /api/webhooks/refresh  force webhook re-resolution
//	POST /api/logout            unpair the protocol session
//
// Everything under /api requires the configured X-Api-Key header and is
// subject to per-IP token-bucket rate limiting.
package httpapi
