// Package forward maps protocol-layer message events to CRM-layer HTTP
// calls, one forwarder per direction.
//
// Per event: group and broadcast addresses are ignored outright, duplicate
// message ids are dropped, the counterpart address is normalized to E.164,
// the direction's webhook address is resolved lazily, and the payload is
// posted with a bounded timeout. Every event that clears the filter and
// dedup steps produces exactly one audit record, success or not.
// Forwarding is attempted at most once per event; only the API send path
// retries.
package forward
