// Package sendq provides the sequential retrying send queue for
// API-initiated outbound messages.
//
// Items start in FIFO order and never overlap: a single worker goroutine
// drains the list and exits when it is empty, to be restarted by the next
// Enqueue. Transient failures are retried in place with exponential
// backoff; exhaustion surfaces as an error on that item's handle only.
package sendq
