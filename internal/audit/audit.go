// ABOUTME: Audit record types and the fire-and-forget Recorder interface.
// ABOUTME: One record per handled protocol event and per API-initiated send.

package audit

import "time"

// Direction values recorded on entries.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
	DirectionAPISend  = "api_send"
)

// Entry is one audit record. Forwarders emit exactly one per handled
// event regardless of outcome; the facade emits one per API send.
type Entry struct {
	ID          string    // UUID v4, generated when empty
	Direction   string    // inbound, outbound, api_send
	MessageID   string    // protocol message id, empty if the send never got one
	Counterpart string    // normalized counterpart address
	Success     bool      // whether delivery/forwarding succeeded
	Detail      string    // error detail or outcome note
	Timestamp   time.Time // generated when zero
}

// Recorder accepts audit entries fire-and-forget: Record never blocks on
// the sink's outcome and callers never observe its errors.
type Recorder interface {
	Record(e Entry)
}
