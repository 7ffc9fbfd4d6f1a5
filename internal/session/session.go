// ABOUTME: Protocol session abstraction consumed by the bridge core.
// ABOUTME: Defines the event stream and send primitive; transport lives elsewhere.

package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by Send when the session has no live connection.
var ErrNotConnected = errors.New("session not connected")

// ConnState describes the protocol connection lifecycle.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateClosed     ConnState = "closed"
)

// MessageEvent is one raw chat message observed by the session, either
// received from a counterpart or sent from the paired device itself
// (FromMe). IDs are protocol-assigned and may be redelivered after a
// reconnect.
type MessageEvent struct {
	ID        string
	FromJID   string
	ToJID     string
	Text      string
	Timestamp time.Time
	FromMe    bool
}

// ConnEvent is a connection state notification. LoggedOut distinguishes an
// explicit logout (stay down) from a transport drop (reinitialize).
type ConnEvent struct {
	State     ConnState
	Reason    string
	LoggedOut bool
}

// Event carries exactly one of a message or a connection notification.
type Event struct {
	Message *MessageEvent
	Conn    *ConnEvent
}

// Content is the payload for an outgoing send. Exactly one of Text or
// ImageData/ImageURL is expected; Caption accompanies images. ImageData
// is base64-encoded on the wire.
type Content struct {
	Text      string `json:"text,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	ImageData []byte `json:"image_data,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

// Session is the external chat-protocol collaborator. Implementations own
// the transport; the bridge core only consumes events and issues sends.
type Session interface {
	// Send delivers content to the given JID and returns the protocol
	// message id. It may fail with a transport error.
	Send(ctx context.Context, jid string, content Content) (string, error)

	// Events returns the stream of message and connection events. The
	// channel is closed when the session shuts down.
	Events() <-chan Event

	// Connected reports whether the session currently has an open connection.
	Connected() bool

	// PhoneNumber returns the paired account's number, empty if unknown.
	PhoneNumber() string

	// Logout explicitly unpairs the session. The bridge treats the
	// resulting close as terminal rather than reinitializing.
	Logout(ctx context.Context) error

	// Close releases the session without logging out.
	Close() error
}
