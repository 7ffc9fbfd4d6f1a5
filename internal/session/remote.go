// ABOUTME: WebSocket adapter to the protocol sidecar that owns the chat session.
// ABOUTME: Correlates send requests to acks by request ID and relays events.

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"log/slog"
)

// wireFrame is the sidecar wire format. Exactly one section is set per frame.
type wireFrame struct {
	// Sidecar -> bridge
	Message *wireMessage `json:"message,omitempty"`
	Conn    *wireConn    `json:"conn,omitempty"`
	Ack     *wireAck     `json:"ack,omitempty"`

	// Bridge -> sidecar
	Send *wireSend `json:"send,omitempty"`
}

type wireMessage struct {
	ID        string `json:"id"`
	FromJID   string `json:"from_jid"`
	ToJID     string `json:"to_jid"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	FromMe    bool   `json:"from_me"`
}

type wireConn struct {
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	LoggedOut bool   `json:"logged_out,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type wireAck struct {
	RequestID string `json:"request_id"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type wireSend struct {
	RequestID string  `json:"request_id"`
	JID       string  `json:"jid"`
	Content   Content `json:"content"`
	Logout    bool    `json:"logout,omitempty"`
}

// Remote implements Session over a WebSocket connection to the protocol
// sidecar. The sidecar pushes message and connection frames; sends are
// request/ack pairs correlated by request id.
type Remote struct {
	conn   *websocket.Conn
	events chan Event
	logger *slog.Logger

	mu        sync.RWMutex
	pending   map[string]chan *wireAck
	connected bool
	phone     string
	closed    bool

	writeMu sync.Mutex
}

// ackBufferSize keeps ack delivery non-blocking for the read loop.
const ackBufferSize = 1

// sendTimeout bounds how long a Send waits for the sidecar ack when the
// caller's context has no earlier deadline.
const sendTimeout = 30 * time.Second

// Dial connects to the sidecar at the given ws:// or wss:// URL and starts
// the read loop. The returned Remote emits a connecting event immediately;
// open/closed events follow the sidecar's own connection to the network.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Remote, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing session sidecar: %w", err)
	}

	r := &Remote{
		conn:    conn,
		events:  make(chan Event, 64),
		pending: make(map[string]chan *wireAck),
		logger:  logger.With("component", "session"),
	}

	r.events <- Event{Conn: &ConnEvent{State: StateConnecting}}
	go r.readLoop()
	return r, nil
}

// readLoop decodes frames from the sidecar until the connection drops.
func (r *Remote) readLoop() {
	defer close(r.events)

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			wasClosed := r.closed
			r.connected = false
			r.failPendingLocked(fmt.Errorf("session connection lost: %w", err))
			r.mu.Unlock()

			if !wasClosed {
				r.logger.Warn("session sidecar connection lost", "error", err)
				r.events <- Event{Conn: &ConnEvent{State: StateClosed, Reason: err.Error()}}
			}
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			r.logger.Warn("discarding malformed session frame", "error", err)
			continue
		}

		switch {
		case frame.Message != nil:
			m := frame.Message
			r.events <- Event{Message: &MessageEvent{
				ID:        m.ID,
				FromJID:   m.FromJID,
				ToJID:     m.ToJID,
				Text:      m.Text,
				Timestamp: time.Unix(m.Timestamp, 0),
				FromMe:    m.FromMe,
			}}

		case frame.Conn != nil:
			c := frame.Conn
			r.mu.Lock()
			r.connected = c.State == string(StateOpen)
			if c.Phone != "" {
				r.phone = c.Phone
			}
			r.mu.Unlock()
			r.events <- Event{Conn: &ConnEvent{
				State:     ConnState(c.State),
				Reason:    c.Reason,
				LoggedOut: c.LoggedOut,
			}}

		case frame.Ack != nil:
			r.routeAck(frame.Ack)

		default:
			r.logger.Warn("discarding session frame with no payload")
		}
	}
}

// routeAck delivers an ack to its pending send, if one is still waiting.
func (r *Remote) routeAck(ack *wireAck) {
	r.mu.RLock()
	ch, ok := r.pending[ack.RequestID]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("received ack for unknown request", "request_id", ack.RequestID)
		return
	}

	select {
	case ch <- ack:
	default:
	}
}

// failPendingLocked rejects all in-flight sends. Must be called with mu held.
func (r *Remote) failPendingLocked(err error) {
	for id, ch := range r.pending {
		select {
		case ch <- &wireAck{RequestID: id, Error: err.Error()}:
		default:
		}
	}
}

// Send delivers content to a JID via the sidecar and waits for the ack.
func (r *Remote) Send(ctx context.Context, jid string, content Content) (string, error) {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return "", ErrNotConnected
	}
	requestID := uuid.New().String()
	ackCh := make(chan *wireAck, ackBufferSize)
	r.pending[requestID] = ackCh
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, requestID)
		r.mu.Unlock()
	}()

	frame := wireFrame{Send: &wireSend{
		RequestID: requestID,
		JID:       jid,
		Content:   content,
	}}
	if err := r.writeFrame(&frame); err != nil {
		return "", fmt.Errorf("writing send frame: %w", err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sendTimeout)
		defer cancel()
	}

	select {
	case ack := <-ackCh:
		if ack.Error != "" {
			return "", fmt.Errorf("protocol send failed: %s", ack.Error)
		}
		return ack.MessageID, nil
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for send ack: %w", ctx.Err())
	}
}

// writeFrame serializes concurrent writers on the WebSocket connection.
func (r *Remote) writeFrame(frame *wireFrame) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteJSON(frame)
}

// Events returns the event stream. Closed when the sidecar connection drops.
func (r *Remote) Events() <-chan Event {
	return r.events
}

// Connected reports whether the sidecar's network connection is open.
func (r *Remote) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// PhoneNumber returns the paired account number reported by the sidecar.
func (r *Remote) PhoneNumber() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phone
}

// Logout asks the sidecar to unpair, then closes the transport.
func (r *Remote) Logout(ctx context.Context) error {
	frame := wireFrame{Send: &wireSend{
		RequestID: uuid.New().String(),
		Logout:    true,
	}}
	if err := r.writeFrame(&frame); err != nil {
		return fmt.Errorf("writing logout frame: %w", err)
	}
	return r.Close()
}

// Close releases the WebSocket connection. Safe to call multiple times.
func (r *Remote) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.connected = false
	r.mu.Unlock()

	return r.conn.Close()
}
