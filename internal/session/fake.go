// ABOUTME: In-memory Session implementation for tests and local development.
// ABOUTME: Scripts send outcomes and lets tests inject protocol events.

package session

import (
	"context"
	"fmt"
	"sync"
)

// SentMessage records one Send call observed by the fake.
type SentMessage struct {
	JID     string
	Content Content
}

// Fake is a channel-backed Session for tests. Events are injected with
// Emit*; Send outcomes are scripted with FailSendsWith or default to
// generated ids.
type Fake struct {
	mu        sync.Mutex
	events    chan Event
	sent      []SentMessage
	sendErr   error
	failCount int
	nextID    int
	connected bool
	phone     string
	loggedOut bool
	closed    bool
}

// NewFake creates a connected fake session.
func NewFake() *Fake {
	return &Fake{
		events:    make(chan Event, 64),
		connected: true,
		phone:     "+15550001111",
	}
}

// FailSendsWith makes the next n Send calls return err. n < 0 fails all
// subsequent sends.
func (f *Fake) FailSendsWith(err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
	f.failCount = n
}

// Sent returns a copy of all recorded Send calls.
func (f *Fake) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// EmitMessage injects a message event into the stream.
func (f *Fake) EmitMessage(ev MessageEvent) {
	f.events <- Event{Message: &ev}
}

// EmitConn injects a connection event and updates the reported state.
func (f *Fake) EmitConn(ev ConnEvent) {
	f.mu.Lock()
	f.connected = ev.State == StateOpen
	f.mu.Unlock()
	f.events <- Event{Conn: &ev}
}

// SetConnected flips the connected flag without emitting an event.
func (f *Fake) SetConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = connected
}

// LoggedOut reports whether Logout was called.
func (f *Fake) LoggedOut() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedOut
}

// Send records the call and returns a scripted error or a generated id.
func (f *Fake) Send(_ context.Context, jid string, content Content) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected {
		return "", ErrNotConnected
	}

	f.sent = append(f.sent, SentMessage{JID: jid, Content: content})

	if f.sendErr != nil && f.failCount != 0 {
		if f.failCount > 0 {
			f.failCount--
		}
		return "", f.sendErr
	}

	f.nextID++
	return fmt.Sprintf("fake-msg-%d", f.nextID), nil
}

func (f *Fake) Events() <-chan Event {
	return f.events
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) PhoneNumber() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phone
}

func (f *Fake) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	f.connected = false
	return nil
}

// Close closes the event stream. Safe to call multiple times.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		close(f.events)
		f.closed = true
		f.connected = false
	}
	return nil
}
