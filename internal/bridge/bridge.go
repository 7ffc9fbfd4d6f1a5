// ABOUTME: Client facade owning the protocol session, send queue, and forwarders.
// ABOUTME: Exposes send/status/refresh to the HTTP layer; reinitializes on drops.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/2389/crm-bridge/internal/audit"
	"github.com/2389/crm-bridge/internal/config"
	"github.com/2389/crm-bridge/internal/crm"
	"github.com/2389/crm-bridge/internal/forward"
	"github.com/2389/crm-bridge/internal/media"
	"github.com/2389/crm-bridge/internal/metrics"
	"github.com/2389/crm-bridge/internal/sendq"
	"github.com/2389/crm-bridge/internal/session"
)

// ErrNoSession is returned by SendMessage while no session is available.
var ErrNoSession = errors.New("no active protocol session")

// ErrInvalidSend marks SendOptions the caller got wrong, as opposed to
// delivery failures.
var ErrInvalidSend = errors.New("invalid send options")

// reconnectDelay paces reinitialization attempts after an unexpected close.
// Variable so tests can shorten it.
var reconnectDelay = 5 * time.Second

// defaultJIDSuffix completes bare phone numbers into protocol addresses.
const defaultJIDSuffix = "@s.whatsapp.net"

// SessionFactory creates a fresh protocol session. Called at startup and
// again whenever a non-logout close triggers reinitialization.
type SessionFactory func(ctx context.Context) (session.Session, error)

// CRMClient is the CRM surface the bridge needs: the forwarders' slice
// plus template resolution. *crm.Client satisfies this.
type CRMClient interface {
	forward.CRMClient
	Template(ctx context.Context, name string) (*crm.Template, error)
}

// SendOptions describes one API-initiated send. Exactly one of Text,
// ImageURL, or Template must be set.
type SendOptions struct {
	To       string `json:"to"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Template string `json:"template,omitempty"`
}

// Status is the connection state reported to the HTTP layer.
type Status struct {
	Connected   bool   `json:"connected"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// Bridge wires the protocol session to the CRM. It exclusively owns the
// send queue and both forwarders; each forwarder in turn owns its dedupe
// cache and webhook resolver. Nothing here is shared module state: tests
// construct isolated bridges.
type Bridge struct {
	cfg      *config.Config
	factory  SessionFactory
	crm      CRMClient
	queue    *sendq.Queue
	inbound  *forward.Forwarder
	outbound *forward.Forwarder
	media    *media.Cache
	audit    audit.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu        sync.Mutex
	sess      session.Session
	openCh    chan struct{}
	loggedOut bool
	closed    bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New assembles a bridge from explicitly injected collaborators.
func New(cfg *config.Config, factory SessionFactory, crmClient CRMClient, rec audit.Recorder, m *metrics.Metrics, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:      cfg,
		factory:  factory,
		crm:      crmClient,
		queue:    sendq.New(cfg.Send.MaxRetries, cfg.Send.RetryDelay, logger),
		inbound:  forward.NewInbound(cfg, crmClient, rec, m, logger),
		outbound: forward.NewOutbound(cfg, crmClient, rec, m, logger),
		media:    media.New(cfg.Media.MaxBytes, cfg.Media.TTL, cfg.Media.Timeout, cfg.Media.SweepInterval, logger),
		audit:    rec,
		metrics:  m,
		logger:   logger.With("component", "bridge"),
		done:     make(chan struct{}),
	}
}

// Start creates the initial session and begins consuming its events. A
// factory failure is not fatal: it is logged, status reports disconnected,
// and session creation keeps retrying in the background until it succeeds
// or the bridge shuts down.
func (b *Bridge) Start(ctx context.Context) {
	if err := b.startSession(ctx); err != nil {
		b.logger.Error("session initialization failed, will retry", "error", err)
		b.scheduleReinitialize()
		return
	}

	// Pairing can take a while on first run; a timeout here is not fatal,
	// the session keeps trying in the background.
	if !b.waitOpen(ctx, b.cfg.Session.OpenTimeout) {
		b.logger.Warn("session not open yet, continuing in background",
			"waited", b.cfg.Session.OpenTimeout)
	}
}

// startSession creates a session via the factory and spawns its event loop.
func (b *Bridge) startSession(ctx context.Context) error {
	sess, err := b.factory(ctx)
	if err != nil {
		return fmt.Errorf("creating protocol session: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sess.Close()
		return errors.New("bridge closed")
	}
	b.sess = sess
	b.openCh = make(chan struct{})
	b.mu.Unlock()

	b.wg.Add(1)
	go b.eventLoop(sess)
	return nil
}

// waitOpen blocks until the current session reports open, the timeout
// elapses, or ctx is done. One-shot: the open channel is closed at most
// once per session and the timer is torn down on every branch.
func (b *Bridge) waitOpen(ctx context.Context, timeout time.Duration) bool {
	b.mu.Lock()
	openCh := b.openCh
	b.mu.Unlock()
	if openCh == nil {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-openCh:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// eventLoop dispatches one session's events until its stream closes.
func (b *Bridge) eventLoop(sess session.Session) {
	defer b.wg.Done()

	for ev := range sess.Events() {
		switch {
		case ev.Message != nil:
			if ev.Message.FromMe {
				b.outbound.Handle(context.Background(), *ev.Message)
			} else {
				b.inbound.Handle(context.Background(), *ev.Message)
			}

		case ev.Conn != nil:
			b.handleConnEvent(sess, ev.Conn)
		}
	}

	// Stream closed without a terminal event (transport died outright).
	b.maybeReinitialize(sess, "event stream closed")
}

// handleConnEvent tracks connection state and schedules reinitialization
// after a close that was not an explicit logout.
func (b *Bridge) handleConnEvent(sess session.Session, ev *session.ConnEvent) {
	switch ev.State {
	case session.StateOpen:
		b.logger.Info("protocol session open", "phone", sess.PhoneNumber())
		b.mu.Lock()
		if b.sess == sess && b.openCh != nil {
			select {
			case <-b.openCh:
				// already signaled
			default:
				close(b.openCh)
			}
		}
		b.mu.Unlock()

	case session.StateClosed:
		if ev.LoggedOut {
			b.logger.Info("session logged out, not reinitializing")
			b.mu.Lock()
			b.loggedOut = true
			b.mu.Unlock()
			return
		}
		b.maybeReinitialize(sess, ev.Reason)

	case session.StateConnecting:
		b.logger.Debug("protocol session connecting")
	}
}

// maybeReinitialize replaces a dead session unless the bridge is closed,
// logged out, or the session has already been superseded.
func (b *Bridge) maybeReinitialize(dead session.Session, reason string) {
	b.mu.Lock()
	if b.closed || b.loggedOut || b.sess != dead {
		b.mu.Unlock()
		return
	}
	b.sess = nil
	b.mu.Unlock()

	b.logger.Warn("session closed unexpectedly, reinitializing", "reason", reason)
	b.scheduleReinitialize()
}

// scheduleReinitialize retries session creation on a fixed cadence until
// it succeeds, the bridge closes, or the session logs out. The delay is
// interruptible so Close never waits out a pending retry.
func (b *Bridge) scheduleReinitialize() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			timer := time.NewTimer(reconnectDelay)
			select {
			case <-timer.C:
			case <-b.done:
				timer.Stop()
				return
			}

			b.mu.Lock()
			stop := b.closed || b.loggedOut
			b.mu.Unlock()
			if stop {
				return
			}

			if err := b.startSession(context.Background()); err != nil {
				b.logger.Error("session reinitialization failed, will retry", "error", err)
				continue
			}
			return
		}
	}()
}

// currentSession returns the live session, or nil.
func (b *Bridge) currentSession() session.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sess
}

// SendMessage enqueues an API-initiated send and waits for it to settle.
// It returns the protocol message id, or the final error once the queue
// has exhausted its retries.
func (b *Bridge) SendMessage(ctx context.Context, opts SendOptions) (string, error) {
	content, err := b.buildContent(ctx, opts)
	if err != nil {
		return "", err
	}
	jid := toJID(opts.To)

	b.metrics.APISends.Inc()

	pending := b.queue.Enqueue(ctx, func(ctx context.Context) (string, error) {
		sess := b.currentSession()
		if sess == nil {
			return "", ErrNoSession
		}
		return sess.Send(ctx, jid, content)
	})

	id, err := pending.Wait(ctx)

	success := err == nil
	detail := ""
	if err != nil {
		detail = err.Error()
		b.metrics.APISendFailures.Inc()
	}
	b.audit.Record(audit.Entry{
		Direction:   audit.DirectionAPISend,
		MessageID:   id,
		Counterpart: normalizeTo(opts.To),
		Success:     success,
		Detail:      detail,
		Timestamp:   time.Now().UTC(),
	})

	if err != nil {
		return "", err
	}
	return id, nil
}

// buildContent validates options and resolves templates and media.
func (b *Bridge) buildContent(ctx context.Context, opts SendOptions) (session.Content, error) {
	if opts.To == "" {
		return session.Content{}, fmt.Errorf("%w: destination address is required", ErrInvalidSend)
	}

	set := 0
	for _, s := range []string{opts.Text, opts.ImageURL, opts.Template} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return session.Content{}, fmt.Errorf("%w: exactly one of text, image_url, or template is required", ErrInvalidSend)
	}

	switch {
	case opts.Text != "":
		return session.Content{Text: opts.Text}, nil

	case opts.ImageURL != "":
		data, err := b.media.Get(ctx, opts.ImageURL)
		if err != nil {
			return session.Content{}, fmt.Errorf("fetching image: %w", err)
		}
		return session.Content{ImageData: data, Caption: opts.Caption}, nil

	default:
		tmpl, err := b.crm.Template(ctx, opts.Template)
		if err != nil {
			return session.Content{}, fmt.Errorf("resolving template: %w", err)
		}
		content := session.Content{Text: tmpl.Body}
		if tmpl.ImageURL != "" {
			data, err := b.media.Get(ctx, tmpl.ImageURL)
			if err != nil {
				return session.Content{}, fmt.Errorf("fetching template image: %w", err)
			}
			content = session.Content{ImageData: data, Caption: tmpl.Body}
		}
		return content, nil
	}
}

// Status reports the current connection state.
func (b *Bridge) Status() Status {
	sess := b.currentSession()
	if sess == nil {
		return Status{}
	}
	return Status{
		Connected:   sess.Connected(),
		PhoneNumber: sess.PhoneNumber(),
	}
}

// RefreshWebhooks forces both forwarders to re-resolve immediately.
func (b *Bridge) RefreshWebhooks(ctx context.Context) {
	b.inbound.Refresh(ctx)
	b.outbound.Refresh(ctx)
}

// Logout explicitly unpairs the session; the bridge will not reinitialize.
func (b *Bridge) Logout(ctx context.Context) error {
	b.mu.Lock()
	b.loggedOut = true
	sess := b.sess
	b.mu.Unlock()

	if sess == nil {
		return ErrNoSession
	}
	return sess.Logout(ctx)
}

// Close shuts down the queue, session, forwarders, and caches, and waits
// for the event loop to drain.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	sess := b.sess
	b.sess = nil
	b.mu.Unlock()

	close(b.done)
	b.queue.Close()
	if sess != nil {
		sess.Close()
	}
	b.wg.Wait()

	b.inbound.Close()
	b.outbound.Close()
	b.media.Close()
}

// toJID completes a destination address into a protocol JID.
func toJID(to string) string {
	if strings.ContainsRune(to, '@') {
		return to
	}
	return strings.TrimPrefix(to, "+") + defaultJIDSuffix
}

// normalizeTo canonicalizes a destination for audit records.
func normalizeTo(to string) string {
	phone := to
	if i := strings.IndexByte(phone, '@'); i >= 0 {
		phone = phone[:i]
	}
	if phone != "" && !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	return phone
}
