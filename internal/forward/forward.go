// ABOUTME: Forwards protocol message events to the CRM webhook, one per direction.
// ABOUTME: Filter, dedup, normalize, resolve, post, audit; failures never escape Handle.

package forward

import (
	"context"
	"time"

	"log/slog"

	"github.com/2389/crm-bridge/internal/audit"
	"github.com/2389/crm-bridge/internal/config"
	"github.com/2389/crm-bridge/internal/crm"
	"github.com/2389/crm-bridge/internal/dedupe"
	"github.com/2389/crm-bridge/internal/metrics"
	"github.com/2389/crm-bridge/internal/session"
	"github.com/2389/crm-bridge/internal/webhook"
)

// CRMClient is the slice of the CRM API the forwarders use.
// *crm.Client satisfies this.
type CRMClient interface {
	Settings(ctx context.Context) (map[string]string, error)
	PostWebhook(ctx context.Context, url string, payload any) error
	PersistOutbound(ctx context.Context, m crm.OutboundMessage) error
}

// Payload is the normalized body posted to the CRM webhook.
type Payload struct {
	MessageID string `json:"message_id"`
	PhoneE164 string `json:"phone_e164"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	Direction string `json:"direction"`
	FromMe    bool   `json:"from_me"`
}

// Forwarder maps protocol message events for one direction onto CRM HTTP
// calls. Each instance privately owns its dedupe cache and webhook
// resolver; inbound and outbound never share state even though the
// resolution protocol is identical.
type Forwarder struct {
	direction    webhook.Direction
	dedupe       *dedupe.Cache
	resolver     *webhook.Resolver
	crm          CRMClient
	audit        audit.Recorder
	metrics      *metrics.Metrics
	logger       *slog.Logger
	persistFirst bool
}

// NewInbound creates the forwarder for messages received from counterparts.
func NewInbound(cfg *config.Config, client CRMClient, rec audit.Recorder, m *metrics.Metrics, logger *slog.Logger) *Forwarder {
	return newForwarder(cfg, webhook.DirectionInbound, cfg.Webhooks.InboundOverride, false, client, rec, m, logger)
}

// NewOutbound creates the forwarder mirroring device-originated messages.
// It persists each message into the CRM's own store before webhook
// forwarding, since the CRM has no other record of them.
func NewOutbound(cfg *config.Config, client CRMClient, rec audit.Recorder, m *metrics.Metrics, logger *slog.Logger) *Forwarder {
	return newForwarder(cfg, webhook.DirectionOutbound, cfg.Webhooks.OutboundOverride, true, client, rec, m, logger)
}

func newForwarder(cfg *config.Config, direction webhook.Direction, override string, persistFirst bool, client CRMClient, rec audit.Recorder, m *metrics.Metrics, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		direction:    direction,
		dedupe:       dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize, cfg.Dedupe.SweepInterval),
		resolver:     webhook.New(direction, override, client, cfg.Webhooks.RefreshInterval, logger),
		crm:          client,
		audit:        rec,
		metrics:      m,
		logger:       logger.With("component", "forward", "direction", string(direction)),
		persistFirst: persistFirst,
	}
}

// Handle processes one protocol event. It never panics or returns an
// error across the boundary: every failure is logged and audited so the
// protocol event stream cannot stall on a bad message.
func (f *Forwarder) Handle(ctx context.Context, ev session.MessageEvent) {
	counterpart := ev.FromJID
	if f.direction == webhook.DirectionOutbound {
		counterpart = ev.ToJID
	}

	if isGroupOrBroadcast(counterpart) {
		f.metrics.FilteredEvents.WithLabelValues(string(f.direction)).Inc()
		f.logger.Debug("ignoring group/broadcast event", "message_id", ev.ID, "jid", counterpart)
		return
	}

	if f.dedupe.CheckAndMark(ev.ID) {
		f.metrics.DedupeDrops.WithLabelValues(string(f.direction)).Inc()
		f.logger.Debug("duplicate event dropped", "message_id", ev.ID)
		return
	}

	phone := normalizePhone(counterpart)
	payload := Payload{
		MessageID: ev.ID,
		PhoneE164: phone,
		Text:      ev.Text,
		Timestamp: ev.Timestamp.Unix(),
		Direction: string(f.direction),
		FromMe:    ev.FromMe,
	}

	if f.persistFirst {
		err := f.crm.PersistOutbound(ctx, crm.OutboundMessage{
			MessageID: ev.ID,
			PhoneE164: phone,
			Text:      ev.Text,
			Timestamp: ev.Timestamp.Unix(),
		})
		if err != nil {
			// The webhook step still runs; persistence is best effort.
			f.logger.Warn("persisting outbound message failed", "message_id", ev.ID, "error", err)
		}
	}

	success := false
	detail := ""

	if addr := f.resolver.Address(ctx); addr == "" {
		detail = "webhook not configured"
		f.logger.Debug("no webhook address resolved", "message_id", ev.ID)
	} else if err := f.crm.PostWebhook(ctx, addr, payload); err != nil {
		detail = err.Error()
		f.logger.Warn("webhook forwarding failed", "message_id", ev.ID, "error", err)
	} else {
		success = true
	}

	if success {
		f.metrics.Forwarded.WithLabelValues(string(f.direction)).Inc()
	} else {
		f.metrics.ForwardFailures.WithLabelValues(string(f.direction)).Inc()
	}

	f.audit.Record(audit.Entry{
		Direction:   string(f.direction),
		MessageID:   ev.ID,
		Counterpart: phone,
		Success:     success,
		Detail:      detail,
		Timestamp:   time.Now().UTC(),
	})
}

// Refresh forces the resolver to re-resolve immediately.
func (f *Forwarder) Refresh(ctx context.Context) {
	f.resolver.Refresh(ctx)
}

// Close releases the forwarder's dedupe cache.
func (f *Forwarder) Close() {
	f.dedupe.Close()
}
