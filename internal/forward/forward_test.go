// ABOUTME: Tests for the inbound/outbound forwarders.
// ABOUTME: Covers filtering, dedup, normalization, fail-closed resolution, and audit.

package forward

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/crm-bridge/internal/audit"
	"github.com/2389/crm-bridge/internal/config"
	"github.com/2389/crm-bridge/internal/crm"
	"github.com/2389/crm-bridge/internal/metrics"
	"github.com/2389/crm-bridge/internal/session"
)

// fakeCRM scripts the CRM surface the forwarders touch.
type fakeCRM struct {
	mu          sync.Mutex
	settings    map[string]string
	settingsErr error
	posts       []postRecord
	postErr     error
	persisted   []crm.OutboundMessage
	persistErr  error
}

type postRecord struct {
	url     string
	payload Payload
}

func (f *fakeCRM) Settings(context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settingsErr != nil {
		return nil, f.settingsErr
	}
	return f.settings, nil
}

func (f *fakeCRM) PostWebhook(_ context.Context, url string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, postRecord{url: url, payload: payload.(Payload)})
	return f.postErr
}

func (f *fakeCRM) PersistOutbound(_ context.Context, m crm.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted = append(f.persisted, m)
	return f.persistErr
}

func (f *fakeCRM) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func testConfig() *config.Config {
	return &config.Config{
		Webhooks: config.WebhooksConfig{
			RefreshInterval: time.Minute,
		},
		Dedupe: config.DedupeConfig{
			MaxSize:       100,
			TTL:           time.Minute,
			SweepInterval: time.Minute,
		},
	}
}

func newTestForwarder(t *testing.T, inbound bool, cfg *config.Config, c *fakeCRM) (*Forwarder, *audit.Memory) {
	t.Helper()
	rec := audit.NewMemory()
	var f *Forwarder
	if inbound {
		f = NewInbound(cfg, c, rec, metrics.New(), nil)
	} else {
		f = NewOutbound(cfg, c, rec, metrics.New(), nil)
	}
	t.Cleanup(f.Close)
	return f, rec
}

func inboundEvent(id string) session.MessageEvent {
	return session.MessageEvent{
		ID:        id,
		FromJID:   "85291234567@s.whatsapp.net",
		Text:      "hi",
		Timestamp: time.Unix(1700000000, 0),
	}
}

func TestInbound_ForwardsAndAudits(t *testing.T) {
	c := &fakeCRM{settings: map[string]string{"inbound_webhook_url": "https://hooks.example.com/in"}}
	f, rec := newTestForwarder(t, true, testConfig(), c)

	f.Handle(context.Background(), inboundEvent("m1"))

	require.Equal(t, 1, c.postCount())
	post := c.posts[0]
	assert.Equal(t, "https://hooks.example.com/in", post.url)
	assert.Equal(t, "m1", post.payload.MessageID)
	assert.Equal(t, "+85291234567", post.payload.PhoneE164)
	assert.Equal(t, "hi", post.payload.Text)
	assert.Equal(t, int64(1700000000), post.payload.Timestamp)
	assert.Equal(t, "inbound", post.payload.Direction)

	entries := rec.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, "m1", entries[0].MessageID)
	assert.Equal(t, "+85291234567", entries[0].Counterpart)
	assert.Empty(t, entries[0].Detail)
}

func TestInbound_ReplayIsSilent(t *testing.T) {
	c := &fakeCRM{settings: map[string]string{"inbound_webhook_url": "https://hooks.example.com/in"}}
	f, rec := newTestForwarder(t, true, testConfig(), c)

	ev := inboundEvent("m1")
	f.Handle(context.Background(), ev)
	f.Handle(context.Background(), ev)

	assert.Equal(t, 1, c.postCount(), "replay must not POST again")
	assert.Len(t, rec.Entries(), 1, "replay must not audit again")
}

func TestInbound_GroupEventIgnoredEntirely(t *testing.T) {
	c := &fakeCRM{settings: map[string]string{"inbound_webhook_url": "https://hooks.example.com/in"}}
	f, rec := newTestForwarder(t, true, testConfig(), c)

	f.Handle(context.Background(), session.MessageEvent{
		ID:      "g1",
		FromJID: "1234567-89@g.us",
		Text:    "group chatter",
	})

	assert.Equal(t, 0, c.postCount())
	assert.Empty(t, rec.Entries())
	assert.Equal(t, 0, f.dedupe.Len(), "filtered events leave no dedup entry")
}

func TestInbound_BroadcastIgnored(t *testing.T) {
	c := &fakeCRM{settings: map[string]string{"inbound_webhook_url": "https://hooks.example.com/in"}}
	f, rec := newTestForwarder(t, true, testConfig(), c)

	f.Handle(context.Background(), session.MessageEvent{
		ID:      "b1",
		FromJID: "status@broadcast",
	})

	assert.Equal(t, 0, c.postCount())
	assert.Empty(t, rec.Entries())
}

func TestInbound_NotConfiguredAuditsFailure(t *testing.T) {
	c := &fakeCRM{settings: map[string]string{}}
	f, rec := newTestForwarder(t, true, testConfig(), c)

	f.Handle(context.Background(), inboundEvent("m2"))

	assert.Equal(t, 0, c.postCount(), "no network call without an address")
	entries := rec.Entries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Equal(t, "webhook not configured", entries[0].Detail)
}

func TestInbound_WebhookFailureAudited(t *testing.T) {
	c := &fakeCRM{
		settings: map[string]string{"inbound_webhook_url": "https://hooks.example.com/in"},
		postErr:  errors.New("unexpected status 502"),
	}
	f, rec := newTestForwarder(t, true, testConfig(), c)

	f.Handle(context.Background(), inboundEvent("m3"))

	assert.Equal(t, 1, c.postCount(), "exactly one forwarding attempt, no retry")
	entries := rec.Entries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Contains(t, entries[0].Detail, "502")
}

func TestInbound_OverrideSkipsSettings(t *testing.T) {
	cfg := testConfig()
	cfg.Webhooks.InboundOverride = "https://override.example.com/in"
	c := &fakeCRM{settingsErr: errors.New("settings endpoint down")}
	f, rec := newTestForwarder(t, true, cfg, c)

	f.Handle(context.Background(), inboundEvent("m4"))

	require.Equal(t, 1, c.postCount())
	assert.Equal(t, "https://override.example.com/in", c.posts[0].url)
	assert.True(t, rec.Entries()[0].Success)
}

func TestInbound_DeviceSuffixNormalized(t *testing.T) {
	c := &fakeCRM{settings: map[string]string{"inbound_webhook_url": "https://hooks.example.com/in"}}
	f, _ := newTestForwarder(t, true, testConfig(), c)

	f.Handle(context.Background(), session.MessageEvent{
		ID:      "m5",
		FromJID: "85291234567:3@s.whatsapp.net",
		Text:    "multi-device",
	})

	require.Equal(t, 1, c.postCount())
	assert.Equal(t, "+85291234567", c.posts[0].payload.PhoneE164)
}

func TestOutbound_PersistsBeforeForwarding(t *testing.T) {
	c := &fakeCRM{settings: map[string]string{"outbound_webhook_url": "https://hooks.example.com/out"}}
	f, rec := newTestForwarder(t, false, testConfig(), c)

	f.Handle(context.Background(), session.MessageEvent{
		ID:        "o1",
		ToJID:     "15550001111@s.whatsapp.net",
		Text:      "sent from phone",
		Timestamp: time.Unix(1700000100, 0),
		FromMe:    true,
	})

	require.Len(t, c.persisted, 1)
	assert.Equal(t, "o1", c.persisted[0].MessageID)
	assert.Equal(t, "+15550001111", c.persisted[0].PhoneE164)

	require.Equal(t, 1, c.postCount())
	assert.Equal(t, "https://hooks.example.com/out", c.posts[0].url)
	assert.Equal(t, "outbound", c.posts[0].payload.Direction)
	assert.True(t, c.posts[0].payload.FromMe)

	require.Len(t, rec.Entries(), 1)
	assert.Equal(t, "outbound", rec.Entries()[0].Direction)
}

func TestOutbound_PersistFailureDoesNotBlockWebhook(t *testing.T) {
	c := &fakeCRM{
		settings:   map[string]string{"outbound_webhook_url": "https://hooks.example.com/out"},
		persistErr: errors.New("store unavailable"),
	}
	f, rec := newTestForwarder(t, false, testConfig(), c)

	f.Handle(context.Background(), session.MessageEvent{
		ID:     "o2",
		ToJID:  "15550001111@s.whatsapp.net",
		FromMe: true,
	})

	assert.Equal(t, 1, c.postCount(), "webhook step still runs")
	assert.True(t, rec.Entries()[0].Success)
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		jid  string
		want string
	}{
		{"85291234567@s.whatsapp.net", "+85291234567"},
		{"85291234567:3@s.whatsapp.net", "+85291234567"},
		{"+85291234567@s.whatsapp.net", "+85291234567"},
		{"15550001111", "+15550001111"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, normalizePhone(tc.jid), "jid %q", tc.jid)
	}
}

func TestIsGroupOrBroadcast(t *testing.T) {
	assert.True(t, isGroupOrBroadcast("1234567-89@g.us"))
	assert.True(t, isGroupOrBroadcast("status@broadcast"))
	assert.False(t, isGroupOrBroadcast("85291234567@s.whatsapp.net"))
}
