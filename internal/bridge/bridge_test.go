// ABOUTME: Tests for the bridge facade: sends, event dispatch, reinit, status.
// ABOUTME: Uses the fake session and a scripted CRM client.

package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
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

// fakeCRM scripts the CRM surface the bridge touches.
type fakeCRM struct {
	mu          sync.Mutex
	settings    map[string]string
	posts       []postRecord
	persisted   []crm.OutboundMessage
	template    *crm.Template
	templateErr error
}

type postRecord struct {
	url     string
	payload any
}

func (f *fakeCRM) Settings(context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, nil
}

func (f *fakeCRM) PostWebhook(_ context.Context, url string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, postRecord{url: url, payload: payload})
	return nil
}

func (f *fakeCRM) PersistOutbound(_ context.Context, m crm.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted = append(f.persisted, m)
	return nil
}

func (f *fakeCRM) Template(context.Context, string) (*crm.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.templateErr != nil {
		return nil, f.templateErr
	}
	return f.template, nil
}

func (f *fakeCRM) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func (f *fakeCRM) setSettings(s map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = s
}

func testConfig() *config.Config {
	return &config.Config{
		Session: config.SessionConfig{OpenTimeout: time.Second},
		Send:    config.SendConfig{MaxRetries: 3, RetryDelay: time.Millisecond},
		Webhooks: config.WebhooksConfig{
			RefreshInterval: time.Minute,
			Timeout:         time.Second,
		},
		Dedupe: config.DedupeConfig{
			MaxSize:       100,
			TTL:           time.Minute,
			SweepInterval: time.Minute,
		},
		Media: config.MediaConfig{
			MaxBytes:      1 << 20,
			TTL:           time.Minute,
			Timeout:       time.Second,
			SweepInterval: time.Minute,
		},
	}
}

// newTestBridge starts a bridge over a pre-opened fake session.
func newTestBridge(t *testing.T, cfg *config.Config, c *fakeCRM) (*Bridge, *session.Fake, *audit.Memory) {
	t.Helper()

	fake := session.NewFake()
	fake.EmitConn(session.ConnEvent{State: session.StateOpen})

	rec := audit.NewMemory()
	b := New(cfg, func(context.Context) (session.Session, error) {
		return fake, nil
	}, c, rec, metrics.New(), nil)

	b.Start(context.Background())
	t.Cleanup(b.Close)
	return b, fake, rec
}

func TestBridge_SendText(t *testing.T) {
	c := &fakeCRM{}
	b, fake, rec := newTestBridge(t, testConfig(), c)

	id, err := b.SendMessage(context.Background(), SendOptions{
		To:   "+85291234567",
		Text: "hello",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	sent := fake.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "85291234567@s.whatsapp.net", sent[0].JID)
	assert.Equal(t, "hello", sent[0].Content.Text)

	entries := rec.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.DirectionAPISend, entries[0].Direction)
	assert.True(t, entries[0].Success)
	assert.Equal(t, "+85291234567", entries[0].Counterpart)
}

func TestBridge_SendRetriesTransientFailure(t *testing.T) {
	c := &fakeCRM{}
	b, fake, _ := newTestBridge(t, testConfig(), c)

	fake.FailSendsWith(errors.New("transport hiccup"), 2)

	id, err := b.SendMessage(context.Background(), SendOptions{
		To:   "+85291234567",
		Text: "eventually",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Len(t, fake.Sent(), 3, "two failures then a success")
}

func TestBridge_SendExhaustionSurfacesError(t *testing.T) {
	c := &fakeCRM{}
	b, fake, rec := newTestBridge(t, testConfig(), c)

	fake.FailSendsWith(errors.New("permanently broken"), -1)

	_, err := b.SendMessage(context.Background(), SendOptions{
		To:   "+85291234567",
		Text: "doomed",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permanently broken")
	assert.Len(t, fake.Sent(), 4, "maxRetries+1 attempts")

	entries := rec.Entries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
}

func TestBridge_SendsSerializedInOrder(t *testing.T) {
	c := &fakeCRM{}
	b, fake, _ := newTestBridge(t, testConfig(), c)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.SendMessage(context.Background(), SendOptions{
				To:   "+85291234567",
				Text: "ordered",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, fake.Sent(), 5)
}

func TestBridge_SendValidation(t *testing.T) {
	c := &fakeCRM{}
	b, _, _ := newTestBridge(t, testConfig(), c)

	_, err := b.SendMessage(context.Background(), SendOptions{Text: "no destination"})
	assert.Error(t, err)

	_, err = b.SendMessage(context.Background(), SendOptions{To: "+1"})
	assert.Error(t, err, "one of text, image_url, template required")

	_, err = b.SendMessage(context.Background(), SendOptions{To: "+1", Text: "a", Template: "b"})
	assert.Error(t, err, "only one content kind allowed")
}

func TestBridge_SendTemplate(t *testing.T) {
	c := &fakeCRM{template: &crm.Template{Name: "welcome", Body: "Welcome aboard!"}}
	b, fake, _ := newTestBridge(t, testConfig(), c)

	_, err := b.SendMessage(context.Background(), SendOptions{
		To:       "+85291234567",
		Template: "welcome",
	})
	require.NoError(t, err)

	sent := fake.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Welcome aboard!", sent[0].Content.Text)
}

func TestBridge_SendTemplateWithImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("png-bytes"))
	}))
	defer server.Close()

	c := &fakeCRM{template: &crm.Template{
		Name:     "promo",
		Body:     "Big sale!",
		ImageURL: server.URL + "/promo.png",
	}}
	b, fake, _ := newTestBridge(t, testConfig(), c)

	_, err := b.SendMessage(context.Background(), SendOptions{
		To:       "+85291234567",
		Template: "promo",
	})
	require.NoError(t, err)

	sent := fake.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []byte("png-bytes"), sent[0].Content.ImageData)
	assert.Equal(t, "Big sale!", sent[0].Content.Caption)
}

func TestBridge_SendTemplateError(t *testing.T) {
	c := &fakeCRM{templateErr: errors.New("unknown template")}
	b, _, _ := newTestBridge(t, testConfig(), c)

	_, err := b.SendMessage(context.Background(), SendOptions{
		To:       "+85291234567",
		Template: "nope",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown template")
}

func TestBridge_DispatchesInboundEvents(t *testing.T) {
	c := &fakeCRM{settings: map[string]string{
		"inbound_webhook_url": "https://hooks.example.com/in",
	}}
	b, fake, _ := newTestBridge(t, testConfig(), c)
	_ = b

	fake.EmitMessage(session.MessageEvent{
		ID:        "in-1",
		FromJID:   "85291234567@s.whatsapp.net",
		Text:      "hi",
		Timestamp: time.Now(),
	})

	assert.Eventually(t, func() bool {
		return c.postCount() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "https://hooks.example.com/in", c.posts[0].url)
}

func TestBridge_DispatchesOutboundEvents(t *testing.T) {
	c := &fakeCRM{settings: map[string]string{
		"outbound_webhook_url": "https://hooks.example.com/out",
	}}
	b, fake, _ := newTestBridge(t, testConfig(), c)
	_ = b

	fake.EmitMessage(session.MessageEvent{
		ID:        "out-1",
		ToJID:     "15550001111@s.whatsapp.net",
		Text:      "from the phone",
		Timestamp: time.Now(),
		FromMe:    true,
	})

	assert.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.persisted) == 1 && len(c.posts) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "https://hooks.example.com/out", c.posts[0].url)
}

func TestBridge_Status(t *testing.T) {
	c := &fakeCRM{}
	b, fake, _ := newTestBridge(t, testConfig(), c)

	st := b.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, "+15550001111", st.PhoneNumber)

	fake.SetConnected(false)
	assert.False(t, b.Status().Connected)
}

func TestBridge_RefreshWebhooks(t *testing.T) {
	c := &fakeCRM{settings: map[string]string{
		"inbound_webhook_url": "https://old.example.com/in",
	}}
	b, fake, _ := newTestBridge(t, testConfig(), c)

	fake.EmitMessage(session.MessageEvent{ID: "r1", FromJID: "1@s.whatsapp.net", Timestamp: time.Now()})
	assert.Eventually(t, func() bool { return c.postCount() == 1 }, time.Second, 5*time.Millisecond)

	c.setSettings(map[string]string{"inbound_webhook_url": "https://new.example.com/in"})
	b.RefreshWebhooks(context.Background())

	fake.EmitMessage(session.MessageEvent{ID: "r2", FromJID: "1@s.whatsapp.net", Timestamp: time.Now()})
	assert.Eventually(t, func() bool { return c.postCount() == 2 }, time.Second, 5*time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, "https://new.example.com/in", c.posts[1].url)
}

func TestBridge_ReinitializesOnUnexpectedClose(t *testing.T) {
	oldDelay := reconnectDelay
	reconnectDelay = 10 * time.Millisecond
	defer func() { reconnectDelay = oldDelay }()

	var mu sync.Mutex
	var factoryCalls int
	sessions := []*session.Fake{session.NewFake(), session.NewFake()}

	rec := audit.NewMemory()
	b := New(testConfig(), func(context.Context) (session.Session, error) {
		mu.Lock()
		defer mu.Unlock()
		s := sessions[factoryCalls]
		factoryCalls++
		return s, nil
	}, &fakeCRM{}, rec, metrics.New(), nil)
	defer b.Close()

	sessions[0].EmitConn(session.ConnEvent{State: session.StateOpen})
	b.Start(context.Background())

	// Transport drop, not a logout: the factory is asked for a new session.
	sessions[0].EmitConn(session.ConnEvent{State: session.StateClosed, Reason: "stream error"})
	sessions[0].Close()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return factoryCalls == 2
	}, time.Second, 5*time.Millisecond)
}

func TestBridge_RecoversFromInitialFactoryFailure(t *testing.T) {
	oldDelay := reconnectDelay
	reconnectDelay = 10 * time.Millisecond
	defer func() { reconnectDelay = oldDelay }()

	var mu sync.Mutex
	var factoryCalls int
	fake := session.NewFake()

	b := New(testConfig(), func(context.Context) (session.Session, error) {
		mu.Lock()
		defer mu.Unlock()
		factoryCalls++
		if factoryCalls == 1 {
			return nil, errors.New("sidecar unreachable")
		}
		return fake, nil
	}, &fakeCRM{}, audit.NewMemory(), metrics.New(), nil)
	defer b.Close()

	// A failed first initialization leaves the bridge up but disconnected.
	b.Start(context.Background())
	assert.False(t, b.Status().Connected)

	// The background retry eventually gets a session and events flow.
	assert.Eventually(t, func() bool {
		return b.Status().Connected
	}, time.Second, 5*time.Millisecond)

	_, err := b.SendMessage(context.Background(), SendOptions{To: "+1", Text: "after recovery"})
	require.NoError(t, err)
	assert.Len(t, fake.Sent(), 1)
}

func TestBridge_CloseInterruptsPendingReconnect(t *testing.T) {
	oldDelay := reconnectDelay
	reconnectDelay = time.Hour
	defer func() { reconnectDelay = oldDelay }()

	b := New(testConfig(), func(context.Context) (session.Session, error) {
		return nil, errors.New("sidecar unreachable")
	}, &fakeCRM{}, audit.NewMemory(), metrics.New(), nil)

	b.Start(context.Background())

	start := time.Now()
	b.Close()
	assert.Less(t, time.Since(start), time.Second,
		"shutdown must not wait out the reconnect delay")
}

func TestBridge_LogoutPreventsReinitialization(t *testing.T) {
	oldDelay := reconnectDelay
	reconnectDelay = 10 * time.Millisecond
	defer func() { reconnectDelay = oldDelay }()

	var mu sync.Mutex
	var factoryCalls int
	fake := session.NewFake()

	b := New(testConfig(), func(context.Context) (session.Session, error) {
		mu.Lock()
		defer mu.Unlock()
		factoryCalls++
		return fake, nil
	}, &fakeCRM{}, audit.NewMemory(), metrics.New(), nil)
	defer b.Close()

	fake.EmitConn(session.ConnEvent{State: session.StateOpen})
	b.Start(context.Background())

	fake.EmitConn(session.ConnEvent{State: session.StateClosed, LoggedOut: true})
	fake.Close()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, factoryCalls, "an explicit logout must not reinitialize")
}
