// ABOUTME: Tests for webhook address resolution, override precedence, and refresh.
// ABOUTME: Uses a scripted settings fetcher instead of a live CRM.

package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// scriptedFetcher returns canned settings responses and counts calls.
type scriptedFetcher struct {
	mu       sync.Mutex
	settings map[string]string
	err      error
	calls    int
}

func (f *scriptedFetcher) Settings(context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.settings, nil
}

func (f *scriptedFetcher) set(settings map[string]string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = settings
	f.err = err
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestResolver_OverrideWins(t *testing.T) {
	fetcher := &scriptedFetcher{settings: map[string]string{
		"inbound_webhook_url": "https://remote.example.com/in",
	}}
	r := New(DirectionInbound, "https://override.example.com/in", fetcher, time.Minute, nil)

	assert.Equal(t, "https://override.example.com/in", r.Address(context.Background()))
	r.Refresh(context.Background())
	assert.Equal(t, "https://override.example.com/in", r.Address(context.Background()))
	assert.Equal(t, 0, fetcher.callCount(), "override must never trigger a fetch")
}

func TestResolver_RemoteResolution(t *testing.T) {
	fetcher := &scriptedFetcher{settings: map[string]string{
		"inbound_webhook_url": "https://x",
	}}
	r := New(DirectionInbound, "", fetcher, time.Minute, nil)

	assert.Equal(t, "https://x", r.Address(context.Background()))
}

func TestResolver_OutboundField(t *testing.T) {
	fetcher := &scriptedFetcher{settings: map[string]string{
		"inbound_webhook_url":  "https://in",
		"outbound_webhook_url": "https://out",
	}}
	r := New(DirectionOutbound, "", fetcher, time.Minute, nil)

	assert.Equal(t, "https://out", r.Address(context.Background()))
}

func TestResolver_MissingFieldClearsAddress(t *testing.T) {
	fetcher := &scriptedFetcher{settings: map[string]string{
		"inbound_webhook_url": "https://x",
	}}
	r := New(DirectionInbound, "", fetcher, time.Minute, nil)

	assert.Equal(t, "https://x", r.Address(context.Background()))

	fetcher.set(map[string]string{}, nil)
	r.Refresh(context.Background())
	assert.Empty(t, r.Address(context.Background()),
		"a fetch with no field clears the previously cached address")
}

func TestResolver_FetchErrorClearsAddress(t *testing.T) {
	fetcher := &scriptedFetcher{settings: map[string]string{
		"inbound_webhook_url": "https://x",
	}}
	r := New(DirectionInbound, "", fetcher, time.Minute, nil)

	assert.Equal(t, "https://x", r.Address(context.Background()))

	fetcher.set(nil, errors.New("crm down"))
	r.Refresh(context.Background())
	assert.Empty(t, r.Address(context.Background()),
		"forwarding fails closed while the CRM settings are unreadable")
}

func TestResolver_RefreshIntervalBoundsFetches(t *testing.T) {
	fetcher := &scriptedFetcher{settings: map[string]string{
		"inbound_webhook_url": "https://x",
	}}
	r := New(DirectionInbound, "", fetcher, time.Minute, nil)

	for i := 0; i < 10; i++ {
		r.Address(context.Background())
	}
	assert.Equal(t, 1, fetcher.callCount(),
		"a cached address within the interval must not re-fetch")
}

func TestResolver_UnsetRetriesImmediately(t *testing.T) {
	fetcher := &scriptedFetcher{err: errors.New("crm down")}
	r := New(DirectionInbound, "", fetcher, time.Minute, nil)

	assert.Empty(t, r.Address(context.Background()))
	assert.Empty(t, r.Address(context.Background()))
	assert.Equal(t, 2, fetcher.callCount(),
		"an unset address retries on every lookup")
}

func TestResolver_StaleAddressRefetches(t *testing.T) {
	fetcher := &scriptedFetcher{settings: map[string]string{
		"inbound_webhook_url": "https://x",
	}}
	r := New(DirectionInbound, "", fetcher, 20*time.Millisecond, nil)

	assert.Equal(t, "https://x", r.Address(context.Background()))

	fetcher.set(map[string]string{"inbound_webhook_url": "https://y"}, nil)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, "https://y", r.Address(context.Background()),
		"an expired interval picks up the new address")
}

func TestResolver_RefreshForcesFetch(t *testing.T) {
	fetcher := &scriptedFetcher{settings: map[string]string{
		"inbound_webhook_url": "https://x",
	}}
	r := New(DirectionInbound, "", fetcher, time.Hour, nil)

	assert.Equal(t, "https://x", r.Address(context.Background()))

	fetcher.set(map[string]string{"inbound_webhook_url": "https://y"}, nil)
	r.Refresh(context.Background())
	assert.Equal(t, "https://y", r.Address(context.Background()))
}
