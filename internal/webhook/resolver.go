// ABOUTME: Resolves the current webhook address for one forwarding direction.
// ABOUTME: Override wins permanently; otherwise CRM settings with interval refresh.

package webhook

import (
	"context"
	"sync"
	"time"

	"log/slog"
)

// Direction identifies which forwarding path a resolver serves.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// settingsField maps a direction to its CRM settings key.
func settingsField(d Direction) string {
	if d == DirectionOutbound {
		return "outbound_webhook_url"
	}
	return "inbound_webhook_url"
}

// SettingsFetcher fetches the CRM settings map. *crm.Client satisfies this.
type SettingsFetcher interface {
	Settings(ctx context.Context) (map[string]string, error)
}

// Resolver determines the current webhook address for one direction.
//
// An explicit override is used permanently and never touches the network.
// Otherwise the address comes from the CRM settings endpoint, re-fetched
// when it is unset or the refresh interval has elapsed. A failed fetch or
// a missing field clears the cached address: forwarding fails closed until
// the CRM settings are readable again, rather than posting to a possibly
// retired endpoint.
type Resolver struct {
	direction    Direction
	override     string
	field        string
	fetcher      SettingsFetcher
	refreshEvery time.Duration
	logger       *slog.Logger

	mu        sync.Mutex
	addr      string
	lastFetch time.Time
}

// New creates a resolver for the given direction. If override is non-empty
// the resolver returns it forever and never calls the fetcher.
func New(direction Direction, override string, fetcher SettingsFetcher, refreshEvery time.Duration, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		direction:    direction,
		override:     override,
		field:        settingsField(direction),
		fetcher:      fetcher,
		refreshEvery: refreshEvery,
		logger:       logger.With("component", "webhook", "direction", string(direction)),
	}
}

// Address returns the current webhook address, resolving lazily. An empty
// string means forwarding is not configured.
func (r *Resolver) Address(ctx context.Context) string {
	if r.override != "" {
		return r.override
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-resolve only when unset or stale; this bounds settings fetches
	// to one per interval under steady load while reacting immediately
	// when no address is known.
	if r.addr == "" || time.Since(r.lastFetch) > r.refreshEvery {
		r.resolveLocked(ctx)
	}
	return r.addr
}

// Refresh forces an immediate re-resolution, ignoring the refresh interval.
func (r *Resolver) Refresh(ctx context.Context) {
	if r.override != "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolveLocked(ctx)
}

// resolveLocked fetches settings and updates the cached address. Must be
// called with mu held.
func (r *Resolver) resolveLocked(ctx context.Context) {
	r.lastFetch = time.Now()

	settings, err := r.fetcher.Settings(ctx)
	if err != nil {
		if r.addr != "" {
			r.logger.Warn("settings fetch failed, clearing webhook address", "error", err)
		} else {
			r.logger.Debug("settings fetch failed", "error", err)
		}
		r.addr = ""
		return
	}

	addr := settings[r.field]
	if addr == "" {
		if r.addr != "" {
			r.logger.Warn("webhook field missing from settings, clearing address", "field", r.field)
		}
		r.addr = ""
		return
	}

	if addr != r.addr {
		r.logger.Info("webhook address resolved", "address", addr)
	}
	r.addr = addr
}
