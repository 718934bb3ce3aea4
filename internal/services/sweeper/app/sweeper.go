package app

import (
	"context"
	"fmt"
	"time"

	"github.com/lmarques/roomcast/internal/platform/timeouts"
	"github.com/lmarques/roomcast/internal/services/presence/domain"
)

// Config controls one sweeper's staleness window and batch size.
type Config struct {
	StaleAfter time.Duration
	BatchSize  int
}

func (c Config) normalized() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = timeouts.StalePresence
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	return c
}

// Sweeper downgrades online memberships whose heartbeats stopped arriving.
type Sweeper struct {
	store    domain.Store
	presence *domain.Service
	config   Config
	clock    func() time.Time
}

// NewSweeper wires a sweeper to presence storage and the presence service.
func NewSweeper(store domain.Store, presence *domain.Service, config Config) *Sweeper {
	return &Sweeper{
		store:    store,
		presence: presence,
		config:   config.normalized(),
		clock:    time.Now,
	}
}

// Sweep marks one batch of stale online memberships offline and reports how
// many were downgraded. A membership refreshed between listing and the
// downgrade is left alone.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s == nil || s.store == nil || s.presence == nil {
		return 0, fmt.Errorf("sweeper is not configured")
	}

	now := s.clock().UTC()
	cutoff := now.Add(-s.config.StaleAfter)
	stale, err := s.store.ListStaleOnline(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale memberships: %w", err)
	}

	swept := 0
	for _, membership := range stale {
		if !membership.Stale(now, s.config.StaleAfter) {
			continue
		}
		if _, err := s.presence.MarkOffline(ctx, membership.RoomID, membership.UserID); err != nil {
			return swept, fmt.Errorf("mark stale membership offline room %s user %s: %w", membership.RoomID, membership.UserID, err)
		}
		swept++
	}
	return swept, nil
}
