package app

import (
	"context"
	"testing"
	"time"

	"github.com/lmarques/roomcast/internal/services/presence/domain"
	presencesqlite "github.com/lmarques/roomcast/internal/services/presence/storage/sqlite"
)

func newSweeperEnv(t *testing.T, config Config, now time.Time) (*Sweeper, *presencesqlite.Store) {
	t.Helper()
	store, err := presencesqlite.Open(t.TempDir() + "/presence.db")
	if err != nil {
		t.Fatalf("open presence store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	sweeper := NewSweeper(store, domain.NewService(store, store, func() time.Time { return now }), config)
	sweeper.clock = func() time.Time { return now }
	return sweeper, store
}

func TestSweepMarksStaleMembershipsOffline(t *testing.T) {
	now := time.Date(2026, time.August, 27, 12, 0, 0, 0, time.UTC)
	sweeper, store := newSweeperEnv(t, Config{StaleAfter: time.Minute}, now)

	base := now.Add(-2 * time.Hour)
	records := []domain.Membership{
		{RoomID: "room-a", UserID: "stale", JoinedAt: base, LastSeenAt: now.Add(-5 * time.Minute), Online: true},
		{RoomID: "room-a", UserID: "fresh", JoinedAt: base, LastSeenAt: now.Add(-10 * time.Second), Online: true},
		{RoomID: "room-a", UserID: "offline", JoinedAt: base, LastSeenAt: now.Add(-5 * time.Minute), Online: false},
	}
	for _, m := range records {
		if err := store.PutMembership(context.Background(), m); err != nil {
			t.Fatalf("put membership %s: %v", m.UserID, err)
		}
	}

	swept, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	stale, err := store.GetMembership(context.Background(), "room-a", "stale")
	if err != nil {
		t.Fatalf("get stale membership: %v", err)
	}
	if stale.Online {
		t.Fatal("stale membership still online")
	}
	if !stale.LastSeenAt.Equal(now.Add(-5 * time.Minute)) {
		t.Fatalf("last_seen_at = %v, want untouched", stale.LastSeenAt)
	}

	fresh, err := store.GetMembership(context.Background(), "room-a", "fresh")
	if err != nil {
		t.Fatalf("get fresh membership: %v", err)
	}
	if !fresh.Online {
		t.Fatal("fresh membership must stay online")
	}
}

func TestSweepEmptyStore(t *testing.T) {
	now := time.Date(2026, time.August, 27, 12, 0, 0, 0, time.UTC)
	sweeper, _ := newSweeperEnv(t, Config{}, now)

	swept, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 0 {
		t.Fatalf("swept = %d, want 0", swept)
	}
}

func TestSweepRespectsBatchSize(t *testing.T) {
	now := time.Date(2026, time.August, 27, 12, 0, 0, 0, time.UTC)
	sweeper, store := newSweeperEnv(t, Config{StaleAfter: time.Minute, BatchSize: 2}, now)

	base := now.Add(-time.Hour)
	for _, user := range []string{"u1", "u2", "u3"} {
		err := store.PutMembership(context.Background(), domain.Membership{
			RoomID:     "room-a",
			UserID:     user,
			JoinedAt:   base,
			LastSeenAt: base,
			Online:     true,
		})
		if err != nil {
			t.Fatalf("put membership %s: %v", user, err)
		}
	}

	swept, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if swept != 2 {
		t.Fatalf("first sweep = %d, want 2", swept)
	}

	swept, err = sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("second sweep = %d, want 1", swept)
	}
}

func TestSweeperNotConfigured(t *testing.T) {
	var s *Sweeper
	if _, err := s.Sweep(context.Background()); err == nil {
		t.Fatal("expected error for nil sweeper")
	}
}

func TestRunRequiresRealtimeAddr(t *testing.T) {
	if err := Run(context.Background(), RuntimeConfig{}); err == nil {
		t.Fatal("expected error for missing realtime address")
	}
}
