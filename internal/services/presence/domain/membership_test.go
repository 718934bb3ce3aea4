package domain

import (
	"testing"
	"time"
)

func TestEffectivelyMuted(t *testing.T) {
	now := time.Date(2026, time.August, 27, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name string
		m    Membership
		want bool
	}{
		{name: "not muted", m: Membership{}, want: false},
		{name: "indefinite mute", m: Membership{Muted: true}, want: true},
		{name: "mute with future expiry", m: Membership{Muted: true, MutedUntil: &future}, want: true},
		{name: "mute with past expiry", m: Membership{Muted: true, MutedUntil: &past}, want: false},
		{name: "mute expiring exactly now", m: Membership{Muted: true, MutedUntil: &now}, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.m.EffectivelyMuted(now); got != tc.want {
				t.Fatalf("EffectivelyMuted = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEffectivelyBanned(t *testing.T) {
	now := time.Date(2026, time.August, 27, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name string
		m    Membership
		want bool
	}{
		{name: "not banned", m: Membership{}, want: false},
		{name: "indefinite ban", m: Membership{Banned: true}, want: true},
		{name: "ban with future expiry", m: Membership{Banned: true, BannedUntil: &future}, want: true},
		{name: "ban with past expiry", m: Membership{Banned: true, BannedUntil: &past}, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.m.EffectivelyBanned(now); got != tc.want {
				t.Fatalf("EffectivelyBanned = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCanPostIgnoresExpiredFlags(t *testing.T) {
	now := time.Date(2026, time.August, 27, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	// Expired flags stay set on the record but no longer block posting.
	m := Membership{
		Muted:       true,
		MutedUntil:  &past,
		Banned:      true,
		BannedUntil: &past,
	}
	if !m.CanPost(now) {
		t.Fatal("expected posting allowed once mute and ban expired")
	}
	if !m.Muted || !m.Banned {
		t.Fatal("expiry must not clear the stored flags")
	}
}

func TestStale(t *testing.T) {
	now := time.Date(2026, time.August, 27, 12, 0, 0, 0, time.UTC)
	timeout := time.Minute

	fresh := Membership{LastSeenAt: now.Add(-30 * time.Second)}
	if fresh.Stale(now, timeout) {
		t.Fatal("membership within the window must not be stale")
	}
	old := Membership{LastSeenAt: now.Add(-2 * time.Minute)}
	if !old.Stale(now, timeout) {
		t.Fatal("membership past the window must be stale")
	}
	boundary := Membership{LastSeenAt: now.Add(-timeout)}
	if boundary.Stale(now, timeout) {
		t.Fatal("membership exactly at the window must not be stale")
	}
}

func TestClampLastSeen(t *testing.T) {
	joined := time.Date(2026, time.August, 27, 12, 0, 0, 0, time.UTC)
	m := Membership{JoinedAt: joined}

	if got := m.clampLastSeen(joined.Add(-time.Second)); !got.Equal(joined) {
		t.Fatalf("clamped = %v, want joined-at %v", got, joined)
	}
	after := joined.Add(time.Second)
	if got := m.clampLastSeen(after); !got.Equal(after) {
		t.Fatalf("clamped = %v, want %v", got, after)
	}
}
