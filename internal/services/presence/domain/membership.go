// Package domain implements room membership presence and moderation state.
//
// A Membership is the only mutable shared record in the presence core; every
// mutation is applied through the Store's atomic read-modify-write so racing
// writers cannot lose updates to co-located fields.
package domain

import "time"

// Membership captures per-user-per-room presence and moderation state.
//
// The (RoomID, UserID) pair is the record identity. JoinedAt is set once on
// first join and never changes. Rows are never hard-deleted while the room
// exists; leaving a room sets Left instead.
type Membership struct {
	RoomID string
	UserID string

	JoinedAt   time.Time
	LastSeenAt time.Time
	Online     bool
	Left       bool

	Muted      bool
	MutedUntil *time.Time
	MutedBy    string

	Banned      bool
	BannedUntil *time.Time
	BannedBy    string
}

// EffectivelyMuted reports whether the mute is active at the given instant.
//
// Expiry is lazy: an expired mute leaves Muted set until an explicit unmute,
// but this predicate treats it as inactive.
func (m Membership) EffectivelyMuted(now time.Time) bool {
	if !m.Muted {
		return false
	}
	return m.MutedUntil == nil || m.MutedUntil.After(now)
}

// EffectivelyBanned reports whether the ban is active at the given instant.
func (m Membership) EffectivelyBanned(now time.Time) bool {
	if !m.Banned {
		return false
	}
	return m.BannedUntil == nil || m.BannedUntil.After(now)
}

// CanPost reports whether the member may post at the given instant.
func (m Membership) CanPost(now time.Time) bool {
	return !m.EffectivelyMuted(now) && !m.EffectivelyBanned(now)
}

// Stale reports whether an online membership has outlived the heartbeat window.
func (m Membership) Stale(now time.Time, timeout time.Duration) bool {
	return now.Sub(m.LastSeenAt) > timeout
}

// clampLastSeen keeps the invariant that LastSeenAt never precedes JoinedAt.
func (m Membership) clampLastSeen(at time.Time) time.Time {
	if at.Before(m.JoinedAt) {
		return m.JoinedAt
	}
	return at
}
