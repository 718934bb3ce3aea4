package domain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	platformerrors "github.com/lmarques/roomcast/internal/platform/errors"
	"github.com/lmarques/roomcast/internal/platform/id"
)

// ErrNotFound indicates a membership record was not found.
var ErrNotFound = errors.New("membership not found")

// ModerationActionKind identifies one audited moderation verb.
type ModerationActionKind string

const (
	ActionMute   ModerationActionKind = "mute"
	ActionUnmute ModerationActionKind = "unmute"
	ActionBan    ModerationActionKind = "ban"
	ActionUnban  ModerationActionKind = "unban"
)

// ModerationAction records one moderator-issued state change for audit.
type ModerationAction struct {
	ID           string
	RoomID       string
	TargetUserID string
	ModeratorID  string
	Action       ModerationActionKind
	ExpiresAt    *time.Time
	CreatedAt    time.Time
}

// Store is the domain persistence boundary for membership lifecycle behavior.
//
// UpdateMembership must apply the mutator inside a single storage transaction
// so concurrent mutators touching co-located fields cannot lose updates.
type Store interface {
	GetMembership(ctx context.Context, roomID string, userID string) (Membership, error)
	PutMembership(ctx context.Context, membership Membership) error
	UpdateMembership(ctx context.Context, roomID string, userID string, mutate func(Membership) (Membership, error)) (Membership, error)
	ListMembershipsByUser(ctx context.Context, userID string) ([]Membership, error)
	ListStaleOnline(ctx context.Context, olderThan time.Time, limit int) ([]Membership, error)
	AppendModerationAction(ctx context.Context, action ModerationAction) error
}

// RoleChecker resolves moderator capability on a room. Implementations are
// external authorization policy; the guard only consumes the verdict.
type RoleChecker interface {
	HasModeratorRole(ctx context.Context, roomID string, userID string) (bool, error)
}

// Service orchestrates membership presence tracking and moderation.
type Service struct {
	store Store
	roles RoleChecker
	clock func() time.Time
	newID func() (string, error)
}

// NewService constructs presence and moderation use-cases.
func NewService(store Store, roles RoleChecker, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		store: store,
		roles: roles,
		clock: clock,
		newID: id.NewID,
	}
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func validateKey(roomID, userID string) error {
	if strings.TrimSpace(roomID) == "" {
		return platformerrors.New(platformerrors.CodeRoomIDRequired, "room id is required")
	}
	if strings.TrimSpace(userID) == "" {
		return platformerrors.New(platformerrors.CodeUserIDRequired, "user id is required")
	}
	return nil
}

func notFound(roomID, userID string, cause error) error {
	return platformerrors.Wrap(
		platformerrors.CodeMembershipNotFound,
		fmt.Sprintf("no membership for room %s user %s", roomID, userID),
		cause,
	)
}

// Join creates the membership on first join (online, unmuted, unbanned) or
// reinstates a previously-left membership. Joining while effectively banned
// is rejected.
func (s *Service) Join(ctx context.Context, roomID string, userID string) (Membership, error) {
	if err := validateKey(roomID, userID); err != nil {
		return Membership{}, err
	}
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	now := s.now()

	existing, err := s.store.GetMembership(ctx, roomID, userID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return Membership{}, fmt.Errorf("get membership: %w", err)
		}
		created := Membership{
			RoomID:     roomID,
			UserID:     userID,
			JoinedAt:   now,
			LastSeenAt: now,
			Online:     true,
		}
		if err := s.store.PutMembership(ctx, created); err != nil {
			return Membership{}, fmt.Errorf("create membership: %w", err)
		}
		return created, nil
	}

	if existing.EffectivelyBanned(now) {
		return Membership{}, platformerrors.New(platformerrors.CodeMemberBanned, "member is banned from the room")
	}

	return s.update(ctx, roomID, userID, func(m Membership) (Membership, error) {
		m.Left = false
		m.Online = true
		m.LastSeenAt = m.clampLastSeen(now)
		return m, nil
	})
}

// Leave revokes room membership without erasing the record.
func (s *Service) Leave(ctx context.Context, roomID string, userID string) error {
	if err := validateKey(roomID, userID); err != nil {
		return err
	}
	_, err := s.update(ctx, strings.TrimSpace(roomID), strings.TrimSpace(userID), func(m Membership) (Membership, error) {
		m.Left = true
		m.Online = false
		return m, nil
	})
	return err
}

// Heartbeat confirms presence: online with a fresh last-seen timestamp.
// The membership must already exist; callers join first.
func (s *Service) Heartbeat(ctx context.Context, roomID string, userID string) (Membership, error) {
	if err := validateKey(roomID, userID); err != nil {
		return Membership{}, err
	}
	now := s.now()
	return s.update(ctx, strings.TrimSpace(roomID), strings.TrimSpace(userID), func(m Membership) (Membership, error) {
		if m.Left {
			return m, platformerrors.New(platformerrors.CodeMembershipRevoked, "membership was revoked")
		}
		m.Online = true
		m.LastSeenAt = m.clampLastSeen(now)
		return m, nil
	})
}

// MarkOffline downgrades presence without touching LastSeenAt, which keeps
// the timestamp of the last confirmed heartbeat. Idempotent.
func (s *Service) MarkOffline(ctx context.Context, roomID string, userID string) (Membership, error) {
	if err := validateKey(roomID, userID); err != nil {
		return Membership{}, err
	}
	return s.update(ctx, strings.TrimSpace(roomID), strings.TrimSpace(userID), func(m Membership) (Membership, error) {
		m.Online = false
		return m, nil
	})
}

// CheckCanPost verifies the member may post right now. It returns a coded
// error naming the blocking condition, or nil when posting is allowed.
func (s *Service) CheckCanPost(ctx context.Context, roomID string, userID string) error {
	if err := validateKey(roomID, userID); err != nil {
		return err
	}
	m, err := s.store.GetMembership(ctx, strings.TrimSpace(roomID), strings.TrimSpace(userID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return notFound(roomID, userID, err)
		}
		return fmt.Errorf("get membership: %w", err)
	}
	now := s.now()
	switch {
	case m.Left:
		return platformerrors.New(platformerrors.CodeMembershipRevoked, "membership was revoked")
	case m.EffectivelyBanned(now):
		return platformerrors.New(platformerrors.CodeMemberBanned, "member is banned")
	case m.EffectivelyMuted(now):
		return platformerrors.New(platformerrors.CodeMemberMuted, "member is muted")
	}
	return nil
}

// Mute silences the member. A zero duration means indefinite. Calling mute on
// an already-muted member overwrites the moderator and expiry.
func (s *Service) Mute(ctx context.Context, roomID string, userID string, moderatorID string, duration time.Duration) (Membership, error) {
	if err := s.requireModerator(ctx, roomID, moderatorID); err != nil {
		return Membership{}, err
	}
	now := s.now()
	expiry := expiryFrom(now, duration)
	updated, err := s.update(ctx, strings.TrimSpace(roomID), strings.TrimSpace(userID), func(m Membership) (Membership, error) {
		m.Muted = true
		m.MutedBy = strings.TrimSpace(moderatorID)
		m.MutedUntil = expiry
		return m, nil
	})
	if err != nil {
		return Membership{}, err
	}
	s.audit(ctx, ActionMute, updated, moderatorID, expiry, now)
	return updated, nil
}

// Unmute clears the mute fields.
func (s *Service) Unmute(ctx context.Context, roomID string, userID string, moderatorID string) (Membership, error) {
	if err := s.requireModerator(ctx, roomID, moderatorID); err != nil {
		return Membership{}, err
	}
	now := s.now()
	updated, err := s.update(ctx, strings.TrimSpace(roomID), strings.TrimSpace(userID), func(m Membership) (Membership, error) {
		m.Muted = false
		m.MutedBy = ""
		m.MutedUntil = nil
		return m, nil
	})
	if err != nil {
		return Membership{}, err
	}
	s.audit(ctx, ActionUnmute, updated, moderatorID, nil, now)
	return updated, nil
}

// Ban excludes the member and forces presence offline. A zero duration means
// indefinite.
func (s *Service) Ban(ctx context.Context, roomID string, userID string, moderatorID string, duration time.Duration) (Membership, error) {
	if err := s.requireModerator(ctx, roomID, moderatorID); err != nil {
		return Membership{}, err
	}
	now := s.now()
	expiry := expiryFrom(now, duration)
	updated, err := s.update(ctx, strings.TrimSpace(roomID), strings.TrimSpace(userID), func(m Membership) (Membership, error) {
		m.Banned = true
		m.BannedBy = strings.TrimSpace(moderatorID)
		m.BannedUntil = expiry
		m.Online = false
		return m, nil
	})
	if err != nil {
		return Membership{}, err
	}
	s.audit(ctx, ActionBan, updated, moderatorID, expiry, now)
	return updated, nil
}

// Unban clears the ban fields. Presence stays offline until the member
// reconnects on their own.
func (s *Service) Unban(ctx context.Context, roomID string, userID string, moderatorID string) (Membership, error) {
	if err := s.requireModerator(ctx, roomID, moderatorID); err != nil {
		return Membership{}, err
	}
	now := s.now()
	updated, err := s.update(ctx, strings.TrimSpace(roomID), strings.TrimSpace(userID), func(m Membership) (Membership, error) {
		m.Banned = false
		m.BannedBy = ""
		m.BannedUntil = nil
		return m, nil
	})
	if err != nil {
		return Membership{}, err
	}
	s.audit(ctx, ActionUnban, updated, moderatorID, nil, now)
	return updated, nil
}

func (s *Service) update(ctx context.Context, roomID string, userID string, mutate func(Membership) (Membership, error)) (Membership, error) {
	updated, err := s.store.UpdateMembership(ctx, roomID, userID, mutate)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Membership{}, notFound(roomID, userID, err)
		}
		return Membership{}, err
	}
	return updated, nil
}

func (s *Service) requireModerator(ctx context.Context, roomID string, moderatorID string) error {
	if err := validateKey(roomID, moderatorID); err != nil {
		return err
	}
	if s.roles == nil {
		return platformerrors.New(platformerrors.CodeModeratorRequired, "moderator policy is not configured")
	}
	allowed, err := s.roles.HasModeratorRole(ctx, strings.TrimSpace(roomID), strings.TrimSpace(moderatorID))
	if err != nil {
		return fmt.Errorf("check moderator role: %w", err)
	}
	if !allowed {
		return platformerrors.WithMetadata(
			platformerrors.CodeModeratorRequired,
			"caller lacks moderator capability on the room",
			map[string]string{"room_id": strings.TrimSpace(roomID)},
		)
	}
	return nil
}

// audit appends a moderation action record. Audit failures are logged rather
// than surfaced: the membership mutation already committed.
func (s *Service) audit(ctx context.Context, kind ModerationActionKind, m Membership, moderatorID string, expiresAt *time.Time, at time.Time) {
	actionID, err := s.newID()
	if err != nil {
		log.Printf("presence: generate audit id: %v", err)
		return
	}
	err = s.store.AppendModerationAction(ctx, ModerationAction{
		ID:           actionID,
		RoomID:       m.RoomID,
		TargetUserID: m.UserID,
		ModeratorID:  strings.TrimSpace(moderatorID),
		Action:       kind,
		ExpiresAt:    expiresAt,
		CreatedAt:    at,
	})
	if err != nil {
		log.Printf("presence: append moderation audit %s room=%s target=%s: %v", kind, m.RoomID, m.UserID, err)
	}
}

func expiryFrom(now time.Time, duration time.Duration) *time.Time {
	if duration <= 0 {
		return nil
	}
	expiry := now.Add(duration)
	return &expiry
}
