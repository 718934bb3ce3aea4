// Package sqlite provides a SQLite-backed presence storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/lmarques/roomcast/internal/platform/storage/sqlitemigrate"
	"github.com/lmarques/roomcast/internal/services/presence/domain"
	"github.com/lmarques/roomcast/internal/services/presence/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists membership and moderation state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func toNullMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}

func fromNullMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	converted := fromMillis(value.Int64)
	return &converted
}

// Open opens a SQLite presence store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

const membershipColumns = `room_id, user_id, joined_at, last_seen_at, is_online, is_left,
	 is_muted, muted_until, muted_by, is_banned, banned_until, banned_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMembership(row rowScanner) (domain.Membership, error) {
	var m domain.Membership
	var joinedAt, lastSeenAt int64
	var mutedUntil, bannedUntil sql.NullInt64
	err := row.Scan(
		&m.RoomID,
		&m.UserID,
		&joinedAt,
		&lastSeenAt,
		&m.Online,
		&m.Left,
		&m.Muted,
		&mutedUntil,
		&m.MutedBy,
		&m.Banned,
		&bannedUntil,
		&m.BannedBy,
	)
	if err != nil {
		return domain.Membership{}, err
	}
	m.JoinedAt = fromMillis(joinedAt)
	m.LastSeenAt = fromMillis(lastSeenAt)
	m.MutedUntil = fromNullMillis(mutedUntil)
	m.BannedUntil = fromNullMillis(bannedUntil)
	return m, nil
}

// GetMembership returns one membership record.
func (s *Store) GetMembership(ctx context.Context, roomID string, userID string) (domain.Membership, error) {
	if err := ctx.Err(); err != nil {
		return domain.Membership{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Membership{}, fmt.Errorf("storage is not configured")
	}
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" {
		return domain.Membership{}, fmt.Errorf("room id is required")
	}
	if userID == "" {
		return domain.Membership{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE room_id = ? AND user_id = ?`,
		roomID,
		userID,
	)
	m, err := scanMembership(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Membership{}, domain.ErrNotFound
		}
		return domain.Membership{}, fmt.Errorf("get membership: %w", err)
	}
	return m, nil
}

// PutMembership upserts one membership record.
func (s *Store) PutMembership(ctx context.Context, m domain.Membership) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	roomID := strings.TrimSpace(m.RoomID)
	userID := strings.TrimSpace(m.UserID)
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO memberships (`+membershipColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(room_id, user_id) DO UPDATE SET
		   last_seen_at = excluded.last_seen_at,
		   is_online = excluded.is_online,
		   is_left = excluded.is_left,
		   is_muted = excluded.is_muted,
		   muted_until = excluded.muted_until,
		   muted_by = excluded.muted_by,
		   is_banned = excluded.is_banned,
		   banned_until = excluded.banned_until,
		   banned_by = excluded.banned_by`,
		roomID,
		userID,
		toMillis(m.JoinedAt),
		toMillis(m.LastSeenAt),
		m.Online,
		m.Left,
		m.Muted,
		toNullMillis(m.MutedUntil),
		m.MutedBy,
		m.Banned,
		toNullMillis(m.BannedUntil),
		m.BannedBy,
	)
	if err != nil {
		return fmt.Errorf("put membership: %w", err)
	}
	return nil
}

// UpdateMembership applies mutate to the stored record inside one
// transaction. The identity fields and JoinedAt survive any mutator.
func (s *Store) UpdateMembership(ctx context.Context, roomID string, userID string, mutate func(domain.Membership) (domain.Membership, error)) (domain.Membership, error) {
	if err := ctx.Err(); err != nil {
		return domain.Membership{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Membership{}, fmt.Errorf("storage is not configured")
	}
	if mutate == nil {
		return domain.Membership{}, fmt.Errorf("mutator is required")
	}
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" {
		return domain.Membership{}, fmt.Errorf("room id is required")
	}
	if userID == "" {
		return domain.Membership{}, fmt.Errorf("user id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Membership{}, fmt.Errorf("begin membership update: %w", err)
	}

	row := tx.QueryRowContext(
		ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE room_id = ? AND user_id = ?`,
		roomID,
		userID,
	)
	current, err := scanMembership(row)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Membership{}, domain.ErrNotFound
		}
		return domain.Membership{}, fmt.Errorf("load membership: %w", err)
	}

	updated, err := mutate(current)
	if err != nil {
		_ = tx.Rollback()
		return domain.Membership{}, err
	}
	// Identity and join time are immutable.
	updated.RoomID = current.RoomID
	updated.UserID = current.UserID
	updated.JoinedAt = current.JoinedAt

	_, err = tx.ExecContext(
		ctx,
		`UPDATE memberships SET
		   last_seen_at = ?,
		   is_online = ?,
		   is_left = ?,
		   is_muted = ?,
		   muted_until = ?,
		   muted_by = ?,
		   is_banned = ?,
		   banned_until = ?,
		   banned_by = ?
		 WHERE room_id = ? AND user_id = ?`,
		toMillis(updated.LastSeenAt),
		updated.Online,
		updated.Left,
		updated.Muted,
		toNullMillis(updated.MutedUntil),
		updated.MutedBy,
		updated.Banned,
		toNullMillis(updated.BannedUntil),
		updated.BannedBy,
		roomID,
		userID,
	)
	if err != nil {
		_ = tx.Rollback()
		return domain.Membership{}, fmt.Errorf("update membership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Membership{}, fmt.Errorf("commit membership update: %w", err)
	}
	return updated, nil
}

// ListMembershipsByUser returns every membership held by one user.
func (s *Store) ListMembershipsByUser(ctx context.Context, userID string) ([]domain.Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE user_id = ? ORDER BY room_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var memberships []domain.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return memberships, nil
}

// ListStaleOnline returns online memberships whose last heartbeat predates
// olderThan, oldest first.
func (s *Store) ListStaleOnline(ctx context.Context, olderThan time.Time, limit int) ([]domain.Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+membershipColumns+` FROM memberships
		 WHERE is_online = 1 AND last_seen_at < ?
		 ORDER BY last_seen_at ASC
		 LIMIT ?`,
		toMillis(olderThan),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale online memberships: %w", err)
	}
	defer rows.Close()

	var memberships []domain.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale memberships: %w", err)
	}
	return memberships, nil
}

// AppendModerationAction records one audited moderation action.
func (s *Store) AppendModerationAction(ctx context.Context, action domain.ModerationAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(action.ID) == "" {
		return fmt.Errorf("action id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO moderation_actions (id, room_id, target_user_id, moderator_id, action, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		action.ID,
		action.RoomID,
		action.TargetUserID,
		action.ModeratorID,
		string(action.Action),
		toNullMillis(action.ExpiresAt),
		toMillis(action.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append moderation action: %w", err)
	}
	return nil
}

// GrantModerator grants moderator capability on a room. Idempotent.
func (s *Store) GrantModerator(ctx context.Context, roomID string, userID string, grantedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" || userID == "" {
		return fmt.Errorf("room id and user id are required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO room_moderators (room_id, user_id, granted_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(room_id, user_id) DO NOTHING`,
		roomID,
		userID,
		toMillis(grantedAt),
	)
	if err != nil {
		return fmt.Errorf("grant moderator: %w", err)
	}
	return nil
}

// RevokeModerator removes moderator capability on a room. Idempotent.
func (s *Store) RevokeModerator(ctx context.Context, roomID string, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM room_moderators WHERE room_id = ? AND user_id = ?`,
		strings.TrimSpace(roomID),
		strings.TrimSpace(userID),
	)
	if err != nil {
		return fmt.Errorf("revoke moderator: %w", err)
	}
	return nil
}

// HasModeratorRole implements the domain role check against room_moderators.
func (s *Store) HasModeratorRole(ctx context.Context, roomID string, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" || userID == "" {
		return false, nil
	}

	var found int
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT 1 FROM room_moderators WHERE room_id = ? AND user_id = ?`,
		roomID,
		userID,
	)
	if err := row.Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check moderator role: %w", err)
	}
	return true, nil
}
