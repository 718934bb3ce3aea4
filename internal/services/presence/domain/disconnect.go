package domain

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	platformerrors "github.com/lmarques/roomcast/internal/platform/errors"
)

// Channel and event names for disconnect fan-out.
const (
	ChannelDisconnections   = "websocket-disconnections"
	EventSocketDisconnected = "websocket.disconnected"
)

// DisconnectSignal describes one terminated realtime connection. It is
// ephemeral: constructed at disconnect time, consumed once, then discarded.
//
// ConnectionID is carried through for audit correlation only; the disconnect
// is account-wide and never scoped to a single room.
type DisconnectSignal struct {
	UserID         string
	UserName       string
	ConnectionID   string
	DisconnectedAt time.Time
}

// DisconnectedPayload is the wire shape of the disconnect broadcast event.
type DisconnectedPayload struct {
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name"`
	ConnectionID   string `json:"connection_id,omitempty"`
	DisconnectedAt string `json:"disconnected_at"`
}

// Publisher is the broadcast boundary the disconnect handler fans out to.
type Publisher interface {
	Publish(channel string, event string, payload any)
}

// DisconnectHandler downgrades presence and fans out a notification when a
// realtime connection terminates.
//
// It is designed to run on an at-least-once task queue: duplicate signals for
// the same connection are harmless because MarkOffline is idempotent.
type DisconnectHandler struct {
	presence *Service
	gateway  Publisher
}

// NewDisconnectHandler wires the handler to presence state and broadcast.
func NewDisconnectHandler(presence *Service, gateway Publisher) *DisconnectHandler {
	return &DisconnectHandler{presence: presence, gateway: gateway}
}

// Handle processes one disconnect signal.
//
// Signals without an identifiable user are logged and dropped with a nil
// return so the queue never retries a permanently malformed signal. Storage
// failures return an error and are retried by the queue's standard policy.
func (h *DisconnectHandler) Handle(ctx context.Context, signal DisconnectSignal) error {
	if h == nil || h.presence == nil {
		return fmt.Errorf("disconnect handler is not configured")
	}

	userID := strings.TrimSpace(signal.UserID)
	if userID == "" {
		// Terminal: untrusted async source, recorded and swallowed.
		log.Printf("presence: dropping disconnect signal code=%s conn=%q", platformerrors.CodeDisconnectSignalInvalid, signal.ConnectionID)
		return nil
	}

	memberships, err := h.presence.store.ListMembershipsByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list memberships for user %s: %w", userID, err)
	}

	for _, membership := range memberships {
		if _, err := h.presence.MarkOffline(ctx, membership.RoomID, membership.UserID); err != nil {
			return fmt.Errorf("mark offline room %s user %s: %w", membership.RoomID, userID, err)
		}
	}

	disconnectedAt := signal.DisconnectedAt
	if disconnectedAt.IsZero() {
		disconnectedAt = h.presence.now()
	}

	if h.gateway != nil {
		h.gateway.Publish(ChannelDisconnections, EventSocketDisconnected, DisconnectedPayload{
			UserID:         userID,
			UserName:       strings.TrimSpace(signal.UserName),
			ConnectionID:   strings.TrimSpace(signal.ConnectionID),
			DisconnectedAt: disconnectedAt.UTC().Format(time.RFC3339),
		})
	}
	return nil
}
