package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/lmarques/roomcast/internal/broadcast"
	platformerrors "github.com/lmarques/roomcast/internal/platform/errors"
	"github.com/lmarques/roomcast/internal/platform/id"
	"github.com/lmarques/roomcast/internal/queue"
	"github.com/lmarques/roomcast/internal/services/presence/domain"
	"golang.org/x/net/websocket"
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type roomPayload struct {
	RoomID string `json:"room_id"`
}

type sendPayload struct {
	RoomID string `json:"room_id"`
	Body   string `json:"body"`
}

type moderatePayload struct {
	RoomID          string `json:"room_id"`
	UserID          string `json:"user_id"`
	DurationSeconds int64  `json:"duration_seconds,omitempty"`
}

type subscribePayload struct {
	Channel string `json:"channel"`
}

type membershipPayload struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	JoinedAt    string `json:"joined_at"`
	LastSeenAt  string `json:"last_seen_at"`
	Online      bool   `json:"online"`
	Left        bool   `json:"left"`
	Muted       bool   `json:"muted"`
	MutedUntil  string `json:"muted_until,omitempty"`
	Banned      bool   `json:"banned"`
	BannedUntil string `json:"banned_until,omitempty"`
}

type messagePayload struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	Body     string `json:"body"`
	SentAt   string `json:"sent_at"`
}

type ackEnvelope struct {
	Result ackResult `json:"result"`
}

type ackResult struct {
	Status string `json:"status"`
}

func membershipToPayload(m domain.Membership) membershipPayload {
	payload := membershipPayload{
		RoomID:     m.RoomID,
		UserID:     m.UserID,
		JoinedAt:   m.JoinedAt.UTC().Format(time.RFC3339),
		LastSeenAt: m.LastSeenAt.UTC().Format(time.RFC3339),
		Online:     m.Online,
		Left:       m.Left,
		Muted:      m.Muted,
		Banned:     m.Banned,
	}
	if m.MutedUntil != nil {
		payload.MutedUntil = m.MutedUntil.UTC().Format(time.RFC3339)
	}
	if m.BannedUntil != nil {
		payload.BannedUntil = m.BannedUntil.UTC().Format(time.RFC3339)
	}
	return payload
}

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// wsSession tracks one connection's identity and its gateway subscriptions.
type wsSession struct {
	mu            sync.Mutex
	who           identity
	connectionID  string
	peer          *wsPeer
	subscriptions map[string]func()
}

func newWSSession(who identity, connectionID string, peer *wsPeer) *wsSession {
	return &wsSession{
		who:           who,
		connectionID:  connectionID,
		peer:          peer,
		subscriptions: make(map[string]func()),
	}
}

// subscribe attaches the session to a gateway channel. Resubscribing to the
// same channel is a no-op.
func (s *wsSession) subscribe(gateway *broadcast.Gateway, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[channel]; ok {
		return
	}
	peer := s.peer
	s.subscriptions[channel] = gateway.Subscribe(channel, func(event broadcast.Event) {
		if err := peer.writeFrame(wsFrame{
			Type:    "event",
			Payload: mustJSON(event),
		}); err != nil {
			log.Printf("realtime: deliver %s on %s: %v", event.Name, event.Channel, err)
		}
	})
}

func (s *wsSession) unsubscribe(channel string) {
	s.mu.Lock()
	cancel, ok := s.subscriptions[channel]
	if ok {
		delete(s.subscriptions, channel)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *wsSession) unsubscribeAll() {
	s.mu.Lock()
	cancels := make([]func(), 0, len(s.subscriptions))
	for channel, cancel := range s.subscriptions {
		cancels = append(cancels, cancel)
		delete(s.subscriptions, channel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

type wsIdentityContextKey struct{}

func newWSHandler(presence *domain.Service, gateway *broadcast.Gateway, disconnects *queue.Queue, disconnectHandler *domain.DisconnectHandler, authorizer wsAuthorizer, requireAuth bool) http.Handler {
	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, presence, gateway, disconnects, disconnectHandler)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if requireAuth {
			if authorizer == nil {
				http.Error(w, "websocket auth is not configured", http.StatusServiceUnavailable)
				return
			}

			token := sessionTokenFromRequest(r)
			if token == "" {
				log.Printf("realtime: websocket unauthorized: missing rc_token for host=%q remote=%s", r.Host, r.RemoteAddr)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			who, err := authorizer.Authenticate(token)
			if err != nil || strings.TrimSpace(who.ID) == "" {
				log.Printf("realtime: websocket unauthorized: host=%q remote=%s err=%v", r.Host, r.RemoteAddr, err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), wsIdentityContextKey{}, who)
			r = r.WithContext(ctx)
		}

		wsHandler.ServeHTTP(w, r)
	})
}

func handleWSConn(conn *websocket.Conn, presence *domain.Service, gateway *broadcast.Gateway, disconnects *queue.Queue, disconnectHandler *domain.DisconnectHandler) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))

	who := identity{}
	if request := conn.Request(); request != nil {
		if resolved, ok := request.Context().Value(wsIdentityContextKey{}).(identity); ok {
			who = resolved
		}
	}
	session := newWSSession(who, id.MustNewID(), peer)
	defer func() {
		session.unsubscribeAll()
		enqueueDisconnect(disconnects, disconnectHandler, session)
	}()

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(session.peer, "", "INVALID_ARGUMENT", "invalid frame payload", false)
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large", false)
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(session.peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded", false)
			return
		}

		ctx := context.Background()
		if request := conn.Request(); request != nil {
			ctx = request.Context()
		}

		switch frame.Type {
		case "room.join":
			handleJoinFrame(ctx, session, presence, gateway, frame)
		case "room.leave":
			handleLeaveFrame(ctx, session, presence, frame)
		case "room.heartbeat":
			handleHeartbeatFrame(ctx, session, presence, frame)
		case "room.send":
			handleSendFrame(ctx, session, presence, gateway, frame)
		case "room.mute", "room.unmute", "room.ban", "room.unban":
			handleModerationFrame(ctx, session, presence, frame)
		case "channel.subscribe":
			handleSubscribeFrame(session, gateway, frame)
		default:
			_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type", false)
		}
	}
}

// enqueueDisconnect hands the terminated connection to the background queue.
// Presence downgrades must survive the connection goroutine, so the handler
// runs with its own context rather than the request's.
func enqueueDisconnect(disconnects *queue.Queue, handler *domain.DisconnectHandler, session *wsSession) {
	if disconnects == nil || handler == nil {
		return
	}
	signal := domain.DisconnectSignal{
		UserID:         session.who.ID,
		UserName:       session.who.Name,
		ConnectionID:   session.connectionID,
		DisconnectedAt: time.Now().UTC(),
	}
	err := disconnects.Enqueue(func(ctx context.Context) error {
		return handler.Handle(ctx, signal)
	})
	if err != nil {
		log.Printf("realtime: enqueue disconnect for user=%q conn=%q: %v", signal.UserID, signal.ConnectionID, err)
	}
}

func handleJoinFrame(ctx context.Context, session *wsSession, presence *domain.Service, gateway *broadcast.Gateway, frame wsFrame) {
	var payload roomPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid join payload", false)
		return
	}

	membership, err := presence.Join(ctx, payload.RoomID, session.who.ID)
	if err != nil {
		writeDomainError(session.peer, frame.RequestID, err)
		return
	}

	session.subscribe(gateway, broadcast.RoomChannel(membership.RoomID))

	_ = session.peer.writeFrame(wsFrame{
		Type:      "room.joined",
		RequestID: frame.RequestID,
		Payload:   mustJSON(membershipToPayload(membership)),
	})
}

func handleLeaveFrame(ctx context.Context, session *wsSession, presence *domain.Service, frame wsFrame) {
	var payload roomPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid leave payload", false)
		return
	}

	if err := presence.Leave(ctx, payload.RoomID, session.who.ID); err != nil {
		writeDomainError(session.peer, frame.RequestID, err)
		return
	}
	session.unsubscribe(broadcast.RoomChannel(strings.TrimSpace(payload.RoomID)))

	_ = session.peer.writeFrame(wsFrame{
		Type:      "room.ack",
		RequestID: frame.RequestID,
		Payload:   mustJSON(ackEnvelope{Result: ackResult{Status: "ok"}}),
	})
}

// handleHeartbeatFrame refreshes presence. Heartbeats are fire-and-forget on
// the wire: revoked memberships get an error frame so the client rejoins,
// everything else is logged server-side.
func handleHeartbeatFrame(ctx context.Context, session *wsSession, presence *domain.Service, frame wsFrame) {
	var payload roomPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid heartbeat payload", false)
		return
	}

	if _, err := presence.Heartbeat(ctx, payload.RoomID, session.who.ID); err != nil {
		if platformerrors.CodeOf(err) == platformerrors.CodeMembershipRevoked {
			writeDomainError(session.peer, frame.RequestID, err)
			return
		}
		log.Printf("realtime: heartbeat room=%q user=%q: %v", payload.RoomID, session.who.ID, err)
	}
}

func handleSendFrame(ctx context.Context, session *wsSession, presence *domain.Service, gateway *broadcast.Gateway, frame wsFrame) {
	var payload sendPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid send payload", false)
		return
	}

	body := strings.TrimSpace(payload.Body)
	if body == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "body is required", false)
		return
	}
	if utf8.RuneCountInString(body) > maxMessageBodyRunes {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "body must be at most 2000 characters", false)
		return
	}

	if err := presence.CheckCanPost(ctx, payload.RoomID, session.who.ID); err != nil {
		writeDomainError(session.peer, frame.RequestID, err)
		return
	}

	roomID := strings.TrimSpace(payload.RoomID)
	gateway.Publish(broadcast.RoomChannel(roomID), "room.message", messagePayload{
		RoomID:   roomID,
		UserID:   session.who.ID,
		UserName: session.who.Name,
		Body:     body,
		SentAt:   time.Now().UTC().Format(time.RFC3339),
	})

	_ = session.peer.writeFrame(wsFrame{
		Type:      "room.ack",
		RequestID: frame.RequestID,
		Payload:   mustJSON(ackEnvelope{Result: ackResult{Status: "ok"}}),
	})
}

func handleModerationFrame(ctx context.Context, session *wsSession, presence *domain.Service, frame wsFrame) {
	var payload moderatePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid moderation payload", false)
		return
	}
	if payload.DurationSeconds < 0 {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "duration_seconds must not be negative", false)
		return
	}
	duration := time.Duration(payload.DurationSeconds) * time.Second

	var membership domain.Membership
	var err error
	switch frame.Type {
	case "room.mute":
		membership, err = presence.Mute(ctx, payload.RoomID, payload.UserID, session.who.ID, duration)
	case "room.unmute":
		membership, err = presence.Unmute(ctx, payload.RoomID, payload.UserID, session.who.ID)
	case "room.ban":
		membership, err = presence.Ban(ctx, payload.RoomID, payload.UserID, session.who.ID, duration)
	case "room.unban":
		membership, err = presence.Unban(ctx, payload.RoomID, payload.UserID, session.who.ID)
	}
	if err != nil {
		writeDomainError(session.peer, frame.RequestID, err)
		return
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      "room.moderated",
		RequestID: frame.RequestID,
		Payload:   mustJSON(membershipToPayload(membership)),
	})
}

func handleSubscribeFrame(session *wsSession, gateway *broadcast.Gateway, frame wsFrame) {
	var payload subscribePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid subscribe payload", false)
		return
	}
	channel := strings.TrimSpace(payload.Channel)
	if channel == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "channel is required", false)
		return
	}

	session.subscribe(gateway, channel)
	_ = session.peer.writeFrame(wsFrame{
		Type:      "room.ack",
		RequestID: frame.RequestID,
		Payload:   mustJSON(ackEnvelope{Result: ackResult{Status: "ok"}}),
	})
}

// writeDomainError maps coded domain errors onto the wire; anything outside
// the taxonomy reports as a retryable internal failure without leaking the
// message.
func writeDomainError(peer *wsPeer, requestID string, err error) {
	code := platformerrors.CodeOf(err)
	if code == platformerrors.CodeUnknown {
		log.Printf("realtime: internal error: %v", err)
		_ = writeWSError(peer, requestID, "INTERNAL", "internal error", true)
		return
	}
	_ = writeWSError(peer, requestID, string(code), err.Error(), code == platformerrors.CodeStorageUnavailable)
}

func writeWSError(peer *wsPeer, requestID string, code string, message string, retryable bool) error {
	return peer.writeFrame(wsFrame{
		Type:      "room.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: retryable,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
