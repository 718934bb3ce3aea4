// Package app hosts the realtime HTTP/WebSocket process.
//
// The process owns the client-facing presence surface: websocket sessions
// join rooms, heartbeat, post messages, and issue moderation commands. Room
// fan-out and the knowledge-index rebuild hook both flow through the
// broadcast gateway; disconnect downgrades run on the background task queue.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmarques/roomcast/internal/broadcast"
	platformgrpc "github.com/lmarques/roomcast/internal/platform/grpc"
	"github.com/lmarques/roomcast/internal/platform/timeouts"
	"github.com/lmarques/roomcast/internal/queue"
	"github.com/lmarques/roomcast/internal/services/presence/domain"
	presencesqlite "github.com/lmarques/roomcast/internal/services/presence/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	defaultGRPCPort = 8094
	defaultDBPath   = "data/presence.db"

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxMessageBodyRunes = 2000
)

// Config defines the inputs for the realtime process.
type Config struct {
	HTTPAddr          string
	GRPCPort          int
	DBPath            string
	TokenSecret       string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the realtime HTTP/WebSocket process plus its gRPC health
// endpoint and the disconnect task queue.
type Server struct {
	httpAddr        string
	grpcPort        int
	shutdownTimeout time.Duration

	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server

	store       *presencesqlite.Store
	gateway     *broadcast.Gateway
	disconnects *queue.Queue
}

// NewServer builds a configured realtime server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.GRPCPort <= 0 {
		config.GRPCPort = defaultGRPCPort
	}
	if strings.TrimSpace(config.DBPath) == "" {
		config.DBPath = defaultDBPath
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	if dir := filepath.Dir(config.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create presence storage dir: %w", err)
		}
	}
	store, err := presencesqlite.Open(config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open presence sqlite store: %w", err)
	}

	gateway := broadcast.NewGateway()
	presence := domain.NewService(store, store, nil)
	disconnectHandler := domain.NewDisconnectHandler(presence, gateway)
	disconnects := queue.New(queue.Config{Name: "realtime disconnects"})

	authorizer := newTokenAuthorizer(config.TokenSecret)

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(presence, gateway, disconnects, disconnectHandler, authorizer, authorizer != nil),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(platformgrpc.StatusUnaryInterceptor()),
	)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("realtime.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		httpAddr:        httpAddr,
		grpcPort:        config.GRPCPort,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		grpcServer:      grpcServer,
		healthServer:    healthServer,
		store:           store,
		gateway:         gateway,
		disconnects:     disconnects,
	}, nil
}

// Run creates and serves a realtime server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init realtime server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve realtime: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP and gRPC health servers until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("realtime server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	s.disconnects.Start(ctx)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.grpcPort))
	if err != nil {
		return fmt.Errorf("listen on realtime grpc port %d: %w", s.grpcPort, err)
	}
	grpcErr := make(chan error, 1)
	go func() {
		grpcErr <- s.grpcServer.Serve(grpcListener)
	}()
	defer func() {
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
		<-grpcErr
	}()

	serveErr := make(chan error, 1)
	log.Printf("realtime server listening on %s (health on %v)", s.httpAddr, grpcListener.Addr())
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.disconnects != nil {
		s.disconnects.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close presence store: %v", err)
		}
	}
}

// newHandler creates realtime routes. Passing requireAuth false disables
// websocket identity checks for tests and offline paths.
func newHandler(presence *domain.Service, gateway *broadcast.Gateway, disconnects *queue.Queue, disconnectHandler *domain.DisconnectHandler, authorizer wsAuthorizer, requireAuth bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/internal/knowledge-index/rebuilt", func(w http.ResponseWriter, r *http.Request) {
		handleKnowledgeIndexRebuilt(w, r, gateway)
	})

	mux.Handle("/ws", newWSHandler(presence, gateway, disconnects, disconnectHandler, authorizer, requireAuth))

	return mux
}

type indexUpdatedPayload struct {
	UpdatedAt string `json:"updated_at"`
}

// handleKnowledgeIndexRebuilt accepts the post-rebuild notification from the
// indexing pipeline and fans out a knowledge.index.updated event. The event
// payload is always {updated_at}: the posted timestamp when the pipeline
// supplies one, the receipt time otherwise.
func handleKnowledgeIndexRebuilt(w http.ResponseWriter, r *http.Request, gateway *broadcast.Gateway) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxFramePayloadBytes))
	if err != nil {
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}

	var payload indexUpdatedPayload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if strings.TrimSpace(payload.UpdatedAt) == "" {
		payload.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}

	gateway.Publish(broadcast.ChannelKnowledgeIndex, broadcast.EventKnowledgeIndexUpdated, payload)
	w.WriteHeader(http.StatusAccepted)
}
