// Package app runs the presence sweeper: a background process that downgrades
// online memberships whose heartbeats stopped arriving without a disconnect
// signal, such as after a crashed client or a dropped network path.
package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	platformgrpc "github.com/lmarques/roomcast/internal/platform/grpc"
	"github.com/lmarques/roomcast/internal/platform/timeouts"
	"github.com/lmarques/roomcast/internal/services/presence/domain"
	presencesqlite "github.com/lmarques/roomcast/internal/services/presence/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// RuntimeConfig controls sweeper startup, dependencies, and loop behavior.
type RuntimeConfig struct {
	Port            int
	RealtimeAddr    string
	DBPath          string
	SweepInterval   time.Duration
	StaleAfter      time.Duration
	BatchSize       int
	GRPCDialTimeout time.Duration
}

const (
	defaultSweeperPort   = 8095
	defaultSweeperDB     = "data/presence.db"
	defaultSweepInterval = time.Minute
	defaultBatchSize     = 100
)

// Run starts sweeper runtime dependencies and the background sweep loop.
//
// The sweeper gates on the realtime health endpoint before sweeping: while
// realtime is down, heartbeats cannot arrive, so mass-downgrading every
// online membership would report an outage as absence.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.RealtimeAddr) == "" {
		return fmt.Errorf("realtime address is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultSweeperPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultSweeperDB
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = timeouts.StalePresence
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.GRPCDialTimeout <= 0 {
		cfg.GRPCDialTimeout = timeouts.GRPCDial
	}

	store, err := presencesqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open presence sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close presence sqlite store: %v", closeErr)
		}
	}()

	realtimeConn, err := platformgrpc.DialWithHealth(
		ctx,
		nil,
		cfg.RealtimeAddr,
		cfg.GRPCDialTimeout,
		log.Printf,
		platformgrpc.DefaultClientDialOptions()...,
	)
	if err != nil {
		return fmt.Errorf("dial realtime service: %w", err)
	}
	defer func() {
		if closeErr := realtimeConn.Close(); closeErr != nil {
			log.Printf("close realtime connection: %v", closeErr)
		}
	}()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on sweeper port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(platformgrpc.StatusUnaryInterceptor()),
	)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("sweeper.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	healthClient := grpc_health_v1.NewHealthClient(realtimeConn)
	sweeper := NewSweeper(store, domain.NewService(store, store, nil), Config{
		StaleAfter: cfg.StaleAfter,
		BatchSize:  cfg.BatchSize,
	})

	log.Printf("sweeper listening at %v, sweeping every %v (stale after %v)", listener.Addr(), cfg.SweepInterval, cfg.StaleAfter)
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !realtimeServing(ctx, healthClient) {
				log.Printf("sweeper: realtime is not serving, skipping sweep")
				continue
			}
			swept, err := sweeper.Sweep(ctx)
			if err != nil {
				log.Printf("sweeper: sweep failed: %v", err)
				continue
			}
			if swept > 0 {
				log.Printf("sweeper: marked %d stale memberships offline", swept)
			}
		}
	}
}

func realtimeServing(ctx context.Context, client grpc_health_v1.HealthClient) bool {
	checkCtx, cancel := context.WithTimeout(ctx, timeouts.GRPCDial)
	defer cancel()

	resp, err := client.Check(checkCtx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return false
	}
	return resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING
}
