// Package realtime parses realtime command flags and launches the realtime server.
package realtime

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/lmarques/roomcast/internal/platform/cmd"
	realtimeserver "github.com/lmarques/roomcast/internal/services/realtime/app"
)

// Config holds realtime command configuration.
type Config struct {
	HTTPAddr          string        `env:"ROOMCAST_REALTIME_HTTP_ADDR" envDefault:":8080"`
	GRPCPort          int           `env:"ROOMCAST_REALTIME_GRPC_PORT" envDefault:"8094"`
	DBPath            string        `env:"ROOMCAST_REALTIME_DB_PATH" envDefault:"data/presence.db"`
	TokenSecret       string        `env:"ROOMCAST_TOKEN_SECRET"`
	ReadHeaderTimeout time.Duration `env:"ROOMCAST_REALTIME_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout   time.Duration `env:"ROOMCAST_REALTIME_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The realtime HTTP/WebSocket listen address")
	fs.IntVar(&cfg.GRPCPort, "grpc-port", cfg.GRPCPort, "The realtime health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The presence SQLite database path")
	fs.StringVar(&cfg.TokenSecret, "token-secret", cfg.TokenSecret, "HS256 secret for rc_token session cookies")
	fs.DurationVar(&cfg.ReadHeaderTimeout, "read-header-timeout", cfg.ReadHeaderTimeout, "HTTP read header timeout")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the realtime server.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRealtime, func(context.Context) error {
		return realtimeserver.Run(ctx, realtimeserver.Config{
			HTTPAddr:          cfg.HTTPAddr,
			GRPCPort:          cfg.GRPCPort,
			DBPath:            cfg.DBPath,
			TokenSecret:       cfg.TokenSecret,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			ShutdownTimeout:   cfg.ShutdownTimeout,
		})
	})
}
