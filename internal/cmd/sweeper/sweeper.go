// Package sweeper parses sweeper command flags and launches the sweep runtime.
package sweeper

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/lmarques/roomcast/internal/platform/cmd"
	"github.com/lmarques/roomcast/internal/platform/discovery"
	sweeperserver "github.com/lmarques/roomcast/internal/services/sweeper/app"
)

// Config holds sweeper command configuration.
type Config struct {
	Port            int           `env:"ROOMCAST_SWEEPER_PORT" envDefault:"8095"`
	RealtimeAddr    string        `env:"ROOMCAST_SWEEPER_REALTIME_ADDR"`
	DBPath          string        `env:"ROOMCAST_SWEEPER_DB_PATH" envDefault:"data/presence.db"`
	SweepInterval   time.Duration `env:"ROOMCAST_SWEEPER_INTERVAL" envDefault:"1m"`
	StaleAfter      time.Duration `env:"ROOMCAST_SWEEPER_STALE_AFTER" envDefault:"1m"`
	BatchSize       int           `env:"ROOMCAST_SWEEPER_BATCH_SIZE" envDefault:"100"`
	GRPCDialTimeout time.Duration `env:"ROOMCAST_SWEEPER_DIAL_TIMEOUT" envDefault:"2s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	cfg.RealtimeAddr = discovery.OrDefaultGRPCAddr(cfg.RealtimeAddr, discovery.ServiceRealtime)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The sweeper health gRPC server port")
	fs.StringVar(&cfg.RealtimeAddr, "realtime-addr", cfg.RealtimeAddr, "The realtime health gRPC address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The presence SQLite database path")
	fs.DurationVar(&cfg.SweepInterval, "interval", cfg.SweepInterval, "Delay between sweep passes")
	fs.DurationVar(&cfg.StaleAfter, "stale-after", cfg.StaleAfter, "Heartbeat age after which presence is stale")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Maximum memberships downgraded per pass")
	fs.DurationVar(&cfg.GRPCDialTimeout, "dial-timeout", cfg.GRPCDialTimeout, "gRPC dependency dial timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the sweeper runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSweeper, func(context.Context) error {
		return sweeperserver.Run(ctx, sweeperserver.RuntimeConfig{
			Port:            cfg.Port,
			RealtimeAddr:    cfg.RealtimeAddr,
			DBPath:          cfg.DBPath,
			SweepInterval:   cfg.SweepInterval,
			StaleAfter:      cfg.StaleAfter,
			BatchSize:       cfg.BatchSize,
			GRPCDialTimeout: cfg.GRPCDialTimeout,
		})
	})
}
