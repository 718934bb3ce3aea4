package realtime

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfig_ParsesDefaultsAndFlags(t *testing.T) {
	fs := flag.NewFlagSet("realtime", flag.ContinueOnError)
	t.Setenv("ROOMCAST_REALTIME_HTTP_ADDR", ":9080")
	t.Setenv("ROOMCAST_TOKEN_SECRET", "sekret")

	cfg, err := ParseConfig(fs, []string{"-grpc-port", "9094", "-db-path", "tmp/presence.db"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":9080" {
		t.Fatalf("http addr = %q, want :9080", cfg.HTTPAddr)
	}
	if cfg.GRPCPort != 9094 {
		t.Fatalf("grpc port = %d, want 9094", cfg.GRPCPort)
	}
	if cfg.DBPath != "tmp/presence.db" {
		t.Fatalf("db path = %q, want tmp/presence.db", cfg.DBPath)
	}
	if cfg.TokenSecret != "sekret" {
		t.Fatalf("token secret = %q, want sekret", cfg.TokenSecret)
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	fs := flag.NewFlagSet("realtime", flag.ContinueOnError)

	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("http addr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.GRPCPort != 8094 {
		t.Fatalf("grpc port = %d, want 8094", cfg.GRPCPort)
	}
	if cfg.DBPath != "data/presence.db" {
		t.Fatalf("db path = %q, want data/presence.db", cfg.DBPath)
	}
	if cfg.ReadHeaderTimeout != 5*time.Second {
		t.Fatalf("read header timeout = %v, want 5s", cfg.ReadHeaderTimeout)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Fatalf("shutdown timeout = %v, want 5s", cfg.ShutdownTimeout)
	}
}
