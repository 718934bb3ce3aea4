package config

import "testing"

func TestParseEnvPopulatesTarget(t *testing.T) {
	t.Setenv("ROOMCAST_TEST_ADDR", ":9000")
	t.Setenv("ROOMCAST_TEST_RETRIES", "3")

	var cfg struct {
		Addr    string `env:"ROOMCAST_TEST_ADDR" envDefault:":8080"`
		Retries int    `env:"ROOMCAST_TEST_RETRIES" envDefault:"1"`
		Unset   string `env:"ROOMCAST_TEST_UNSET" envDefault:"fallback"`
	}
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("addr = %q, want :9000", cfg.Addr)
	}
	if cfg.Retries != 3 {
		t.Fatalf("retries = %d, want 3", cfg.Retries)
	}
	if cfg.Unset != "fallback" {
		t.Fatalf("unset = %q, want fallback", cfg.Unset)
	}
}

func TestParseEnvRejectsBadValue(t *testing.T) {
	t.Setenv("ROOMCAST_TEST_RETRIES", "not-a-number")

	var cfg struct {
		Retries int `env:"ROOMCAST_TEST_RETRIES"`
	}
	if err := ParseEnv(&cfg); err == nil {
		t.Fatal("expected error for non-numeric int value")
	}
}
