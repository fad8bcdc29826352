package appconfig

import (
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	svc := cfg.ServiceConfig()
	if svc.ResyncInterval != 100*time.Millisecond || svc.StateDir != cfg.StateDir {
		t.Fatalf("unexpected service config %+v", svc)
	}
	if len(cfg.Auth.SeedUsers) != 1 || cfg.Auth.SeedUsers[0].Allowed[0] != "*" {
		t.Fatalf("expected admin seed with full access, got %+v", cfg.Auth.SeedUsers)
	}
}
