package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oriys/courier/internal/identity"
	"github.com/oriys/courier/internal/roomclient"
)

func TestDefaultConfigSensibleDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RoomService.Server != "auto" {
		t.Fatalf("expected auto server selection, got %q", cfg.RoomService.Server)
	}
	if cfg.CircuitBreaker.ErrorPct != 50 {
		t.Fatalf("expected error pct on a 0-100 scale, got %v", cfg.CircuitBreaker.ErrorPct)
	}
	if cfg.TokenStore.Backend != "none" {
		t.Fatalf("expected no token store by default, got %q", cfg.TokenStore.Backend)
	}
	if cfg.Audit.Enabled {
		t.Fatal("expected audit disabled by default")
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("COURIER_CHAIN_ID", "42")
	t.Setenv("COURIER_RETRY_INTERVAL", "2s")
	t.Setenv("COURIER_CIRCUIT_BREAKER_ERROR_PCT", "75")
	t.Setenv("COURIER_AUDIT_DSN", "postgres://example/audit")
	t.Setenv("COURIER_SERVER_NAME", "example.org")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.RoomService.ChainID != 42 {
		t.Fatalf("chain id override not applied: %d", cfg.RoomService.ChainID)
	}
	if cfg.Retry.RetryInterval != 2*time.Second {
		t.Fatalf("retry interval override not applied: %v", cfg.Retry.RetryInterval)
	}
	if cfg.CircuitBreaker.ErrorPct != 75 {
		t.Fatalf("error pct override not applied: %v", cfg.CircuitBreaker.ErrorPct)
	}
	if !cfg.Audit.Enabled || cfg.Audit.DSN != "postgres://example/audit" {
		t.Fatalf("audit dsn override did not enable audit: %+v", cfg.Audit)
	}
	if cfg.Identity.ServerName != "example.org" {
		t.Fatalf("server name override not applied: %q", cfg.Identity.ServerName)
	}
}

func TestFileTokenStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	store, err := NewFileTokenStore(path)
	if err != nil {
		t.Fatalf("new file token store: %v", err)
	}

	tok, err := store.Load(t.Context())
	if err != nil {
		t.Fatalf("load before any save: %v", err)
	}
	if tok != nil {
		t.Fatalf("expected nil token before any save, got %+v", tok)
	}

	want := &roomclient.AuthToken{UserID: identity.UserID("@0xabc:example.org"), AccessToken: "access-token", DeviceID: "device-1"}
	if err := store.Save(t.Context(), want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Load(t.Context())
	if err != nil {
		t.Fatalf("load after save: %v", err)
	}
	if got == nil || got.UserID != want.UserID || got.AccessToken != want.AccessToken || got.DeviceID != want.DeviceID {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestFileTokenStoreRequiresPath(t *testing.T) {
	if _, err := NewFileTokenStore(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestNewFileTokenStoreMissingParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token.json")
	store, err := NewFileTokenStore(path)
	if err != nil {
		t.Fatalf("new file token store: %v", err)
	}
	tok := &roomclient.AuthToken{UserID: identity.UserID("@0xabc:example.org"), AccessToken: "tok", DeviceID: "dev"}
	err = store.Save(t.Context(), tok)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected a not-exist error writing into a missing directory, got %v", err)
	}
}
