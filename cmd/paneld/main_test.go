package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/craterhost/panel/pkg/bus"
	"github.com/craterhost/panel/pkg/config"
)

func TestLoadConfig_ExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "paneld.yaml")
	content := []byte("panel:\n  bind: \"127.0.0.1:9000\"\nstorage:\n  path: \"" + filepath.Join(dir, "panel.db") + "\"\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Panel.Bind != "127.0.0.1:9000" {
		t.Errorf("expected bind from file, got %q", cfg.Panel.Bind)
	}
	if cfg.Panel.TicketTTL != config.DefaultTicketTTL {
		t.Errorf("expected default ticket TTL, got %v", cfg.Panel.TicketTTL)
	}
}

func TestLoadConfig_MissingExplicitPath(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestOpenBus_DefaultsToMemory(t *testing.T) {
	cfg := config.DefaultConfig()

	mb, mode, err := openBus(cfg)
	if err != nil {
		t.Fatalf("openBus: %v", err)
	}
	defer mb.Close()

	if mode != "memory" {
		t.Errorf("expected memory mode, got %q", mode)
	}
	if _, ok := mb.(*bus.MemoryBus); !ok {
		t.Errorf("expected *bus.MemoryBus, got %T", mb)
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := generateSecret()
	if err != nil {
		t.Fatalf("generateSecret: %v", err)
	}
	b, err := generateSecret()
	if err != nil {
		t.Fatalf("generateSecret: %v", err)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	if a == b {
		t.Error("expected distinct secrets on consecutive calls")
	}
}

func TestConfigErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", configError{errors.New("bad yaml")})

	var ce configError
	if !errors.As(wrapped, &ce) {
		t.Fatal("expected errors.As to find configError through wrapping")
	}
	if ce.Error() != "bad yaml" {
		t.Errorf("unexpected message: %q", ce.Error())
	}

	var other configError
	if errors.As(errors.New("runtime failure"), &other) {
		t.Error("plain errors must not classify as config errors")
	}
}
