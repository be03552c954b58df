package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ecowatt/agent/internal/acquisition"
	"github.com/ecowatt/agent/internal/store"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ecowatt.toml")
	body := "DeviceID = \"dev-1\"\nPollPeriodMicros = 1000000\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DeviceID != "dev-1" {
		t.Fatalf("DeviceID = %q, want dev-1", cfg.DeviceID)
	}
	if cfg.PollPeriodMicros != 1_000_000 {
		t.Fatalf("PollPeriodMicros = %d, want 1000000", cfg.PollPeriodMicros)
	}
	// Unset fields keep their default values.
	if cfg.UploadPeriodMicros != Defaults.UploadPeriodMicros {
		t.Fatalf("UploadPeriodMicros = %d, want default %d", cfg.UploadPeriodMicros, Defaults.UploadPeriodMicros)
	}
}

func TestApplyRemoteUpdatePartial(t *testing.T) {
	cfg := Defaults
	next := cfg.Apply(RemoteUpdate{PollPeriodMicros: 500_000})
	if next.PollPeriodMicros != 500_000 {
		t.Fatalf("PollPeriodMicros = %d, want 500000", next.PollPeriodMicros)
	}
	if next.UploadPeriodMicros != cfg.UploadPeriodMicros {
		t.Fatal("unset field should be untouched")
	}
}

func TestApplyRemoteUpdateReplacesRegisters(t *testing.T) {
	cfg := Defaults
	next := cfg.Apply(RemoteUpdate{ActiveRegisters: []acquisition.RegID{acquisition.PAC}})
	if len(next.ActiveRegisters) != 1 || next.ActiveRegisters[0] != acquisition.PAC {
		t.Fatalf("ActiveRegisters = %v, want [PAC]", next.ActiveRegisters)
	}
}

func TestLiveGetSetIsolated(t *testing.T) {
	l := NewLive(Defaults)
	got := l.Get()
	got.DeviceID = "mutated-copy"
	if l.Get().DeviceID == "mutated-copy" {
		t.Fatal("Get should return a copy, not a shared reference")
	}

	l.Set(Config{DeviceID: "dev-2"})
	if l.Get().DeviceID != "dev-2" {
		t.Fatal("Set did not take effect")
	}
}

func TestSaveAndLoadActive(t *testing.T) {
	kv := store.NewMemStore(1 << 16)
	cfg := Defaults
	cfg.DeviceID = "dev-3"
	if err := SaveActive(kv, cfg); err != nil {
		t.Fatal(err)
	}

	got, err := LoadActive(kv, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if got.DeviceID != "dev-3" {
		t.Fatalf("DeviceID = %q, want dev-3", got.DeviceID)
	}
}

func TestLoadActiveFallsBackWhenUnset(t *testing.T) {
	kv := store.NewMemStore(1 << 16)
	fallback := Defaults
	got, err := LoadActive(kv, fallback)
	if err != nil {
		t.Fatal(err)
	}
	if got.PollPeriodMicros != fallback.PollPeriodMicros {
		t.Fatal("expected fallback config when nothing persisted")
	}
}
