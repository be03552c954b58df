package main

import (
	"flag"
	"testing"
	"time"

	"gopkg.in/urfave/cli.v1"

	"github.com/ecowatt/agent/internal/config"
	"github.com/ecowatt/agent/internal/logger"
)

func contextWithFlags(t *testing.T, values map[string]string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range appFlags {
		f.Apply(set)
	}
	for k, v := range values {
		if err := set.Set(k, v); err != nil {
			t.Fatalf("set %s=%s: %v", k, v, err)
		}
	}
	app := cli.NewApp()
	app.Flags = appFlags
	return cli.NewContext(app, set, nil)
}

func TestMakeConfigOverlaysFlagsOntoDefaults(t *testing.T) {
	ctx := contextWithFlags(t, map[string]string{
		"device-id":        "inverter-07",
		"firmware-version": "1.2.3",
		"gateway-url":      "http://gw.local",
		"backend-url":      "https://backend.example.com",
		"store-dir":        "/var/lib/ecowatt",
	})

	cfg, err := makeConfig(ctx)
	if err != nil {
		t.Fatalf("makeConfig: %v", err)
	}
	if cfg.DeviceID != "inverter-07" {
		t.Errorf("DeviceID = %q", cfg.DeviceID)
	}
	if cfg.FirmwareVersion != "1.2.3" {
		t.Errorf("FirmwareVersion = %q", cfg.FirmwareVersion)
	}
	if cfg.GatewayURL != "http://gw.local" {
		t.Errorf("GatewayURL = %q", cfg.GatewayURL)
	}
	if cfg.BackendURL != "https://backend.example.com" {
		t.Errorf("BackendURL = %q", cfg.BackendURL)
	}
	if cfg.StoreDir != "/var/lib/ecowatt" {
		t.Errorf("StoreDir = %q", cfg.StoreDir)
	}
	// unset flags fall back to config.Defaults rather than zero values.
	if cfg.PollPeriodMicros != config.Defaults.PollPeriodMicros {
		t.Errorf("PollPeriodMicros = %d, want default %d", cfg.PollPeriodMicros, config.Defaults.PollPeriodMicros)
	}
}

func TestMakeConfigNoFlagsKeepsDefaults(t *testing.T) {
	ctx := contextWithFlags(t, nil)

	cfg, err := makeConfig(ctx)
	if err != nil {
		t.Fatalf("makeConfig: %v", err)
	}
	if cfg.DeviceID != "" {
		t.Errorf("DeviceID = %q, want empty", cfg.DeviceID)
	}
	if len(cfg.ActiveRegisters) != len(config.Defaults.ActiveRegisters) {
		t.Errorf("ActiveRegisters = %v, want defaults", cfg.ActiveRegisters)
	}
}

func TestSchedulerTickFloorsAtTenMilliseconds(t *testing.T) {
	cfg := config.Defaults
	cfg.PollPeriodMicros = time.Millisecond.Microseconds() // 1ms poll period
	got := schedulerTick(cfg)
	if got != 10*time.Millisecond {
		t.Errorf("schedulerTick = %v, want floor of 10ms", got)
	}
}

func TestSchedulerTickPicksShortestPeriod(t *testing.T) {
	cfg := config.Defaults
	cfg.PollPeriodMicros = 500 * time.Millisecond.Microseconds()
	cfg.UploadPeriodMicros = 200 * time.Millisecond.Microseconds()
	got := schedulerTick(cfg)
	want := 20 * time.Millisecond
	if got != want {
		t.Errorf("schedulerTick = %v, want %v", got, want)
	}
}

func TestParseLevelKnownAndUnknown(t *testing.T) {
	cases := map[string]logger.Level{
		"Debug":   logger.Debug,
		"Warn":    logger.Warn,
		"Error":   logger.Error,
		"Success": logger.Success,
		"bogus":   logger.Info,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
