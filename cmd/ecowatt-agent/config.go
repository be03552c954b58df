package main

import (
	"fmt"
	"os"

	"gopkg.in/urfave/cli.v1"

	"github.com/ecowatt/agent/internal/config"
)

var dumpConfigCommand = cli.Command{
	Action:      dumpConfig,
	Name:        "dumpconfig",
	Usage:       "Show configuration values",
	ArgsUsage:   "",
	Flags:       appFlags,
	Description: "The dumpconfig command shows the effective configuration (defaults, TOML file, flags).",
}

// makeConfig loads config.Defaults, overlays a TOML file if given, then
// overlays command-line flags, the same defaults-then-file-then-flags
// layering as cmd/gprobe/config.go.
func makeConfig(ctx *cli.Context) (config.Config, error) {
	cfg := config.Defaults
	if file := ctx.GlobalString(configFileFlag.Name); file != "" {
		loaded, err := config.Load(file)
		if err != nil {
			return cfg, fmt.Errorf("loading %s: %w", file, err)
		}
		cfg = loaded
	}

	if v := ctx.GlobalString(deviceIDFlag.Name); v != "" {
		cfg.DeviceID = v
	}
	if v := ctx.GlobalString(firmwareVersionFlag.Name); v != "" {
		cfg.FirmwareVersion = v
	}
	if v := ctx.GlobalString(gatewayURLFlag.Name); v != "" {
		cfg.GatewayURL = v
	}
	if v := ctx.GlobalString(gatewayAPIKeyFlag.Name); v != "" {
		cfg.GatewayAPIKey = v
	}
	if v := ctx.GlobalString(backendURLFlag.Name); v != "" {
		cfg.BackendURL = v
	}
	if v := ctx.GlobalString(storeDirFlag.Name); v != "" {
		cfg.StoreDir = v
	}
	return cfg, nil
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	out, err := config.Dump(cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
