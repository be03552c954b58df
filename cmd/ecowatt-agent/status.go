package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/urfave/cli.v1"

	"github.com/ecowatt/agent/internal/diagnostics"
	"github.com/ecowatt/agent/internal/ota"
	"github.com/ecowatt/agent/internal/store"
)

var statusCommand = cli.Command{
	Action:      statusDump,
	Name:        "status",
	Usage:       "Show persisted diagnostics counters, OTA progress, and host stats",
	ArgsUsage:   "",
	Flags:       appFlags,
	Description: "Reads the persisted KV store and prints a diagnostics table; does not start the agent.",
}

func statusDump(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.StoreDir == "" {
		return fmt.Errorf("status requires --store-dir (or StoreDir in the config file)")
	}

	kv, err := store.OpenLevelDBStore(cfg.StoreDir)
	if err != nil {
		return err
	}
	defer kv.Close()

	counters := diagnostics.New(kv).Snapshot()
	progress, err := ota.Load(kv)
	if err != nil {
		return err
	}
	host := diagnostics.SnapshotHost()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})
	table.Append([]string{"poll success", fmt.Sprint(counters.PollSuccess)})
	table.Append([]string{"poll failure", fmt.Sprint(counters.PollFailure)})
	table.Append([]string{"upload success", fmt.Sprint(counters.UploadSuccess)})
	table.Append([]string{"upload failure", fmt.Sprint(counters.UploadFailure)})
	table.Append([]string{"ota success", fmt.Sprint(counters.OTASuccess)})
	table.Append([]string{"ota failure", fmt.Sprint(counters.OTAFailure)})
	table.Append([]string{"ota rollback", fmt.Sprint(counters.OTARollback)})
	table.Append([]string{"ota state", progress.State.String()})
	table.Append([]string{"ota manifest version", progress.ManifestVersion})
	table.Append([]string{"ota chunks received", fmt.Sprint(progress.ChunksReceived)})
	table.Append([]string{"host uptime (s)", fmt.Sprint(host.UptimeSeconds)})
	table.Append([]string{"host cpu %", fmt.Sprintf("%.1f", host.CPUPercent)})
	table.Append([]string{"host mem used/total", fmt.Sprintf("%d/%d", host.MemUsedBytes, host.MemTotalBytes)})
	table.Render()
	return nil
}
