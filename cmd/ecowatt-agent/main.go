// Command ecowatt-agent is the EcoWatt edge telemetry agent: it polls a
// solar inverter over a Modbus-RTU/HTTP gateway, batches and compresses
// readings, authenticates and uploads them to a backend, pulls commands
// and configuration, and applies signed firmware updates over the air.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/urfave/cli.v1"

	"github.com/ecowatt/agent/internal/acquisition"
	"github.com/ecowatt/agent/internal/compress"
	cfgpkg "github.com/ecowatt/agent/internal/config"
	"github.com/ecowatt/agent/internal/diagnostics"
	"github.com/ecowatt/agent/internal/faults"
	"github.com/ecowatt/agent/internal/logger"
	"github.com/ecowatt/agent/internal/ota"
	"github.com/ecowatt/agent/internal/ringbuffer"
	"github.com/ecowatt/agent/internal/scheduler"
	"github.com/ecowatt/agent/internal/security"
	"github.com/ecowatt/agent/internal/store"
	"github.com/ecowatt/agent/internal/transport"

	"golang.org/x/time/rate"
)

var rsaPubFlag = cli.StringFlag{
	Name:  "ota-pubkey",
	Usage: "path to a PEM-encoded RSA public key file used to verify OTA manifests",
}

func main() {
	app := cli.NewApp()
	app.Name = "ecowatt-agent"
	app.Usage = "EcoWatt edge telemetry agent"
	app.Flags = append(appFlags, rsaPubFlag)
	app.Action = runAgent
	app.Commands = []cli.Command{dumpConfigCommand, statusCommand}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

const sampleBatchCapacity = 64

// runAgent is the default action: wire every component per SPEC and run
// the scheduler loop until interrupted.
func runAgent(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}

	logger.SetLevel(parseLevel(ctx.GlobalString(logLevelFlag.Name)))
	lg := logger.New("main")

	kv, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	cfg, err = cfgpkg.LoadActive(kv, cfg)
	if err != nil {
		return err
	}
	live := cfgpkg.NewLive(cfg)

	pskHMAC, pskAES, iv, err := derivePSK(ctx)
	if err != nil {
		return err
	}
	secState, err := security.NewState(kv, pskHMAC, &pskAES, &iv)
	if err != nil {
		return fmt.Errorf("security state: %w", err)
	}

	limiter := rate.NewLimiter(rate.Limit(5), 5)
	gw := transport.NewGatewayClient(cfg.GatewayURL, cfg.GatewayAPIKey, nil, limiter)
	backend, err := transport.NewBackendClient(cfg.BackendURL, cfg.DeviceID, nil, limiter)
	if err != nil {
		return err
	}

	classify := faults.New(logger.New("faults"))
	driver := acquisition.New(cfg.ModbusSlaveID, gw, classify, logger.New("acq"))

	batch := ringbuffer.New[[]uint16](sampleBatchCapacity)

	diag := diagnostics.New(kv)

	rsaPub, err := loadRSAPublicKey(ctx.GlobalString(rsaPubFlag.Name))
	if err != nil {
		lg.Warnf("ota disabled: %v", err)
	}

	var otaMgr *ota.Manager
	if rsaPub != nil && cfg.StoreDir != "" {
		partitionDir := cfg.StoreDir + "/ota-partitions"
		writer, err := ota.OpenFilePartitionWriter(partitionDir)
		if err != nil {
			return err
		}
		defer writer.Close()
		otaMgr = ota.NewManager(kv, backend, backend, writer, rsaPub, pskHMAC, pskAES, diag, logger.New("ota"))
	}

	sched := scheduler.New(logger.New("sched"))
	sched.OnFault(func(t scheduler.Task, err error) {
		lg.Warnf("%s faulted: %v", t, err)
	})

	sched.SetHandler(scheduler.Poll, live.Get().PollPeriod(), func(c context.Context) error {
		values, err := driver.Poll(c, live.Get().ActiveRegisters)
		diag.RecordPoll(err == nil)
		if err != nil {
			return err
		}
		batch.Push(values)
		return nil
	})

	sched.SetHandler(scheduler.Upload, live.Get().UploadPeriod(), func(c context.Context) error {
		samples := batch.DrainAll()
		if len(samples) == 0 {
			return nil
		}
		for _, s := range samples {
			result, err := compress.Compress(s)
			if err != nil {
				diag.RecordUpload(false)
				return err
			}
			env, err := secState.Secure(result.Frame)
			if err != nil {
				diag.RecordUpload(false)
				return err
			}
			if err := backend.UploadAggregated(c, env); err != nil {
				diag.RecordUpload(false)
				return err
			}
		}
		diag.RecordUpload(true)
		return nil
	})

	sched.SetHandler(scheduler.ConfigCheck, live.Get().ConfigCheckPeriod(), func(c context.Context) error {
		resp, err := backend.CheckConfig(c)
		if err != nil {
			return err
		}
		if !resp.ConfigChanged || resp.NewConfig == nil {
			return nil
		}
		regs := make([]acquisition.RegID, len(resp.NewConfig.ActiveRegisters))
		for i, id := range resp.NewConfig.ActiveRegisters {
			regs[i] = acquisition.RegID(id)
		}
		next := live.Get().Apply(cfgpkg.RemoteUpdate{
			PollPeriodMicros:   resp.NewConfig.PollPeriodMicros,
			UploadPeriodMicros: resp.NewConfig.UploadPeriodMicros,
			ActiveRegisters:    regs,
		})
		live.Set(next)
		sched.SetPeriod(scheduler.Poll, next.PollPeriod())
		sched.SetPeriod(scheduler.Upload, next.UploadPeriod())
		return cfgpkg.SaveActive(kv, next)
	})

	if otaMgr != nil {
		sched.SetHandler(scheduler.OtaCheck, live.Get().OtaCheckPeriod(), func(c context.Context) error {
			sched.PauseAll()
			defer sched.ResumeAll()
			_, err := otaMgr.Run(c, live.Get().FirmwareVersion)
			if err == ota.ErrNoUpdate {
				return nil
			}
			return err
		})
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		lg.Infof("shutting down")
		cancel()
	}()

	lg.Infof("ecowatt-agent starting, device=%s", cfg.DeviceID)
	sched.Run(runCtx, schedulerTick(live.Get()))
	return nil
}

// schedulerTick picks a loop tick well below the fastest configured
// period, so every task's timer is observed promptly (§4.8).
func schedulerTick(cfg cfgpkg.Config) time.Duration {
	shortest := cfg.PollPeriod()
	for _, d := range []time.Duration{cfg.UploadPeriod(), cfg.ConfigCheckPeriod(), cfg.OtaCheckPeriod()} {
		if d > 0 && d < shortest {
			shortest = d
		}
	}
	tick := shortest / 10
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	return tick
}

func openStore(cfg cfgpkg.Config) (store.Store, func(), error) {
	if cfg.StoreDir == "" {
		mem := store.NewMemStore(1 << 24)
		return mem, func() {}, nil
	}
	db, err := store.OpenLevelDBStore(cfg.StoreDir)
	if err != nil {
		return nil, nil, err
	}
	return db, func() { db.Close() }, nil
}

func derivePSK(ctx *cli.Context) (pskHMAC [32]byte, pskAES, iv [16]byte, err error) {
	raw := ctx.GlobalString(pskFlag.Name)
	if raw == "" {
		return pskHMAC, pskAES, iv, fmt.Errorf("--psk is required")
	}
	secret, err := hex.DecodeString(raw)
	if err != nil {
		return pskHMAC, pskAES, iv, fmt.Errorf("decoding --psk: %w", err)
	}
	return security.DeriveKeys(secret)
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, fmt.Errorf("no --ota-pubkey configured")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("invalid PEM in %s", path)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s does not contain an RSA public key", path)
	}
	return rsaPub, nil
}

func parseLevel(s string) logger.Level {
	switch s {
	case "Debug":
		return logger.Debug
	case "Warn":
		return logger.Warn
	case "Error":
		return logger.Error
	case "Success":
		return logger.Success
	default:
		return logger.Info
	}
}
