// Package config loads and holds the device's runtime configuration:
// poll/upload/configCheck/otaCheck periods, the active register
// selection, and the gateway/backend endpoints (§6, §10.2). Follows
// the same TOML load/dump pattern as cmd/gprobe/config.go.
package config

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/naoina/toml"

	"github.com/ecowatt/agent/internal/acquisition"
	"github.com/ecowatt/agent/internal/store"
)

const keyActive = "config.active"

// tomlSettings keeps TOML keys matching the Go struct field names
// verbatim, no case folding.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// Config is the full device configuration (§10.2). Periods are stored in
// microseconds on the wire (matching the backend's config push payload,
// §6.2) but exposed as time.Duration to callers.
type Config struct {
	DeviceID        string
	FirmwareVersion string

	PollPeriodMicros       int64
	UploadPeriodMicros     int64
	ConfigCheckPeriodMicros int64
	OtaCheckPeriodMicros   int64

	ActiveRegisters []acquisition.RegID

	GatewayURL  string
	GatewayAPIKey string
	BackendURL  string

	ModbusSlaveID byte

	StoreDir string // leveldb directory; empty means in-memory only
}

func (c Config) PollPeriod() time.Duration {
	return time.Duration(c.PollPeriodMicros) * time.Microsecond
}

func (c Config) UploadPeriod() time.Duration {
	return time.Duration(c.UploadPeriodMicros) * time.Microsecond
}

func (c Config) ConfigCheckPeriod() time.Duration {
	return time.Duration(c.ConfigCheckPeriodMicros) * time.Microsecond
}

func (c Config) OtaCheckPeriod() time.Duration {
	return time.Duration(c.OtaCheckPeriodMicros) * time.Microsecond
}

// Defaults is the built-in configuration used when no TOML file is
// supplied and no field has been overridden yet.
var Defaults = Config{
	PollPeriodMicros:        2 * time.Second.Microseconds(),
	UploadPeriodMicros:      30 * time.Second.Microseconds(),
	ConfigCheckPeriodMicros: 60 * time.Second.Microseconds(),
	OtaCheckPeriodMicros:    5 * time.Minute.Microseconds(),
	ActiveRegisters: []acquisition.RegID{
		acquisition.VAC1, acquisition.IAC1, acquisition.FAC1,
		acquisition.TEMP, acquisition.PAC,
	},
	ModbusSlaveID: 1,
}

// Load reads a TOML configuration file on top of Defaults, the same
// overlay-on-defaults shape as cmd/gprobe's makeConfigNode.
func Load(path string) (Config, error) {
	cfg := Defaults
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	if err := tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&cfg); err != nil {
		var lineErr *toml.LineError
		if errors.As(err, &lineErr) {
			return cfg, errors.New(path + ", " + err.Error())
		}
		return cfg, err
	}
	return cfg, nil
}

// Dump renders cfg back out as TOML, for a `dumpconfig`-style CLI
// subcommand (§10.2/teacher dumpConfig).
func Dump(cfg Config) ([]byte, error) {
	return tomlSettings.Marshal(&cfg)
}

// RemoteUpdate is the shape of `new_config` in `GET
// /config/<device_id>/check` (§6.2).
type RemoteUpdate struct {
	PollPeriodMicros   int64
	UploadPeriodMicros int64
	ActiveRegisters    []acquisition.RegID
}

// Apply overlays a remote push onto cfg, leaving unset (zero) fields
// untouched — the backend may push a partial update.
func (c Config) Apply(u RemoteUpdate) Config {
	next := c
	if u.PollPeriodMicros > 0 {
		next.PollPeriodMicros = u.PollPeriodMicros
	}
	if u.UploadPeriodMicros > 0 {
		next.UploadPeriodMicros = u.UploadPeriodMicros
	}
	if u.ActiveRegisters != nil {
		next.ActiveRegisters = u.ActiveRegisters
	}
	return next
}

// Live is the mutex-guarded pointer swap described in §10.2: remote
// config pushes replace the in-memory value atomically rather than
// rewriting the on-disk TOML.
type Live struct {
	mu  sync.RWMutex
	cur Config
}

func NewLive(initial Config) *Live {
	return &Live{cur: initial}
}

func (l *Live) Get() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}

func (l *Live) Set(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cur = cfg
}

// SaveActive persists cfg under the `config.active` key (§6.3); this is
// the only copy a remote config push mutates — the on-disk TOML is left
// untouched (§10.2).
func SaveActive(kv store.Store, cfg Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return kv.Put(keyActive, raw)
}

// LoadActive restores the persisted active config, falling back to
// fallback (typically the TOML-loaded base config) if nothing has been
// persisted yet.
func LoadActive(kv store.Store, fallback Config) (Config, error) {
	raw, ok := kv.Get(keyActive)
	if !ok {
		return fallback, nil
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fallback, store.ErrStoreCorrupt
	}
	return cfg, nil
}
