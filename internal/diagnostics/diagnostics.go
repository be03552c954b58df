// Package diagnostics holds the device-side counters and host-info
// snapshot exposed via the backend's diagnostics channel (§7) — the
// channel transport itself is out of scope here, the counters are not.
package diagnostics

import (
	"encoding/json"
	"sync"

	"github.com/ecowatt/agent/internal/store"
)

const keyCounters = "diag.counters"

// Counters are the persisted, process-wide tallies named across §4.3,
// §4.7, and §7.
type Counters struct {
	PollSuccess    uint64
	PollFailure    uint64
	UploadSuccess  uint64
	UploadFailure  uint64
	OTASuccess     uint64
	OTAFailure     uint64
	OTARollback    uint64
}

// Diagnostics owns Counters and persists them after every mutation,
// matching the single-writer-per-key rule of §5 (diag.counters is only
// ever written here).
type Diagnostics struct {
	mu sync.Mutex
	c  Counters
	kv store.Store
}

// New loads persisted counters (or starts at zero on first boot).
func New(kv store.Store) *Diagnostics {
	d := &Diagnostics{kv: kv}
	if raw, ok := kv.Get(keyCounters); ok {
		_ = json.Unmarshal(raw, &d.c)
	}
	return d
}

func (d *Diagnostics) persist() {
	raw, _ := json.Marshal(d.c)
	_ = d.kv.Put(keyCounters, raw)
}

func (d *Diagnostics) RecordPoll(success bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if success {
		d.c.PollSuccess++
	} else {
		d.c.PollFailure++
	}
	d.persist()
}

func (d *Diagnostics) RecordUpload(success bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if success {
		d.c.UploadSuccess++
	} else {
		d.c.UploadFailure++
	}
	d.persist()
}

func (d *Diagnostics) RecordOTASuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.c.OTASuccess++
	d.persist()
}

func (d *Diagnostics) RecordOTAFailure() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.c.OTAFailure++
	d.persist()
}

func (d *Diagnostics) RecordOTARollback() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.c.OTARollback++
	d.persist()
}

// Snapshot returns a copy of the current counters.
func (d *Diagnostics) Snapshot() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c
}
