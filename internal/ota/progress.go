package ota

import (
	"encoding/json"
	"time"

	"github.com/ecowatt/agent/internal/store"
)

// State is one node of the §4.7 OTA state machine.
type State int

const (
	Idle State = iota
	Checking
	Downloading
	Verifying
	Applying
	PendingVerify
	Completed
	Rollback
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Checking:
		return "Checking"
	case Downloading:
		return "Downloading"
	case Verifying:
		return "Verifying"
	case Applying:
		return "Applying"
	case PendingVerify:
		return "PendingVerify"
	case Completed:
		return "Completed"
	case Rollback:
		return "Rollback"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether s is one of the three terminal states
// (§4.7: "Initial Idle; terminals Completed, Error, Rollback").
func (s State) IsTerminal() bool {
	return s == Completed || s == Error || s == Rollback
}

// Progress is the §3 "OTA progress" value, persisted after every
// successful chunk so a reboot resumes rather than restarts (§4.7).
type Progress struct {
	State           State
	ManifestVersion string
	SessionID       string
	ChunksReceived  int
	BytesWritten    uint64
	LastActivity    time.Time
	ErrorMsg        string
}

const (
	keyProgress        = "ota.progress"
	keyManifestVersion = "ota.manifest_version"
)

// Load restores persisted progress, defaulting to a fresh Idle progress
// if none is stored yet (first boot, §3 "created at first boot").
func Load(kv store.Store) (Progress, error) {
	raw, ok := kv.Get(keyProgress)
	if !ok {
		return Progress{State: Idle}, nil
	}
	var p Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return Progress{}, store.ErrStoreCorrupt
	}
	return p, nil
}

// Save persists progress; called after every successful chunk and every
// state transition (§3, §4.7).
func Save(kv store.Store, p Progress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := kv.Put(keyProgress, raw); err != nil {
		return err
	}
	return kv.Put(keyManifestVersion, []byte(p.ManifestVersion))
}
