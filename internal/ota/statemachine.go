package ota

import (
	"bytes"
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ecowatt/agent/internal/diagnostics"
	"github.com/ecowatt/agent/internal/logger"
	"github.com/ecowatt/agent/internal/store"
)

const firmwareMagic = 0xEC

// defaultActivityTimeout bounds how long a download may sit idle before
// a resume attempt gives up and restarts from chunk 0 (§4.7 resume
// policy: "bounded by a 30 second per-chunk activity timeout").
const defaultActivityTimeout = 30 * time.Second

// ManifestClient fetches the update manifest for the device's current
// firmware version, analogous to a downloader's peer-query step but
// against a single backend endpoint (§6.2 OTA manifest GET).
type ManifestClient interface {
	CheckUpdate(ctx context.Context, currentVersion string) (manifest *Manifest, available bool, err error)
}

// ChunkClient fetches one firmware chunk by index (§6.2 OTA chunk GET).
type ChunkClient interface {
	FetchChunk(ctx context.Context, version string, index int) ([]byte, error)
}

// PartitionWriter is the dual-partition apply/rollback surface (§4.7
// apply/rollback). Write is called once per chunk, strictly in order.
type PartitionWriter interface {
	Write(plaintext []byte) error
	MarkBootTarget() error
	MarkValid() error
	Rollback() error
}

// Injection names the fault-injection hooks §9 calls for: deterministic
// test-only corruption points exercised by statemachine_test.go instead
// of relying on a flaky real network.
type Injection int

const (
	NoInjection Injection = iota
	InjectCorruptChunk
	InjectBadHash
	InjectBadSignature
	InjectBadHMAC
	InjectTimeout
	InjectIncomplete
)

var (
	ErrCancelled        = errors.New("ota: cancelled")
	ErrNoUpdate         = errors.New("ota: no update available")
	ErrStalled          = errors.New("ota: resume window expired")
	ErrChunkFetchFailed = errors.New("ota: chunk fetch failed")
)

// Manager drives one OTA attempt end to end. It is not safe for
// concurrent use; the scheduler (C8) serializes OtaCheck ticks.
type Manager struct {
	kv       store.Store
	manifest ManifestClient
	chunks   ChunkClient
	writer   PartitionWriter
	diag     *diagnostics.Diagnostics
	lg       *logger.Logger

	rsaPub       *rsa.PublicKey
	pskChunkHMAC [32]byte
	pskChunkAES  [16]byte

	cancel     func() bool // polled between chunks; nil means never cancelled
	injection  Injection   // test-mode fault to inject; NoInjection in production
	injectAt   int         // chunk index the injection applies to (0 = first)
	now        func() time.Time
	timeout    time.Duration
	selfValid  func() bool // boot-time self-validation hook; nil means always passes
}

// Option configures a Manager beyond its required collaborators.
type Option func(*Manager)

func WithCancel(fn func() bool) Option { return func(m *Manager) { m.cancel = fn } }

func WithInjection(inj Injection, atChunk int) Option {
	return func(m *Manager) { m.injection = inj; m.injectAt = atChunk }
}

func WithClock(fn func() time.Time) Option { return func(m *Manager) { m.now = fn } }

func WithActivityTimeout(d time.Duration) Option { return func(m *Manager) { m.timeout = d } }

func WithSelfValidate(fn func() bool) Option { return func(m *Manager) { m.selfValid = fn } }

func NewManager(kv store.Store, mc ManifestClient, cc ChunkClient, w PartitionWriter, rsaPub *rsa.PublicKey, pskChunkHMAC [32]byte, pskChunkAES [16]byte, diag *diagnostics.Diagnostics, lg *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		kv:           kv,
		manifest:     mc,
		chunks:       cc,
		writer:       w,
		diag:         diag,
		lg:           lg,
		rsaPub:       rsaPub,
		pskChunkHMAC: pskChunkHMAC,
		pskChunkAES:  pskChunkAES,
		now:          time.Now,
		timeout:      defaultActivityTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run performs one OtaCheck tick: resumes an interrupted download if one
// is in flight and still resumable, otherwise checks for and applies an
// update. It blocks for the duration of the whole download+verify (the
// scheduler, §4.8, suspends Poll/Upload/ConfigCheck while Applying or
// Verifying is in progress).
func (m *Manager) Run(ctx context.Context, currentVersion string) (Progress, error) {
	progress, err := Load(m.kv)
	if err != nil {
		return progress, err
	}

	if progress.State == PendingVerify {
		// awaiting a reboot the caller hasn't performed yet; nothing to do.
		return progress, nil
	}

	if !progress.State.IsTerminal() && progress.State != Idle {
		return m.resume(ctx, progress, currentVersion)
	}

	return m.startFresh(ctx, currentVersion)
}

func (m *Manager) startFresh(ctx context.Context, currentVersion string) (Progress, error) {
	progress := Progress{State: Checking}
	if err := Save(m.kv, progress); err != nil {
		return progress, err
	}

	manifest, available, err := m.manifest.CheckUpdate(ctx, currentVersion)
	if err != nil {
		progress.State = Error
		progress.ErrorMsg = err.Error()
		_ = Save(m.kv, progress)
		m.diag.RecordOTAFailure()
		return progress, err
	}
	if !available {
		progress.State = Idle
		_ = Save(m.kv, progress)
		return progress, ErrNoUpdate
	}

	progress = Progress{
		State:           Downloading,
		ManifestVersion: manifest.Version,
		SessionID:       uuid.New().String(),
		LastActivity:    m.now(),
	}
	if err := Save(m.kv, progress); err != nil {
		return progress, err
	}
	return m.downloadVerifyApply(ctx, manifest, progress)
}

// resume restores an in-flight download. Per §4.7 resume policy: if the
// manifest is still current and the stall window has not expired,
// continue from ChunksReceived; otherwise restart from chunk 0.
func (m *Manager) resume(ctx context.Context, progress Progress, currentVersion string) (Progress, error) {
	if m.now().Sub(progress.LastActivity) > m.timeout {
		m.lg.Warnf("ota resume window expired, restarting from chunk 0")
		return m.startFresh(ctx, currentVersion)
	}

	manifest, available, err := m.manifest.CheckUpdate(ctx, currentVersion)
	if err != nil {
		progress.State = Error
		progress.ErrorMsg = err.Error()
		_ = Save(m.kv, progress)
		m.diag.RecordOTAFailure()
		return progress, err
	}
	if !available || manifest.Version != progress.ManifestVersion {
		m.lg.Infof("ota manifest changed since interruption, restarting from chunk 0")
		return m.startFresh(ctx, currentVersion)
	}

	m.lg.Infof("resuming ota download at chunk %d/%d", progress.ChunksReceived, manifest.TotalChunks)
	return m.downloadVerifyApply(ctx, manifest, progress)
}

// downloadVerifyApply runs the chunk loop, then verification, then
// apply, persisting progress after every chunk so a crash mid-download
// resumes rather than restarts (§4.7, §8 scenario 6).
func (m *Manager) downloadVerifyApply(ctx context.Context, manifest *Manifest, progress Progress) (Progress, error) {
	hasher := sha256.New()
	var magic byte
	var iv [16]byte = manifest.AESIV

	// replay already-written chunks into the hash so resume produces the
	// same final digest as an uninterrupted run (§8 scenario 6). Since
	// PartitionWriter already has these bytes from before the crash, we
	// only need the hash and IV state to re-derive; both are recomputed
	// deterministically by re-fetching and re-decrypting the chunks the
	// device already wrote, without calling writer.Write again.
	for i := 0; i < progress.ChunksReceived; i++ {
		raw, err := m.chunks.FetchChunk(ctx, manifest.Version, i)
		if err != nil {
			progress.State = Error
			progress.ErrorMsg = err.Error()
			_ = Save(m.kv, progress)
			m.diag.RecordOTAFailure()
			return progress, fmt.Errorf("%w: replaying chunk %d: %v", ErrChunkFetchFailed, i, err)
		}
		plain, nextIV, err := m.verifyAndDecryptChunk(manifest, i, raw, iv)
		if err != nil {
			progress.State = Rollback
			progress.ErrorMsg = err.Error()
			_ = Save(m.kv, progress)
			_ = m.writer.Rollback()
			m.diag.RecordOTARollback()
			return progress, err
		}
		iv = nextIV
		hasher.Write(plain)
		if i == 0 && len(plain) > 0 {
			magic = plain[0]
		}
	}

	for i := progress.ChunksReceived; i < manifest.TotalChunks; i++ {
		if m.cancel != nil && m.cancel() {
			progress.State = Error
			progress.ErrorMsg = "cancelled"
			_ = Save(m.kv, progress)
			m.diag.RecordOTAFailure()
			return progress, ErrCancelled
		}

		raw, err := m.fetchChunk(ctx, manifest, i)
		if err != nil {
			progress.State = Error
			progress.ErrorMsg = err.Error()
			_ = Save(m.kv, progress)
			m.diag.RecordOTAFailure()
			return progress, err
		}

		plain, nextIV, err := m.verifyAndDecryptChunk(manifest, i, raw, iv)
		if err != nil {
			progress.State = Rollback
			progress.ErrorMsg = err.Error()
			_ = Save(m.kv, progress)
			_ = m.writer.Rollback()
			m.diag.RecordOTARollback()
			return progress, err
		}
		iv = nextIV

		if err := m.writer.Write(plain); err != nil {
			progress.State = Rollback
			progress.ErrorMsg = err.Error()
			_ = Save(m.kv, progress)
			_ = m.writer.Rollback()
			m.diag.RecordOTARollback()
			return progress, err
		}

		hasher.Write(plain)
		if i == 0 && len(plain) > 0 {
			magic = plain[0]
		}

		progress.ChunksReceived = i + 1
		progress.BytesWritten += uint64(len(plain))
		progress.LastActivity = m.now()
		if err := Save(m.kv, progress); err != nil {
			return progress, err
		}
	}

	if m.injection == InjectIncomplete {
		progress.State = Error
		progress.ErrorMsg = "incomplete transfer"
		_ = Save(m.kv, progress)
		m.diag.RecordOTAFailure()
		return progress, errors.New("ota: incomplete transfer")
	}

	progress.State = Verifying
	_ = Save(m.kv, progress)

	digest := hasher.Sum(nil)
	if m.injection == InjectBadHash {
		digest[0] ^= 0xFF
	}
	if !bytes.Equal(digest, manifest.SHA256OfPlaintext[:]) {
		return m.rollback(progress, "sha256 mismatch")
	}

	sig := manifest.RSASignature
	if m.injection == InjectBadSignature && len(sig) > 0 {
		corrupted := make([]byte, len(sig))
		copy(corrupted, sig)
		corrupted[0] ^= 0xFF
		sig = corrupted
	}
	if m.rsaPub != nil {
		if err := rsa.VerifyPKCS1v15(m.rsaPub, crypto.SHA256, manifest.SHA256OfPlaintext[:], sig); err != nil {
			return m.rollback(progress, "rsa signature verification failed")
		}
	}

	if magic != firmwareMagic {
		return m.rollback(progress, "firmware magic byte mismatch")
	}

	progress.State = Applying
	_ = Save(m.kv, progress)

	if err := m.writer.MarkBootTarget(); err != nil {
		return m.rollback(progress, err.Error())
	}

	progress.State = PendingVerify
	if err := Save(m.kv, progress); err != nil {
		return progress, err
	}
	return progress, nil
}

func (m *Manager) rollback(progress Progress, reason string) (Progress, error) {
	progress.State = Rollback
	progress.ErrorMsg = reason
	_ = Save(m.kv, progress)
	_ = m.writer.Rollback()
	m.diag.RecordOTARollback()
	return progress, fmt.Errorf("ota: %s", reason)
}

func (m *Manager) fetchChunk(ctx context.Context, manifest *Manifest, index int) ([]byte, error) {
	if m.injection == InjectTimeout && index == m.injectAt {
		return nil, fmt.Errorf("%w: simulated stall on chunk %d", ErrChunkFetchFailed, index)
	}
	raw, err := m.chunks.FetchChunk(ctx, manifest.Version, index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChunkFetchFailed, err)
	}
	if m.injection == InjectCorruptChunk && index == m.injectAt && len(raw) > 0 {
		corrupted := make([]byte, len(raw))
		copy(corrupted, raw)
		corrupted[0] ^= 0xFF
		raw = corrupted
	}
	return raw, nil
}

// verifyAndDecryptChunk checks the chunk's HMAC (if the manifest carries
// one) before decrypting it, per §4.7's "never decrypt before
// authenticating" rule shared with the envelope (internal/security).
// AES-CBC is chained across chunks: each chunk's IV is the previous
// chunk's final ciphertext block, so decrypting chunk-by-chunk is
// identical to decrypting the whole firmware as one stream.
func (m *Manager) verifyAndDecryptChunk(manifest *Manifest, index int, raw []byte, iv [16]byte) (plain []byte, nextIV [16]byte, err error) {
	if manifest.HasPerChunkHMACs() {
		mac := hmac.New(sha256.New, m.pskChunkHMAC[:])
		mac.Write(raw)
		sum := mac.Sum(nil)
		want := manifest.PerChunkHMACs[index]
		if m.injection == InjectBadHMAC && index == m.injectAt {
			sum[0] ^= 0xFF
		}
		if subtle.ConstantTimeCompare(sum, want[:]) != 1 {
			return nil, nextIV, fmt.Errorf("chunk %d: hmac mismatch", index)
		}
	}

	if len(raw) == 0 {
		return nil, iv, nil
	}
	if len(raw)%aes.BlockSize != 0 {
		return nil, nextIV, fmt.Errorf("chunk %d: length %d not a multiple of the block size", index, len(raw))
	}

	block, err := aes.NewCipher(m.pskChunkAES[:])
	if err != nil {
		return nil, nextIV, err
	}
	plain = make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(plain, raw)

	copy(nextIV[:], raw[len(raw)-aes.BlockSize:])
	return plain, nextIV, nil
}

// ConfirmBoot runs the post-reboot self-validation step described in
// §4.7's apply/rollback notes: the new partition is the active boot
// target but not yet trusted (PendingVerify) until the device proves it
// booted correctly. A no-op if no boot confirmation is pending.
func (m *Manager) ConfirmBoot(ctx context.Context) (Progress, error) {
	progress, err := Load(m.kv)
	if err != nil {
		return progress, err
	}
	if progress.State != PendingVerify {
		return progress, nil
	}

	valid := true
	if m.selfValid != nil {
		valid = m.selfValid()
	}

	if valid {
		if err := m.writer.MarkValid(); err != nil {
			valid = false
		}
	}

	if valid {
		progress.State = Completed
		m.diag.RecordOTASuccess()
	} else {
		progress.State = Rollback
		progress.ErrorMsg = "boot self-validation failed"
		_ = m.writer.Rollback()
		m.diag.RecordOTARollback()
	}
	if err := Save(m.kv, progress); err != nil {
		return progress, err
	}
	return progress, nil
}
