package security

import (
	"bytes"
	"testing"

	"github.com/ecowatt/agent/internal/store"
)

func testState(t *testing.T) *State {
	t.Helper()
	kv := store.NewMemStore(1 << 16)
	var pskHMAC [32]byte
	copy(pskHMAC[:], []byte("0123456789abcdef0123456789abcdef"))
	s, err := NewState(kv, pskHMAC, nil, nil)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	return s
}

func TestNonceStrictlyMonotonic(t *testing.T) {
	s := testState(t)
	e1, err := s.Secure([]byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	e2, err := s.Secure([]byte("b"))
	if err != nil {
		t.Fatal(err)
	}
	if e2.Nonce <= e1.Nonce {
		t.Fatalf("nonce not monotonic: %d then %d", e1.Nonce, e2.Nonce)
	}
}

func TestSecureThenVerifyRoundTrip(t *testing.T) {
	s := testState(t)
	payload := []byte("hello telemetry")
	env, err := s.Secure(payload)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Verify(env)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestAntiReplayScenario(t *testing.T) {
	// §8 scenario 3: persisted nonce=100, envelope A (nonce 101) accepted,
	// replay of A rejected, fresh envelope B (nonce 102) accepted.
	kv := store.NewMemStore(1 << 16)
	var pskHMAC [32]byte
	copy(pskHMAC[:], []byte("0123456789abcdef0123456789abcdef"))
	if err := storeU32(kv, keyNonce, 100); err != nil {
		t.Fatal(err)
	}
	s, err := NewState(kv, pskHMAC, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	a, err := s.Secure([]byte("payload-a"))
	if err != nil {
		t.Fatal(err)
	}
	if a.Nonce != 101 {
		t.Fatalf("nonce = %d, want 101", a.Nonce)
	}
	if _, err := s.Verify(a); err != nil {
		t.Fatalf("accept A: %v", err)
	}
	if _, err := s.Verify(a); err != ErrReplayDetected {
		t.Fatalf("replay of A: got %v, want ErrReplayDetected", err)
	}

	b, err := s.Secure([]byte("payload-b"))
	if err != nil {
		t.Fatal(err)
	}
	if b.Nonce != 102 {
		t.Fatalf("nonce = %d, want 102", b.Nonce)
	}
	if _, err := s.Verify(b); err != nil {
		t.Fatalf("accept B: %v", err)
	}
}

func TestHMACTamperDetected(t *testing.T) {
	s := testState(t)
	env, err := s.Secure([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	env.Payload[0] ^= 0xFF

	before := loadU32(s.kv, keyLastValidNonce)
	_, err = s.Verify(env)
	if err != ErrMacMismatch {
		t.Fatalf("got %v, want ErrMacMismatch", err)
	}
	after := loadU32(s.kv, keyLastValidNonce)
	if before != after {
		t.Fatalf("last_valid_nonce changed on MAC failure: %d -> %d", before, after)
	}
}

func TestNonceResumesFromMaxAfterReboot(t *testing.T) {
	kv := store.NewMemStore(1 << 16)
	var pskHMAC [32]byte
	if err := storeU32(kv, keyNonce, 5); err != nil {
		t.Fatal(err)
	}
	if err := storeU32(kv, keyLastValidNonce, 50); err != nil {
		t.Fatal(err)
	}
	s, err := NewState(kv, pskHMAC, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	env, err := s.Secure([]byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if env.Nonce != 51 {
		t.Fatalf("nonce = %d, want 51 (max(5,50)+1)", env.Nonce)
	}
}

func TestEncryptedRoundTrip(t *testing.T) {
	kv := store.NewMemStore(1 << 16)
	var pskHMAC [32]byte
	var pskAES, iv [16]byte
	copy(pskHMAC[:], []byte("0123456789abcdef0123456789abcdef"))
	copy(pskAES[:], []byte("0123456789abcdef"))
	copy(iv[:], []byte("abcdef0123456789"))
	s, err := NewState(kv, pskHMAC, &pskAES, &iv)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("confidential aggregated reading batch")
	env, err := s.Secure(payload)
	if err != nil {
		t.Fatal(err)
	}
	if !env.Encrypted {
		t.Fatal("expected Encrypted=true")
	}
	got, err := s.Verify(env)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}
