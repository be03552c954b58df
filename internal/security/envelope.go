// Package security implements the §4.6 authenticated envelope: a
// monotonic per-device nonce, HMAC-SHA256 authentication, and optional
// AES-128-CBC encryption, key-wrapped by a pre-shared secret.
package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ecowatt/agent/internal/store"
)

// Envelope is the §3 "Secured envelope" wire value.
type Envelope struct {
	Nonce     uint32
	Payload   []byte // already base64'd (and AES-CBC'd, if encrypting)
	MAC       [32]byte
	Encrypted bool
}

// SecError classifies verification failures (§4.6, §7).
type SecError struct {
	msg string
}

func (e *SecError) Error() string { return e.msg }

var (
	ErrReplayDetected    = &SecError{"security: replay detected"}
	ErrMacMismatch       = &SecError{"security: MAC mismatch"}
	ErrMalformedEnvelope = &SecError{"security: malformed envelope"}
	ErrKeyUnavailable    = &SecError{"security: key unavailable"}
)

const (
	keyNonce           = "security.nonce"
	keyLastValidNonce  = "security.last_valid_nonce"
)

// State owns the process-wide monotonic nonce counter and the
// last-accepted inbound nonce, persisted through the abstract Store
// (§9: "Global mutable state... passed by reference into the
// subsystems that mutate it").
type State struct {
	kv        store.Store
	pskHMAC   [32]byte
	pskAES    *[16]byte
	iv        *[16]byte
	haveAES   bool
}

// NewState loads (or initializes) the persisted nonce state from kv and
// binds the PSK material. Passing a non-nil pskAES/iv enables AES-CBC
// encryption; otherwise Secure only base64-encodes the payload (§4.6).
func NewState(kv store.Store, pskHMAC [32]byte, pskAES, iv *[16]byte) (*State, error) {
	s := &State{kv: kv, pskHMAC: pskHMAC, pskAES: pskAES, iv: iv, haveAES: pskAES != nil && iv != nil}

	persistedNonce := loadU32(kv, keyNonce)
	lastValid := loadU32(kv, keyLastValidNonce)
	// Invariant (§4.6): after reboot, nonce starts at
	// max(persisted_nonce, last_valid_nonce) + 1.
	start := persistedNonce
	if lastValid > start {
		start = lastValid
	}
	if err := storeU32(kv, keyNonce, start); err != nil {
		return nil, err
	}
	return s, nil
}

func loadU32(kv store.Store, key string) uint32 {
	b, ok := kv.Get(key)
	if !ok || len(b) != 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func storeU32(kv store.Store, key string, v uint32) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return kv.Put(key, b)
}

// Secure builds a fresh authenticated envelope over payload, persisting
// the incremented nonce before it is used in the MAC (§5: "Nonce
// increment... happens before the outgoing payload is built").
func (s *State) Secure(payload []byte) (*Envelope, error) {
	n := loadU32(s.kv, keyNonce) + 1
	if err := storeU32(s.kv, keyNonce, n); err != nil {
		return nil, fmt.Errorf("security: persist nonce: %w", err)
	}

	encoded, err := s.encode(payload)
	if err != nil {
		return nil, err
	}

	mac := s.computeMAC(n, encoded)
	return &Envelope{Nonce: n, Payload: encoded, MAC: mac, Encrypted: s.haveAES}, nil
}

// Verify authenticates and replay-checks an inbound envelope (§4.6,
// used for backend-signed commands), returning the decoded payload.
func (s *State) Verify(env *Envelope) ([]byte, error) {
	lastValid := loadU32(s.kv, keyLastValidNonce)
	if env.Nonce <= lastValid {
		return nil, ErrReplayDetected
	}
	want := s.computeMAC(env.Nonce, env.Payload)
	if subtle.ConstantTimeCompare(want[:], env.MAC[:]) != 1 {
		return nil, ErrMacMismatch
	}
	if err := storeU32(s.kv, keyLastValidNonce, env.Nonce); err != nil {
		return nil, fmt.Errorf("security: persist last_valid_nonce: %w", err)
	}
	return s.decode(env.Payload, env.Encrypted)
}

func (s *State) computeMAC(nonce uint32, payload []byte) [32]byte {
	var nb [4]byte
	binary.BigEndian.PutUint32(nb[:], nonce)
	mac := hmac.New(sha256.New, s.pskHMAC[:])
	mac.Write(nb[:])
	mac.Write(payload)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

func (s *State) encode(payload []byte) ([]byte, error) {
	plain := payload
	if s.haveAES {
		encrypted, err := aesCBCEncrypt(plain, s.pskAES[:], s.iv[:])
		if err != nil {
			return nil, err
		}
		plain = encrypted
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(plain)))
	base64.StdEncoding.Encode(out, plain)
	return out, nil
}

func (s *State) decode(payload []byte, encrypted bool) ([]byte, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
	n, err := base64.StdEncoding.Decode(raw, payload)
	if err != nil {
		return nil, ErrMalformedEnvelope
	}
	raw = raw[:n]
	if !encrypted {
		return raw, nil
	}
	if !s.haveAES {
		return nil, ErrKeyUnavailable
	}
	return aesCBCDecrypt(raw, s.pskAES[:], s.iv[:])
}

func aesCBCEncrypt(plain, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plain, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func aesCBCDecrypt(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, ErrMalformedEnvelope
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("security: empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, errors.New("security: invalid PKCS7 padding")
	}
	return data[:len(data)-padLen], nil
}
