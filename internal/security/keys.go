package security

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKeys key-wraps a single provisioned pre-shared secret into the
// independent PSK_HMAC and PSK_AES/IV material (§1, §4.6: "key-wrapped
// by a pre-shared secret"), via HKDF-SHA256 with distinct info labels so
// a compromise of one derived key does not help recover the others.
func DeriveKeys(secret []byte) (pskHMAC [32]byte, pskAES, iv [16]byte, err error) {
	if err = deriveInto(secret, "ecowatt/psk-hmac", pskHMAC[:]); err != nil {
		return
	}
	if err = deriveInto(secret, "ecowatt/psk-aes", pskAES[:]); err != nil {
		return
	}
	err = deriveInto(secret, "ecowatt/aes-iv", iv[:])
	return
}

func deriveInto(secret []byte, info string, out []byte) error {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	_, err := io.ReadFull(r, out)
	return err
}
