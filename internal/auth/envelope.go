package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// EnvelopeVersion is the only version currently emitted or accepted.
const EnvelopeVersion = 0x01

// keyInfo binds derived keys to this envelope format.
const keyInfo = "secretbox-v1"

const nonceLen = 24

// Envelope errors. Open never distinguishes why authentication failed,
// only that it did; the reason stays out of anything sent to a peer.
var (
	ErrEnvelopeVersion = errors.New("unsupported envelope version")
	ErrEnvelopeFormat  = errors.New("malformed envelope")
	ErrEnvelopeOpen    = errors.New("envelope authentication failed")
)

// DeriveKey turns an SRP session key into the 32-byte envelope key.
// Both handshake sides call this with the same session key and get the
// same result.
func DeriveKey(sessionKey []byte) (*[32]byte, error) {
	r := hkdf.New(sha256.New, sessionKey, nil, []byte(keyInfo))
	var key [32]byte
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return nil, fmt.Errorf("derive envelope key: %w", err)
	}
	return &key, nil
}

// Seal wraps inner-frame bytes: version || nonce(24) || ciphertext.
// The nonce is fresh per frame, so no explicit rekey is needed within a
// connection's lifetime.
func Seal(key *[32]byte, inner []byte) ([]byte, error) {
	var nonce [nonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, 1+nonceLen+len(inner)+secretbox.Overhead)
	out = append(out, EnvelopeVersion)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, inner, &nonce, key), nil
}

// Open unwraps an envelope. Authentication failure returns a nil
// plaintext with ErrEnvelopeOpen; callers treat it as fatal for the
// connection.
func Open(key *[32]byte, env []byte) ([]byte, error) {
	if len(env) < 1+nonceLen+secretbox.Overhead {
		return nil, ErrEnvelopeFormat
	}
	if env[0] != EnvelopeVersion {
		return nil, ErrEnvelopeVersion
	}
	var nonce [nonceLen]byte
	copy(nonce[:], env[1:1+nonceLen])
	inner, ok := secretbox.Open(nil, env[1+nonceLen:], &nonce, key)
	if !ok {
		return nil, ErrEnvelopeOpen
	}
	return inner, nil
}
