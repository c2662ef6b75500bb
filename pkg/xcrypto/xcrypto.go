// Package xcrypto implements the digest, key-agreement, and AEAD primitives
// used by the handshake and chunk transfer protocol: SHA-256 digests,
// ephemeral X25519 key agreement, HKDF-SHA-256 key derivation, and
// AES-256-GCM authenticated encryption.
package xcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/flynn/noise"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size in bytes of an X25519 key and of the derived AEAD key.
	KeySize = 32
	// IVSize is the size in bytes of the AES-GCM nonce prefixed to every ciphertext.
	IVSize = 12
	// TagSize is the size in bytes of the AES-GCM authentication tag.
	TagSize = 16
)

// ErrInvalidPeerKey is returned when a peer's ECDH public key is the
// identity point or otherwise produces a low-order shared secret.
var ErrInvalidPeerKey = errors.New("xcrypto: invalid peer public key")

// ErrAuthFailed is returned when an AEAD tag fails to verify.
var ErrAuthFailed = errors.New("xcrypto: AEAD authentication failed")

// dh is the X25519 Diffie-Hellman function, reused from the Noise protocol
// library rather than hand-rolled against golang.org/x/crypto/curve25519:
// it already exposes exactly the GenerateKeypair/DH pair this handshake needs.
var dh = noise.DH25519

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// StreamingSHA256 accumulates a SHA-256 digest across multiple Write calls,
// for computing a whole-file hash alongside per-chunk hashes in one pass.
type StreamingSHA256 struct {
	h hash.Hash
}

// NewStreamingSHA256 returns a fresh streaming SHA-256 digest.
func NewStreamingSHA256() *StreamingSHA256 {
	return &StreamingSHA256{h: sha256.New()}
}

// Write feeds more data into the digest.
func (s *StreamingSHA256) Write(p []byte) {
	s.h.Write(p)
}

// Sum returns the digest of all data written so far.
func (s *StreamingSHA256) Sum() [32]byte {
	var out [32]byte
	copy(out[:], s.h.Sum(nil))
	return out
}

// GenerateKeypair creates a fresh ephemeral X25519 key pair.
func GenerateKeypair() (priv, pub [KeySize]byte, err error) {
	kp, err := dh.GenerateKeypair(rand.Reader)
	if err != nil {
		return priv, pub, fmt.Errorf("xcrypto: generate keypair: %w", err)
	}
	copy(priv[:], kp.Private)
	copy(pub[:], kp.Public)
	return priv, pub, nil
}

// ECDH computes the X25519 shared secret between a local private key and a
// peer's public key. It rejects a shared secret of all zero bytes, which
// results from the identity point or other low-order peer keys.
func ECDH(priv, peerPub [KeySize]byte) (shared [KeySize]byte, err error) {
	out := dh.DH(priv[:], peerPub[:])
	if len(out) != KeySize {
		return shared, fmt.Errorf("xcrypto: unexpected shared secret length %d", len(out))
	}
	copy(shared[:], out)
	if isAllZero(shared[:]) {
		Zero(shared[:])
		return shared, ErrInvalidPeerKey
	}
	return shared, nil
}

func isAllZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

// HKDFDerive derives outLen bytes of key material from ikm using HKDF-SHA-256
// with an empty salt and the given application info string.
func HKDFDerive(ikm, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, nil, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("xcrypto: hkdf derive: %w", err)
	}
	return out, nil
}

// AEADKey is a 32-byte AES-256-GCM key. Zero overwrites the backing array so
// the key does not linger in memory past teardown.
type AEADKey [KeySize]byte

// Zero overwrites the key with zero bytes.
func (k *AEADKey) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// IsZero reports whether every byte of the key is zero.
func (k *AEADKey) IsZero() bool {
	return isAllZero(k[:])
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("xcrypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("xcrypto: new gcm: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext under key with a freshly generated random IV and
// returns iv || ciphertext || tag.
func Seal(key AEADKey, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key[:])
	if err != nil {
		return nil, err
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("xcrypto: generate iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	out := make([]byte, 0, len(iv)+len(sealed))
	out = append(out, iv...)
	out = append(out, sealed...)
	return out, nil
}

// Open decrypts framed = iv || ciphertext || tag under key, returning the
// plaintext or ErrAuthFailed if the tag does not verify.
func Open(key AEADKey, framed []byte) ([]byte, error) {
	if len(framed) < IVSize+TagSize {
		return nil, ErrAuthFailed
	}
	gcm, err := newGCM(key[:])
	if err != nil {
		return nil, err
	}
	iv := framed[:IVSize]
	ciphertext := framed[IVSize:]
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// Zero overwrites an arbitrary byte buffer with zeros. Used for scratch
// ECDH private keys and shared secrets once a derivation has completed.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
