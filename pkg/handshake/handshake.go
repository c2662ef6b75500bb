// Package handshake performs the ephemeral X25519 key exchange that derives
// the per-transfer AES-256-GCM session key. There is no long-term identity
// on either side: every run generates a fresh keypair and discards it once
// the session key is derived.
package handshake

import (
	"fmt"
	"io"

	"github.com/p2pshare/core/pkg/wire"
	"github.com/p2pshare/core/pkg/xcrypto"
)

// AEADInfo is the HKDF application-info string that binds the derived key
// to this protocol, distinguishing it from any other consumer of the same
// shared secret.
const AEADInfo = "P2P-FileShare-AES"

// Perform runs the two-message public-key exchange over conn and derives
// the shared AEAD session key. The sender writes its public key frame
// first; the receiver replies with its own. Both sides then run ECDH and
// HKDF-SHA-256 identically, so the derived key matches independent of who
// goes first. All scratch key material (the ephemeral private key and the
// raw ECDH shared secret) is zeroed before Perform returns.
func Perform(conn io.ReadWriter, isSender bool) (*xcrypto.AEADKey, error) {
	priv, pub, err := xcrypto.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("handshake: generate keypair: %w", err)
	}
	defer xcrypto.Zero(priv[:])

	var peerPub [xcrypto.KeySize]byte
	if isSender {
		if err := wire.WriteFrame(conn, pub[:]); err != nil {
			return nil, fmt.Errorf("handshake: write public key: %w", err)
		}
		peerPub, err = readPeerKey(conn)
		if err != nil {
			return nil, err
		}
	} else {
		peerPub, err = readPeerKey(conn)
		if err != nil {
			return nil, err
		}
		if err := wire.WriteFrame(conn, pub[:]); err != nil {
			return nil, fmt.Errorf("handshake: write public key: %w", err)
		}
	}

	shared, err := xcrypto.ECDH(priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("handshake: ecdh: %w", err)
	}
	defer xcrypto.Zero(shared[:])

	derived, err := xcrypto.HKDFDerive(shared[:], []byte(AEADInfo), xcrypto.KeySize)
	if err != nil {
		return nil, fmt.Errorf("handshake: derive session key: %w", err)
	}
	defer xcrypto.Zero(derived)

	var key xcrypto.AEADKey
	copy(key[:], derived)
	return &key, nil
}

func readPeerKey(conn io.Reader) ([xcrypto.KeySize]byte, error) {
	var peerPub [xcrypto.KeySize]byte
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return peerPub, fmt.Errorf("handshake: read public key: %w", err)
	}
	if len(frame) != xcrypto.KeySize {
		return peerPub, fmt.Errorf("handshake: peer key frame is %d bytes, want %d", len(frame), xcrypto.KeySize)
	}
	copy(peerPub[:], frame)
	return peerPub, nil
}
