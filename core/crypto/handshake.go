// Package crypto implements the connection handshake and symmetric cipher:
// an X25519 key exchange (grounded on the teacher's curve25519.ScalarBaseMult
// / ScalarMult usage in ratchet.go) feeding a SHA-256 key derivation into a
// chacha20poly1305 AEAD, the same cipher the wider example pack reaches for
// when wiring a secret key into an AEAD (see other_examples' rhp-v2
// transport, which calls chacha20poly1305.New directly off a derived key).
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"

	"golang.org/x/crypto/curve25519"

	"github.com/swiftgate/swiftgate/core/xerrors"
)

// KeySize is the size, in bytes, of an X25519 public or private key.
const KeySize = 32

// Handshake drives one side of the two-phase X25519 key exchange described
// by the connection's StartHandshake/CompleteHandshake operations. A
// Handshake value is used once.
type Handshake struct {
	private    [KeySize]byte
	public     [KeySize]byte
	shared     [KeySize]byte
	haveShared bool
}

// StartHandshake generates an ephemeral X25519 keypair and returns the
// public half to send to the peer.
func StartHandshake() (*Handshake, [KeySize]byte, error) {
	h := &Handshake{}
	if _, err := rand.Read(h.private[:]); err != nil {
		return nil, [KeySize]byte{}, xerrors.NewInternalError("generate handshake key: %w", err)
	}
	curve25519.ScalarBaseMult(&h.public, &h.private)
	return h, h.public, nil
}

// CompleteHandshake consumes the peer's public key, derives the shared
// secret, and returns this side's public key if it has not already been
// sent (callers that already called StartHandshake pass their own public
// key through unchanged; this method only needs the peer's).
func (h *Handshake) CompleteHandshake(peerPublic [KeySize]byte) error {
	var shared [KeySize]byte
	curve25519.ScalarMult(&shared, &h.private, &peerPublic)

	if isAllZero(shared[:]) {
		return xerrors.NewSecurityError("handshake produced a low-order shared secret")
	}

	h.shared = shared
	h.haveShared = true
	return nil
}

// SessionKey returns the 32-byte symmetric key derived from the completed
// handshake's shared secret, suitable for chacha20poly1305.New.
func (h *Handshake) SessionKey() ([KeySize]byte, error) {
	if !h.haveShared {
		return [KeySize]byte{}, xerrors.NewProtocolError("handshake not complete")
	}
	return sha256.Sum256(h.shared[:]), nil
}

// PublicKey returns this side's ephemeral public key.
func (h *Handshake) PublicKey() [KeySize]byte {
	return h.public
}

// PrivateKey returns this side's ephemeral private key, for callers that
// need to stash it across a request/response boundary and resume the
// handshake later via ResumeHandshake.
func (h *Handshake) PrivateKey() [KeySize]byte {
	return h.private
}

// ResumeHandshake reconstructs a Handshake from a previously generated
// private key, so CompleteHandshake/SessionKey can be called again once the
// peer's confirmation arrives in a later request.
func ResumeHandshake(private [KeySize]byte) *Handshake {
	h := &Handshake{private: private}
	curve25519.ScalarBaseMult(&h.public, &h.private)
	return h
}

func isAllZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

// ConstantTimeEqual reports whether a and b are equal using a constant-time
// comparison, for use outside the wire package's own signature check.
func ConstantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
