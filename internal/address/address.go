// Package address implements the deterministic document identity of
// spec §3: a 32-byte owner public key concatenated with a random 16-byte
// nonce, hashed to yield a document identifier encoded as base58.
package address

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/collab-docs/sharecore/internal/crypto"
)

// NonceSize is the width of the random component of an Address.
const NonceSize = 16

// ErrInvalidAddress is returned when raw bytes cannot be decoded as an
// Address.
var ErrInvalidAddress = errors.New("address: invalid encoding")

// Address is immutable once created (spec §3).
type Address struct {
	Owner crypto.PublicKey
	Nonce [NonceSize]byte
}

// New derives a fresh Address for owner with a random nonce.
func New(owner crypto.PublicKey) (Address, error) {
	nonce, err := crypto.RandomBytes(NonceSize)
	if err != nil {
		return Address{}, err
	}
	var a Address
	a.Owner = owner
	copy(a.Nonce[:], nonce)
	return a, nil
}

// Bytes returns the canonical owner‖nonce encoding.
func (a Address) Bytes() []byte {
	out := make([]byte, 0, len(a.Owner)+NonceSize)
	out = append(out, a.Owner[:]...)
	out = append(out, a.Nonce[:]...)
	return out
}

// Equal reports whether two addresses are identical.
func (a Address) Equal(other Address) bool {
	return bytes.Equal(a.Bytes(), other.Bytes())
}

// FromBytes reconstructs an Address from its canonical encoding.
func FromBytes(b []byte) (Address, error) {
	if len(b) != len(crypto.PublicKey{})+NonceSize {
		return Address{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidAddress, len(crypto.PublicKey{})+NonceSize, len(b))
	}
	var a Address
	copy(a.Owner[:], b[:len(a.Owner)])
	copy(a.Nonce[:], b[len(a.Owner):])
	return a, nil
}

// DocumentId is the base58 form of SHA-256(owner_pubkey ‖ nonce).
type DocumentId string

// Id derives the DocumentId for this Address (spec §6: "DocumentId: base58
// of SHA-256(owner_pubkey ‖ nonce)").
func (a Address) Id() DocumentId {
	sum := sha256.Sum256(a.Bytes())
	return DocumentId(base58.Encode(sum[:]))
}

// String implements fmt.Stringer for logging.
func (id DocumentId) String() string {
	return string(id)
}

// EncodePublicKey renders a public key as base58 text, used wherever the
// wire protocol needs a human-loggable identity (e.g. signaling headers).
func EncodePublicKey(pub crypto.PublicKey) string {
	return base58.Encode(pub[:])
}

// DecodePublicKey parses a base58-encoded public key.
func DecodePublicKey(s string) (crypto.PublicKey, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return crypto.PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(b) != len(crypto.PublicKey{}) {
		return crypto.PublicKey{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidAddress, len(crypto.PublicKey{}), len(b))
	}
	var pk crypto.PublicKey
	copy(pk[:], b)
	return pk, nil
}
