// Package crypto wraps the signing, key-agreement and AEAD primitives the
// document-sharing core treats as a named API (spec §1): Ed25519 signing,
// X25519 key agreement and XChaCha20-Poly1305 authenticated encryption.
package crypto

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrCryptoFailure is returned for any primitive that fails irrecoverably;
// per spec §7 such failures are fatal for the affected message and are
// never silently substituted.
var ErrCryptoFailure = errors.New("crypto: operation failed")

// PrivateKey is a long-term Ed25519 signing key.
type PrivateKey ed25519.PrivateKey

// PublicKey is a 32-byte Ed25519 verification key, also used as the
// stable identity for addressing and ACLs throughout the spec.
type PublicKey [ed25519.PublicKeySize]byte

// GenerateKey creates a new random Ed25519 identity key pair.
func GenerateKey() (PrivateKey, PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, PublicKey{}, fmt.Errorf("%w: generate key: %v", ErrCryptoFailure, err)
	}
	var pk PublicKey
	copy(pk[:], pub)
	return PrivateKey(priv), pk, nil
}

// PrivateKeyFromSeed reconstructs a PrivateKey from its 32-byte Ed25519
// seed, for callers that persist an identity across process restarts
// (e.g. the demo node binary's SHARECORE_PRIVATE_KEY env var) instead of
// generating a fresh one every run.
func PrivateKeyFromSeed(seed []byte) (PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: want %d-byte seed, got %d", ErrCryptoFailure, ed25519.SeedSize, len(seed))
	}
	return PrivateKey(ed25519.NewKeyFromSeed(seed)), nil
}

// Pubkey derives the public key of a private key, as spec §4.1's
// `create` operation requires (`owner = pubkey(privateKey)`).
func Pubkey(priv PrivateKey) PublicKey {
	var pk PublicKey
	copy(pk[:], ed25519.PrivateKey(priv).Public().(ed25519.PublicKey))
	return pk
}

// Sign signs content under priv.
func Sign(priv PrivateKey, content []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(priv), content)
}

// Verify reports whether signature is a valid Ed25519 signature over
// content under pub.
func Verify(pub PublicKey, content, signature []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), content, signature)
}

// Bytes returns a freshly copied slice view of pub, for call sites that
// need an owned []byte rather than an array value.
func (pub PublicKey) Bytes() []byte {
	out := make([]byte, len(pub))
	copy(out, pub[:])
	return out
}

// RandomBytes returns n cryptographically random bytes, used for nonces
// (spec §3 Address) and client ids (spec §3 Session).
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("%w: random bytes: %v", ErrCryptoFailure, err)
	}
	return b, nil
}

// Sum256 is a thin alias kept for call-site clarity at hashing points
// named explicitly by the spec (Address derivation, DocumentId).
func Sum256(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// SharedSecret derives an X25519 shared secret between a local Ed25519
// identity key and a peer's advertised X25519 public key — the value
// returned by that peer's own DerivedX25519Public, exchanged during the
// session handshake (see internal/session.PeerSecret and
// internal/signaling's identity advertisement) — per spec §3 Session
// ("a per-peer symmetric shared secret derived via key agreement").
// Ed25519 keys are not directly usable for X25519 Diffie-Hellman, so the
// signing key's seed is used to derive a dedicated X25519 key pair
// deterministically; this keeps a single identity key as the source of
// truth for both roles, matching how session material is scoped in
// other_examples' SAGE agent handshake code. remotePub here MUST be the
// peer's advertised X25519 key, never its raw Ed25519 identity key — the
// two are unrelated points and passing the latter produces a secret only
// one side can reconstruct.
func SharedSecret(localPriv PrivateKey, remoteX25519Pub PublicKey) ([]byte, error) {
	localX, err := toX25519Private(localPriv)
	if err != nil {
		return nil, err
	}
	remoteX, err := toX25519Public(remoteX25519Pub)
	if err != nil {
		return nil, err
	}
	shared, err := localX.ECDH(remoteX)
	if err != nil {
		return nil, fmt.Errorf("%w: ecdh: %v", ErrCryptoFailure, err)
	}
	// Run the raw ECDH output through SHA-256 so the 32-byte secret is
	// suitable as an AEAD key regardless of curve output structure.
	key := sha256.Sum256(shared)
	return key[:], nil
}

func toX25519Private(priv PrivateKey) (*ecdh.PrivateKey, error) {
	seed := ed25519.PrivateKey(priv).Seed()
	digest := sha256.Sum256(seed)
	x, err := ecdh.X25519().NewPrivateKey(digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: derive x25519 private key: %v", ErrCryptoFailure, err)
	}
	return x, nil
}

func toX25519Public(pub PublicKey) (*ecdh.PublicKey, error) {
	// pub must already be an X25519 public key (DerivedX25519Public's
	// output, as advertised by the remote peer) — an Ed25519 public key
	// cannot be recovered into the matching X25519 point without the
	// private seed, so callers never pass a raw identity key here.
	x, err := ecdh.X25519().NewPublicKey(pub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: x25519 public key: %v", ErrCryptoFailure, err)
	}
	return x, nil
}

// DerivedX25519Public returns the X25519 public key deterministically
// paired with an Ed25519 identity key, for advertising in the session
// handshake (spec §3 Session).
func DerivedX25519Public(priv PrivateKey) (PublicKey, error) {
	x, err := toX25519Private(priv)
	if err != nil {
		return PublicKey{}, err
	}
	var out PublicKey
	copy(out[:], x.PublicKey().Bytes())
	return out, nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305 under key, binding aad
// as associated data (spec §6: "AEAD nonce is prepended to the
// ciphertext"). key must be 32 bytes.
func Seal(key, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: new aead: %v", ErrCryptoFailure, err)
	}
	nonce, err := RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, aad)
	return append(nonce, ciphertext...), nil
}

// Open decrypts a blob produced by Seal.
func Open(key, aad, blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: new aead: %v", ErrCryptoFailure, err)
	}
	if len(blob) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCryptoFailure)
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrCryptoFailure, err)
	}
	return plaintext, nil
}
