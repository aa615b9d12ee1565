// Package session implements the client-side ephemeral key set of
// spec §3 Session: a long-term Ed25519 identity, a short-term client
// id, and per-peer shared secrets derived via key agreement. A Manager
// is process-lifetime; Logout clears all derived material.
package session

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/collab-docs/sharecore/internal/crypto"
)

// ClientId is the short-term, random per-process client identifier
// (spec §3: "short-term client id (random 16 bytes)"). uuid.UUID is
// exactly 16 bytes, matching the spec's width without introducing a
// bespoke random-id type.
type ClientId uuid.UUID

// String renders the client id as base58 for logging and wire headers.
func (c ClientId) String() string {
	return base58.Encode(c.Bytes())
}

// Bytes returns the raw 16-byte encoding of the client id.
func (c ClientId) Bytes() []byte {
	u := uuid.UUID(c)
	out := make([]byte, len(u))
	copy(out, u[:])
	return out
}

var storageKeyLabel = []byte("sharecore/storage-key/v1")

// ErrPeerKeyUnknown is returned by PeerSecret when the remote identity's
// advertised X25519 key has not yet been learned (see RecordRemoteX25519):
// a shared secret cannot be derived until the handshake has exchanged it.
var ErrPeerKeyUnknown = errors.New("session: peer x25519 key not yet known")

// Manager owns one process's session material: the long-term identity
// key, the ephemeral client id, and the cache of per-peer shared
// secrets negotiated during signaling handshakes.
type Manager struct {
	mu sync.RWMutex

	priv     crypto.PrivateKey
	pub      crypto.PublicKey
	clientID ClientId

	peerSecrets  map[crypto.PublicKey][]byte
	remoteX25519 map[crypto.PublicKey]crypto.PublicKey
	loggedOut    bool
}

// New creates a Manager around a long-term identity key, minting a
// fresh random client id.
func New(priv crypto.PrivateKey) (*Manager, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("session: new client id: %w", err)
	}
	return &Manager{
		priv:         priv,
		pub:          crypto.Pubkey(priv),
		clientID:     ClientId(id),
		peerSecrets:  make(map[crypto.PublicKey][]byte),
		remoteX25519: make(map[crypto.PublicKey]crypto.PublicKey),
	}, nil
}

// Generate creates a Manager around a freshly generated identity key,
// useful for demo binaries and tests that don't manage their own keys.
func Generate() (*Manager, error) {
	priv, _, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return New(priv)
}

// PublicKey returns the session's long-term identity public key.
func (m *Manager) PublicKey() crypto.PublicKey {
	return m.pub
}

// PrivateKey returns the session's long-term identity private key, for
// callers that must sign with it directly (header creation, document
// export).
func (m *Manager) PrivateKey() crypto.PrivateKey {
	return m.priv
}

// ClientID returns the session's ephemeral client id.
func (m *Manager) ClientID() ClientId {
	return m.clientID
}

// AdvertisedX25519Public returns the X25519 public key this session
// presents during peer handshakes, deterministically derived from the
// identity key (see internal/crypto.DerivedX25519Public).
func (m *Manager) AdvertisedX25519Public() (crypto.PublicKey, error) {
	return crypto.DerivedX25519Public(m.priv)
}

// RecordRemoteX25519 caches the X25519 public key a remote identity has
// advertised (via its own AdvertisedX25519Public), learned out of band
// from the signaling layer's identity metadata. PeerSecret cannot derive
// a shared secret for remotePub until this has been called at least once
// for it — every inbound frame in internal/signaling carries its
// sender's advertised key, so in practice this runs before any addressed
// message from a never-seen identity needs decrypting.
func (m *Manager) RecordRemoteX25519(remotePub, remoteX25519Pub crypto.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loggedOut {
		return
	}
	m.remoteX25519[remotePub] = remoteX25519Pub
}

// PeerSecret returns the cached shared secret for remotePub, deriving
// and caching one via key agreement if this is the first time the pair
// has been seen (spec §3: "a per-peer symmetric shared secret derived
// via key agreement"). remotePub is the remote's long-term Ed25519
// identity key, used only as the cache key; the secret itself is derived
// from the X25519 key that identity has advertised (see
// RecordRemoteX25519), never from remotePub's bytes directly.
func (m *Manager) PeerSecret(remotePub crypto.PublicKey) ([]byte, error) {
	m.mu.RLock()
	if m.loggedOut {
		m.mu.RUnlock()
		return nil, fmt.Errorf("session: logged out")
	}
	if secret, ok := m.peerSecrets[remotePub]; ok {
		m.mu.RUnlock()
		return secret, nil
	}
	remoteX, known := m.remoteX25519[remotePub]
	m.mu.RUnlock()
	if !known {
		return nil, ErrPeerKeyUnknown
	}

	secret, err := crypto.SharedSecret(m.priv, remoteX)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if !m.loggedOut {
		m.peerSecrets[remotePub] = secret
	}
	m.mu.Unlock()
	return secret, nil
}

// StorageKey derives the per-process secret SecureStorageProvider uses
// to key its AEAD (spec §4.3: "encrypts values with an AEAD keyed by a
// derived per-process secret from the SessionManager"). It is a fixed
// function of the identity key's seed and a constant label, so it is
// stable across process restarts as long as the same identity key is
// used, letting previously stored documents decrypt on reload.
func (m *Manager) StorageKey() []byte {
	seed := edSeed(m.priv)
	h := sha256.New()
	h.Write(seed)
	h.Write(storageKeyLabel)
	sum := h.Sum(nil)
	return sum
}

func edSeed(priv crypto.PrivateKey) []byte {
	return ed25519.PrivateKey(priv).Seed()
}

// Logout clears all derived per-peer material; the long-term identity
// and client id are left intact since spec §3 only requires "derived
// material" to be cleared.
func (m *Manager) Logout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loggedOut = true
	m.peerSecrets = make(map[crypto.PublicKey][]byte)
	m.remoteX25519 = make(map[crypto.PublicKey]crypto.PublicKey)
}
