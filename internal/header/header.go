// Package header implements DocumentHeader, the signed authorization
// envelope of spec §4.1: owner, allowed users, a monotonic version and
// user-defined metadata, all covered by the owner's signature.
package header

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/collab-docs/sharecore/internal/address"
	"github.com/collab-docs/sharecore/internal/crypto"
)

// ErrInvalidHeader is returned when a header's signature fails to verify
// or its encoding is malformed.
var ErrInvalidHeader = errors.New("header: invalid")

// ErrHeaderUpgradeRejected is returned by Upgrade when the candidate
// header does not satisfy the monotonicity/address/signature invariants.
var ErrHeaderUpgradeRejected = errors.New("header: upgrade rejected")

// Header is the in-memory form of a DocumentHeader.
type Header struct {
	Address      address.Address
	Owner        crypto.PublicKey
	AllowedUsers [][]byte // raw 32-byte keys, sorted lexicographically
	Version      uint64
	Metadata     map[string]interface{}
	Signature    []byte
}

// wireHeader is the canonical CBOR array form (spec §6):
// [address_bytes, owner_pubkey, version_u64, sorted_allowed_users_array, metadata_map, owner_signature]
type wireHeader struct {
	_            struct{} `cbor:",toarray"`
	AddressBytes []byte
	Owner        []byte
	Version      uint64
	AllowedUsers [][]byte
	Metadata     map[string]interface{}
	Signature    []byte
}

func sortedKeys(keys [][]byte) [][]byte {
	out := make([][]byte, len(keys))
	copy(out, keys)
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	return out
}

// signingBody returns the canonical encoding of (address‖version‖allowedUsers‖metadata)
// that the owner's signature covers — the wire array minus the signature field.
func signingBody(addr address.Address, version uint64, allowed [][]byte, metadata map[string]interface{}) ([]byte, error) {
	body := struct {
		_            struct{} `cbor:",toarray"`
		AddressBytes []byte
		Version      uint64
		AllowedUsers [][]byte
		Metadata     map[string]interface{}
	}{
		AddressBytes: addr.Bytes(),
		Version:      version,
		AllowedUsers: sortedKeys(allowed),
		Metadata:     metadata,
	}
	enc, err := canonicalMode().Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: encode signing body: %v", ErrInvalidHeader, err)
	}
	return enc, nil
}

func canonicalMode() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		// CanonicalEncOptions() is a fixed, valid option set; EncMode can
		// only fail on invalid options, so this never happens in practice.
		panic(fmt.Sprintf("header: invalid cbor encode options: %v", err))
	}
	return mode
}

// Create derives a fresh header: owner = pubkey(privateKey), a random
// address nonce, version 1, signed by privateKey.
func Create(priv crypto.PrivateKey, allowedUsers [][]byte, metadata map[string]interface{}) (*Header, error) {
	owner := crypto.Pubkey(priv)
	addr, err := address.New(owner)
	if err != nil {
		return nil, err
	}
	allowed := ensureOwnerAllowed(owner, allowedUsers)
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	body, err := signingBody(addr, 1, allowed, metadata)
	if err != nil {
		return nil, err
	}
	h := &Header{
		Address:      addr,
		Owner:        owner,
		AllowedUsers: sortedKeys(allowed),
		Version:      1,
		Metadata:     metadata,
		Signature:    crypto.Sign(priv, body),
	}
	return h, nil
}

func ensureOwnerAllowed(owner crypto.PublicKey, allowed [][]byte) [][]byte {
	for _, u := range allowed {
		if bytes.Equal(u, owner[:]) {
			return allowed
		}
	}
	out := make([][]byte, 0, len(allowed)+1)
	out = append(out, append([]byte(nil), owner[:]...))
	out = append(out, allowed...)
	return out
}

// Export returns the canonical wire encoding of h, including its signature.
func (h *Header) Export() ([]byte, error) {
	w := wireHeader{
		AddressBytes: h.Address.Bytes(),
		Owner:        h.Owner[:],
		Version:      h.Version,
		AllowedUsers: sortedKeys(h.AllowedUsers),
		Metadata:     h.Metadata,
		Signature:    h.Signature,
	}
	enc, err := canonicalMode().Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrInvalidHeader, err)
	}
	return enc, nil
}

// Import decodes a wire header and verifies its signature, failing with
// ErrInvalidHeader otherwise (spec §4.1 import).
func Import(data []byte) (*Header, error) {
	var w wireHeader
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidHeader, err)
	}
	if len(w.Owner) != len(crypto.PublicKey{}) {
		return nil, fmt.Errorf("%w: owner key size", ErrInvalidHeader)
	}
	addr, err := address.FromBytes(w.AddressBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	var owner crypto.PublicKey
	copy(owner[:], w.Owner)
	if addr.Owner != owner {
		return nil, fmt.Errorf("%w: address owner mismatch", ErrInvalidHeader)
	}
	allowed := sortedKeys(w.AllowedUsers)
	metadata := w.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	body, err := signingBody(addr, w.Version, allowed, metadata)
	if err != nil {
		return nil, err
	}
	if !crypto.Verify(owner, body, w.Signature) {
		return nil, fmt.Errorf("%w: signature verification failed", ErrInvalidHeader)
	}
	return &Header{
		Address:      addr,
		Owner:        owner,
		AllowedUsers: allowed,
		Version:      w.Version,
		Metadata:     metadata,
		Signature:    w.Signature,
	}, nil
}

// VerifySignature verifies an arbitrary content signature under this
// header's owner key.
func (h *Header) VerifySignature(content, signature []byte) bool {
	return crypto.Verify(h.Owner, content, signature)
}

// HasAllowedUser reports whether pubkey is in the allowed-users set.
func (h *Header) HasAllowedUser(pubkey crypto.PublicKey) bool {
	for _, u := range h.AllowedUsers {
		if bytes.Equal(u, pubkey[:]) {
			return true
		}
	}
	return false
}

// Upgrade enforces the monotonicity invariant of spec §4.1: new must
// share old's address, carry a strictly greater version, and its
// signature must verify under old's owner. On equal version the
// receiving side keeps its current header (tie-break), which callers
// implement by checking the returned error rather than Upgrade mutating
// anything — Upgrade never mutates either argument.
func Upgrade(old, candidate *Header) (*Header, error) {
	if !old.Address.Equal(candidate.Address) {
		return nil, fmt.Errorf("%w: address mismatch", ErrHeaderUpgradeRejected)
	}
	if candidate.Version <= old.Version {
		return nil, fmt.Errorf("%w: version %d is not greater than current %d", ErrHeaderUpgradeRejected, candidate.Version, old.Version)
	}
	body, err := signingBody(candidate.Address, candidate.Version, candidate.AllowedUsers, candidate.Metadata)
	if err != nil {
		return nil, err
	}
	if !crypto.Verify(old.Owner, body, candidate.Signature) {
		return nil, fmt.Errorf("%w: signature does not verify under current owner", ErrHeaderUpgradeRejected)
	}
	return candidate, nil
}

// Equal reports whether two headers are byte-for-byte identical once
// exported, used for the Document.mergeDocument "headers are already
// equal" case.
func (h *Header) Equal(other *Header) bool {
	a, err1 := h.Export()
	b, err2 := other.Export()
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(a, b)
}
