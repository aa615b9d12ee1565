// Package document implements Document, pairing a DocumentHeader with
// an opaque CRDT state (spec §3 Document, §4.2).
package document

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/collab-docs/sharecore/internal/address"
	"github.com/collab-docs/sharecore/internal/crdt"
	"github.com/collab-docs/sharecore/internal/crypto"
	"github.com/collab-docs/sharecore/internal/header"
	"github.com/collab-docs/sharecore/internal/wire"
)

// ErrUnauthorized is returned by Export when the signing key is not an
// allowed user of the document's header.
var ErrUnauthorized = errors.New("document: unauthorized")

// ErrDestroyed marks an attempted mutation on a destroyed document; per
// spec §4.2 these are no-ops rather than hard failures, but mutation
// methods report it so callers can tell the no-op happened.
var ErrDestroyed = errors.New("document: destroyed")

// ChangeOptions carries the CRDT library's structured-change options
// (spec §4.2 "change(fn, opts)"); currently unused beyond its presence
// in the signature, since the reference CRDT has no change metadata to
// configure, but kept so synchronizer/registry code has a stable call
// shape if a richer CRDT backend is ever substituted.
type ChangeOptions struct {
	Message string
}

// Document wraps a DocumentHeader and a crdt.Doc, dispatching typed
// callbacks instead of the string-keyed events of spec.md's source
// ecosystem.
type Document struct {
	mu sync.Mutex

	header     *header.Header
	doc        *crdt.Doc
	destroyed  bool
	lastAccess time.Time

	onChange        func(heads crdt.Heads)
	onPatch         func([]crdt.Patch)
	onHeaderUpdated func(*header.Header)
	onDestroyed     func()
}

// Callbacks groups the typed event subscriptions a Document accepts at
// construction (spec §4.2: change/patch/header-updated/destroyed).
type Callbacks struct {
	OnChange        func(heads crdt.Heads)
	OnPatch         func([]crdt.Patch)
	OnHeaderUpdated func(*header.Header)
	OnDestroyed     func()
}

func newDocument(h *header.Header, cb Callbacks) *Document {
	d := &Document{
		header:          h,
		lastAccess:      time.Now(),
		onChange:        cb.OnChange,
		onPatch:         cb.OnPatch,
		onHeaderUpdated: cb.OnHeaderUpdated,
		onDestroyed:     cb.OnDestroyed,
	}
	d.doc, _ = crdt.Init(func(patches []crdt.Patch) {
		if d.onPatch != nil {
			d.onPatch(patches)
		}
	})
	return d
}

// Create builds a brand-new document: a fresh header owned by priv and
// an empty CRDT doc (spec §4.2 "created via create(privateKey,
// allowedUsers, metadata)").
func Create(priv crypto.PrivateKey, allowedUsers [][]byte, metadata map[string]interface{}, cb Callbacks) (*Document, error) {
	h, err := header.Create(priv, allowedUsers, metadata)
	if err != nil {
		return nil, err
	}
	return newDocument(h, cb), nil
}

// Import decodes a SignedDocument, verifies the header and the content
// signature, and loads the CRDT state (spec §4.2 "import(bytes): decode
// {header, content, signature}, verify, load").
func Import(data []byte, cb Callbacks) (*Document, error) {
	sd, err := wire.UnmarshalSignedDocument(data)
	if err != nil {
		return nil, err
	}
	h, err := header.Import(sd.Header)
	if err != nil {
		return nil, err
	}
	if !h.VerifySignature(sd.Content, sd.Signature) {
		return nil, fmt.Errorf("%w: content signature verification failed", header.ErrInvalidHeader)
	}
	d := newDocument(h, cb)
	loaded, err := crdt.LoadIncremental(sd.Content, func(patches []crdt.Patch) {
		if d.onPatch != nil {
			d.onPatch(patches)
		}
	})
	if err != nil {
		return nil, err
	}
	d.doc = loaded
	return d, nil
}

// FromStorage reconstructs a Document from a previously verified header
// and a raw CRDT binary loaded from local storage. Unlike Import, no
// content signature is checked: storage blobs carry no standalone
// content signature (spec §6's storage layout stores only the signed
// header and an AEAD-encrypted content blob, not a detached content
// signature), and a local reload is trusted the way the original write
// was.
func FromStorage(h *header.Header, content []byte, cb Callbacks) (*Document, error) {
	d := newDocument(h, cb)
	loaded, err := crdt.LoadIncremental(content, func(patches []crdt.Patch) {
		if d.onPatch != nil {
			d.onPatch(patches)
		}
	})
	if err != nil {
		return nil, err
	}
	d.doc = loaded
	return d, nil
}

// SetOnChange (re)registers the change callback. Callers that attach a
// DocumentSynchronizer after construction — the registry always does,
// since a Synchronizer needs a live *Document to exist first — use this
// rather than threading the callback through Create/Import/FromStorage.
func (d *Document) SetOnChange(cb func(crdt.Heads)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	d.onChange = cb
}

// Id returns the document's address-derived identifier.
func (d *Document) Id() address.DocumentId {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.header.Address.Id()
}

// Header returns the document's current header.
func (d *Document) Header() *header.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastAccess = time.Now()
	return d.header
}

// Heads returns the document's current CRDT heads.
func (d *Document) Heads() crdt.Heads {
	d.mu.Lock()
	defer d.mu.Unlock()
	return crdt.GetHeads(d.doc)
}

// CRDTForStorage exposes the live CRDT doc to internal/storage, which
// needs the concrete *crdt.Doc to call crdt.Save directly rather than
// duplicating Document's own export/signing logic.
func (d *Document) CRDTForStorage() *crdt.Doc {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc
}

// Snapshot returns a copy of the document's current key/value data.
func (d *Document) Snapshot() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastAccess = time.Now()
	return crdt.Snapshot(d.doc)
}

// Destroyed reports whether Destroy has been called.
func (d *Document) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// LastAccessed returns the last time this document was read or mutated.
func (d *Document) LastAccessed() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAccess
}

// Update runs fn on the current CRDT doc, which fn mutates in place; if
// the resulting heads differ from before, onChange fires with the new
// heads after the mutation has been applied (spec §4.2 "update(fn)"). A
// destroyed document ignores the call and returns ErrDestroyed.
//
// onChange fires after d.mu is released, not under it (matching
// Destroy's pattern): subscribers such as DocumentSynchronizer call back
// into the Document (e.g. CRDTForStorage) from within the callback, and
// sync.Mutex is not reentrant — firing it while still holding the lock
// deadlocks the first change made while a peer is attached.
func (d *Document) Update(fn func(*crdt.Doc)) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	before := crdt.GetHeads(d.doc)
	fn(d.doc)
	after := crdt.GetHeads(d.doc)
	d.lastAccess = time.Now()
	changed := !before.Equal(after)
	cb := d.onChange
	d.mu.Unlock()
	if changed && cb != nil {
		cb(after)
	}
	return nil
}

// Change is the structured-change convenience over Update (spec §4.2
// "change(fn, opts): convenience over update using the CRDT library's
// structured change").
func (d *Document) Change(fn func(*crdt.Mutator), _ ChangeOptions) error {
	return d.Update(func(doc *crdt.Doc) {
		crdt.Change(doc, fn)
	})
}

// ChangeAt is the historical-heads variant of Change (spec §4.2
// "changeAt(heads, fn, opts)"). The reference CRDT keeps no operation
// history beyond current state, so heads is accepted for interface
// compatibility and verified against the current heads rather than
// supporting time-travel; a real operational CRDT backend would branch
// from the named heads instead.
func (d *Document) ChangeAt(heads crdt.Heads, fn func(*crdt.Mutator), opts ChangeOptions) error {
	d.mu.Lock()
	current := crdt.GetHeads(d.doc)
	d.mu.Unlock()
	if !heads.Equal(current) {
		return fmt.Errorf("document: changeAt: heads do not match current state")
	}
	return d.Change(fn, opts)
}

// Export produces a signed, portable encoding of the document (spec
// §4.2 "export(privateKey) → bytes: fails Unauthorized unless
// pubkey(privateKey) is allowed").
func (d *Document) Export(priv crypto.PrivateKey) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pub := crypto.Pubkey(priv)
	if !d.header.HasAllowedUser(pub) {
		return nil, ErrUnauthorized
	}
	d.lastAccess = time.Now()
	content, err := crdt.Save(d.doc)
	if err != nil {
		return nil, err
	}
	hdrBytes, err := d.header.Export()
	if err != nil {
		return nil, err
	}
	signature := crypto.Sign(priv, content)
	return wire.MarshalSignedDocument(wire.SignedDocument{
		Header:    hdrBytes,
		Content:   content,
		Signature: signature,
	})
}

// UpdateHeader attempts header.Upgrade against the document's current
// header, adopting it and firing onHeaderUpdated on success (spec §4.2
// "updateHeader(new): attempts DocumentHeader.upgrade; emits
// header-updated on success; returns boolean"). onHeaderUpdated fires
// after d.mu is released, for the same reentrancy reason as Update's
// onChange.
func (d *Document) UpdateHeader(candidate *header.Header) bool {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return false
	}
	upgraded, err := header.Upgrade(d.header, candidate)
	if err != nil {
		d.mu.Unlock()
		return false
	}
	d.header = upgraded
	cb := d.onHeaderUpdated
	d.mu.Unlock()
	if cb != nil {
		cb(upgraded)
	}
	return true
}

// MergeDocument merges other's CRDT state into d, provided their
// headers are equal or other's header upgrades d's (spec §4.2
// "mergeDocument(other): if header upgrade accepts (or headers are
// already equal), merges CRDT states"). Both onHeaderUpdated and
// onChange fire after d.mu is released, for the same reentrancy reason
// as Update.
func (d *Document) MergeDocument(other *Document) error {
	other.mu.Lock()
	otherHeader := other.header
	otherDoc := other.doc
	other.mu.Unlock()

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	headerChanged := false
	if !d.header.Equal(otherHeader) {
		upgraded, err := header.Upgrade(d.header, otherHeader)
		if err != nil {
			d.mu.Unlock()
			return err
		}
		d.header = upgraded
		headerChanged = true
	}
	before := crdt.GetHeads(d.doc)
	crdt.Merge(d.doc, otherDoc)
	after := crdt.GetHeads(d.doc)
	d.lastAccess = time.Now()
	changed := !before.Equal(after)
	upgradedHeader := d.header
	onHeaderUpdated := d.onHeaderUpdated
	onChange := d.onChange
	d.mu.Unlock()

	if headerChanged && onHeaderUpdated != nil {
		onHeaderUpdated(upgradedHeader)
	}
	if changed && onChange != nil {
		onChange(after)
	}
	return nil
}

// Destroy sets the destroyed flag, fires onDestroyed, and clears every
// other callback so later mutation attempts cannot reach user code
// (spec §4.2 "destroy(): sets destroyed flag, emits destroyed, clears
// listeners. Subsequent operations are no-ops except getters which
// return last-known state").
func (d *Document) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	cb := d.onDestroyed
	d.onChange = nil
	d.onPatch = nil
	d.onHeaderUpdated = nil
	d.onDestroyed = nil
	d.mu.Unlock()
	if cb != nil {
		cb()
	}
}
