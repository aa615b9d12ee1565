// Package crdt hides a single mergeable document type behind the
// boundary spec.md calls out as the "opaque CRDT library": init,
// load_incremental, save, clone, merge, get_heads, change,
// generate_sync_message and receive_sync_message. Nothing outside this
// package inspects a Doc's internal representation.
//
// The reference implementation is a last-writer-wins register per key,
// each write stamped with (actor, counter); ties break on actor id so
// all replicas resolve concurrent writes identically. Deletes are
// tombstones, not map removals: they carry their own (actor, counter)
// stamp so they're visible to get_heads and propagate through sync like
// any other write, while Get/Snapshot filter them back out to nil. This
// is the simplest state that satisfies the convergence property spec.md
// requires (§4.7, §8 property 5) without pulling in a real operational
// CRDT library, which the retrieved pack does not provide.
package crdt

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"

	"github.com/collab-docs/sharecore/internal/crypto"
)

// Patch describes one observed field mutation, surfaced to Document's
// patch callback (spec §4.2: "patch callback ... emits patch with
// {before, after, patches}").
type Patch struct {
	Key    string
	Before interface{}
	After  interface{}
}

// PatchCallback is invoked synchronously for every patch produced by a
// local Change or a remote ReceiveSyncMessage. Per spec §4.2 "Events are
// fire-and-forget; handler errors must not mutate the document" — the
// callback's return value is ignored and any panic is the caller's
// concern, not this package's.
type PatchCallback func([]Patch)

type entry struct {
	Value   interface{}
	Actor   string
	Counter uint64
	Deleted bool
}

// Doc is the opaque mergeable document state. The zero value is not
// usable; obtain one from Init or LoadIncremental.
type Doc struct {
	actor    string
	counter  uint64
	entries  map[string]entry
	onPatch  PatchCallback
}

// Heads identifies a document's causal frontier: for each actor with an
// entry in the document, the highest counter among that actor's
// entries. Replicas holding the same entries report equal Heads (spec §8
// property 5).
type Heads map[string]uint64

// Equal reports whether two Heads sets are identical.
func (h Heads) Equal(other Heads) bool {
	if len(h) != len(other) {
		return false
	}
	for k, v := range h {
		if other[k] != v {
			return false
		}
	}
	return true
}

// Init creates an empty Doc with a fresh random actor id and registers
// patchCallback for subsequent mutations (spec: "init(patchCallback) → Doc").
func Init(patchCallback PatchCallback) (*Doc, error) {
	id, err := crypto.RandomBytes(8)
	if err != nil {
		return nil, fmt.Errorf("crdt: init: %w", err)
	}
	return &Doc{
		actor:   fmt.Sprintf("%x", id),
		entries: make(map[string]entry),
		onPatch: patchCallback,
	}, nil
}

// wireEntry/wireDoc are the gob-serializable mirror of Doc's private
// fields, used by Save/LoadIncremental/sync messages. gob is used
// purely as an internal persistence format behind this package's opaque
// boundary; nothing outside crdt ever decodes it.
type wireEntry struct {
	Key     string
	Value   interface{}
	Actor   string
	Counter uint64
	Deleted bool
}

type wireDoc struct {
	Actor   string
	Counter uint64
	Entries []wireEntry
}

func (d *Doc) toWire() wireDoc {
	w := wireDoc{Actor: d.actor, Counter: d.counter}
	keys := make([]string, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e := d.entries[k]
		w.Entries = append(w.Entries, wireEntry{Key: k, Value: e.Value, Actor: e.Actor, Counter: e.Counter, Deleted: e.Deleted})
	}
	return w
}

func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

// Save serializes a Doc's full state (spec: "save(Doc) → bytes").
func Save(d *Doc) ([]byte, error) {
	enc, err := gobEncode(d.toWire())
	if err != nil {
		return nil, fmt.Errorf("crdt: save: %w", err)
	}
	return enc, nil
}

// LoadIncremental decodes bytes produced by Save into a Doc, keeping
// patchCallback attached (spec: "load_incremental(Doc, bytes) → Doc";
// the patchCallback is supplied here rather than threaded through the
// wire format since it is a local, not a serialized, concern).
func LoadIncremental(data []byte, patchCallback PatchCallback) (*Doc, error) {
	var w wireDoc
	if err := gobDecode(data, &w); err != nil {
		return nil, fmt.Errorf("crdt: load_incremental: %w", err)
	}
	d := &Doc{
		actor:   w.Actor,
		counter: w.Counter,
		entries: make(map[string]entry, len(w.Entries)),
		onPatch: patchCallback,
	}
	for _, e := range w.Entries {
		d.entries[e.Key] = entry{Value: e.Value, Actor: e.Actor, Counter: e.Counter, Deleted: e.Deleted}
	}
	return d, nil
}

// Clone returns an independent copy of d sharing no mutable state
// (spec: "clone(Doc) → Doc").
func Clone(d *Doc) *Doc {
	out := &Doc{
		actor:   d.actor,
		counter: d.counter,
		entries: make(map[string]entry, len(d.entries)),
		onPatch: d.onPatch,
	}
	for k, v := range d.entries {
		out.entries[k] = v
	}
	return out
}

// GetHeads returns d's causal frontier (spec: "get_heads(Doc) → HeadsSet").
func GetHeads(d *Doc) Heads {
	h := make(Heads)
	for _, e := range d.entries {
		if e.Counter > h[e.Actor] {
			h[e.Actor] = e.Counter
		}
	}
	return h
}

// less reports whether entry a should be overwritten by entry b under
// last-writer-wins semantics: higher counter wins, actor id breaks ties.
func less(a, b entry) bool {
	if a.Counter != b.Counter {
		return a.Counter < b.Counter
	}
	return a.Actor < b.Actor
}

// Mutator is the structured-change handle passed to Change's fn,
// standing in for the CRDT library's own structured-change API (spec
// §4.2 "change(fn, opts) using the CRDT library's structured change").
type Mutator struct {
	d    *Doc
	diff map[string]interface{} // key -> before value (nil sentinel = absent)
}

type absent struct{}

var isAbsent = absent{}

// Set assigns data[key] = value.
func (m *Mutator) Set(key string, value interface{}) {
	if _, seen := m.diff[key]; !seen {
		if e, ok := m.d.entries[key]; ok {
			m.diff[key] = e.Value
		} else {
			m.diff[key] = isAbsent
		}
	}
	m.d.counter++
	m.d.entries[key] = entry{Value: value, Actor: m.d.actor, Counter: m.d.counter}
}

// Delete removes data[key]. This is recorded as a tombstone entry
// stamped with a fresh (actor, counter) rather than a bare map deletion:
// a plain removal leaves no trace for GetHeads or GenerateSyncMessage to
// see, so a peer that already synced the old value would never learn it
// was deleted. The tombstone carries no value and is filtered out of
// Get/Snapshot, so it's invisible to callers but still participates in
// causal-frontier comparison and sync like any other write.
func (m *Mutator) Delete(key string) {
	if _, seen := m.diff[key]; !seen {
		if e, ok := m.d.entries[key]; ok && !e.Deleted {
			m.diff[key] = e.Value
		} else {
			m.diff[key] = isAbsent
		}
	}
	m.d.counter++
	m.d.entries[key] = entry{Actor: m.d.actor, Counter: m.d.counter, Deleted: true}
}

// Get reads the current value of key, or (nil, false) if absent or
// tombstoned by a prior Delete.
func (m *Mutator) Get(key string) (interface{}, bool) {
	e, ok := m.d.entries[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

// Change mutates d in place via fn and fires the patch callback for
// every key fn touched (spec: "change(Doc, fn) → Doc").
func Change(d *Doc, fn func(*Mutator)) *Doc {
	m := &Mutator{d: d, diff: make(map[string]interface{})}
	fn(m)
	if d.onPatch != nil && len(m.diff) > 0 {
		patches := make([]Patch, 0, len(m.diff))
		keys := make([]string, 0, len(m.diff))
		for k := range m.diff {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			before := m.diff[k]
			if before == isAbsent {
				before = nil
			}
			after, _ := m.Get(k)
			patches = append(patches, Patch{Key: k, Before: before, After: after})
		}
		d.onPatch(patches)
	}
	return d
}

// Merge folds other's entries into d in place, resolving conflicting
// keys by last-writer-wins, and returns d. It produces no patches and
// does not invoke the patch callback.
func Merge(d *Doc, other *Doc) *Doc {
	for k, oe := range other.entries {
		if de, ok := d.entries[k]; !ok || less(de, oe) {
			d.entries[k] = oe
		}
	}
	return d
}

// SyncState is the opaque, per-peer protocol state generate_sync_message
// and receive_sync_message thread through a sync session (spec §4.7:
// "maintains a CRDT sync state (opaque, per the CRDT library's protocol)").
type SyncState struct {
	theirHeads Heads
}

// NewSyncState returns the initial (empty) sync state for a newly
// connected peer.
func NewSyncState() *SyncState {
	return &SyncState{theirHeads: make(Heads)}
}

type syncMessage struct {
	Heads   Heads
	Entries []wireEntry
}

// GenerateSyncMessage produces the next outbound sync payload for a
// peer whose acknowledged state is state, or nil if there is nothing
// new to send (spec: "generate_sync_message(Doc, state) → (state, Option<bytes>)").
func GenerateSyncMessage(d *Doc, state *SyncState) (*SyncState, []byte, error) {
	ourHeads := GetHeads(d)
	var pending []wireEntry
	for k, e := range d.entries {
		if e.Counter > state.theirHeads[e.Actor] {
			pending = append(pending, wireEntry{Key: k, Value: e.Value, Actor: e.Actor, Counter: e.Counter, Deleted: e.Deleted})
		}
	}
	if len(pending) == 0 {
		return state, nil, nil
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Key < pending[j].Key })
	msg, err := gobEncode(syncMessage{Heads: ourHeads, Entries: pending})
	if err != nil {
		return state, nil, fmt.Errorf("crdt: generate_sync_message: %w", err)
	}
	next := &SyncState{theirHeads: ourHeads}
	return next, msg, nil
}

// ReceiveSyncMessage applies an inbound sync payload, merging any new
// entries into d and advancing state to reflect what the peer has now
// told us it holds (spec: "receive_sync_message(Doc, state, bytes) →
// (Doc, state, Option<Patch[]>)").
func ReceiveSyncMessage(d *Doc, state *SyncState, data []byte) (*Doc, *SyncState, []Patch, error) {
	var msg syncMessage
	if err := gobDecode(data, &msg); err != nil {
		return d, state, nil, fmt.Errorf("crdt: receive_sync_message: %w", err)
	}
	var patches []Patch
	for _, we := range msg.Entries {
		incoming := entry{Value: we.Value, Actor: we.Actor, Counter: we.Counter, Deleted: we.Deleted}
		current, existed := d.entries[we.Key]
		if !existed || less(current, incoming) {
			var before interface{}
			if existed {
				before = current.Value
			}
			d.entries[we.Key] = incoming
			patches = append(patches, Patch{Key: we.Key, Before: before, After: incoming.Value})
		}
	}
	merged := make(Heads, len(state.theirHeads))
	for k, v := range state.theirHeads {
		merged[k] = v
	}
	for actor, counter := range msg.Heads {
		if counter > merged[actor] {
			merged[actor] = counter
		}
	}
	next := &SyncState{theirHeads: merged}
	if len(patches) > 0 && d.onPatch != nil {
		d.onPatch(patches)
	}
	return d, next, patches, nil
}

// Snapshot returns a stable copy of the document's key/value data, for
// callers (tests, Document) that need to read current state without
// reaching into the package's internals. Tombstoned keys are omitted.
func Snapshot(d *Doc) map[string]interface{} {
	out := make(map[string]interface{}, len(d.entries))
	for k, e := range d.entries {
		if e.Deleted {
			continue
		}
		out[k] = e.Value
	}
	return out
}
