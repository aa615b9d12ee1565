// Package registry implements DocumentRegistry (spec §4.8): the
// in-memory table of live documents, backed by fallthrough to storage.
package registry

import (
	"context"
	"sync"

	"github.com/collab-docs/sharecore/internal/address"
	"github.com/collab-docs/sharecore/internal/document"
	"github.com/collab-docs/sharecore/internal/header"
	"github.com/collab-docs/sharecore/internal/storage"
)

// Registry holds every document currently live in this process.
type Registry struct {
	storage *storage.Storage

	onDocumentAdded     func(*document.Document)
	onDocumentUpdated   func(*document.Document)
	onDocumentDestroyed func(address.DocumentId)

	mu        sync.Mutex
	documents map[address.DocumentId]*document.Document
}

// New creates a Registry over storage for fallthrough lookups.
func New(store *storage.Storage) *Registry {
	return &Registry{storage: store, documents: make(map[address.DocumentId]*document.Document)}
}

// OnDocumentAdded registers the document-added callback.
func (r *Registry) OnDocumentAdded(cb func(*document.Document)) { r.onDocumentAdded = cb }

// OnDocumentUpdated registers the document-updated callback.
func (r *Registry) OnDocumentUpdated(cb func(*document.Document)) { r.onDocumentUpdated = cb }

// OnDocumentDestroyed registers the document-destroyed callback.
func (r *Registry) OnDocumentDestroyed(cb func(address.DocumentId)) { r.onDocumentDestroyed = cb }

// SetDocument idempotently stores doc: if a document with the same id
// already exists, the two are merged and document-updated fires;
// otherwise doc is stored fresh and document-added fires (spec §4.8).
func (r *Registry) SetDocument(doc *document.Document) error {
	id := doc.Id()
	r.mu.Lock()
	existing, ok := r.documents[id]
	if !ok {
		r.documents[id] = doc
	}
	r.mu.Unlock()

	if ok {
		if err := existing.MergeDocument(doc); err != nil {
			return err
		}
		if r.onDocumentUpdated != nil {
			r.onDocumentUpdated(existing)
		}
		return nil
	}
	if r.onDocumentAdded != nil {
		r.onDocumentAdded(doc)
	}
	return nil
}

// FindDocument returns the in-memory document for id, falling through
// to storage and adopting it into memory on a miss (spec §4.8).
func (r *Registry) FindDocument(ctx context.Context, id address.DocumentId) (*document.Document, error) {
	r.mu.Lock()
	doc, ok := r.documents[id]
	r.mu.Unlock()
	if ok {
		return doc, nil
	}

	hdrBytes, err := r.storage.LoadHeader(ctx, id)
	if err != nil {
		return nil, err
	}
	binBytes, err := r.storage.LoadBinary(ctx, id)
	if err != nil {
		return nil, err
	}
	h, err := header.Import(hdrBytes)
	if err != nil {
		return nil, err
	}
	imported, err := document.FromStorage(h, binBytes, document.Callbacks{})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.documents[id]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.documents[id] = imported
	r.mu.Unlock()
	return imported, nil
}

// RemoveDocument destroys and drops id from the registry (spec §4.8).
func (r *Registry) RemoveDocument(id address.DocumentId) {
	r.mu.Lock()
	doc, ok := r.documents[id]
	delete(r.documents, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	doc.Destroy()
	if r.onDocumentDestroyed != nil {
		r.onDocumentDestroyed(id)
	}
}

// ListDocumentIds delegates to storage (spec §4.8).
func (r *Registry) ListDocumentIds(ctx context.Context) ([]address.DocumentId, error) {
	return r.storage.List(ctx)
}
