package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/collab-docs/sharecore/internal/address"
	"github.com/collab-docs/sharecore/internal/crdt"
	"github.com/collab-docs/sharecore/internal/document"
	"github.com/collab-docs/sharecore/internal/logger"
)

const (
	headerPrefix = "hdr/"
	binaryPrefix = "bin/"

	// saveThrottle is the trailing-edge debounce window spec §4.3 requires
	// ("throttled per document, trailing edge, 500 ms window").
	saveThrottle = 500 * time.Millisecond

	maxSaveRetries = 3
)

// Storage is the spec §4.3 persistence façade: raw, unencrypted header
// blobs and AEAD-encrypted content blobs, with throttled background
// saves keyed per document.
type Storage struct {
	headers Provider // raw; hdr/<id> must stay unencrypted to bootstrap decryption (spec §6)
	content Provider // a SecureStorageProvider in production use

	onStorageError func(id address.DocumentId, err error)

	mu         sync.Mutex
	throttlers map[address.DocumentId]*throttler
}

// New builds a Storage over a raw provider for headers and a (normally
// encrypted) provider for content.
func New(headers, content Provider, onStorageError func(address.DocumentId, error)) *Storage {
	return &Storage{
		headers:        headers,
		content:        content,
		onStorageError: onStorageError,
		throttlers:     make(map[address.DocumentId]*throttler),
	}
}

// SetDocument writes the header, then the binary content, following
// spec §4.3: "writes hdr/id = header.export() atomically, then
// bin/id = CRDT.save(doc.data) encrypted. If the header write succeeds
// and the binary write fails, the partial state is acceptable."
func (s *Storage) SetDocument(ctx context.Context, doc *document.Document) error {
	id := doc.Id()
	hdrBytes, err := doc.Header().Export()
	if err != nil {
		return err
	}
	if err := s.headers.Put(ctx, headerPrefix+string(id), hdrBytes); err != nil {
		return err
	}
	content, err := crdt.Save(docCRDT(doc))
	if err != nil {
		return err
	}
	if err := s.content.Put(ctx, binaryPrefix+string(id), content); err != nil {
		// Header write already landed; the spec accepts this partial
		// state since a reload yields a live doc with empty binary.
		return err
	}
	return nil
}

// docCRDT returns the live CRDT doc through Document's narrow
// CRDTForStorage accessor, since crdt.Save needs the actual *crdt.Doc.
func docCRDT(doc *document.Document) *crdt.Doc {
	return doc.CRDTForStorage()
}

// Save writes only the binary content, the path called from a
// document's change handler (spec §4.3: "save(doc): writes only
// binary; called on change").
func (s *Storage) Save(ctx context.Context, doc *document.Document) error {
	id := doc.Id()
	content, err := crdt.Save(docCRDT(doc))
	if err != nil {
		return err
	}
	return s.content.Put(ctx, binaryPrefix+string(id), content)
}

// ThrottledSave schedules Save on a trailing-edge 500ms debounce keyed
// by document id: bursts of changes within the window coalesce into
// one write, and the final change in a burst is never dropped.
func (s *Storage) ThrottledSave(ctx context.Context, doc *document.Document) {
	id := doc.Id()
	s.mu.Lock()
	t, ok := s.throttlers[id]
	if !ok {
		t = newThrottler()
		s.throttlers[id] = t
	}
	s.mu.Unlock()

	t.schedule(saveThrottle, func() {
		s.saveWithRetry(ctx, doc)
	})
}

func (s *Storage) saveWithRetry(ctx context.Context, doc *document.Document) {
	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= maxSaveRetries; attempt++ {
		if err := s.Save(ctx, doc); err != nil {
			lastErr = err
			logger.Warn("storage: throttled save failed (attempt %d/%d) for %s: %v", attempt, maxSaveRetries, doc.Id(), err)
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		return
	}
	if s.onStorageError != nil {
		s.onStorageError(doc.Id(), fmt.Errorf("%w: %v", ErrStorageFailure, lastErr))
	}
}

// CancelThrottle drops any pending throttled save for id without
// running it; Destroy() callers that choose to discard in-flight saves
// use this.
func (s *Storage) CancelThrottle(id address.DocumentId) {
	s.mu.Lock()
	t, ok := s.throttlers[id]
	delete(s.throttlers, id)
	s.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// FlushThrottle awaits any pending throttled save for id, for Destroy()
// callers that must not discard in-flight saves (spec §5: "destroy()
// must await in-flight saves or discard them atomically").
func (s *Storage) FlushThrottle(id address.DocumentId) {
	s.mu.Lock()
	t, ok := s.throttlers[id]
	s.mu.Unlock()
	if ok {
		t.flush()
	}
}

// LoadHeader reads hdr/<id>.
func (s *Storage) LoadHeader(ctx context.Context, id address.DocumentId) ([]byte, error) {
	b, err := s.headers.Get(ctx, headerPrefix+string(id))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	return b, err
}

// LoadBinary reads bin/<id>.
func (s *Storage) LoadBinary(ctx context.Context, id address.DocumentId) ([]byte, error) {
	b, err := s.content.Get(ctx, binaryPrefix+string(id))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	return b, err
}

// Remove deletes both blobs for id.
func (s *Storage) Remove(ctx context.Context, id address.DocumentId) error {
	s.CancelThrottle(id)
	if err := s.headers.Remove(ctx, headerPrefix+string(id)); err != nil {
		return err
	}
	return s.content.Remove(ctx, binaryPrefix+string(id))
}

// List returns every stored document id, derived from the header
// namespace (spec §4.3 "list()").
func (s *Storage) List(ctx context.Context) ([]address.DocumentId, error) {
	keys, err := s.headers.List(ctx, headerPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]address.DocumentId, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, address.DocumentId(k[len(headerPrefix):]))
	}
	return ids, nil
}
