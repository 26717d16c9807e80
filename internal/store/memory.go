package store

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const memoryStripes = 64

type memoryDoc struct {
	doc Document
	ops []OperationRecord
}

// Memory keeps everything in process. Per-document state is guarded by a
// mutex picked from a fixed stripe by hashing the document id; the maps
// themselves are guarded by mu.
type Memory struct {
	stripes [memoryStripes]sync.Mutex

	mu    sync.RWMutex
	docs  map[string]*memoryDoc
	// latest document id per room
	rooms map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		docs:  make(map[string]*memoryDoc),
		rooms: make(map[string]string),
	}
}

func (m *Memory) lock(documentID string) func() {
	mu := &m.stripes[xxhash.Sum64String(documentID)%memoryStripes]
	mu.Lock()
	return mu.Unlock
}

func (m *Memory) get(documentID string) (*memoryDoc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[documentID]
	return d, ok
}

func (m *Memory) CreateDocument(_ context.Context, doc Document) (Document, error) {
	doc = prepareDocument(doc)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = &memoryDoc{doc: doc}
	// id and CreatedAt never change after creation
	if cur, ok := m.docs[m.rooms[doc.RoomKey]]; !ok || newerThan(doc, cur.doc.ID, cur.doc.CreatedAt) {
		m.rooms[doc.RoomKey] = doc.ID
	}
	return doc, nil
}

func (m *Memory) LatestDocument(ctx context.Context, roomKey string) (Document, error) {
	m.mu.RLock()
	id, ok := m.rooms[roomKey]
	m.mu.RUnlock()
	if !ok {
		return Document{}, ErrNotFound
	}
	return m.Document(ctx, id)
}

func (m *Memory) Document(_ context.Context, documentID string) (Document, error) {
	d, ok := m.get(documentID)
	if !ok {
		return Document{}, ErrNotFound
	}
	defer m.lock(documentID)()
	return d.doc, nil
}

func (m *Memory) CurrentRevision(_ context.Context, documentID string) (int64, error) {
	d, ok := m.get(documentID)
	if !ok {
		return 0, ErrNotFound
	}
	defer m.lock(documentID)()
	var rev int64
	for _, r := range d.ops {
		rev = max(rev, r.Revision)
	}
	return rev, nil
}

func (m *Memory) Append(_ context.Context, req AppendRequest) (int64, error) {
	d, ok := m.get(req.DocumentID)
	if !ok {
		return 0, ErrNotFound
	}
	defer m.lock(req.DocumentID)()

	content, err := prepareAppend(d.doc.Content, d.doc.Revision, req)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	rev := d.doc.Revision + 1
	d.doc.Content = content
	d.doc.Revision = rev
	d.doc.UpdatedAt = now
	d.ops = append(d.ops, newRecord(req, rev, now))
	return rev, nil
}

func (m *Memory) Snapshot(ctx context.Context, documentID string) (Snapshot, error) {
	doc, err := m.Document(ctx, documentID)
	if err != nil {
		return Snapshot{}, err
	}
	return doc.Snapshot(), nil
}

func (m *Memory) Operations(_ context.Context, documentID string, since int64, limit int) ([]OperationRecord, error) {
	d, ok := m.get(documentID)
	if !ok {
		return nil, ErrNotFound
	}
	defer m.lock(documentID)()
	var out []OperationRecord
	for _, r := range d.ops {
		if r.Revision <= since {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) UpdateTitle(_ context.Context, documentID, title string) (Snapshot, error) {
	d, ok := m.get(documentID)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	defer m.lock(documentID)()
	d.doc.Title = title
	d.doc.UpdatedAt = time.Now().UTC()
	return d.doc.Snapshot(), nil
}

func (m *Memory) SaveContent(_ context.Context, documentID, content string, revision int64) (bool, error) {
	d, ok := m.get(documentID)
	if !ok {
		return false, ErrNotFound
	}
	defer m.lock(documentID)()
	if d.doc.Revision != revision {
		return false, nil
	}
	if d.doc.Content != content {
		d.doc.Content = content
		d.doc.UpdatedAt = time.Now().UTC()
	}
	return true, nil
}

func (m *Memory) Close() error {
	return nil
}

var _ Store = (*Memory)(nil)
