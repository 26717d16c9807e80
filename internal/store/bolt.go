package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDocuments  = []byte("documents")
	bucketRooms      = []byte("rooms")
	bucketOperations = []byte("operations")
)

// Bolt stores documents in an embedded bbolt file. Documents are JSON
// values keyed by id, rooms map a room key to its latest document id, and
// each document has a nested operations bucket keyed by big-endian
// revision. bbolt runs one write transaction at a time, which is what makes
// Append atomic.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDocuments, bucketRooms, bucketOperations} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create buckets")
	}
	return &Bolt{db: db}, nil
}

func revisionKey(rev int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(rev))
	return k
}

func getDocument(tx *bolt.Tx, documentID string) (Document, error) {
	raw := tx.Bucket(bucketDocuments).Get([]byte(documentID))
	if raw == nil {
		return Document{}, ErrNotFound
	}
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return Document{}, errors.Wrapf(err, "decode document %s", documentID)
	}
	return d, nil
}

func putDocument(tx *bolt.Tx, d Document) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "encode document")
	}
	return tx.Bucket(bucketDocuments).Put([]byte(d.ID), raw)
}

func (b *Bolt) CreateDocument(_ context.Context, doc Document) (Document, error) {
	doc = prepareDocument(doc)
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := putDocument(tx, doc); err != nil {
			return err
		}
		if _, err := tx.Bucket(bucketOperations).CreateBucketIfNotExists([]byte(doc.ID)); err != nil {
			return err
		}
		rooms := tx.Bucket(bucketRooms)
		if id := rooms.Get([]byte(doc.RoomKey)); id != nil {
			cur, err := getDocument(tx, string(id))
			if err != nil {
				return err
			}
			if !newerThan(doc, cur.ID, cur.CreatedAt) {
				return nil
			}
		}
		return rooms.Put([]byte(doc.RoomKey), []byte(doc.ID))
	})
	if err != nil {
		return Document{}, errors.Wrap(err, "create document")
	}
	return doc, nil
}

func (b *Bolt) LatestDocument(_ context.Context, roomKey string) (doc Document, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketRooms).Get([]byte(roomKey))
		if id == nil {
			return ErrNotFound
		}
		doc, err = getDocument(tx, string(id))
		return err
	})
	return doc, err
}

func (b *Bolt) Document(_ context.Context, documentID string) (doc Document, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		doc, err = getDocument(tx, documentID)
		return err
	})
	return doc, err
}

func (b *Bolt) CurrentRevision(_ context.Context, documentID string) (rev int64, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		ops := tx.Bucket(bucketOperations).Bucket([]byte(documentID))
		if ops == nil {
			return ErrNotFound
		}
		if k, _ := ops.Cursor().Last(); k != nil {
			rev = int64(binary.BigEndian.Uint64(k))
		}
		return nil
	})
	return rev, err
}

func (b *Bolt) Append(_ context.Context, req AppendRequest) (rev int64, err error) {
	err = b.db.Update(func(tx *bolt.Tx) error {
		doc, err := getDocument(tx, req.DocumentID)
		if err != nil {
			return err
		}
		content, err := prepareAppend(doc.Content, doc.Revision, req)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		rev = doc.Revision + 1
		doc.Content, doc.Revision, doc.UpdatedAt = content, rev, now
		if err := putDocument(tx, doc); err != nil {
			return err
		}
		raw, err := json.Marshal(newRecord(req, rev, now))
		if err != nil {
			return errors.Wrap(err, "encode operation")
		}
		ops, err := tx.Bucket(bucketOperations).CreateBucketIfNotExists([]byte(req.DocumentID))
		if err != nil {
			return err
		}
		return ops.Put(revisionKey(rev), raw)
	})
	if err != nil {
		return 0, err
	}
	return rev, nil
}

func (b *Bolt) Snapshot(ctx context.Context, documentID string) (Snapshot, error) {
	doc, err := b.Document(ctx, documentID)
	if err != nil {
		return Snapshot{}, err
	}
	return doc.Snapshot(), nil
}

func (b *Bolt) Operations(_ context.Context, documentID string, since int64, limit int) (out []OperationRecord, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		ops := tx.Bucket(bucketOperations).Bucket([]byte(documentID))
		if ops == nil {
			return ErrNotFound
		}
		c := ops.Cursor()
		for k, v := c.Seek(revisionKey(since + 1)); k != nil; k, v = c.Next() {
			var r OperationRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return errors.Wrap(err, "decode operation")
			}
			out = append(out, r)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (b *Bolt) UpdateTitle(_ context.Context, documentID, title string) (snap Snapshot, err error) {
	err = b.db.Update(func(tx *bolt.Tx) error {
		doc, err := getDocument(tx, documentID)
		if err != nil {
			return err
		}
		doc.Title = title
		doc.UpdatedAt = time.Now().UTC()
		snap = doc.Snapshot()
		return putDocument(tx, doc)
	})
	return snap, err
}

func (b *Bolt) SaveContent(_ context.Context, documentID, content string, revision int64) (saved bool, err error) {
	err = b.db.Update(func(tx *bolt.Tx) error {
		doc, err := getDocument(tx, documentID)
		if err != nil {
			return err
		}
		if doc.Revision != revision {
			return nil
		}
		saved = true
		if doc.Content == content {
			return nil
		}
		doc.Content = content
		doc.UpdatedAt = time.Now().UTC()
		return putDocument(tx, doc)
	})
	return saved, err
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

var _ Store = (*Bolt)(nil)
