package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketName = "queue"
	entriesKey = "pending_receipts"
)

// Store persists the whole entry list. It is not safe against interleaved
// read-modify-write cycles; Queue serializes access.
type Store interface {
	// Load returns the stored entries. Missing or corrupt data loads as an empty list.
	Load(ctx context.Context) ([]*Entry, error)

	// Save replaces the stored entries
	Save(ctx context.Context, entries []*Entry) error
}

// BoltStore implements Store as a single JSON value in BoltDB
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the queue database at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Load reads the entry list
func (b *BoltStore) Load(ctx context.Context) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketName)).Get([]byte(entriesKey))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &entries); err != nil {
			slog.Error("discarding corrupt queue data", "error", err, "bytes", len(data))
			entries = make([]*Entry, 0)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}

	valid := entries[:0]
	for _, e := range entries {
		if e != nil && e.ID != "" {
			valid = append(valid, e)
		}
	}
	return valid, nil
}

// Save writes the entry list
func (b *BoltStore) Save(ctx context.Context, entries []*Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entries == nil {
		entries = make([]*Entry, 0)
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshaling queue: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(entriesKey), data)
	})
}

// Close closes the database
func (b *BoltStore) Close() error {
	return b.db.Close()
}
