package documents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var documentsBucket = []byte("documents")

// BoltStore keeps snapshots in a local bbolt file for single-node deployments.
type BoltStore struct {
	db *bbolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create documents bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Fetch(ctx context.Context, id string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var content json.RawMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(documentsBucket).Get([]byte(id))
		if value == nil {
			return ErrNotFound
		}
		// value is only valid for the life of the transaction
		content = append(json.RawMessage(nil), value...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

func (s *BoltStore) Store(ctx context.Context, id string, content json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(documentsBucket).Put([]byte(id), content)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
