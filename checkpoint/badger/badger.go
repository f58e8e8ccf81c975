package badger

import (
	"context"

	"github.com/autom8ter/couchsync/checkpoint"
	"github.com/autom8ter/couchsync/errors"
	"github.com/dgraph-io/badger/v3"
	"github.com/spf13/cast"
)

const prefix = "checkpoint."

func init() {
	checkpoint.Register("badger", func(params map[string]any) (checkpoint.Store, error) {
		return New(cast.ToString(params["storage_path"]))
	})
}

type badgerStore struct {
	db *badger.DB
}

// New opens a badger backed checkpoint store. An empty storage path keeps the database in memory.
func New(storagePath string) (checkpoint.Store, error) {
	opts := badger.DefaultOptions(storagePath)
	if storagePath == "" {
		opts.InMemory = true
		opts.Dir = ""
		opts.ValueDir = ""
	}
	opts = opts.WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.Internal, "failed to open badger checkpoint store")
	}
	return &badgerStore{db: db}, nil
}

func (b *badgerStore) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		cursor string
		found  bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefix + key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			cursor = string(val)
			found = true
			return nil
		})
	})
	if err != nil {
		return "", false, errors.Wrap(err, errors.Internal, "failed to get checkpoint %s", key)
	}
	return cursor, found, nil
}

func (b *badgerStore) Set(ctx context.Context, key string, cursor string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefix+key), []byte(cursor))
	})
	return errors.Wrap(err, errors.Internal, "failed to set checkpoint %s", key)
}

func (b *badgerStore) Close() error {
	if err := b.db.Sync(); err != nil {
		return err
	}
	return b.db.Close()
}
