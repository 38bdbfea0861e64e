package session

import (
	"errors"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerBackend persists sessions in a BadgerDB database, one key per client
// ID, each value the same MQSS\0 session record encodeSessionRecord/
// decodeSessionRecord already use for the file backend. Intended for
// deployments that want crash-safe session storage without FileBackend's
// whole-file rewrite on every Save.
type BadgerBackend struct {
	db *badger.DB
}

// BadgerOptions configures the on-disk (or in-memory, for tests) database.
type BadgerOptions struct {
	Dir      string
	InMemory bool
	Logger   badger.Logger
}

// OpenBadgerBackend opens (creating if necessary) a BadgerDB database at
// opts.Dir.
func OpenBadgerBackend(opts BadgerOptions) (*BadgerBackend, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("session: BadgerOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	if opts.Logger != nil {
		dbOpts = dbOpts.WithLogger(opts.Logger)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, err
	}
	return &BadgerBackend{db: db}, nil
}

func (b *BadgerBackend) Load(clientID string) (*Session, bool, error) {
	var sess *Session
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(clientID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, _, derr := decodeSessionRecord(val, 0)
			if derr != nil {
				return derr
			}
			sess = decoded
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return sess, sess != nil, nil
}

func (b *BadgerBackend) Save(sess *Session) error {
	data := encodeSessionRecord(nil, sess)
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(sess.ClientID), data)
	})
}

func (b *BadgerBackend) Delete(clientID string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(clientID))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b *BadgerBackend) List() ([]string, error) {
	var ids []string
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return ids, err
}

// Close releases the underlying database handle.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
