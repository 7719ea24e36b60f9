package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is returned when a key is absent from the store.
var ErrNotFound = errors.New("storage: key not found")

// Reader is the read side shared by the database and open transactions.
type Reader interface {
	Get(key []byte) ([]byte, error)
	Keys(prefix []byte) ([][]byte, error)
}

// LevelDB is a persistent key-value store using LevelDB.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("storage: leveldb path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open leveldb: %w", err)
	}
	return &LevelDB{db: db}, nil
}

// NewMemDB opens a LevelDB instance backed by memory. It is intended for tests
// and ephemeral development nodes.
func NewMemDB() *LevelDB {
	db, err := leveldb.Open(lvlstorage.NewMemStorage(), nil)
	if err != nil {
		// Memory storage cannot fail to open.
		panic(fmt.Sprintf("storage: open memory leveldb: %v", err))
	}
	return &LevelDB{db: db}
}

// Get retrieves a value for a given key.
func (l *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

// Keys lists the keys stored under prefix in ascending order.
func (l *LevelDB) Keys(prefix []byte) ([][]byte, error) {
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	keys := make([][]byte, 0)
	for iter.Next() {
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("storage: iterate: %w", err)
	}
	return keys, nil
}

// Begin opens an atomic transaction. LevelDB serialises transactions: a second
// Begin blocks until the first commits or is discarded.
func (l *LevelDB) Begin() (*Tx, error) {
	tx, err := l.db.OpenTransaction()
	if err != nil {
		return nil, fmt.Errorf("storage: open transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Close closes the database connection.
func (l *LevelDB) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Tx is an open LevelDB transaction. Reads observe the transaction's own
// uncommitted writes.
type Tx struct {
	tx *leveldb.Transaction
}

// Get retrieves a value for a given key.
func (t *Tx) Get(key []byte) ([]byte, error) {
	value, err := t.tx.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

// Keys lists the keys stored under prefix, including uncommitted writes.
func (t *Tx) Keys(prefix []byte) ([][]byte, error) {
	iter := t.tx.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	keys := make([][]byte, 0)
	for iter.Next() {
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("storage: iterate: %w", err)
	}
	return keys, nil
}

// Put inserts or updates a key-value pair.
func (t *Tx) Put(key, value []byte) error {
	return t.tx.Put(key, value, nil)
}

// Commit applies the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Discard abandons the transaction. It is safe to call after Commit.
func (t *Tx) Discard() {
	t.tx.Discard()
}
