package database

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jedisct1/dlog"
	bolt "go.etcd.io/bbolt"
)

// BinFormatVersion identifies the on-disk layout of the answers table.
// It is recorded in the meta table when an environment is created and
// checked on every subsequent open. Bump it whenever the reply encoding
// or the key format changes.
const BinFormatVersion = "2018-05-21"

const (
	TableQueries = "queries"
	TableAnswers = "answers"
	TableDiffs   = "diffs"
	TableMeta    = "meta"
)

const DataFileName = "data.mdb"

var (
	ErrNotFound        = errors.New("key not found")
	ErrTableExists     = errors.New("table already exists and is not empty")
	ErrTableNotOpen    = errors.New("table was not opened")
	ErrVersionMismatch = errors.New("binary format version mismatch")
	ErrServersMismatch = errors.New("resolver list mismatch")
)

// EnvOptions control how the key-value environment is opened.
type EnvOptions struct {
	// Create the data file if it does not exist yet.
	Create bool
	// ReadOnly opens the environment without write access.
	ReadOnly bool
	// FastUnsafe disables fsync on commit. Only acceptable for data that
	// can be regenerated (answers, diffs), never for collected queries.
	FastUnsafe bool
}

// TableOptions control OpenTable behavior.
type TableOptions struct {
	Create bool
	// FailIfExists refuses to open a table that already holds data.
	// This is the guard that keeps a new measurement run from clobbering
	// answers collected by a previous one.
	FailIfExists bool
	// Drop deletes all existing data in the table first.
	Drop bool
}

// Env is an embedded ordered key-value environment holding the queries,
// answers, diffs and meta tables of one measurement run.
type Env struct {
	db       *bolt.DB
	readonly bool

	mu     sync.Mutex
	tables map[string]bool
}

// Open opens (or creates) the environment stored in envdir.
func Open(envdir string, opts EnvOptions) (*Env, error) {
	path := filepath.Join(envdir, DataFileName)
	if !opts.Create {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("database open: %w", err)
		}
	} else if err := os.MkdirAll(envdir, 0o755); err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	boltOpts := &bolt.Options{
		Timeout:  5 * time.Second,
		ReadOnly: opts.ReadOnly,
	}
	db, err := bolt.Open(path, 0o644, boltOpts)
	if err != nil {
		return nil, fmt.Errorf("database open [%s]: %w", path, err)
	}
	if opts.FastUnsafe {
		db.NoSync = true
		db.NoFreelistSync = true
	}
	dlog.Debugf("Opened database environment [%s]", path)
	return &Env{db: db, readonly: opts.ReadOnly, tables: make(map[string]bool)}, nil
}

func (env *Env) Close() error {
	return env.db.Close()
}

// OpenTable makes a named table usable for Get/Put/Stream calls.
// With FailIfExists set it returns ErrTableExists when the table is
// already populated, before anything is written.
func (env *Env) OpenTable(name string, opts TableOptions) error {
	if env.readonly || !opts.Create && !opts.Drop {
		err := env.db.View(func(tx *bolt.Tx) error {
			if tx.Bucket([]byte(name)) == nil {
				return fmt.Errorf("table [%s] does not exist", name)
			}
			return nil
		})
		if err != nil {
			return err
		}
		env.markOpen(name)
		return nil
	}
	err := env.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(name))
		if bucket != nil && opts.Drop {
			if err := tx.DeleteBucket([]byte(name)); err != nil {
				return err
			}
			bucket = nil
			dlog.Debugf("Dropped existing table [%s]", name)
		}
		if bucket != nil && opts.FailIfExists && bucket.Stats().KeyN > 0 {
			return fmt.Errorf("%w: [%s]", ErrTableExists, name)
		}
		if bucket == nil {
			if !opts.Create {
				return fmt.Errorf("table [%s] does not exist", name)
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	env.markOpen(name)
	return nil
}

func (env *Env) markOpen(name string) {
	env.mu.Lock()
	env.tables[name] = true
	env.mu.Unlock()
}

func (env *Env) checkOpen(name string) error {
	env.mu.Lock()
	defer env.mu.Unlock()
	if !env.tables[name] {
		return fmt.Errorf("%w: [%s]", ErrTableNotOpen, name)
	}
	return nil
}

// Get returns the value stored under key, or ErrNotFound.
func (env *Env) Get(table string, key []byte) ([]byte, error) {
	if err := env.checkOpen(table); err != nil {
		return nil, err
	}
	var value []byte
	err := env.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(table)).Get(key)
		if v == nil {
			return fmt.Errorf("%w: table [%s] key %x", ErrNotFound, table, key)
		}
		value = make([]byte, len(v))
		copy(value, v)
		return nil
	})
	return value, err
}

// Put stores value under key in a single-write transaction.
func (env *Env) Put(table string, key, value []byte) error {
	if err := env.checkOpen(table); err != nil {
		return err
	}
	return env.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(table)).Put(key, value)
	})
}

// WriteTxn is a live write transaction scoped to one table. Writers that
// store many values per commit (orchestrator, diff engine) should prefer
// it over repeated Put calls.
type WriteTxn struct {
	tx     *bolt.Tx
	bucket *bolt.Bucket
}

// BeginWrite starts a write transaction on table. Exactly one of Commit
// or Rollback must be called.
func (env *Env) BeginWrite(table string) (*WriteTxn, error) {
	if err := env.checkOpen(table); err != nil {
		return nil, err
	}
	tx, err := env.db.Begin(true)
	if err != nil {
		return nil, err
	}
	return &WriteTxn{tx: tx, bucket: tx.Bucket([]byte(table))}, nil
}

func (txn *WriteTxn) Put(key, value []byte) error {
	return txn.bucket.Put(key, value)
}

func (txn *WriteTxn) Commit() error {
	return txn.tx.Commit()
}

func (txn *WriteTxn) Rollback() error {
	return txn.tx.Rollback()
}

// Entry is one key-value pair produced by a stream.
type Entry struct {
	Key   []byte
	Value []byte
}

// Count returns the number of entries in a table.
func (env *Env) Count(table string) (int, error) {
	if err := env.checkOpen(table); err != nil {
		return 0, err
	}
	count := 0
	err := env.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket([]byte(table)).Stats().KeyN
		return nil
	})
	return count, err
}

// StreamKeys sends every key of table, in key order, on the returned
// channel. The stream is finite and cannot be restarted.
func (env *Env) StreamKeys(table string) (<-chan []byte, error) {
	if err := env.checkOpen(table); err != nil {
		return nil, err
	}
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		err := env.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(table)).ForEach(func(k, _ []byte) error {
				key := make([]byte, len(k))
				copy(key, k)
				out <- key
				return nil
			})
		})
		if err != nil {
			dlog.Errorf("Key stream on table [%s] failed: %v", table, err)
		}
	}()
	return out, nil
}

// StreamEntries sends every key-value pair of table, in key order.
func (env *Env) StreamEntries(table string) (<-chan Entry, error) {
	if err := env.checkOpen(table); err != nil {
		return nil, err
	}
	out := make(chan Entry, 64)
	go func() {
		defer close(out)
		err := env.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(table)).ForEach(func(k, v []byte) error {
				entry := Entry{Key: make([]byte, len(k)), Value: make([]byte, len(v))}
				copy(entry.Key, k)
				copy(entry.Value, v)
				out <- entry
				return nil
			})
		})
		if err != nil {
			dlog.Errorf("Entry stream on table [%s] failed: %v", table, err)
		}
	}()
	return out, nil
}

// QIDToKey encodes a query ID as the fixed 4-byte little-endian database key.
func QIDToKey(qid uint32) []byte {
	key := make([]byte, 4)
	binary.LittleEndian.PutUint32(key, qid)
	return key
}

// KeyToQID decodes a database key back into a query ID.
func KeyToQID(key []byte) (uint32, error) {
	if len(key) != 4 {
		return 0, fmt.Errorf("malformed query key: %x", key)
	}
	return binary.LittleEndian.Uint32(key), nil
}
