// Package journal persists the runtime's event history: update lifecycle
// transitions, boot scans, and invariant violations. Events are append-only
// and pruned by count, oldest first. Control logic never reads the journal;
// it exists for operators and tooling.
package journal

import (
	"encoding/binary"
	"fmt"
	"path"
	"reflect"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

// Kind names one event category.
type Kind string

const (
	KindBootScan           Kind = "boot-scan"
	KindNoValidSlot        Kind = "no-valid-slot"
	KindActiveInvalidated  Kind = "active-invalidated"
	KindUpdateAccepted     Kind = "update-accepted"
	KindUpdateRejected     Kind = "update-rejected"
	KindUpdateCommitted    Kind = "update-committed"
	KindUpdateRolledBack   Kind = "update-rolled-back"
	KindWatchdogTimeout    Kind = "watchdog-timeout"
	KindInvariantViolation Kind = "invariant-violation"
)

// Event is one journal record. Seq is assigned on append.
type Event struct {
	Seq     uint64    `cbor:"-"`
	Time    time.Time `cbor:"1,keyasint"`
	Kind    Kind      `cbor:"2,keyasint"`
	Agent   string    `cbor:"3,keyasint,omitempty"`
	Version string    `cbor:"4,keyasint,omitempty"`
	Bank    string    `cbor:"5,keyasint,omitempty"`
	Detail  string    `cbor:"6,keyasint,omitempty"`
	Rule    uint8     `cbor:"7,keyasint,omitempty"`
	Value   float64   `cbor:"8,keyasint,omitempty"`
}

// Config controls where the journal lives and how much history it keeps.
type Config struct {
	Path string `mapstructure:"path"`
	// MaxEvents is the retention bound; older events are pruned as new
	// ones arrive.
	MaxEvents int `mapstructure:"max-events"`
	// InMemory backs the journal with memory only, used by tests.
	InMemory bool `mapstructure:"-"`
}

const DefaultMaxEvents = 4096

var keyPrefix = []byte("ev/")

// Journal is safe for concurrent use.
type Journal struct {
	db    *badger.DB
	log   *zap.Logger
	max   int
	mu    sync.Mutex
	next  uint64
	count int
}

// Open opens or creates the journal database.
func Open(cfg Config, log *zap.Logger) (*Journal, error) {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	j := &Journal{
		db:  db,
		log: log.With(zap.String("component", path.Base(reflect.TypeOf(Journal{}).PkgPath()))),
		max: cfg.MaxEvents,
	}
	if err := j.recoverCursor(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// recoverCursor rebuilds the sequence counter and event count after a
// restart.
func (j *Journal) recoverCursor() error {
	return j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: keyPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			j.next = seqFromKey(it.Item().Key()) + 1
			j.count++
		}
		return nil
	})
}

// Append stores one event and prunes past the retention bound.
func (j *Journal) Append(ev Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	val, err := cbor.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("encoding journal event: %w", err)
	}
	seq := j.next
	err = j.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(keyForSeq(seq), val); err != nil {
			return err
		}
		if j.count+1 <= j.max {
			return nil
		}
		it := txn.NewIterator(badger.IteratorOptions{Prefix: keyPrefix})
		defer it.Close()
		pruned := 0
		for it.Rewind(); it.Valid() && j.count+1-pruned > j.max; it.Next() {
			if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
				return err
			}
			pruned++
		}
		j.count -= pruned
		return nil
	})
	if err != nil {
		return fmt.Errorf("appending journal event: %w", err)
	}
	j.next = seq + 1
	j.count++
	return nil
}

// Record is Append with logging instead of error propagation, for callers on
// paths where journal failure must not affect the outcome.
func (j *Journal) Record(ev Event) {
	if err := j.Append(ev); err != nil {
		j.log.Warn("dropping journal event", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// Recent returns up to n events, newest first.
func (j *Journal) Recent(n int) ([]Event, error) {
	var out []Event
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: keyPrefix, Reverse: true})
		defer it.Close()
		// Reverse iteration starts past the highest possible key.
		seek := append(append([]byte{}, keyPrefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		for it.Seek(seek); it.Valid() && len(out) < n; it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var ev Event
			if err := cbor.Unmarshal(val, &ev); err != nil {
				return fmt.Errorf("decoding journal event: %w", err)
			}
			ev.Seq = seqFromKey(item.Key())
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Len returns the number of retained events.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func keyForSeq(seq uint64) []byte {
	key := make([]byte, len(keyPrefix)+8)
	copy(key, keyPrefix)
	binary.BigEndian.PutUint64(key[len(keyPrefix):], seq)
	return key
}

func seqFromKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(keyPrefix):])
}
