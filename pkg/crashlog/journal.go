package crashlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// Key prefix for crash records. Keys are prefix + big-endian sequence so
// records iterate in sequence order.
const prefixCrash = byte(0x01)

// Journal persists crash records to a BadgerDB store so the debug history
// survives restarts. Append-only; records are never rewritten.
type Journal struct {
	db  *badger.DB
	log zerolog.Logger
}

// JournalOptions configures the crash journal.
type JournalOptions struct {
	// Dir is the directory for the journal's data files. Required unless
	// InMemory is set.
	Dir string
	// InMemory runs the journal without persistence. Useful for testing.
	InMemory bool
}

// OpenJournal opens (or creates) a crash journal.
func OpenJournal(opts JournalOptions, log zerolog.Logger) (*Journal, error) {
	badgerOpts := badger.DefaultOptions(opts.Dir).
		WithInMemory(opts.InMemory).
		WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("opening crash journal: %w", err)
	}
	return &Journal{db: db, log: log}, nil
}

// Append stores one crash record keyed by its sequence.
func (j *Journal) Append(rec CrashRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding crash record: %w", err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(crashKey(rec.Sequence), value)
	})
}

// Recent returns up to n crash records, newest first.
func (j *Journal) Recent(n int) ([]CrashRecord, error) {
	var records []CrashRecord
	err := j.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.Reverse = true
		itOpts.Prefix = []byte{prefixCrash}
		it := txn.NewIterator(itOpts)
		defer it.Close()

		// Seek past the last possible key, then walk backwards.
		seek := crashKey(^uint64(0))
		for it.Seek(seek); it.Valid() && len(records) < n; it.Next() {
			err := it.Item().Value(func(v []byte) error {
				var rec CrashRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("decoding crash record: %w", err)
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// LastSequence returns the highest stored sequence, or zero when the
// journal is empty.
func (j *Journal) LastSequence() (uint64, error) {
	var last uint64
	err := j.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.Reverse = true
		itOpts.Prefix = []byte{prefixCrash}
		itOpts.PrefetchValues = false
		it := txn.NewIterator(itOpts)
		defer it.Close()

		it.Seek(crashKey(^uint64(0)))
		if it.Valid() {
			key := it.Item().Key()
			if len(key) == 9 {
				last = binary.BigEndian.Uint64(key[1:])
			}
		}
		return nil
	})
	return last, err
}

// Close releases the underlying store.
func (j *Journal) Close() error {
	return j.db.Close()
}

func crashKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefixCrash
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}
