// Package badgerkv keeps the reminder ledger in BadgerDB so reminders survive restarts
// without a round trip to Postgres.
package badgerkv

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Kind names which reminder a ledger entry tracks
type Kind string

const (
	KindReminder Kind = "reminder"
	KindOverdue  Kind = "overdue"
)

const (
	sentPrefix     = "sent:"
	resolvedPrefix = "resolved:"
)

// DefaultTTL keeps entries long enough to cover the reminder horizon plus a grace day
const DefaultTTL = 72 * time.Hour

// Ledger records which dose occurrences have been reminded about and which were resolved
// by a patient action.
type Ledger struct {
	db     *badger.DB
	ttl    time.Duration
	logger *zap.Logger
}

// Open opens a ledger at path. An empty path opens an in-memory ledger.
func Open(path string, ttl time.Duration, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithNumVersionsToKeep(1).
		WithCompactL0OnClose(true).
		WithValueLogFileSize(16 << 20).
		WithMemTableSize(16 << 20)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	logger.Info("reminder ledger opened", zap.String("path", path), zap.Duration("ttl", ttl))
	return &Ledger{db: db, ttl: ttl, logger: logger}, nil
}

// Close closes the underlying database
func (l *Ledger) Close() error {
	return l.db.Close()
}

func occurrenceKey(medicationID, doseID, date string) string {
	return medicationID + "/" + doseID + "/" + date
}

// TryMarkSent records that a reminder of kind was sent for the occurrence. It reports false
// when one was already recorded, so callers publish at most once per kind.
func (l *Ledger) TryMarkSent(kind Kind, medicationID, doseID, date string) (bool, error) {
	key := []byte(sentPrefix + string(kind) + ":" + occurrenceKey(medicationID, doseID, date))
	first := false
	err := l.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		first = true
		e := badger.NewEntry(key, []byte(time.Now().UTC().Format(time.RFC3339))).WithTTL(l.ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	return first, nil
}

// UnmarkSent forgets a sent marker, used when publishing failed after the mark.
func (l *Ledger) UnmarkSent(kind Kind, medicationID, doseID, date string) error {
	key := []byte(sentPrefix + string(kind) + ":" + occurrenceKey(medicationID, doseID, date))
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// MarkResolved records that the patient acted on the occurrence
func (l *Ledger) MarkResolved(medicationID, doseID, date, status string) error {
	key := []byte(resolvedPrefix + occurrenceKey(medicationID, doseID, date))
	return l.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key, []byte(status)).WithTTL(l.ttl)
		return txn.SetEntry(e)
	})
}

// ClearResolved forgets a resolution, so the occurrence is reminded about again
func (l *Ledger) ClearResolved(medicationID, doseID, date string) error {
	key := []byte(resolvedPrefix + occurrenceKey(medicationID, doseID, date))
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// IsResolved reports whether a patient action was seen for the occurrence
func (l *Ledger) IsResolved(medicationID, doseID, date string) (bool, error) {
	key := []byte(resolvedPrefix + occurrenceKey(medicationID, doseID, date))
	found := false
	err := l.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("read resolved: %w", err)
	}
	return found, nil
}

// Counts returns the number of live sent and resolved entries
func (l *Ledger) Counts() (sent, resolved int, err error) {
	err = l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := string(it.Item().Key())
			switch {
			case len(k) >= len(sentPrefix) && k[:len(sentPrefix)] == sentPrefix:
				sent++
			case len(k) >= len(resolvedPrefix) && k[:len(resolvedPrefix)] == resolvedPrefix:
				resolved++
			}
		}
		return nil
	})
	return sent, resolved, err
}
