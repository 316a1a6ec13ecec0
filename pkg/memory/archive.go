package memory

import (
	"context"
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/engramdb/engram/config"
)

// BadgerArchive is a cold store for entries that consolidation removes
// from the live corpus. Archived entries are write-once JSON values; they
// never feed back into ranking and exist for audit and offline recovery.
type BadgerArchive struct {
	db *badger.DB
}

// OpenBadgerArchive opens or creates the archive database at cfg.Path.
func OpenBadgerArchive(cfg config.ArchiveConfig) (*BadgerArchive, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open archive: %v", ErrIOFailure, err)
	}
	return &BadgerArchive{db: db}, nil
}

// archiveKey namespaces entries by scope so scoped sweeps stay cheap.
func archiveKey(entry *MemoryEntry) []byte {
	return []byte(fmt.Sprintf("archive:%s:%s", entry.Scope, entry.ID))
}

// Archive persists a copy of entry. Archiving the same id twice
// overwrites the older copy.
func (a *BadgerArchive) Archive(ctx context.Context, entry *MemoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal archived entry: %w", err)
	}
	err = a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(archiveKey(entry), data)
	})
	if err != nil {
		return fmt.Errorf("%w: archive write: %v", ErrIOFailure, err)
	}
	return nil
}

// Get returns an archived entry, or ErrNotFound.
func (a *BadgerArchive) Get(scope, id string) (*MemoryEntry, error) {
	key := []byte(fmt.Sprintf("archive:%s:%s", scope, id))
	var entry MemoryEntry
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: archived %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: archive read: %v", ErrIOFailure, err)
	}
	return &entry, nil
}

// Count returns the number of archived entries.
func (a *BadgerArchive) Count() (int, error) {
	count := 0
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte("archive:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close closes the underlying database.
func (a *BadgerArchive) Close() error {
	return a.db.Close()
}
