// Package safetyledger is an optional, durable audit sink for
// SafetyEvents: a BoltDB-backed append-only log, one bucket per chain,
// replayable in chronological order.
package safetyledger

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/veronica-labs/containment-kernel/internal/kernel"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default event retention period.
	DefaultRetentionDays = 30

	bucketEvents = "events"
	bucketMeta   = "meta"
)

// Ledger wraps a BoltDB instance, storing SafetyEvents under a
// per-chain-id nested bucket so a single chain's history can be read,
// pruned, or dropped independently of any other chain's.
type Ledger struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the BoltDB database at path and verifies the
// schema version. Single-process, single-writer, like the rest of
// BoltDB's consistency model: all writes are ACID transactions, reads use
// read-only transactions.
func Open(path string, retentionDays int) (*Ledger, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	l := &Ledger{db: bdb, retentionDays: retentionDays}

	if err := l.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketEvents)); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists([]byte(bucketMeta))
		if err != nil {
			return err
		}
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("safetyledger: initialisation failed: %w", err)
	}

	if err := l.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return l, nil
}

func (l *Ledger) checkSchemaVersion() error {
	return l.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("safetyledger: schema version mismatch: database has %q, kernel requires %q",
				string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// eventKey constructs a sortable key: zero-padded millisecond timestamp
// followed by the node id, so lexicographic order equals chronological
// replay order even across nodes sharing a timestamp.
func eventKey(startTsMs int64, nodeID string) []byte {
	return []byte(fmt.Sprintf("%019d_%s", startTsMs, nodeID))
}

// Append writes one SafetyEvent into the per-chain bucket for chainID,
// creating the bucket on first use.
func (l *Ledger) Append(chainID, nodeID string, event kernel.SafetyEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("safetyledger: marshal event: %w", err)
	}

	key := eventKey(event.Timestamp.UnixMilli(), nodeID)

	return l.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket([]byte(bucketEvents))
		chain, err := events.CreateBucketIfNotExists([]byte(chainID))
		if err != nil {
			return fmt.Errorf("safetyledger: chain bucket %q: %w", chainID, err)
		}
		return chain.Put(key, data)
	})
}

// ReadChain returns every SafetyEvent recorded for chainID, in
// chronological order.
func (l *Ledger) ReadChain(chainID string) ([]kernel.SafetyEvent, error) {
	var out []kernel.SafetyEvent
	err := l.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket([]byte(bucketEvents))
		chain := events.Bucket([]byte(chainID))
		if chain == nil {
			return nil
		}
		return chain.ForEach(func(_, v []byte) error {
			var e kernel.SafetyEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// PruneChainOlderThan deletes events in chainID older than cutoff.
// Returns the number of events deleted. bbolt cannot delete during
// cursor iteration, so keys are collected first.
func (l *Ledger) PruneChainOlderThan(chainID string, cutoff time.Time) (int, error) {
	cutoffKey := eventKey(cutoff.UnixMilli(), "")
	var deleted int

	err := l.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket([]byte(bucketEvents))
		chain := events.Bucket([]byte(chainID))
		if chain == nil {
			return nil
		}
		c := chain.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := chain.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// PruneAllOlderThanRetention runs PruneChainOlderThan across every
// chain bucket, using the ledger's configured retention window from now.
func (l *Ledger) PruneAllOlderThanRetention(now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -l.retentionDays)

	var chainIDs []string
	if err := l.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket([]byte(bucketEvents))
		return events.ForEach(func(k, v []byte) error {
			if v == nil { // nested bucket, not a direct key/value pair
				chainIDs = append(chainIDs, string(k))
			}
			return nil
		})
	}); err != nil {
		return 0, err
	}

	var total int
	for _, id := range chainIDs {
		n, err := l.PruneChainOlderThan(id, cutoff)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
