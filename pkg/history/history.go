// Package history persists an append-only ledger of backup pipeline
// runs in BoltDB, giving status() richer per-service outcome data than
// a directory listing of archives alone can provide.
package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/cuemby/vaultkeeper/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketRuns = []byte("runs")

// Store is a BoltDB-backed append-only ledger of HistoryRecord entries.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the history database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "vaultkeeper.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends one HistoryRecord, keyed by an auto-incrementing
// sequence number so entries sort in insertion order.
func (s *Store) Record(rec types.HistoryRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), data)
	})
}

// ForService returns every recorded run for service, most recent first.
func (s *Store) ForService(service string) ([]types.HistoryRecord, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	var out []types.HistoryRecord
	for _, r := range all {
		if r.Service == service {
			out = append(out, r)
		}
	}
	return out, nil
}

// All returns every recorded run, most recent first.
func (s *Store) All() ([]types.HistoryRecord, error) {
	var records []types.HistoryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		return b.ForEach(func(k, v []byte) error {
			var rec types.HistoryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // skip malformed entries rather than fail the whole scan
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	return records, nil
}

func sequenceKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
