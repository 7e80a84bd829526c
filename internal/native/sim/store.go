package sim

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"github.com/Aidin1998/rrsbridge/internal/native"
)

// rmRecord is the registry's persistent view of a resource manager.
type rmRecord struct {
	LogName  string `json:"log_name"`
	Metadata []byte `json:"metadata,omitempty"`
}

// urRecord is a unit of recovery whose outcome must survive a restart.
type urRecord struct {
	URID      []byte         `json:"urid"`
	WorkID    []byte         `json:"work_id,omitempty"`
	State     native.URState `json:"state"`
	Committed bool           `json:"committed"`
	Heuristic bool           `json:"heuristic"`
}

// store persists registry state in BadgerDB.
type store struct {
	db *badger.DB
}

func openStore(path string, inMemory bool) (*store, error) {
	opts := badger.DefaultOptions(path)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry store: %w", err)
	}
	return &store{db: db}, nil
}

func rmKey(name string) []byte { return []byte("rm:" + name) }

func urPrefix(rmName string) []byte { return []byte("ur:" + rmName + ":") }

func urKey(rmName string, urid native.Token) []byte {
	return append(urPrefix(rmName), []byte(urid.String())...)
}

func (s *store) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (s *store) delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (s *store) loadRM(name string) (rmRecord, error) {
	var rec rmRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(rmKey(name))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rmRecord{}, nil
	}
	return rec, err
}

func (s *store) saveRM(name string, rec rmRecord) error {
	return s.put(rmKey(name), rec)
}

func (s *store) saveUR(rmName string, rec urRecord) error {
	return s.put(urKey(rmName, rec.URID), rec)
}

func (s *store) deleteUR(rmName string, urid native.Token) error {
	return s.delete(urKey(rmName, urid))
}

// loadURs returns rmName's persisted units of recovery in key order.
func (s *store) loadURs(rmName string) ([]urRecord, error) {
	var recs []urRecord
	prefix := urPrefix(rmName)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec urRecord
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}

func (s *store) close() error {
	return s.db.Close()
}
