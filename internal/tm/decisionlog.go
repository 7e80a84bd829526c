package tm

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/Aidin1998/rrsbridge/internal/transaction"
)

// Decision is a logged commit decision. Absence of a decision means abort.
type Decision struct {
	XID       transaction.XID `json:"xid"`
	Resources []string        `json:"resources"`
	DecidedAt time.Time       `json:"decided_at"`
}

// DecisionLog records commit decisions between the prepare and commit phases.
type DecisionLog interface {
	LogCommit(ctx context.Context, d Decision) error
	Forget(ctx context.Context, xid transaction.XID) error
	Decisions(ctx context.Context) ([]Decision, error)
}

func decisionKey(xid transaction.XID) string {
	return hex.EncodeToString(xid.Bytes())
}

// MemoryDecisionLog keeps decisions for the life of the process.
type MemoryDecisionLog struct {
	mu        sync.Mutex
	decisions map[string]Decision
}

func NewMemoryDecisionLog() *MemoryDecisionLog {
	return &MemoryDecisionLog{decisions: make(map[string]Decision)}
}

func (l *MemoryDecisionLog) LogCommit(ctx context.Context, d Decision) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decisions[decisionKey(d.XID)] = d
	return nil
}

func (l *MemoryDecisionLog) Forget(ctx context.Context, xid transaction.XID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.decisions, decisionKey(xid))
	return nil
}

func (l *MemoryDecisionLog) Decisions(ctx context.Context) ([]Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Decision, 0, len(l.decisions))
	for _, d := range l.decisions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return decisionKey(out[i].XID) < decisionKey(out[j].XID) })
	return out, nil
}

const decisionPrefix = "decision:"

// BadgerDecisionLog persists decisions in BadgerDB.
type BadgerDecisionLog struct {
	db *badger.DB
}

// OpenBadgerDecisionLog opens the decision log at path, or in memory when path is empty.
func OpenBadgerDecisionLog(path string) (*BadgerDecisionLog, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open decision log: %w", err)
	}
	return &BadgerDecisionLog{db: db}, nil
}

func (l *BadgerDecisionLog) LogCommit(ctx context.Context, d Decision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(decisionPrefix+decisionKey(d.XID)), data)
	})
}

func (l *BadgerDecisionLog) Forget(ctx context.Context, xid transaction.XID) error {
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(decisionPrefix + decisionKey(xid)))
	})
}

func (l *BadgerDecisionLog) Decisions(ctx context.Context) ([]Decision, error) {
	var out []Decision
	prefix := []byte(decisionPrefix)
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var d Decision
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &d)
			}); err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

func (l *BadgerDecisionLog) Close() error {
	return l.db.Close()
}
