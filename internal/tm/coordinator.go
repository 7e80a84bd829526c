package tm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Aidin1998/rrsbridge/internal/native"
	"github.com/Aidin1998/rrsbridge/internal/transaction"
)

// GlobalState represents the state of a global transaction
type GlobalState string

const (
	GlobalActive    GlobalState = "ACTIVE"
	GlobalPreparing GlobalState = "PREPARING"
	GlobalCommitted GlobalState = "COMMITTED"
	GlobalAborted   GlobalState = "ABORTED"
	GlobalHeuristic GlobalState = "HEURISTIC"
)

// Global coordinates a global transaction.
type Global struct {
	ID        uuid.UUID
	CreatedAt time.Time
	TimeoutAt time.Time

	xid          transaction.XID
	rollbackOnly atomic.Bool

	mu        sync.Mutex
	state     GlobalState
	branches  []branch
	suspended bool
}

// branch is an enlisted resource and the name its decisions are logged under.
type branch struct {
	res  transaction.XAResource
	name string
}

var _ transaction.GlobalCoordinator = (*Global)(nil)

func (g *Global) String() string { return "global:" + g.ID.String() }

func (g *Global) XID() transaction.XID { return g.xid }

func (g *Global) RollbackOnly() bool { return g.rollbackOnly.Load() }

func (g *Global) SetRollbackOnly() { g.rollbackOnly.Store(true) }

// State returns the transaction's current state.
func (g *Global) State() GlobalState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Branches returns the number of enlisted resources.
func (g *Global) Branches() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.branches)
}

func (g *Global) snapshot() []branch {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]branch(nil), g.branches...)
}

func (g *Global) setState(s GlobalState) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// begin moves an active transaction to PREPARING.
func (g *Global) begin() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != GlobalActive {
		return fmt.Errorf("%s is %s", g, g.state)
	}
	g.state = GlobalPreparing
	return nil
}

// Local coordinates a local transaction containment boundary.
type Local struct {
	ID uuid.UUID

	action       native.Action
	rollbackOnly atomic.Bool
}

var _ transaction.LocalCoordinator = (*Local)(nil)

func (l *Local) String() string { return "local:" + l.ID.String() }

func (l *Local) RollbackOnly() bool { return l.rollbackOnly.Load() }

func (l *Local) SetRollbackOnly() { l.rollbackOnly.Store(true) }

func (l *Local) UnresolvedAction() native.Action { return l.action }
