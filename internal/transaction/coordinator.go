package transaction

import (
	"context"
	"fmt"

	"github.com/Aidin1998/rrsbridge/internal/native"
)

// UOWCoordinator identifies a unit of work owned by the transaction manager.
// Implementations must be comparable; maps are keyed by coordinator identity.
type UOWCoordinator interface {
	fmt.Stringer
	RollbackOnly() bool
	SetRollbackOnly()
}

// GlobalCoordinator coordinates a global (XA) transaction.
type GlobalCoordinator interface {
	UOWCoordinator
	XID() XID
}

// LocalCoordinator coordinates a local transaction containment boundary.
type LocalCoordinator interface {
	UOWCoordinator
	// UnresolvedAction is the policy applied to resources still enlisted at LTC end.
	UnresolvedAction() native.Action
}

// OnePhaseResource is a resource enlisted for cleanup in a local transaction.
type OnePhaseResource interface {
	Name() string
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TransactionManager is the contract consumed from the transaction manager.
type TransactionManager interface {
	// RegisterResourceInfo registers the participant used to recover branches
	// of the named resource manager and returns its recovery id.
	RegisterResourceInfo(name string, res XAResource) (int64, error)
	// Enlist adds res to the global transaction coordinated by coord.
	Enlist(ctx context.Context, coord GlobalCoordinator, res XAResource, recoveryID int64) error
}

// Event is a unit of work lifecycle event dispatched by the transaction manager.
type Event int

const (
	EventPostBegin Event = iota
	EventSuspend
	EventResume
	EventPostEnd
)

var eventNames = [...]string{"POST_BEGIN", "SUSPEND", "RESUME", "POST_END"}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// EventListener receives unit of work lifecycle events.
type EventListener interface {
	OnEvent(ctx context.Context, event Event, coord UOWCoordinator) error
}
