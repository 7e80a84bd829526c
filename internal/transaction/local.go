package transaction

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Aidin1998/rrsbridge/internal/native"
	"github.com/Aidin1998/rrsbridge/internal/nativectx"
	rrserrors "github.com/Aidin1998/rrsbridge/pkg/errors"
	"github.com/Aidin1998/rrsbridge/pkg/metrics"
)

// localEntry tracks a local transaction containment boundary.
type localEntry struct {
	coord LocalCoordinator
	// nativeEnlisted is set once the native resource was enlisted with the boundary.
	nativeEnlisted bool
	danglers       []OnePhaseResource
}

func (m *Manager) localEntryFor(coord LocalCoordinator) *localEntry {
	e, ok := m.local[coord]
	if !ok {
		e = &localEntry{coord: coord}
		m.local[coord] = e
	}
	return e
}

func (m *Manager) enlistLocal(coord LocalCoordinator) error {
	if coord.RollbackOnly() {
		return rrserrors.IllegalState.Explain("enlist %s: local transaction is rollback-only", coord)
	}
	m.mu.Lock()
	m.localEntryFor(coord).nativeEnlisted = true
	m.mu.Unlock()
	return nil
}

// EnlistForCleanup tracks res so it is resolved when coord ends.
func (m *Manager) EnlistForCleanup(ctx context.Context, coord LocalCoordinator, res OnePhaseResource) error {
	if _, err := m.admittingContexts("enlistForCleanup"); err != nil {
		return err
	}
	if coord.RollbackOnly() {
		return rrserrors.IllegalState.Explain("enlist %s for cleanup in %s: local transaction is rollback-only", res.Name(), coord)
	}

	m.mu.Lock()
	e := m.localEntryFor(coord)
	e.danglers = append(e.danglers, res)
	m.mu.Unlock()

	m.logger.Debug("Enlisted resource for cleanup",
		zap.Stringer("coordinator", coord), zap.String("resource", res.Name()))
	return nil
}

// Delist stops tracking res; the caller has resolved it.
func (m *Manager) Delist(ctx context.Context, coord LocalCoordinator, res OnePhaseResource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.local[coord]
	if !ok {
		return rrserrors.IllegalState.Explain("delist %s: %s has no local transaction", res.Name(), coord)
	}
	for i, r := range e.danglers {
		if r == res {
			e.danglers = append(e.danglers[:i], e.danglers[i+1:]...)
			return nil
		}
	}
	return rrserrors.IllegalState.Explain("delist %s: not enlisted in %s", res.Name(), coord)
}

// endLocal resolves coord's dangling resources per its unresolved action, or
// rolls them back when coord is rollback-only, then completes the native unit
// of recovery if the native resource took part.
func (m *Manager) endLocal(ctx context.Context, contexts *nativectx.Manager, coord LocalCoordinator) error {
	m.mu.Lock()
	e, ok := m.local[coord]
	delete(m.local, coord)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	rollbackOnly := coord.RollbackOnly()
	action := coord.UnresolvedAction()
	if rollbackOnly {
		action = native.ActionBackout
	}

	var failed []string
	for _, res := range e.danglers {
		var err error
		if action == native.ActionCommit {
			err = res.Commit(ctx)
		} else {
			err = res.Rollback(ctx)
		}
		if err != nil {
			m.logger.Error("Failed to resolve dangling resource",
				zap.Stringer("coordinator", coord),
				zap.String("resource", res.Name()),
				zap.Stringer("action", action),
				zap.Error(err))
			failed = append(failed, res.Name())
		}
	}

	var errs error
	if len(failed) > 0 {
		errs = rrserrors.InconsistentLocal.
			Explain("%s: %d of %d dangling resources failed to %s", coord, len(failed), len(e.danglers), action).
			WithResources(failed)
	}

	if !e.nativeEnlisted {
		return errs
	}

	urAction := native.ActionCommit
	if rollbackOnly {
		urAction = native.ActionBackout
	}
	token, _ := contexts.Token(coord)
	rc := m.port.EndUR(ctx, token, urAction)
	switch {
	case rc.OK():
		metrics.TransactionOutcomes.WithLabelValues(outcomeLabel(urAction == native.ActionCommit, nil)).Inc()
	case rc == native.RCBackedOut && urAction == native.ActionCommit:
		metrics.TransactionOutcomes.WithLabelValues("backed_out").Inc()
		errs = multierr.Append(errs, rrserrors.Rollback.Explain("local transaction %s backed out", coord).Wrap(native.Failure("endUR", rc)))
	default:
		metrics.NativeFailures.WithLabelValues("endUR").Inc()
		errs = multierr.Append(errs, native.Failure("endUR", rc))
	}
	m.logger.Debug("Ended local unit of recovery",
		zap.Stringer("coordinator", coord),
		zap.Stringer("action", urAction),
		zap.Stringer("rc", rc))
	return errs
}
