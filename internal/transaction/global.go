package transaction

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Aidin1998/rrsbridge/internal/native"
	"github.com/Aidin1998/rrsbridge/internal/nativectx"
	rrserrors "github.com/Aidin1998/rrsbridge/pkg/errors"
	"github.com/Aidin1998/rrsbridge/pkg/metrics"
)

// phase is the state of a global transaction branch
type phase string

const (
	phaseActive    phase = "ACTIVE"
	phasePrepared  phase = "PREPARED"
	phaseInCommit  phase = "IN_COMMIT"
	phaseInBackout phase = "IN_BACKOUT"
	phaseInForget  phase = "IN_FORGET"
)

// globalEntry tracks the native unit of recovery of one global transaction.
type globalEntry struct {
	coord GlobalCoordinator
	xid   XID
	phase phase

	urToken              native.Token
	urID                 native.Token
	interest             native.Interest
	contextRegistryToken native.Token
	rmRegistryToken      native.Token

	// beginFailed is set when the native transaction could not be started.
	beginFailed bool
}

func (e *globalEntry) fields() []zap.Field {
	return []zap.Field{
		zap.Stringer("coordinator", e.coord),
		zap.Stringer("xid", e.xid),
		zap.Stringer("urid", e.urID),
		zap.String("phase", string(e.phase)),
	}
}

func (m *Manager) enlistGlobal(ctx context.Context, contexts *nativectx.Manager, coord GlobalCoordinator) error {
	if err := coord.XID().Validate(); err != nil {
		return xaError(XAErrorINVAL, rrserrors.IllegalState.Explain("enlist %s", coord).Wrap(err), "enlist %s", coord)
	}

	m.mu.Lock()
	if e, ok := m.global[coord]; ok {
		m.mu.Unlock()
		if e.beginFailed {
			return rrserrors.Rollback.Explain("enlist %s: native transaction failed to begin", coord)
		}
		return nil
	}
	c := contexts.Context(coord)
	if c == nil {
		m.mu.Unlock()
		return rrserrors.IllegalState.Explain("enlist %s: unit of work has no context", coord)
	}
	e := &globalEntry{
		coord:                coord,
		xid:                  coord.XID(),
		phase:                phaseActive,
		contextRegistryToken: c.RegistryToken(),
		rmRegistryToken:      m.rmRegistryToken,
	}
	m.global[coord] = e
	m.xids[e.xid.key()] = e
	recoveryID := m.recoveryID
	m.mu.Unlock()

	res := m.port.BeginTransaction(ctx, native.BeginGlobal)
	if !res.RC.OK() {
		return m.failBegin(e, "beginTransaction", res.RC)
	}
	e.urToken, e.urID = res.URToken, res.URID

	if rc := m.port.SetWorkIdentifier(ctx, e.urToken, e.xid.Bytes()); !rc.OK() {
		return m.failBegin(e, "setWorkIdentifier", rc)
	}

	m.logger.Info("Began native transaction", e.fields()...)

	if err := m.tm.Enlist(ctx, coord, m.participant, recoveryID); err != nil {
		return fmt.Errorf("enlist %s with transaction manager: %w", coord, err)
	}
	return nil
}

// failBegin marks e failed and its coordinator rollback-only. The entry stays
// until the unit of work ends so later enlists and the commit fail too.
func (m *Manager) failBegin(e *globalEntry, call string, rc native.ReturnCode) error {
	m.mu.Lock()
	e.beginFailed = true
	m.mu.Unlock()

	e.coord.SetRollbackOnly()
	metrics.NativeFailures.WithLabelValues(call).Inc()
	metrics.TransactionOutcomes.WithLabelValues("begin_failed").Inc()
	m.logger.Error("Failed to begin native transaction",
		append(e.fields(), zap.String("call", call), zap.Stringer("rc", rc))...)

	return rrserrors.Rollback.Explain("begin native transaction for %s", e.coord).Wrap(native.Failure(call, rc))
}

// discardGlobal drops whatever is left of coord's global entry.
func (m *Manager) discardGlobal(coord UOWCoordinator) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.global[coord]
	if !ok {
		return
	}
	delete(m.global, coord)
	if m.xids[e.xid.key()] == e {
		delete(m.xids, e.xid.key())
	}
	if !e.beginFailed {
		m.logger.Warn("Global transaction entry outlived its unit of work", e.fields()...)
	}
}

// retire removes a completed entry.
func (m *Manager) retire(e *globalEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.phase = phaseInForget
	if m.global[e.coord] == e {
		delete(m.global, e.coord)
	}
	if m.xids[e.xid.key()] == e {
		delete(m.xids, e.xid.key())
	}
}

// park turns an entry whose completion outcome is unknown into a restart
// record, so the branch stays visible to recovery after its unit of work ends.
// The interest is kept until a later completion reports the outcome.
func (m *Manager) park(e *globalEntry, state native.URState) {
	rec := &restartRecord{
		xid:                  e.xid,
		urID:                 e.urID,
		urToken:              e.urToken,
		interest:             e.interest,
		contextRegistryToken: e.contextRegistryToken,
		state:                state,
	}

	m.mu.Lock()
	if m.global[e.coord] == e {
		delete(m.global, e.coord)
	}
	if m.xids[e.xid.key()] == e {
		delete(m.xids, e.xid.key())
	}
	m.restart[rec.xid.key()] = rec
	n := len(m.restart)
	m.mu.Unlock()

	metrics.RestartRecords.Set(float64(n))
	m.logger.Warn("Completion outcome unknown, branch left for recovery", e.fields()...)
}

func (m *Manager) lookup(xid XID) (*globalEntry, *restartRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := xid.key()
	if e, ok := m.xids[key]; ok {
		return e, nil
	}
	return nil, m.restart[key]
}

// expressInterest registers this resource manager's interest in e's unit of
// recovery and establishes its syncpoint controls.
func (m *Manager) expressInterest(ctx context.Context, e *globalEntry) error {
	contexts, err := m.activeContexts("expressInterest")
	if err != nil {
		return xaError(XAErrorRMFAIL, err, "express interest for %s", e.xid)
	}
	token, ok := contexts.Token(e.coord)
	if !ok {
		return xaError(XAErrorPROTO, rrserrors.IllegalState.Explain("%s has no context", e.coord), "express interest for %s", e.xid)
	}

	res := m.port.ExpressURInterest(ctx, e.rmRegistryToken, token, true)
	if !res.RC.OK() {
		metrics.NativeFailures.WithLabelValues("expressURInterest").Inc()
		return xaError(XAErrorRMERR, native.Failure("expressURInterest", res.RC), "express interest for %s", e.xid)
	}
	e.interest = res.Interest

	controls := native.SyncpointControls{PrepareOK: true, CommitOK: true, BackoutOK: true, SDSRM: true}
	if rc := m.port.SetSyncpointControls(ctx, e.interest, controls); !rc.OK() {
		metrics.NativeFailures.WithLabelValues("setSyncpointControls").Inc()
		return xaError(XAErrorRMERR, native.Failure("setSyncpointControls", rc), "set syncpoint controls for %s", e.xid)
	}

	m.logger.Debug("Expressed interest", append(e.fields(), zap.Stringer("interest", e.interest.Token))...)
	return nil
}

// forgetInterest releases an interest whose outcome has been reported.
func (m *Manager) forgetInterest(ctx context.Context, interest native.Interest, xid XID) {
	if rc := m.port.ForgetAgentURInterest(ctx, interest); !rc.OK() {
		metrics.NativeFailures.WithLabelValues("forgetAgentURInterest").Inc()
		m.logger.Warn("Failed to forget interest",
			zap.Stringer("xid", xid),
			zap.Stringer("interest", interest.Token),
			zap.Stringer("rc", rc))
	}
}
