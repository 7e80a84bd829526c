package transaction

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/rrsbridge/internal/native"
	rrserrors "github.com/Aidin1998/rrsbridge/pkg/errors"
	"github.com/Aidin1998/rrsbridge/pkg/metrics"
)

// Participant is the XA resource through which the transaction manager
// coordinates the registry's units of recovery. Branches are found by xid,
// among active global transactions first, then among restart records.
type Participant struct {
	m *Manager
}

var _ XAResource = (*Participant)(nil)

func (p *Participant) startSpan(ctx context.Context, op string, xid XID) (context.Context, trace.Span) {
	return p.m.tracer.Start(ctx, "xa."+op, trace.WithAttributes(
		attribute.String("xa.xid", xid.String()),
		attribute.String("rrs.rm_name", p.m.RMName()),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func notKnown(op string, xid XID) error {
	return xaError(XAErrorNOTA, rrserrors.IllegalState.Explain("%s not known", xid), "%s", op)
}

func protocol(op string, e *globalEntry) error {
	return xaError(XAErrorPROTO, rrserrors.IllegalState.Explain("%s in phase %s", e.xid, e.phase), "%s", op)
}

func beginFailed(op string, e *globalEntry) error {
	return xaError(XARBRollback, rrserrors.Rollback.Explain("native transaction for %s failed to begin", e.xid), "%s", op)
}

// Start associates the branch with the calling unit of work. The native
// transaction was begun at enlist, so only the branch state is checked.
func (p *Participant) Start(ctx context.Context, xid XID, flags XAFlag) error {
	e, _ := p.m.lookup(xid)
	if e == nil {
		return notKnown("start", xid)
	}
	if e.beginFailed {
		return beginFailed("start", e)
	}
	if e.phase != phaseActive {
		return protocol("start", e)
	}
	return nil
}

// End dissociates the branch. Unless the branch is only being suspended, this
// expresses the interest that later prepare and completion act on.
func (p *Participant) End(ctx context.Context, xid XID, flags XAFlag) error {
	e, _ := p.m.lookup(xid)
	if e == nil {
		return notKnown("end", xid)
	}
	if e.beginFailed {
		return beginFailed("end", e)
	}
	if e.phase != phaseActive {
		return protocol("end", e)
	}
	if flags == XAFlagTMSUSPEND || !e.interest.Token.IsZero() {
		return nil
	}
	return p.m.expressInterest(ctx, e)
}

// Prepare asks the registry to prepare the unit of recovery.
func (p *Participant) Prepare(ctx context.Context, xid XID) (vote XAErrorCode, err error) {
	ctx, span := p.startSpan(ctx, "prepare", xid)
	defer func() { endSpan(span, err) }()

	e, rec := p.m.lookup(xid)
	if e == nil {
		if rec != nil {
			return XAErrorRMERR, protocol("prepare", &globalEntry{xid: xid, phase: phasePrepared})
		}
		return XAErrorRMERR, notKnown("prepare", xid)
	}
	if e.beginFailed {
		p.m.retire(e)
		return XARBRollback, beginFailed("prepare", e)
	}
	if e.phase != phaseActive || e.interest.Token.IsZero() {
		return XAErrorPROTO, protocol("prepare", e)
	}

	rc := p.m.port.PrepareAgentUR(ctx, e.interest)
	switch {
	case rc == native.RCOK:
		e.phase = phasePrepared
		p.m.logger.Debug("Prepared native transaction", e.fields()...)
		return XAOK, nil
	case rc == native.RCForget:
		p.m.retire(e)
		metrics.TransactionOutcomes.WithLabelValues("read_only").Inc()
		return XARdOnly, nil
	case rc == native.RCBackedOut || rc == native.RCBackedOutOutcomePending:
		p.m.forgetInterest(ctx, e.interest, e.xid)
		p.m.retire(e)
		metrics.TransactionOutcomes.WithLabelValues("backed_out").Inc()
		return XARBRollback, xaError(XARBRollback, rrserrors.Rollback.Explain("%s backed out", e.xid), "prepareAgentUR returned %s", rc)
	case rc.Mixed():
		p.m.forgetInterest(ctx, e.interest, e.xid)
		p.m.retire(e)
		metrics.TransactionOutcomes.WithLabelValues("heuristic_mixed").Inc()
		return XAHeurMix, xaError(XAHeurMix, rrserrors.HeuristicMixed.Explain("%s outcome mixed", e.xid), "prepareAgentUR returned %s", rc)
	default:
		metrics.NativeFailures.WithLabelValues("prepareAgentUR").Inc()
		p.m.logger.Error("Failed to prepare native transaction", append(e.fields(), zap.Stringer("rc", rc))...)
		return XAErrorRMERR, xaError(XAErrorRMERR, native.Failure("prepareAgentUR", rc), "prepare %s", e.xid)
	}
}

// Commit commits the branch. A one phase commit delegates the whole decision
// to the registry.
func (p *Participant) Commit(ctx context.Context, xid XID, onePhase bool) (err error) {
	ctx, span := p.startSpan(ctx, "commit", xid)
	span.SetAttributes(attribute.Bool("xa.one_phase", onePhase))
	defer func() { endSpan(span, err) }()
	defer metrics.ObserveCompletion(time.Now())

	e, rec := p.m.lookup(xid)
	if e == nil {
		if rec != nil {
			return p.m.completeRestart(ctx, rec, true)
		}
		return notKnown("commit", xid)
	}
	if e.beginFailed {
		p.m.retire(e)
		return beginFailed("commit", e)
	}

	var rc native.ReturnCode
	c := completion{commit: true, xid: e.xid}
	state := native.URStateInDoubt
	if onePhase {
		if e.phase != phaseActive || e.interest.Token.IsZero() {
			return protocol("commit", e)
		}
		c.call = "delegateCommitAgentUR"
		state = native.URStateInFlight
		e.phase = phaseInCommit
		rc = p.m.port.DelegateCommitAgentUR(ctx, e.interest)
	} else {
		if e.phase != phasePrepared {
			return protocol("commit", e)
		}
		c.call = "commitAgentUR"
		e.phase = phaseInCommit
		rc = p.m.port.CommitAgentUR(ctx, e.interest)
	}

	settled, err := p.m.resolve(ctx, c, e.interest, rc)
	if settled {
		p.m.retire(e)
	} else {
		p.m.park(e, state)
	}
	p.m.logger.Info("Completed native transaction",
		append(e.fields(), zap.Bool("one_phase", onePhase), zap.Stringer("rc", rc), zap.Error(err))...)
	return err
}

// Rollback backs the branch out. A branch rolled back before End has its
// interest expressed first so the registry can be told.
func (p *Participant) Rollback(ctx context.Context, xid XID) (err error) {
	ctx, span := p.startSpan(ctx, "rollback", xid)
	defer func() { endSpan(span, err) }()
	defer metrics.ObserveCompletion(time.Now())

	e, rec := p.m.lookup(xid)
	if e == nil {
		if rec != nil {
			return p.m.completeRestart(ctx, rec, false)
		}
		return notKnown("rollback", xid)
	}
	if e.beginFailed {
		p.m.retire(e)
		return nil
	}
	if e.phase != phaseActive && e.phase != phasePrepared && e.phase != phaseInCommit {
		return protocol("rollback", e)
	}
	if e.interest.Token.IsZero() {
		if err := p.m.expressInterest(ctx, e); err != nil {
			return err
		}
	}

	state := native.URStateInFlight
	if e.phase == phasePrepared || e.phase == phaseInCommit {
		state = native.URStateInDoubt
	}
	e.phase = phaseInBackout
	rc := p.m.port.BackoutAgentUR(ctx, e.interest)
	settled, err := p.m.resolve(ctx, completion{commit: false, call: "backoutAgentUR", xid: e.xid}, e.interest, rc)
	if settled {
		p.m.retire(e)
	} else {
		p.m.park(e, state)
	}
	p.m.logger.Info("Backed out native transaction",
		append(e.fields(), zap.Stringer("rc", rc), zap.Error(err))...)
	return err
}

// Forget releases a branch that completed heuristically.
func (p *Participant) Forget(ctx context.Context, xid XID) error {
	e, rec := p.m.lookup(xid)
	switch {
	case e != nil:
		if !e.interest.Token.IsZero() {
			p.m.forgetInterest(ctx, e.interest, e.xid)
		}
		p.m.retire(e)
		return nil
	case rec != nil:
		p.m.forgetInterest(ctx, rec.interest, rec.xid)
		p.m.dropRestart(rec)
		return nil
	default:
		return notKnown("forget", xid)
	}
}

// Recover returns the in-doubt branches found by the restart scan and those
// whose completion outcome is still unknown.
func (p *Participant) Recover(ctx context.Context, flags XAFlag) ([]XID, error) {
	if flags == XAFlagTMENDRSCAN {
		return nil, nil
	}

	p.m.mu.Lock()
	defer p.m.mu.Unlock()

	xids := make([]XID, 0, len(p.m.restart))
	for _, rec := range p.m.restart {
		xids = append(xids, rec.xid)
	}
	sort.Slice(xids, func(i, j int) bool { return xids[i].key() < xids[j].key() })
	return xids, nil
}

// IsSameRM reports whether other drives the same registered resource manager.
func (p *Participant) IsSameRM(other XAResource) bool {
	o, ok := other.(*Participant)
	if !ok {
		return false
	}
	return o == p || (o.m.RMName() != "" && o.m.RMName() == p.m.RMName())
}

func (p *Participant) GetTransactionTimeout() time.Duration {
	return p.m.transactionTimeout()
}

func (p *Participant) SetTransactionTimeout(timeout time.Duration) bool {
	if timeout < 0 {
		return false
	}
	p.m.setTransactionTimeout(timeout)
	return true
}

func (p *Participant) GetResourceName() string {
	return p.m.RMName()
}
