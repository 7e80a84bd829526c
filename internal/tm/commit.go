package tm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Aidin1998/rrsbridge/internal/transaction"
	rrserrors "github.com/Aidin1998/rrsbridge/pkg/errors"
)

func (m *Manager) startSpan(ctx context.Context, op string, g *Global) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "tm."+op, trace.WithAttributes(
		attribute.String("tm.coordinator", g.String()),
		attribute.String("xa.xid", g.xid.String()),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Commit completes g. A single branch is committed in one phase; more
// branches go through prepare, a logged commit decision and commit. A
// rollback-only or timed out transaction is rolled back and reported as a
// Rollback error. POST_END is dispatched before Commit returns.
func (m *Manager) Commit(ctx context.Context, g *Global) (err error) {
	ctx, span := m.startSpan(ctx, "commit", g)
	defer func() { endSpan(span, err) }()

	if err := g.begin(); err != nil {
		return rrserrors.IllegalState.Explain("commit: %v", err)
	}
	defer func() { err = multierr.Append(err, m.end(ctx, g)) }()

	branches := g.snapshot()
	span.SetAttributes(attribute.Int("tm.branches", len(branches)))

	switch {
	case g.RollbackOnly():
		return m.abort(ctx, g, branches, rrserrors.Rollback.Explain("%s is marked rollback-only", g))
	case !g.TimeoutAt.IsZero() && time.Now().After(g.TimeoutAt):
		return m.abort(ctx, g, branches, rrserrors.Rollback.Explain("%s timed out", g))
	}

	for _, b := range branches {
		if err := b.res.End(ctx, g.xid, transaction.XAFlagTMSUCCESS); err != nil {
			return m.abort(ctx, g, branches, rrserrors.Rollback.Explain("end branch %s", b.name).Wrap(err))
		}
	}

	switch len(branches) {
	case 0:
		g.setState(GlobalCommitted)
		return nil
	case 1:
		return m.commitOnePhase(ctx, g, branches[0])
	}

	prepared, err := m.prepare(ctx, g, branches)
	if err != nil {
		return err
	}
	if len(prepared) == 0 {
		g.setState(GlobalCommitted)
		m.logger.Info("Transaction read-only", zap.Stringer("coordinator", g))
		return nil
	}

	d := Decision{XID: g.xid, DecidedAt: time.Now()}
	for _, b := range prepared {
		d.Resources = append(d.Resources, b.name)
	}
	if err := m.log.LogCommit(ctx, d); err != nil {
		return m.rollbackBranches(ctx, g, prepared, rrserrors.Rollback.Explain("log commit decision for %s", g).Wrap(err))
	}

	return m.commit(ctx, g, prepared)
}

func (m *Manager) commitOnePhase(ctx context.Context, g *Global, b branch) error {
	err := b.res.Commit(ctx, g.xid, true)
	switch transaction.XACodeOf(err) {
	case transaction.XAOK:
		g.setState(GlobalCommitted)
	case transaction.XARBRollback:
		g.setState(GlobalAborted)
	default:
		g.setState(GlobalHeuristic)
	}
	m.logger.Info("One-phase commit",
		zap.Stringer("coordinator", g),
		zap.String("resource", b.name),
		zap.Error(err))
	return err
}

// prepare asks every branch to vote. Read-only branches drop out; any other
// vote than XA_OK rolls the transaction back.
func (m *Manager) prepare(ctx context.Context, g *Global, branches []branch) ([]branch, error) {
	var prepared []branch
	for i, b := range branches {
		vote, err := b.res.Prepare(ctx, g.xid)
		if err == nil && vote == transaction.XARdOnly {
			m.logger.Debug("Resource voted read-only",
				zap.Stringer("coordinator", g),
				zap.String("resource", b.name))
			continue
		}
		if err != nil || vote != transaction.XAOK {
			m.logger.Warn("Resource voted to abort",
				zap.Stringer("coordinator", g),
				zap.String("resource", b.name),
				zap.Stringer("vote", vote),
				zap.Error(err))
			cause := rrserrors.Rollback.Explain("resource %s voted %s", b.name, vote)
			if err != nil {
				cause = cause.Wrap(err)
			}
			undecided := append([]branch(nil), prepared...)
			if vote != transaction.XARBRollback && vote != transaction.XAHeurMix {
				undecided = append(undecided, b)
			}
			undecided = append(undecided, branches[i+1:]...)
			return nil, m.rollbackBranches(ctx, g, undecided, cause)
		}
		prepared = append(prepared, b)
	}
	return prepared, nil
}

func (m *Manager) commit(ctx context.Context, g *Global, prepared []branch) error {
	var errs error
	unknown := false
	for _, b := range prepared {
		err := b.res.Commit(ctx, g.xid, false)
		if err == nil {
			continue
		}
		m.logger.Error("Commit failed",
			zap.Stringer("coordinator", g),
			zap.String("resource", b.name),
			zap.Error(err))
		errs = multierr.Append(errs, err)
		if code := transaction.XACodeOf(err); code == transaction.XAErrorRMERR || code == transaction.XAErrorRMFAIL {
			unknown = true
		}
	}

	if unknown {
		// Keep the decision; recovery finishes the branches.
		g.setState(GlobalHeuristic)
		return errs
	}
	if err := m.log.Forget(ctx, g.xid); err != nil {
		m.logger.Warn("Failed to forget commit decision", zap.Stringer("xid", g.xid), zap.Error(err))
	}
	if errs != nil {
		g.setState(GlobalHeuristic)
		return errs
	}
	g.setState(GlobalCommitted)
	m.logger.Info("Transaction committed", zap.Stringer("coordinator", g), zap.Int("resources", len(prepared)))
	return nil
}

// Rollback backs g out. POST_END is dispatched before Rollback returns.
func (m *Manager) Rollback(ctx context.Context, g *Global) (err error) {
	ctx, span := m.startSpan(ctx, "rollback", g)
	defer func() { endSpan(span, err) }()

	if err := g.begin(); err != nil {
		return rrserrors.IllegalState.Explain("rollback: %v", err)
	}
	defer func() { err = multierr.Append(err, m.end(ctx, g)) }()

	return m.abort(ctx, g, g.snapshot(), nil)
}

// abort ends every branch with TMFAIL and rolls them back. reason, when set,
// is returned along with any rollback failures.
func (m *Manager) abort(ctx context.Context, g *Global, branches []branch, reason error) error {
	for _, b := range branches {
		if err := b.res.End(ctx, g.xid, transaction.XAFlagTMFAIL); err != nil {
			m.logger.Debug("End before rollback failed",
				zap.Stringer("coordinator", g),
				zap.String("resource", b.name),
				zap.Error(err))
		}
	}
	return m.rollbackBranches(ctx, g, branches, reason)
}

func (m *Manager) rollbackBranches(ctx context.Context, g *Global, branches []branch, reason error) error {
	err := reason
	heuristic := false
	for _, b := range branches {
		rbErr := b.res.Rollback(ctx, g.xid)
		if rbErr == nil {
			continue
		}
		m.logger.Error("Rollback failed",
			zap.Stringer("coordinator", g),
			zap.String("resource", b.name),
			zap.Error(rbErr))
		err = multierr.Append(err, rbErr)
		heuristic = true
	}
	if heuristic {
		g.setState(GlobalHeuristic)
	} else {
		g.setState(GlobalAborted)
	}
	m.logger.Info("Transaction aborted", zap.Stringer("coordinator", g), zap.Error(err))
	return err
}
