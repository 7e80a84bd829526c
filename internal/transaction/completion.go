package transaction

import (
	"context"

	"go.uber.org/zap"

	"github.com/Aidin1998/rrsbridge/internal/native"
	rrserrors "github.com/Aidin1998/rrsbridge/pkg/errors"
	"github.com/Aidin1998/rrsbridge/pkg/metrics"
)

// completion is the outcome of commitAgentUR, backoutAgentUR or delegateCommitAgentUR.
type completion struct {
	commit bool
	call   string
	xid    XID
}

// resolve maps the completion return code to the XA outcome, releasing the
// interest once the outcome is known. settled is false when the outcome is
// unknown and the interest is kept for a retry.
func (m *Manager) resolve(ctx context.Context, c completion, interest native.Interest, rc native.ReturnCode) (settled bool, err error) {
	forget := true
	switch rc {
	case native.RCOK:
	case native.RCForget:
		forget = false
	case native.RCBackedOut, native.RCBackedOutOutcomePending:
		if c.commit {
			err = xaError(XARBRollback, rrserrors.Rollback.Explain("%s backed out", c.xid), "%s returned %s", c.call, rc)
		}
	case native.RCCommittedOutcomePending:
		if !c.commit {
			err = xaError(XAHeurCom, rrserrors.HeuristicCommit.Explain("%s committed", c.xid), "%s returned %s", c.call, rc)
		}
	case native.RCBackedOutOutcomeMixed, native.RCCommittedOutcomeMixed:
		err = xaError(XAHeurMix, rrserrors.HeuristicMixed.Explain("%s outcome mixed", c.xid), "%s returned %s", c.call, rc)
	case native.RCInvalidToken:
		if c.commit {
			return false, xaError(XAErrorRMERR, native.Failure(c.call, rc), "complete %s", c.xid)
		}
		// The registry released the interest when it backed the unit of recovery out.
		forget = false
	case native.RCURStateError:
		var ok bool
		if ok, err = m.diagnose(ctx, c, interest); !ok {
			return false, err
		}
	default:
		metrics.NativeFailures.WithLabelValues(c.call).Inc()
		m.logger.Error("Unit of recovery completion failed",
			zap.Stringer("xid", c.xid), zap.String("call", c.call), zap.Stringer("rc", rc))
		return false, xaError(XAErrorRMERR, native.Failure(c.call, rc), "complete %s", c.xid)
	}

	if forget {
		m.forgetInterest(ctx, interest, c.xid)
	}
	metrics.TransactionOutcomes.WithLabelValues(outcomeLabel(c.commit, err)).Inc()
	return true, err
}

// diagnose determines the outcome of a unit of recovery that was resolved
// asynchronously, from its unit of recovery data and side information.
func (m *Manager) diagnose(ctx context.Context, c completion, interest native.Interest) (bool, error) {
	data := m.port.RetrieveURData(ctx, interest)
	if !data.RC.OK() {
		metrics.NativeFailures.WithLabelValues("retrieveURData").Inc()
		return false, xaError(XAErrorRMERR, native.Failure("retrieveURData", data.RC), "diagnose %s", c.xid)
	}
	side := m.port.RetrieveSideInformation(ctx, interest)
	if !side.RC.OK() {
		metrics.NativeFailures.WithLabelValues("retrieveSideInformation").Inc()
		return false, xaError(XAErrorRMERR, native.Failure("retrieveSideInformation", side.RC), "diagnose %s", c.xid)
	}

	m.logger.Warn("Unit of recovery resolved asynchronously",
		zap.Stringer("xid", c.xid),
		zap.Stringer("urid", data.URID),
		zap.Stringer("state", data.State),
		zap.Stringer("side", side.Flags))

	switch {
	case side.Flags.Has(native.SideHeuristicMixed):
		return true, xaError(XAHeurMix, rrserrors.HeuristicMixed.Explain("%s outcome mixed", c.xid), "%s returned %s", c.call, native.RCURStateError)
	case side.Flags.Has(native.SideCommitted):
		if c.commit {
			return true, nil
		}
		return true, xaError(XAHeurCom, rrserrors.HeuristicCommit.Explain("%s committed", c.xid), "%s returned %s", c.call, native.RCURStateError)
	default:
		if c.commit {
			return true, xaError(XARBRollback, rrserrors.Rollback.Explain("%s backed out", c.xid), "%s returned %s", c.call, native.RCURStateError)
		}
		return true, nil
	}
}

func outcomeLabel(commit bool, err error) string {
	switch XACodeOf(err) {
	case XAOK:
		if commit {
			return "committed"
		}
		return "backed_out"
	case XARBRollback:
		return "backed_out"
	case XAHeurMix:
		return "heuristic_mixed"
	case XAHeurCom:
		return "heuristic_commit"
	default:
		return "failed"
	}
}
