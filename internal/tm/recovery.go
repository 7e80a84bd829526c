package tm

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Aidin1998/rrsbridge/internal/transaction"
)

// RecoveryResult summarises a recovery pass.
type RecoveryResult struct {
	Committed  int
	RolledBack int
	Failed     int
}

// Recover resolves the in-doubt branches reported by every registered
// resource. Branches with a logged commit decision are committed, all others
// are rolled back. A decision is forgotten once every resource it names has
// been recovered without error.
func (m *Manager) Recover(ctx context.Context) (res RecoveryResult, err error) {
	ctx, span := m.tracer.Start(ctx, "tm.recover")
	defer func() {
		span.SetAttributes(
			attribute.Int("tm.committed", res.Committed),
			attribute.Int("tm.rolled_back", res.RolledBack),
			attribute.Int("tm.failed", res.Failed))
		endSpan(span, err)
	}()

	decisions, err := m.log.Decisions(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to read decision log: %w", err)
	}
	byXID := make(map[string]Decision, len(decisions))
	for _, d := range decisions {
		byXID[decisionKey(d.XID)] = d
	}

	recovered := make(map[string]bool)
	failed := make(map[string]bool)
	for _, info := range m.registered() {
		xids, scanErr := info.res.Recover(ctx, transaction.XAFlagTMSTARTRSCAN|transaction.XAFlagTMENDRSCAN)
		if scanErr != nil {
			m.logger.Error("Recovery scan failed", zap.String("resource", info.name), zap.Error(scanErr))
			err = multierr.Append(err, fmt.Errorf("recover %s: %w", info.name, scanErr))
			continue
		}
		recovered[info.name] = true

		for _, xid := range xids {
			_, commit := byXID[decisionKey(xid)]
			var rErr error
			if commit {
				rErr = info.res.Commit(ctx, xid, false)
			} else {
				rErr = info.res.Rollback(ctx, xid)
			}
			m.logger.Info("Recovered branch",
				zap.String("resource", info.name),
				zap.Stringer("xid", xid),
				zap.Bool("commit", commit),
				zap.Error(rErr))

			switch {
			case rErr != nil:
				res.Failed++
				err = multierr.Append(err, rErr)
				failed[decisionKey(xid)] = true
			case commit:
				res.Committed++
			default:
				res.RolledBack++
			}
		}
	}

	for k, d := range byXID {
		if failed[k] || !complete(d, recovered) {
			continue
		}
		if fErr := m.log.Forget(ctx, d.XID); fErr != nil {
			err = multierr.Append(err, fmt.Errorf("forget decision %s: %w", d.XID, fErr))
		}
	}

	m.logger.Info("Recovery complete",
		zap.Int("committed", res.Committed),
		zap.Int("rolled_back", res.RolledBack),
		zap.Int("failed", res.Failed))
	return res, err
}

// complete reports whether every resource named by d was recovered.
func complete(d Decision, recovered map[string]bool) bool {
	for _, name := range d.Resources {
		if !recovered[name] {
			return false
		}
	}
	return true
}
