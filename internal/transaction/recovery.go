package transaction

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Aidin1998/rrsbridge/internal/native"
	"github.com/Aidin1998/rrsbridge/internal/nativectx"
	"github.com/Aidin1998/rrsbridge/internal/rmname"
	rrserrors "github.com/Aidin1998/rrsbridge/pkg/errors"
	"github.com/Aidin1998/rrsbridge/pkg/metrics"
)

// restartRecord is an incomplete interest kept by the restart scan until the
// transaction manager's recovery resolves it.
type restartRecord struct {
	xid                  XID
	urID                 native.Token
	urToken              native.Token
	interest             native.Interest
	contextToken         native.Token
	contextRegistryToken native.Token
	state                native.URState
	heuristic            bool
}

// rmMetadata is stored with the registry between activations.
type rmMetadata struct {
	LogName     string `yaml:"log_name"`
	Activations int    `yaml:"activations"`
	InDoubt     int    `yaml:"in_doubt"`
}

// Activate registers the resource manager and runs restart processing. In
// doubt interests found by the scan are kept for the transaction manager's
// recovery; the manager is ready once the scan has run to completion.
func (m *Manager) Activate(ctx context.Context) (err error) {
	ctx, span := m.tracer.Start(ctx, "rrs.activate")
	defer func() { endSpan(span, err) }()

	m.mu.Lock()
	if m.state != stateInactive {
		m.mu.Unlock()
		return rrserrors.IllegalState.Explain("activate: resource manager already activated")
	}
	m.mu.Unlock()

	names, err := rmname.Load(m.cfg.RMNameLog, m.cfg.RMNamePrefix)
	if err != nil {
		return err
	}

	reg := m.port.RegisterResourceManager(ctx, names.RMName)
	if !reg.RC.OK() {
		metrics.NativeFailures.WithLabelValues("registerResourceManager").Inc()
		return native.Fatal("registerResourceManager", reg.RC)
	}
	span.SetAttributes(attribute.String("rrs.rm_name", names.RMName))

	m.mu.Lock()
	m.rmName = names.RMName
	m.rmToken = reg.RMToken
	m.rmRegistryToken = reg.RMRegistryToken
	m.mu.Unlock()

	records, err := m.restartRM(ctx, names, reg.RMToken)
	if err == nil {
		var id int64
		id, err = m.tm.RegisterResourceInfo(names.RMName, m.participant)
		if err != nil {
			err = fmt.Errorf("register resource info for %s: %w", names.RMName, err)
		}
		m.mu.Lock()
		m.recoveryID = id
		m.mu.Unlock()
	}
	if err != nil {
		if rc := m.port.UnregisterResourceManager(ctx, reg.RMToken); !rc.OK() {
			err = multierr.Append(err, native.Fatal("unregisterResourceManager", rc))
		}
		m.logger.Error("Activation failed", zap.String("rm_name", names.RMName), zap.Error(err))
		return err
	}

	m.mu.Lock()
	for _, rec := range records {
		m.restart[rec.xid.key()] = rec
	}
	m.contexts = nativectx.NewManager(m.port, reg.RMToken, m.logger)
	m.state = stateActive
	restartCount := len(m.restart)
	m.mu.Unlock()

	metrics.RestartRecords.Set(float64(restartCount))
	m.logger.Info("Native transaction manager active",
		zap.String("rm_name", names.RMName),
		zap.Int64("recovery_id", m.RecoveryID()),
		zap.Int("in_doubt", restartCount))
	return nil
}

func (m *Manager) restartRM(ctx context.Context, names *rmname.Record, rmToken native.Token) ([]*restartRecord, error) {
	for _, step := range []struct {
		call string
		fn   func(context.Context, native.Token) native.ReturnCode
	}{
		{"setExitInformation", m.port.SetExitInformation},
		{"setEnvironment", m.port.SetEnvironment},
		{"beginRestart", m.port.BeginRestart},
	} {
		if rc := step.fn(ctx, rmToken); !rc.OK() {
			metrics.NativeFailures.WithLabelValues(step.call).Inc()
			return nil, native.Fatal(step.call, rc)
		}
	}

	ln := m.port.RetrieveLogName(ctx, rmToken)
	if !ln.RC.OK() {
		return nil, native.Fatal("retrieveLogName", ln.RC)
	}
	switch ln.LogName {
	case "":
		if rc := m.port.SetLogName(ctx, rmToken, names.LogName); !rc.OK() {
			return nil, native.Fatal("setLogName", rc)
		}
	case names.LogName:
	default:
		return nil, rrserrors.Configuration.Explain("registry log name %s does not match %s", ln.LogName, names.LogName)
	}

	md := m.port.RetrieveRMMetadata(ctx, rmToken)
	if !md.RC.OK() {
		return nil, native.Fatal("retrieveRMMetadata", md.RC)
	}
	var meta rmMetadata
	if len(md.Metadata) > 0 {
		if err := yaml.Unmarshal(md.Metadata, &meta); err != nil {
			m.logger.Warn("Ignoring unreadable resource manager metadata", zap.Error(err))
			meta = rmMetadata{}
		}
	}

	records, err := m.scan(ctx, rmToken)
	if err != nil {
		return nil, err
	}

	if rc := m.port.EndRestart(ctx, rmToken); !rc.OK() {
		return nil, native.Fatal("endRestart", rc)
	}

	meta.LogName = names.LogName
	meta.Activations++
	meta.InDoubt = len(records)
	data, err := yaml.Marshal(&meta)
	if err != nil {
		return nil, fmt.Errorf("marshal resource manager metadata: %w", err)
	}
	if rc := m.port.SetRMMetadata(ctx, rmToken, data); !rc.OK() {
		return nil, native.Fatal("setRMMetadata", rc)
	}
	return records, nil
}

// scan retrieves incomplete interests until the registry reports none left.
// In doubt and heuristic interests are answered continue and recorded; the
// rest are answered complete.
func (m *Manager) scan(ctx context.Context, rmToken native.Token) ([]*restartRecord, error) {
	var records []*restartRecord
	for {
		ri := m.port.RetrieveURInterest(ctx, rmToken)
		if ri.RC == native.RCNoMoreIncompleteInterests {
			break
		}
		if !ri.RC.OK() {
			return nil, native.Fatal("retrieveURInterest", ri.RC)
		}

		rec := &restartRecord{
			urID:                 ri.URID,
			urToken:              ri.URToken,
			interest:             ri.Interest,
			contextToken:         ri.ContextToken,
			contextRegistryToken: ri.ContextRegistryToken,
			state:                ri.State,
		}

		wid := m.port.RetrieveWorkIdentifier(ctx, ri.Interest)
		if !wid.RC.OK() {
			return nil, native.Fatal("retrieveWorkIdentifier", wid.RC)
		}
		xid, err := ParseXID(wid.WorkID)
		if err != nil {
			return nil, rrserrors.Fatal.Explain("unit of recovery %s has no usable work identifier", ri.URID).Wrap(err)
		}
		rec.xid = xid

		side := m.port.RetrieveSideInformation(ctx, ri.Interest)
		if !side.RC.OK() {
			return nil, native.Fatal("retrieveSideInformation", side.RC)
		}
		rec.heuristic = side.Flags.Has(native.SideHeuristicMixed)

		response := native.RespondComplete
		if rec.state == native.URStateInDoubt || rec.heuristic {
			response = native.RespondContinue
		}
		if rc := m.port.RespondToRetrievedInterest(ctx, ri.Interest, response); !rc.OK() {
			return nil, native.Fatal("respondToRetrievedInterest", rc)
		}

		m.logger.Info("Retrieved incomplete interest",
			zap.Stringer("xid", rec.xid),
			zap.Stringer("urid", rec.urID),
			zap.Stringer("state", rec.state),
			zap.Bool("heuristic", rec.heuristic),
			zap.Bool("continue", response == native.RespondContinue))

		if response == native.RespondContinue {
			records = append(records, rec)
		}
	}
	return records, nil
}

// completeRestart resolves a restart record as directed by the transaction
// manager's recovery.
func (m *Manager) completeRestart(ctx context.Context, rec *restartRecord, commit bool) error {
	c := completion{commit: commit, xid: rec.xid}
	var rc native.ReturnCode
	if commit {
		c.call = "commitAgentUR"
		rc = m.port.CommitAgentUR(ctx, rec.interest)
	} else {
		c.call = "backoutAgentUR"
		rc = m.port.BackoutAgentUR(ctx, rec.interest)
	}

	settled, err := m.resolve(ctx, c, rec.interest, rc)
	if settled {
		m.dropRestart(rec)
	}
	m.logger.Info("Resolved in doubt unit of recovery",
		zap.Stringer("xid", rec.xid),
		zap.Bool("commit", commit),
		zap.Stringer("rc", rc),
		zap.Error(err))
	return err
}

func (m *Manager) dropRestart(rec *restartRecord) {
	m.mu.Lock()
	if m.restart[rec.xid.key()] == rec {
		delete(m.restart, rec.xid.key())
	}
	n := len(m.restart)
	m.mu.Unlock()
	metrics.RestartRecords.Set(float64(n))
}

// InDoubt returns the number of restart records awaiting resolution.
func (m *Manager) InDoubt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.restart)
}
