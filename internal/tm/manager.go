// Package tm is a small embeddable transaction manager. It begins global and
// local units of work, dispatches their lifecycle events to listeners, drives
// enlisted XA resources through two-phase commit and recovers in-doubt
// branches at startup from its decision log (presumed abort).
package tm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Aidin1998/rrsbridge/internal/native"
	"github.com/Aidin1998/rrsbridge/internal/transaction"
	rrserrors "github.com/Aidin1998/rrsbridge/pkg/errors"
)

const tracerName = "github.com/Aidin1998/rrsbridge/internal/tm"

// Config holds transaction manager settings.
type Config struct {
	// DefaultTimeout bounds how long a global transaction may stay active. Zero disables it.
	DefaultTimeout time.Duration
}

type resourceInfo struct {
	name string
	res  transaction.XAResource
}

// Manager coordinates units of work.
type Manager struct {
	cfg    Config
	log    DecisionLog
	logger *zap.Logger
	tracer trace.Tracer

	mu        sync.RWMutex
	listeners []transaction.EventListener
	resources map[int64]resourceInfo
	byName    map[string]int64
	nextID    int64
	active    map[*Global]struct{}
	branchSeq atomic.Uint64
}

var _ transaction.TransactionManager = (*Manager)(nil)

// NewManager creates a transaction manager logging its decisions to log.
func NewManager(cfg Config, log DecisionLog, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if log == nil {
		log = NewMemoryDecisionLog()
	}
	return &Manager{
		cfg:       cfg,
		log:       log,
		logger:    logger.Named("tm"),
		tracer:    otel.Tracer(tracerName),
		resources: make(map[int64]resourceInfo),
		byName:    make(map[string]int64),
		active:    make(map[*Global]struct{}),
	}
}

// AddListener registers l for unit of work events. Listeners are called in
// registration order.
func (m *Manager) AddListener(l transaction.EventListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// RegisterResourceInfo registers res for recovery under name. Registering a
// name again replaces the resource and keeps its recovery id.
func (m *Manager) RegisterResourceInfo(name string, res transaction.XAResource) (int64, error) {
	if name == "" || res == nil {
		return 0, rrserrors.IllegalState.Explain("register resource: name and resource are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byName[name]
	if !ok {
		m.nextID++
		id = m.nextID
		m.byName[name] = id
	}
	m.resources[id] = resourceInfo{name: name, res: res}

	m.logger.Info("Registered resource", zap.String("resource", name), zap.Int64("recovery_id", id))
	return id, nil
}

// Begin starts a global transaction on ctx's thread.
func (m *Manager) Begin(ctx context.Context) (*Global, error) {
	id := uuid.New()
	now := time.Now()
	g := &Global{
		ID:        id,
		CreatedAt: now,
		state:     GlobalActive,
		xid: transaction.XID{
			FormatID:     1,
			GlobalTxnID:  id[:],
			BranchQualID: []byte(fmt.Sprintf("branch-%d", m.branchSeq.Add(1))),
		},
	}
	if m.cfg.DefaultTimeout > 0 {
		g.TimeoutAt = now.Add(m.cfg.DefaultTimeout)
	}

	m.mu.Lock()
	m.active[g] = struct{}{}
	m.mu.Unlock()

	if err := m.dispatch(ctx, transaction.EventPostBegin, g); err != nil {
		g.setState(GlobalAborted)
		return nil, multierr.Append(fmt.Errorf("begin %s: %w", g, err), m.end(ctx, g))
	}

	m.logger.Info("Started global transaction",
		zap.Stringer("coordinator", g),
		zap.Stringer("xid", g.xid),
		zap.Time("timeout_at", g.TimeoutAt))
	return g, nil
}

// BeginLocal starts a local transaction containment boundary. Resources left
// unresolved when it ends are completed with action.
func (m *Manager) BeginLocal(ctx context.Context, action native.Action) (*Local, error) {
	l := &Local{ID: uuid.New(), action: action}
	if err := m.dispatch(ctx, transaction.EventPostBegin, l); err != nil {
		return nil, multierr.Append(fmt.Errorf("begin %s: %w", l, err), m.dispatch(ctx, transaction.EventPostEnd, l))
	}
	m.logger.Debug("Started local transaction", zap.Stringer("coordinator", l))
	return l, nil
}

// EndLocal ends l. Call SetRollbackOnly first to back its work out.
func (m *Manager) EndLocal(ctx context.Context, l *Local) error {
	err := m.dispatch(ctx, transaction.EventPostEnd, l)
	m.logger.Debug("Ended local transaction",
		zap.Stringer("coordinator", l),
		zap.Bool("rollback_only", l.RollbackOnly()),
		zap.Error(err))
	return err
}

// Enlist adds res to the global transaction coordinated by coord and starts
// its branch. Enlisting the same resource manager twice is a no-op.
func (m *Manager) Enlist(ctx context.Context, coord transaction.GlobalCoordinator, res transaction.XAResource, recoveryID int64) error {
	g, ok := coord.(*Global)
	if !ok {
		return rrserrors.IllegalState.Explain("enlist: %s was not begun by this transaction manager", coord)
	}

	m.mu.RLock()
	info, known := m.resources[recoveryID]
	m.mu.RUnlock()
	if !known {
		return rrserrors.IllegalState.Explain("enlist %s: unknown recovery id %d", res.GetResourceName(), recoveryID)
	}

	g.mu.Lock()
	if g.state != GlobalActive {
		g.mu.Unlock()
		return rrserrors.IllegalState.Explain("enlist %s: %s is %s", info.name, g, g.state)
	}
	for _, b := range g.branches {
		if b.res == res || b.res.IsSameRM(res) {
			g.mu.Unlock()
			return nil
		}
	}
	g.mu.Unlock()

	if !g.TimeoutAt.IsZero() {
		res.SetTransactionTimeout(time.Until(g.TimeoutAt))
	}
	if err := res.Start(ctx, g.xid, transaction.XAFlagTMNOFLAGS); err != nil {
		return fmt.Errorf("start branch %s of %s: %w", info.name, g, err)
	}

	g.mu.Lock()
	g.branches = append(g.branches, branch{res: res, name: info.name})
	total := len(g.branches)
	g.mu.Unlock()

	m.logger.Info("Enlisted resource in transaction",
		zap.Stringer("coordinator", g),
		zap.String("resource", info.name),
		zap.Int("total_resources", total))
	return nil
}

// Suspend dissociates coord from ctx's thread.
func (m *Manager) Suspend(ctx context.Context, coord transaction.UOWCoordinator) error {
	var err error
	if g, ok := coord.(*Global); ok {
		for _, b := range g.snapshot() {
			err = multierr.Append(err, b.res.End(ctx, g.xid, transaction.XAFlagTMSUSPEND))
		}
		g.mu.Lock()
		g.suspended = true
		g.mu.Unlock()
	}
	return multierr.Append(err, m.dispatch(ctx, transaction.EventSuspend, coord))
}

// Resume associates coord with ctx's thread.
func (m *Manager) Resume(ctx context.Context, coord transaction.UOWCoordinator) error {
	if err := m.dispatch(ctx, transaction.EventResume, coord); err != nil {
		return err
	}
	g, ok := coord.(*Global)
	if !ok {
		return nil
	}
	var err error
	for _, b := range g.snapshot() {
		err = multierr.Append(err, b.res.Start(ctx, g.xid, transaction.XAFlagTMRESUME))
	}
	g.mu.Lock()
	g.suspended = false
	g.mu.Unlock()
	return err
}

// Active returns the number of global transactions not yet ended.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

func (m *Manager) dispatch(ctx context.Context, event transaction.Event, coord transaction.UOWCoordinator) error {
	m.mu.RLock()
	listeners := append([]transaction.EventListener(nil), m.listeners...)
	m.mu.RUnlock()

	var err error
	for _, l := range listeners {
		err = multierr.Append(err, l.OnEvent(ctx, event, coord))
	}
	if err != nil {
		m.logger.Warn("Event listener failed",
			zap.Stringer("event", event),
			zap.Stringer("coordinator", coord),
			zap.Error(err))
	}
	return err
}

// end dispatches POST_END and forgets g.
func (m *Manager) end(ctx context.Context, g *Global) error {
	err := m.dispatch(ctx, transaction.EventPostEnd, g)
	m.mu.Lock()
	delete(m.active, g)
	m.mu.Unlock()
	return err
}

func (m *Manager) registered() []resourceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.resources))
	for id := range m.resources {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]resourceInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.resources[id])
	}
	return out
}
