package transaction

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Aidin1998/rrsbridge/internal/native"
	"github.com/Aidin1998/rrsbridge/internal/nativectx"
	rrserrors "github.com/Aidin1998/rrsbridge/pkg/errors"
)

const tracerName = "github.com/Aidin1998/rrsbridge/internal/transaction"

// Config holds the native transaction manager settings.
type Config struct {
	// RMNameLog is the path of the resource manager name log.
	RMNameLog string
	// RMNamePrefix is the prefix every resource manager name must carry.
	RMNamePrefix string
	// ShutdownTimeout bounds how long Deactivate waits for units of work to end.
	ShutdownTimeout time.Duration
	// TransactionTimeout is the initial XA branch timeout.
	TransactionTimeout time.Duration
}

type managerState int

const (
	stateInactive managerState = iota
	stateActive
	// stateDraining refuses new units of work while existing ones finish.
	stateDraining
	stateDeactivated
)

// Manager is the native transaction manager. It listens to unit of work
// events, scoping a native context to each unit of work, and takes part in
// global transactions as an XA participant for the registry's unit of recovery.
type Manager struct {
	cfg    Config
	port   native.Port
	tm     TransactionManager
	logger *zap.Logger
	tracer trace.Tracer

	mu              sync.Mutex
	state           managerState
	rmName          string
	rmToken         native.Token
	rmRegistryToken native.Token
	recoveryID      int64
	timeout         time.Duration
	contexts        *nativectx.Manager

	global  map[UOWCoordinator]*globalEntry
	xids    map[string]*globalEntry
	local   map[UOWCoordinator]*localEntry
	restart map[string]*restartRecord

	participant *Participant
}

// NewManager creates an inactive native transaction manager.
func NewManager(cfg Config, port native.Port, tm TransactionManager, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:     cfg,
		port:    port,
		tm:      tm,
		logger:  logger.Named("ntm"),
		tracer:  otel.Tracer(tracerName),
		timeout: cfg.TransactionTimeout,
		global:  make(map[UOWCoordinator]*globalEntry),
		xids:    make(map[string]*globalEntry),
		local:   make(map[UOWCoordinator]*localEntry),
		restart: make(map[string]*restartRecord),
	}
	m.participant = &Participant{m: m}
	return m
}

// Participant returns the XA participant enlisted in global transactions.
func (m *Manager) Participant() *Participant { return m.participant }

// RMName returns the registered resource manager name.
func (m *Manager) RMName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rmName
}

// RecoveryID returns the id obtained when registering with the transaction manager.
func (m *Manager) RecoveryID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recoveryID
}

// Contexts returns the context manager, nil until activated.
func (m *Manager) Contexts() *nativectx.Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contexts
}

// Pending returns the number of global and local transaction entries.
func (m *Manager) Pending() (global, local int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.global), len(m.local)
}

// OnEvent implements EventListener.
func (m *Manager) OnEvent(ctx context.Context, event Event, coord UOWCoordinator) error {
	lookup := m.activeContexts
	if event == EventPostBegin {
		lookup = m.admittingContexts
	}
	contexts, err := lookup(event.String())
	if err != nil {
		return err
	}

	m.logger.Debug("Unit of work event",
		zap.Stringer("event", event),
		zap.Stringer("coordinator", coord),
		zap.Uint64("thread", uint64(native.ThreadFrom(ctx))))

	switch event {
	case EventPostBegin:
		return contexts.Begin(ctx, coord)
	case EventSuspend:
		return contexts.Suspend(ctx, coord)
	case EventResume:
		return contexts.Resume(ctx, coord)
	case EventPostEnd:
		return m.postEnd(ctx, contexts, coord)
	default:
		return rrserrors.IllegalState.Explain("unknown event %s", event)
	}
}

// postEnd resolves what is left of the unit of work and ends its context.
// The context is always suspended and ended, whatever failed before.
func (m *Manager) postEnd(ctx context.Context, contexts *nativectx.Manager, coord UOWCoordinator) error {
	var errs error
	if lc, ok := coord.(LocalCoordinator); ok {
		errs = m.endLocal(ctx, contexts, lc)
	}
	m.discardGlobal(coord)

	if contexts.IsResident(ctx, coord) {
		errs = multierr.Append(errs, contexts.Suspend(ctx, coord))
	}
	if err := contexts.End(ctx, coord); err != nil {
		m.logger.Error("Failed to end context", zap.Stringer("coordinator", coord), zap.Error(err))
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Enlist registers the native unit of recovery with coord. For a global
// transaction the first enlist begins the native transaction and enlists the
// participant with the transaction manager; for a local transaction it marks
// the native resource as taking part.
func (m *Manager) Enlist(ctx context.Context, coord UOWCoordinator) error {
	contexts, err := m.admittingContexts("enlist")
	if err != nil {
		return err
	}
	switch c := coord.(type) {
	case GlobalCoordinator:
		return m.enlistGlobal(ctx, contexts, c)
	case LocalCoordinator:
		return m.enlistLocal(c)
	default:
		return rrserrors.IllegalState.Explain("enlist %s: unsupported coordinator %T", coord, coord)
	}
}

// ThreadTerminating releases the native state of the calling thread.
func (m *Manager) ThreadTerminating(ctx context.Context) error {
	contexts, err := m.activeContexts("threadTerminating")
	if err != nil {
		return err
	}
	return contexts.ThreadTerminating(ctx)
}

// Deactivate destroys the context manager and unregisters the resource
// manager. Both steps are attempted; their errors are combined. While the
// context manager waits for units of work to end, new units of work and
// enlistments are refused but running ones can still complete.
func (m *Manager) Deactivate(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	if m.state != stateActive {
		m.mu.Unlock()
		return rrserrors.IllegalState.Explain("deactivate: resource manager not active")
	}
	m.state = stateDraining
	contexts, rmToken, rmName := m.contexts, m.rmToken, m.rmName
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.state = stateDeactivated
		m.mu.Unlock()
	}()

	if timeout <= 0 {
		timeout = m.cfg.ShutdownTimeout
	}

	var errs error
	if err := contexts.Destroy(ctx, timeout); err != nil {
		m.logger.Error("Failed to destroy context manager", zap.Error(err))
		errs = multierr.Append(errs, err)
	}
	if rc := m.port.UnregisterResourceManager(ctx, rmToken); !rc.OK() {
		m.logger.Error("Failed to unregister resource manager",
			zap.String("rm_name", rmName), zap.Stringer("rc", rc))
		errs = multierr.Append(errs, native.Fatal("unregisterResourceManager", rc))
	}

	m.logger.Info("Native transaction manager deactivated",
		zap.String("rm_name", rmName),
		zap.Duration("timeout", timeout),
		zap.Bool("clean", errs == nil))
	return errs
}

// activeContexts returns the context manager for work on existing units of
// work, which is allowed until deactivation completes.
func (m *Manager) activeContexts(op string) (*nativectx.Manager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateActive && m.state != stateDraining {
		return nil, rrserrors.IllegalState.Explain("%s: resource manager not active", op)
	}
	return m.contexts, nil
}

// admittingContexts returns the context manager for new units of work and
// enlistments, refused once deactivation has started.
func (m *Manager) admittingContexts(op string) (*nativectx.Manager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case stateActive:
		return m.contexts, nil
	case stateDraining:
		return nil, rrserrors.IllegalState.Explain("%s: resource manager is deactivating", op)
	default:
		return nil, rrserrors.IllegalState.Explain("%s: resource manager not active", op)
	}
}

func (m *Manager) transactionTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout
}

func (m *Manager) setTransactionTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = d
}
