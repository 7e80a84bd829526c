package nativectx

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Aidin1998/rrsbridge/internal/native"
	rrserrors "github.com/Aidin1998/rrsbridge/pkg/errors"
	"github.com/Aidin1998/rrsbridge/pkg/metrics"
)

const drainPollInterval = 10 * time.Millisecond

// threadState tracks what is resident on one logical thread.
type threadState struct {
	// resident is the private context on the thread; nil means the native context.
	resident *Context
	// previous is the token to switch back to when resident is switched off.
	previous native.Token
	retired  bool
}

// Manager binds native contexts to units of work.
type Manager struct {
	mu sync.Mutex

	port      native.Port
	factory   *Factory
	destroyer *Destroyer
	logger    *zap.Logger

	nativeCtx *Context
	contexts  map[UOW]*Context
	threads   map[native.ThreadID]*threadState
	destroyed bool
}

// NewManager creates a context manager for the resource manager rmToken.
func NewManager(port native.Port, rmToken native.Token, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		port:      port,
		factory:   NewFactory(port, rmToken, logger),
		destroyer: NewDestroyer(port, logger),
		logger:    logger,
		nativeCtx: &Context{native: true, state: Active},
		contexts:  make(map[UOW]*Context),
		threads:   make(map[native.ThreadID]*threadState),
	}
}

// NativeContext returns the designated native context.
func (m *Manager) NativeContext() *Context { return m.nativeCtx }

// Begin creates a context for uow and makes it resident on the calling thread.
func (m *Manager) Begin(ctx context.Context, uow UOW) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkAlive("begin"); err != nil {
		return err
	}
	ts := m.thread(ctx)
	if ts.resident != nil {
		return rrserrors.IllegalState.Explain("begin %s: context for %s already active on thread", uow, ts.resident.uow)
	}
	if _, ok := m.contexts[uow]; ok {
		return rrserrors.IllegalState.Explain("begin %s: unit of work already has a context", uow)
	}
	return m.beginLocked(ctx, ts, uow)
}

func (m *Manager) beginLocked(ctx context.Context, ts *threadState, uow UOW) error {
	c, err := m.factory.Create(ctx)
	if err != nil {
		return err
	}
	if err := m.switchOn(ctx, ts, c); err != nil {
		return multierr.Append(err, m.destroyer.Destroy(ctx, c, native.EndContextNormal))
	}

	c.uow = uow
	c.state = Active
	m.contexts[uow] = c
	metrics.ContextOperations.WithLabelValues("begin").Inc()

	m.logger.Debug("Began native context",
		zap.Stringer("uow", uow),
		zap.Stringer("context", c.token),
		zap.Uint64("thread", uint64(native.ThreadFrom(ctx))))
	return nil
}

// Suspend switches uow's context off the calling thread, restoring the
// previously resident context. If uow has no context yet and only the native
// context is resident, a context is begun for uow first.
func (m *Manager) Suspend(ctx context.Context, uow UOW) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkAlive("suspend"); err != nil {
		return err
	}
	ts := m.thread(ctx)
	c := m.contexts[uow]
	if c == nil {
		if ts.resident != nil {
			return rrserrors.IllegalState.Explain("suspend %s: context for %s is resident", uow, ts.resident.uow)
		}
		m.logger.Debug("Suspend without context, beginning one", zap.Stringer("uow", uow))
		if err := m.beginLocked(ctx, ts, uow); err != nil {
			return err
		}
		c = m.contexts[uow]
	}

	if ts.resident != c {
		if ts.resident == nil {
			return rrserrors.IllegalState.Explain("suspend %s: context is not resident on thread", uow)
		}
		return rrserrors.IllegalState.Explain("suspend %s: context for %s is resident", uow, ts.resident.uow)
	}
	if err := m.switchOff(ctx, ts); err != nil {
		return err
	}
	metrics.ContextOperations.WithLabelValues("suspend").Inc()
	return nil
}

// Resume makes uow's suspended context resident on the calling thread.
func (m *Manager) Resume(ctx context.Context, uow UOW) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkAlive("resume"); err != nil {
		return err
	}
	ts := m.thread(ctx)
	if ts.resident != nil {
		return rrserrors.IllegalState.Explain("resume %s: context for %s already active on thread", uow, ts.resident.uow)
	}
	c := m.contexts[uow]
	if c == nil {
		return rrserrors.IllegalState.Explain("resume %s: unit of work has no context", uow)
	}
	if c.resident {
		return rrserrors.IllegalState.Explain("resume %s: context already resident on thread %d", uow, c.thread)
	}
	if err := m.switchOn(ctx, ts, c); err != nil {
		return err
	}
	metrics.ContextOperations.WithLabelValues("resume").Inc()
	return nil
}

// End ends uow's context. A context whose unit of recovery still has
// interests or a pending backout is force-ended, otherwise it is ended normally.
func (m *Manager) End(ctx context.Context, uow UOW) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkAlive("end"); err != nil {
		return err
	}
	ts := m.thread(ctx)
	c := m.contexts[uow]
	if c == nil {
		return rrserrors.IllegalState.Explain("end %s: unit of work has no context", uow)
	}
	if ts.resident != nil && ts.resident != c {
		return rrserrors.IllegalState.Explain("end %s: context for %s is resident", uow, ts.resident.uow)
	}
	if c.resident && ts.resident != c {
		return rrserrors.IllegalState.Explain("end %s: context resident on thread %d", uow, c.thread)
	}
	if ts.resident == c {
		if err := m.switchOff(ctx, ts); err != nil {
			return err
		}
	}

	mode := native.EndContextNormal
	side := m.port.RetrieveSideInformationFast(ctx, c.token)
	if !side.RC.OK() {
		metrics.NativeFailures.WithLabelValues("retrieveSideInformationFast").Inc()
		m.logger.Warn("Side information unavailable, forcing context end",
			zap.Stringer("uow", uow), zap.Stringer("rc", side.RC))
		mode = native.EndContextForced
	} else if side.Flags.Dirty() {
		mode = native.EndContextForced
	}

	delete(m.contexts, uow)
	m.logger.Debug("Ending native context",
		zap.Stringer("uow", uow),
		zap.Stringer("context", c.token),
		zap.Stringer("side", side.Flags),
		zap.Stringer("mode", mode))
	return m.destroyer.Destroy(ctx, c, mode)
}

// Token returns the token of uow's context.
func (m *Manager) Token(uow UOW) (native.Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contexts[uow]
	if !ok {
		return nil, false
	}
	return c.token, true
}

// Context returns uow's context, or nil.
func (m *Manager) Context(uow UOW) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contexts[uow]
}

// IsResident reports whether uow's context is resident on the calling thread.
func (m *Manager) IsResident(ctx context.Context, uow UOW) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, ok := m.threads[native.ThreadFrom(ctx)]
	return ok && ts.resident != nil && ts.resident.uow == uow
}

// Resident returns the context resident on the calling thread.
func (m *Manager) Resident(ctx context.Context) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts, ok := m.threads[native.ThreadFrom(ctx)]; ok && ts.resident != nil {
		return ts.resident
	}
	return m.nativeCtx
}

// Len returns the number of contexts bound to units of work.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contexts)
}

// ThreadTerminating releases the calling thread. It backs out a dangling unit
// of recovery on the resident context, switches the native context back and
// ends a resident private context. Calling it again, or after Destroy has
// released the thread, does nothing.
func (m *Manager) ThreadTerminating(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tid := native.ThreadFrom(ctx)
	ts, ok := m.threads[tid]
	if ok && ts.retired {
		return nil
	}
	if !ok {
		if m.destroyed {
			return nil
		}
		ts = &threadState{}
		m.threads[tid] = ts
	}
	return m.retire(ctx, ts)
}

// Destroy tears the manager down. It waits up to timeout for units of work to
// end, then releases every thread not yet released and ends every remaining
// context, normally if its unit of recovery is in reset and forced otherwise.
func (m *Manager) Destroy(ctx context.Context, timeout time.Duration) error {
	if !m.waitForDrain(ctx, timeout) {
		m.logger.Warn("Units of work still active at shutdown, forcing teardown",
			zap.Int("contexts", m.Len()),
			zap.Duration("timeout", timeout))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return nil
	}
	m.destroyed = true

	var errs error
	tids := make([]native.ThreadID, 0, len(m.threads))
	for tid, ts := range m.threads {
		if !ts.retired {
			tids = append(tids, tid)
		}
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })
	for _, tid := range tids {
		errs = multierr.Append(errs, m.retire(native.WithThread(ctx, tid), m.threads[tid]))
	}

	remaining := make([]*Context, 0, len(m.contexts))
	for _, c := range m.contexts {
		remaining = append(remaining, c)
	}
	sort.Slice(remaining, func(i, j int) bool {
		return remaining[i].token.String() < remaining[j].token.String()
	})
	for _, c := range remaining {
		delete(m.contexts, c.uow)
		mode := native.EndContextForced
		if side := m.port.RetrieveSideInformationFast(ctx, c.token); side.RC.OK() && side.Flags.Has(native.SideReset) {
			mode = native.EndContextNormal
		}
		errs = multierr.Append(errs, m.destroyer.Destroy(ctx, c, mode))
	}

	m.logger.Info("Context manager destroyed", zap.Int("threads", len(tids)), zap.Int("contexts", len(remaining)))
	return errs
}

// retire releases ts once. Must be called with mu held.
func (m *Manager) retire(ctx context.Context, ts *threadState) error {
	ts.retired = true

	c := ts.resident
	var token native.Token
	if c != nil {
		token = c.token
	}

	var errs error
	side := m.port.RetrieveSideInformationFast(ctx, token)
	if !side.RC.OK() {
		metrics.NativeFailures.WithLabelValues("retrieveSideInformationFast").Inc()
		errs = multierr.Append(errs, native.Failure("retrieveSideInformationFast", side.RC))
	} else if !side.Flags.Has(native.SideInterests) && !side.Flags.Has(native.SideReset) {
		if rc := m.port.EndUR(ctx, token, native.ActionBackout); !rc.OK() {
			metrics.NativeFailures.WithLabelValues("endUR").Inc()
			errs = multierr.Append(errs, native.Failure("endUR", rc))
		}
	}

	if c == nil {
		return errs
	}
	if err := m.switchOff(ctx, ts); err != nil {
		return multierr.Append(errs, err)
	}

	mode := native.EndContextForced
	if side.RC.OK() && side.Flags.Has(native.SideReset) {
		mode = native.EndContextNormal
	}
	delete(m.contexts, c.uow)
	m.logger.Debug("Released thread context",
		zap.Stringer("uow", c.uow),
		zap.Stringer("context", c.token),
		zap.Stringer("mode", mode))
	return multierr.Append(errs, m.destroyer.Destroy(ctx, c, mode))
}

func (m *Manager) waitForDrain(ctx context.Context, timeout time.Duration) bool {
	if m.Len() == 0 {
		return true
	}
	if timeout <= 0 {
		return false
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.Len() == 0
		case <-deadline.C:
			return m.Len() == 0
		case <-ticker.C:
			if m.Len() == 0 {
				return true
			}
		}
	}
}

// thread returns the calling thread's state. Must be called with mu held.
func (m *Manager) thread(ctx context.Context) *threadState {
	tid := native.ThreadFrom(ctx)
	ts, ok := m.threads[tid]
	if !ok {
		ts = &threadState{}
		m.threads[tid] = ts
	}
	ts.retired = false
	return ts
}

func (m *Manager) checkAlive(op string) error {
	if m.destroyed {
		return rrserrors.IllegalState.Explain("%s: context manager destroyed", op)
	}
	return nil
}

func (m *Manager) switchOn(ctx context.Context, ts *threadState, c *Context) error {
	res := m.port.ContextSwitch(ctx, c.token)
	if !res.RC.OK() {
		metrics.NativeFailures.WithLabelValues("contextSwitch").Inc()
		return native.Failure("contextSwitch", res.RC)
	}
	ts.previous = res.Previous
	ts.resident = c
	c.resident = true
	c.thread = native.ThreadFrom(ctx)
	return nil
}

func (m *Manager) switchOff(ctx context.Context, ts *threadState) error {
	res := m.port.ContextSwitch(ctx, ts.previous)
	if !res.RC.OK() {
		metrics.NativeFailures.WithLabelValues("contextSwitch").Inc()
		return native.Failure("contextSwitch", res.RC)
	}
	if c := ts.resident; c != nil {
		c.resident = false
	}
	ts.resident = nil
	ts.previous = nil
	return nil
}
