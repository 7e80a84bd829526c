// Package sim is an in-process implementation of the native registry.
//
// It keeps contexts, units of recovery and interests in memory, persists
// resource manager state and prepared units of recovery in BadgerDB so they
// survive a restart, and can be told to fail individual calls.
package sim

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aidin1998/rrsbridge/internal/native"
)

// Options configures a Registry.
type Options struct {
	// Path is the BadgerDB directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	Logger   *zap.Logger
}

type rmState struct {
	name          string
	token         native.Token
	registryToken native.Token
	rec           rmRecord
	restarting    bool
	pending       []*interestState
}

type ctxState struct {
	token         native.Token
	registryToken native.Token
	rm            *rmState
	ur            *urState
}

type urState struct {
	token          native.Token
	id             native.Token
	state          native.URState
	workID         []byte
	ctx            *ctxState
	interests      []*interestState
	committed      bool
	heuristic      bool
	backoutPending bool
	persisted      bool
}

type interestState struct {
	token         native.Token
	registryToken native.Token
	ur            *urState
	rm            *rmState
	controls      native.SyncpointControls
	presumeAbort  bool
}

// Registry implements native.Port.
type Registry struct {
	mu     sync.Mutex
	store  *store
	logger *zap.Logger

	rms       map[string]*rmState
	rmByName  map[string]*rmState
	rmByReg   map[string]*rmState
	contexts  map[string]*ctxState
	natives   map[native.ThreadID]*ctxState
	current   map[native.ThreadID]*ctxState
	urs       map[string]*urState
	interests map[string]*interestState
	faults    map[string][]native.ReturnCode
}

var _ native.Port = (*Registry)(nil)

// New opens a registry.
func New(opts Options) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s, err := openStore(opts.Path, opts.InMemory)
	if err != nil {
		return nil, err
	}
	return &Registry{
		store:     s,
		logger:    logger.Named("registry"),
		rms:       make(map[string]*rmState),
		rmByName:  make(map[string]*rmState),
		rmByReg:   make(map[string]*rmState),
		contexts:  make(map[string]*ctxState),
		natives:   make(map[native.ThreadID]*ctxState),
		current:   make(map[native.ThreadID]*ctxState),
		urs:       make(map[string]*urState),
		interests: make(map[string]*interestState),
		faults:    make(map[string][]native.ReturnCode),
	}, nil
}

// Close releases the store. In-memory state is lost; prepared units of
// recovery are found again by the next registry opened on the same path.
func (r *Registry) Close() error {
	return r.store.close()
}

// Inject makes the next call named call (for example "commitAgentUR")
// return rc without any effect. Injections for a call are used in order.
func (r *Registry) Inject(call string, rc native.ReturnCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults[call] = append(r.faults[call], rc)
}

// fault pops the next injected return code for call. Must be called with mu held.
func (r *Registry) fault(call string) (native.ReturnCode, bool) {
	q := r.faults[call]
	if len(q) == 0 {
		return 0, false
	}
	r.faults[call] = q[1:]
	r.logger.Debug("Injected return code", zap.String("call", call), zap.Stringer("rc", q[0]))
	return q[0], true
}

func newToken() native.Token {
	id := uuid.New()
	return native.Token(id[:])
}

func key(t native.Token) string { return string(t) }

func (r *Registry) rm(token native.Token) (*rmState, native.ReturnCode) {
	rm, ok := r.rms[key(token)]
	if !ok {
		return nil, native.RCInvalidToken
	}
	return rm, native.RCOK
}

func (r *Registry) RegisterResourceManager(ctx context.Context, name string) native.RegisterResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rc, ok := r.fault("registerResourceManager"); ok {
		return native.RegisterResult{RC: rc}
	}
	if _, ok := r.rmByName[name]; ok {
		return native.RegisterResult{RC: native.RCRMStateError}
	}
	rec, err := r.store.loadRM(name)
	if err != nil {
		r.logger.Error("Failed to load resource manager", zap.String("rm_name", name), zap.Error(err))
		return native.RegisterResult{RC: native.RCUnexpectedError}
	}

	rm := &rmState{name: name, token: newToken(), registryToken: newToken(), rec: rec}
	r.rms[key(rm.token)] = rm
	r.rmByName[name] = rm
	r.rmByReg[key(rm.registryToken)] = rm
	r.logger.Info("Registered resource manager", zap.String("rm_name", name))
	return native.RegisterResult{RC: native.RCOK, RMToken: rm.token, RMRegistryToken: rm.registryToken}
}

func (r *Registry) UnregisterResourceManager(ctx context.Context, rmToken native.Token) native.ReturnCode {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rc, ok := r.fault("unregisterResourceManager"); ok {
		return rc
	}
	rm, rc := r.rm(rmToken)
	if !rc.OK() {
		return rc
	}
	delete(r.rms, key(rm.token))
	delete(r.rmByName, rm.name)
	delete(r.rmByReg, key(rm.registryToken))
	for k, i := range r.interests {
		if i.rm == rm {
			delete(r.interests, k)
		}
	}
	r.logger.Info("Unregistered resource manager", zap.String("rm_name", rm.name))
	return native.RCOK
}

func (r *Registry) SetExitInformation(ctx context.Context, rmToken native.Token) native.ReturnCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("setExitInformation"); ok {
		return rc
	}
	_, rc := r.rm(rmToken)
	return rc
}

func (r *Registry) SetEnvironment(ctx context.Context, rmToken native.Token) native.ReturnCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("setEnvironment"); ok {
		return rc
	}
	_, rc := r.rm(rmToken)
	return rc
}

func (r *Registry) RetrieveLogName(ctx context.Context, rmToken native.Token) native.LogNameResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("retrieveLogName"); ok {
		return native.LogNameResult{RC: rc}
	}
	rm, rc := r.rm(rmToken)
	if !rc.OK() {
		return native.LogNameResult{RC: rc}
	}
	return native.LogNameResult{RC: native.RCOK, LogName: rm.rec.LogName}
}

func (r *Registry) SetLogName(ctx context.Context, rmToken native.Token, logName string) native.ReturnCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("setLogName"); ok {
		return rc
	}
	rm, rc := r.rm(rmToken)
	if !rc.OK() {
		return rc
	}
	rm.rec.LogName = logName
	return r.saveRM(rm)
}

func (r *Registry) RetrieveRMMetadata(ctx context.Context, rmToken native.Token) native.MetadataResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("retrieveRMMetadata"); ok {
		return native.MetadataResult{RC: rc}
	}
	rm, rc := r.rm(rmToken)
	if !rc.OK() {
		return native.MetadataResult{RC: rc}
	}
	return native.MetadataResult{RC: native.RCOK, Metadata: append([]byte(nil), rm.rec.Metadata...)}
}

func (r *Registry) SetRMMetadata(ctx context.Context, rmToken native.Token, metadata []byte) native.ReturnCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("setRMMetadata"); ok {
		return rc
	}
	rm, rc := r.rm(rmToken)
	if !rc.OK() {
		return rc
	}
	rm.rec.Metadata = append([]byte(nil), metadata...)
	return r.saveRM(rm)
}

func (r *Registry) saveRM(rm *rmState) native.ReturnCode {
	if err := r.store.saveRM(rm.name, rm.rec); err != nil {
		r.logger.Error("Failed to save resource manager", zap.String("rm_name", rm.name), zap.Error(err))
		return native.RCUnexpectedError
	}
	return native.RCOK
}

// BeginRestart queues the resource manager's persisted units of recovery for retrieval.
func (r *Registry) BeginRestart(ctx context.Context, rmToken native.Token) native.ReturnCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("beginRestart"); ok {
		return rc
	}
	rm, rc := r.rm(rmToken)
	if !rc.OK() {
		return rc
	}
	if rm.restarting {
		return native.RCProgramStateError
	}

	recs, err := r.store.loadURs(rm.name)
	if err != nil {
		r.logger.Error("Failed to load units of recovery", zap.String("rm_name", rm.name), zap.Error(err))
		return native.RCUnexpectedError
	}
	rm.pending = rm.pending[:0]
	for _, rec := range recs {
		ur := &urState{
			token:     newToken(),
			id:        native.Token(rec.URID),
			state:     rec.State,
			workID:    rec.WorkID,
			committed: rec.Committed,
			heuristic: rec.Heuristic,
			persisted: true,
		}
		i := &interestState{token: newToken(), registryToken: newToken(), ur: ur, rm: rm, presumeAbort: true}
		ur.interests = []*interestState{i}
		r.urs[key(ur.token)] = ur
		r.interests[key(i.token)] = i
		rm.pending = append(rm.pending, i)
	}
	rm.restarting = true
	r.logger.Info("Restart begun", zap.String("rm_name", rm.name), zap.Int("incomplete", len(recs)))
	return native.RCOK
}

func (r *Registry) RetrieveURInterest(ctx context.Context, rmToken native.Token) native.RetrievedInterest {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("retrieveURInterest"); ok {
		return native.RetrievedInterest{RC: rc}
	}
	rm, rc := r.rm(rmToken)
	if !rc.OK() {
		return native.RetrievedInterest{RC: rc}
	}
	if !rm.restarting {
		return native.RetrievedInterest{RC: native.RCProgramStateError}
	}
	if len(rm.pending) == 0 {
		return native.RetrievedInterest{RC: native.RCNoMoreIncompleteInterests}
	}

	i := rm.pending[0]
	rm.pending = rm.pending[1:]
	return native.RetrievedInterest{
		RC:       native.RCOK,
		Interest: native.Interest{Token: i.token, RegistryToken: i.registryToken},
		URToken:  i.ur.token,
		URID:     i.ur.id,
		State:    i.ur.state,
	}
}

func (r *Registry) RespondToRetrievedInterest(ctx context.Context, interest native.Interest, response native.RestartResponse) native.ReturnCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("respondToRetrievedInterest"); ok {
		return rc
	}
	i, rc := r.interest(interest)
	if !rc.OK() {
		return rc
	}
	if response == native.RespondComplete {
		return r.forget(i)
	}
	return native.RCOK
}

func (r *Registry) EndRestart(ctx context.Context, rmToken native.Token) native.ReturnCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("endRestart"); ok {
		return rc
	}
	rm, rc := r.rm(rmToken)
	if !rc.OK() {
		return rc
	}
	if !rm.restarting {
		return native.RCProgramStateError
	}
	rm.restarting = false
	rm.pending = nil
	return native.RCOK
}
