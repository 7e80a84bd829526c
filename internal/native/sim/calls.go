package sim

import (
	"context"

	"go.uber.org/zap"

	"github.com/Aidin1998/rrsbridge/internal/native"
)

// nativeContext returns the thread's native context. Must be called with mu held.
func (r *Registry) nativeContext(tid native.ThreadID) *ctxState {
	c, ok := r.natives[tid]
	if !ok {
		c = &ctxState{}
		r.natives[tid] = c
	}
	return c
}

// currentContext returns the context resident on ctx's thread. Must be called with mu held.
func (r *Registry) currentContext(ctx context.Context) *ctxState {
	tid := native.ThreadFrom(ctx)
	if c, ok := r.current[tid]; ok {
		return c
	}
	return r.nativeContext(tid)
}

// lookupContext resolves token; an empty token is the native context of ctx's thread.
func (r *Registry) lookupContext(ctx context.Context, token native.Token) (*ctxState, native.ReturnCode) {
	if token.IsZero() {
		return r.nativeContext(native.ThreadFrom(ctx)), native.RCOK
	}
	c, ok := r.contexts[key(token)]
	if !ok {
		return nil, native.RCInvalidToken
	}
	return c, native.RCOK
}

func (r *Registry) residentElsewhere(c *ctxState, tid native.ThreadID) bool {
	for t, cur := range r.current {
		if cur == c && t != tid {
			return true
		}
	}
	return false
}

func (r *Registry) interest(in native.Interest) (*interestState, native.ReturnCode) {
	i, ok := r.interests[key(in.Token)]
	if !ok {
		return nil, native.RCInvalidToken
	}
	return i, native.RCOK
}

func (r *Registry) BeginContext(ctx context.Context, rmToken native.Token) native.ContextResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("beginContext"); ok {
		return native.ContextResult{RC: rc}
	}
	rm, rc := r.rm(rmToken)
	if !rc.OK() {
		return native.ContextResult{RC: rc}
	}
	c := &ctxState{token: newToken(), registryToken: newToken(), rm: rm}
	r.contexts[key(c.token)] = c
	return native.ContextResult{RC: native.RCOK, ContextToken: c.token, ContextRegistryToken: c.registryToken}
}

func (r *Registry) ContextSwitch(ctx context.Context, contextToken native.Token) native.SwitchResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("contextSwitch"); ok {
		return native.SwitchResult{RC: rc}
	}
	tid := native.ThreadFrom(ctx)
	target, rc := r.lookupContext(ctx, contextToken)
	if !rc.OK() {
		return native.SwitchResult{RC: rc}
	}
	if r.residentElsewhere(target, tid) {
		return native.SwitchResult{RC: native.RCProgramStateError}
	}

	prev := r.currentContext(ctx).token
	if contextToken.IsZero() {
		delete(r.current, tid)
	} else {
		r.current[tid] = target
	}
	return native.SwitchResult{RC: native.RCOK, Previous: prev}
}

// EndContext ends a private context. A normal end is refused while the
// context's unit of recovery has interests; a forced end backs it out.
func (r *Registry) EndContext(ctx context.Context, contextToken native.Token, mode native.EndContextMode) native.ReturnCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("endContext"); ok {
		return rc
	}
	if contextToken.IsZero() {
		return native.RCInvalidToken
	}
	c, rc := r.lookupContext(ctx, contextToken)
	if !rc.OK() {
		return rc
	}
	for _, cur := range r.current {
		if cur == c {
			return native.RCProgramStateError
		}
	}

	if ur := c.ur; ur != nil {
		if len(ur.interests) > 0 && mode == native.EndContextNormal {
			return native.RCURStateError
		}
		if ur.state == native.URStateInDoubt {
			// Outcome belongs to the coordinator; only detach.
			ur.ctx = nil
		} else {
			r.dropUR(ur)
		}
		c.ur = nil
	}
	delete(r.contexts, key(c.token))
	return native.RCOK
}

func (r *Registry) RetrieveCurrentContextToken(ctx context.Context) native.CurrentContextResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("retrieveCurrentContextToken"); ok {
		return native.CurrentContextResult{RC: rc}
	}
	return native.CurrentContextResult{RC: native.RCOK, ContextToken: r.currentContext(ctx).token}
}

func sideInfo(ur *urState) native.SideInfo {
	if ur == nil || ur.state == native.URStateInReset {
		return native.SideReset
	}
	var flags native.SideInfo
	if len(ur.interests) > 0 {
		flags |= native.SideInterests
	}
	if ur.backoutPending {
		flags |= native.SideBackoutPending
	}
	if ur.committed {
		flags |= native.SideCommitted
	}
	if ur.heuristic {
		flags |= native.SideHeuristicMixed
	}
	return flags
}

func (r *Registry) RetrieveSideInformationFast(ctx context.Context, contextToken native.Token) native.SideInfoResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("retrieveSideInformationFast"); ok {
		return native.SideInfoResult{RC: rc}
	}
	c, rc := r.lookupContext(ctx, contextToken)
	if !rc.OK() {
		return native.SideInfoResult{RC: rc}
	}
	return native.SideInfoResult{RC: native.RCOK, Flags: sideInfo(c.ur)}
}

func (r *Registry) RetrieveSideInformation(ctx context.Context, interest native.Interest) native.SideInfoResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("retrieveSideInformation"); ok {
		return native.SideInfoResult{RC: rc}
	}
	i, rc := r.interest(interest)
	if !rc.OK() {
		return native.SideInfoResult{RC: rc}
	}
	return native.SideInfoResult{RC: native.RCOK, Flags: sideInfo(i.ur)}
}

// EndUR completes the context's unit of recovery on behalf of its only
// participant. A pending backout turns a commit into RCBackedOut.
func (r *Registry) EndUR(ctx context.Context, contextToken native.Token, action native.Action) native.ReturnCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("endUR"); ok {
		return rc
	}
	c, rc := r.lookupContext(ctx, contextToken)
	if !rc.OK() {
		return rc
	}
	ur := c.ur
	if ur == nil {
		return native.RCOK
	}
	if ur.state == native.URStateInDoubt || len(ur.interests) > 0 {
		return native.RCURStateError
	}
	backedOut := action == native.ActionCommit && ur.backoutPending
	r.dropUR(ur)
	if backedOut {
		return native.RCBackedOut
	}
	return native.RCOK
}

func (r *Registry) BeginTransaction(ctx context.Context, mode native.BeginMode) native.BeginTransactionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("beginTransaction"); ok {
		return native.BeginTransactionResult{RC: rc}
	}
	c := r.currentContext(ctx)
	if c.ur != nil {
		return native.BeginTransactionResult{RC: native.RCProgramStateError}
	}
	ur := r.beginUR(c)
	return native.BeginTransactionResult{RC: native.RCOK, URToken: ur.token, URID: ur.id}
}

func (r *Registry) beginUR(c *ctxState) *urState {
	ur := &urState{token: newToken(), id: newToken(), state: native.URStateInFlight, ctx: c}
	c.ur = ur
	r.urs[key(ur.token)] = ur
	return ur
}

func (r *Registry) SetWorkIdentifier(ctx context.Context, urToken native.Token, workID []byte) native.ReturnCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("setWorkIdentifier"); ok {
		return rc
	}
	ur, ok := r.urs[key(urToken)]
	if !ok {
		return native.RCInvalidToken
	}
	ur.workID = append([]byte(nil), workID...)
	return native.RCOK
}

func (r *Registry) ExpressURInterest(ctx context.Context, rmRegistryToken, contextToken native.Token, presumeAbort bool) native.InterestResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("expressURInterest"); ok {
		return native.InterestResult{RC: rc}
	}
	rm, ok := r.rmByReg[key(rmRegistryToken)]
	if !ok {
		return native.InterestResult{RC: native.RCInvalidToken}
	}
	c, rc := r.lookupContext(ctx, contextToken)
	if !rc.OK() {
		return native.InterestResult{RC: rc}
	}
	ur := c.ur
	if ur == nil {
		ur = r.beginUR(c)
	}
	if ur.state != native.URStateInFlight {
		return native.InterestResult{RC: native.RCURStateError}
	}

	i := &interestState{token: newToken(), registryToken: newToken(), ur: ur, rm: rm, presumeAbort: presumeAbort}
	ur.interests = append(ur.interests, i)
	r.interests[key(i.token)] = i
	return native.InterestResult{RC: native.RCOK, Interest: native.Interest{Token: i.token, RegistryToken: i.registryToken}}
}

func (r *Registry) SetSyncpointControls(ctx context.Context, interest native.Interest, controls native.SyncpointControls) native.ReturnCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("setSyncpointControls"); ok {
		return rc
	}
	i, rc := r.interest(interest)
	if !rc.OK() {
		return rc
	}
	i.controls = controls
	return native.RCOK
}

// PrepareAgentUR hardens the unit of recovery in doubt.
func (r *Registry) PrepareAgentUR(ctx context.Context, interest native.Interest) native.ReturnCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("prepareAgentUR"); ok {
		return rc
	}
	i, rc := r.interest(interest)
	if !rc.OK() {
		return rc
	}
	ur := i.ur
	if !i.controls.PrepareOK || ur.state != native.URStateInFlight {
		return native.RCProgramStateError
	}
	if ur.backoutPending {
		ur.state = native.URStateInBackout
		return native.RCBackedOut
	}
	ur.state = native.URStateInDoubt
	return r.persist(i)
}

func (r *Registry) CommitAgentUR(ctx context.Context, interest native.Interest) native.ReturnCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("commitAgentUR"); ok {
		return rc
	}
	i, rc := r.interest(interest)
	if !rc.OK() {
		return rc
	}
	ur := i.ur
	switch {
	case ur.state == native.URStateInCommit:
		return native.RCOK
	case ur.state != native.URStateInDoubt:
		return native.RCURStateError
	}
	ur.state = native.URStateInCommit
	ur.committed = true
	return r.persist(i)
}

// DelegateCommitAgentUR lets the registry decide the outcome of an unprepared
// unit of recovery.
func (r *Registry) DelegateCommitAgentUR(ctx context.Context, interest native.Interest) native.ReturnCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("delegateCommitAgentUR"); ok {
		return rc
	}
	i, rc := r.interest(interest)
	if !rc.OK() {
		return rc
	}
	ur := i.ur
	if ur.state != native.URStateInFlight {
		return native.RCURStateError
	}
	if ur.backoutPending {
		ur.state = native.URStateInBackout
		return native.RCBackedOut
	}
	ur.state = native.URStateInCommit
	ur.committed = true
	return native.RCOK
}

func (r *Registry) BackoutAgentUR(ctx context.Context, interest native.Interest) native.ReturnCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("backoutAgentUR"); ok {
		return rc
	}
	i, rc := r.interest(interest)
	if !rc.OK() {
		return rc
	}
	ur := i.ur
	switch ur.state {
	case native.URStateInBackout:
		return native.RCOK
	case native.URStateInFlight, native.URStateInDoubt:
	default:
		return native.RCURStateError
	}
	ur.state = native.URStateInBackout
	ur.backoutPending = false
	if ur.persisted {
		return r.persist(i)
	}
	return native.RCOK
}

// ForgetAgentURInterest drops the interest. The unit of recovery goes with its last interest.
func (r *Registry) ForgetAgentURInterest(ctx context.Context, interest native.Interest) native.ReturnCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("forgetAgentURInterest"); ok {
		return rc
	}
	i, rc := r.interest(interest)
	if !rc.OK() {
		return rc
	}
	return r.forget(i)
}

func (r *Registry) RetrieveURData(ctx context.Context, interest native.Interest) native.URDataResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("retrieveURData"); ok {
		return native.URDataResult{RC: rc}
	}
	i, rc := r.interest(interest)
	if !rc.OK() {
		return native.URDataResult{RC: rc}
	}
	return native.URDataResult{RC: native.RCOK, URID: i.ur.id, State: i.ur.state}
}

func (r *Registry) RetrieveWorkIdentifier(ctx context.Context, interest native.Interest) native.WorkIDResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.fault("retrieveWorkIdentifier"); ok {
		return native.WorkIDResult{RC: rc}
	}
	i, rc := r.interest(interest)
	if !rc.OK() {
		return native.WorkIDResult{RC: rc}
	}
	return native.WorkIDResult{RC: native.RCOK, WorkID: append([]byte(nil), i.ur.workID...)}
}

// persist writes i's unit of recovery under i's resource manager. Must be called with mu held.
func (r *Registry) persist(i *interestState) native.ReturnCode {
	ur := i.ur
	rec := urRecord{
		URID:      ur.id,
		WorkID:    ur.workID,
		State:     ur.state,
		Committed: ur.committed,
		Heuristic: ur.heuristic,
	}
	if err := r.store.saveUR(i.rm.name, rec); err != nil {
		r.logger.Error("Failed to persist unit of recovery", zap.Stringer("urid", ur.id), zap.Error(err))
		return native.RCUnexpectedError
	}
	ur.persisted = true
	return native.RCOK
}

// forget removes i and, with its last interest, the unit of recovery. Must be called with mu held.
func (r *Registry) forget(i *interestState) native.ReturnCode {
	ur := i.ur
	delete(r.interests, key(i.token))
	for n, other := range ur.interests {
		if other == i {
			ur.interests = append(ur.interests[:n], ur.interests[n+1:]...)
			break
		}
	}
	if ur.persisted {
		if err := r.store.deleteUR(i.rm.name, ur.id); err != nil {
			r.logger.Error("Failed to delete unit of recovery", zap.Stringer("urid", ur.id), zap.Error(err))
			return native.RCUnexpectedError
		}
		ur.persisted = false
	}
	if len(ur.interests) == 0 {
		r.dropUR(ur)
	}
	return native.RCOK
}

func (r *Registry) dropUR(ur *urState) {
	for _, i := range ur.interests {
		delete(r.interests, key(i.token))
	}
	ur.interests = nil
	ur.state = native.URStateForgotten
	if ur.ctx != nil && ur.ctx.ur == ur {
		ur.ctx.ur = nil
	}
	delete(r.urs, key(ur.token))
}

// Touch records native work on the context resident on ctx's thread,
// starting a local unit of recovery if there is none.
func (r *Registry) Touch(ctx context.Context) native.Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.currentContext(ctx)
	if c.ur == nil {
		r.beginUR(c)
	}
	return c.ur.id
}

// MarkBackoutPending makes the unit of recovery resident on ctx's thread back out at completion.
func (r *Registry) MarkBackoutPending(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ur := r.currentContext(ctx).ur; ur != nil {
		ur.backoutPending = true
	}
}
