package tm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/rrsbridge/internal/native"
	"github.com/Aidin1998/rrsbridge/internal/transaction"
	rrserrors "github.com/Aidin1998/rrsbridge/pkg/errors"
)

type fakeResource struct {
	name        string
	vote        transaction.XAErrorCode
	prepareErr  error
	commitErr   error
	rollbackErr error
	inDoubt     []transaction.XID
	timeout     time.Duration
	calls       []string
}

func (f *fakeResource) Start(ctx context.Context, xid transaction.XID, flags transaction.XAFlag) error {
	if flags == transaction.XAFlagTMRESUME {
		f.calls = append(f.calls, "resume")
		return nil
	}
	f.calls = append(f.calls, "start")
	return nil
}

func (f *fakeResource) End(ctx context.Context, xid transaction.XID, flags transaction.XAFlag) error {
	switch flags {
	case transaction.XAFlagTMSUSPEND:
		f.calls = append(f.calls, "suspend")
	case transaction.XAFlagTMFAIL:
		f.calls = append(f.calls, "end-fail")
	default:
		f.calls = append(f.calls, "end")
	}
	return nil
}

func (f *fakeResource) Prepare(ctx context.Context, xid transaction.XID) (transaction.XAErrorCode, error) {
	f.calls = append(f.calls, "prepare")
	return f.vote, f.prepareErr
}

func (f *fakeResource) Commit(ctx context.Context, xid transaction.XID, onePhase bool) error {
	if onePhase {
		f.calls = append(f.calls, "commit-1pc")
	} else {
		f.calls = append(f.calls, "commit")
	}
	return f.commitErr
}

func (f *fakeResource) Rollback(ctx context.Context, xid transaction.XID) error {
	f.calls = append(f.calls, "rollback")
	return f.rollbackErr
}

func (f *fakeResource) Forget(ctx context.Context, xid transaction.XID) error {
	f.calls = append(f.calls, "forget")
	return nil
}

func (f *fakeResource) Recover(ctx context.Context, flags transaction.XAFlag) ([]transaction.XID, error) {
	return f.inDoubt, nil
}

func (f *fakeResource) IsSameRM(other transaction.XAResource) bool {
	o, ok := other.(*fakeResource)
	return ok && o.name == f.name
}

func (f *fakeResource) GetTransactionTimeout() time.Duration { return f.timeout }

func (f *fakeResource) SetTransactionTimeout(timeout time.Duration) bool {
	f.timeout = timeout
	return true
}

func (f *fakeResource) GetResourceName() string { return f.name }

type recordedEvent struct {
	event transaction.Event
	coord string
}

type recordingListener struct {
	events []recordedEvent
	fail   map[transaction.Event]error
}

func (l *recordingListener) OnEvent(ctx context.Context, event transaction.Event, coord transaction.UOWCoordinator) error {
	l.events = append(l.events, recordedEvent{event: event, coord: coord.String()})
	return l.fail[event]
}

func (l *recordingListener) names() []transaction.Event {
	out := make([]transaction.Event, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.event)
	}
	return out
}

type fixture struct {
	tm       *Manager
	log      *MemoryDecisionLog
	listener *recordingListener
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	log := NewMemoryDecisionLog()
	f := &fixture{tm: NewManager(cfg, log, nil), log: log, listener: &recordingListener{}}
	f.tm.AddListener(f.listener)
	return f
}

func (f *fixture) enlist(t *testing.T, g *Global, res *fakeResource) {
	t.Helper()
	id, err := f.tm.RegisterResourceInfo(res.name, res)
	require.NoError(t, err)
	require.NoError(t, f.tm.Enlist(context.Background(), g, res, id))
}

func (f *fixture) decisions(t *testing.T) []Decision {
	t.Helper()
	d, err := f.log.Decisions(context.Background())
	require.NoError(t, err)
	return d
}

func TestEmptyTransactionCommits(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	g, err := f.tm.Begin(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.tm.Active())
	assert.Equal(t, int32(1), g.XID().FormatID)

	require.NoError(t, f.tm.Commit(ctx, g))
	assert.Equal(t, GlobalCommitted, g.State())
	assert.Equal(t, 0, f.tm.Active())
	assert.Equal(t, []transaction.Event{transaction.EventPostBegin, transaction.EventPostEnd}, f.listener.names())

	err = f.tm.Commit(ctx, g)
	assert.True(t, rrserrors.Is(err, rrserrors.IllegalState))
}

func TestSingleBranchCommitsInOnePhase(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	res := &fakeResource{name: "A"}

	g, err := f.tm.Begin(ctx)
	require.NoError(t, err)
	f.enlist(t, g, res)

	require.NoError(t, f.tm.Commit(ctx, g))
	assert.Equal(t, []string{"start", "end", "commit-1pc"}, res.calls)
	assert.Empty(t, f.decisions(t))
}

func TestTwoPhaseCommitLogsDecision(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	a, b := &fakeResource{name: "A"}, &fakeResource{name: "B"}

	g, err := f.tm.Begin(ctx)
	require.NoError(t, err)
	f.enlist(t, g, a)
	f.enlist(t, g, b)
	assert.Equal(t, 2, g.Branches())

	require.NoError(t, f.tm.Commit(ctx, g))
	assert.Equal(t, []string{"start", "end", "prepare", "commit"}, a.calls)
	assert.Equal(t, []string{"start", "end", "prepare", "commit"}, b.calls)
	assert.Empty(t, f.decisions(t))
	assert.Equal(t, GlobalCommitted, g.State())
}

func TestReadOnlyBranchIsNotCommitted(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	a, b := &fakeResource{name: "A", vote: transaction.XARdOnly}, &fakeResource{name: "B"}

	g, _ := f.tm.Begin(ctx)
	f.enlist(t, g, a)
	f.enlist(t, g, b)

	require.NoError(t, f.tm.Commit(ctx, g))
	assert.Equal(t, []string{"start", "end", "prepare"}, a.calls)
	assert.Equal(t, []string{"start", "end", "prepare", "commit"}, b.calls)
}

func TestFailedVoteRollsBack(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	veto := &transaction.XAException{ErrorCode: transaction.XARBRollback, Message: "backed out"}
	a := &fakeResource{name: "A"}
	b := &fakeResource{name: "B", vote: transaction.XARBRollback, prepareErr: veto}
	c := &fakeResource{name: "C"}

	g, _ := f.tm.Begin(ctx)
	f.enlist(t, g, a)
	f.enlist(t, g, b)
	f.enlist(t, g, c)

	err := f.tm.Commit(ctx, g)
	require.Error(t, err)
	assert.True(t, rrserrors.Is(err, rrserrors.Rollback))
	assert.Equal(t, []string{"start", "end", "prepare", "rollback"}, a.calls)
	assert.Equal(t, []string{"start", "end", "prepare"}, b.calls)
	assert.Equal(t, []string{"start", "end", "rollback"}, c.calls)
	assert.Equal(t, GlobalAborted, g.State())
	assert.Empty(t, f.decisions(t))
}

func TestRollbackOnlyIsRolledBack(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	res := &fakeResource{name: "A"}

	g, _ := f.tm.Begin(ctx)
	f.enlist(t, g, res)
	g.SetRollbackOnly()

	err := f.tm.Commit(ctx, g)
	assert.True(t, rrserrors.Is(err, rrserrors.Rollback))
	assert.Equal(t, []string{"start", "end-fail", "rollback"}, res.calls)
	assert.Equal(t, transaction.EventPostEnd, f.listener.names()[len(f.listener.events)-1])
}

func TestTimedOutTransactionIsRolledBack(t *testing.T) {
	f := newFixture(t, Config{DefaultTimeout: time.Millisecond})
	ctx := context.Background()
	res := &fakeResource{name: "A"}

	g, _ := f.tm.Begin(ctx)
	f.enlist(t, g, res)
	assert.LessOrEqual(t, res.timeout, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	err := f.tm.Commit(ctx, g)
	assert.True(t, rrserrors.Is(err, rrserrors.Rollback))
	assert.Equal(t, []string{"start", "end-fail", "rollback"}, res.calls)
}

func TestUnknownCommitOutcomeKeepsDecision(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	a := &fakeResource{name: "A"}
	b := &fakeResource{name: "B", commitErr: &transaction.XAException{ErrorCode: transaction.XAErrorRMFAIL, Message: "unavailable"}}

	g, _ := f.tm.Begin(ctx)
	f.enlist(t, g, a)
	f.enlist(t, g, b)

	err := f.tm.Commit(ctx, g)
	assert.Equal(t, transaction.XAErrorRMFAIL, transaction.XACodeOf(err))
	assert.Equal(t, GlobalHeuristic, g.State())

	decisions := f.decisions(t)
	require.Len(t, decisions, 1)
	assert.True(t, g.XID().Equal(decisions[0].XID))
	assert.Equal(t, []string{"A", "B"}, decisions[0].Resources)
}

func TestHeuristicCommitIsReported(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	mixed := &transaction.XAException{
		ErrorCode: transaction.XAHeurMix,
		Message:   "mixed",
		Cause:     rrserrors.HeuristicMixed.Explain("outcome mixed"),
	}
	a := &fakeResource{name: "A"}
	b := &fakeResource{name: "B", commitErr: mixed}

	g, _ := f.tm.Begin(ctx)
	f.enlist(t, g, a)
	f.enlist(t, g, b)

	err := f.tm.Commit(ctx, g)
	assert.True(t, rrserrors.Is(err, rrserrors.HeuristicMixed))
	assert.Equal(t, GlobalHeuristic, g.State())
	assert.Empty(t, f.decisions(t))
}

func TestEnlistGuards(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	res := &fakeResource{name: "A"}

	g, _ := f.tm.Begin(ctx)
	err := f.tm.Enlist(ctx, g, res, 42)
	assert.True(t, rrserrors.Is(err, rrserrors.IllegalState))

	f.enlist(t, g, res)
	f.enlist(t, g, &fakeResource{name: "A"})
	assert.Equal(t, 1, g.Branches())

	require.NoError(t, f.tm.Rollback(ctx, g))
	id, _ := f.tm.RegisterResourceInfo("A", res)
	err = f.tm.Enlist(ctx, g, res, id)
	assert.True(t, rrserrors.Is(err, rrserrors.IllegalState))
}

func TestRegisterKeepsRecoveryID(t *testing.T) {
	f := newFixture(t, Config{})

	a, err := f.tm.RegisterResourceInfo("A", &fakeResource{name: "A"})
	require.NoError(t, err)
	b, _ := f.tm.RegisterResourceInfo("B", &fakeResource{name: "B"})
	again, _ := f.tm.RegisterResourceInfo("A", &fakeResource{name: "A"})

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, again)

	_, err = f.tm.RegisterResourceInfo("", &fakeResource{})
	assert.Error(t, err)
}

func TestSuspendAndResume(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	res := &fakeResource{name: "A"}

	g, _ := f.tm.Begin(ctx)
	f.enlist(t, g, res)
	require.NoError(t, f.tm.Suspend(ctx, g))
	require.NoError(t, f.tm.Resume(ctx, g))
	require.NoError(t, f.tm.Commit(ctx, g))

	assert.Equal(t, []string{"start", "suspend", "resume", "end", "commit-1pc"}, res.calls)
	assert.Equal(t, []transaction.Event{
		transaction.EventPostBegin,
		transaction.EventSuspend,
		transaction.EventResume,
		transaction.EventPostEnd,
	}, f.listener.names())
}

func TestListenerFailureAbortsBegin(t *testing.T) {
	f := newFixture(t, Config{})
	f.listener.fail = map[transaction.Event]error{transaction.EventPostBegin: errors.New("no context")}

	g, err := f.tm.Begin(context.Background())
	assert.Nil(t, g)
	assert.ErrorContains(t, err, "no context")
	assert.Equal(t, []transaction.Event{transaction.EventPostBegin, transaction.EventPostEnd}, f.listener.names())
	assert.Equal(t, 0, f.tm.Active())
}

func TestLocalTransactionEvents(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	l, err := f.tm.BeginLocal(ctx, native.ActionBackout)
	require.NoError(t, err)
	assert.Equal(t, native.ActionBackout, l.UnresolvedAction())
	l.SetRollbackOnly()
	assert.True(t, l.RollbackOnly())

	require.NoError(t, f.tm.EndLocal(ctx, l))
	require.Len(t, f.listener.events, 2)
	assert.Equal(t, l.String(), f.listener.events[1].coord)
}

func TestRecoverAppliesDecisions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	committed := transaction.XID{FormatID: 1, GlobalTxnID: []byte("g1"), BranchQualID: []byte("b")}
	aborted := transaction.XID{FormatID: 1, GlobalTxnID: []byte("g2"), BranchQualID: []byte("b")}
	require.NoError(t, f.log.LogCommit(ctx, Decision{XID: committed, Resources: []string{"A"}}))

	res := &fakeResource{name: "A", inDoubt: []transaction.XID{committed, aborted}}
	_, err := f.tm.RegisterResourceInfo("A", res)
	require.NoError(t, err)

	result, err := f.tm.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryResult{Committed: 1, RolledBack: 1}, result)
	assert.Equal(t, []string{"commit", "rollback"}, res.calls)
	assert.Empty(t, f.decisions(t))
}

func TestRecoverKeepsDecisionForMissingResource(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	xid := transaction.XID{FormatID: 1, GlobalTxnID: []byte("g1")}
	require.NoError(t, f.log.LogCommit(ctx, Decision{XID: xid, Resources: []string{"A", "B"}}))
	_, err := f.tm.RegisterResourceInfo("A", &fakeResource{name: "A", inDoubt: []transaction.XID{xid}})
	require.NoError(t, err)

	result, err := f.tm.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Committed)
	assert.Len(t, f.decisions(t), 1)
}

func TestBadgerDecisionLog(t *testing.T) {
	ctx := context.Background()
	log, err := OpenBadgerDecisionLog(t.TempDir())
	require.NoError(t, err)
	defer log.Close()

	xid := transaction.XID{FormatID: 7, GlobalTxnID: []byte("g1"), BranchQualID: []byte{0x01}}
	require.NoError(t, log.LogCommit(ctx, Decision{XID: xid, Resources: []string{"A"}, DecidedAt: time.Now()}))

	got, err := log.Decisions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, xid.Equal(got[0].XID))
	assert.Equal(t, []string{"A"}, got[0].Resources)

	require.NoError(t, log.Forget(ctx, xid))
	got, err = log.Decisions(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}
