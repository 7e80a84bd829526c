package nativectx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/rrsbridge/internal/native"
	"github.com/Aidin1998/rrsbridge/internal/native/nativetest"
	rrserrors "github.com/Aidin1998/rrsbridge/pkg/errors"
)

type testUOW string

func (u testUOW) String() string { return string(u) }

var (
	rmToken   = native.Token("rm-token")
	ctxToken1 = native.Token("ctx-1")
	ctxReg1   = native.Token("ctx-reg-1")
	ctxToken2 = native.Token("ctx-2")
	noToken   = native.Token(nil)
)

func newTestManager(t *testing.T) (*Manager, *nativetest.MockPort) {
	t.Helper()
	port := &nativetest.MockPort{}
	return NewManager(port, rmToken, zap.NewNop()), port
}

func expectBegin(port *nativetest.MockPort, token native.Token) []*mock.Call {
	return []*mock.Call{
		port.On("BeginContext", mock.Anything, rmToken).
			Return(native.ContextResult{RC: native.RCOK, ContextToken: token, ContextRegistryToken: ctxReg1}).Once(),
		port.On("ContextSwitch", mock.Anything, token).
			Return(native.SwitchResult{RC: native.RCOK, Previous: noToken}).Once(),
	}
}

func switchOff(port *nativetest.MockPort, from native.Token) *mock.Call {
	return port.On("ContextSwitch", mock.Anything, noToken).
		Return(native.SwitchResult{RC: native.RCOK, Previous: from}).Once()
}

func TestBeginRecordsContext(t *testing.T) {
	m, port := newTestManager(t)
	mock.InOrder(expectBegin(port, ctxToken1)...)

	ctx := context.Background()
	require.NoError(t, m.Begin(ctx, testUOW("tx1")))

	token, ok := m.Token(testUOW("tx1"))
	require.True(t, ok)
	assert.Equal(t, ctxToken1, token)
	assert.True(t, m.IsResident(ctx, testUOW("tx1")))
	assert.Equal(t, ctxReg1, m.Context(testUOW("tx1")).RegistryToken())
	assert.Equal(t, Active, m.Context(testUOW("tx1")).State())
	port.AssertExpectations(t)
}

func TestDoubleBeginIsIllegal(t *testing.T) {
	m, port := newTestManager(t)
	mock.InOrder(expectBegin(port, ctxToken1)...)

	ctx := context.Background()
	require.NoError(t, m.Begin(ctx, testUOW("tx1")))

	err := m.Begin(ctx, testUOW("tx1"))
	assert.True(t, rrserrors.Is(err, rrserrors.IllegalState))

	err = m.Begin(ctx, testUOW("tx2"))
	assert.True(t, rrserrors.Is(err, rrserrors.IllegalState))

	assert.Equal(t, 1, m.Len())
	port.AssertExpectations(t)
}

func TestBeginContextFailureHasNoSideEffects(t *testing.T) {
	m, port := newTestManager(t)
	port.On("BeginContext", mock.Anything, rmToken).
		Return(native.ContextResult{RC: native.RCUnexpectedError}).Once()

	err := m.Begin(context.Background(), testUOW("tx1"))
	require.Error(t, err)
	assert.True(t, rrserrors.Is(err, rrserrors.Native))
	rc, ok := native.RCOf(err)
	require.True(t, ok)
	assert.Equal(t, native.RCUnexpectedError, rc)

	assert.Equal(t, 0, m.Len())
	assert.True(t, m.Resident(context.Background()).IsNative())
	port.AssertExpectations(t)
	port.AssertNotCalled(t, "ContextSwitch", mock.Anything, mock.Anything)
}

func TestSuspendResumeRestoresSameToken(t *testing.T) {
	m, port := newTestManager(t)
	calls := expectBegin(port, ctxToken1)
	calls = append(calls,
		switchOff(port, ctxToken1),
		port.On("ContextSwitch", mock.Anything, ctxToken1).
			Return(native.SwitchResult{RC: native.RCOK, Previous: noToken}).Once(),
	)
	mock.InOrder(calls...)

	ctx := context.Background()
	uow := testUOW("tx1")
	require.NoError(t, m.Begin(ctx, uow))
	before, _ := m.Token(uow)

	require.NoError(t, m.Suspend(ctx, uow))
	assert.False(t, m.IsResident(ctx, uow))
	assert.True(t, m.Resident(ctx).IsNative())

	require.NoError(t, m.Resume(ctx, uow))
	after, _ := m.Token(uow)
	assert.Equal(t, before, after)
	assert.Equal(t, ctxToken1, m.Resident(ctx).Token())
	port.AssertExpectations(t)
}

func TestSuspendWithoutBeginStartsLazily(t *testing.T) {
	m, port := newTestManager(t)
	calls := expectBegin(port, ctxToken1)
	calls = append(calls, switchOff(port, ctxToken1))
	mock.InOrder(calls...)

	ctx := context.Background()
	require.NoError(t, m.Suspend(ctx, testUOW("tx1")))

	assert.Equal(t, 1, m.Len())
	assert.True(t, m.Resident(ctx).IsNative())
	assert.Equal(t, []string{"BeginContext", "ContextSwitch", "ContextSwitch"}, port.CallNames())
	port.AssertExpectations(t)
}

func TestSuspendWrongCoordinatorIsIllegal(t *testing.T) {
	m, port := newTestManager(t)
	mock.InOrder(expectBegin(port, ctxToken1)...)

	ctx := context.Background()
	require.NoError(t, m.Begin(ctx, testUOW("tx1")))

	err := m.Suspend(ctx, testUOW("tx2"))
	assert.True(t, rrserrors.Is(err, rrserrors.IllegalState))
	port.AssertExpectations(t)
}

func TestResumeGuards(t *testing.T) {
	m, port := newTestManager(t)
	calls := expectBegin(port, ctxToken1)
	calls = append(calls, expectBegin(port, ctxToken2)...)
	mock.InOrder(calls...)

	ctx := context.Background()
	err := m.Resume(ctx, testUOW("unknown"))
	assert.True(t, rrserrors.Is(err, rrserrors.IllegalState))

	require.NoError(t, m.Begin(ctx, testUOW("tx1")))
	err = m.Resume(ctx, testUOW("tx1"))
	assert.True(t, rrserrors.Is(err, rrserrors.IllegalState))

	// tx1 is resident on the default thread, so another thread cannot take it.
	other := native.WithThread(ctx, 2)
	err = m.Resume(other, testUOW("tx1"))
	assert.True(t, rrserrors.Is(err, rrserrors.IllegalState))

	require.NoError(t, m.Begin(other, testUOW("tx2")))
	assert.True(t, m.IsResident(other, testUOW("tx2")))
	assert.True(t, m.IsResident(ctx, testUOW("tx1")))
	port.AssertExpectations(t)
}

func TestEndCleanUsesNormalEnd(t *testing.T) {
	m, port := newTestManager(t)
	calls := expectBegin(port, ctxToken1)
	calls = append(calls,
		switchOff(port, ctxToken1),
		port.On("RetrieveSideInformationFast", mock.Anything, ctxToken1).
			Return(native.SideInfoResult{RC: native.RCOK, Flags: native.SideReset}).Once(),
		port.On("EndContext", mock.Anything, ctxToken1, native.EndContextNormal).
			Return(native.RCOK).Once(),
	)
	mock.InOrder(calls...)

	ctx := context.Background()
	uow := testUOW("tx1")
	require.NoError(t, m.Begin(ctx, uow))
	c := m.Context(uow)
	require.NoError(t, m.End(ctx, uow))

	assert.Equal(t, 0, m.Len())
	assert.Equal(t, Clean, c.State())
	assert.Nil(t, c.UOW())
	port.AssertExpectations(t)
	port.AssertNotCalled(t, "EndContext", mock.Anything, ctxToken1, native.EndContextForced)
}

func TestEndDirtyUsesForcedEnd(t *testing.T) {
	for name, flags := range map[string]native.SideInfo{
		"interests":       native.SideInterests,
		"backout pending": native.SideBackoutPending,
	} {
		t.Run(name, func(t *testing.T) {
			m, port := newTestManager(t)
			calls := expectBegin(port, ctxToken1)
			calls = append(calls,
				switchOff(port, ctxToken1),
				port.On("RetrieveSideInformationFast", mock.Anything, ctxToken1).
					Return(native.SideInfoResult{RC: native.RCOK, Flags: flags}).Once(),
				port.On("EndContext", mock.Anything, ctxToken1, native.EndContextForced).
					Return(native.RCOK).Once(),
			)
			mock.InOrder(calls...)

			ctx := context.Background()
			require.NoError(t, m.Begin(ctx, testUOW("tx1")))
			require.NoError(t, m.End(ctx, testUOW("tx1")))

			port.AssertExpectations(t)
			port.AssertNotCalled(t, "EndContext", mock.Anything, ctxToken1, native.EndContextNormal)
		})
	}
}

func TestEndSuspendedContextDoesNotSwitch(t *testing.T) {
	m, port := newTestManager(t)
	calls := expectBegin(port, ctxToken1)
	calls = append(calls,
		switchOff(port, ctxToken1),
		port.On("RetrieveSideInformationFast", mock.Anything, ctxToken1).
			Return(native.SideInfoResult{RC: native.RCOK}).Once(),
		port.On("EndContext", mock.Anything, ctxToken1, native.EndContextNormal).
			Return(native.RCOK).Once(),
	)
	mock.InOrder(calls...)

	ctx := context.Background()
	require.NoError(t, m.Begin(ctx, testUOW("tx1")))
	require.NoError(t, m.Suspend(ctx, testUOW("tx1")))
	require.NoError(t, m.End(ctx, testUOW("tx1")))

	assert.Equal(t, []string{"BeginContext", "ContextSwitch", "ContextSwitch", "RetrieveSideInformationFast", "EndContext"}, port.CallNames())
}

func TestDoubleEndIsIllegal(t *testing.T) {
	m, port := newTestManager(t)
	calls := expectBegin(port, ctxToken1)
	calls = append(calls,
		switchOff(port, ctxToken1),
		port.On("RetrieveSideInformationFast", mock.Anything, ctxToken1).
			Return(native.SideInfoResult{RC: native.RCOK}).Once(),
		port.On("EndContext", mock.Anything, ctxToken1, native.EndContextNormal).
			Return(native.RCOK).Once(),
	)
	mock.InOrder(calls...)

	ctx := context.Background()
	require.NoError(t, m.Begin(ctx, testUOW("tx1")))
	require.NoError(t, m.End(ctx, testUOW("tx1")))

	err := m.End(ctx, testUOW("tx1"))
	assert.True(t, rrserrors.Is(err, rrserrors.IllegalState))
	port.AssertExpectations(t)
}

func TestEndWrongCoordinatorIsIllegal(t *testing.T) {
	m, port := newTestManager(t)
	calls := expectBegin(port, ctxToken1)
	calls = append(calls, switchOff(port, ctxToken1))
	calls = append(calls, expectBegin(port, ctxToken2)...)
	mock.InOrder(calls...)

	ctx := context.Background()
	require.NoError(t, m.Begin(ctx, testUOW("tx1")))
	require.NoError(t, m.Suspend(ctx, testUOW("tx1")))
	require.NoError(t, m.Begin(ctx, testUOW("tx2")))

	err := m.End(ctx, testUOW("tx1"))
	assert.True(t, rrserrors.Is(err, rrserrors.IllegalState))
	assert.Equal(t, 2, m.Len())
	port.AssertExpectations(t)
}

func TestDestroyerFailureIsFatal(t *testing.T) {
	m, port := newTestManager(t)
	calls := expectBegin(port, ctxToken1)
	calls = append(calls,
		switchOff(port, ctxToken1),
		port.On("RetrieveSideInformationFast", mock.Anything, ctxToken1).
			Return(native.SideInfoResult{RC: native.RCOK}).Once(),
		port.On("EndContext", mock.Anything, ctxToken1, native.EndContextNormal).
			Return(native.RCUnexpectedError).Once(),
	)
	mock.InOrder(calls...)

	ctx := context.Background()
	require.NoError(t, m.Begin(ctx, testUOW("tx1")))
	err := m.End(ctx, testUOW("tx1"))
	require.Error(t, err)
	assert.True(t, rrserrors.Is(err, rrserrors.Fatal))
	port.AssertExpectations(t)
}

func TestDestroyerIgnoresNativeContext(t *testing.T) {
	port := &nativetest.MockPort{}
	d := NewDestroyer(port, zap.NewNop())
	m := NewManager(port, rmToken, zap.NewNop())

	require.NoError(t, d.Destroy(context.Background(), m.NativeContext(), native.EndContextForced))
	port.AssertNotCalled(t, "EndContext", mock.Anything, mock.Anything, mock.Anything)
}

// expectRetire sets up the native work done when a thread with ctxToken1
// resident and an untouched unit of recovery goes away.
func expectRetire(port *nativetest.MockPort) []*mock.Call {
	return []*mock.Call{
		port.On("RetrieveSideInformationFast", mock.Anything, ctxToken1).
			Return(native.SideInfoResult{RC: native.RCOK}).Once(),
		port.On("EndUR", mock.Anything, ctxToken1, native.ActionBackout).
			Return(native.RCOK).Once(),
		switchOff(port, ctxToken1),
		port.On("EndContext", mock.Anything, ctxToken1, native.EndContextForced).
			Return(native.RCOK).Once(),
	}
}

var retireSequence = []string{
	"BeginContext", "ContextSwitch",
	"RetrieveSideInformationFast", "EndUR", "ContextSwitch", "EndContext",
}

func TestThreadTerminatingThenDestroy(t *testing.T) {
	m, port := newTestManager(t)
	calls := expectBegin(port, ctxToken1)
	calls = append(calls, expectRetire(port)...)
	mock.InOrder(calls...)

	ctx := context.Background()
	require.NoError(t, m.Begin(ctx, testUOW("tx1")))

	require.NoError(t, m.ThreadTerminating(ctx))
	require.NoError(t, m.ThreadTerminating(ctx))
	require.NoError(t, m.Destroy(ctx, 0))

	assert.Equal(t, retireSequence, port.CallNames())
	assert.Equal(t, 0, m.Len())
	port.AssertExpectations(t)
}

func TestDestroyThenThreadTerminating(t *testing.T) {
	m, port := newTestManager(t)
	calls := expectBegin(port, ctxToken1)
	calls = append(calls, expectRetire(port)...)
	mock.InOrder(calls...)

	ctx := context.Background()
	require.NoError(t, m.Begin(ctx, testUOW("tx1")))

	require.NoError(t, m.Destroy(ctx, 0))
	require.NoError(t, m.ThreadTerminating(ctx))
	require.NoError(t, m.ThreadTerminating(ctx))

	assert.Equal(t, retireSequence, port.CallNames())
	assert.Equal(t, 0, m.Len())
	port.AssertExpectations(t)
}

func TestThreadTerminatingOnNativeContext(t *testing.T) {
	m, port := newTestManager(t)
	port.On("RetrieveSideInformationFast", mock.Anything, noToken).
		Return(native.SideInfoResult{RC: native.RCOK, Flags: native.SideReset}).Once()

	require.NoError(t, m.ThreadTerminating(context.Background()))
	port.AssertExpectations(t)
	port.AssertNotCalled(t, "EndUR", mock.Anything, mock.Anything, mock.Anything)
	port.AssertNotCalled(t, "ContextSwitch", mock.Anything, mock.Anything)
}

func TestDestroyEndsSuspendedContexts(t *testing.T) {
	m, port := newTestManager(t)
	calls := expectBegin(port, ctxToken1)
	calls = append(calls,
		switchOff(port, ctxToken1),
		// the default thread is released first, on the native context
		port.On("RetrieveSideInformationFast", mock.Anything, noToken).
			Return(native.SideInfoResult{RC: native.RCOK, Flags: native.SideReset}).Once(),
		port.On("RetrieveSideInformationFast", mock.Anything, ctxToken1).
			Return(native.SideInfoResult{RC: native.RCOK, Flags: native.SideReset}).Once(),
		port.On("EndContext", mock.Anything, ctxToken1, native.EndContextNormal).
			Return(native.RCOK).Once(),
	)
	mock.InOrder(calls...)

	ctx := context.Background()
	require.NoError(t, m.Begin(ctx, testUOW("tx1")))
	require.NoError(t, m.Suspend(ctx, testUOW("tx1")))
	require.NoError(t, m.Destroy(ctx, 0))

	assert.Equal(t, 0, m.Len())
	port.AssertExpectations(t)

	err := m.Begin(ctx, testUOW("tx2"))
	assert.True(t, rrserrors.Is(err, rrserrors.IllegalState))
	require.NoError(t, m.Destroy(ctx, 0))
}

func TestDestroyCombinesFailures(t *testing.T) {
	m, port := newTestManager(t)
	calls := expectBegin(port, ctxToken1)
	calls = append(calls,
		port.On("RetrieveSideInformationFast", mock.Anything, ctxToken1).
			Return(native.SideInfoResult{RC: native.RCOK}).Once(),
		port.On("EndUR", mock.Anything, ctxToken1, native.ActionBackout).
			Return(native.RCUnexpectedError).Once(),
		switchOff(port, ctxToken1),
		port.On("EndContext", mock.Anything, ctxToken1, native.EndContextForced).
			Return(native.RCUnexpectedError).Once(),
	)
	mock.InOrder(calls...)

	ctx := context.Background()
	require.NoError(t, m.Begin(ctx, testUOW("tx1")))
	err := m.Destroy(ctx, 0)
	require.Error(t, err)
	assert.True(t, rrserrors.Is(err, rrserrors.Native))
	assert.True(t, rrserrors.Is(err, rrserrors.Fatal))
	port.AssertExpectations(t)
}

func TestDestroyReturnsOnceUnitsOfWorkEnd(t *testing.T) {
	m, port := newTestManager(t)
	calls := expectBegin(port, ctxToken1)
	calls = append(calls,
		switchOff(port, ctxToken1),
		port.On("RetrieveSideInformationFast", mock.Anything, ctxToken1).
			Return(native.SideInfoResult{RC: native.RCOK, Flags: native.SideReset}).Once(),
		port.On("EndContext", mock.Anything, ctxToken1, native.EndContextNormal).
			Return(native.RCOK).Once(),
		port.On("RetrieveSideInformationFast", mock.Anything, noToken).
			Return(native.SideInfoResult{RC: native.RCOK, Flags: native.SideReset}).Once(),
	)
	mock.InOrder(calls...)

	ctx := context.Background()
	require.NoError(t, m.Begin(ctx, testUOW("tx1")))

	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- m.Destroy(ctx, 5*time.Second) }()

	time.Sleep(3 * drainPollInterval)
	require.NoError(t, m.End(ctx, testUOW("tx1")))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Destroy kept waiting after the last unit of work ended")
	}
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 0, m.Len())
	port.AssertExpectations(t)
}
