// Package nativetest provides a testify mock of native.Port for protocol-sequence tests.
package nativetest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/Aidin1998/rrsbridge/internal/native"
)

// MockPort implements native.Port for testing.
type MockPort struct {
	mock.Mock
}

var _ native.Port = (*MockPort)(nil)

func (m *MockPort) RegisterResourceManager(ctx context.Context, name string) native.RegisterResult {
	args := m.Called(ctx, name)
	return args.Get(0).(native.RegisterResult)
}

func (m *MockPort) UnregisterResourceManager(ctx context.Context, rmToken native.Token) native.ReturnCode {
	args := m.Called(ctx, rmToken)
	return args.Get(0).(native.ReturnCode)
}

func (m *MockPort) SetExitInformation(ctx context.Context, rmToken native.Token) native.ReturnCode {
	args := m.Called(ctx, rmToken)
	return args.Get(0).(native.ReturnCode)
}

func (m *MockPort) SetEnvironment(ctx context.Context, rmToken native.Token) native.ReturnCode {
	args := m.Called(ctx, rmToken)
	return args.Get(0).(native.ReturnCode)
}

func (m *MockPort) RetrieveLogName(ctx context.Context, rmToken native.Token) native.LogNameResult {
	args := m.Called(ctx, rmToken)
	return args.Get(0).(native.LogNameResult)
}

func (m *MockPort) SetLogName(ctx context.Context, rmToken native.Token, logName string) native.ReturnCode {
	args := m.Called(ctx, rmToken, logName)
	return args.Get(0).(native.ReturnCode)
}

func (m *MockPort) RetrieveRMMetadata(ctx context.Context, rmToken native.Token) native.MetadataResult {
	args := m.Called(ctx, rmToken)
	return args.Get(0).(native.MetadataResult)
}

func (m *MockPort) SetRMMetadata(ctx context.Context, rmToken native.Token, metadata []byte) native.ReturnCode {
	args := m.Called(ctx, rmToken, metadata)
	return args.Get(0).(native.ReturnCode)
}

func (m *MockPort) BeginRestart(ctx context.Context, rmToken native.Token) native.ReturnCode {
	args := m.Called(ctx, rmToken)
	return args.Get(0).(native.ReturnCode)
}

func (m *MockPort) RetrieveURInterest(ctx context.Context, rmToken native.Token) native.RetrievedInterest {
	args := m.Called(ctx, rmToken)
	return args.Get(0).(native.RetrievedInterest)
}

func (m *MockPort) RespondToRetrievedInterest(ctx context.Context, interest native.Interest, response native.RestartResponse) native.ReturnCode {
	args := m.Called(ctx, interest, response)
	return args.Get(0).(native.ReturnCode)
}

func (m *MockPort) EndRestart(ctx context.Context, rmToken native.Token) native.ReturnCode {
	args := m.Called(ctx, rmToken)
	return args.Get(0).(native.ReturnCode)
}

func (m *MockPort) BeginContext(ctx context.Context, rmToken native.Token) native.ContextResult {
	args := m.Called(ctx, rmToken)
	return args.Get(0).(native.ContextResult)
}

func (m *MockPort) ContextSwitch(ctx context.Context, contextToken native.Token) native.SwitchResult {
	args := m.Called(ctx, contextToken)
	return args.Get(0).(native.SwitchResult)
}

func (m *MockPort) EndContext(ctx context.Context, contextToken native.Token, mode native.EndContextMode) native.ReturnCode {
	args := m.Called(ctx, contextToken, mode)
	return args.Get(0).(native.ReturnCode)
}

func (m *MockPort) RetrieveCurrentContextToken(ctx context.Context) native.CurrentContextResult {
	args := m.Called(ctx)
	return args.Get(0).(native.CurrentContextResult)
}

func (m *MockPort) RetrieveSideInformationFast(ctx context.Context, contextToken native.Token) native.SideInfoResult {
	args := m.Called(ctx, contextToken)
	return args.Get(0).(native.SideInfoResult)
}

func (m *MockPort) RetrieveSideInformation(ctx context.Context, interest native.Interest) native.SideInfoResult {
	args := m.Called(ctx, interest)
	return args.Get(0).(native.SideInfoResult)
}

func (m *MockPort) EndUR(ctx context.Context, contextToken native.Token, action native.Action) native.ReturnCode {
	args := m.Called(ctx, contextToken, action)
	return args.Get(0).(native.ReturnCode)
}

func (m *MockPort) BeginTransaction(ctx context.Context, mode native.BeginMode) native.BeginTransactionResult {
	args := m.Called(ctx, mode)
	return args.Get(0).(native.BeginTransactionResult)
}

func (m *MockPort) SetWorkIdentifier(ctx context.Context, urToken native.Token, workID []byte) native.ReturnCode {
	args := m.Called(ctx, urToken, workID)
	return args.Get(0).(native.ReturnCode)
}

func (m *MockPort) ExpressURInterest(ctx context.Context, rmRegistryToken, contextToken native.Token, presumeAbort bool) native.InterestResult {
	args := m.Called(ctx, rmRegistryToken, contextToken, presumeAbort)
	return args.Get(0).(native.InterestResult)
}

func (m *MockPort) SetSyncpointControls(ctx context.Context, interest native.Interest, controls native.SyncpointControls) native.ReturnCode {
	args := m.Called(ctx, interest, controls)
	return args.Get(0).(native.ReturnCode)
}

func (m *MockPort) PrepareAgentUR(ctx context.Context, interest native.Interest) native.ReturnCode {
	args := m.Called(ctx, interest)
	return args.Get(0).(native.ReturnCode)
}

func (m *MockPort) CommitAgentUR(ctx context.Context, interest native.Interest) native.ReturnCode {
	args := m.Called(ctx, interest)
	return args.Get(0).(native.ReturnCode)
}

func (m *MockPort) BackoutAgentUR(ctx context.Context, interest native.Interest) native.ReturnCode {
	args := m.Called(ctx, interest)
	return args.Get(0).(native.ReturnCode)
}

func (m *MockPort) DelegateCommitAgentUR(ctx context.Context, interest native.Interest) native.ReturnCode {
	args := m.Called(ctx, interest)
	return args.Get(0).(native.ReturnCode)
}

func (m *MockPort) ForgetAgentURInterest(ctx context.Context, interest native.Interest) native.ReturnCode {
	args := m.Called(ctx, interest)
	return args.Get(0).(native.ReturnCode)
}

func (m *MockPort) RetrieveURData(ctx context.Context, interest native.Interest) native.URDataResult {
	args := m.Called(ctx, interest)
	return args.Get(0).(native.URDataResult)
}

func (m *MockPort) RetrieveWorkIdentifier(ctx context.Context, interest native.Interest) native.WorkIDResult {
	args := m.Called(ctx, interest)
	return args.Get(0).(native.WorkIDResult)
}

// CallNames returns the method names invoked so far, in order.
func (m *MockPort) CallNames() []string {
	names := make([]string, 0, len(m.Mock.Calls))
	for _, c := range m.Mock.Calls {
		names = append(names, c.Method)
	}
	return names
}
