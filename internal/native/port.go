// Package native defines the call contract of the native resource recovery registry.
//
// The registry is reached through Port. Every call blocks, returns a structured
// result whose RC field carries the registry return code, and never returns a
// Go error: transport level failures surface as RCUnexpectedError.
package native

import (
	"context"
	"encoding/hex"
)

// Token is an opaque registry token (context, UR, interest, RM ...).
type Token []byte

// IsZero reports whether t is empty.
func (t Token) IsZero() bool { return len(t) == 0 }

// Equal reports whether t and o hold the same bytes.
func (t Token) Equal(o Token) bool { return string(t) == string(o) }

func (t Token) String() string {
	if len(t) == 0 {
		return "<native>"
	}
	return hex.EncodeToString(t)
}

// Interest identifies a resource manager's interest in a unit of recovery.
type Interest struct {
	Token         Token
	RegistryToken Token
}

// RegisterResult is returned by RegisterResourceManager.
type RegisterResult struct {
	RC              ReturnCode
	RMToken         Token
	RMRegistryToken Token
}

// LogNameResult is returned by RetrieveLogName.
type LogNameResult struct {
	RC      ReturnCode
	LogName string
}

// MetadataResult is returned by RetrieveRMMetadata.
type MetadataResult struct {
	RC       ReturnCode
	Metadata []byte
}

// ContextResult is returned by BeginContext.
type ContextResult struct {
	RC                   ReturnCode
	ContextToken         Token
	ContextRegistryToken Token
}

// SwitchResult is returned by ContextSwitch. Previous is the token that was
// resident before the switch; an empty token denotes the native context.
type SwitchResult struct {
	RC       ReturnCode
	Previous Token
}

// CurrentContextResult is returned by RetrieveCurrentContextToken.
type CurrentContextResult struct {
	RC           ReturnCode
	ContextToken Token
}

// SideInfoResult is returned by the side information calls.
type SideInfoResult struct {
	RC    ReturnCode
	Flags SideInfo
}

// BeginTransactionResult is returned by BeginTransaction.
type BeginTransactionResult struct {
	RC      ReturnCode
	URToken Token
	URID    Token
}

// InterestResult is returned by ExpressURInterest.
type InterestResult struct {
	RC       ReturnCode
	Interest Interest
}

// URDataResult is returned by RetrieveURData.
type URDataResult struct {
	RC    ReturnCode
	URID  Token
	State URState
}

// WorkIDResult is returned by RetrieveWorkIdentifier.
type WorkIDResult struct {
	RC     ReturnCode
	WorkID []byte
}

// RetrievedInterest is one incomplete interest reported during restart.
type RetrievedInterest struct {
	RC                   ReturnCode
	Interest             Interest
	ContextToken         Token
	ContextRegistryToken Token
	URToken              Token
	URID                 Token
	State                URState
}

// Port is the native services port.
type Port interface {
	RegisterResourceManager(ctx context.Context, name string) RegisterResult
	UnregisterResourceManager(ctx context.Context, rmToken Token) ReturnCode
	SetExitInformation(ctx context.Context, rmToken Token) ReturnCode
	SetEnvironment(ctx context.Context, rmToken Token) ReturnCode

	RetrieveLogName(ctx context.Context, rmToken Token) LogNameResult
	SetLogName(ctx context.Context, rmToken Token, logName string) ReturnCode
	RetrieveRMMetadata(ctx context.Context, rmToken Token) MetadataResult
	SetRMMetadata(ctx context.Context, rmToken Token, metadata []byte) ReturnCode

	BeginRestart(ctx context.Context, rmToken Token) ReturnCode
	RetrieveURInterest(ctx context.Context, rmToken Token) RetrievedInterest
	RespondToRetrievedInterest(ctx context.Context, interest Interest, response RestartResponse) ReturnCode
	EndRestart(ctx context.Context, rmToken Token) ReturnCode

	BeginContext(ctx context.Context, rmToken Token) ContextResult
	ContextSwitch(ctx context.Context, contextToken Token) SwitchResult
	EndContext(ctx context.Context, contextToken Token, mode EndContextMode) ReturnCode
	RetrieveCurrentContextToken(ctx context.Context) CurrentContextResult

	RetrieveSideInformationFast(ctx context.Context, contextToken Token) SideInfoResult
	RetrieveSideInformation(ctx context.Context, interest Interest) SideInfoResult
	EndUR(ctx context.Context, contextToken Token, action Action) ReturnCode

	BeginTransaction(ctx context.Context, mode BeginMode) BeginTransactionResult
	SetWorkIdentifier(ctx context.Context, urToken Token, workID []byte) ReturnCode
	ExpressURInterest(ctx context.Context, rmRegistryToken, contextToken Token, presumeAbort bool) InterestResult
	SetSyncpointControls(ctx context.Context, interest Interest, controls SyncpointControls) ReturnCode
	PrepareAgentUR(ctx context.Context, interest Interest) ReturnCode
	CommitAgentUR(ctx context.Context, interest Interest) ReturnCode
	BackoutAgentUR(ctx context.Context, interest Interest) ReturnCode
	DelegateCommitAgentUR(ctx context.Context, interest Interest) ReturnCode
	ForgetAgentURInterest(ctx context.Context, interest Interest) ReturnCode
	RetrieveURData(ctx context.Context, interest Interest) URDataResult
	RetrieveWorkIdentifier(ctx context.Context, interest Interest) WorkIDResult
}

// ThreadID names a logical thread of control. Contexts are resident per thread.
type ThreadID uint64

type threadKey struct{}

// WithThread returns a child of ctx bound to the logical thread id.
func WithThread(ctx context.Context, id ThreadID) context.Context {
	return context.WithValue(ctx, threadKey{}, id)
}

// ThreadFrom returns the logical thread bound to ctx, or 0 for the default thread.
func ThreadFrom(ctx context.Context) ThreadID {
	id, _ := ctx.Value(threadKey{}).(ThreadID)
	return id
}
