package native

import "fmt"

// ReturnCode is the return code of a registry call.
type ReturnCode int

// Registry return codes. Values are the registry's; only the ones the
// coordinator branches on are named.
const (
	RCOK                        ReturnCode = 0x000
	RCForget                    ReturnCode = 0x004
	RCNoMoreIncompleteInterests ReturnCode = 0x008
	RCBackedOut                 ReturnCode = 0x00C
	RCBackedOutOutcomePending   ReturnCode = 0x010
	RCBackedOutOutcomeMixed     ReturnCode = 0x014
	RCCommittedOutcomePending   ReturnCode = 0x018
	RCCommittedOutcomeMixed     ReturnCode = 0x01C
	RCProgramStateError         ReturnCode = 0x701
	RCURStateError              ReturnCode = 0x702
	RCInvalidToken              ReturnCode = 0x703
	RCRMStateError              ReturnCode = 0x704
	RCUnexpectedError           ReturnCode = 0xFFF
)

var rcNames = map[ReturnCode]string{
	RCOK:                        "ATR_OK",
	RCForget:                    "ATR_FORGET",
	RCNoMoreIncompleteInterests: "ATR_NO_MORE_INCOMPLETE_INTERESTS",
	RCBackedOut:                 "ATR_BACKED_OUT",
	RCBackedOutOutcomePending:   "ATR_BACKED_OUT_OUTCOME_PENDING",
	RCBackedOutOutcomeMixed:     "ATR_BACKED_OUT_OUTCOME_MIXED",
	RCCommittedOutcomePending:   "ATR_COMMITTED_OUTCOME_PENDING",
	RCCommittedOutcomeMixed:     "ATR_COMMITTED_OUTCOME_MIXED",
	RCProgramStateError:         "ATR_PROGRAM_STATE_ERROR",
	RCURStateError:              "ATR_UR_STATE_ERROR",
	RCInvalidToken:              "ATR_INVALID_TOKEN",
	RCRMStateError:              "ATR_RM_STATE_ERROR",
	RCUnexpectedError:           "ATR_UNEXPECTED_ERROR",
}

func (rc ReturnCode) String() string {
	if name, ok := rcNames[rc]; ok {
		return name
	}
	return fmt.Sprintf("RC(0x%03X)", int(rc))
}

// OK reports whether rc is RCOK.
func (rc ReturnCode) OK() bool { return rc == RCOK }

// Mixed reports whether rc announces a heuristic-mixed outcome.
func (rc ReturnCode) Mixed() bool {
	return rc == RCBackedOutOutcomeMixed || rc == RCCommittedOutcomeMixed
}

// SideInfo is the side information flag set retrieved for a unit of recovery.
// Only the flags the coordinator acts on are modelled.
type SideInfo uint32

const (
	SideReset SideInfo = 1 << iota
	SideInterests
	SideBackoutPending
	SideCommitted
	SideHeuristicMixed
)

// Has reports whether all of flags are set.
func (s SideInfo) Has(flags SideInfo) bool { return s&flags == flags }

// Dirty reports whether the unit of recovery still has interests or a pending backout.
func (s SideInfo) Dirty() bool { return s&(SideInterests|SideBackoutPending) != 0 }

func (s SideInfo) String() string {
	names := []string{"RESET", "INTERESTS", "BACKOUT_PENDING", "COMMITTED", "HEURISTIC_MIXED"}
	out := ""
	for i, n := range names {
		if s&(1<<i) != 0 {
			if out != "" {
				out += "|"
			}
			out += n
		}
	}
	if out == "" {
		return "NONE"
	}
	return out
}

// URState is the registry's state of a unit of recovery.
type URState int

const (
	URStateInReset URState = iota
	URStateInFlight
	URStateInPrepare
	URStateInDoubt
	URStateInCommit
	URStateInBackout
	URStateInEnd
	URStateForgotten
)

var urStateNames = [...]string{"IN_RESET", "IN_FLIGHT", "IN_PREPARE", "IN_DOUBT", "IN_COMMIT", "IN_BACKOUT", "IN_END", "FORGOTTEN"}

func (s URState) String() string {
	if int(s) < len(urStateNames) {
		return urStateNames[s]
	}
	return fmt.Sprintf("URState(%d)", int(s))
}

// BeginMode selects how BeginTransaction scopes the new unit of recovery.
type BeginMode int

const (
	BeginGlobal BeginMode = iota
	BeginLocal
)

// Action is the completion direction for EndUR.
type Action int

const (
	ActionCommit Action = iota
	ActionBackout
)

func (a Action) String() string {
	if a == ActionCommit {
		return "COMMIT"
	}
	return "BACKOUT"
}

// EndContextMode selects normal or forced termination of a context.
type EndContextMode int

const (
	EndContextNormal EndContextMode = iota
	EndContextForced
)

func (m EndContextMode) String() string {
	if m == EndContextForced {
		return "FORCED"
	}
	return "NORMAL"
}

// RestartResponse answers an interest retrieved during restart.
type RestartResponse int

const (
	// RespondContinue keeps the interest; resolution is deferred to the transaction manager.
	RespondContinue RestartResponse = iota
	// RespondComplete tells the registry restart processing for the interest is done.
	RespondComplete
)

// SyncpointControls establish the resource manager's vote authority for a unit of recovery.
type SyncpointControls struct {
	PrepareOK bool
	CommitOK  bool
	BackoutOK bool
	// SDSRM allows synchronous deferred single resource manager completion.
	SDSRM bool
}
