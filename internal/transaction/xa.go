// Package transaction implements the native transaction manager: an XA
// participant driving the registry's unit of recovery protocol, scoped to
// units of work through the context manager.
package transaction

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	rrserrors "github.com/Aidin1998/rrsbridge/pkg/errors"
)

// XA Error codes
type XAErrorCode int

const (
	XAOK          XAErrorCode = 0   // Normal completion
	XARdOnly      XAErrorCode = 3   // Branch was read-only and has been committed
	XAHeurMix     XAErrorCode = 5   // Branch was partially committed and partially rolled back
	XAHeurRB      XAErrorCode = 6   // Branch was rolled back heuristically
	XAHeurCom     XAErrorCode = 7   // Branch was committed heuristically
	XARBRollback  XAErrorCode = 100 // Transaction was rolled back
	XAErrorRMERR  XAErrorCode = -3  // Resource manager error
	XAErrorNOTA   XAErrorCode = -4  // XID not known by RM
	XAErrorINVAL  XAErrorCode = -5  // Invalid arguments
	XAErrorPROTO  XAErrorCode = -6  // Protocol error
	XAErrorRMFAIL XAErrorCode = -7  // Resource manager unavailable
)

var xaCodeNames = map[XAErrorCode]string{
	XAOK:          "XA_OK",
	XARdOnly:      "XA_RDONLY",
	XAHeurMix:     "XA_HEURMIX",
	XAHeurRB:      "XA_HEURRB",
	XAHeurCom:     "XA_HEURCOM",
	XARBRollback:  "XA_RBROLLBACK",
	XAErrorRMERR:  "XAER_RMERR",
	XAErrorNOTA:   "XAER_NOTA",
	XAErrorINVAL:  "XAER_INVAL",
	XAErrorPROTO:  "XAER_PROTO",
	XAErrorRMFAIL: "XAER_RMFAIL",
}

func (c XAErrorCode) String() string {
	if name, ok := xaCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("XA(%d)", int(c))
}

// XA Flags
type XAFlag int

const (
	XAFlagTMNOFLAGS    XAFlag = 0x00000000 // No flags
	XAFlagTMJOIN       XAFlag = 0x00200000 // Join an existing branch
	XAFlagTMRESUME     XAFlag = 0x08000000 // Resume a suspended branch
	XAFlagTMSUCCESS    XAFlag = 0x04000000 // Normal termination
	XAFlagTMFAIL       XAFlag = 0x20000000 // Abnormal termination
	XAFlagTMSUSPEND    XAFlag = 0x02000000 // Suspend the branch
	XAFlagTMSTARTRSCAN XAFlag = 0x01000000 // Start a recovery scan
	XAFlagTMENDRSCAN   XAFlag = 0x00800000 // End a recovery scan
)

// XAException represents an XA-specific error. Cause carries the error kind.
type XAException struct {
	ErrorCode XAErrorCode `json:"error_code"`
	Message   string      `json:"message"`
	Cause     error       `json:"cause,omitempty"`
}

func (e *XAException) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("XA Error %s: %s (caused by: %v)", e.ErrorCode, e.Message, e.Cause)
	}
	return fmt.Sprintf("XA Error %s: %s", e.ErrorCode, e.Message)
}

func (e *XAException) Unwrap() error { return e.Cause }

func xaError(code XAErrorCode, cause error, format string, args ...any) *XAException {
	return &XAException{ErrorCode: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// XACodeOf returns the XA code carried by err, XAOK for nil and XAErrorRMERR
// for errors that are not XA exceptions.
func XACodeOf(err error) XAErrorCode {
	if err == nil {
		return XAOK
	}
	var xe *XAException
	if rrserrors.As(err, &xe) {
		return xe.ErrorCode
	}
	return XAErrorRMERR
}

// XAResource is the participant surface a transaction manager drives.
type XAResource interface {
	Start(ctx context.Context, xid XID, flags XAFlag) error
	End(ctx context.Context, xid XID, flags XAFlag) error

	// Prepare votes on the branch; the result is XAOK or XARdOnly.
	Prepare(ctx context.Context, xid XID) (XAErrorCode, error)
	Commit(ctx context.Context, xid XID, onePhase bool) error
	Rollback(ctx context.Context, xid XID) error
	Forget(ctx context.Context, xid XID) error

	// Recover returns the in-doubt branches known to the resource manager.
	Recover(ctx context.Context, flags XAFlag) ([]XID, error)
	IsSameRM(other XAResource) bool

	GetTransactionTimeout() time.Duration
	SetTransactionTimeout(timeout time.Duration) bool

	// GetResourceName returns the name of this resource
	GetResourceName() string
}

// XID represents a transaction identifier
type XID struct {
	FormatID     int32  // Format identifier
	GlobalTxnID  []byte // Global transaction identifier
	BranchQualID []byte // Branch qualifier
}

const (
	maxXIDPart   = 64
	xidHeaderLen = 6
)

func (x XID) String() string {
	return fmt.Sprintf("XID{fmt=%d,gtxn=%x,bqual=%x}", x.FormatID, x.GlobalTxnID, x.BranchQualID)
}

// IsZero reports whether x carries no global transaction id.
func (x XID) IsZero() bool { return len(x.GlobalTxnID) == 0 }

// Equal reports whether x and o identify the same branch.
func (x XID) Equal(o XID) bool { return x.key() == o.key() }

func (x XID) key() string { return string(x.Bytes()) }

// Validate reports whether x can be stored as a work identifier.
func (x XID) Validate() error {
	switch {
	case len(x.GlobalTxnID) == 0:
		return fmt.Errorf("empty global transaction id")
	case len(x.GlobalTxnID) > maxXIDPart:
		return fmt.Errorf("global transaction id is %d bytes, limit %d", len(x.GlobalTxnID), maxXIDPart)
	case len(x.BranchQualID) > maxXIDPart:
		return fmt.Errorf("branch qualifier is %d bytes, limit %d", len(x.BranchQualID), maxXIDPart)
	}
	return nil
}

// Bytes encodes x as the work identifier stored with the unit of recovery:
// format id (4 bytes, big endian), the two part lengths (1 byte each), then the parts.
func (x XID) Bytes() []byte {
	buf := make([]byte, xidHeaderLen, xidHeaderLen+len(x.GlobalTxnID)+len(x.BranchQualID))
	binary.BigEndian.PutUint32(buf[0:4], uint32(x.FormatID))
	buf[4] = byte(len(x.GlobalTxnID))
	buf[5] = byte(len(x.BranchQualID))
	buf = append(buf, x.GlobalTxnID...)
	return append(buf, x.BranchQualID...)
}

// ParseXID decodes a work identifier produced by XID.Bytes.
func ParseXID(b []byte) (XID, error) {
	if len(b) < xidHeaderLen {
		return XID{}, fmt.Errorf("work identifier too short: %d bytes", len(b))
	}
	gl, bl := int(b[4]), int(b[5])
	if gl > maxXIDPart || bl > maxXIDPart || len(b) != xidHeaderLen+gl+bl {
		return XID{}, fmt.Errorf("malformed work identifier: gtrid=%d bqual=%d len=%d", gl, bl, len(b))
	}
	return XID{
		FormatID:     int32(binary.BigEndian.Uint32(b[0:4])),
		GlobalTxnID:  append([]byte(nil), b[xidHeaderLen:xidHeaderLen+gl]...),
		BranchQualID: append([]byte(nil), b[xidHeaderLen+gl:]...),
	}, nil
}
