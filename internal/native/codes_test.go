package native

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	rrserrors "github.com/Aidin1998/rrsbridge/pkg/errors"
)

func TestSideInfo(t *testing.T) {
	s := SideReset | SideCommitted
	assert.True(t, s.Has(SideCommitted))
	assert.False(t, s.Has(SideHeuristicMixed))
	assert.False(t, s.Dirty())
	assert.True(t, (SideInterests).Dirty())
	assert.True(t, (SideBackoutPending).Dirty())
	assert.Equal(t, "RESET|COMMITTED", s.String())
	assert.Equal(t, "NONE", SideInfo(0).String())
}

func TestReturnCodeString(t *testing.T) {
	assert.Equal(t, "ATR_BACKED_OUT", RCBackedOut.String())
	assert.Equal(t, "RC(0x123)", ReturnCode(0x123).String())
	assert.True(t, RCCommittedOutcomeMixed.Mixed())
	assert.False(t, RCBackedOut.Mixed())
}

func TestThreadContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ThreadID(0), ThreadFrom(ctx))
	assert.Equal(t, ThreadID(7), ThreadFrom(WithThread(ctx, 7)))
}

func TestFailureCarriesReturnCode(t *testing.T) {
	err := Failure("beginContext", RCUnexpectedError)
	rc, ok := RCOf(err)
	assert.True(t, ok)
	assert.Equal(t, RCUnexpectedError, rc)
	assert.ErrorIs(t, err, rrserrors.Native)

	fatal := Fatal("endContext", RCInvalidToken)
	assert.ErrorIs(t, fatal, rrserrors.Fatal)
	assert.Contains(t, fatal.Error(), "endContext returned ATR_INVALID_TOKEN")
}
