package ports_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietmesh/noded/internal/engine"
	"github.com/quietmesh/noded/internal/ports"
)

// fakeBinder reports success for any port in the allow set.
type fakeBinder struct {
	allow map[uint16]bool
	calls []uint16
}

func (f *fakeBinder) TrialBind(port uint16) bool {
	f.calls = append(f.calls, port)
	return f.allow[port]
}

func TestPickConfiguredPrimarySucceeds(t *testing.T) {
	f := &fakeBinder{allow: map[uint16]bool{30000: true}}
	set, err := ports.Pick(f, 30000, 42, 0, 0, false)
	require.NoError(t, err)
	assert.Equal(t, uint16(30000), set[ports.Primary])
}

func TestPickConfiguredPrimaryFailsIsFatal(t *testing.T) {
	f := &fakeBinder{allow: map[uint16]bool{}}
	_, err := ports.Pick(f, 30000, 42, 0, 0, false)
	assert.ErrorIs(t, err, ports.ErrPrimaryBindFailed)
}

func TestPickRandomPrimaryEventuallySucceeds(t *testing.T) {
	// Succeed on the 5th attempt regardless of which port it is.
	wrapped := &countingBinder{succeedOn: 5}
	set, err := ports.Pick(wrapped, 0, 42, 0, 0, false)
	require.NoError(t, err)
	assert.NotZero(t, set[ports.Primary])
	assert.GreaterOrEqual(t, set[ports.Primary], uint16(20000))
	assert.Less(t, set[ports.Primary], uint16(65500))
}

type countingBinder struct {
	n         int
	succeedOn int
}

func (c *countingBinder) TrialBind(uint16) bool {
	c.n++
	return c.n == c.succeedOn
}

func TestPickRandomPrimaryExhaustsTrials(t *testing.T) {
	f := &fakeBinder{allow: map[uint16]bool{}}
	_, err := ports.Pick(f, 0, 42, 0, 0, false)
	assert.ErrorIs(t, err, ports.ErrPrimaryBindFailed)
	assert.Len(t, f.calls, 256)
}

func TestSecondaryDerivedFromOverlayAddress(t *testing.T) {
	f := &fakeBinder{allow: map[uint16]bool{30000: true}}
	overlay := engine.PeerAddress(100)
	wantStart := uint16(20000 + (uint64(overlay) % 45500))
	f.allow[wantStart] = true

	set, err := ports.Pick(f, 30000, overlay, 0, 0, false)
	require.NoError(t, err)
	assert.Equal(t, wantStart, set[ports.Secondary])
}

func TestSecondaryFailsAfterExhaustingTrialsReturnsZero(t *testing.T) {
	f := &fakeBinder{allow: map[uint16]bool{30000: true}}
	set, err := ports.Pick(f, 30000, 1, 0, 0, false)
	require.NoError(t, err)
	assert.Zero(t, set[ports.Secondary])
}

func TestMappingPortOnlyProbedWhenEnabled(t *testing.T) {
	f := &fakeBinder{allow: map[uint16]bool{30000: true}}
	set, err := ports.Pick(f, 30000, 1, 0, 0, false)
	require.NoError(t, err)
	assert.Zero(t, set[ports.Mapping])

	f2 := &fakeBinder{allow: map[uint16]bool{30000: true, 40000: true}}
	set, err = ports.Pick(f2, 30000, 1, 0, 40000, true)
	require.NoError(t, err)
	assert.Equal(t, uint16(40000), set[ports.Mapping])
}
