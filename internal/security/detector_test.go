package security

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szaher/sessionstore/internal/testutil"
)

func TestDetectorFlagsAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	var flagged []Flag
	d := NewDetector(DetectorConfig{Threshold: 3, Window: time.Minute, Cooldown: 5 * time.Minute}, clock.Now,
		func(f Flag) { flagged = append(flagged, f) })

	for i := 0; i < 2; i++ {
		assert.False(t, d.Failure("10.0.0.1"))
		assert.NoError(t, d.Check("10.0.0.1"))
	}
	assert.True(t, d.Failure("10.0.0.1"))

	err := d.Check("10.0.0.1")
	require.ErrorIs(t, err, ErrEnumerationDetected)
	var enumErr *EnumerationError
	require.True(t, errors.As(err, &enumErr))
	assert.Equal(t, 5*time.Minute, enumErr.RetryAfter)

	require.Len(t, flagged, 1)
	assert.Equal(t, 3, flagged[0].FailedAttempts)

	// Other sources are unaffected.
	assert.NoError(t, d.Check("10.0.0.2"))
}

func TestDetectorWindowSlides(t *testing.T) {
	clock := newFakeClock()
	d := NewDetector(DetectorConfig{Threshold: 3, Window: time.Minute, Cooldown: time.Minute}, clock.Now, nil)

	d.Failure("src")
	d.Failure("src")
	clock.Advance(2 * time.Minute)
	assert.False(t, d.Failure("src"), "failures outside the window must not count")
	assert.NoError(t, d.Check("src"))
}

func TestDetectorSuccessResets(t *testing.T) {
	clock := newFakeClock()
	d := NewDetector(DetectorConfig{Threshold: 3}, clock.Now, nil)

	d.Failure("src")
	d.Failure("src")
	d.Success("src")
	assert.False(t, d.Failure("src"))
	assert.False(t, d.Failure("src"))
	assert.True(t, d.Failure("src"))

	// Success does not lift an active flag.
	d.Success("src")
	assert.ErrorIs(t, d.Check("src"), ErrEnumerationDetected)
}

func TestDetectorFlagExpires(t *testing.T) {
	clock := newFakeClock()
	d := NewDetector(DetectorConfig{Threshold: 1, Cooldown: time.Minute}, clock.Now, nil)

	d.Failure("src")
	assert.Len(t, d.Flags(), 1)
	assert.ErrorIs(t, d.Check("src"), ErrEnumerationDetected)

	clock.Advance(time.Minute)
	assert.NoError(t, d.Check("src"))
	assert.Empty(t, d.Flags())
}

func TestDetectorSweep(t *testing.T) {
	clock := newFakeClock()
	d := NewDetector(DetectorConfig{Threshold: 2, Window: time.Minute, Cooldown: time.Minute}, clock.Now, nil)

	d.Failure("flagged")
	d.Failure("flagged")
	d.Failure("counting")
	assert.Equal(t, 0, d.Sweep())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, d.Sweep())
	assert.Equal(t, 0, d.Sweep())
}

func TestDefaultDetectorConfig(t *testing.T) {
	d := NewDetector(DetectorConfig{}, nil, nil)
	assert.Equal(t, DefaultDetectorConfig(), d.cfg)
}

func newFakeClock() *testutil.Clock {
	return testutil.NewClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
}
