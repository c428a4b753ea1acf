package tierblocks

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestCooldownTracker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tracker := NewCooldownTracker(clock, 5*time.Minute)

	assert.False(t, tracker.Active())
	assert.Zero(t, tracker.Remaining())

	tracker.Record()
	assert.True(t, tracker.Active())
	assert.Equal(t, 5*time.Minute, tracker.Remaining())

	clock.Advance(3 * time.Minute)
	assert.True(t, tracker.Active())
	assert.Equal(t, 2*time.Minute, tracker.Remaining())

	clock.Advance(2 * time.Minute)
	assert.False(t, tracker.Active())
}

func TestCooldownTracker_RecordExtendsWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tracker := NewCooldownTracker(clock, 5*time.Minute)

	tracker.Record()
	clock.Advance(4 * time.Minute)
	tracker.Record()
	clock.Advance(4 * time.Minute)

	assert.True(t, tracker.Active(), "a repeat signal restarts the window")
	assert.Equal(t, time.Minute, tracker.Remaining())
}

func TestCooldownTracker_ResetClearsImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tracker := NewCooldownTracker(clock, 5*time.Minute)

	tracker.Record()
	tracker.Reset()

	assert.False(t, tracker.Active())
	assert.Zero(t, tracker.Remaining())
}
