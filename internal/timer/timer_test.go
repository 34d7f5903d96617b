package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_ScheduleInFiresCallback(t *testing.T) {
	s := New()
	fired := make(chan struct{})

	s.ScheduleIn(10*time.Millisecond, "host-1", func() {
		close(fired)
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback did not fire")
	}
}

func TestService_CancelAllByTagPreventsFire(t *testing.T) {
	s := New()
	var fired int32

	s.ScheduleIn(20*time.Millisecond, "host-1", func() {
		atomic.AddInt32(&fired, 1)
	})
	require.Equal(t, 1, s.PendingCount("host-1"))

	s.CancelAllByTag("host-1")
	assert.Equal(t, 0, s.PendingCount("host-1"))

	time.Sleep(40 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))
}

func TestService_CancelAllByTagIsIdempotent(t *testing.T) {
	s := New()
	assert.NotPanics(t, func() {
		s.CancelAllByTag("never-scheduled")
		s.CancelAllByTag("never-scheduled")
	})
}

func TestService_OnlyOneTimerPerTagAtATime(t *testing.T) {
	s := New()
	s.ScheduleIn(time.Hour, "host-1", func() {})
	s.CancelAllByTag("host-1")
	s.ScheduleIn(time.Hour, "host-1", func() {})

	assert.Equal(t, 1, s.PendingCount("host-1"))
	s.CancelAllByTag("host-1")
	assert.Equal(t, 0, s.PendingCount("host-1"))
}
