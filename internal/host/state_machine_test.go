package host

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syself/rackattack/internal/gate"
	"github.com/syself/rackattack/internal/timer"
)

// --- test doubles -----------------------------------------------------

type fakeHost struct {
	id        string
	destroyed int
}

func (h *fakeHost) ID() string           { return h.id }
func (h *fakeHost) MAC() string          { return "aa:bb:cc:dd:ee:ff" }
func (h *fakeHost) IP() string           { return "10.0.0.1" }
func (h *fakeHost) Hostname() string     { return "10.0.0.1" }
func (h *fakeHost) SSHUsername() string  { return "root" }
func (h *fakeHost) SSHPassword() string  { return "hunter2" }
func (h *fakeHost) TargetDevice() string { return "default" }
func (h *fakeHost) Destroy()             { h.destroyed++ }

type fakeNotifier struct {
	registered map[string]bool
	labelsSent []string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{registered: make(map[string]bool)}
}

func (n *fakeNotifier) Register(hostID string, r Receiver) { n.registered[hostID] = true }
func (n *fakeNotifier) Unregister(hostID string)           { delete(n.registered, hostID) }
func (n *fakeNotifier) ProvideLabel(hostID, label string) {
	n.labelsSent = append(n.labelsSent, label)
}

type fakeCollaborator struct {
	lastClearDisk *bool
}

func (c *fakeCollaborator) ConfigureForInaugurator(_ HostImplementation, clearDisk bool) error {
	c.lastClearDisk = &clearDisk
	return nil
}
func (c *fakeCollaborator) ConfigureForLocalDisk(_ HostImplementation) error { return nil }

type fakeDHCP struct{}

func (fakeDHCP) ConfigureForInaugurator(_ HostImplementation) error { return nil }

type reclaimCall struct {
	kind                string
	isInauguratorActive bool
	reconfigureBIOS     bool
	hardReset           bool
}

type fakeReclaimer struct {
	calls []reclaimCall
}

func (r *fakeReclaimer) Soft(_ HostImplementation, isInauguratorActive bool) {
	r.calls = append(r.calls, reclaimCall{kind: "soft", isInauguratorActive: isInauguratorActive})
}

func (r *fakeReclaimer) Cold(_ HostImplementation, reconfigureBIOS, hardReset bool) {
	r.calls = append(r.calls, reclaimCall{kind: "cold", reconfigureBIOS: reconfigureBIOS, hardReset: hardReset})
}

type harness struct {
	sm        *StateMachine
	host      *fakeHost
	notifier  *fakeNotifier
	pxe       *fakeCollaborator
	reclaimer *fakeReclaimer
	timers    *timer.Service
	gate      *gate.Gate
	cfg       *Config

	destroyedCalls int
}

func newHarness(t *testing.T, freshVM bool) *harness {
	if t != nil {
		t.Helper()
	}
	h := &harness{
		host:      &fakeHost{id: "host-1"},
		notifier:  newFakeNotifier(),
		pxe:       &fakeCollaborator{},
		reclaimer: &fakeReclaimer{},
		timers:    timer.New(),
		gate:      gate.New(logr.Discard(), 0, 0),
		cfg:       DefaultConfig(),
	}

	h.sm = New(Params{
		Host:      h.host,
		Notifier:  h.notifier,
		PXE:       h.pxe,
		DHCP:      fakeDHCP{},
		Reclaimer: h.reclaimer,
		Timers:    h.timers,
		Gate:      h.gate,
		Log:       logr.Discard(),
		Config:    func() *Config { return h.cfg },
		FreshVM:   freshVM,
	})
	if err := h.sm.SetDestroyCallback(func(sm *StateMachine) { h.destroyedCalls++ }); err != nil && t != nil {
		require.NoError(t, err)
	}
	return h
}

// --- scenario 1: happy path -------------------------------------------

func TestScenario_HappyPath(t *testing.T) {
	h := newHarness(t, true)

	assert.Equal(t, SoftReclamation, h.sm.State())
	require.Len(t, h.reclaimer.calls, 0, "freshVM construct does not submit a spooler request")

	var reported []State
	err := h.sm.Assign(func(sm *StateMachine) { reported = append(reported, sm.State()) }, "img-A", "hint")
	require.NoError(t, err)

	h.sm.CheckIn()
	assert.Equal(t, InaugurationLabelProvided, h.sm.State())
	assert.Equal(t, []string{"img-A"}, h.notifier.labelsSent)

	h.sm.Done()
	assert.Equal(t, InaugurationDone, h.sm.State())

	require.NoError(t, h.sm.Unassign())
	assert.Equal(t, SoftReclamation, h.sm.State())
	require.Len(t, h.reclaimer.calls, 1)
	assert.Equal(t, "soft", h.reclaimer.calls[0].kind)

	assert.Contains(t, reported, InaugurationLabelProvided)
	assert.Contains(t, reported, InaugurationDone)
}

// --- scenario 2: escalating cold reclamation then destruction ----------

func TestScenario_ColdReclamationEscalatesThenDestroys(t *testing.T) {
	h := newHarness(t, false) // attempt 1 happens at construction, hardReset forced
	require.Len(t, h.reclaimer.calls, 1)
	assert.True(t, h.reclaimer.calls[0].hardReset, "first reclamation ever must hard-reset")

	// Attempts 2..5, mirroring five consecutive cold-timer expirations.
	for attempt := 2; attempt <= 5; attempt++ {
		h.sm.onTimerExpired()
	}
	require.Len(t, h.reclaimer.calls, 5)

	// NR_CONSECUTIVE_ERRORS_BEFORE_CLEARING_DISK=2: clearDisk becomes true
	// starting with attempt 3 (slowReclaimCounter > 2).
	assert.False(t, *h.pxeClearDiskAt(2))
	assert.True(t, *h.pxeClearDiskAt(3))

	assert.False(t, h.reclaimer.calls[3].reconfigureBIOS, "attempt 4 must not yet reconfigure BIOS")
	assert.True(t, h.reclaimer.calls[4].reconfigureBIOS, "attempt 5 (>4) must reconfigure BIOS")

	// Sixth expiration: slowReclaimCounter becomes 6 > 5 (NR_CONSECUTIVE_ERRORS_BEFORE_DESTRUCTION).
	h.sm.onTimerExpired()
	assert.Equal(t, Destroyed, h.sm.State())
	assert.Equal(t, 1, h.destroyedCalls)
	assert.Equal(t, 1, h.host.destroyed)
}

// pxeClearDiskAt is a test helper that replays doColdReclamation attempt-by
// -attempt on a fresh harness to recover the clearDisk flag the real run
// computed for the given attempt number, since the fake PXE collaborator
// only remembers its most recent call.
func (h *harness) pxeClearDiskAt(attempt int) *bool {
	replay := newHarness(nil, false)
	for i := 2; i < attempt; i++ {
		replay.sm.onTimerExpired()
	}
	replay.sm.onTimerExpired()
	return replay.pxe.lastClearDisk
}

func TestDestroy_IsIdempotentAndAlwaysUnregisters(t *testing.T) {
	h := newHarness(t, true)
	h.sm.Destroy()
	h.sm.Destroy()

	assert.Equal(t, 1, h.destroyedCalls, "destroy callback must fire exactly once")
	assert.Equal(t, 1, h.host.destroyed)
	assert.False(t, h.notifier.registered["host-1"], "destroy must unregister from the notifier")
}

// --- scenario 3: progress keeps the host alive -------------------------

func TestScenario_ProgressResetsTimerOnChange(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.sm.Assign(func(*StateMachine) {}, "img-A", "hint"))
	h.sm.CheckIn()
	require.Equal(t, InaugurationLabelProvided, h.sm.State())

	require.Equal(t, 1, h.timers.PendingCount("host-1"))

	h.sm.Progress("fetching", 10)
	assert.Equal(t, 1, h.timers.PendingCount("host-1"))

	// Same percent again: must not be treated as a new reset (no crash,
	// still exactly one timer).
	h.sm.Progress("fetching", 10)
	assert.Equal(t, 1, h.timers.PendingCount("host-1"))

	h.sm.Progress("fetching", 55)
	assert.Equal(t, 1, h.timers.PendingCount("host-1"))

	// Malformed payload: missing state field entirely shows up as "".
	h.sm.Progress("", 100)
	assert.Equal(t, InaugurationLabelProvided, h.sm.State())

	// Unknown state is ignored too.
	h.sm.Progress("whatisthis", 100)
	assert.Equal(t, InaugurationLabelProvided, h.sm.State())
}

func TestScenario_ReprovisionResetsRecordedProgressPercent(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.sm.Assign(func(*StateMachine) {}, "img-A", "hint"))
	h.sm.CheckIn()
	require.Equal(t, InaugurationLabelProvided, h.sm.State())

	h.sm.Progress("fetching", 50)
	require.Equal(t, 50, h.sm.inaugurationProgressPercent)

	// A failed attempt triggers a soft reclaim; the next check-in
	// re-provides the label. The stale percent must not survive into the
	// new attempt, or its first progress report at the same value would
	// skip the timer refresh.
	h.sm.InaugurationFailed()
	require.Equal(t, SoftReclamation, h.sm.State())
	h.sm.CheckIn()
	require.Equal(t, InaugurationLabelProvided, h.sm.State())
	assert.Equal(t, -1, h.sm.inaugurationProgressPercent)

	h.sm.Progress("fetching", 50)
	assert.Equal(t, 50, h.sm.inaugurationProgressPercent)
}

// --- scenario 4: inauguration failure exhaustion -----------------------

func TestScenario_InaugurationFailureExhaustion(t *testing.T) {
	h := newHarness(t, true)
	h.cfg.MaxNrConsecutiveInaugurationFailures = 3
	require.NoError(t, h.sm.Assign(func(*StateMachine) {}, "img-A", "hint"))
	h.sm.CheckIn()

	for i := 0; i < 2; i++ {
		h.sm.InaugurationFailed()
		require.Equal(t, SoftReclamation, h.sm.State(), "below the failure budget, a soft reclamation is triggered")
		h.sm.CheckIn() // check-in + label re-delivered, per the scenario narration
		require.Equal(t, InaugurationLabelProvided, h.sm.State())
	}

	h.sm.InaugurationFailed()
	assert.Equal(t, ColdReclamation, h.sm.State(), "the Nth failure must escalate to cold reclamation")
}

// --- scenario 5: unassign during soft reclamation -----------------------

func TestScenario_UnassignDuringSoftReclamation(t *testing.T) {
	h := newHarness(t, true)
	var reported []State
	require.NoError(t, h.sm.Assign(func(sm *StateMachine) { reported = append(reported, sm.State()) }, "img-A", "hint"))

	// Expire the soft-reclamation timer directly (simulating a stuck
	// reclamation attempt).
	h.sm.onTimerExpired()
	assert.Equal(t, ColdReclamation, h.sm.State())
	assert.Contains(t, reported, ColdReclamation)

	require.NoError(t, h.sm.Unassign())
	assert.False(t, h.sm.IsAssigned())
	// The state machine continues autonomously: a further timer expiration
	// still drives cold reclamation without a registered tenant.
	assert.NotPanics(t, func() { h.sm.onTimerExpired() })
}

// --- invariants ---------------------------------------------------------

func TestProperty_ExactlyOneTimerIffStateHasTimeout(t *testing.T) {
	h := newHarness(t, true)
	assert.Equal(t, 1, h.timers.PendingCount("host-1"), "SOFT_RECLAMATION has a configured timeout")

	h.sm.CheckIn()
	assert.Equal(t, 0, h.timers.PendingCount("host-1"), "CHECKED_IN has no configured timeout")
}

func TestProperty_SoftReclamationIsInauguratorActiveFlag(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.sm.Assign(func(*StateMachine) {}, "img-A", "hint"))
	h.sm.CheckIn() // -> INAUGURATION_LABEL_PROVIDED

	require.NoError(t, h.sm.Unassign())
	require.Len(t, h.reclaimer.calls, 1)
	assert.True(t, h.reclaimer.calls[0].isInauguratorActive)
}

func TestProperty_DoneOutsideLabelProvidedLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, true)
	before := h.sm.State()
	h.sm.Done()
	assert.Equal(t, before, h.sm.State())
}

func TestProperty_RepeatedCheckInWhileCheckedInIsIdempotent(t *testing.T) {
	h := newHarness(t, true)
	h.sm.CheckIn() // SOFT_RECLAMATION -> CHECKED_IN
	require.Equal(t, CheckedIn, h.sm.State())

	slowBefore := h.sm.slowReclaimCounter
	softFailuresBefore := h.sm.inauguratorSoftReclamationFailures

	h.sm.CheckIn()
	h.sm.CheckIn()

	assert.Equal(t, CheckedIn, h.sm.State())
	assert.Equal(t, slowBefore, h.sm.slowReclaimCounter)
	assert.Equal(t, softFailuresBefore, h.sm.inauguratorSoftReclamationFailures)
	assert.Equal(t, 0, h.timers.PendingCount("host-1"))
}

func TestSetDestroyCallback_OnlyOnce(t *testing.T) {
	h := newHarness(t, true)
	err := h.sm.SetDestroyCallback(func(*StateMachine) {})
	assert.ErrorIs(t, err, ErrDestroyCallbackAlreadySet)
}

func TestAssign_RejectsDoubleAssignment(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.sm.Assign(func(*StateMachine) {}, "img-A", "hint"))
	err := h.sm.Assign(func(*StateMachine) {}, "img-B", "hint2")
	assert.ErrorIs(t, err, ErrAlreadyAssigned)
}

func TestAssign_RejectsWhileInaugurationComplete(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.sm.Assign(func(*StateMachine) {}, "img-A", "hint"))
	h.sm.CheckIn()
	require.Equal(t, InaugurationLabelProvided, h.sm.State())
	require.NoError(t, h.sm.Unassign()) // drops callback, triggers soft reclaim

	// Re-assign while label was still provided before the soft reclaim
	// landed is impossible by construction (Unassign already escaped the
	// state); exercise the guard directly instead.
	h.sm.state = InaugurationDone
	h.sm.stateChangeCallback = nil
	err := h.sm.Assign(func(*StateMachine) {}, "img-C", "hint3")
	assert.ErrorIs(t, err, ErrInaugurationComplete)
}

func TestTimerService_DelayRoundTrip(t *testing.T) {
	// Sanity check that the harness's timer service really fires: arm a
	// very short probe timer under an unrelated tag and wait for its
	// callback to run.
	h := newHarness(t, true)
	require.NoError(t, h.sm.Assign(func(*StateMachine) {}, "img-A", "hint"))
	done := make(chan struct{})
	h.timers.ScheduleIn(10*time.Millisecond, "probe", func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("probe timer never fired")
	}
}
