package notifier

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syself/rackattack/internal/collaborator"
	"github.com/syself/rackattack/internal/gate"
	"github.com/syself/rackattack/internal/host"
	"github.com/syself/rackattack/internal/timer"
)

type recordingReceiver struct {
	checkIns          int
	dones             int
	progress          []string
	inaugurationFails int
}

func (r *recordingReceiver) CheckIn() { r.checkIns++ }
func (r *recordingReceiver) Done()    { r.dones++ }
func (r *recordingReceiver) Progress(state string, percent int) {
	r.progress = append(r.progress, state)
}
func (r *recordingReceiver) InaugurationFailed() { r.inaugurationFails++ }

func withGate(fn func()) { fn() }

func TestDeliverCheckInRoutesToRegisteredReceiver(t *testing.T) {
	b := New(logr.Discard(), withGate).(*shim)
	r := &recordingReceiver{}
	b.Register("host-1", r)

	b.DeliverCheckIn("host-1")

	assert.Equal(t, 1, r.checkIns)
}

func TestDeliverEventsForUnknownHostAreDroppedWithoutPanicking(t *testing.T) {
	b := New(logr.Discard(), withGate).(*shim)

	b.DeliverCheckIn("ghost-host")
	b.DeliverDone("ghost-host")
	b.DeliverProgress("ghost-host", "booting", 10)
	b.DeliverInaugurationFailed("ghost-host")
}

func TestUnregisterStopsFurtherDelivery(t *testing.T) {
	b := New(logr.Discard(), withGate).(*shim)
	r := &recordingReceiver{}
	b.Register("host-1", r)
	b.Unregister("host-1")

	b.DeliverCheckIn("host-1")

	assert.Equal(t, 0, r.checkIns)
}

func TestDeliverProgressFiltersDigestingBeforeGateIsAcquired(t *testing.T) {
	gateCalls := 0
	countingGate := func(fn func()) {
		gateCalls++
		fn()
	}
	b := New(logr.Discard(), countingGate).(*shim)
	r := &recordingReceiver{}
	b.Register("host-1", r)
	gateCalls = 0

	b.DeliverProgress("host-1", "digesting", 42)

	assert.Equal(t, 0, gateCalls, "digesting progress must not even acquire the gate")
	assert.Empty(t, r.progress)

	b.DeliverProgress("host-1", "installing", 50)
	assert.Equal(t, 1, gateCalls)
	assert.Equal(t, []string{"installing"}, r.progress)
}

type nopReclaimer struct{}

func (nopReclaimer) Soft(host.HostImplementation, bool)       {}
func (nopReclaimer) Cold(host.HostImplementation, bool, bool) {}

// TestHSMConstructionAndDestructionUnderRealGate wires a real gate into
// the shim the same way rackattackd does and drives a state machine
// through construction (which calls Register) and destruction (which
// calls Unregister), both with the gate already held. Register and
// Unregister must not try to re-acquire the non-reentrant gate, or both
// calls deadlock; the watchdog timeouts turn that hang into a failure.
func TestHSMConstructionAndDestructionUnderRealGate(t *testing.T) {
	g := gate.NewDefault(logr.Discard())
	bus := New(logr.Discard(), g.With)

	var sm *host.StateMachine
	constructed := make(chan struct{})
	go func() {
		defer close(constructed)
		g.With(func() {
			sm = host.New(host.Params{
				Host:      &host.StaticHostImplementation{HostID: "host-1", HostMAC: "aa:bb:cc:dd:ee:ff"},
				Notifier:  bus,
				PXE:       collaborator.LoggingPXE{Log: logr.Discard()},
				DHCP:      collaborator.LoggingDHCP{Log: logr.Discard()},
				Reclaimer: nopReclaimer{},
				Timers:    timer.New(),
				Gate:      g,
				Log:       logr.Discard(),
				FreshVM:   true,
			})
		})
	}()
	select {
	case <-constructed:
	case <-time.After(5 * time.Second):
		t.Fatal("HSM construction deadlocked on the gate while registering with the notifier")
	}
	g.With(func() {
		require.NoError(t, sm.SetDestroyCallback(func(*host.StateMachine) {}))
	})

	// Delivery through the shim acquires the gate itself and reaches the
	// registered machine.
	bus.(*shim).DeliverCheckIn("host-1")
	assert.Equal(t, host.CheckedIn, sm.State())

	destroyed := make(chan struct{})
	go func() {
		defer close(destroyed)
		g.With(sm.Destroy)
	}()
	select {
	case <-destroyed:
	case <-time.After(5 * time.Second):
		t.Fatal("HSM destruction deadlocked on the gate while unregistering from the notifier")
	}

	// host-1 is unregistered now; a late event is dropped, not routed.
	bus.(*shim).DeliverDone("host-1")
	assert.Equal(t, host.Destroyed, sm.State())
}

func TestDeliverInaugurationFailedRoutesToReceiver(t *testing.T) {
	b := New(logr.Discard(), withGate).(*shim)
	r := &recordingReceiver{}
	b.Register("host-1", r)

	b.DeliverInaugurationFailed("host-1")

	assert.Equal(t, 1, r.inaugurationFails)
}
