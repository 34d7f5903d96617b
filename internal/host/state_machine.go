/*
Copyright 2022 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package host

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/syself/rackattack/internal/gate"
	"github.com/syself/rackattack/internal/timer"
)

// StateMachine drives reclamation and inauguration for one host. None of
// its methods take their own lock: every public operation and every
// asynchronous input requires the process-wide gate held by the caller,
// so the fields below are safe to touch without additional
// synchronization as long as that contract holds.
// Timer callbacks re-acquire the gate themselves before calling back in.
type StateMachine struct {
	host      HostImplementation
	notifier  NotifierBus
	pxe       PXEConfigurator
	dhcp      DHCPConfigurator
	reclaimer Reclaimer
	timers    *timer.Service
	gate      *gate.Gate
	log       logr.Logger
	cfg       func() *Config

	state                               State
	imageLabel                          string
	imageHint                           string
	stateChangeCallback                 StateChangeCallback
	destroyCallback                     DestroyCallback
	destroyCallbackSet                  bool
	slowReclaimCounter                  int
	inauguratorSoftReclamationFailures  int
	hasFirstReclamationOccurred         bool
	inaugurationProgressPercent         int
	destroyed                           bool
	timerSeq                            uint64
}

// Params bundles the collaborators a StateMachine needs at construction
// time. Config may be nil, in which case DefaultConfig's values are used
// for the lifetime of the HSM (no dynamic reload).
type Params struct {
	Host      HostImplementation
	Notifier  NotifierBus
	PXE       PXEConfigurator
	DHCP      DHCPConfigurator
	Reclaimer Reclaimer
	Timers    *timer.Service
	Gate      *gate.Gate
	Log       logr.Logger
	Config    func() *Config

	// FreshVM selects construct's entry path: true enters SOFT_RECLAMATION
	// directly (the VM is already about to boot the inaugurator on its
	// own), false performs an immediate cold reclamation with hardReset
	// forced true, since it is the first reclamation this HSM has ever
	// issued.
	FreshVM bool
}

// New constructs a HostStateMachine: registers it for inauguration
// callbacks, configures PXE and DHCP for the inaugurator, and enters
// SOFT_RECLAMATION or performs a first cold reclamation depending on
// FreshVM.
func New(p Params) *StateMachine {
	if p.Config == nil {
		def := DefaultConfig()
		p.Config = func() *Config { return def }
	}

	sm := &StateMachine{
		host:                        p.Host,
		notifier:                    p.Notifier,
		pxe:                         p.PXE,
		dhcp:                        p.DHCP,
		reclaimer:                   p.Reclaimer,
		timers:                      p.Timers,
		gate:                        p.Gate,
		log:                         p.Log,
		cfg:                         p.Config,
		inaugurationProgressPercent: -1,
	}
	sm.construct(p.FreshVM)
	return sm
}

func (sm *StateMachine) construct(freshVM bool) {
	sm.notifier.Register(sm.host.ID(), sm)

	if err := sm.pxe.ConfigureForInaugurator(sm.host, false); err != nil {
		sm.log.Error(err, "failed to configure PXE for inaugurator at construction", "hostID", sm.host.ID())
	}
	if err := sm.dhcp.ConfigureForInaugurator(sm.host); err != nil {
		sm.log.Error(err, "failed to configure DHCP for inaugurator at construction", "hostID", sm.host.ID())
	}

	if freshVM {
		sm.changeState(SoftReclamation)
		return
	}
	sm.doColdReclamation()
}

// SetDestroyCallback installs cb, exactly once, after construction.
func (sm *StateMachine) SetDestroyCallback(cb DestroyCallback) error {
	if sm.destroyCallbackSet {
		return ErrDestroyCallbackAlreadySet
	}
	sm.destroyCallbackSet = true
	sm.destroyCallback = cb
	return nil
}

// Assign attaches a tenant to the host. Valid only when not already
// assigned and not mid- or post-inauguration (that requires reclamation
// first). If the host is currently checked in, the label is delivered
// immediately; otherwise it is held until the next check-in.
func (sm *StateMachine) Assign(cb StateChangeCallback, label, hint string) error {
	if sm.state == Destroyed {
		return ErrDestroyed
	}
	if sm.stateChangeCallback != nil {
		return ErrAlreadyAssigned
	}
	if sm.state == InaugurationLabelProvided || sm.state == InaugurationDone {
		return ErrInaugurationComplete
	}

	sm.imageLabel = label
	sm.imageHint = hint
	sm.stateChangeCallback = cb

	if sm.state == CheckedIn {
		sm.provideLabelAndTransition()
	}
	return nil
}

// Unassign detaches the current tenant. If the host is mid- or
// post-inauguration, this triggers a soft reclamation; otherwise it simply
// drops the callback and the state machine continues autonomously.
func (sm *StateMachine) Unassign() error {
	if sm.stateChangeCallback == nil {
		return ErrNotAssigned
	}

	sm.stateChangeCallback = nil
	if sm.state == InaugurationLabelProvided || sm.state == InaugurationDone {
		sm.doSoftReclamation()
	}
	return nil
}

// State returns the current state.
func (sm *StateMachine) State() State { return sm.state }

// ImageLabel returns the currently requested image label.
func (sm *StateMachine) ImageLabel() string { return sm.imageLabel }

// ImageHint returns the tenant-supplied hint for the current assignment.
func (sm *StateMachine) ImageHint() string { return sm.imageHint }

// HostImplementation returns the underlying host identity object.
func (sm *StateMachine) HostImplementation() HostImplementation { return sm.host }

// IsAssigned reports whether a tenant is currently attached.
func (sm *StateMachine) IsAssigned() bool { return sm.stateChangeCallback != nil }

// SoftReclaimFailed is called by the reclamation spooler when a soft
// attempt conclusively failed. Valid only in SOFT_RECLAMATION; silently
// ignored in DESTROYED. Escalates to cold reclamation.
func (sm *StateMachine) SoftReclaimFailed() {
	if sm.state == Destroyed {
		return
	}
	if sm.state != SoftReclamation {
		sm.log.Info("softReclaimFailed ignored outside SOFT_RECLAMATION", "hostID", sm.host.ID(), "state", sm.state.String())
		return
	}
	sm.doColdReclamation()
}

// Destroy unregisters the host from the notifier, marks it DESTROYED,
// instructs the host implementation to destroy itself, and invokes the
// destroy callback exactly once. Safe to call more than once.
func (sm *StateMachine) Destroy() {
	if sm.destroyed {
		return
	}
	sm.destroyed = true

	sm.timers.CancelAllByTag(sm.host.ID())
	sm.notifier.Unregister(sm.host.ID())
	sm.state = Destroyed
	sm.host.Destroy()

	if sm.destroyCallback != nil {
		cb := sm.destroyCallback
		sm.destroyCallback = nil
		cb(sm)
	}
}

// CheckIn is the asynchronous check-in input from the notifier.
func (sm *StateMachine) CheckIn() {
	switch sm.state {
	case SoftReclamation, ColdReclamation, CheckedIn:
		if sm.stateChangeCallback != nil {
			sm.provideLabelAndTransition()
		} else {
			sm.changeState(CheckedIn)
		}
	default:
		sm.log.Info("check-in ignored in incompatible state", "hostID", sm.host.ID(), "state", sm.state.String())
	}
}

// Done is the asynchronous done input from the notifier. Valid only in
// INAUGURATION_LABEL_PROVIDED.
func (sm *StateMachine) Done() {
	if sm.state != InaugurationLabelProvided {
		sm.log.Info("done ignored outside INAUGURATION_LABEL_PROVIDED", "hostID", sm.host.ID(), "state", sm.state.String())
		return
	}

	sm.slowReclaimCounter = 0
	sm.inauguratorSoftReclamationFailures = 0

	if sm.stateChangeCallback != nil {
		if err := sm.pxe.ConfigureForLocalDisk(sm.host); err != nil {
			sm.log.Error(err, "failed to configure PXE for local disk boot", "hostID", sm.host.ID())
		}
	}
	sm.changeState(InaugurationDone)
}

// Progress is the asynchronous progress input from the notifier. Valid
// only in INAUGURATION_LABEL_PROVIDED (silently ignored in CHECKED_IN).
// Messages with state != "fetching", including malformed payloads missing
// the state field entirely, are ignored. A percent that differs from the
// last recorded one resets the label-provided timer, so download progress
// keeps the host alive.
func (sm *StateMachine) Progress(state string, percent int) {
	if sm.state == CheckedIn {
		return
	}
	if sm.state != InaugurationLabelProvided {
		sm.log.Info("progress ignored in incompatible state", "hostID", sm.host.ID(), "state", sm.state.String())
		return
	}
	if state != "fetching" {
		return
	}
	if percent == sm.inaugurationProgressPercent {
		return
	}
	sm.inaugurationProgressPercent = percent
	sm.rearmTimer(InaugurationLabelProvided)
}

// InaugurationFailed is the optional explicit-failure input from the
// notifier. Valid only in INAUGURATION_LABEL_PROVIDED.
func (sm *StateMachine) InaugurationFailed() {
	if sm.state != InaugurationLabelProvided {
		sm.log.Info("inaugurationFailed ignored outside INAUGURATION_LABEL_PROVIDED", "hostID", sm.host.ID(), "state", sm.state.String())
		return
	}
	sm.recordLabelProvidedFailureAndReclaim()
}

// provideLabelAndTransition hands the currently requested label to the
// notifier and transitions to INAUGURATION_LABEL_PROVIDED. The recorded
// progress percent is reset so a fresh attempt's first progress report
// refreshes the timer even if it happens to match the previous attempt's
// last value.
func (sm *StateMachine) provideLabelAndTransition() {
	sm.inaugurationProgressPercent = -1
	sm.notifier.ProvideLabel(sm.host.ID(), sm.imageLabel)
	sm.changeState(InaugurationLabelProvided)
}

// recordLabelProvidedFailureAndReclaim implements the shared escalation
// policy for both the explicit failure-notification input and a timer
// expiration while INAUGURATION_LABEL_PROVIDED: count the failure, and
// once the budget is exhausted escalate to cold reclamation instead of
// trying another soft one.
func (sm *StateMachine) recordLabelProvidedFailureAndReclaim() {
	sm.inauguratorSoftReclamationFailures++
	if sm.inauguratorSoftReclamationFailures >= sm.cfg().MaxNrConsecutiveInaugurationFailures {
		sm.doColdReclamation()
		return
	}
	sm.doSoftReclamation()
}

// doSoftReclamation attempts to bring the host back into the inaugurator
// without a power cycle.
func (sm *StateMachine) doSoftReclamation() {
	if !sm.destroyCallbackSet {
		sm.log.Error(nil, "soft reclamation requested before destroy callback installed", "hostID", sm.host.ID())
		return
	}

	isInauguratorActive := sm.state == CheckedIn || sm.state == InaugurationLabelProvided

	sm.changeState(SoftReclamation)

	if err := sm.pxe.ConfigureForInaugurator(sm.host, false); err != nil {
		sm.log.Error(err, "failed to configure PXE for inaugurator", "hostID", sm.host.ID())
	}
	if err := sm.dhcp.ConfigureForInaugurator(sm.host); err != nil {
		sm.log.Error(err, "failed to configure DHCP for inaugurator", "hostID", sm.host.ID())
	}

	sm.reclaimer.Soft(sm.host, isInauguratorActive)
}

// doColdReclamation forces the host to reboot out-of-band, escalating
// through disk wipe, BIOS reconfiguration, and hardware hard-reset as the
// consecutive-error counter grows, and destroying the host once the retry
// budget is exhausted.
func (sm *StateMachine) doColdReclamation() {
	cfg := sm.cfg()

	sm.slowReclaimCounter++
	if sm.slowReclaimCounter > cfg.NrConsecutiveErrorsBeforeDestruction {
		sm.Destroy()
		return
	}

	clearDisk := cfg.AllowClearingOfDisk && sm.slowReclaimCounter > cfg.NrConsecutiveErrorsBeforeClearingDisk
	reconfigureBIOS := sm.slowReclaimCounter > cfg.NrConsecutiveErrorsBeforeReconfiguringBIOS
	hardReset := !sm.hasFirstReclamationOccurred || sm.slowReclaimCounter > cfg.NrConsecutiveErrorsBeforeHardReset
	sm.hasFirstReclamationOccurred = true

	if err := sm.pxe.ConfigureForInaugurator(sm.host, clearDisk); err != nil {
		sm.log.Error(err, "failed to configure PXE for inaugurator", "hostID", sm.host.ID())
	}
	if err := sm.dhcp.ConfigureForInaugurator(sm.host); err != nil {
		sm.log.Error(err, "failed to configure DHCP for inaugurator", "hostID", sm.host.ID())
	}

	sm.changeState(ColdReclamation)
	sm.reclaimer.Cold(sm.host, reconfigureBIOS, hardReset)
}

// changeState is the only writer of sm.state and the only scheduler of
// per-HSM timers: it cancels any timer tagged by this HSM, arms a new one
// when the target state has a configured timeout, and reports the change
// to the tenant's callback when one is installed.
func (sm *StateMachine) changeState(s State) {
	sm.timers.CancelAllByTag(sm.host.ID())

	if timeout, ok := sm.cfg().Timeouts[s]; ok {
		sm.rearmTimerFor(s, timeout)
	}

	sm.state = s

	if sm.stateChangeCallback != nil {
		sm.stateChangeCallback(sm)
	}
}

// rearmTimer cancels and reschedules the timer for the timeout currently
// configured for s, used by Progress to keep a downloading host alive
// without going through the full changeState (which would re-invoke the
// state-change callback for a state that hasn't actually changed).
func (sm *StateMachine) rearmTimer(s State) {
	sm.timers.CancelAllByTag(sm.host.ID())
	if timeout, ok := sm.cfg().Timeouts[s]; ok {
		sm.rearmTimerFor(s, timeout)
	}
}

// rearmTimerFor arms the per-HSM timeout timer for state s. The callback
// re-acquires the gate itself before driving the state machine, per the
// timer service's contract, and does nothing if a newer timer has been
// armed since this one.
func (sm *StateMachine) rearmTimerFor(s State, timeout time.Duration) {
	sm.timerSeq++
	seq := sm.timerSeq
	sm.timers.ScheduleIn(timeout, sm.host.ID(), func() {
		sm.gate.With(func() {
			if seq != sm.timerSeq {
				return
			}
			sm.onTimerExpired()
		})
	})
}

// onTimerExpired treats a timeout during reclamation as evidence the
// reclamation is stuck (escalate to cold), and a timeout during
// inauguration as a failed soft attempt counted toward the budget. A timer
// that fires just after a legitimate transition cancelled it is a safe
// no-op: rearmTimerFor drops it when a newer timer has been armed since,
// and a state with no timeout falls through to the default branch here.
func (sm *StateMachine) onTimerExpired() {
	switch sm.state {
	case SoftReclamation, ColdReclamation:
		sm.doColdReclamation()
	case InaugurationLabelProvided:
		sm.recordLabelProvidedFailureAndReclaim()
	default:
		sm.log.Info("timer fired for a state with no pending timeout action", "hostID", sm.host.ID(), "state", sm.state.String())
	}
}
