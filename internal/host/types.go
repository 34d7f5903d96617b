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

// Package host implements the host reclamation state machine: one instance
// per physical or virtual host, driving reclamation and inauguration with
// timeouts and error-count escalation.
package host

import "time"

// State is one of the six states a HostStateMachine can occupy.
type State int

const (
	// SoftReclamation is attempting to bring the host back into the
	// inaugurator without a power cycle.
	SoftReclamation State = iota
	// ColdReclamation is forcing the host to reboot via out-of-band means.
	ColdReclamation
	// CheckedIn means the inaugurator has checked in but no tenant
	// assignment is currently pending delivery.
	CheckedIn
	// InaugurationLabelProvided means the tenant's image label has been
	// handed to the inaugurator and provisioning is in progress.
	InaugurationLabelProvided
	// InaugurationDone means provisioning completed and the host is ready
	// for tenant use (booting from local disk).
	InaugurationDone
	// Destroyed is an absorbing terminal state.
	Destroyed
)

// String renders the state the way logs and tests expect to see it.
func (s State) String() string {
	switch s {
	case SoftReclamation:
		return "SOFT_RECLAMATION"
	case ColdReclamation:
		return "COLD_RECLAMATION"
	case CheckedIn:
		return "CHECKED_IN"
	case InaugurationLabelProvided:
		return "INAUGURATION_LABEL_PROVIDED"
	case InaugurationDone:
		return "INAUGURATION_DONE"
	case Destroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// HostImplementation is the abstract host-identity object the HSM does not
// own: an opaque id, a primary MAC, an IP, an optional target-block-device
// hint, and root SSH credentials. A concrete embedding supplies this (for
// example by reading it from its own inventory); StaticHostImplementation
// is the reference implementation used by tests and by rackattackd.
type HostImplementation interface {
	ID() string
	MAC() string
	IP() string
	Hostname() string
	SSHUsername() string
	SSHPassword() string
	TargetDevice() string

	// Destroy releases whatever resources the embedding associates with
	// this host (e.g. deregistering a VM). Called exactly once, from
	// (*StateMachine).Destroy.
	Destroy()
}

// StaticHostImplementation is a plain-data HostImplementation, good enough
// for tests and for a minimal standalone deployment where host inventory is
// read from a config file rather than discovered dynamically.
type StaticHostImplementation struct {
	HostID       string
	HostMAC      string
	HostIP       string
	HostHostname string
	Username     string
	Password     string
	Device       string

	OnDestroy func()
}

func (h *StaticHostImplementation) ID() string           { return h.HostID }
func (h *StaticHostImplementation) MAC() string          { return h.HostMAC }
func (h *StaticHostImplementation) IP() string           { return h.HostIP }
func (h *StaticHostImplementation) Hostname() string     { return h.HostHostname }
func (h *StaticHostImplementation) SSHUsername() string  { return h.Username }
func (h *StaticHostImplementation) SSHPassword() string  { return h.Password }
func (h *StaticHostImplementation) TargetDevice() string {
	if h.Device == "" {
		return "default"
	}
	return h.Device
}
func (h *StaticHostImplementation) Destroy() {
	if h.OnDestroy != nil {
		h.OnDestroy()
	}
}

var _ HostImplementation = (*StaticHostImplementation)(nil)

// Reclaimer is the reclamation spooler's interface as seen by the HSM: it
// accepts soft and cold reclamation requests and enqueues them, so no pipe
// write happens while the gate is held. The spooler's implementation does
// block the caller until both of its pipes have been opened once.
type Reclaimer interface {
	Soft(host HostImplementation, isInauguratorActive bool)
	Cold(host HostImplementation, reconfigureBIOS, hardReset bool)
}

// PXEConfigurator is the TFTP/PXE collaborator: an explicit non-goal of
// this repository, consumed only through this narrow interface.
type PXEConfigurator interface {
	ConfigureForInaugurator(host HostImplementation, clearDisk bool) error
	ConfigureForLocalDisk(host HostImplementation) error
}

// DHCPConfigurator is the DNS/DHCP host-table collaborator: likewise an
// explicit non-goal, consumed only through this interface.
type DHCPConfigurator interface {
	ConfigureForInaugurator(host HostImplementation) error
}

// NotifierBus is the subset of notifier.Bus the HSM needs at construction
// and destruction time.
type NotifierBus interface {
	Register(hostID string, r Receiver)
	Unregister(hostID string)
	ProvideLabel(hostID, label string)
}

// Receiver is implemented by *StateMachine. It is declared here rather than
// in the notifier package, which imports host and re-exports this type as
// the alias notifier.Receiver, so no import cycle arises.
type Receiver interface {
	CheckIn()
	Done()
	Progress(state string, percent int)
	InaugurationFailed()
}

// StateChangeCallback is invoked with the state machine itself whenever its
// state changes, but only while a tenant assignment is active.
type StateChangeCallback func(sm *StateMachine)

// DestroyCallback is invoked exactly once when the host is destroyed.
type DestroyCallback func(sm *StateMachine)

// Config holds the reclamation policy tunables. A *Config is
// treated as immutable once published; the dynamic configuration loader
// (internal/config) returns a patched copy rather than mutating fields in
// place, so a caller can swap the shared pointer instead.
type Config struct {
	NrConsecutiveErrorsBeforeDestruction          int
	NrConsecutiveErrorsBeforeReconfiguringBIOS    int
	NrConsecutiveErrorsBeforeClearingDisk         int
	NrConsecutiveErrorsBeforeHardReset            int
	MaxNrConsecutiveInaugurationFailures          int
	AllowClearingOfDisk                           bool
	HostsMaxUptimeSeconds                         float64

	Timeouts map[State]time.Duration
}

// DefaultConfig returns the tunables at their operational defaults. None
// of them is zero: a zero value would make the corresponding feature
// permanently armed (e.g. a zero uptime ceiling would fail every soft
// reclamation).
func DefaultConfig() *Config {
	return &Config{
		NrConsecutiveErrorsBeforeDestruction:       5,
		NrConsecutiveErrorsBeforeReconfiguringBIOS: 4,
		NrConsecutiveErrorsBeforeClearingDisk:      2,
		NrConsecutiveErrorsBeforeHardReset:         3,
		MaxNrConsecutiveInaugurationFailures:       3,
		AllowClearingOfDisk:                        true,
		HostsMaxUptimeSeconds:                      7 * 24 * 60 * 60,

		Timeouts: map[State]time.Duration{
			SoftReclamation:           120 * time.Second,
			ColdReclamation:           600 * time.Second,
			InaugurationLabelProvided: 300 * time.Second,
		},
	}
}
