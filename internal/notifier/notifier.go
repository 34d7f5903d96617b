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

// Package notifier shims the inauguration message bus: it is the narrow
// callback surface the host state machine consumes, named but not
// implemented here (the bus itself, TFTP/PXE, and DNS/DHCP are explicit
// non-goals of this repository — they exist as external collaborators with
// named interfaces only).
package notifier

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/syself/rackattack/internal/host"
)

// Receiver is the host state machine's event surface, registered with the
// notifier shim under a host id. It is an alias for host.Receiver (rather
// than a re-declared duplicate) so that Bus satisfies host.NotifierBus
// directly: host does not import notifier, so this direction is free of
// any import cycle.
type Receiver = host.Receiver

// Bus routes per-host inauguration events by host id to registered
// receivers. Events for unknown host ids are logged and dropped; that is
// not a protocol error, since a reclamation in flight can outlive the HSM
// that issued it.
type Bus interface {
	Register(hostID string, r Receiver)
	Unregister(hostID string)
	ProvideLabel(hostID, label string)
}

// shim is the reference Bus implementation. A real deployment's message
// bus would drive these same methods from AMQP deliveries; this package
// only owns the routing table and the gate discipline around it.
type shim struct {
	mu  sync.Mutex
	log logr.Logger

	receivers map[string]Receiver

	// acquireGate is called before delivering events to receivers.
	// Register, Unregister, and ProvideLabel run without it: they are
	// called from inside HSM operations that already hold the gate, and
	// the gate is not reentrant.
	acquireGate func(func())
}

// New returns a Bus that serializes delivery to receivers through
// acquireGate (normally (*gate.Gate).With).
func New(log logr.Logger, acquireGate func(func())) Bus {
	return &shim{
		log:         log,
		receivers:   make(map[string]Receiver),
		acquireGate: acquireGate,
	}
}

// Register installs r as the receiver for hostID's events. Called with
// the gate already held (from HSM construction), so it must not acquire
// the gate itself.
func (s *shim) Register(hostID string, r Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receivers[hostID] = r
}

// Unregister drops hostID's receiver. Like Register, the caller (HSM
// destruction) already holds the gate.
func (s *shim) Unregister(hostID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.receivers, hostID)
}

func (s *shim) ProvideLabel(hostID, label string) {
	// Intentionally not gated: the caller supplies the gate when
	// appropriate (typically it is already held, from inside an HSM
	// transition).
	s.log.Info("providing label", "hostID", hostID, "label", label)
}

// deliver routes one event for hostID. Unknown ids are logged and
// dropped.
func (s *shim) deliver(hostID string, fn func(Receiver)) {
	s.mu.Lock()
	r, ok := s.receivers[hostID]
	s.mu.Unlock()
	if !ok {
		s.log.Info("event for unknown host id", "hostID", hostID)
		return
	}
	fn(r)
}

// DeliverCheckIn is exported so an embedding message-bus driver can push a
// check-in event into the shim.
func (s *shim) DeliverCheckIn(hostID string) {
	s.acquireGate(func() {
		s.deliver(hostID, func(r Receiver) { r.CheckIn() })
	})
}

// DeliverDone pushes a done event into the shim.
func (s *shim) DeliverDone(hostID string) {
	s.acquireGate(func() {
		s.deliver(hostID, func(r Receiver) { r.Done() })
	})
}

// DeliverProgress pushes a progress event into the shim. Progress messages
// reporting state == "digesting" are filtered out before the gate is even
// acquired: digesting updates are frequent and never change HSM behavior.
func (s *shim) DeliverProgress(hostID, state string, percent int) {
	if state == "digesting" {
		return
	}
	s.acquireGate(func() {
		s.deliver(hostID, func(r Receiver) { r.Progress(state, percent) })
	})
}

// DeliverInaugurationFailed pushes an explicit inauguration-failure report
// into the shim.
func (s *shim) DeliverInaugurationFailed(hostID string) {
	s.acquireGate(func() {
		s.deliver(hostID, func(r Receiver) { r.InaugurationFailed() })
	})
}

// Driver exposes the Deliver* methods a real message-bus adapter calls.
// Kept separate from Bus (which the HSM side uses) so callers only see the
// half of the surface relevant to them.
type Driver interface {
	DeliverCheckIn(hostID string)
	DeliverDone(hostID string)
	DeliverProgress(hostID, state string, percent int)
	DeliverInaugurationFailed(hostID string)
}

var (
	_ Bus    = (*shim)(nil)
	_ Driver = (*shim)(nil)
)
