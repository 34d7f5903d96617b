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

// Package registry holds the process-wide host id -> *host.StateMachine
// map. Every lookup and mutation happens under the gate the
// caller already holds; the registry itself does not lock, mirroring
// host.StateMachine's own "no method takes its own lock" contract.
package registry

import (
	"github.com/syself/rackattack/internal/host"
	"github.com/syself/rackattack/internal/reclamation/spooler"
)

// Registry is a plain map wrapper kept in its own package so that both the
// control plane (inserting/removing hosts) and the reclamation spooler
// (resolving a failure notification to its HSM) can depend on it. Lookup
// returns spooler.FailureHandler by name, not a structurally equivalent
// anonymous interface, since Go's interface satisfaction requires the
// method's result type to match exactly.
type Registry struct {
	hosts map[string]*host.StateMachine
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{hosts: make(map[string]*host.StateMachine)}
}

// Add registers sm under its host id. Overwrites any previous entry for
// the same id; callers are expected to Remove a destroyed host before
// reusing its id.
func (r *Registry) Add(sm *host.StateMachine) {
	r.hosts[sm.HostImplementation().ID()] = sm
}

// Remove drops hostID from the registry. A no-op if absent.
func (r *Registry) Remove(hostID string) {
	delete(r.hosts, hostID)
}

// Get returns the state machine for hostID, if any.
func (r *Registry) Get(hostID string) (*host.StateMachine, bool) {
	sm, ok := r.hosts[hostID]
	return sm, ok
}

// Lookup satisfies spooler.Registry: it returns the narrower
// spooler.FailureHandler view rather than the concrete state machine.
func (r *Registry) Lookup(hostID string) (spooler.FailureHandler, bool) {
	sm, ok := r.hosts[hostID]
	if !ok {
		return nil, false
	}
	return sm, true
}

// Len reports how many hosts are currently registered.
func (r *Registry) Len() int { return len(r.hosts) }

// All returns a snapshot slice of every registered state machine, in no
// particular order.
func (r *Registry) All() []*host.StateMachine {
	out := make([]*host.StateMachine, 0, len(r.hosts))
	for _, sm := range r.hosts {
		out = append(out, sm)
	}
	return out
}
