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

// Package manager owns the host registry and is the one place that
// constructs a host.StateMachine: one per discovered host, with its
// destroy callback wired back to Remove the host from the registry once
// it is destroyed by exhausted retries or external decision.
package manager

import (
	"github.com/go-logr/logr"

	"github.com/syself/rackattack/internal/gate"
	"github.com/syself/rackattack/internal/host"
	"github.com/syself/rackattack/internal/notifier"
	"github.com/syself/rackattack/internal/registry"
	"github.com/syself/rackattack/internal/timer"
)

// Manager discovers hosts and drives their HostStateMachine lifecycle.
type Manager struct {
	registry  *registry.Registry
	notifier  notifier.Bus
	pxe       host.PXEConfigurator
	dhcp      host.DHCPConfigurator
	reclaimer host.Reclaimer
	timers    *timer.Service
	gate      *gate.Gate
	log       logr.Logger
	cfg       func() *host.Config
}

// Params bundles Manager's construction-time dependencies.
type Params struct {
	Notifier  notifier.Bus
	PXE       host.PXEConfigurator
	DHCP      host.DHCPConfigurator
	Reclaimer host.Reclaimer
	Timers    *timer.Service
	Gate      *gate.Gate
	Log       logr.Logger
	Config    func() *host.Config

	// Registry lets the caller share one registry with a component built
	// before the manager (e.g. the reclamation spooler, which resolves
	// failure notifications to an HSM through the same table). A fresh
	// registry is created when left nil.
	Registry *registry.Registry
}

// New builds a Manager. It uses p.Registry if given, otherwise an empty
// one of its own.
func New(p Params) *Manager {
	reg := p.Registry
	if reg == nil {
		reg = registry.New()
	}
	return &Manager{
		registry:  reg,
		notifier:  p.Notifier,
		pxe:       p.PXE,
		dhcp:      p.DHCP,
		reclaimer: p.Reclaimer,
		timers:    p.Timers,
		gate:      p.Gate,
		log:       p.Log,
		cfg:       p.Config,
	}
}

// Registry exposes the manager's host registry, e.g. for the reclamation
// spooler's failure routing.
func (m *Manager) Registry() *registry.Registry { return m.registry }

// Discover constructs a new HostStateMachine for impl and registers it.
// freshVM selects the entry path: true for a VM about to boot the
// inaugurator on its own, false to perform an immediate cold reclamation
// with hardReset forced, since it is the host's first reclamation.
//
// Must be called with the gate held, like every other HSM-touching
// operation.
func (m *Manager) Discover(impl host.HostImplementation, freshVM bool) *host.StateMachine {
	sm := host.New(host.Params{
		Host:      impl,
		Notifier:  m.notifier,
		PXE:       m.pxe,
		DHCP:      m.dhcp,
		Reclaimer: m.reclaimer,
		Timers:    m.timers,
		Gate:      m.gate,
		Log:       m.log,
		Config:    m.cfg,
		FreshVM:   freshVM,
	})

	hostID := impl.ID()
	if err := sm.SetDestroyCallback(func(*host.StateMachine) {
		m.registry.Remove(hostID)
		m.log.Info("host destroyed and removed from registry", "hostID", hostID)
	}); err != nil {
		m.log.Error(err, "failed to install destroy callback", "hostID", hostID)
	}

	m.registry.Add(sm)
	return sm
}

// DiscoverAll calls Discover for each impl in turn, all under one gate
// acquisition.
func (m *Manager) DiscoverAll(impls []host.HostImplementation, freshVM bool) {
	m.gate.With(func() {
		for _, impl := range impls {
			m.Discover(impl, freshVM)
		}
	})
}
