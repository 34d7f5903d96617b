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

// Package collaborator provides logging-only stand-ins for the PXE/TFTP
// and DNS/DHCP collaborators, which are external to this repository: the
// control plane consumes them only through host.PXEConfigurator and
// host.DHCPConfigurator, so a minimal standalone deployment can run
// against these no-op implementations without a real TFTP tree or DHCP
// host table.
package collaborator

import (
	"github.com/go-logr/logr"

	"github.com/syself/rackattack/internal/host"
)

// LoggingPXE logs every call instead of writing a real PXE config file
// tree.
type LoggingPXE struct {
	Log logr.Logger
}

func (p LoggingPXE) ConfigureForInaugurator(h host.HostImplementation, clearDisk bool) error {
	p.Log.Info("pxe: configure for inaugurator", "hostID", h.ID(), "mac", h.MAC(), "clearDisk", clearDisk)
	return nil
}

func (p LoggingPXE) ConfigureForLocalDisk(h host.HostImplementation) error {
	p.Log.Info("pxe: configure for local disk boot", "hostID", h.ID(), "mac", h.MAC())
	return nil
}

// LoggingDHCP logs every call instead of writing a real DHCP host table.
type LoggingDHCP struct {
	Log logr.Logger
}

func (d LoggingDHCP) ConfigureForInaugurator(h host.HostImplementation) error {
	d.Log.Info("dhcp: configure for inaugurator", "hostID", h.ID(), "mac", h.MAC(), "ip", h.IP())
	return nil
}

var (
	_ host.PXEConfigurator  = LoggingPXE{}
	_ host.DHCPConfigurator = LoggingDHCP{}
)
