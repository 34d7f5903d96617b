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

// Package inventory loads the static host inventory a minimal standalone
// rackattack deployment discovers its hosts from, read from a YAML file
// rather than discovered dynamically. It also supplies the
// out-of-band fields the reclamation server's worker needs per host (IP,
// rendered inaugurator command-line parameters) and the numeric Hetzner
// Robot server id the cold-reclamation collaborator addresses by.
package inventory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/syself/rackattack/internal/host"
	"github.com/syself/rackattack/internal/reclamation/worker"
)

// HostEntry is one host's static inventory record.
type HostEntry struct {
	ID            string `yaml:"id"`
	MAC           string `yaml:"mac"`
	IP            string `yaml:"ip"`
	Hostname      string `yaml:"hostname"`
	SSHUsername   string `yaml:"ssh_username"`
	SSHPassword   string `yaml:"ssh_password"`
	TargetDevice  string `yaml:"target_device"`
	RobotServerID int    `yaml:"robot_server_id"`

	Netmask       string `yaml:"netmask"`
	Gateway       string `yaml:"gateway"`
	RootPassword  string `yaml:"root_password"`
}

// File is the on-disk shape of the inventory file: the per-host records
// plus the cluster-wide fields shared by every rendered command line.
type File struct {
	OsmosisServerIP       string      `yaml:"osmosis_server_ip"`
	InauguratorServerIP   string      `yaml:"inaugurator_server_ip"`
	InauguratorServerPort int         `yaml:"inaugurator_server_port"`
	Hosts                 []HostEntry `yaml:"hosts"`
}

// Inventory is the parsed, indexed form of File.
type Inventory struct {
	file File
	byID map[string]HostEntry
}

// Load reads and parses an inventory file at path.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading inventory file %q: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing inventory file %q: %w", path, err)
	}

	inv := &Inventory{file: f, byID: make(map[string]HostEntry, len(f.Hosts))}
	for _, h := range f.Hosts {
		if h.ID == "" {
			return nil, fmt.Errorf("inventory file %q: host entry with empty id", path)
		}
		inv.byID[h.ID] = h
	}
	return inv, nil
}

// Entries returns every host entry, for startup-time HSM construction.
func (inv *Inventory) Entries() []HostEntry { return inv.file.Hosts }

// HostImplementations builds a host.HostImplementation for every entry,
// using host.StaticHostImplementation as the reference implementation.
func (inv *Inventory) HostImplementations(onDestroy func(id string)) []*host.StaticHostImplementation {
	out := make([]*host.StaticHostImplementation, 0, len(inv.file.Hosts))
	for _, h := range inv.file.Hosts {
		h := h
		out = append(out, &host.StaticHostImplementation{
			HostID:       h.ID,
			HostMAC:      h.MAC,
			HostIP:       h.IP,
			HostHostname: h.Hostname,
			Username:     h.SSHUsername,
			Password:     h.SSHPassword,
			Device:       h.TargetDevice,
			OnDestroy: func() {
				if onDestroy != nil {
					onDestroy(h.ID)
				}
			},
		})
	}
	return out
}

// Resolve satisfies server.CmdlineResolver: it looks hostID up and renders
// its inauguration command-line parameters from the inventory record and
// the cluster-wide fields.
func (inv *Inventory) Resolve(hostID string) (string, worker.CmdlineParams, error) {
	if inv == nil {
		return "", worker.CmdlineParams{}, fmt.Errorf("inventory: no inventory loaded, cannot resolve host id %q", hostID)
	}
	h, ok := inv.byID[hostID]
	if !ok {
		return "", worker.CmdlineParams{}, fmt.Errorf("inventory: unknown host id %q", hostID)
	}

	return h.IP, worker.CmdlineParams{
		MAC:                   h.MAC,
		OsmosisServerIP:       inv.file.OsmosisServerIP,
		InauguratorServerIP:   inv.file.InauguratorServerIP,
		InauguratorServerPort: inv.file.InauguratorServerPort,
		MyIDForServer:         h.ID,
		IPAddress:             h.IP,
		Netmask:               h.Netmask,
		Gateway:               h.Gateway,
		RootPassword:          h.RootPassword,
		TargetDeviceCandidate: h.TargetDevice,
	}, nil
}

// RobotServerID satisfies coldreclaim.HostLookup.
func (inv *Inventory) RobotServerID(hostID string) (int, error) {
	if inv == nil {
		return 0, fmt.Errorf("inventory: no inventory loaded, cannot resolve host id %q", hostID)
	}
	h, ok := inv.byID[hostID]
	if !ok {
		return 0, fmt.Errorf("inventory: unknown host id %q", hostID)
	}
	if h.RobotServerID == 0 {
		return 0, fmt.Errorf("inventory: host %q has no robot_server_id configured", hostID)
	}
	return h.RobotServerID, nil
}
