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

// Package coldreclaim implements the pluggable cold-reclamation
// collaborator the reclamation server dispatches "cold" requests to.
// Reclaimer is the narrow interface the server depends on; Robot and
// Virtual are the bare-metal and VM embeddings.
package coldreclaim

import (
	"fmt"

	"github.com/go-logr/logr"

	hrobot "github.com/syself/hrobot-go"
	"github.com/syself/hrobot-go/models"
)

// Reclaimer performs the out-of-band cold reboot for one cold reclamation
// request. hardReset selects a hardware reset over a graceful power-button
// press; reconfigureBIOS is passed through for embeddings that need to
// flip a boot-order flag ahead of the reset (the reference embeddings
// below do not).
type Reclaimer interface {
	ColdReboot(hostID string, reconfigureBIOS, hardReset bool) error
}

// HostLookup resolves a rack-attack host id to the numeric Hetzner Robot
// server id the hrobot-go client addresses servers by.
type HostLookup interface {
	RobotServerID(hostID string) (int, error)
}

// robotClient is the subset of hrobot.RobotClient the Robot embedding
// calls, named here so tests can fake it without a real HTTP round trip.
type robotClient interface {
	ResetSet(id int, input *models.ResetSetInput) (*models.ResetPost, error)
}

// Robot is the bare-metal cold-reclamation embedding: it maps a cold
// request directly onto the Hetzner Robot API's reset endpoint.
type Robot struct {
	client robotClient
	lookup HostLookup
	log    logr.Logger
}

// NewRobot builds a Robot cold reclaimer. username/password are the
// Hetzner Robot API credentials; lookup resolves rack-attack host ids to
// Robot server ids.
func NewRobot(username, password string, lookup HostLookup, log logr.Logger) *Robot {
	return &Robot{
		client: hrobot.NewBasicAuthClient(username, password),
		lookup: lookup,
		log:    log,
	}
}

// ColdReboot satisfies Reclaimer: hardReset selects models.ResetTypeHardware
// over models.ResetTypePower.
func (r *Robot) ColdReboot(hostID string, reconfigureBIOS, hardReset bool) error {
	id, err := r.lookup.RobotServerID(hostID)
	if err != nil {
		return fmt.Errorf("coldreclaim: resolving robot server id for %q: %w", hostID, err)
	}

	resetType := models.ResetTypePower
	if hardReset {
		resetType = models.ResetTypeHardware
	}

	if _, err := r.client.ResetSet(id, &models.ResetSetInput{Type: resetType}); err != nil {
		return fmt.Errorf("coldreclaim: robot reset (type=%s) for host %q (server %d): %w", resetType, hostID, id, err)
	}

	r.log.Info("cold reclamation issued via robot API", "hostID", hostID, "resetType", resetType, "reconfigureBIOS", reconfigureBIOS)
	return nil
}

var _ Reclaimer = (*Robot)(nil)

// Hypervisor is the narrow control surface the Virtual embedding needs
// from a hosting hypervisor: a single cold-restart call.
type Hypervisor interface {
	ColdRestart(hostID string) error
}

// Virtual is the VM cold-reclamation embedding: a cold request maps
// directly onto the hypervisor's cold-restart call. reconfigureBIOS has no
// meaning for a virtual machine and is accepted only to satisfy Reclaimer.
type Virtual struct {
	hypervisor Hypervisor
	log        logr.Logger
}

// NewVirtual builds a Virtual cold reclaimer backed by hypervisor.
func NewVirtual(hypervisor Hypervisor, log logr.Logger) *Virtual {
	return &Virtual{hypervisor: hypervisor, log: log}
}

// ColdReboot satisfies Reclaimer.
func (v *Virtual) ColdReboot(hostID string, reconfigureBIOS, hardReset bool) error {
	if err := v.hypervisor.ColdRestart(hostID); err != nil {
		return fmt.Errorf("coldreclaim: hypervisor cold restart for host %q: %w", hostID, err)
	}
	v.log.Info("cold reclamation issued via hypervisor cold restart", "hostID", hostID)
	return nil
}

var _ Reclaimer = (*Virtual)(nil)
