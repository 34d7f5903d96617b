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

package worker

import (
	"fmt"
	"strings"
)

// CmdlineParams carries the fields the inauguration command-line template
// needs. The same rendered line is used both in the PXE configuration and
// as the kexec command line for strategy B.
type CmdlineParams struct {
	MAC                     string
	OsmosisServerIP         string
	InauguratorServerIP     string
	InauguratorServerPort   int
	MyIDForServer           string
	IPAddress               string
	Netmask                 string
	Gateway                 string
	RootPassword            string
	WithLocalObjectStore    bool
	ClearDisk               bool
	TargetDeviceCandidate   string
}

// Render produces the inaugurator command line: the fixed console/edd
// prefix, the required --inauguratorXxx flags in a fixed order, and the
// optional trailing flags (in order: WithLocalObjectStore, ClearDisk,
// TargetDeviceCandidate) when present. The flag order is part of the
// inaugurator's contract; do not reorder.
func (p CmdlineParams) Render() string {
	var b strings.Builder
	b.WriteString("console=ttyS0,115200n8 edd=off")
	b.WriteString(" --inauguratorSource=network")
	fmt.Fprintf(&b, " --inauguratorUseNICWithMAC=%s", p.MAC)
	fmt.Fprintf(&b, " --inauguratorOsmosisObjectStores=%s:1010", p.OsmosisServerIP)
	fmt.Fprintf(&b, " --inauguratorServerAMQPURL=amqp://guest:guest@%s:%d/%%2F", p.InauguratorServerIP, p.InauguratorServerPort)
	fmt.Fprintf(&b, " --inauguratorMyIDForServer=%s", p.MyIDForServer)
	fmt.Fprintf(&b, " --inauguratorIPAddress=%s", p.IPAddress)
	fmt.Fprintf(&b, " --inauguratorNetmask=%s", p.Netmask)
	fmt.Fprintf(&b, " --inauguratorGateway=%s", p.Gateway)
	fmt.Fprintf(&b, " --inauguratorChangeRootPassword=%s", p.RootPassword)

	if p.WithLocalObjectStore {
		b.WriteString(" --inauguratorWithLocalObjectStore")
	}
	if p.ClearDisk {
		b.WriteString(" --inauguratorClearDisk")
	}
	if p.TargetDeviceCandidate != "" {
		fmt.Fprintf(&b, " --inauguratorTargetDeviceCandidate=%s", p.TargetDeviceCandidate)
	}

	return b.String()
}
