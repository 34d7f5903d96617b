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

// Command rackattackd runs the rack-attack host reclamation control
// plane: the host state machines, the reclamation spooler, and (unless
// -control-plane-only is set) the reclamation server in the same process,
// talking to each other over two named pipes. A production deployment
// would typically run the server as its own supervised process on the
// other end of the two pipes; -server-only and -control-plane-only allow
// splitting them.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-logr/logr"

	"github.com/syself/rackattack/internal/coldreclaim"
	"github.com/syself/rackattack/internal/collaborator"
	"github.com/syself/rackattack/internal/config"
	"github.com/syself/rackattack/internal/gate"
	"github.com/syself/rackattack/internal/host"
	"github.com/syself/rackattack/internal/inventory"
	"github.com/syself/rackattack/internal/logging"
	"github.com/syself/rackattack/internal/manager"
	"github.com/syself/rackattack/internal/notifier"
	"github.com/syself/rackattack/internal/registry"
	"github.com/syself/rackattack/internal/reclamation/server"
	"github.com/syself/rackattack/internal/reclamation/spooler"
	"github.com/syself/rackattack/internal/reclamation/worker"
	"github.com/syself/rackattack/internal/timer"
)

type flags struct {
	logLevel      string
	devLog        bool
	requestsPipe  string
	failuresPipe  string
	inventoryPath string
	configPath    string
	vmlinuzPath   string
	initrdPath    string
	serverOnly    bool
	controlOnly   bool
	robotUsername string
	robotPassword string
	virtual       bool
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.BoolVar(&f.devLog, "dev-log", false, "Use development (console) log encoding instead of JSON")
	flag.StringVar(&f.requestsPipe, "requests-pipe", "/run/rackattack/requests", "Path of the requests-out/requests-in named pipe")
	flag.StringVar(&f.failuresPipe, "failures-pipe", "/run/rackattack/failures", "Path of the failures-in/failures-out named pipe")
	flag.StringVar(&f.inventoryPath, "inventory", "", "Path of the static host inventory YAML file")
	flag.StringVar(&f.configPath, "config", "", "Path of the dynamic configuration override file, optional")
	flag.StringVar(&f.vmlinuzPath, "inaugurator-vmlinuz", "", "Path of the inaugurator kernel image")
	flag.StringVar(&f.initrdPath, "inaugurator-initrd", "", "Path of the inaugurator initrd image")
	flag.BoolVar(&f.serverOnly, "server-only", false, "Run only the reclamation server, not the control plane")
	flag.BoolVar(&f.controlOnly, "control-plane-only", false, "Run only the control plane (HSMs + spooler), not the reclamation server")
	flag.StringVar(&f.robotUsername, "hetzner-robot-username", "", "Hetzner Robot API username, for bare-metal cold reclamation")
	flag.StringVar(&f.robotPassword, "hetzner-robot-password", "", "Hetzner Robot API password, for bare-metal cold reclamation")
	flag.BoolVar(&f.virtual, "virtual", false, "Cold-reclaim via a hypervisor cold-restart call instead of the Hetzner Robot API")
	flag.Parse()
	return f
}

func main() {
	f := parseFlags()

	log, err := logging.New(f.logLevel, f.devLog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rackattackd: %v\n", err)
		os.Exit(1)
	}

	if err := ensureFifo(f.requestsPipe); err != nil {
		log.Error(err, "failed to create requests pipe", "path", f.requestsPipe)
		os.Exit(1)
	}
	if err := ensureFifo(f.failuresPipe); err != nil {
		log.Error(err, "failed to create failures pipe", "path", f.failuresPipe)
		os.Exit(1)
	}

	baseCfg := host.DefaultConfig()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath, baseCfg)
		if err != nil {
			log.Error(err, "failed to load dynamic configuration, falling back to defaults")
		} else {
			baseCfg = loaded
		}
	}

	switch {
	case f.serverOnly:
		runServer(log, f, baseCfg)
	case f.controlOnly:
		runControlPlane(log, f, baseCfg)
	default:
		go runServer(log, f, baseCfg)
		runControlPlane(log, f, baseCfg)
	}
}

// runControlPlane wires the gate, timer service, notifier shim, manager,
// reclamation spooler, and one HostStateMachine per inventory entry, then
// blocks until terminated.
func runControlPlane(log logr.Logger, f flags, cfg *host.Config) {
	g := gate.NewDefault(log.WithName("gate"))
	timers := timer.New()
	bus := notifier.New(log.WithName("notifier"), g.With)
	reg := registry.New()

	inv, err := inventory.Load(f.inventoryPath)
	if err != nil {
		log.Error(err, "failed to load host inventory, control plane has no hosts to manage")
	}

	spool := spooler.New(f.requestsPipe, f.failuresPipe, reg, g, log.WithName("spooler"))
	mgr := manager.New(manager.Params{
		Registry:  reg,
		Notifier:  bus,
		PXE:       collaborator.LoggingPXE{Log: log.WithName("pxe")},
		DHCP:      collaborator.LoggingDHCP{Log: log.WithName("dhcp")},
		Reclaimer: spool,
		Timers:    timers,
		Gate:      g,
		Log:       log.WithName("hsm"),
		Config:    func() *host.Config { return cfg },
	})

	spool.Start()

	if inv != nil {
		impls := make([]host.HostImplementation, 0, len(inv.Entries()))
		for _, impl := range inv.HostImplementations(nil) {
			impls = append(impls, impl)
		}
		mgr.DiscoverAll(impls, false)
		log.Info("discovered hosts from inventory", "count", len(impls))
	}

	waitForSignal(log)
	spool.Close()
}

// runServer wires the reclamation server: the requests-in reader, the
// failures-out writer, the cold-reclamation collaborator
// (Hetzner Robot API or a hypervisor, per -virtual), and the inventory
// lookup soft-reclamation workers need for IP/command-line resolution.
func runServer(log logr.Logger, f flags, cfg *host.Config) {
	inv, err := inventory.Load(f.inventoryPath)
	if err != nil {
		log.Error(err, "reclamation server has no host inventory, cold-reclamation host-id lookups will fail")
	}

	var coldReclaimer coldreclaim.Reclaimer
	if f.virtual {
		coldReclaimer = coldreclaim.NewVirtual(noopHypervisor{log: log.WithName("hypervisor")}, log.WithName("coldreclaim"))
	} else {
		coldReclaimer = coldreclaim.NewRobot(f.robotUsername, f.robotPassword, inv, log.WithName("coldreclaim"))
	}

	payloads := loadPayloads(log, f.vmlinuzPath, f.initrdPath)

	srv := server.New(server.Params{
		RequestsInPath:  f.requestsPipe,
		FailuresOutPath: f.failuresPipe,
		ColdReclaimer:   coldReclaimer,
		Resolver:        inv,
		Payloads:        payloads,
		WorkerConfig:    worker.Config{HostsMaxUptimeSeconds: cfg.HostsMaxUptimeSeconds},
		Log:             log.WithName("reclamation-server"),
	})
	srv.Start()

	waitForSignal(log)
	srv.Stop()
}

func loadPayloads(log logr.Logger, vmlinuzPath, initrdPath string) worker.Payloads {
	var p worker.Payloads
	if vmlinuzPath != "" {
		data, err := os.ReadFile(vmlinuzPath)
		if err != nil {
			log.Error(err, "failed to read inaugurator kernel image", "path", vmlinuzPath)
		} else {
			p.Vmlinuz = data
		}
	}
	if initrdPath != "" {
		data, err := os.ReadFile(initrdPath)
		if err != nil {
			log.Error(err, "failed to read inaugurator initrd image", "path", initrdPath)
		} else {
			p.Initrd = data
		}
	}
	return p
}

// noopHypervisor is the reference Hypervisor for a -virtual deployment
// that has no real VM control plane wired in yet; it logs instead of
// issuing a real cold-restart call.
type noopHypervisor struct {
	log logr.Logger
}

func (h noopHypervisor) ColdRestart(hostID string) error {
	h.log.Info("hypervisor cold restart (no-op reference implementation)", "hostID", hostID)
	return nil
}

// ensureFifo creates path as a named pipe, including its parent
// directory. An already-existing pipe is left alone so that whichever of
// the control plane and the reclamation server starts first creates it.
func ensureFifo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := syscall.Mkfifo(path, 0o600); err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}
	return nil
}

func waitForSignal(log logr.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received shutdown signal", "signal", sig.String())
}
