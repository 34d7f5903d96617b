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

// Package config implements the dynamic configuration loader: a typed
// YAML file that applies overrides to the HSM tunables and per-state
// timeouts. Loading is atomic per attribute: either every
// recognized attribute validates or the first invalid one rejects the
// whole load, and the previous *host.Config keeps serving requests.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/syself/rackattack/internal/host"
)

// File is the on-disk shape of the dynamic configuration file: scalar
// tunables plus a timeouts map keyed by state name.
type File struct {
	NrConsecutiveErrorsBeforeDestruction          *int     `yaml:"nr_consecutive_errors_before_destruction"`
	NrConsecutiveErrorsBeforeReconfiguringBIOS    *int     `yaml:"nr_consecutive_errors_before_reconfiguring_bios"`
	NrConsecutiveErrorsBeforeClearingDisk         *int     `yaml:"nr_consecutive_errors_before_clearing_disk"`
	NrConsecutiveErrorsBeforeHardReset            *int     `yaml:"nr_consecutive_errors_before_hard_reset"`
	MaxNrConsecutiveInaugurationFailures          *int     `yaml:"max_nr_consecutive_inauguration_failures"`
	AllowClearingOfDisk                           *bool    `yaml:"allow_clearing_of_disk"`
	HostsMaxUptimeSeconds                         *float64 `yaml:"hosts_max_uptime_seconds"`

	Timeouts map[string]string `yaml:"timeouts"`
}

// stateNames maps the TIMEOUTS map's keys (as they appear in the YAML
// file) to host.State values. Unrecognized names are a hard error;
// missing ones are left at whatever the base config already carries.
var stateNames = map[string]host.State{
	"SOFT_RECLAMATION":            host.SoftReclamation,
	"COLD_RECLAMATION":            host.ColdReclamation,
	"INAUGURATION_LABEL_PROVIDED": host.InaugurationLabelProvided,
}

// Load reads and parses path, then applies it on top of base (typically
// host.DefaultConfig()) and returns the resulting *host.Config. base is
// never mutated; Load always returns a fresh copy so the caller can swap
// the shared pointer atomically.
func Load(path string, base *host.Config) (*host.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration file %q: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing configuration file %q: %w", path, err)
	}

	return Apply(&f, base)
}

// Apply type-checks and assigns f's recognized fields onto a copy of
// base. Any invalid value (an unrecognized timeouts key or a timeout
// string that doesn't parse) rejects the entire load: base stays
// untouched and no partially applied config is ever returned.
func Apply(f *File, base *host.Config) (*host.Config, error) {
	cfg := cloneConfig(base)

	if f.NrConsecutiveErrorsBeforeDestruction != nil {
		cfg.NrConsecutiveErrorsBeforeDestruction = *f.NrConsecutiveErrorsBeforeDestruction
	}
	if f.NrConsecutiveErrorsBeforeReconfiguringBIOS != nil {
		cfg.NrConsecutiveErrorsBeforeReconfiguringBIOS = *f.NrConsecutiveErrorsBeforeReconfiguringBIOS
	}
	if f.NrConsecutiveErrorsBeforeClearingDisk != nil {
		cfg.NrConsecutiveErrorsBeforeClearingDisk = *f.NrConsecutiveErrorsBeforeClearingDisk
	}
	if f.NrConsecutiveErrorsBeforeHardReset != nil {
		cfg.NrConsecutiveErrorsBeforeHardReset = *f.NrConsecutiveErrorsBeforeHardReset
	}
	if f.MaxNrConsecutiveInaugurationFailures != nil {
		cfg.MaxNrConsecutiveInaugurationFailures = *f.MaxNrConsecutiveInaugurationFailures
	}
	if f.AllowClearingOfDisk != nil {
		cfg.AllowClearingOfDisk = *f.AllowClearingOfDisk
	}
	if f.HostsMaxUptimeSeconds != nil {
		cfg.HostsMaxUptimeSeconds = *f.HostsMaxUptimeSeconds
	}

	for name, raw := range f.Timeouts {
		state, ok := stateNames[name]
		if !ok {
			return nil, fmt.Errorf("config: unrecognized timeouts key %q", name)
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("config: invalid timeout %q for %q: %w", raw, name, err)
		}
		cfg.Timeouts[state] = d
	}

	return cfg, nil
}

func cloneConfig(base *host.Config) *host.Config {
	cfg := *base
	cfg.Timeouts = make(map[host.State]time.Duration, len(base.Timeouts))
	for s, d := range base.Timeouts {
		cfg.Timeouts[s] = d
	}
	return &cfg
}
