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

// Package gate implements the single process-wide mutual-exclusion guard
// that every host-state-machine transition, collaborator callback, and
// timer expiration must hold. It is a thin wrapper around sync.Mutex that
// adds the acquire/hold latency diagnostics the control plane relies on to
// catch accidental blocking while the gate is held.
package gate

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Default latency budgets: acquiring longer than this or holding longer
// than this logs an error with a stack snapshot.
const (
	DefaultAcquireBudget = 100 * time.Millisecond
	DefaultHoldBudget    = 300 * time.Millisecond
)

// Gate is the process-wide lock. The zero value is not usable; build one
// with New.
type Gate struct {
	mu  sync.Mutex
	log logr.Logger

	acquireBudget time.Duration
	holdBudget    time.Duration
}

// New returns a Gate that logs through log whenever acquiring or holding
// exceeds the given budgets. Passing a zero duration disables that budget's
// diagnostic.
func New(log logr.Logger, acquireBudget, holdBudget time.Duration) *Gate {
	return &Gate{
		log:           log,
		acquireBudget: acquireBudget,
		holdBudget:    holdBudget,
	}
}

// NewDefault returns a Gate using DefaultAcquireBudget and DefaultHoldBudget.
func NewDefault(log logr.Logger) *Gate {
	return New(log, DefaultAcquireBudget, DefaultHoldBudget)
}

// held is returned by Acquire; calling its Release method releases the
// gate and checks the hold-latency budget.
type held struct {
	g         *Gate
	acquiredAt time.Time
}

// Acquire blocks until the gate is free, then returns a token whose
// Release must be called exactly once (typically via defer) to release it.
func (g *Gate) Acquire() *held {
	start := time.Now()
	g.mu.Lock()
	acquired := time.Now()

	if g.acquireBudget > 0 {
		if wait := acquired.Sub(start); wait > g.acquireBudget {
			g.log.Error(nil, "gate acquisition exceeded budget", "waited", wait, "budget", g.acquireBudget, "stack", string(debug.Stack()))
		}
	}

	return &held{g: g, acquiredAt: acquired}
}

// Release releases the gate, logging if it was held past the configured
// budget.
func (h *held) Release() {
	held := time.Since(h.acquiredAt)
	if h.g.holdBudget > 0 && held > h.g.holdBudget {
		h.g.log.Error(nil, "gate held past budget", "held", held, "budget", h.g.holdBudget, "stack", string(debug.Stack()))
	}
	h.g.mu.Unlock()
}

// With runs fn while holding the gate, releasing it (and running the
// diagnostics) afterwards even if fn panics.
func (g *Gate) With(fn func()) {
	h := g.Acquire()
	defer h.Release()
	fn()
}
