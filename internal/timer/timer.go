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

// Package timer implements the deferred-callback scheduler used by the host
// state machine to arm and cancel per-state timeouts. Every transient state
// owns exactly one outstanding timer, tagged by the HSM that scheduled it,
// so a single CancelAllByTag clears it unconditionally before a new one (if
// any) is armed.
package timer

import (
	"sync"
	"time"
)

// Service schedules one-shot callbacks tagged by an owner, with idempotent
// cancellation of every pending timer sharing a tag. Callbacks run on the
// timer's own goroutine and are responsible for acquiring whatever lock
// they need (the gate, in this codebase) before touching shared state.
type Service struct {
	mu      sync.Mutex
	pending map[string]map[uint64]*time.Timer
	nextID  uint64
}

// New returns an empty timer service.
func New() *Service {
	return &Service{
		pending: make(map[string]map[uint64]*time.Timer),
	}
}

// ScheduleIn arms a one-shot timer under tag that invokes callback after
// timeout elapses. It returns immediately; callback executes asynchronously.
func (s *Service) ScheduleIn(timeout time.Duration, tag string, callback func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.pending[tag] == nil {
		s.pending[tag] = make(map[uint64]*time.Timer)
	}
	s.mu.Unlock()

	var t *time.Timer
	t = time.AfterFunc(timeout, func() {
		s.mu.Lock()
		if byTag, ok := s.pending[tag]; ok {
			delete(byTag, id)
			if len(byTag) == 0 {
				delete(s.pending, tag)
			}
		}
		s.mu.Unlock()
		callback()
	})

	s.mu.Lock()
	// The timer may have already fired (and removed itself) if timeout is
	// extremely small; guard against re-inserting into a deleted tag map.
	if byTag, ok := s.pending[tag]; ok {
		byTag[id] = t
	}
	s.mu.Unlock()
}

// CancelAllByTag stops every pending timer registered under tag. It is
// idempotent: cancelling a tag with no pending timers is a no-op.
func (s *Service) CancelAllByTag(tag string) {
	s.mu.Lock()
	byTag, ok := s.pending[tag]
	delete(s.pending, tag)
	s.mu.Unlock()

	if !ok {
		return
	}
	for _, t := range byTag {
		t.Stop()
	}
}

// PendingCount returns the number of timers currently armed under tag.
// Intended for tests asserting the "exactly one timer" invariant.
func (s *Service) PendingCount(tag string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[tag])
}
