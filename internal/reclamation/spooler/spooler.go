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

// Package spooler implements the in-process front end of the reclamation
// pipeline: it serializes reclamation requests from the host state
// machines onto the requests-out named pipe, and routes soft-reclamation
// failure notifications read back from failures-in to the right HSM via
// the host registry.
package spooler

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/syself/rackattack/internal/gate"
	"github.com/syself/rackattack/internal/host"
	"github.com/syself/rackattack/internal/reclamation/protocol"
)

// readChunkSize is sized so a failure burst is consumed in one read.
const readChunkSize = 1 << 20

// FailureHandler is the subset of *host.StateMachine the spooler needs:
// the callback invoked when a soft reclamation attempt conclusively
// failed.
type FailureHandler interface {
	SoftReclaimFailed()
}

// Registry resolves a host id to its state machine. Unknown ids are
// logged and skipped, not a protocol error.
type Registry interface {
	Lookup(hostID string) (FailureHandler, bool)
}

// Spooler is the reclamation request spooler. Build one with New and call
// Start to launch its background loops; Soft and Cold satisfy
// host.Reclaimer and block until the spooler has finished opening both
// pipes.
type Spooler struct {
	requestsOutPath string
	failuresInPath  string

	registry Registry
	gate     *gate.Gate
	log      logr.Logger

	mu    sync.Mutex
	queue []protocol.Request
	wake  chan struct{}

	ready     chan struct{}
	readyOnce sync.Once
	openCount atomic.Int32

	stopCh      chan struct{}
	stopOnce    sync.Once
	requestsOut io.WriteCloser
	failuresIn  io.ReadCloser
	filesMu     sync.Mutex

	// exitFunc is called when the loop hits an unrecoverable error or
	// panic: the spooler is the only writer on requests-out, so the whole
	// process must die loudly rather than limp on without reclamation.
	// Overridable in tests so they don't take down the test binary.
	exitFunc func(code int)
}

// New builds a Spooler. requestsOutPath and failuresInPath are the paths
// of the two named pipes; the caller is responsible for creating them
// (e.g. via syscall.Mkfifo) before Start is called.
func New(requestsOutPath, failuresInPath string, registry Registry, g *gate.Gate, log logr.Logger) *Spooler {
	return &Spooler{
		requestsOutPath: requestsOutPath,
		failuresInPath:  failuresInPath,
		registry:        registry,
		gate:            g,
		log:             log,
		wake:            make(chan struct{}, 1),
		ready:           make(chan struct{}),
		stopCh:          make(chan struct{}),
		exitFunc:        os.Exit,
	}
}

// Start launches the writer and reader background loops. Both open their
// respective pipe in a blocking fashion (a named pipe opened write-only
// blocks until a reader opens it, and vice versa), so Start returns
// immediately and readiness is signalled asynchronously through s.ready.
func (s *Spooler) Start() {
	go s.runWriterLoop()
	go s.runReaderLoop()
}

// Close stops both background loops and releases the open pipe handles.
func (s *Spooler) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.filesMu.Lock()
	if s.requestsOut != nil {
		s.requestsOut.Close()
	}
	if s.failuresIn != nil {
		s.failuresIn.Close()
	}
	s.filesMu.Unlock()
}

// Soft satisfies host.Reclaimer: enqueue a soft reclamation request.
func (s *Spooler) Soft(h host.HostImplementation, isInauguratorActive bool) {
	<-s.ready
	s.enqueue(&protocol.SoftRequest{
		HostID:              h.ID(),
		Hostname:            h.Hostname(),
		Username:            h.SSHUsername(),
		Password:            h.SSHPassword(),
		MAC:                 h.MAC(),
		TargetDevice:        h.TargetDevice(),
		IsInauguratorActive: isInauguratorActive,
	})
}

// Cold satisfies host.Reclaimer: enqueue a cold reclamation request.
func (s *Spooler) Cold(h host.HostImplementation, reconfigureBIOS, hardReset bool) {
	<-s.ready
	s.enqueue(&protocol.ColdRequest{
		HostID:          h.ID(),
		ReconfigureBIOS: reconfigureBIOS,
		HardReset:       hardReset,
	})
}

func (s *Spooler) enqueue(req protocol.Request) {
	s.mu.Lock()
	s.queue = append(s.queue, req)
	s.mu.Unlock()

	// Self-pipe wake-up: a non-blocking send is enough, since the writer
	// loop always drains the whole queue once woken. A pending unread
	// wake-up means a drain is already scheduled.
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Spooler) signalOpened() {
	if s.openCount.Add(1) == 2 {
		s.readyOnce.Do(func() { close(s.ready) })
	}
}

func (s *Spooler) fatal(err error) {
	s.log.Error(err, "reclamation spooler loop failed, exiting process")
	s.exitFunc(1)
}

func (s *Spooler) crashOnPanic() {
	if r := recover(); r != nil {
		s.log.Error(fmt.Errorf("%v", r), "reclamation spooler loop panicked, exiting process")
		s.exitFunc(1)
	}
}

func (s *Spooler) runWriterLoop() {
	defer s.crashOnPanic()

	f, err := os.OpenFile(s.requestsOutPath, os.O_WRONLY, 0)
	if err != nil {
		s.fatal(fmt.Errorf("opening requests-out pipe %q: %w", s.requestsOutPath, err))
		return
	}
	s.filesMu.Lock()
	s.requestsOut = f
	s.filesMu.Unlock()
	s.signalOpened()

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.wake:
			if err := s.drainQueue(); err != nil {
				s.fatal(err)
				return
			}
		}
	}
}

func (s *Spooler) drainQueue() error {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, req := range pending {
		var frame string
		switch r := req.(type) {
		case *protocol.SoftRequest:
			frame = protocol.EncodeSoft(*r)
		case *protocol.ColdRequest:
			frame = protocol.EncodeCold(*r)
		default:
			s.log.Error(nil, "unknown request type enqueued", "type", fmt.Sprintf("%T", req))
			continue
		}
		if _, err := io.WriteString(s.requestsOut, frame); err != nil {
			return fmt.Errorf("writing reclamation request frame: %w", err)
		}
	}
	return nil
}

func (s *Spooler) runReaderLoop() {
	defer s.crashOnPanic()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		f, err := os.OpenFile(s.failuresInPath, os.O_RDONLY, 0)
		if err != nil {
			s.fatal(fmt.Errorf("opening failures-in pipe %q: %w", s.failuresInPath, err))
			return
		}
		s.filesMu.Lock()
		s.failuresIn = f
		s.filesMu.Unlock()
		s.signalOpened()

		s.consumeUntilEOF(f)
		f.Close()

		select {
		case <-s.stopCh:
			return
		default:
			// The writer side (reclamation server) may churn; reopen and
			// keep reading.
		}
	}
}

func (s *Spooler) consumeUntilEOF(f io.Reader) {
	buf := make([]byte, readChunkSize)
	var leftover []byte

	for {
		n, err := f.Read(buf)
		if n > 0 {
			data := append(leftover, buf[:n]...)
			ids, rest := protocol.SplitFailures(data)
			leftover = append([]byte(nil), rest...)
			s.handleFailures(ids)
		}
		if err != nil {
			return
		}
	}
}

func (s *Spooler) handleFailures(ids []string) {
	if len(ids) == 0 {
		return
	}
	s.gate.With(func() {
		for _, id := range ids {
			sm, ok := s.registry.Lookup(id)
			if !ok {
				s.log.Info("soft-reclamation failure for unknown host id", "hostID", id)
				continue
			}
			s.callSoftReclaimFailed(id, sm)
		}
	})
}

// callSoftReclaimFailed isolates a panicking HSM callback from the rest of
// the failure burst: one bad host must not lose the others' notifications.
func (s *Spooler) callSoftReclaimFailed(hostID string, h FailureHandler) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(fmt.Errorf("%v", r), "softReclaimFailed panicked", "hostID", hostID)
		}
	}()
	h.SoftReclaimFailed()
}

var _ host.Reclaimer = (*Spooler)(nil)
