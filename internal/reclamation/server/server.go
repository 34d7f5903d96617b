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

// Package server implements the reclamation server: the separate
// long-lived worker that consumes reclamation requests off the
// requests-in named pipe and executes them, spawning one concurrent
// soft-reclamation worker per "soft" request and dispatching "cold"
// requests to a pluggable coldreclaim.Reclaimer. Soft workers run under a
// bounded semaphore, with an in-memory map of in-flight work kept for
// observability.
package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/syself/rackattack/internal/coldreclaim"
	"github.com/syself/rackattack/internal/reclamation/protocol"
	"github.com/syself/rackattack/internal/reclamation/worker"
)

// readChunkSize is sized so a burst of queued requests is consumed in one
// read.
const readChunkSize = 1 << 20

// CmdlineResolver supplies the out-of-band fields (IP address and
// inauguration command-line parameters) a soft-reclamation worker needs
// beyond what travels over the wire protocol: the command line is
// rendered by the embedding, not carried frame-by-frame.
type CmdlineResolver interface {
	Resolve(hostID string) (ip string, cmdline worker.CmdlineParams, err error)
}

// Server is the reclamation server. Build one with New and call Start;
// Stop closes the failures-out handle, tells the reader loop to exit, and
// waits for in-flight soft workers to finish.
type Server struct {
	requestsInPath  string
	failuresOutPath string

	coldReclaimer coldreclaim.Reclaimer
	resolver      CmdlineResolver
	payloads      worker.Payloads
	workerCfg     worker.Config
	maxWorkers    int

	log logr.Logger

	tracker *liveWorkers
	sem     chan struct{}
	wg      sync.WaitGroup

	failuresMu sync.Mutex
	failures   io.WriteCloser

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Params bundles Server's construction-time dependencies.
type Params struct {
	RequestsInPath  string
	FailuresOutPath string

	ColdReclaimer coldreclaim.Reclaimer
	Resolver      CmdlineResolver
	Payloads      worker.Payloads
	WorkerConfig  worker.Config

	// MaxConcurrentSoftWorkers bounds how many soft-reclamation workers
	// may run at once; defaults to 64 if zero or negative.
	MaxConcurrentSoftWorkers int

	Log logr.Logger
}

// New builds a Server.
func New(p Params) *Server {
	max := p.MaxConcurrentSoftWorkers
	if max <= 0 {
		max = 64
	}
	return &Server{
		requestsInPath:  p.RequestsInPath,
		failuresOutPath: p.FailuresOutPath,
		coldReclaimer:   p.ColdReclaimer,
		resolver:        p.Resolver,
		payloads:        p.Payloads,
		workerCfg:       p.WorkerConfig,
		maxWorkers:      max,
		log:             p.Log,
		tracker:         newLiveWorkers(),
		sem:             make(chan struct{}, max),
		stopCh:          make(chan struct{}),
	}
}

// Start launches the failures-out writer (opened once, blocking until the
// spooler opens its read side) and the requests-in reader loop.
func (s *Server) Start() {
	go s.openFailuresWriter()
	go s.runReaderLoop()
}

// Stop closes the failures-out handle and signals the reader loop to exit,
// then waits for in-flight soft workers. The requests-in handle is closed
// by the reader loop itself once its current read returns.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.failuresMu.Lock()
	if s.failures != nil {
		s.failures.Close()
	}
	s.failuresMu.Unlock()
	s.wg.Wait()
}

// LiveWorkerCount reports how many soft-reclamation workers are currently
// running.
func (s *Server) LiveWorkerCount() int { return s.tracker.count() }

func (s *Server) openFailuresWriter() {
	f, err := os.OpenFile(s.failuresOutPath, os.O_WRONLY, 0)
	if err != nil {
		s.log.Error(err, "opening failures-out pipe", "path", s.failuresOutPath)
		return
	}
	s.failuresMu.Lock()
	s.failures = f
	s.failuresMu.Unlock()
}

// ReportSoftReclamationFailure satisfies worker.FailureReporter: it
// encodes hostID as a comma-terminated failure record and writes it to
// failures-out.
func (s *Server) ReportSoftReclamationFailure(hostID string) {
	s.failuresMu.Lock()
	defer s.failuresMu.Unlock()
	if s.failures == nil {
		s.log.Error(nil, "dropping soft-reclamation failure, failures-out not yet open", "hostID", hostID)
		return
	}
	if _, err := io.WriteString(s.failures, protocol.EncodeFailure([]string{hostID})); err != nil {
		s.log.Error(err, "writing soft-reclamation failure", "hostID", hostID)
	}
}

// runReaderLoop opens requests-in, reads until EOF, and reopens with
// exponential backoff. The producer side may churn (the control plane can
// restart at any time), so EOF is routine, not an error.
func (s *Server) runReaderLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		f, err := s.openRequestsInWithBackoff()
		if err != nil {
			s.log.Error(err, "giving up opening requests-in pipe", "path", s.requestsInPath)
			return
		}

		s.consumeUntilEOF(f)
		f.Close()

		select {
		case <-s.stopCh:
			return
		default:
		}
	}
}

func (s *Server) openRequestsInWithBackoff() (io.ReadCloser, error) {
	var f *os.File
	operation := func() error {
		var err error
		f, err = os.OpenFile(s.requestsInPath, os.O_RDONLY, 0)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // retry indefinitely; Stop() is the only way out
	if err := backoff.Retry(operation, backoff.WithContext(b, s.stopContext())); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Server) stopContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-s.stopCh
		cancel()
	}()
	return ctx
}

func (s *Server) consumeUntilEOF(r io.Reader) {
	buf := make([]byte, readChunkSize)
	var leftover []byte

	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append(leftover, buf[:n]...)
			tokens, rest := protocol.SplitFrames(data)
			leftover = append([]byte(nil), rest...)
			for _, tok := range tokens {
				s.handleFrame(tok)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handleFrame(token string) {
	req, err := protocol.DecodeFrame(token)
	if err != nil {
		s.log.Error(err, "skipping malformed reclamation request frame")
		return
	}

	switch r := req.(type) {
	case *protocol.SoftRequest:
		s.dispatchSoft(*r)
	case *protocol.ColdRequest:
		s.dispatchCold(*r)
	default:
		s.log.Error(nil, "unknown decoded request type", "type", fmt.Sprintf("%T", req))
	}
}

func (s *Server) dispatchSoft(r protocol.SoftRequest) {
	ip, cmdline, err := s.resolver.Resolve(r.HostID)
	if err != nil {
		s.log.Error(err, "resolving soft-reclamation worker parameters, reporting failure immediately", "hostID", r.HostID)
		s.ReportSoftReclamationFailure(r.HostID)
		return
	}

	req := worker.Request{
		HostID:              r.HostID,
		Hostname:            r.Hostname,
		IP:                  ip,
		Username:            r.Username,
		Password:            r.Password,
		MAC:                 r.MAC,
		TargetDevice:        r.TargetDevice,
		IsInauguratorActive: r.IsInauguratorActive,
		Cmdline:             cmdline,
	}

	correlationID := uuid.NewString()
	select {
	case s.sem <- struct{}{}:
	default:
		s.log.Error(nil, "soft-reclamation worker pool saturated, dropping request", "hostID", r.HostID, "maxWorkers", s.maxWorkers)
		s.ReportSoftReclamationFailure(r.HostID)
		return
	}

	s.tracker.start(correlationID, r.HostID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		defer s.tracker.finish(correlationID)

		w := worker.New(s.payloads, s.workerCfg, s, s.log.WithValues("correlationID", correlationID))
		w.Run(context.Background(), req)
	}()
}

func (s *Server) dispatchCold(r protocol.ColdRequest) {
	if err := s.coldReclaimer.ColdReboot(r.HostID, r.ReconfigureBIOS, r.HardReset); err != nil {
		s.log.Error(err, "cold reclamation failed", "hostID", r.HostID)
	}
}

// liveWorkers is the in-memory map of currently running soft-reclamation
// workers, keyed by correlation id. Purely for observability, never
// durable state.
type liveWorkers struct {
	mu      sync.Mutex
	started map[string]liveWorkerInfo
}

type liveWorkerInfo struct {
	hostID    string
	startedAt time.Time
}

func newLiveWorkers() *liveWorkers {
	return &liveWorkers{started: make(map[string]liveWorkerInfo)}
}

func (l *liveWorkers) start(correlationID, hostID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started[correlationID] = liveWorkerInfo{hostID: hostID, startedAt: time.Now()}
}

func (l *liveWorkers) finish(correlationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.started, correlationID)
}

func (l *liveWorkers) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.started)
}

var _ worker.FailureReporter = (*Server)(nil)
