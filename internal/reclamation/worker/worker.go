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

// Package worker implements the soft-reclamation worker: one spawned per
// soft-reclamation request, it either kicks an already-running
// inaugurator over its debug port (strategy A) or reaches into a normally
// running OS over SSH and kexecs it into the inaugurator kernel
// (strategy B).
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	scp "github.com/bramvdbogaerde/go-scp"
	"github.com/go-logr/logr"
	"golang.org/x/crypto/ssh"
)

// debugPortTimeout is strategy A's connect timeout.
const debugPortTimeout = 5 * time.Second

// sshTimeout bounds the strategy B SSH dial.
const sshTimeout = 5 * time.Second

// debugPortRebootCommand is the literal byte string strategy A sends once
// connected.
const debugPortRebootCommand = "reboot -f"

// FailureReporter is the subset of the reclamation server the worker needs
// to report a conclusive soft-reclamation failure back over the
// failures-out pipe.
type FailureReporter interface {
	ReportSoftReclamationFailure(hostID string)
}

// Request bundles everything a soft-reclamation worker needs for one
// attempt: the wire fields from protocol.SoftRequest, plus the IP address
// and inaugurator command-line parameters the embedding resolves
// out-of-band (the command line is not itself part of the wire protocol
// between spooler and server).
type Request struct {
	HostID              string
	Hostname            string
	IP                  string
	Username            string
	Password            string
	MAC                 string
	TargetDevice        string
	IsInauguratorActive bool

	Cmdline CmdlineParams
}

// Payloads holds the inaugurator kernel and initrd images, loaded into
// memory once by the reclamation server at startup and shared read-only
// across every worker.
type Payloads struct {
	Vmlinuz []byte
	Initrd  []byte
}

// Config bounds the soft-reclamation policy shared across all workers:
// the uptime ceiling past which strategy B refuses to kexec an
// unfamiliar long-running OS.
type Config struct {
	HostsMaxUptimeSeconds float64
}

// Worker runs one soft-reclamation attempt to completion. Build one with
// New and call Run for each request; Run never panics out. The debug-port
// connect and the SSH dial are bounded by timeouts; the later uptime read,
// SCP transfers and kexec command are not.
type Worker struct {
	payloads Payloads
	cfg      Config
	reporter FailureReporter
	log      logr.Logger

	dialDebugPort func(addr string, timeout time.Duration) (net.Conn, error)
	dialSSH       func(addr string, config *ssh.ClientConfig) (*ssh.Client, error)
	newSCPClient  func(*ssh.Client) (scpClient, error)
	kexec         func(sess sshSession, vmlinuzPath, initrdPath, cmdline string) error
}

// scpClient is the subset of *scp.Client the worker needs, named so tests
// can substitute a fake.
type scpClient interface {
	CopyFile(ctx context.Context, r readerAt, remotePath, permissions string) error
	Close()
}

type readerAt = *bytes.Reader

// sshSession is the subset of *ssh.Session the worker needs to run a
// remote command, named so tests can substitute a fake.
type sshSession interface {
	Run(cmd string) error
	Close() error
}

// New builds a Worker. payloads are shared read-only across every
// concurrently running worker.
func New(payloads Payloads, cfg Config, reporter FailureReporter, log logr.Logger) *Worker {
	w := &Worker{
		payloads: payloads,
		cfg:      cfg,
		reporter: reporter,
		log:      log,
	}
	w.dialDebugPort = func(addr string, timeout time.Duration) (net.Conn, error) {
		return net.DialTimeout("tcp", addr, timeout)
	}
	w.dialSSH = func(addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
		return ssh.Dial("tcp", addr, config)
	}
	w.newSCPClient = func(c *ssh.Client) (scpClient, error) {
		client, err := scp.NewClientBySSH(c)
		if err != nil {
			return nil, err
		}
		return &realSCPClient{client: client}, nil
	}
	w.kexec = runKexecSequence
	return w
}

// realSCPClient adapts go-scp's value-typed Client to the scpClient
// interface above.
type realSCPClient struct {
	client scp.Client
}

func (r *realSCPClient) CopyFile(ctx context.Context, reader readerAt, remotePath, permissions string) error {
	return r.client.CopyFile(ctx, reader, remotePath, permissions)
}

func (r *realSCPClient) Close() { r.client.Close() }

// Run performs one soft-reclamation attempt for req, choosing strategy A
// or B based on req.IsInauguratorActive.
func (w *Worker) Run(ctx context.Context, req Request) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error(fmt.Errorf("%v", r), "soft-reclamation worker panicked", "hostID", req.HostID)
		}
	}()

	if req.IsInauguratorActive {
		w.runDebugPortReboot(req)
		return
	}
	w.runSSHKexec(ctx, req)
}

// runDebugPortReboot is strategy A: the inaugurator is already running,
// so tell it to reboot over its debug port. Any failure is logged and
// swallowed; no failure message is emitted, since the caller's timer will
// eventually escalate on its own.
func (w *Worker) runDebugPortReboot(req Request) {
	addr := net.JoinHostPort(req.IP, "8888")
	conn, err := w.dialDebugPort(addr, debugPortTimeout)
	if err != nil {
		w.log.Info("debug-port reboot connect failed", "hostID", req.HostID, "addr", addr, "err", err.Error())
		return
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(debugPortRebootCommand)); err != nil {
		w.log.Info("debug-port reboot write failed", "hostID", req.HostID, "addr", addr, "err", err.Error())
		return
	}
}

// runSSHKexec is strategy B: the host runs a normal OS, so kexec it into
// the inaugurator kernel over SSH.
func (w *Worker) runSSHKexec(ctx context.Context, req Request) {
	config := &ssh.ClientConfig{
		User:            req.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(req.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //#nosec G106 -- bare-metal provisioning network has no known host keys yet
		Timeout:         sshTimeout,
	}

	client, err := w.dialSSH(net.JoinHostPort(req.IP, "22"), config)
	if err != nil {
		w.log.Info("soft reclamation ssh dial failed", "hostID", req.HostID, "err", err.Error())
		w.reporter.ReportSoftReclamationFailure(req.HostID)
		return
	}
	defer client.Close()

	if err := w.checkUptime(client, req.HostID); err != nil {
		w.log.Info("soft reclamation uptime check failed", "hostID", req.HostID, "err", err.Error())
		w.reporter.ReportSoftReclamationFailure(req.HostID)
		return
	}

	if err := w.transferAndKexec(ctx, client, req); err != nil {
		w.log.Info("soft reclamation kexec setup failed", "hostID", req.HostID, "err", err.Error())
		w.reporter.ReportSoftReclamationFailure(req.HostID)
		return
	}
}

// ErrUptimeTooHigh is returned (wrapped) when /proc/uptime reports the
// host has been running longer than HostsMaxUptimeSeconds: kexec on a
// long-running kernel is untrusted, so the attempt is reported failed and
// cold reclamation takes over.
var ErrUptimeTooHigh = errors.New("worker: host uptime exceeds the kexec trust ceiling")

func (w *Worker) checkUptime(client *ssh.Client, hostID string) error {
	sess, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("opening session to read /proc/uptime: %w", err)
	}
	defer sess.Close()

	var out bytes.Buffer
	sess.Stdout = &out
	if err := sess.Run("cat /proc/uptime"); err != nil {
		return fmt.Errorf("reading /proc/uptime: %w", err)
	}

	uptime, err := parseUptime(out.String())
	if err != nil {
		return fmt.Errorf("parsing /proc/uptime output %q: %w", out.String(), err)
	}

	if uptime > w.cfg.HostsMaxUptimeSeconds {
		return fmt.Errorf("%w: host %q uptime %.0fs exceeds ceiling %.0fs", ErrUptimeTooHigh, hostID, uptime, w.cfg.HostsMaxUptimeSeconds)
	}
	return nil
}

// parseUptime extracts the first space-separated float from /proc/uptime's
// contents.
func parseUptime(contents string) (float64, error) {
	fields := strings.Fields(contents)
	if len(fields) == 0 {
		return 0, errors.New("empty /proc/uptime output")
	}
	return strconv.ParseFloat(fields[0], 64)
}

func (w *Worker) transferAndKexec(ctx context.Context, client *ssh.Client, req Request) error {
	scpClient, err := w.newSCPClient(client)
	if err != nil {
		return fmt.Errorf("creating scp client: %w", err)
	}
	defer scpClient.Close()

	if err := scpClient.CopyFile(ctx, bytes.NewReader(w.payloads.Vmlinuz), "/tmp/vmlinuz", "0644"); err != nil {
		return fmt.Errorf("transferring vmlinuz: %w", err)
	}
	if err := scpClient.CopyFile(ctx, bytes.NewReader(w.payloads.Initrd), "/tmp/initrd", "0644"); err != nil {
		return fmt.Errorf("transferring initrd: %w", err)
	}

	sess, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("opening session for kexec: %w", err)
	}
	defer sess.Close()

	cmdline := req.Cmdline.Render()
	return w.kexec(sess, "/tmp/vmlinuz", "/tmp/initrd", cmdline)
}

// runKexecSequence loads the kexec images with the rendered inaugurator
// command line, then triggers the reboot detached so the SSH session can
// close cleanly before the kernel switches.
func runKexecSequence(sess sshSession, vmlinuzPath, initrdPath, cmdline string) error {
	cmd := fmt.Sprintf(
		"kexec -l %s --initrd=%s --append=%q && ( sleep 2 ; kexec -e ) >/dev/null 2>&1 </dev/null &",
		vmlinuzPath, initrdPath, cmdline,
	)
	return sess.Run(cmd)
}
