package spooler

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/onsi/gomega"
	"github.com/stretchr/testify/require"

	"github.com/syself/rackattack/internal/gate"
	"github.com/syself/rackattack/internal/host"
	"github.com/syself/rackattack/internal/reclamation/protocol"
)

func mkfifo(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, syscall.Mkfifo(path, 0o600))
}

type fakeHost struct {
	id string
}

func (h fakeHost) ID() string           { return h.id }
func (h fakeHost) MAC() string          { return "aa:bb:cc:dd:ee:ff" }
func (h fakeHost) IP() string           { return "10.0.0.1" }
func (h fakeHost) Hostname() string     { return "host" }
func (h fakeHost) SSHUsername() string  { return "root" }
func (h fakeHost) SSHPassword() string  { return "pw" }
func (h fakeHost) TargetDevice() string { return "/dev/sda" }
func (h fakeHost) Destroy()             {}

var _ host.HostImplementation = fakeHost{}

type fakeFailureHandler struct {
	mu    sync.Mutex
	calls int
}

func (h *fakeFailureHandler) SoftReclaimFailed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
}

func (h *fakeFailureHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type fakeRegistry struct {
	mu       sync.Mutex
	handlers map[string]*fakeFailureHandler
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{handlers: make(map[string]*fakeFailureHandler)}
}

func (r *fakeRegistry) add(hostID string) *fakeFailureHandler {
	h := &fakeFailureHandler{}
	r.mu.Lock()
	r.handlers[hostID] = h
	r.mu.Unlock()
	return h
}

func (r *fakeRegistry) Lookup(hostID string) (FailureHandler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[hostID]
	if !ok {
		return nil, false
	}
	return h, true
}

func newTestSpooler(t *testing.T, reg Registry) (*Spooler, string, string) {
	t.Helper()
	dir := t.TempDir()
	reqPath := filepath.Join(dir, "requests")
	failPath := filepath.Join(dir, "failures")
	mkfifo(t, reqPath)
	mkfifo(t, failPath)

	s := New(reqPath, failPath, reg, gate.NewDefault(logr.Discard()), logr.Discard())
	s.exitFunc = func(code int) { t.Fatalf("spooler called exitFunc(%d)", code) }
	t.Cleanup(s.Close)
	return s, reqPath, failPath
}

func TestSoftEnqueuesFrameReadableOnRequestsPipe(t *testing.T) {
	reg := newFakeRegistry()
	s, reqPath, failPath := newTestSpooler(t, reg)

	frames := make(chan string, 1)
	go func() {
		f, err := os.OpenFile(reqPath, os.O_RDONLY, 0)
		if err != nil {
			return
		}
		defer f.Close()
		r := bufio.NewReader(f)
		tok, _ := r.ReadString(',')
		frames <- strings.TrimSuffix(tok, ",")
	}()
	// The write side of the failures pipe must also be opened, or the
	// spooler never becomes ready (Soft waits until both pipes are open).
	go func() {
		f, err := os.OpenFile(failPath, os.O_WRONLY, 0)
		if err != nil {
			return
		}
		defer f.Close()
		<-s.stopCh
	}()

	s.Start()
	s.Soft(fakeHost{id: "host-1"}, true)

	select {
	case frame := <-frames:
		req, err := protocol.DecodeFrame(frame)
		require.NoError(t, err)
		soft, ok := req.(*protocol.SoftRequest)
		require.True(t, ok)
		require.Equal(t, "host-1", soft.HostID)
		require.True(t, soft.IsInauguratorActive)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for soft request frame")
	}
}

func TestColdEnqueuesFrameReadableOnRequestsPipe(t *testing.T) {
	reg := newFakeRegistry()
	s, reqPath, failPath := newTestSpooler(t, reg)

	frames := make(chan string, 1)
	go func() {
		f, err := os.OpenFile(reqPath, os.O_RDONLY, 0)
		if err != nil {
			return
		}
		defer f.Close()
		r := bufio.NewReader(f)
		tok, _ := r.ReadString(',')
		frames <- strings.TrimSuffix(tok, ",")
	}()
	go func() {
		f, err := os.OpenFile(failPath, os.O_WRONLY, 0)
		if err != nil {
			return
		}
		defer f.Close()
		<-s.stopCh
	}()

	s.Start()
	s.Cold(fakeHost{id: "host-2"}, true, false)

	select {
	case frame := <-frames:
		req, err := protocol.DecodeFrame(frame)
		require.NoError(t, err)
		cold, ok := req.(*protocol.ColdRequest)
		require.True(t, ok)
		require.Equal(t, "host-2", cold.HostID)
		require.True(t, cold.ReconfigureBIOS)
		require.False(t, cold.HardReset)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cold request frame")
	}
}

func TestFailuresAreRoutedToRegisteredHandler(t *testing.T) {
	g := gomega.NewWithT(t)
	reg := newFakeRegistry()
	handler := reg.add("host-3")
	s, reqPath, failPath := newTestSpooler(t, reg)

	go func() {
		f, err := os.OpenFile(reqPath, os.O_RDONLY, 0)
		if err != nil {
			return
		}
		defer f.Close()
		io.Copy(io.Discard, f)
	}()

	s.Start()

	f, err := os.OpenFile(failPath, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(protocol.EncodeFailure([]string{"host-3"}))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	g.Eventually(handler.count, 2*time.Second, 10*time.Millisecond).Should(gomega.Equal(1))
}

func TestFailureForUnknownHostIsSkippedWithoutCrashing(t *testing.T) {
	reg := newFakeRegistry()
	s, reqPath, failPath := newTestSpooler(t, reg)

	go func() {
		f, err := os.OpenFile(reqPath, os.O_RDONLY, 0)
		if err != nil {
			return
		}
		defer f.Close()
		io.Copy(io.Discard, f)
	}()

	s.Start()

	f, err := os.OpenFile(failPath, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(protocol.EncodeFailure([]string{"ghost-host"}))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Give the reader loop time to process; absence of a panic/exit is the
	// assertion here.
	time.Sleep(100 * time.Millisecond)
}
