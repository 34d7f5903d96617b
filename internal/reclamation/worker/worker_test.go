package worker

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type fakeReporter struct {
	failed []string
}

func (f *fakeReporter) ReportSoftReclamationFailure(hostID string) {
	f.failed = append(f.failed, hostID)
}

func TestParseUptime(t *testing.T) {
	got, err := parseUptime("12345.67 98765.43\n")
	require.NoError(t, err)
	assert.InDelta(t, 12345.67, got, 0.001)

	_, err = parseUptime("")
	assert.Error(t, err)

	_, err = parseUptime("not-a-number 1.0")
	assert.Error(t, err)
}

func TestRunDebugPortRebootSendsCommandOnSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		received <- string(buf[:n])
	}()

	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	reporter := &fakeReporter{}
	w := New(Payloads{}, Config{}, reporter, logr.Discard())
	w.dialDebugPort = func(addr string, timeout time.Duration) (net.Conn, error) {
		return net.DialTimeout("tcp", "127.0.0.1:"+port, timeout)
	}

	w.Run(context.Background(), Request{HostID: "host-1", IP: "127.0.0.1", IsInauguratorActive: true})

	select {
	case msg := <-received:
		assert.Equal(t, "reboot -f", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("debug port never received the reboot command")
	}
	assert.Empty(t, reporter.failed, "strategy A never emits a failure message")
}

func TestRunDebugPortRebootSwallowsConnectError(t *testing.T) {
	reporter := &fakeReporter{}
	w := New(Payloads{}, Config{}, reporter, logr.Discard())
	w.dialDebugPort = func(addr string, timeout time.Duration) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}

	w.Run(context.Background(), Request{HostID: "host-1", IP: "127.0.0.1", IsInauguratorActive: true})
	assert.Empty(t, reporter.failed)
}

func TestRunSSHKexecReportsFailureOnDialError(t *testing.T) {
	reporter := &fakeReporter{}
	w := New(Payloads{}, Config{HostsMaxUptimeSeconds: 1000}, reporter, logr.Discard())
	w.dialSSH = func(addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
		return nil, errors.New("dial refused")
	}

	w.Run(context.Background(), Request{HostID: "host-2", IP: "127.0.0.1", IsInauguratorActive: false})
	assert.Equal(t, []string{"host-2"}, reporter.failed)
}

func TestKexecSequenceRendersLoadAndDetachedTrigger(t *testing.T) {
	sess := &recordingSession{}
	err := runKexecSequence(sess, "/tmp/vmlinuz", "/tmp/initrd", "console=ttyS0")
	require.NoError(t, err)

	require.Len(t, sess.ran, 1)
	assert.Contains(t, sess.ran[0], "kexec -l /tmp/vmlinuz")
	assert.Contains(t, sess.ran[0], "--initrd=/tmp/initrd")
	assert.Contains(t, sess.ran[0], "sleep 2 ; kexec -e")
}

type recordingSession struct {
	ran []string
	err error
}

func (r *recordingSession) Run(cmd string) error {
	r.ran = append(r.ran, cmd)
	return r.err
}

func (r *recordingSession) Close() error { return nil }
