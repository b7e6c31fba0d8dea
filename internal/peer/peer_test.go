package peer

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chain(parents map[int]int) func(int) (int, error) {
	return func(pid int) (int, error) {
		p, ok := parents[pid]
		if !ok {
			return 0, errors.New("no such process")
		}
		return p, nil
	}
}

func TestCheckerAcceptsDescendants(t *testing.T) {
	c := &Checker{ServerPID: 100, ServerUID: 501, MaxHops: 128, ParentOf: chain(map[int]int{
		300: 200, 200: 100, 100: 1,
		400: 1,
	})}
	assert.True(t, c.Allow(Cred{PID: 300, UID: 501}))
	assert.True(t, c.Allow(Cred{PID: 100, UID: 501}))
	assert.False(t, c.Allow(Cred{PID: 400, UID: 501}))
}

func TestCheckerHopLimit(t *testing.T) {
	parents := map[int]int{}
	for pid := 1000; pid > 100; pid-- {
		parents[pid] = pid - 1
	}
	c := &Checker{ServerPID: 100, ServerUID: 501, MaxHops: 128, ParentOf: chain(parents)}
	assert.True(t, c.Allow(Cred{PID: 200, UID: 501}))
	assert.False(t, c.Allow(Cred{PID: 1000, UID: 501}))
}

func TestCheckerFallsBackToUID(t *testing.T) {
	c := &Checker{ServerPID: 100, ServerUID: 501, ParentOf: chain(map[int]int{300: 250})}
	assert.True(t, c.Allow(Cred{PID: 0, UID: 501}))
	assert.False(t, c.Allow(Cred{PID: 0, UID: 502}))
	// Peer exited before its parent could be read.
	assert.True(t, c.Allow(Cred{PID: 999, UID: 501}))
	assert.False(t, c.Allow(Cred{PID: 999, UID: 502}))
	// Broken chain further up is a denial.
	assert.False(t, c.Allow(Cred{PID: 300, UID: 501}))
}

func TestFromConnReportsSelf(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("peer credentials not supported")
	}
	dir, err := os.MkdirTemp("", "peer")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	ln, err := net.Listen("unix", filepath.Join(dir, "p.sock"))
	require.NoError(t, err)
	defer ln.Close() //nolint:errcheck

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
		close(accepted)
	}()
	client, err := net.Dial("unix", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close() //nolint:errcheck

	server, ok := <-accepted
	require.True(t, ok)
	defer server.Close() //nolint:errcheck

	cred, err := FromConn(server)
	require.NoError(t, err)
	assert.Equal(t, os.Getuid(), cred.UID)
	assert.Equal(t, os.Getpid(), cred.PID)

	assert.True(t, NewChecker(128).Allow(cred))

	parent, err := ParentPID(os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, os.Getppid(), parent)
}

func TestFromConnRejectsNonUnix(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close() //nolint:errcheck
	defer b.Close() //nolint:errcheck
	_, err := FromConn(a)
	assert.Error(t, err)
}
