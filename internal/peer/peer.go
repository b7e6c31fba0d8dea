// Package peer identifies the process on the other end of a Unix socket and
// decides whether it descends from this server.
package peer

import (
	"errors"
	"fmt"
	"net"
	"os"
)

var ErrUnsupported = errors.New("peer: credentials not supported on this platform")

// Cred is what the kernel reports about a socket peer. PID is 0 when the
// platform could not capture it.
type Cred struct {
	PID int
	UID int
}

// FromConn reads the peer credentials of a Unix socket connection.
func FromConn(conn net.Conn) (Cred, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return Cred{}, fmt.Errorf("peer: %T is not a unix socket", conn)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return Cred{}, fmt.Errorf("peer syscall conn: %w", err)
	}
	var (
		cred       Cred
		controlErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, controlErr = credentials(int(fd))
	}); err != nil {
		return Cred{}, fmt.Errorf("peer control: %w", err)
	}
	if controlErr != nil {
		return Cred{}, fmt.Errorf("peer credentials: %w", controlErr)
	}
	return cred, nil
}

// ParentPID returns the parent of pid as reported by the OS.
func ParentPID(pid int) (int, error) {
	return parentPID(pid)
}

// Checker accepts peers whose process ancestry reaches ServerPID.
type Checker struct {
	ServerPID int
	ServerUID int
	MaxHops   int
	// ParentOf defaults to ParentPID.
	ParentOf func(pid int) (int, error)
}

func NewChecker(maxHops int) *Checker {
	return &Checker{
		ServerPID: os.Getpid(),
		ServerUID: os.Getuid(),
		MaxHops:   maxHops,
		ParentOf:  ParentPID,
	}
}

// Allow walks from the peer up its parent chain looking for the server. When
// the peer PID is unknown or the peer already exited, a matching UID is
// accepted instead.
func (c *Checker) Allow(cred Cred) bool {
	if cred.PID <= 0 {
		return cred.UID == c.ServerUID
	}
	parentOf := c.ParentOf
	if parentOf == nil {
		parentOf = ParentPID
	}
	hops := c.MaxHops
	if hops <= 0 {
		hops = 128
	}
	pid := cred.PID
	for hop := 0; hop < hops; hop++ {
		if pid == c.ServerPID {
			return true
		}
		if pid <= 1 {
			return false
		}
		parent, err := parentOf(pid)
		if err != nil {
			return hop == 0 && cred.UID == c.ServerUID
		}
		if parent == pid {
			return false
		}
		pid = parent
	}
	return false
}
