package peer

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

func credentials(fd int) (Cred, error) {
	ucred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return Cred{}, err
	}
	return Cred{PID: int(ucred.Pid), UID: int(ucred.Uid)}, nil
}

// parentPID reads the ppid field of /proc/<pid>/stat. The command name may
// contain spaces and parentheses, so fields are counted after the last ')'.
func parentPID(pid int) (int, error) {
	raw, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, err
	}
	end := bytes.LastIndexByte(raw, ')')
	if end < 0 {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := bytes.Fields(raw[end+1:])
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	return strconv.Atoi(string(fields[1]))
}
