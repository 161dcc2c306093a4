//go:build linux

package creds

import (
	"net"

	"golang.org/x/sys/unix"
)

// Peer returns the credentials of the process connected to the other
// end of conn, via SO_PEERCRED.
func Peer(conn *net.UnixConn) (Ucred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Ucred{}, err
	}

	var cred *unix.Ucred
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return Ucred{}, err
	}
	if sockErr != nil {
		return Ucred{}, sockErr
	}
	return Ucred{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}, nil
}
