//go:build !linux

package creds

import (
	"errors"
	"net"
)

// Peer is unimplemented on platforms without SO_PEERCRED support.
func Peer(conn *net.UnixConn) (Ucred, error) {
	return Ucred{}, errors.New("creds: peer credentials are not supported on this platform")
}
