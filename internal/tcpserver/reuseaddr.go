//go:build linux

package tcpserver

import (
	"syscall"
)

// setReuseAddr is the net.ListenConfig.Control callback that sets
// SO_REUSEADDR on the listening socket before bind, so a restart does not
// fail with "address already in use" while a previous connection lingers
// in TIME_WAIT. There is no ecosystem library in the pack for a raw socket
// option at this level — syscall is the only avenue.
func setReuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
