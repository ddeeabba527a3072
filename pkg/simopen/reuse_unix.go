//go:build linux || darwin || freebsd

package simopen

import "syscall"

// reuseControl is installed as both net.ListenConfig.Control and
// net.Dialer.Control so the listening and connecting sockets of a
// simultaneous open can share a local port: SO_REUSEADDR lets the dialer
// bind the same port the listener is already bound to, and SO_REUSEPORT
// (where the kernel supports it) lets two sockets bind it concurrently.
func reuseControl(_, _ string, c syscall.RawConn) error {
	var setErr error
	err := c.Control(func(fd uintptr) {
		if e := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); e != nil {
			setErr = e
			return
		}
		// Best effort: older kernels or sandboxes may reject this.
		syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, reusePortOpt, 1)
	})
	if err != nil {
		return err
	}
	return setErr
}
