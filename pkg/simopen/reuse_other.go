//go:build !linux && !darwin && !freebsd

package simopen

import "syscall"

// reuseControl is a no-op on platforms without a well-known SO_REUSEPORT
// story. The simultaneous-open race still works: whichever side's connect
// or accept completes first wins, it just can't rely on port reuse to bind
// the same local port twice.
func reuseControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
