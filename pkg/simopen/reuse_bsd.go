//go:build darwin || freebsd

package simopen

import "syscall"

// reusePortOpt is SO_REUSEPORT, exported directly by the syscall package on
// these platforms (unlike Linux).
const reusePortOpt = syscall.SO_REUSEPORT
