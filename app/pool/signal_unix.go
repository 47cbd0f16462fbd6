//go:build !windows

package pool

import "syscall"

var terminateSignal = syscall.SIGTERM
