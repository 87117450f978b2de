//go:build !windows

package execrunner

import (
	"os"
	"syscall"
)

var cancelSignal os.Signal = syscall.SIGTERM
