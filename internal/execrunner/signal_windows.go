//go:build windows

package execrunner

import "os"

var cancelSignal os.Signal = os.Kill
