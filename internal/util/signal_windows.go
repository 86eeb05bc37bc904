//go:build windows

package util

import (
	"os"
)

// ShutdownSignals returns the signals to listen for graceful shutdown.
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// GracefulSignal terminates the process. Windows cannot deliver SIGINT to a
// child, and the capture and playback commands hold no state worth flushing.
func GracefulSignal(p *os.Process) error {
	return p.Kill()
}
