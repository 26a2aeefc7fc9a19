//go:build windows

package util

import "os"

// ShutdownSignals returns the signals to listen for graceful shutdown.
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// GracefulSignal terminates the capture process.
// Windows has no SIGINT for child processes, and the captured PCM stream
// carries no state worth flushing, so the process is killed outright.
func GracefulSignal(p *os.Process) error {
	return p.Kill()
}
