package audio

import "errors"

// Sentinel errors for capture sources.
var (
	// ErrNoSample is returned when no fresh level is available for this tick.
	ErrNoSample = errors.New("no audio sample available")
	// ErrNoAudioDevice is returned when no audio input device is available.
	ErrNoAudioDevice = errors.New("no audio input device found")
)

// Source yields raw instantaneous level samples in dBFS.
type Source interface {
	// Level returns the most recent raw level, or ErrNoSample.
	Level() (float64, error)
}

// Authorizer reports whether audio capture may start.
type Authorizer interface {
	CaptureAuthorized() bool
}

// Activator is implemented by sources that hold a capture resource open only
// while monitoring.
type Activator interface {
	Activate() error
	Deactivate() error
}
