package audio

// Audio format constants for PCM capture.
const (
	// SampleRate is the audio sample rate in Hz.
	SampleRate = 48000
	// Channels is the number of captured audio channels.
	Channels = 2
)

// Device represents an available audio input device.
type Device struct {
	// ID is the device identifier.
	ID string `json:"id"`
	// Name is the device display name.
	Name string `json:"name"`
}
