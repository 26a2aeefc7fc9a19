package audio

import (
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
)

// Devices returns available audio input devices for the current platform.
func Devices() []Device {
	cfg := getPlatformConfig()
	return cfg.Devices()
}

// DeviceListConfig defines how to list audio devices for a platform.
type DeviceListConfig struct {
	Command          []string                   // command and args that print the device list
	AudioStartMarker string                     // line that opens the audio section; empty means all lines
	AudioStopMarker  string                     // line that closes the audio section (optional)
	DevicePattern    *regexp.Regexp             // extracts device fields from a line
	ParseDevice      func(matches []string) *Device
	FallbackDevices  []Device // returned when listing fails or finds nothing
}

// parseDeviceList runs the listing command and parses its output.
//
//nolint:gocritic // hugeParam: called rarely, from the devices endpoint only
func parseDeviceList(cfg DeviceListConfig) []Device {
	if len(cfg.Command) == 0 {
		return cfg.FallbackDevices
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil && len(output) == 0 {
		slog.Error("failed to list audio devices", "error", err)
		return cfg.FallbackDevices
	}

	devices := parseDeviceOutput(string(output), &cfg)
	if len(devices) == 0 {
		return cfg.FallbackDevices
	}
	return devices
}

// parseDeviceOutput extracts devices from listing output.
func parseDeviceOutput(output string, cfg *DeviceListConfig) []Device {
	if cfg.DevicePattern == nil || cfg.ParseDevice == nil {
		return nil
	}

	var devices []Device
	inAudioSection := cfg.AudioStartMarker == ""

	for line := range strings.SplitSeq(output, "\n") {
		if cfg.AudioStartMarker != "" && strings.Contains(line, cfg.AudioStartMarker) {
			inAudioSection = true
			continue
		}
		if cfg.AudioStopMarker != "" && strings.Contains(line, cfg.AudioStopMarker) {
			inAudioSection = false
			continue
		}
		// DirectShow prints an "Alternative name" line after every device.
		if !inAudioSection || strings.Contains(line, "Alternative name") {
			continue
		}

		if matches := cfg.DevicePattern.FindStringSubmatch(line); len(matches) > 0 {
			if dev := cfg.ParseDevice(matches); dev != nil {
				devices = append(devices, *dev)
			}
		}
	}
	return devices
}
