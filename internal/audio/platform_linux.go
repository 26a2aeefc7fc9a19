//go:build linux

package audio

import (
	"regexp"
	"strconv"
)

// linuxDefaultDevice is the ALSA default PCM, which follows the system mixer.
const linuxDefaultDevice = "default"

func getPlatformConfig() CaptureConfig {
	return CaptureConfig{
		Command:       "arecord",
		DefaultDevice: linuxDefaultDevice,
		BuildArgs: func(device string) []string {
			return []string{
				"-D", device,
				"-f", "S16_LE",
				"-r", strconv.Itoa(SampleRate),
				"-c", strconv.Itoa(Channels),
				"-t", "raw",
				"-q",
				"-",
			}
		},
	}
}

func (cfg *CaptureConfig) Devices() []Device {
	return parseDeviceList(DeviceListConfig{
		Command:       []string{"arecord", "-l"},
		DevicePattern: regexp.MustCompile(`card\s+(\d+):\s+(\w+)\s+\[([^\]]+)\],\s+device\s+(\d+)`),
		ParseDevice: func(matches []string) *Device {
			if len(matches) < 5 {
				return nil
			}
			return &Device{
				ID:   "plughw:CARD=" + matches[2] + ",DEV=" + matches[4],
				Name: matches[3],
			}
		},
		FallbackDevices: []Device{
			{ID: linuxDefaultDevice, Name: "System default"},
		},
	})
}
