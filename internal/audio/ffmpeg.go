//go:build !linux

package audio

import "strconv"

// buildFFmpegCaptureArgs returns FFmpeg arguments that capture from device and
// write raw S16LE PCM to stdout.
func buildFFmpegCaptureArgs(inputFormat, device string) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-f", inputFormat,
		"-i", device,
		"-vn",
		"-f", "s16le",
		"-ac", strconv.Itoa(Channels),
		"-ar", strconv.Itoa(SampleRate),
		"pipe:1",
	}
}
