// Package audio provides level metering, normalization, classification and
// threshold alerting for the noise monitor, plus a subprocess-backed capture
// source that turns raw PCM into dBFS level samples.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
)

const (
	// MinRawDB is the bottom of the calibrated capture domain in dBFS.
	MinRawDB = -80.0
	// MaxRawDB is the top of the calibrated capture domain in dBFS.
	MaxRawDB = 0.0
	// MaxLevel is the top of the normalized display scale.
	MaxLevel = 120.0
	// SilenceRawDB is the raw level reported for digital silence.
	SilenceRawDB = -160.0
	// SilenceLevel is the normalized level used when nothing is measured.
	SilenceLevel = 0.0
	// MaxSampleValue is the maximum absolute value for 16-bit signed audio.
	MaxSampleValue = 32768.0
)

// Normalize maps a raw dBFS reading onto the 0-120 display scale.
// Inputs outside [MinRawDB, MaxRawDB] are clamped, never extrapolated.
func Normalize(rawDB float64) float64 {
	if math.IsNaN(rawDB) {
		return SilenceLevel
	}
	clamped := min(max(rawDB, MinRawDB), MaxRawDB)
	return (clamped - MinRawDB) / (MaxRawDB - MinRawDB) * MaxLevel
}

// Category is a qualitative noise band on the normalized scale.
type Category int

// Categories in ascending order of loudness.
const (
	Quiet Category = iota
	Moderate
	Loud
	VeryLoud
	Dangerous
	Extreme
)

// categoryBounds holds the exclusive upper bound of each category below Extreme.
var categoryBounds = [...]float64{
	Quiet:     30,
	Moderate:  50,
	Loud:      70,
	VeryLoud:  90,
	Dangerous: 120,
}

var categoryNames = [...]string{
	Quiet:     "Quiet",
	Moderate:  "Moderate",
	Loud:      "Loud",
	VeryLoud:  "Very Loud",
	Dangerous: "Dangerous",
	Extreme:   "Extreme",
}

// String returns the display label of the category.
func (c Category) String() string {
	if c < Quiet || c > Extreme {
		return "Unknown"
	}
	return categoryNames[c]
}

// MarshalText encodes the category as its label.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes a category label.
func (c *Category) UnmarshalText(text []byte) error {
	i := slices.Index(categoryNames[:], string(text))
	if i == -1 {
		return fmt.Errorf("unknown noise category %q", text)
	}
	*c = Category(i)
	return nil
}

// Classify returns the category for a normalized level.
// Buckets are half-open: exactly 30.0 is Moderate. Anything at or above the
// top of the scale is Extreme; negative levels are Quiet.
func Classify(level float64) Category {
	for c, upper := range categoryBounds {
		if level < upper {
			return Category(c)
		}
	}
	return Extreme
}

// LevelData accumulates raw PCM statistics for one measurement window.
type LevelData struct {
	SumSquares  float64
	Peak        float64
	SampleCount int
}

// ProcessSamples accumulates S16LE stereo PCM data. Both channels feed the
// same accumulator; the monitor tracks a single ambient level.
func ProcessSamples(buf []byte, n int, data *LevelData) {
	for i := 0; i+3 < n; i += 4 {
		left := float64(int16(binary.LittleEndian.Uint16(buf[i:])))
		right := float64(int16(binary.LittleEndian.Uint16(buf[i+2:])))

		data.SumSquares += left*left + right*right
		data.Peak = max(data.Peak, math.Abs(left), math.Abs(right))
		data.SampleCount += 2
	}
}

// RMSLevel returns the RMS level of the window in dBFS, or SilenceRawDB for
// an empty or all-zero window.
func (d *LevelData) RMSLevel() float64 {
	if d.SampleCount == 0 || d.SumSquares == 0 {
		return SilenceRawDB
	}
	rms := math.Sqrt(d.SumSquares / float64(d.SampleCount))
	return max(20*math.Log10(rms/MaxSampleValue), SilenceRawDB)
}

// Reset resets accumulators for the next measurement period.
func (d *LevelData) Reset() {
	d.SumSquares = 0
	d.Peak = 0
	d.SampleCount = 0
}
