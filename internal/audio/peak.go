package audio

import "sync"

// PeakTracker tracks the highest normalized level seen since the last reset.
// Unlike a VU meter peak hold it never decays. It is safe for concurrent use.
type PeakTracker struct {
	mu   sync.Mutex
	peak float64
}

// NewPeakTracker creates a new peak tracker starting at silence.
func NewPeakTracker() *PeakTracker {
	return &PeakTracker{peak: SilenceLevel}
}

// Update folds level into the peak and returns the new peak.
func (p *PeakTracker) Update(level float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peak = max(p.peak, level)
	return p.peak
}

// Peak returns the current peak.
func (p *PeakTracker) Peak() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

// Reset sets the peak back to silence.
func (p *PeakTracker) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peak = SilenceLevel
}
