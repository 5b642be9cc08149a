package spectrum

import "sync"

// Bands holds the smoothed energy levels for the three frequency ranges.
// The analyzer goroutine is the only writer; any number of readers may poll.
// Values are always within [0.0, 1.0].
type Bands struct {
	mu   sync.RWMutex
	bass float64
	mid  float64
	high float64
}

func NewBands() *Bands {
	return &Bands{}
}

func (b *Bands) Bass() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bass
}

func (b *Bands) Mid() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mid
}

func (b *Bands) High() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.high
}

// Levels returns all three bands in one lock acquisition.
func (b *Bands) Levels() (bass, mid, high float64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bass, b.mid, b.high
}

func (b *Bands) set(bass, mid, high float64) {
	b.mu.Lock()
	b.bass = clamp01(bass)
	b.mid = clamp01(mid)
	b.high = clamp01(high)
	b.mu.Unlock()
}

// Reset zeroes the bands. Called by the session owner once the analyzer has
// exited, so meters fall silent without a second concurrent writer.
func (b *Bands) Reset() {
	b.set(0, 0, 0)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
