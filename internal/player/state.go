package player

import (
	"sync"
	"time"
)

const (
	// BufferingThreshold is roughly one second of audio at 44.1kHz. Once a
	// session has received this many samples it is considered warmed up.
	BufferingThreshold = 44100

	// StallTimeout forces a session to finish when no new samples arrive
	// for this long after buffering began.
	StallTimeout = 5 * time.Second
)

// StreamState is the cell shared between the fetcher, the streaming source
// and the player. It tracks whether the session has ended, whether it is
// still warming up, and when samples last arrived.
type StreamState struct {
	mu              sync.Mutex
	finished        bool
	buffering       bool
	samplesReceived int
	lastSample      time.Time
}

func NewStreamState() *StreamState {
	return &StreamState{
		buffering:  true,
		lastSample: time.Now(),
	}
}

// MarkFinished flags the session as ended. Set only on explicit stop, clean
// end of stream, or stall timeout.
func (s *StreamState) MarkFinished() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
}

func (s *StreamState) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// RecordSamples notes the arrival of n decoded samples and flips the session
// out of buffering once enough have accumulated.
func (s *StreamState) RecordSamples(n int) {
	s.mu.Lock()
	s.samplesReceived += n
	s.lastSample = time.Now()
	if s.buffering && s.samplesReceived > BufferingThreshold {
		s.buffering = false
	}
	s.mu.Unlock()
}

func (s *StreamState) Buffering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffering
}

func (s *StreamState) SamplesReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samplesReceived
}

// SinceLastSample reports how long ago the source last received samples.
func (s *StreamState) SinceLastSample() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastSample)
}
