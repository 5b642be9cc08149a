package player

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// fftBatchSize is how many mono samples are collected before forwarding to
// the spectral analyzer — one typical MP3 frame, to avoid per-sample
// channel overhead.
const fftBatchSize = SamplesPerFrame

// StreamingSource bridges the fetcher's asynchronous chunk channel to the
// sink's synchronous pull model. While the session is buffering or briefly
// underrun it emits silence instead of blocking, so the output device keeps
// draining; once the stream is finished and the buffer is exhausted it
// signals end-of-source.
//
// Samples handed to the sink are also forwarded to the spectral analyzer's
// playback-phase channel in fixed-size batches.
type StreamingSource struct {
	samples <-chan [][2]float64
	state   *StreamState

	current [][2]float64
	pos     int

	fftTx   chan<- []float64
	fftBuf  []float64
	fftOnce sync.Once

	chanClosed bool
	ended      bool

	doneMu sync.Mutex
	done   bool
}

// NewStreamingSource wires a source to the fetcher's playback channel.
// fftTx may be nil when no analyzer is attached.
func NewStreamingSource(samples <-chan [][2]float64, state *StreamState, fftTx chan<- []float64) *StreamingSource {
	return &StreamingSource{
		samples: samples,
		state:   state,
		fftTx:   fftTx,
		fftBuf:  make([]float64, 0, fftBatchSize),
	}
}

// Stream implements beep.Streamer. It never blocks: each slot is filled
// from the current chunk, from a non-blocking receive, or with silence.
func (s *StreamingSource) Stream(out [][2]float64) (int, bool) {
	if s.ended {
		return 0, false
	}

	for i := range out {
		sample, ok := s.next()
		if !ok {
			s.finish()
			return i, i > 0
		}
		out[i] = sample
	}
	return len(out), true
}

// Err implements beep.Streamer. Stream failures end the session through the
// shared state instead.
func (s *StreamingSource) Err() error {
	return nil
}

func (s *StreamingSource) next() ([2]float64, bool) {
	if s.pos < len(s.current) {
		sample := s.current[s.pos]
		s.pos++
		s.tap(sample)
		return sample, true
	}

	select {
	case chunk, ok := <-s.samples:
		if !ok {
			s.chanClosed = true
			break
		}
		if len(chunk) == 0 {
			break
		}
		s.current = chunk
		s.pos = 1
		s.state.RecordSamples(len(chunk))
		s.tap(chunk[0])
		return chunk[0], true
	default:
	}

	finished := s.state.Finished()

	// Clean end: the fetcher signalled completion and the buffer is drained.
	// Buffering sessions normally keep waiting, but once the channel is
	// closed nothing more can arrive — tracks shorter than the buffering
	// threshold end here instead of stalling out.
	if finished && (!s.state.Buffering() || s.chanClosed) {
		return [2]float64{}, false
	}

	if s.state.SinceLastSample() > StallTimeout {
		log.Error().Msg("Stream timeout detected, ending playback")
		s.state.MarkFinished()
		return [2]float64{}, false
	}

	// Underrun or still warming up: keep the sink alive with silence.
	return [2]float64{}, true
}

// tap collects the mono mix of played samples and flushes full batches to
// the analyzer. Sends are non-blocking; visualization is best-effort.
func (s *StreamingSource) tap(sample [2]float64) {
	if s.fftTx == nil {
		return
	}

	s.fftBuf = append(s.fftBuf, (sample[0]+sample[1])/2)
	if len(s.fftBuf) >= fftBatchSize {
		batch := make([]float64, len(s.fftBuf))
		copy(batch, s.fftBuf)
		select {
		case s.fftTx <- batch:
		default:
		}
		s.fftBuf = s.fftBuf[:0]
	}
}

func (s *StreamingSource) finish() {
	s.ended = true
	s.markDone()
	s.CloseTap()
}

// CloseTap closes the analyzer channel so its goroutine exits. Safe to call
// multiple times and from the session teardown path.
func (s *StreamingSource) CloseTap() {
	s.fftOnce.Do(func() {
		if s.fftTx != nil {
			close(s.fftTx)
		}
	})
}

func (s *StreamingSource) markDone() {
	s.doneMu.Lock()
	s.done = true
	s.doneMu.Unlock()
}

// Done reports whether the source has signalled end-of-source to the sink.
func (s *StreamingSource) Done() bool {
	s.doneMu.Lock()
	defer s.doneMu.Unlock()
	return s.done
}
