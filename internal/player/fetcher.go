package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hajimehoshi/go-mp3"
	"github.com/rs/zerolog/log"

	"github.com/glebovdev/trackstream/internal/api"
)

const (
	MaxOpenAttempts  = 3
	MaxResumes       = 2
	RetryBackoffUnit = 500 * time.Millisecond

	// ReadTimeout catches stalled transfers long before the client's
	// overall timeout would.
	ReadTimeout = 30 * time.Second

	NetworkReadSize = 32 * 1024

	// The decode buffer is trimmed once it exceeds MaxBufferBytes, keeping
	// the trailing TrimTargetBytes so frame continuity is preserved on
	// arbitrarily long tracks.
	MaxBufferBytes  = 5 * 1024 * 1024
	TrimTargetBytes = 2 * 1024 * 1024

	PlaybackChannelSize = 256
	AnalysisChannelSize = 64

	bytesPerSample  = 4 // 16-bit stereo
	progressLogStep = 512 * 1024
)

// Fetcher turns a token-gated, redirecting track URL into a stream of
// decoded PCM chunks. It resolves the real CDN URL, performs a chunked
// transfer (optionally ranged, for seek and resume), incrementally decodes
// complete MP3 frames from the growing byte buffer and feeds the playback
// and analysis channels. One Fetcher serves exactly one session.
type Fetcher struct {
	client   *api.Client
	state    *StreamState
	gatedURL string
	token    string
	offset   int64

	mu         sync.Mutex
	cdnURL     string
	totalBytes int64 // offset + Content-Length, 0 when unknown

	body            io.ReadCloser
	buf             []byte
	scanPos         int
	totalDownloaded int64
	framesForwarded int64
	lastProgressLog int64
}

// NewFetcher prepares a session fetcher. cdnURL may carry an already
// resolved CDN URL (seek within a session); when empty, Open resolves the
// redirect from the gated endpoint first.
func NewFetcher(client *api.Client, state *StreamState, gatedURL, token, cdnURL string, offset int64) *Fetcher {
	return &Fetcher{
		client:   client,
		state:    state,
		gatedURL: gatedURL,
		token:    token,
		cdnURL:   cdnURL,
		offset:   offset,
	}
}

// CDNURL returns the resolved media URL, or "" before resolution. Seek
// reuses it so the gated endpoint is only hit once per Play.
func (f *Fetcher) CDNURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cdnURL
}

func (f *Fetcher) setCDNURL(u string) {
	f.mu.Lock()
	f.cdnURL = u
	f.mu.Unlock()
}

// TotalBytes reports the track size in bytes when the CDN sent a
// Content-Length, for duration estimation.
func (f *Fetcher) TotalBytes() (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalBytes, f.totalBytes > 0
}

// FramesForwarded reports how many complete frames have been handed to the
// decoder so far.
func (f *Fetcher) FramesForwarded() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.framesForwarded
}

func (f *Fetcher) addFramesForwarded(n int64) {
	f.mu.Lock()
	f.framesForwarded += n
	f.mu.Unlock()
}

// Open resolves the CDN URL (unless already known) and starts the transfer,
// retrying up to MaxOpenAttempts with linear backoff. It is called
// synchronously by Seek — which reports the error to its caller — and
// lazily by Run for fire-and-forget Play.
func (f *Fetcher) Open(ctx context.Context) error {
	var lastErr error

	for attempt := 1; attempt <= MaxOpenAttempts; attempt++ {
		if attempt > 1 {
			if !sleepCtx(ctx, RetryBackoffUnit*time.Duration(attempt-1)) {
				return ctx.Err()
			}
		}

		if f.CDNURL() == "" {
			resolved, err := f.client.ResolveStreamURL(ctx, f.gatedURL, f.token)
			if err != nil {
				log.Warn().Err(err).Msgf("Redirect resolution failed on attempt %d/%d", attempt, MaxOpenAttempts)
				lastErr = err
				continue
			}
			f.setCDNURL(resolved)
		}

		body, contentLength, err := f.client.OpenStream(ctx, f.CDNURL(), f.offset)
		if err != nil {
			log.Warn().Err(err).Msgf("CDN request failed on attempt %d/%d", attempt, MaxOpenAttempts)
			lastErr = err
			continue
		}

		f.body = body
		f.totalDownloaded = f.offset
		if contentLength > 0 {
			f.mu.Lock()
			f.totalBytes = f.offset + contentLength
			f.mu.Unlock()
			log.Debug().Int64("bytes", contentLength).Msg("CDN transfer opened")
		} else {
			log.Warn().Msg("No Content-Length header, stream end detection may be less reliable")
		}
		return nil
	}

	return fmt.Errorf("CDN request failed after %d attempts: %w", MaxOpenAttempts, lastErr)
}

// Run streams, decodes and forwards until the transfer completes or the
// session is torn down. It always closes the playback and analysis channels
// on exit. Intended to run on its own goroutine.
func (f *Fetcher) Run(ctx context.Context, playback chan<- [][2]float64, analysis chan<- []float64) {
	if f.body == nil {
		if err := f.Open(ctx); err != nil {
			log.Error().Err(err).Msg("Could not open stream, aborting session")
			f.state.MarkFinished()
			close(playback)
			close(analysis)
			return
		}
	}

	pr, pw := io.Pipe()
	decodeDone := make(chan struct{})
	go func() {
		defer close(decodeDone)
		decodeLoop(ctx, pr, f.state, playback, analysis)
	}()

	f.transfer(ctx, pw)

	<-decodeDone
	log.Debug().
		Int64("bytes", f.totalDownloaded).
		Int64("frames", f.FramesForwarded()).
		Msg("Fetcher stopped")
}

// transfer reads the response body chunk by chunk, forwarding newly
// completed frames into the decoder pipe. On a mid-stream read error it
// attempts ranged resumption before giving up.
func (f *Fetcher) transfer(ctx context.Context, pw *io.PipeWriter) {
	defer f.body.Close()

	reader := &timeoutReader{reader: f.body, ctx: ctx, timeout: ReadTimeout}
	readBuf := make([]byte, NetworkReadSize)

	for {
		n, err := reader.Read(readBuf)
		if n > 0 {
			f.buf = append(f.buf, readBuf[:n]...)
			f.totalDownloaded += int64(n)

			if fwdErr := f.forwardFrames(pw); fwdErr != nil {
				// Decoder side is gone; session was torn down.
				log.Debug().Msgf("Playback stopped, downloaded %d KB total", f.totalDownloaded/1024)
				return
			}
			f.trim()
			f.logProgress()
		}

		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) {
			f.finishTransfer(pw)
			return
		}

		if ctx.Err() != nil {
			pw.CloseWithError(ctx.Err())
			return
		}

		log.Warn().Err(err).Int64("bytes", f.totalDownloaded).Msg("Stream read error, attempting resume")
		if !f.resume(ctx) {
			log.Error().Int64("bytes", f.totalDownloaded).Msgf("Failed to resume stream after %d attempts, giving up", MaxResumes)
			pw.CloseWithError(fmt.Errorf("stream failed and could not resume from byte %d: %w", f.totalDownloaded, err))
			return
		}
		reader = &timeoutReader{reader: f.body, ctx: ctx, timeout: ReadTimeout}
	}
}

// finishTransfer handles clean end of stream: any complete frames still in
// the buffer are forwarded and the pipe is closed so the decoder drains and
// marks the session finished.
func (f *Fetcher) finishTransfer(pw *io.PipeWriter) {
	_ = f.forwardFrames(pw)

	if total, ok := f.TotalBytes(); ok {
		received := f.totalDownloaded - f.offset
		expected := total - f.offset
		percent := float64(received) / float64(expected) * 100.0
		if percent < 95.0 {
			log.Warn().Msgf("Stream ended prematurely: %d/%d KB (%.1f%%)", received/1024, expected/1024, percent)
		} else {
			log.Debug().Msgf("Stream complete: %d/%d KB (%.1f%%)", received/1024, expected/1024, percent)
		}
	} else {
		log.Debug().Msgf("Stream complete: %d KB total", (f.totalDownloaded-f.offset)/1024)
	}

	pw.Close()
}

// forwardFrames scans the buffer for complete frames past the scan position
// and writes each one into the decoder pipe, in order, exactly once.
func (f *Fetcher) forwardFrames(pw *io.PipeWriter) error {
	spans, next := scanFrames(f.buf, f.scanPos)
	for _, span := range spans {
		if _, err := pw.Write(f.buf[span.start:span.end]); err != nil {
			return err
		}
		f.addFramesForwarded(1)
	}
	f.scanPos = next
	return nil
}

// trim bounds buffer growth: past MaxBufferBytes the buffer is cut down to
// its trailing TrimTargetBytes, never past the first unforwarded byte, and
// the scan position is rebased onto the trimmed buffer.
func (f *Fetcher) trim() {
	if len(f.buf) <= MaxBufferBytes {
		return
	}

	cut := len(f.buf) - TrimTargetBytes
	if cut > f.scanPos {
		cut = f.scanPos
	}
	if cut <= 0 {
		return
	}

	trimmed := make([]byte, len(f.buf)-cut)
	copy(trimmed, f.buf[cut:])
	f.buf = trimmed
	f.scanPos -= cut

	log.Debug().Msgf("Trimmed %d KB, buffer now %d KB", cut/1024, len(f.buf)/1024)
}

func (f *Fetcher) logProgress() {
	if f.totalDownloaded-f.lastProgressLog < progressLogStep {
		return
	}
	f.lastProgressLog = f.totalDownloaded
	log.Debug().Msgf("Downloaded %d KB, buffer %d KB, forwarded %d frames",
		f.totalDownloaded/1024, len(f.buf)/1024, f.FramesForwarded())
}

// resume re-issues the CDN request with a Range header picking up where the
// transfer broke.
func (f *Fetcher) resume(ctx context.Context) bool {
	f.body.Close()

	for attempt := 1; attempt <= MaxResumes; attempt++ {
		log.Debug().Msgf("Resume attempt %d/%d from byte %d", attempt, MaxResumes, f.totalDownloaded)

		if !sleepCtx(ctx, RetryBackoffUnit) {
			return false
		}

		body, _, err := f.client.OpenStream(ctx, f.CDNURL(), f.totalDownloaded)
		if err != nil {
			log.Warn().Err(err).Msgf("Resume attempt %d/%d failed", attempt, MaxResumes)
			continue
		}

		log.Debug().Int64("byte", f.totalDownloaded).Msg("Stream resumed")
		f.body = body
		return true
	}
	return false
}

// decodeLoop drives the MP3 decoder over the frame pipe, converting PCM to
// sample chunks for the playback channel and mono batches for the analysis
// channel. It owns closing both channels and marks the session finished
// when the decoder runs dry.
func decodeLoop(ctx context.Context, pr *io.PipeReader, state *StreamState, playback chan<- [][2]float64, analysis chan<- []float64) {
	defer close(playback)
	defer close(analysis)
	defer pr.Close()

	dec, err := mp3.NewDecoder(pr)
	if err != nil {
		log.Warn().Err(err).Msg("Could not start MP3 decoder")
		state.MarkFinished()
		return
	}

	raw := make([]byte, SamplesPerFrame*bytesPerSample)

	for {
		n, err := io.ReadFull(dec, raw)
		if n >= bytesPerSample {
			chunk, mono := pcmToSamples(raw[:n-n%bytesPerSample])

			select {
			case playback <- chunk:
			case <-ctx.Done():
				return
			}

			// Analysis is best-effort; never stall decode for it.
			select {
			case analysis <- mono:
			default:
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				log.Debug().Err(err).Msg("Decoder stopped")
			}
			state.MarkFinished()
			return
		}
	}
}

// pcmToSamples converts 16-bit little-endian stereo PCM into beep-style
// stereo samples plus a mono mix for spectral analysis.
func pcmToSamples(raw []byte) ([][2]float64, []float64) {
	count := len(raw) / bytesPerSample
	chunk := make([][2]float64, count)
	mono := make([]float64, count)

	for i := 0; i < count; i++ {
		left := float64(int16(uint16(raw[i*4])|uint16(raw[i*4+1])<<8)) / 32768.0
		right := float64(int16(uint16(raw[i*4+2])|uint16(raw[i*4+3])<<8)) / 32768.0
		chunk[i] = [2]float64{left, right}
		mono[i] = (left + right) / 2
	}
	return chunk, mono
}

// sleepCtx sleeps for d unless the context ends first. Reports whether the
// full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// timeoutReader wraps the response body with a per-read deadline so a
// stalled transfer is detected quickly, and aborts outstanding reads when
// the session context ends.
type timeoutReader struct {
	reader  io.Reader
	ctx     context.Context
	timeout time.Duration
}

func (tr *timeoutReader) Read(p []byte) (int, error) {
	select {
	case <-tr.ctx.Done():
		return 0, tr.ctx.Err()
	default:
	}

	timer := time.NewTimer(tr.timeout)
	defer timer.Stop()

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)

	go func() {
		n, err := tr.reader.Read(p)
		select {
		case done <- result{n, err}:
		case <-tr.ctx.Done():
		}
	}()

	select {
	case res := <-done:
		return res.n, res.err
	case <-timer.C:
		return 0, fmt.Errorf("read timeout: no data received for %v", tr.timeout)
	case <-tr.ctx.Done():
		return 0, tr.ctx.Err()
	}
}
