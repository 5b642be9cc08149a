package player

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type PlayerState int

const (
	StateIdle PlayerState = iota
	StateBuffering
	StatePlaying
	StatePaused
	StateSeeking
	StateFinished
)

func (s PlayerState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateBuffering:
		return "BUFFERING"
	case StatePlaying:
		return "PLAYING"
	case StatePaused:
		return "PAUSED"
	case StateSeeking:
		return "SEEKING"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Player ties one fetcher, streaming source, sink and analyzer together for
// a single playback session, and tracks position with a wall-clock model:
// position = startPosition + elapsed since startTime while playing, frozen
// at pausedAt while paused.
//
// A Player is owned exclusively by the controller's engine goroutine; its
// methods are not safe for concurrent use.
type Player struct {
	sink    Sink
	source  *StreamingSource
	stream  *StreamState
	fetcher *Fetcher
	cancel  context.CancelFunc

	// analyzerDone is closed when the session's spectral analyzer
	// goroutine has exited; nil when no analyzer is attached.
	analyzerDone chan struct{}

	playState      PlayerState
	startTime      time.Time
	startPosition  time.Duration
	pausedAt       time.Duration
	paused         bool
	finalPosition  time.Duration
	volume         float64
	totalDuration  time.Duration // 0 = unknown (usual for streams)
	bytesPerSecond int
}

func (p *Player) State() PlayerState {
	return p.playState
}

func (p *Player) setState(state PlayerState) {
	if p.playState != state {
		log.Debug().Msgf("Player state: %s -> %s", p.playState, state)
		p.playState = state
	}
}

// Position computes the current playback position. During buffering it
// holds at the session's start offset so a failed play never reports
// progress it did not make.
func (p *Player) Position() time.Duration {
	switch {
	case p.paused:
		return p.pausedAt
	case p.playState == StateBuffering || p.playState == StateSeeking:
		return p.startPosition
	case p.playState == StateFinished:
		return p.finalPosition
	}

	position := p.startPosition + time.Since(p.startTime)
	if total, ok := p.Duration(); ok && position > total {
		position = total
	}
	return position
}

// Duration returns the total track duration when known — either supplied
// with the track or estimated from the CDN's Content-Length and the
// constant-bitrate assumption.
func (p *Player) Duration() (time.Duration, bool) {
	if p.totalDuration > 0 {
		return p.totalDuration, true
	}
	if total, ok := p.fetcher.TotalBytes(); ok && p.bytesPerSecond > 0 {
		return time.Duration(total) * time.Second / time.Duration(p.bytesPerSecond), true
	}
	return 0, false
}

func (p *Player) Pause() {
	if p.playState != StatePlaying {
		return
	}
	p.pausedAt = p.Position()
	p.paused = true
	p.sink.Pause()
	p.setState(StatePaused)
	log.Debug().Dur("at", p.pausedAt).Msg("Playback paused")
}

func (p *Player) Resume() {
	if !p.paused {
		return
	}
	p.startPosition = p.pausedAt
	p.startTime = time.Now()
	p.paused = false
	p.sink.Resume()
	p.setState(StatePlaying)
	log.Debug().Dur("from", p.startPosition).Msg("Playback resumed")
}

func (p *Player) SetVolume(level float64) {
	p.volume = level
	p.sink.SetVolume(level)
}

func (p *Player) IsFinished() bool {
	return p.playState == StateFinished
}

// Refresh advances the state machine from the shared session state. Called
// once per engine tick.
func (p *Player) Refresh() {
	switch p.playState {
	case StateBuffering, StateSeeking:
		if p.source.Done() {
			p.finalPosition = p.startPosition
			p.setState(StateFinished)
		} else if !p.stream.Buffering() {
			p.startTime = time.Now()
			p.setState(StatePlaying)
		}
	case StatePlaying:
		if p.source.Done() {
			p.finalPosition = p.Position()
			p.setState(StateFinished)
		}
	}
}

// Teardown synchronously stops the sink and releases the session: the
// fetcher and decoder observe the cancelled context or the broken pipe, the
// analyzer exits when its playback channel closes. It returns only once the
// analyzer is gone, so the caller can safely take over the band cells.
func (p *Player) Teardown() {
	p.cancel()
	p.sink.Stop()
	p.source.CloseTap()
	p.settleAnalyzer()
	log.Debug().Msg("Playback session torn down")
}

// settleAnalyzer waits for the session's analyzer goroutine to exit. The
// analyzer never blocks, so this resolves within one of its idle sleeps
// once the playback tap is closed.
func (p *Player) settleAnalyzer() {
	if p.analyzerDone != nil {
		<-p.analyzerDone
	}
}
