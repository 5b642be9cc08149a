package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/rs/zerolog/log"

	"github.com/glebovdev/trackstream/internal/api"
	"github.com/glebovdev/trackstream/internal/config"
	"github.com/glebovdev/trackstream/internal/spectrum"
)

const (
	// EngineTick is how often the engine drains pending commands and
	// republishes position/finished state.
	EngineTick = 50 * time.Millisecond

	commandQueueSize = 32
)

type commandKind int

const (
	cmdPlay commandKind = iota
	cmdPause
	cmdResume
	cmdStop
	cmdSetVolume
	cmdSeek
)

type command struct {
	kind     commandKind
	url      string
	token    string
	trackID  uint64
	volume   float64
	position time.Duration
	reply    chan error // seek only
}

// Controller is the public face of the playback engine. Commands are queued
// onto a single channel and applied, in order, by one background engine
// goroutine that owns at most one live Player. All operations are
// fire-and-forget except Seek, which waits for the engine's answer, and the
// accessors, which read state published once per tick.
type Controller struct {
	cmds        chan command
	client      *api.Client
	sinkFactory SinkFactory
	cfg         *config.Config
	bands       *spectrum.Bands

	mu          sync.RWMutex
	position    time.Duration
	duration    time.Duration
	hasDuration bool
	finished    bool
	playState   PlayerState

	quit     chan struct{}
	quitOnce sync.Once
	stopped  chan struct{}
}

// NewController builds a controller playing through the OS audio device.
func NewController(cfg *config.Config, bands *spectrum.Bands) *Controller {
	return New(cfg, bands, api.NewClient(), NewSpeakerSink)
}

// New wires a controller with explicit collaborators. Tests substitute a
// fake sink factory here.
func New(cfg *config.Config, bands *spectrum.Bands, client *api.Client, sinkFactory SinkFactory) *Controller {
	c := &Controller{
		cmds:        make(chan command, commandQueueSize),
		client:      client,
		sinkFactory: sinkFactory,
		cfg:         cfg,
		bands:       bands,
		playState:   StateIdle,
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	go c.engine()
	return c
}

// Play starts streaming the given gated URL. Fire-and-forget: failures are
// logged and eventually surface through IsFinished.
func (c *Controller) Play(url, token string, trackID uint64) {
	c.cmds <- command{kind: cmdPlay, url: url, token: token, trackID: trackID}
}

func (c *Controller) Pause() {
	c.cmds <- command{kind: cmdPause}
}

func (c *Controller) Resume() {
	c.cmds <- command{kind: cmdResume}
}

func (c *Controller) Stop() {
	c.cmds <- command{kind: cmdStop}
}

// SetVolume accepts a level in [0.0, 1.0], applied to the current session
// and carried over to future ones.
func (c *Controller) SetVolume(level float64) {
	c.cmds <- command{kind: cmdSetVolume, volume: config.ClampVolume(level)}
}

// Seek restarts the current session at an estimated byte offset for the
// requested position. Unlike every other command it is synchronous: the
// engine replies once the ranged CDN request succeeds or its retries are
// exhausted.
func (c *Controller) Seek(position time.Duration) error {
	reply := make(chan error, 1)

	select {
	case c.cmds <- command{kind: cmdSeek, position: position, reply: reply}:
	case <-c.quit:
		return errors.New("player is shut down")
	}

	select {
	case err := <-reply:
		return err
	case <-c.stopped:
		// The engine may have answered just before exiting.
		select {
		case err := <-reply:
			return err
		default:
			return errors.New("player is shut down")
		}
	}
}

func (c *Controller) GetPosition() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.position
}

func (c *Controller) GetDuration() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.duration, c.hasDuration
}

func (c *Controller) IsFinished() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.finished
}

func (c *Controller) State() PlayerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playState
}

// Bands exposes the shared spectral band cells for visualization.
func (c *Controller) Bands() *spectrum.Bands {
	return c.bands
}

// Close shuts the engine down and tears down any live session. Blocks until
// the engine goroutine has exited.
func (c *Controller) Close() {
	c.quitOnce.Do(func() {
		close(c.quit)
	})
	<-c.stopped
}

// engineSession is the engine goroutine's private state: the live player
// plus the identity of the current track, kept so Seek can rebuild the
// session bundle.
type engineSession struct {
	player  *Player
	url     string
	token   string
	trackID uint64
	volume  float64
}

func (c *Controller) engine() {
	defer close(c.stopped)

	es := &engineSession{volume: c.cfg.Volume}

	for {
		select {
		case <-c.quit:
			if es.player != nil {
				es.player.Teardown()
				c.bands.Reset()
			}
			return
		default:
		}

	drain:
		for {
			select {
			case cmd := <-c.cmds:
				c.apply(es, cmd)
			default:
				break drain
			}
		}

		if es.player != nil {
			es.player.Refresh()
			if es.player.IsFinished() {
				// The session's analyzer has no more input; wait it out
				// and silence the meters. The engine is the only band
				// writer from here on.
				es.player.settleAnalyzer()
				c.bands.Reset()
			}
			c.publish(es.player)
		}

		time.Sleep(EngineTick)
	}
}

func (c *Controller) apply(es *engineSession, cmd command) {
	switch cmd.kind {
	case cmdPlay:
		log.Debug().Uint64("track", cmd.trackID).Msg("Received Play command")
		c.handlePlay(es, cmd)

	case cmdPause:
		if es.player != nil {
			es.player.Pause()
		}

	case cmdResume:
		if es.player != nil {
			es.player.Resume()
		}

	case cmdStop:
		log.Debug().Msg("Received Stop command")
		c.handleStop(es)

	case cmdSetVolume:
		es.volume = cmd.volume
		if es.player != nil {
			es.player.SetVolume(cmd.volume)
		}

	case cmdSeek:
		log.Debug().Dur("to", cmd.position).Msg("Received Seek command")
		cmd.reply <- c.handleSeek(es, cmd.position)
	}
}

func (c *Controller) handlePlay(es *engineSession, cmd command) {
	// Reset the finished flag before anything else so pollers never see a
	// stale true for the new track.
	c.setFinished(false)

	if es.player != nil {
		log.Debug().Msg("Stopping previous player")
		es.player.Teardown()
		es.player = nil
		c.bands.Reset()
	}

	es.url = cmd.url
	es.token = cmd.token
	es.trackID = cmd.trackID

	pl, err := c.startSession(es, "", 0, 0, false)
	if err != nil {
		log.Error().Err(err).Msg("Error starting playback")
		c.mu.Lock()
		c.position = 0
		c.finished = true
		c.playState = StateIdle
		c.mu.Unlock()
		return
	}
	es.player = pl
	c.publish(pl)
}

func (c *Controller) handleStop(es *engineSession) {
	if es.player != nil {
		es.player.Teardown()
		es.player = nil
	}
	c.bands.Reset()

	c.mu.Lock()
	c.position = 0
	c.duration = 0
	c.hasDuration = false
	c.finished = true
	c.playState = StateIdle
	c.mu.Unlock()
}

func (c *Controller) handleSeek(es *engineSession, position time.Duration) error {
	if es.player == nil {
		return errors.New("seek requested with no active playback")
	}

	if position < 0 {
		position = 0
	}

	c.mu.Lock()
	c.playState = StateSeeking
	c.mu.Unlock()

	// Reuse the CDN URL the session already resolved; it may still be
	// empty when seeking before resolution completed, in which case the
	// new fetcher resolves the redirect itself.
	cdnURL := es.player.fetcher.CDNURL()

	es.player.Teardown()
	es.player = nil
	c.bands.Reset()
	c.setFinished(false)

	offset := int64(position/time.Second) * int64(c.cfg.SeekBytesPerSecond)

	pl, err := c.startSession(es, cdnURL, offset, position, true)
	if err != nil {
		c.mu.Lock()
		c.finished = true
		c.playState = StateFinished
		c.mu.Unlock()
		return fmt.Errorf("seek to %v failed: %w", position, err)
	}
	es.player = pl
	c.publish(pl)

	log.Debug().Dur("position", position).Int64("offset", offset).Msg("Seek completed")
	return nil
}

// startSession builds a complete session bundle: stream state, channels,
// fetcher, analyzer, source and sink. With syncOpen the CDN transfer is
// opened before any goroutine starts, so the caller gets the error —
// that is the Seek path.
func (c *Controller) startSession(es *engineSession, cdnURL string, offset int64, startPos time.Duration, syncOpen bool) (*Player, error) {
	sink, err := c.sinkFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create audio sink: %w", err)
	}

	state := NewStreamState()
	playback := make(chan [][2]float64, PlaybackChannelSize)
	download := make(chan []float64, AnalysisChannelSize)
	playbackTap := make(chan []float64, AnalysisChannelSize)

	source := NewStreamingSource(playback, state, playbackTap)
	fetcher := NewFetcher(c.client, state, es.url, es.token, cdnURL, offset)

	ctx, cancel := context.WithCancel(context.Background())

	if syncOpen {
		if err := fetcher.Open(ctx); err != nil {
			cancel()
			source.CloseTap()
			return nil, err
		}
	}

	format := beep.Format{SampleRate: DefaultSampleRate, NumChannels: 2, Precision: 2}
	if err := sink.Start(format, source); err != nil {
		cancel()
		source.CloseTap()
		return nil, fmt.Errorf("failed to start audio sink: %w", err)
	}
	sink.SetVolume(es.volume)

	analyzerDone := make(chan struct{})
	go func() {
		defer close(analyzerDone)
		spectrum.NewAnalyzer(c.bands).Run(download, playbackTap)
	}()
	go fetcher.Run(ctx, playback, download)

	return &Player{
		sink:           sink,
		source:         source,
		stream:         state,
		fetcher:        fetcher,
		cancel:         cancel,
		analyzerDone:   analyzerDone,
		playState:      StateBuffering,
		startTime:      time.Now(),
		startPosition:  startPos,
		volume:         es.volume,
		bytesPerSecond: c.cfg.SeekBytesPerSecond,
	}, nil
}

func (c *Controller) setFinished(finished bool) {
	c.mu.Lock()
	c.finished = finished
	c.mu.Unlock()
}

// publish refreshes the shared cells from the live player, once per tick.
// The engine is the only writer.
func (c *Controller) publish(pl *Player) {
	position := pl.Position()
	duration, hasDuration := pl.Duration()
	finished := pl.IsFinished()
	state := pl.State()

	c.mu.Lock()
	c.position = position
	c.duration = duration
	c.hasDuration = hasDuration
	c.finished = finished
	c.playState = state
	c.mu.Unlock()
}
