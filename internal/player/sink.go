package player

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/speaker"
)

const (
	// DefaultSampleRate is assumed for streams; the gated endpoint serves
	// 44.1kHz stereo MP3.
	DefaultSampleRate = beep.SampleRate(44100)
	SpeakerBufferSize = time.Millisecond * 250

	VolumeCurveExponent = 0.5
	MinVolumeDB         = -10.0
)

// Sink is the output device abstraction: it drains a pull-based sample
// source and exposes pause/resume/stop/volume. The engine owns at most one
// started sink at a time.
type Sink interface {
	Start(format beep.Format, streamer beep.Streamer) error
	Pause()
	Resume()
	Stop()
	SetVolume(level float64)
}

// SinkFactory builds a fresh sink for each playback session.
type SinkFactory func() (Sink, error)

var (
	speakerMu   sync.Mutex
	speakerRate beep.SampleRate
)

// initSpeaker initializes the OS audio device once per process, re-opening
// only when the sample rate changes.
func initSpeaker(sampleRate beep.SampleRate) error {
	speakerMu.Lock()
	defer speakerMu.Unlock()

	if speakerRate == sampleRate {
		return nil
	}
	if err := speaker.Init(sampleRate, sampleRate.N(SpeakerBufferSize)); err != nil {
		return fmt.Errorf("failed to initialize speaker: %w", err)
	}
	speakerRate = sampleRate
	return nil
}

// speakerSink plays through the beep speaker with a perceptual volume curve.
type speakerSink struct {
	mu      sync.Mutex
	ctrl    *beep.Ctrl
	volume  *effects.Volume
	level   float64
	started bool
}

// NewSpeakerSink is the production SinkFactory.
func NewSpeakerSink() (Sink, error) {
	return &speakerSink{level: 1.0}, nil
}

func (s *speakerSink) Start(format beep.Format, streamer beep.Streamer) error {
	if err := initSpeaker(format.SampleRate); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.volume = &effects.Volume{
		Streamer: streamer,
		Base:     2,
		Volume:   levelToExponent(s.level),
		Silent:   s.level == 0,
	}
	s.ctrl = &beep.Ctrl{Streamer: s.volume}
	s.started = true

	speaker.Play(s.ctrl)
	return nil
}

func (s *speakerSink) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	speaker.Lock()
	s.ctrl.Paused = true
	speaker.Unlock()
}

func (s *speakerSink) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	speaker.Lock()
	s.ctrl.Paused = false
	speaker.Unlock()
}

func (s *speakerSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	speaker.Clear()
	s.started = false
}

func (s *speakerSink) SetVolume(level float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.level = level
	if s.volume == nil {
		return
	}

	speaker.Lock()
	s.volume.Volume = levelToExponent(level)
	s.volume.Silent = level == 0
	speaker.Unlock()
}

// levelToExponent maps a 0.0–1.0 volume level onto a dB exponent for
// effects.Volume, using a square-root curve so the scale feels linear.
func levelToExponent(level float64) float64 {
	if level <= 0 {
		return MinVolumeDB
	}
	if level >= 1 {
		return 0
	}
	adjusted := math.Pow(level, VolumeCurveExponent)
	return (1.0 - adjusted) * MinVolumeDB
}
