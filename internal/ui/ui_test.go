package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"

	"github.com/glebovdev/trackstream/internal/api"
	"github.com/glebovdev/trackstream/internal/config"
	"github.com/glebovdev/trackstream/internal/player"
	"github.com/glebovdev/trackstream/internal/spectrum"
	"github.com/glebovdev/trackstream/internal/track"
)

type nopSink struct{}

func (nopSink) Start(beep.Format, beep.Streamer) error { return nil }
func (nopSink) Pause()                                 {}
func (nopSink) Resume()                                {}
func (nopSink) Stop()                                  {}
func (nopSink) SetVolume(float64)                      {}

func testUI(t *testing.T, cfg *config.Config) *UI {
	t.Helper()
	controller := player.New(cfg, spectrum.NewBands(), api.NewClient(), func() (player.Sink, error) {
		return nopSink{}, nil
	})
	t.Cleanup(controller.Close)
	return NewUI(controller, track.Track{ID: 1, Title: "Test"}, cfg)
}

func TestAdjustVolumePersistsConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := config.DefaultConfig()
	u := testUI(t, cfg)

	u.adjustVolume(-0.25)

	loaded, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Volume != 0.75 {
		t.Errorf("persisted Volume = %v, want 0.75", loaded.Volume)
	}
}

func TestShutdownPersistsConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := config.DefaultConfig()
	u := testUI(t, cfg)
	u.volume = 0.5

	u.Shutdown()

	loaded, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Volume != 0.5 {
		t.Errorf("persisted Volume = %v, want 0.5", loaded.Volume)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		input    time.Duration
		expected string
	}{
		{"zero", 0, "00:00"},
		{"seconds only", 42 * time.Second, "00:42"},
		{"minutes and seconds", 3*time.Minute + 7*time.Second, "03:07"},
		{"over an hour", 72*time.Minute + 30*time.Second, "72:30"},
		{"rounds sub-second", 1500 * time.Millisecond, "00:02"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatDuration(tt.input); got != tt.expected {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestMeter(t *testing.T) {
	empty := meter(0)
	if strings.Contains(empty, "█") {
		t.Errorf("meter(0) = %q, want no filled cells", empty)
	}

	full := meter(1)
	if strings.Count(full, "█") != meterWidth {
		t.Errorf("meter(1) has %d filled cells, want %d", strings.Count(full, "█"), meterWidth)
	}

	half := meter(0.5)
	if strings.Count(half, "█") != meterWidth/2 {
		t.Errorf("meter(0.5) has %d filled cells, want %d", strings.Count(half, "█"), meterWidth/2)
	}

	over := meter(1.7)
	if strings.Count(over, "█") != meterWidth {
		t.Errorf("meter(1.7) has %d filled cells, want %d", strings.Count(over, "█"), meterWidth)
	}
}
