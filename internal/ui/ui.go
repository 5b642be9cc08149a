// Package ui renders a minimal now-playing screen: state, position and the
// three spectral band meters. It is a pure consumer of the controller; the
// playback engine never depends on it.
package ui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/rs/zerolog/log"

	"github.com/glebovdev/trackstream/internal/config"
	"github.com/glebovdev/trackstream/internal/player"
	"github.com/glebovdev/trackstream/internal/track"
)

const (
	refreshInterval = 100 * time.Millisecond
	seekStep        = 5 * time.Second
	volumeStep      = 0.05
	meterWidth      = 30
)

type UI struct {
	app        *tview.Application
	view       *tview.TextView
	controller *player.Controller
	config     *config.Config
	track      track.Track
	volume     float64
	message    string
	quit       chan struct{}
	quitOnce   sync.Once
}

func NewUI(controller *player.Controller, trk track.Track, cfg *config.Config) *UI {
	view := tview.NewTextView().SetDynamicColors(true)
	view.SetBorder(true).SetTitle(" trackstream ")

	return &UI{
		app:        tview.NewApplication().SetRoot(view, true),
		view:       view,
		controller: controller,
		config:     cfg,
		track:      trk,
		volume:     cfg.Volume,
		quit:       make(chan struct{}),
	}
}

func (u *UI) Run() error {
	u.app.SetInputCapture(u.handleKey)

	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-u.quit:
				return
			case <-ticker.C:
				u.app.QueueUpdateDraw(u.render)
			}
		}
	}()

	return u.app.Run()
}

func (u *UI) Shutdown() {
	u.quitOnce.Do(func() {
		close(u.quit)
		u.SaveConfig()
	})
	u.app.Stop()
}

// SaveConfig persists the current volume so the next run starts where the
// user left off.
func (u *UI) SaveConfig() {
	u.config.Volume = u.volume
	if err := u.config.Save(); err != nil {
		log.Error().Err(err).Msg("Failed to save config")
	}
}

func (u *UI) handleKey(event *tcell.EventKey) *tcell.EventKey {
	switch {
	case event.Key() == tcell.KeyEscape || event.Rune() == 'q':
		u.Shutdown()
	case event.Rune() == ' ':
		if u.controller.State() == player.StatePaused {
			u.controller.Resume()
		} else {
			u.controller.Pause()
		}
	case event.Rune() == 's':
		u.controller.Stop()
	case event.Key() == tcell.KeyLeft:
		u.seekBy(-seekStep)
	case event.Key() == tcell.KeyRight:
		u.seekBy(seekStep)
	case event.Rune() == '+' || event.Rune() == '=':
		u.adjustVolume(volumeStep)
	case event.Rune() == '-':
		u.adjustVolume(-volumeStep)
	default:
		return event
	}
	return nil
}

func (u *UI) seekBy(delta time.Duration) {
	target := u.controller.GetPosition() + delta
	if target < 0 {
		target = 0
	}

	// Seek blocks until the engine answers; keep the UI loop responsive.
	go func() {
		err := u.controller.Seek(target)
		u.app.QueueUpdateDraw(func() {
			if err != nil {
				log.Warn().Err(err).Msg("Seek failed")
				u.message = fmt.Sprintf("Seek failed: %v", err)
			} else {
				u.message = ""
			}
			u.render()
		})
	}()
}

func (u *UI) adjustVolume(delta float64) {
	u.volume += delta
	if u.volume < 0 {
		u.volume = 0
	}
	if u.volume > 1 {
		u.volume = 1
	}
	u.controller.SetVolume(u.volume)
	u.SaveConfig()
}

func (u *UI) render() {
	var b strings.Builder

	fmt.Fprintf(&b, "[::b]%s[-:-:-]\n\n", tview.Escape(u.track.DisplayTitle()))
	fmt.Fprintf(&b, "State:    %s\n", u.controller.State())

	position := u.controller.GetPosition()
	if duration, ok := u.controller.GetDuration(); ok {
		fmt.Fprintf(&b, "Position: %s / %s\n", formatDuration(position), formatDuration(duration))
	} else {
		fmt.Fprintf(&b, "Position: %s\n", formatDuration(position))
	}

	fmt.Fprintf(&b, "Volume:   %3.0f%%\n\n", u.volume*100)

	bass, mid, high := u.controller.Bands().Levels()
	fmt.Fprintf(&b, "Bass  %s\n", meter(bass))
	fmt.Fprintf(&b, "Mid   %s\n", meter(mid))
	fmt.Fprintf(&b, "High  %s\n", meter(high))

	if u.message != "" {
		fmt.Fprintf(&b, "\n[red]%s[-]\n", tview.Escape(u.message))
	}

	b.WriteString("\n[::d]space pause  ←/→ seek  +/- volume  s stop  q quit[-:-:-]")

	u.view.SetText(b.String())
}

func meter(level float64) string {
	filled := int(level * meterWidth)
	if filled > meterWidth {
		filled = meterWidth
	}
	return "[green]" + strings.Repeat("█", filled) + "[-]" + strings.Repeat("░", meterWidth-filled)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", m, s)
}
