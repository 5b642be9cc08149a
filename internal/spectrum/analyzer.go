// Package spectrum computes smoothed bass/mid/high energy levels from the
// PCM sample flow using short-time FFT analysis.
package spectrum

import (
	"math"
	"math/cmplx"
	"time"

	"github.com/mjibson/go-dsp/fft"
	"github.com/rs/zerolog/log"
)

const (
	// FFTSize balances frequency resolution against latency at 44.1kHz.
	FFTSize    = 2048
	sampleRate = 44100.0

	bassMaxHz = 250.0
	midMaxHz  = 2000.0
	highMaxHz = 20000.0

	// Normalization scales: raise to lower the meters, lower to raise them.
	bassScale = 2500.0
	midScale  = 2500.0
	highScale = 2500.0

	// Asymmetric smoothing: beats hit fast, meters fall back slowly.
	attackWeight = 0.7
	decayWeight  = 0.15

	idleSleep = 5 * time.Millisecond
)

// Analyzer consumes mono PCM batches and updates the shared band cells.
// One instance belongs to exactly one playback session.
type Analyzer struct {
	bands  *Bands
	buffer []float64
	window []float64
}

func NewAnalyzer(bands *Bands) *Analyzer {
	window := make([]float64, FFTSize)
	for i := range window {
		window[i] = 0.5 * (1.0 - math.Cos(2.0*math.Pi*float64(i)/float64(FFTSize-1)))
	}
	return &Analyzer{
		bands:  bands,
		buffer: make([]float64, 0, FFTSize*2),
		window: window,
	}
}

// Run merges the download-phase and playback-phase sample channels until the
// playback channel closes, which marks the end of the session. Receives are
// non-blocking on both channels so neither phase can starve the other.
// Run never zeroes the band cells; the session owner clears them once Run
// has exited, keeping a single live writer per cell. Intended to run on its
// own goroutine.
func (a *Analyzer) Run(download, playback <-chan []float64) {
	log.Debug().Msg("Spectral analyzer started")
	var processed int

	for {
		got := false

		if download != nil {
			select {
			case batch, ok := <-download:
				if !ok {
					// Download phase over; playback channel keeps feeding us.
					download = nil
				} else {
					a.Process(batch)
					processed += len(batch)
					got = true
				}
			default:
			}
		}

		select {
		case batch, ok := <-playback:
			if !ok {
				log.Debug().Int("samples", processed).Msg("Spectral analyzer stopped")
				return
			}
			a.Process(batch)
			processed += len(batch)
			got = true
		default:
		}

		if !got {
			time.Sleep(idleSleep)
		}
	}
}

// Process appends mono samples and runs the FFT for every full window,
// sliding by half a window for overlap.
func (a *Analyzer) Process(samples []float64) {
	a.buffer = append(a.buffer, samples...)

	for len(a.buffer) >= FFTSize {
		a.analyze()
		a.buffer = a.buffer[FFTSize/2:]
	}
}

func (a *Analyzer) analyze() {
	windowed := make([]float64, FFTSize)
	for i := 0; i < FFTSize; i++ {
		windowed[i] = a.buffer[i] * a.window[i]
	}

	spectrum := fft.FFTReal(windowed)

	binHz := sampleRate / float64(FFTSize)
	bassEnd := int(bassMaxHz / binHz)
	midEnd := int(midMaxHz / binHz)
	highEnd := int(highMaxHz / binHz)
	if highEnd > FFTSize/2 {
		highEnd = FFTSize / 2
	}

	bass := bandEnergy(spectrum, 1, bassEnd)
	mid := bandEnergy(spectrum, bassEnd, midEnd)
	high := bandEnergy(spectrum, midEnd, highEnd)

	oldBass, oldMid, oldHigh := a.bands.Levels()
	a.bands.set(
		smooth(oldBass, math.Min(bass/bassScale, 1.0)),
		smooth(oldMid, math.Min(mid/midScale, 1.0)),
		smooth(oldHigh, math.Min(high/highScale, 1.0)),
	)
}

// bandEnergy sums FFT magnitudes over [from, to), restricted to positive
// frequencies.
func bandEnergy(spectrum []complex128, from, to int) float64 {
	if from < 0 {
		from = 0
	}
	if to > len(spectrum)/2 {
		to = len(spectrum) / 2
	}

	energy := 0.0
	for i := from; i < to; i++ {
		energy += cmplx.Abs(spectrum[i])
	}
	return energy
}

func smooth(old, next float64) float64 {
	if next > old {
		return old*(1-attackWeight) + next*attackWeight
	}
	return old*(1-decayWeight) + next*decayWeight
}
