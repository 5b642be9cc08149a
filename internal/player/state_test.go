package player

import (
	"testing"
	"time"
)

func TestStreamStateStartsBuffering(t *testing.T) {
	s := NewStreamState()

	if !s.Buffering() {
		t.Error("NewStreamState().Buffering() = false, want true")
	}
	if s.Finished() {
		t.Error("NewStreamState().Finished() = true, want false")
	}
	if s.SamplesReceived() != 0 {
		t.Errorf("NewStreamState().SamplesReceived() = %d, want 0", s.SamplesReceived())
	}
}

func TestStreamStateBufferingThreshold(t *testing.T) {
	s := NewStreamState()

	s.RecordSamples(BufferingThreshold)
	if !s.Buffering() {
		t.Error("Buffering() = false at exactly the threshold, want true")
	}

	s.RecordSamples(1)
	if s.Buffering() {
		t.Error("Buffering() = true past the threshold, want false")
	}

	if s.SamplesReceived() != BufferingThreshold+1 {
		t.Errorf("SamplesReceived() = %d, want %d", s.SamplesReceived(), BufferingThreshold+1)
	}
}

func TestStreamStateMarkFinished(t *testing.T) {
	s := NewStreamState()

	s.MarkFinished()
	if !s.Finished() {
		t.Error("Finished() = false after MarkFinished(), want true")
	}
}

func TestStreamStateSinceLastSample(t *testing.T) {
	s := NewStreamState()
	s.lastSample = time.Now().Add(-10 * time.Second)

	if got := s.SinceLastSample(); got < 9*time.Second {
		t.Errorf("SinceLastSample() = %v, want around 10s", got)
	}

	s.RecordSamples(100)
	if got := s.SinceLastSample(); got > time.Second {
		t.Errorf("SinceLastSample() = %v after RecordSamples, want near zero", got)
	}
}
