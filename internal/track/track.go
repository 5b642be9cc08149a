// Package track defines the data structures for streamable tracks.
package track

import (
	"fmt"
	"time"
)

// Track describes a remotely hosted audio track. StreamURL points at the
// token-gated streaming endpoint, not at the CDN: the engine resolves the
// redirect itself on every fresh play.
type Track struct {
	ID        uint64        `json:"id"`
	Title     string        `json:"title"`
	Artist    string        `json:"artist"`
	StreamURL string        `json:"stream_url"`
	Duration  time.Duration `json:"duration"`
}

// DisplayTitle returns "Artist - Title" when both are known, falling back
// to whichever field is set.
func (t *Track) DisplayTitle() string {
	switch {
	case t.Artist != "" && t.Title != "":
		return fmt.Sprintf("%s - %s", t.Artist, t.Title)
	case t.Title != "":
		return t.Title
	default:
		return fmt.Sprintf("Track %d", t.ID)
	}
}

// HasKnownDuration reports whether the track carries a total duration.
// Streamed tracks frequently do not.
func (t *Track) HasKnownDuration() bool {
	return t.Duration > 0
}
