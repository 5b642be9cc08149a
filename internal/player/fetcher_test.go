package player

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/glebovdev/trackstream/internal/api"
)

func TestFetcherOpenResolvesRedirect(t *testing.T) {
	payload := bytes.Repeat(makeFrame(0x11), 3)

	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer cdn.Close()

	var gotAuth string
	gated := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Location", cdn.URL)
		w.WriteHeader(http.StatusFound)
	}))
	defer gated.Close()

	f := NewFetcher(api.NewClient(), NewStreamState(), gated.URL, "tok", "", 0)
	if err := f.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.body.Close()

	if gotAuth != "OAuth tok" {
		t.Errorf("Authorization header = %q, want %q", gotAuth, "OAuth tok")
	}
	if f.CDNURL() != cdn.URL {
		t.Errorf("CDNURL() = %q, want %q", f.CDNURL(), cdn.URL)
	}

	total, ok := f.TotalBytes()
	if !ok || total != int64(len(payload)) {
		t.Errorf("TotalBytes() = (%d, %v), want (%d, true)", total, ok, len(payload))
	}
}

func TestFetcherOpenRetriesThenFails(t *testing.T) {
	var hits int
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer cdn.Close()

	f := NewFetcher(api.NewClient(), NewStreamState(), "", "", cdn.URL, 0)
	err := f.Open(context.Background())
	if err == nil {
		t.Fatal("Open() should fail against a persistently erroring CDN")
	}

	if hits != MaxOpenAttempts {
		t.Errorf("CDN was hit %d times, want %d", hits, MaxOpenAttempts)
	}
}

func TestFetcherOpenWithOffset(t *testing.T) {
	var gotRange string
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(make([]byte, 100))
	}))
	defer cdn.Close()

	f := NewFetcher(api.NewClient(), NewStreamState(), "", "", cdn.URL, 8000)
	if err := f.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.body.Close()

	if gotRange != "bytes=8000-" {
		t.Errorf("Range header = %q, want %q", gotRange, "bytes=8000-")
	}

	total, ok := f.TotalBytes()
	if !ok || total != 8100 {
		t.Errorf("TotalBytes() = (%d, %v), want (8100, true) with the offset included", total, ok)
	}
}

// drainPipe collects everything the fetcher forwards to the decoder side.
func drainPipe(pr *io.PipeReader) (<-chan []byte, <-chan error) {
	out := make(chan []byte, 1)
	errc := make(chan error, 1)
	go func() {
		data, err := io.ReadAll(pr)
		out <- data
		errc <- err
	}()
	return out, errc
}

func TestTransferForwardsFramesExactlyOnce(t *testing.T) {
	frames := [][]byte{makeFrame(0x11), makeFrame(0x22), makeFrame(0x33), makeFrame(0x44)}

	var payload []byte
	payload = append(payload, 0xDE, 0xAD) // leading garbage before the first sync word
	for _, fr := range frames {
		payload = append(payload, fr...)
	}

	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer cdn.Close()

	f := NewFetcher(api.NewClient(), NewStreamState(), "", "", cdn.URL, 0)
	if err := f.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	pr, pw := io.Pipe()
	out, errc := drainPipe(pr)

	f.transfer(context.Background(), pw)

	forwarded := <-out
	if err := <-errc; err != nil {
		t.Fatalf("reading forwarded frames error = %v", err)
	}

	want := bytes.Join(frames, nil)
	if !bytes.Equal(forwarded, want) {
		t.Errorf("forwarded %d bytes, want %d bytes of pure frame data", len(forwarded), len(want))
	}

	if got := f.FramesForwarded(); got != int64(len(frames)) {
		t.Errorf("FramesForwarded() = %d, want %d", got, len(frames))
	}
}

// flakyBody serves a prefix of the payload, then fails every read with a
// non-EOF error to trigger the resume path.
type flakyBody struct {
	data []byte
	pos  int
}

func (b *flakyBody) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, fmt.Errorf("connection reset")
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}

func (b *flakyBody) Close() error { return nil }

func TestTransferResumesMidStream(t *testing.T) {
	frames := [][]byte{
		makeFrame(0x11), makeFrame(0x22), makeFrame(0x33),
		makeFrame(0x44), makeFrame(0x55), makeFrame(0x66),
	}
	payload := bytes.Join(frames, nil)
	const breakAt = 1000 // inside the third frame

	var mu sync.Mutex
	var gotRanges []string
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		mu.Lock()
		gotRanges = append(gotRanges, rangeHeader)
		mu.Unlock()

		var from int
		if _, err := fmt.Sscanf(rangeHeader, "bytes=%d-", &from); err != nil {
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(payload[from:])
	}))
	defer cdn.Close()

	f := NewFetcher(api.NewClient(), NewStreamState(), "", "", cdn.URL, 0)
	f.body = &flakyBody{data: payload[:breakAt]}

	pr, pw := io.Pipe()
	out, errc := drainPipe(pr)

	f.transfer(context.Background(), pw)

	forwarded := <-out
	if err := <-errc; err != nil {
		t.Fatalf("reading forwarded frames error = %v", err)
	}

	if !bytes.Equal(forwarded, payload) {
		t.Errorf("forwarded %d bytes, want the full %d bytes with every frame exactly once", len(forwarded), len(payload))
	}

	if got := f.FramesForwarded(); got != int64(len(frames)) {
		t.Errorf("FramesForwarded() = %d, want %d", got, len(frames))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(gotRanges) != 1 || gotRanges[0] != fmt.Sprintf("bytes=%d-", breakAt) {
		t.Errorf("resume ranges = %v, want a single request from byte %d", gotRanges, breakAt)
	}
}

func TestTrim(t *testing.T) {
	f := &Fetcher{}

	f.buf = make([]byte, 6*1024*1024)
	marker := len(f.buf) - TrimTargetBytes
	f.buf[marker] = 0xAB
	f.scanPos = len(f.buf) - 100

	f.trim()

	if len(f.buf) != TrimTargetBytes {
		t.Errorf("buffer length after trim = %d, want %d", len(f.buf), TrimTargetBytes)
	}
	if f.buf[0] != 0xAB {
		t.Error("trim did not keep the trailing bytes aligned")
	}
	if f.scanPos != TrimTargetBytes-100 {
		t.Errorf("scanPos after trim = %d, want %d", f.scanPos, TrimTargetBytes-100)
	}
}

func TestTrimNeverCutsUnforwardedBytes(t *testing.T) {
	f := &Fetcher{}

	f.buf = make([]byte, 6*1024*1024)
	f.scanPos = 1024 // almost everything is still unforwarded

	f.trim()

	if len(f.buf) != 6*1024*1024-1024 {
		t.Errorf("buffer length after trim = %d, want %d", len(f.buf), 6*1024*1024-1024)
	}
	if f.scanPos != 0 {
		t.Errorf("scanPos after trim = %d, want 0", f.scanPos)
	}
}

func TestTrimNoopBelowLimit(t *testing.T) {
	f := &Fetcher{}
	f.buf = make([]byte, 1024)
	f.scanPos = 512

	f.trim()

	if len(f.buf) != 1024 || f.scanPos != 512 {
		t.Errorf("trim changed a small buffer: len=%d scanPos=%d", len(f.buf), f.scanPos)
	}
}

func TestRunClosesChannelsOnOpenFailure(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer cdn.Close()

	state := NewStreamState()
	f := NewFetcher(api.NewClient(), state, "", "", cdn.URL, 0)

	playback := make(chan [][2]float64, PlaybackChannelSize)
	analysis := make(chan []float64, AnalysisChannelSize)

	f.Run(context.Background(), playback, analysis)

	if _, open := <-playback; open {
		t.Error("playback channel still open after failed Open")
	}
	if _, open := <-analysis; open {
		t.Error("analysis channel still open after failed Open")
	}
	if !state.Finished() {
		t.Error("session not marked finished after failed Open")
	}
}

func TestPCMToSamples(t *testing.T) {
	raw := []byte{
		0x00, 0x40, 0x00, 0xC0, // left +0.5, right -0.5
		0x00, 0x00, 0xFF, 0x7F, // left 0, right just under +1.0
	}

	chunk, mono := pcmToSamples(raw)

	if len(chunk) != 2 || len(mono) != 2 {
		t.Fatalf("pcmToSamples() lengths = (%d, %d), want (2, 2)", len(chunk), len(mono))
	}

	if chunk[0] != [2]float64{0.5, -0.5} {
		t.Errorf("chunk[0] = %v, want {0.5, -0.5}", chunk[0])
	}
	if mono[0] != 0 {
		t.Errorf("mono[0] = %v, want 0", mono[0])
	}

	if chunk[1][0] != 0 {
		t.Errorf("chunk[1] left = %v, want 0", chunk[1][0])
	}
	if chunk[1][1] != float64(32767)/32768.0 {
		t.Errorf("chunk[1] right = %v, want %v", chunk[1][1], float64(32767)/32768.0)
	}
}
