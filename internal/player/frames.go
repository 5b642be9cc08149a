package player

// MPEG-1 Layer III framing. The fetcher decodes from a buffer that grows as
// network chunks arrive, so it needs to know where complete frames end:
// only whole frames are handed to the PCM decoder, exactly once each, even
// when the buffer gets trimmed mid-stream.

const (
	// SamplesPerFrame is the PCM sample count a single MPEG-1 Layer III
	// frame decodes to, per channel.
	SamplesPerFrame = 1152

	frameHeaderSize = 4
)

var frameBitrateKbps = [16]int{
	0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0,
}

var frameSampleRates = [4]int{44100, 48000, 32000, 0}

// parseFrameHeader returns the total length in bytes of the frame starting
// at b[0], or 0 if the leading four bytes are not a valid MPEG-1 Layer III
// header.
func parseFrameHeader(b []byte) int {
	if len(b) < frameHeaderSize {
		return 0
	}

	// 11-bit sync word
	if b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return 0
	}

	version := (b[1] >> 3) & 0x03
	layer := (b[1] >> 1) & 0x03
	if version != 0x03 || layer != 0x01 { // MPEG-1, Layer III
		return 0
	}

	bitrateIdx := (b[2] >> 4) & 0x0F
	sampleIdx := (b[2] >> 2) & 0x03
	if bitrateIdx == 0 || bitrateIdx == 0x0F || sampleIdx == 0x03 {
		return 0
	}

	padding := int((b[2] >> 1) & 0x01)
	bitrate := frameBitrateKbps[bitrateIdx] * 1000
	sampleRate := frameSampleRates[sampleIdx]

	return 144*bitrate/sampleRate + padding
}

// frameSpan is a complete frame's byte range within the scan buffer.
type frameSpan struct {
	start int
	end   int
}

// scanFrames walks buf starting at from and collects every complete frame.
// Bytes that do not form a valid header are skipped one at a time, so a
// corrupt frame boundary loses at most that frame and decoding resumes at
// the next sync word. The returned offset is where the next scan should
// start: the beginning of a trailing incomplete frame, or the end of the
// consumed garbage run.
func scanFrames(buf []byte, from int) (spans []frameSpan, next int) {
	i := from
	for i < len(buf) {
		n := parseFrameHeader(buf[i:])
		if n == 0 {
			// Can't tell garbage from a header split across chunk
			// boundaries; keep the last few bytes around.
			if len(buf)-i < frameHeaderSize {
				break
			}
			i++
			continue
		}
		if i+n > len(buf) {
			break // incomplete tail frame, wait for more bytes
		}
		spans = append(spans, frameSpan{start: i, end: i + n})
		i += n
	}
	return spans, i
}
