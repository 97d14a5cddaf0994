// Package audio holds byte-level helpers for 8 kHz G.711 µ-law audio,
// the codec both telephony media streams and the translation backend
// exchange.
package audio

import "time"

const (
	// FrameSize is the codec's fixed sample-frame size in bytes.
	FrameSize = 8
	// BytesPerSecond is the µ-law byte rate at 8 kHz mono.
	BytesPerSecond = 8000
)

// AlignFrames truncates raw audio to the largest whole number of frames.
// Chunks shorter than one frame are returned unchanged.
func AlignFrames(raw []byte) []byte {
	if len(raw) < FrameSize {
		return raw
	}
	rem := len(raw) % FrameSize
	if rem == 0 {
		return raw
	}
	return raw[:len(raw)-rem]
}

// DurationMs reports the playback time in milliseconds of n bytes.
func DurationMs(n int) float64 {
	return float64(n) / BytesPerSecond * 1000
}

// Duration reports the playback time of n bytes.
func Duration(n int) time.Duration {
	return time.Duration(DurationMs(n) * float64(time.Millisecond))
}
