package audio

import (
	"bytes"
	"testing"
	"time"
)

func TestAlignFrames(t *testing.T) {
	tests := []struct {
		name    string
		in      int
		wantLen int
	}{
		{name: "empty", in: 0, wantLen: 0},
		{name: "below one frame unchanged", in: 5, wantLen: 5},
		{name: "exact frame", in: 8, wantLen: 8},
		{name: "truncated to frame boundary", in: 21, wantLen: 16},
		{name: "large exact", in: 8000, wantLen: 8000},
		{name: "large ragged", in: 8003, wantLen: 8000},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := bytes.Repeat([]byte{0xff}, tc.in)
			got := AlignFrames(raw)
			if len(got) != tc.wantLen {
				t.Fatalf("AlignFrames(%d bytes) = %d bytes, want %d", tc.in, len(got), tc.wantLen)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	if got := DurationMs(800); got != 100 {
		t.Fatalf("DurationMs(800) = %v, want 100", got)
	}
	if got := Duration(8000); got != time.Second {
		t.Fatalf("Duration(8000) = %v, want 1s", got)
	}
	if got := DurationMs(0); got != 0 {
		t.Fatalf("DurationMs(0) = %v, want 0", got)
	}
}
