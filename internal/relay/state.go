package relay

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/ostrand/callweave/internal/audio"
)

// Leg identifies one side of the call. The two legs are symmetric
// mirrors; all per-leg state is duplicated, never shared.
type Leg string

const (
	LegCaller Leg = "caller"
	LegAgent  Leg = "agent"
)

const (
	// translationDelayLimit is the per-chunk delay past which the input
	// buffer is cleared to stop cross-cycle latency accumulation.
	translationDelayLimit = 5000 * time.Millisecond
	// agentWarmup swallows connection-setup artifacts: agent audio within
	// this window of the first agent chunk is not forwarded for
	// translation.
	agentWarmup = time.Second
)

// TranslationState tracks one leg's in-flight backend response. Active is
// true for exactly the interval between a response-started event and its
// matching finish event.
type TranslationState struct {
	Active               bool
	ActiveResponseID     string
	TranslationStartedAt time.Time
}

// SpeechTimingState tracks when the current utterance began on a leg.
// SpeechStartedAt persists across the backend's speech-stopped signal and
// is only cleared once the corresponding response finishes; clearing it
// earlier races with the asynchronous response-started event and silently
// disables delay tracking for that cycle.
type SpeechTimingState struct {
	SpeechStartedAt time.Time
	LastSpeechAt    time.Time
}

// OutputPacingState tracks the translated-audio segment currently being
// pushed to a leg's transport, plus the previous segment for
// playback-gap detection.
type OutputPacingState struct {
	CurrentSegmentStart      time.Time
	CurrentSegmentDurationMs float64
	LastSegmentStart         time.Time
	LastSegmentDurationMs    float64
}

// finalize copies the current segment into the last-segment slots and
// clears the current ones. Runs exactly once per completed response.
func (p *OutputPacingState) finalize() {
	p.LastSegmentStart = p.CurrentSegmentStart
	p.LastSegmentDurationMs = p.CurrentSegmentDurationMs
	p.CurrentSegmentStart = time.Time{}
	p.CurrentSegmentDurationMs = 0
}

// LatencySample correlates a speech-stopped signal with the first
// translated chunk of the following response. Used only for the
// end-of-session latency report.
type LatencySample struct {
	CorrelationID          string
	SpeechStoppedAt        time.Time
	FirstTranslatedChunkAt time.Time
}

// legState is everything the relay owns for one leg. Only the owning
// leg's event handlers mutate these fields (the one exception is pacing,
// whose writer is the opposite leg's backend handler, since translated
// audio for this leg originates there); other handlers take the mutex
// only to read.
type legState struct {
	leg Leg

	mu            sync.Mutex
	transport     MediaTransport
	backend       BackendConn
	translation   TranslationState
	speech        SpeechTimingState
	pacing        OutputPacingState
	samples       []LatencySample
	firstAudioAt  time.Time
	interruptions int
}

func (l *legState) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.translation = TranslationState{}
	l.speech = SpeechTimingState{}
	l.pacing = OutputPacingState{}
	l.samples = nil
	l.firstAudioAt = time.Time{}
	l.interruptions = 0
}

// alignPayload truncates a base64 audio payload to the largest multiple
// of the codec frame size not exceeding its decoded length. Payloads
// shorter than one frame, and payloads that fail to decode, are returned
// unmodified rather than dropped.
func alignPayload(payload string) (aligned string, decodedLen int) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return payload, 0
	}
	trimmed := audio.AlignFrames(raw)
	if len(trimmed) == len(raw) {
		return payload, len(raw)
	}
	return base64.StdEncoding.EncodeToString(trimmed), len(trimmed)
}

// meanLatency reports the mean speech-stop-to-first-chunk latency over
// samples that recorded a chunk time. An empty or fully-excluded set
// reports zero.
func meanLatency(samples []LatencySample) time.Duration {
	var total time.Duration
	var counted int
	for _, s := range samples {
		if s.FirstTranslatedChunkAt.IsZero() {
			continue
		}
		total += s.FirstTranslatedChunkAt.Sub(s.SpeechStoppedAt)
		counted++
	}
	if counted == 0 {
		return 0
	}
	return total / time.Duration(counted)
}
