package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ostrand/callweave/internal/audio"
	"github.com/ostrand/callweave/internal/callrecord"
	"github.com/ostrand/callweave/internal/mediastream"
	"github.com/ostrand/callweave/internal/observability"
	"github.com/ostrand/callweave/internal/translator"
)

// MediaTransport is the per-leg media-stream connection as the relay
// sees it.
type MediaTransport interface {
	OnEvent(kind mediastream.EventKind, fn mediastream.Listener)
	SendAudio(payloads ...string) error
	SendAudioWithMark(payloads ...string) (string, error)
	RequestRemoteBufferClear() error
	Close() error
	Closed() bool
}

// BackendConn is the per-leg translation backend connection.
type BackendConn interface {
	SetHandler(translator.Handler)
	AppendAudio(audioBase64 string) error
	ClearInput() error
	Close() error
}

// BackendDialer opens the translation connection for one leg with that
// leg's instruction text.
type BackendDialer func(ctx context.Context, leg Leg, instructions string) (BackendConn, error)

// Options configures a Session.
type Options struct {
	Log     *slog.Logger
	Metrics *observability.Metrics
	Store   callrecord.Store
	Dial    BackendDialer

	CallSid        string
	CallerLanguage string
	PassThrough    bool

	CallerInstructions string
	AgentInstructions  string

	// OnClose runs after teardown completes, once.
	OnClose func(*Session)
}

// Session coordinates both legs of one call against the translation
// backend. It owns both media transports, both backend connections and
// all per-leg state.
type Session struct {
	log     *slog.Logger
	metrics *observability.Metrics
	store   callrecord.Store
	dial    BackendDialer

	callSid     string
	language    string
	passThrough bool

	callerInstructions string
	agentInstructions  string

	caller *legState
	agent  *legState

	now func() time.Time

	startedAt time.Time
	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	onClose   func(*Session)
}

func NewSession(opts Options) *Session {
	s := &Session{
		log:                opts.Log.With("call_sid", opts.CallSid),
		metrics:            opts.Metrics,
		store:              opts.Store,
		dial:               opts.Dial,
		callSid:            opts.CallSid,
		language:           opts.CallerLanguage,
		passThrough:        opts.PassThrough,
		callerInstructions: opts.CallerInstructions,
		agentInstructions:  opts.AgentInstructions,
		caller:             &legState{leg: LegCaller},
		agent:              &legState{leg: LegAgent},
		now:                time.Now,
		onClose:            opts.OnClose,
	}
	return s
}

func (s *Session) CallSid() string { return s.callSid }

// AttachCaller wires the caller leg's media transport into the session.
func (s *Session) AttachCaller(t MediaTransport) { s.attach(s.caller, t) }

// AttachAgent wires the agent leg's media transport into the session.
func (s *Session) AttachAgent(t MediaTransport) { s.attach(s.agent, t) }

func (s *Session) attach(l *legState, t MediaTransport) {
	l.mu.Lock()
	l.transport = t
	l.mu.Unlock()

	t.OnEvent(mediastream.EventMedia, func(evt mediastream.Event) {
		if evt.Media == nil {
			return
		}
		// Only the participant's own audio is relayed; playback echo
		// tracks are not.
		if evt.Media.Track != "" && evt.Media.Track != "inbound" {
			return
		}
		s.handleMedia(l, evt.Media.Payload)
	})
	t.OnEvent(mediastream.EventStopped, func(evt mediastream.Event) {
		s.log.Info("media stream stopped", "leg", l.leg, "stop_call_sid", evt.CallSid)
		s.Close()
	})
}

// Start opens both translation connections. Call it after both transports
// are attached.
func (s *Session) Start(ctx context.Context) error {
	callerConn, err := s.dial(ctx, LegCaller, s.callerInstructions)
	if err != nil {
		return fmt.Errorf("dial caller translation connection: %w", err)
	}
	agentConn, err := s.dial(ctx, LegAgent, s.agentInstructions)
	if err != nil {
		_ = callerConn.Close()
		return fmt.Errorf("dial agent translation connection: %w", err)
	}

	s.caller.mu.Lock()
	s.caller.backend = callerConn
	s.caller.mu.Unlock()
	s.agent.mu.Lock()
	s.agent.backend = agentConn
	s.agent.mu.Unlock()

	callerConn.SetHandler(func(evt translator.Event) { s.handleBackendEvent(s.caller, evt) })
	agentConn.SetHandler(func(evt translator.Event) { s.handleBackendEvent(s.agent, evt) })

	s.startedAt = s.now()
	s.started.Store(true)
	s.metrics.ActiveCalls.Inc()
	s.log.Info("relay session started", "language", s.language, "pass_through", s.passThrough)
	return nil
}

// StartIfReady starts the session once both transports are attached. The
// two legs connect in either order; the second attachment triggers the
// start exactly once.
func (s *Session) StartIfReady(ctx context.Context) error {
	for _, l := range []*legState{s.caller, s.agent} {
		l.mu.Lock()
		attached := l.transport != nil
		l.mu.Unlock()
		if !attached {
			return nil
		}
	}
	var err error
	s.startOnce.Do(func() { err = s.Start(ctx) })
	return err
}

// handleMedia processes one inbound audio chunk on leg l: starts the
// utterance clock, forwards the chunk to l's translation connection, and
// passes it through to the other leg when no translation is in flight.
func (s *Session) handleMedia(l *legState, payload string) {
	now := s.now()
	s.metrics.MediaFrames.WithLabelValues(string(l.leg), "in").Inc()

	l.mu.Lock()
	if l.speech.SpeechStartedAt.IsZero() {
		l.speech.SpeechStartedAt = now
	}
	l.speech.LastSpeechAt = now

	warm := false
	if l.leg == LegAgent {
		if l.firstAudioAt.IsZero() {
			l.firstAudioAt = now
		}
		warm = now.Sub(l.firstAudioAt) < agentWarmup
	}
	active := l.translation.Active
	backend := l.backend
	l.mu.Unlock()

	if !warm {
		if backend == nil {
			s.log.Error("drop audio append: translation connection not open", "leg", l.leg)
			s.metrics.DroppedSends.WithLabelValues("translation").Inc()
		} else if err := backend.AppendAudio(payload); err != nil {
			s.log.Error("append audio to translation connection", "leg", l.leg, "error", err)
		}
	}

	// Pass-through mixing: forward the original chunk live unless this
	// leg's speech is currently being translated, in which case the other
	// leg would hear the utterance twice.
	if s.passThrough && !active {
		s.forwardAligned(s.other(l), payload, false)
	}
}

// handleBackendEvent drives leg l's translation lifecycle from one
// backend event.
func (s *Session) handleBackendEvent(l *legState, evt translator.Event) {
	s.metrics.TranslationEvents.WithLabelValues(string(l.leg), string(evt.Type)).Inc()
	switch evt.Type {
	case translator.EventResponseStarted:
		s.handleResponseStarted(l, evt.ResponseID)
	case translator.EventResponseFinished:
		s.handleResponseFinished(l)
	case translator.EventSpeechStarted:
		s.handleSpeechStarted(l)
	case translator.EventSpeechStopped:
		s.handleSpeechStopped(l, evt.EventID)
	case translator.EventAudioDelta:
		s.handleAudioDelta(l, evt.AudioBase64)
	}
}

func (s *Session) handleResponseStarted(l *legState, responseID string) {
	now := s.now()
	l.mu.Lock()
	l.translation = TranslationState{
		Active:               true,
		ActiveResponseID:     responseID,
		TranslationStartedAt: now,
	}
	if l.speech.SpeechStartedAt.IsZero() {
		// Out-of-order arrival: the response can precede the first media
		// chunk we attribute to the utterance.
		l.speech.SpeechStartedAt = now
	}
	l.mu.Unlock()
	s.log.Info("translation response started", "leg", l.leg, "response_id", responseID)
}

func (s *Session) handleResponseFinished(l *legState) {
	l.mu.Lock()
	if !l.translation.Active {
		// Second finish variant for the same response.
		l.mu.Unlock()
		return
	}
	responseID := l.translation.ActiveResponseID
	l.translation = TranslationState{}
	// Cycle-boundary reset: stale utterance timing must not leak into the
	// next translation cycle.
	l.speech = SpeechTimingState{}
	l.mu.Unlock()

	o := s.other(l)
	o.mu.Lock()
	o.pacing.finalize()
	o.mu.Unlock()

	s.log.Info("translation response finished", "leg", l.leg, "response_id", responseID)
}

func (s *Session) handleSpeechStarted(l *legState) {
	o := s.other(l)
	o.mu.Lock()
	active := o.translation.Active
	responseID := o.translation.ActiveResponseID
	startedAt := o.translation.TranslationStartedAt
	o.mu.Unlock()
	if !active {
		return
	}

	// Observational only: flags talk-over while the opposite leg's
	// translation is still playing out.
	s.log.Warn("speech started during opposite translation",
		"leg", l.leg,
		"in_flight_response_id", responseID,
		"in_flight_ms", s.now().Sub(startedAt).Milliseconds(),
	)
	l.mu.Lock()
	l.interruptions++
	l.mu.Unlock()
	s.metrics.Interruptions.WithLabelValues(string(l.leg)).Inc()
}

func (s *Session) handleSpeechStopped(l *legState, eventID string) {
	now := s.now()
	l.mu.Lock()
	l.samples = append(l.samples, LatencySample{CorrelationID: eventID, SpeechStoppedAt: now})
	backend := l.backend
	l.mu.Unlock()

	// Clear buffered input immediately so audio from this finished
	// utterance cannot leak into the next translation cycle. The
	// utterance clock stays untouched: the response-started event for
	// this cycle may not have arrived yet.
	if backend != nil {
		if err := backend.ClearInput(); err != nil {
			s.log.Error("clear input buffer after speech stop", "leg", l.leg, "error", err)
		} else {
			s.metrics.BufferClears.WithLabelValues(string(l.leg), "input").Inc()
		}
	}
}

func (s *Session) handleAudioDelta(l *legState, audioBase64 string) {
	now := s.now()

	l.mu.Lock()
	for i := len(l.samples) - 1; i >= 0; i-- {
		if l.samples[i].FirstTranslatedChunkAt.IsZero() {
			l.samples[i].FirstTranslatedChunkAt = now
			s.metrics.ObserveSpeechToAudio(now.Sub(l.samples[i].SpeechStoppedAt))
			break
		}
	}
	speechStartedAt := l.speech.SpeechStartedAt
	translationStartedAt := l.translation.TranslationStartedAt
	backend := l.backend
	l.mu.Unlock()

	s.trackDelay(l, backend, now, speechStartedAt, translationStartedAt)
	s.forwardAligned(s.other(l), audioBase64, true)
}

// trackDelay logs per-chunk translation delay and clears the input buffer
// when a cycle runs long enough to start accumulating latency. Long
// delays are expected for long utterances; the translation itself is
// never dropped or truncated.
func (s *Session) trackDelay(l *legState, backend BackendConn, now, speechStartedAt, translationStartedAt time.Time) {
	if speechStartedAt.IsZero() || translationStartedAt.IsZero() {
		s.log.Warn("missing timing state, skipping delay tracking",
			"leg", l.leg,
			"have_speech_started", !speechStartedAt.IsZero(),
			"have_translation_started", !translationStartedAt.IsZero(),
		)
		return
	}

	translationDelay := now.Sub(translationStartedAt)
	totalDelay := now.Sub(speechStartedAt)
	s.log.Info("translation delay",
		"leg", l.leg,
		"translation_delay_ms", translationDelay.Milliseconds(),
		"total_delay_ms", totalDelay.Milliseconds(),
	)
	s.metrics.ObserveTranslationDelay(translationDelay)

	if translationDelay > translationDelayLimit {
		s.log.Warn("translation delay over limit, clearing input buffer",
			"leg", l.leg,
			"translation_delay_ms", translationDelay.Milliseconds(),
		)
		if backend != nil {
			if err := backend.ClearInput(); err != nil {
				s.log.Error("clear input buffer after delay limit", "leg", l.leg, "error", err)
			} else {
				s.metrics.BufferClears.WithLabelValues(string(l.leg), "input").Inc()
			}
		}
	}
}

// forwardAligned sends one frame-aligned audio chunk to leg o's
// transport. Translated chunks run through output pacing and carry a
// playback mark; pass-through chunks do not.
func (s *Session) forwardAligned(o *legState, payload string, translated bool) {
	now := s.now()
	aligned, decodedLen := alignPayload(payload)
	if decodedLen == 0 {
		s.log.Error("undecodable audio payload, sending unaligned", "leg", o.leg)
	}

	o.mu.Lock()
	transport := o.transport
	clearPlayback := false
	if translated {
		if o.pacing.CurrentSegmentStart.IsZero() {
			// First chunk of a new segment: if playback of the previous
			// segment has already run out, the remote queue holds only
			// stale audio and is cleared so this segment starts cleanly.
			if !o.pacing.LastSegmentStart.IsZero() {
				lastEnd := o.pacing.LastSegmentStart.Add(time.Duration(o.pacing.LastSegmentDurationMs) * time.Millisecond)
				clearPlayback = now.After(lastEnd)
			}
			o.pacing.CurrentSegmentStart = now
		}
		o.pacing.CurrentSegmentDurationMs += audio.DurationMs(decodedLen)
	}
	o.mu.Unlock()

	if transport == nil {
		s.log.Error("drop outbound audio: transport not attached", "leg", o.leg)
		s.metrics.DroppedSends.WithLabelValues("media").Inc()
		return
	}

	if clearPlayback {
		if err := transport.RequestRemoteBufferClear(); err != nil {
			s.log.Error("request remote buffer clear", "leg", o.leg, "error", err)
		} else {
			s.metrics.BufferClears.WithLabelValues(string(o.leg), "playback").Inc()
		}
	}

	var err error
	if translated {
		_, err = transport.SendAudioWithMark(aligned)
	} else {
		err = transport.SendAudio(aligned)
	}
	if err != nil {
		// A single corrupt or failed chunk must never abort the relay.
		s.log.Error("send outbound audio", "leg", o.leg, "error", err)
		return
	}
	if transport.Closed() {
		// The transport drops sends silently once closed; a teardown race
		// must not count them as delivered frames.
		s.metrics.DroppedSends.WithLabelValues("media").Inc()
		return
	}
	s.metrics.MediaFrames.WithLabelValues(string(o.leg), "out").Inc()
}

func (s *Session) other(l *legState) *legState {
	if l == s.caller {
		return s.agent
	}
	return s.caller
}

// LegReport summarizes one leg's latency samples.
type LegReport struct {
	Samples       int
	Counted       int
	MeanLatency   time.Duration
	Interruptions int
}

// Report returns both legs' latency summaries.
type Report struct {
	Caller LegReport
	Agent  LegReport
}

func (s *Session) LatencyReport() Report {
	return Report{
		Caller: s.legReport(s.caller),
		Agent:  s.legReport(s.agent),
	}
}

func (s *Session) legReport(l *legState) LegReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	counted := 0
	for _, sample := range l.samples {
		if !sample.FirstTranslatedChunkAt.IsZero() {
			counted++
		}
	}
	return LegReport{
		Samples:       len(l.samples),
		Counted:       counted,
		MeanLatency:   meanLatency(l.samples),
		Interruptions: l.interruptions,
	}
}

// Close tears the session down: reports latency, persists the call
// record, closes both transports and both translation connections, and
// resets all per-leg state. In-flight work is not awaited.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		report := s.LatencyReport()
		s.log.Info("relay session closing",
			"caller_samples", report.Caller.Samples,
			"caller_mean_latency_ms", report.Caller.MeanLatency.Milliseconds(),
			"agent_samples", report.Agent.Samples,
			"agent_mean_latency_ms", report.Agent.MeanLatency.Milliseconds(),
		)

		if s.store != nil && s.started.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			rec := callrecord.Record{
				ID:                  uuid.NewString(),
				CallSid:             s.callSid,
				CallerLanguage:      s.language,
				StartedAt:           s.startedAt,
				EndedAt:             s.now(),
				CallerSamples:       report.Caller.Counted,
				AgentSamples:        report.Agent.Counted,
				CallerMeanLatencyMs: float64(report.Caller.MeanLatency.Milliseconds()),
				AgentMeanLatencyMs:  float64(report.Agent.MeanLatency.Milliseconds()),
				CallerInterruptions: report.Caller.Interruptions,
				AgentInterruptions:  report.Agent.Interruptions,
			}
			if err := s.store.SaveCall(ctx, rec); err != nil {
				s.log.Error("persist call record", "error", err)
			}
		}

		for _, l := range []*legState{s.caller, s.agent} {
			l.mu.Lock()
			transport := l.transport
			backend := l.backend
			l.mu.Unlock()
			if transport != nil {
				_ = transport.Close()
			}
			if backend != nil {
				_ = backend.Close()
			}
			l.reset()
		}

		if s.started.Load() {
			s.metrics.ActiveCalls.Dec()
		}
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// Snapshot accessors used by teardown checks and tests.

func (s *Session) TranslationStateFor(leg Leg) TranslationState {
	l := s.legFor(leg)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.translation
}

func (s *Session) SpeechTimingFor(leg Leg) SpeechTimingState {
	l := s.legFor(leg)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.speech
}

func (s *Session) PacingFor(leg Leg) OutputPacingState {
	l := s.legFor(leg)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pacing
}

func (s *Session) legFor(leg Leg) *legState {
	if leg == LegAgent {
		return s.agent
	}
	return s.caller
}
