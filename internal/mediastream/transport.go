package mediastream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	heartbeatInterval = 30 * time.Second
	rawPreviewLimit   = 500
)

// Conn is the subset of *websocket.Conn the transport needs. Tests
// substitute an in-memory implementation.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Event is delivered to registered listeners for each parsed frame.
type Event struct {
	Kind      EventKind
	StreamSid string
	CallSid   string
	Start     *StartInfo
	Media     *MediaPayload
	Mark      string
}

// Listener receives parsed frames. Listeners for a kind run in
// registration order; a listener must not block.
type Listener func(Event)

// Transport is the frame-level protocol adapter for one media-stream
// connection. It knows nothing about translation.
type Transport struct {
	conn Conn
	log  *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	listeners map[EventKind][]Listener
	streamSid string
	callSid   string

	closed    atomic.Bool
	closeOnce sync.Once
	stopPing  chan struct{}
	markSeq   atomic.Uint64
}

// NewTransport wraps an established connection and starts the keep-alive
// heartbeat. Call Run to consume inbound frames.
func NewTransport(conn Conn, log *slog.Logger) *Transport {
	t := &Transport{
		conn:      conn,
		log:       log,
		listeners: make(map[EventKind][]Listener),
		stopPing:  make(chan struct{}),
	}
	go t.heartbeat()
	return t
}

// OnEvent registers a listener for one event kind. Multiple listeners per
// kind are permitted.
func (t *Transport) OnEvent(kind EventKind, fn Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners[kind] = append(t.listeners[kind], fn)
}

// StreamSid returns the stream identifier captured from the start frame.
func (t *Transport) StreamSid() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamSid
}

// Run reads and dispatches inbound frames until the connection closes.
// A frame that fails to parse is logged with a truncated raw preview and
// dropped; the stream continues.
func (t *Transport) Run() {
	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			if !t.closed.Load() {
				t.log.Info("media stream closed", "error", err)
			}
			return
		}
		t.dispatchRaw(raw)
	}
}

func (t *Transport) dispatchRaw(raw []byte) {
	frame, err := ParseFrame(raw)
	if err != nil {
		t.log.Error("drop unparseable media frame", "error", err, "raw", preview(raw))
		return
	}

	switch msg := frame.(type) {
	case ConnectedFrame:
		t.emit(Event{Kind: EventConnected})
	case StartFrame:
		t.mu.Lock()
		t.streamSid = msg.StreamSid
		t.callSid = msg.Start.CallSid
		t.mu.Unlock()
		start := msg.Start
		t.emit(Event{Kind: EventStarted, StreamSid: msg.StreamSid, CallSid: start.CallSid, Start: &start})
	case MediaFrame:
		media := msg.Media
		t.emit(Event{Kind: EventMedia, StreamSid: msg.StreamSid, Media: &media})
	case MarkFrame:
		t.emit(Event{Kind: EventMarked, StreamSid: msg.StreamSid, Mark: msg.Mark.Name})
	case StopFrame:
		// Drop every registered listener before notifying stop so that
		// nothing dispatches into a torn-down session afterwards.
		t.mu.Lock()
		stopListeners := t.listeners[EventStopped]
		t.listeners = make(map[EventKind][]Listener)
		callSid := t.callSid
		if callSid == "" {
			callSid = msg.Stop.CallSid
		}
		streamSid := t.streamSid
		t.mu.Unlock()
		evt := Event{Kind: EventStopped, StreamSid: streamSid, CallSid: callSid}
		for _, fn := range stopListeners {
			fn(evt)
		}
	}
}

func (t *Transport) emit(evt Event) {
	t.mu.Lock()
	fns := make([]Listener, len(t.listeners[evt.Kind]))
	copy(fns, t.listeners[evt.Kind])
	t.mu.Unlock()
	for _, fn := range fns {
		fn(evt)
	}
}

// SendAudio concatenates the decoded payloads and transmits them as a
// single outbound media frame.
func (t *Transport) SendAudio(payloads ...string) error {
	return t.sendAudio(payloads, "")
}

// SendAudioWithMark behaves like SendAudio and additionally transmits a
// mark frame carrying a monotonically numbered name.
func (t *Transport) SendAudioWithMark(payloads ...string) (string, error) {
	name := fmt.Sprintf("seg-%d", t.markSeq.Add(1))
	return name, t.sendAudio(payloads, name)
}

func (t *Transport) sendAudio(payloads []string, markName string) error {
	if t.closed.Load() {
		t.log.Error("drop outbound audio: transport closed")
		return nil
	}

	frame := MediaFrame{
		Event:     string(EventMedia),
		StreamSid: t.StreamSid(),
		Media:     MediaPayload{Payload: combinePayloads(payloads, t.log)},
	}
	if err := t.writeJSON(frame); err != nil {
		return fmt.Errorf("send media frame: %w", err)
	}

	if markName != "" {
		mark := MarkFrame{
			Event:     string(EventMarked),
			StreamSid: t.StreamSid(),
			Mark:      MarkInfo{Name: markName},
		}
		if err := t.writeJSON(mark); err != nil {
			return fmt.Errorf("send mark frame: %w", err)
		}
	}
	return nil
}

// combinePayloads decodes each base64 payload, concatenates the bytes and
// re-encodes once. A payload that fails to decode is passed through
// unmodified when it is the only one, otherwise skipped.
func combinePayloads(payloads []string, log *slog.Logger) string {
	if len(payloads) == 1 {
		if _, err := base64.StdEncoding.DecodeString(payloads[0]); err != nil {
			log.Error("send undecodable payload as-is", "error", err)
			return payloads[0]
		}
		return payloads[0]
	}

	var combined []byte
	for _, p := range payloads {
		raw, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			log.Error("skip undecodable payload in batch", "error", err)
			continue
		}
		combined = append(combined, raw...)
	}
	return base64.StdEncoding.EncodeToString(combined)
}

// RequestRemoteBufferClear instructs the remote playback endpoint to
// discard audio it has queued but not yet played.
func (t *Transport) RequestRemoteBufferClear() error {
	if t.closed.Load() {
		t.log.Error("drop buffer clear: transport closed")
		return nil
	}
	return t.writeJSON(ClearFrame{Event: "clear", StreamSid: t.StreamSid()})
}

// Close stops the heartbeat and closes the underlying connection.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.stopPing)
		err = t.conn.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (t *Transport) Closed() bool {
	return t.closed.Load()
}

func (t *Transport) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Transport) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if t.closed.Load() {
				return
			}
			deadline := time.Now().Add(10 * time.Second)
			if err := t.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.log.Error("heartbeat ping failed", "error", err)
			}
		case <-t.stopPing:
			return
		}
	}
}

func preview(raw []byte) string {
	if len(raw) > rawPreviewLimit {
		raw = raw[:rawPreviewLimit]
	}
	return string(raw)
}
