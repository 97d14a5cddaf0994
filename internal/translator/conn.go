package translator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ostrand/callweave/internal/reliability"
)

const (
	heartbeatInterval = 30 * time.Second

	dialAttempts    = 3
	dialBackoffBase = 250 * time.Millisecond
	dialBackoffCap  = 2 * time.Second
)

// Config carries everything needed to open one per-leg backend connection.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	Instructions string
	VADThreshold float64
	VADSilenceMs int
	Temperature  float64
}

// Handler receives consumed backend events. It is invoked from the read
// loop, one event at a time.
type Handler func(Event)

// Conn is one speech-translation backend connection. Audio goes in via
// AppendAudio; consumed events come back through the handler.
type Conn struct {
	ws  *websocket.Conn
	log *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	handler Handler

	open      atomic.Bool
	closeOnce sync.Once
	stopPing  chan struct{}
}

// Dial connects to the translation backend and configures the session for
// this leg: G.711 µ-law in and out, server-side voice activity detection,
// deterministic-leaning decoding temperature.
func Dial(ctx context.Context, cfg Config, log *slog.Logger) (*Conn, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	q := u.Query()
	q.Set("model", cfg.Model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	var ws *websocket.Conn
	for attempt := 0; ; attempt++ {
		var resp *http.Response
		ws, resp, err = websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
		if err == nil {
			break
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		if attempt+1 >= dialAttempts || !reliability.ShouldRetryHandshake(status) {
			return nil, fmt.Errorf("dial translation backend: %w", err)
		}
		backoff := reliability.ExponentialBackoff(attempt, dialBackoffBase, dialBackoffCap)
		log.Warn("translation backend dial failed, retrying",
			"attempt", attempt+1,
			"status", status,
			"backoff_ms", backoff.Milliseconds(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	c := &Conn{
		ws:       ws,
		log:      log,
		stopPing: make(chan struct{}),
	}
	c.open.Store(true)

	update := sessionUpdate{
		Type: "session.update",
		Session: sessionOptions{
			Modalities:        []string{"text", "audio"},
			Instructions:      cfg.Instructions,
			InputAudioFormat:  "g711_ulaw",
			OutputAudioFormat: "g711_ulaw",
			TurnDetection: turnDetection{
				Type:              "server_vad",
				Threshold:         cfg.VADThreshold,
				SilenceDurationMs: cfg.VADSilenceMs,
			},
			Temperature: cfg.Temperature,
		},
	}
	if err := c.writeJSON(update); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("configure session: %w", err)
	}

	go c.readLoop()
	go c.heartbeat()
	return c, nil
}

// SetHandler installs the event handler. Events arriving before a handler
// is set are dropped.
func (c *Conn) SetHandler(fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// AppendAudio feeds one base64 audio chunk into the backend's input
// buffer. A send on a closed connection is dropped with a logged error.
func (c *Conn) AppendAudio(audioBase64 string) error {
	if !c.open.Load() {
		c.log.Error("drop audio append: translation connection not open")
		return nil
	}
	return c.writeJSON(inputAudioAppend{Type: "input_audio_buffer.append", Audio: audioBase64})
}

// ClearInput discards audio the backend has buffered but not yet consumed
// into a response.
func (c *Conn) ClearInput() error {
	if !c.open.Load() {
		c.log.Error("drop input buffer clear: translation connection not open")
		return nil
	}
	return c.writeJSON(inputAudioClear{Type: "input_audio_buffer.clear"})
}

// Close stops the heartbeat and closes the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.stopPing)
		err = c.ws.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	return !c.open.Load()
}

func (c *Conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *Conn) readLoop() {
	defer func() { _ = c.Close() }()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if c.open.Load() {
				c.log.Info("translation connection closed", "error", err)
			}
			return
		}
		evt, ok := parseServerEvent(raw)
		if !ok {
			continue
		}
		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(evt)
		}
	}
}

func (c *Conn) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !c.open.Load() {
				return
			}
			deadline := time.Now().Add(10 * time.Second)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Error("backend heartbeat ping failed", "error", err)
			}
		case <-c.stopPing:
			return
		}
	}
}
