package mediastream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventKind identifies media-stream frame variants.
type EventKind string

const (
	EventConnected EventKind = "connected"
	EventStarted   EventKind = "start"
	EventMedia     EventKind = "media"
	EventStopped   EventKind = "stop"
	EventMarked    EventKind = "mark"
)

var ErrUnsupportedEvent = errors.New("unsupported stream event")

type Envelope struct {
	Event string `json:"event"`
}

// ConnectedFrame is the first frame the media endpoint sends after the
// websocket is established.
type ConnectedFrame struct {
	Event    string `json:"event"`
	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`
}

// StartFrame announces the stream and carries caller-supplied parameters.
type StartFrame struct {
	Event     string    `json:"event"`
	StreamSid string    `json:"streamSid"`
	Start     StartInfo `json:"start"`
}

type StartInfo struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFrame carries one base64 audio payload.
type MediaFrame struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     MediaPayload `json:"media"`
}

// MediaPayload is the media body. Outbound frames set only Payload; the
// remote playback endpoint rejects frames that carry a timestamp.
type MediaPayload struct {
	Track     string      `json:"track,omitempty"`
	Chunk     string      `json:"chunk,omitempty"`
	Timestamp json.Number `json:"timestamp,omitempty"`
	Payload   string      `json:"payload"`
}

// StopFrame ends the stream.
type StopFrame struct {
	Event     string   `json:"event"`
	StreamSid string   `json:"streamSid"`
	Stop      StopInfo `json:"stop"`
}

type StopInfo struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// MarkFrame acknowledges a previously sent mark, or labels outbound audio.
type MarkFrame struct {
	Event     string   `json:"event"`
	StreamSid string   `json:"streamSid"`
	Mark      MarkInfo `json:"mark"`
}

type MarkInfo struct {
	Name string `json:"name"`
}

// ClearFrame instructs the remote playback endpoint to discard queued
// but unplayed audio.
type ClearFrame struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// ParseFrame decodes one inbound frame into its typed form. Text and
// binary websocket payloads carry the same JSON schema.
func ParseFrame(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch EventKind(env.Event) {
	case EventConnected:
		var msg ConnectedFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventStarted:
		var msg StartFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.StreamSid == "" {
			msg.StreamSid = msg.Start.StreamSid
		}
		if msg.StreamSid == "" {
			return nil, errors.New("start frame missing streamSid")
		}
		return msg, nil
	case EventMedia:
		var msg MediaFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Media.Payload == "" {
			return nil, errors.New("media frame missing payload")
		}
		return msg, nil
	case EventStopped:
		var msg StopFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventMarked:
		var msg MarkFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, env.Event)
	}
}
