package translator

import "encoding/json"

// EventType identifies the backend events the relay consumes. Any other
// inbound message type is ignored.
type EventType string

const (
	EventResponseStarted  EventType = "response_started"
	EventResponseFinished EventType = "response_finished"
	EventSpeechStarted    EventType = "speech_started"
	EventSpeechStopped    EventType = "speech_stopped"
	EventAudioDelta       EventType = "audio_delta"
)

// Event is one consumed backend message in typed form.
type Event struct {
	Type        EventType
	ResponseID  string
	EventID     string
	AudioBase64 string
}

type sessionUpdate struct {
	Type    string         `json:"type"`
	Session sessionOptions `json:"session"`
}

type sessionOptions struct {
	Modalities        []string      `json:"modalities"`
	Instructions      string        `json:"instructions"`
	InputAudioFormat  string        `json:"input_audio_format"`
	OutputAudioFormat string        `json:"output_audio_format"`
	TurnDetection     turnDetection `json:"turn_detection"`
	Temperature       float64       `json:"temperature"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type inputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type inputAudioClear struct {
	Type string `json:"type"`
}

type serverMessage struct {
	Type     string `json:"type"`
	EventID  string `json:"event_id"`
	Delta    string `json:"delta"`
	Response struct {
		ID string `json:"id"`
	} `json:"response"`
	ResponseID string `json:"response_id"`
}

// parseServerEvent maps a raw backend message onto one of the consumed
// event types. The second return is false for ignored message types and
// undecodable payloads.
func parseServerEvent(raw []byte) (Event, bool) {
	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, false
	}

	switch msg.Type {
	case "response.created":
		return Event{Type: EventResponseStarted, ResponseID: msg.Response.ID}, true
	case "response.done", "response.audio.done":
		id := msg.Response.ID
		if id == "" {
			id = msg.ResponseID
		}
		return Event{Type: EventResponseFinished, ResponseID: id}, true
	case "input_audio_buffer.speech_started":
		return Event{Type: EventSpeechStarted, EventID: msg.EventID}, true
	case "input_audio_buffer.speech_stopped":
		return Event{Type: EventSpeechStopped, EventID: msg.EventID}, true
	case "response.audio.delta":
		if msg.Delta == "" {
			return Event{}, false
		}
		return Event{Type: EventAudioDelta, ResponseID: msg.ResponseID, AudioBase64: msg.Delta}, true
	default:
		return Event{}, false
	}
}
