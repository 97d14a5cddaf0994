package translator

import "testing"

func TestParseServerEvent(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		want   Event
		wantOK bool
	}{
		{
			name:   "response created",
			raw:    `{"type":"response.created","response":{"id":"resp_1"}}`,
			want:   Event{Type: EventResponseStarted, ResponseID: "resp_1"},
			wantOK: true,
		},
		{
			name:   "response done",
			raw:    `{"type":"response.done","response":{"id":"resp_1"}}`,
			want:   Event{Type: EventResponseFinished, ResponseID: "resp_1"},
			wantOK: true,
		},
		{
			name:   "response audio done variant",
			raw:    `{"type":"response.audio.done","response_id":"resp_1"}`,
			want:   Event{Type: EventResponseFinished, ResponseID: "resp_1"},
			wantOK: true,
		},
		{
			name:   "speech started",
			raw:    `{"type":"input_audio_buffer.speech_started","event_id":"evt_7"}`,
			want:   Event{Type: EventSpeechStarted, EventID: "evt_7"},
			wantOK: true,
		},
		{
			name:   "speech stopped",
			raw:    `{"type":"input_audio_buffer.speech_stopped","event_id":"evt_8"}`,
			want:   Event{Type: EventSpeechStopped, EventID: "evt_8"},
			wantOK: true,
		},
		{
			name:   "audio delta",
			raw:    `{"type":"response.audio.delta","response_id":"resp_1","delta":"AAAA"}`,
			want:   Event{Type: EventAudioDelta, ResponseID: "resp_1", AudioBase64: "AAAA"},
			wantOK: true,
		},
		{
			name:   "empty delta ignored",
			raw:    `{"type":"response.audio.delta","response_id":"resp_1"}`,
			wantOK: false,
		},
		{
			name:   "unrelated type ignored",
			raw:    `{"type":"session.updated"}`,
			wantOK: false,
		},
		{
			name:   "garbage ignored",
			raw:    `not json`,
			wantOK: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseServerEvent([]byte(tc.raw))
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if got != tc.want {
				t.Fatalf("event = %+v, want %+v", got, tc.want)
			}
		})
	}
}
