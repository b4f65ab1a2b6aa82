package liverelay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func TestEventType_String(t *testing.T) {
	tests := map[EventType]string{
		EventOpened:             "opened",
		EventAudioChunk:         "audio_chunk",
		EventGenerationComplete: "generation_complete",
		EventTurnComplete:       "turn_complete",
		EventInterrupted:        "interrupted",
		EventError:              "error",
		EventClosed:             "closed",
		EventType(42):           "unknown",
	}
	for typ, want := range tests {
		if got := typ.String(); got != want {
			t.Errorf("EventType(%d).String() = %q, want %q", typ, got, want)
		}
	}
}

func TestEvent_Message(t *testing.T) {
	if got := (Event{Type: EventError, Err: errors.New("bad frame")}).Message(); got != "bad frame" {
		t.Errorf("expected error text, got %q", got)
	}
	if got := (Event{Type: EventClosed, Reason: "session ended"}).Message(); got != "session ended" {
		t.Errorf("expected reason, got %q", got)
	}
	if got := (Event{Type: EventClosed}).Message(); got != "closed" {
		t.Errorf("expected type name, got %q", got)
	}
}

func TestServerMessage_Decode(t *testing.T) {
	pcm := base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0})
	raw := `{
		"serverContent": {
			"modelTurn": {"parts": [{"inlineData": {"mimeType": "audio/pcm;rate=24000", "data": "` + pcm + `"}}]},
			"generationComplete": true
		},
		"usageMetadata": {"totalTokenCount": 12}
	}`

	var msg serverMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	sc := msg.ServerContent
	if sc == nil || sc.ModelTurn == nil || len(sc.ModelTurn.Parts) != 1 {
		t.Fatalf("unexpected decode: %+v", msg)
	}
	if sc.ModelTurn.Parts[0].InlineData.Data != pcm {
		t.Error("audio payload should stay base64 until handled")
	}
	if !sc.GenerationComplete || sc.TurnComplete || sc.Interrupted {
		t.Errorf("unexpected flags: %+v", sc)
	}
}

func TestServerMessage_SetupCompleteAndGoAway(t *testing.T) {
	var msg serverMessage
	if err := json.Unmarshal([]byte(`{"setupComplete":{}}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.SetupComplete == nil {
		t.Error("empty setupComplete object should be detected")
	}

	msg = serverMessage{}
	if err := json.Unmarshal([]byte(`{"goAway":{"timeLeft":"5s"}}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.GoAway == nil || msg.GoAway.TimeLeft != "5s" {
		t.Errorf("unexpected goAway: %+v", msg.GoAway)
	}
}

func TestServerError_Error(t *testing.T) {
	withStatus := &serverError{Code: 400, Status: "INVALID_ARGUMENT", Message: "bad model"}
	if got := withStatus.Error(); got != "upstream error 400 INVALID_ARGUMENT: bad model" {
		t.Errorf("unexpected %q", got)
	}
	plain := &serverError{Code: 500, Message: "oops"}
	if got := plain.Error(); got != "upstream error 500: oops" {
		t.Errorf("unexpected %q", got)
	}
}
