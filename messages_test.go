package liverelay

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestMessageFor(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	tests := []struct {
		name   string
		notice Notice
		want   Message
	}{
		{"status", Notice{Kind: NoticeStatus, Message: "Session opened"}, Message{Type: MessageStatus, Message: "Session opened"}},
		{"error", Notice{Kind: NoticeError, Message: "boom"}, Message{Type: MessageError, Message: "boom"}},
		{"generation start", Notice{Kind: NoticeGenerationStart, TurnID: "3"}, Message{Type: MessageGenerationStart, TurnID: "3"}},
		{"audio", Notice{Kind: NoticeAudio, TurnID: "3", Audio: []byte{1, 2, 3}}, Message{Type: MessageAudio, TurnID: "3", Data: "AQID"}},
		{"interrupt", Notice{Kind: NoticeInterrupt, TurnID: "3", At: at}, Message{Type: MessageInterrupt, TurnID: "3", Timestamp: 1700000000123}},
		{"turn complete", Notice{Kind: NoticeTurnComplete, TurnID: "3"}, Message{Type: MessageTurnComplete, TurnID: "3"}},
		{"closed", Notice{Kind: NoticeClosed, Message: "upstream closed"}, Message{Type: MessageStatus, Message: "Session closed: upstream closed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MessageFor(tt.notice); got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestMessageJSON(t *testing.T) {
	data, err := json.Marshal(Message{Type: MessageInterrupt, TurnID: "7", Timestamp: 42})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"interrupt","turnId":"7","timestamp":42}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}

	data, _ = json.Marshal(StatusMessage("Recording..."))
	if string(data) != `{"type":"status","message":"Recording..."}` {
		t.Errorf("unexpected status encoding %s", data)
	}
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		want    MessageType
	}{
		{"status", `{"type":"status","message":"hi"}`, false, MessageStatus},
		{"error", `{"type":"error","message":"bad"}`, false, MessageError},
		{"generation start", `{"type":"generation_start","turnId":"1"}`, false, MessageGenerationStart},
		{"generation start without turn", `{"type":"generation_start"}`, true, MessageGenerationStart},
		{"audio", `{"type":"audio","turnId":"1","data":"AAA="}`, false, MessageAudio},
		{"audio without data", `{"type":"audio","turnId":"1"}`, true, MessageAudio},
		{"interrupt without turn", `{"type":"interrupt"}`, false, MessageInterrupt},
		{"turn complete without turn", `{"type":"turn_complete"}`, true, MessageTurnComplete},
		{"unknown type", `{"type":"transcript"}`, true, "transcript"},
		{"not json", `hello`, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseMessage([]byte(tt.raw))
			if tt.wantErr != (err != nil) {
				t.Fatalf("wantErr=%v, got %v", tt.wantErr, err)
			}
			if m.Type != tt.want {
				t.Errorf("expected type %q, got %q", tt.want, m.Type)
			}
		})
	}

	_, err := ParseMessage([]byte(`{"type":"video"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("expected ErrUnsupportedType, got %v", err)
	}
}
