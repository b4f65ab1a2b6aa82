package liverelay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType discriminates messages sent to relay clients.
type MessageType string

const (
	MessageStatus          MessageType = "status"
	MessageError           MessageType = "error"
	MessageGenerationStart MessageType = "generation_start"
	MessageAudio           MessageType = "audio"
	MessageInterrupt       MessageType = "interrupt"
	MessageTurnComplete    MessageType = "turn_complete"
)

// ErrUnsupportedType is returned for a message whose type is unknown.
var ErrUnsupportedType = errors.New("liverelay: unsupported message type")

// Message is one JSON text message from the relay to a client.
type Message struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message,omitempty"`   // status, error
	TurnID    string      `json:"turnId,omitempty"`    // generation_start, audio, interrupt, turn_complete
	Data      string      `json:"data,omitempty"`      // audio: base64 PCM16 LE at 24kHz
	Timestamp int64       `json:"timestamp,omitempty"` // interrupt: unix milliseconds
}

// Frame is one message received from a client.
type Frame struct {
	// Binary frames carry PCM16 LE mono microphone audio.
	Binary bool
	Data   []byte
}

// StatusMessage builds a status message.
func StatusMessage(text string) Message { return Message{Type: MessageStatus, Message: text} }

// ErrorMessage builds an error message.
func ErrorMessage(text string) Message { return Message{Type: MessageError, Message: text} }

// MessageFor converts a tracker notice into the client message it implies.
// Closed notices become a status message carrying the close reason.
func MessageFor(n Notice) Message {
	switch n.Kind {
	case NoticeStatus:
		return StatusMessage(n.Message)
	case NoticeError:
		return ErrorMessage(n.Message)
	case NoticeGenerationStart:
		return Message{Type: MessageGenerationStart, TurnID: n.TurnID}
	case NoticeAudio:
		return Message{Type: MessageAudio, TurnID: n.TurnID, Data: base64.StdEncoding.EncodeToString(n.Audio)}
	case NoticeInterrupt:
		return Message{Type: MessageInterrupt, TurnID: n.TurnID, Timestamp: n.At.UnixMilli()}
	case NoticeTurnComplete:
		return Message{Type: MessageTurnComplete, TurnID: n.TurnID}
	case NoticeClosed:
		return StatusMessage("Session closed: " + n.Message)
	default:
		return ErrorMessage(fmt.Sprintf("unknown notice %d", n.Kind))
	}
}

// ParseMessage decodes and validates a relay message.
func ParseMessage(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("invalid envelope: %w", err)
	}
	return m, m.Validate()
}

// Validate checks that m carries the fields its type requires.
func (m Message) Validate() error {
	switch m.Type {
	case MessageStatus, MessageError:
		return nil
	case MessageGenerationStart, MessageTurnComplete:
		if m.TurnID == "" {
			return fmt.Errorf("invalid %s: missing turnId", m.Type)
		}
		return nil
	case MessageAudio:
		if m.Data == "" {
			return errors.New("invalid audio: missing data")
		}
		return nil
	case MessageInterrupt:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedType, m.Type)
	}
}
