package liverelay

import "encoding/json"

// EventType tags an upstream session event.
type EventType int

const (
	// EventOpened is emitted once, before any other event, when the session is ready.
	EventOpened EventType = iota
	// EventAudioChunk carries one PCM chunk of model speech.
	EventAudioChunk
	// EventGenerationComplete means the model has finished producing output for
	// the current generation. More audio may still follow.
	EventGenerationComplete
	// EventTurnComplete ends the current model turn.
	EventTurnComplete
	// EventInterrupted means user activity preempted the current generation.
	EventInterrupted
	// EventError reports a problem. Err is a *ProtocolError for malformed input.
	EventError
	// EventClosed is always the last event.
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "opened"
	case EventAudioChunk:
		return "audio_chunk"
	case EventGenerationComplete:
		return "generation_complete"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one item of the upstream event stream.
//
// Epoch identifies the generation episode an event belongs to. Audio chunks
// carry the epoch current at receipt; EventInterrupted and EventTurnComplete
// carry the epoch they end, after which the adapter advances to the next one.
// Chunks whose epoch has been ended must never be treated as current.
type Event struct {
	Type     EventType
	Epoch    uint64
	Audio    []byte // PCM16 LE mono at OutputSampleRate, for EventAudioChunk
	MimeType string // As reported upstream, for EventAudioChunk
	Err      error  // For EventError and, when abnormal, EventClosed
	Reason   string // Close reason, for EventClosed
}

// Message returns a human readable description of an error or close event.
func (e Event) Message() string {
	switch {
	case e.Err != nil:
		return e.Err.Error()
	case e.Reason != "":
		return e.Reason
	default:
		return e.Type.String()
	}
}

// BidiGenerateContent wire types. Only the fields the relay uses are modelled.

type clientMessage struct {
	Setup         *setupMessage  `json:"setup,omitempty"`
	RealtimeInput *realtimeInput `json:"realtimeInput,omitempty"`
}

type setupMessage struct {
	Model               string               `json:"model"`
	GenerationConfig    *generationConfig    `json:"generationConfig,omitempty"`
	SystemInstruction   *content             `json:"systemInstruction,omitempty"`
	RealtimeInputConfig *realtimeInputConfig `json:"realtimeInputConfig,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig  *voiceConfig `json:"voiceConfig,omitempty"`
	LanguageCode string       `json:"languageCode,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig *prebuiltVoiceConfig `json:"prebuiltVoiceConfig,omitempty"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection *automaticActivityDetection `json:"automaticActivityDetection,omitempty"`
	ActivityHandling           string                      `json:"activityHandling,omitempty"`
}

type automaticActivityDetection struct {
	Disabled                 bool   `json:"disabled,omitempty"`
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity,omitempty"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity,omitempty"`
	PrefixPaddingMs          int    `json:"prefixPaddingMs,omitempty"`
	SilenceDurationMs        int    `json:"silenceDurationMs,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type realtimeInput struct {
	Audio *inlineData `json:"audio,omitempty"`
}

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *serverError     `json:"error,omitempty"`
}

type serverContent struct {
	ModelTurn          *content `json:"modelTurn,omitempty"`
	GenerationComplete bool     `json:"generationComplete,omitempty"`
	TurnComplete       bool     `json:"turnComplete,omitempty"`
	Interrupted        bool     `json:"interrupted,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}
