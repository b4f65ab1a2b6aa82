package liverelay

import (
	"fmt"
	"slices"
)

// Activity handling policies understood by the Live API.
const (
	ActivityHandlingInterrupts   = "START_OF_ACTIVITY_INTERRUPTS"
	ActivityHandlingNoInterrupts = "NO_INTERRUPTION"
)

// Speech sensitivity levels for automatic activity detection.
const (
	StartSensitivityHigh = "START_SENSITIVITY_HIGH"
	StartSensitivityLow  = "START_SENSITIVITY_LOW"
	EndSensitivityHigh   = "END_SENSITIVITY_HIGH"
	EndSensitivityLow    = "END_SENSITIVITY_LOW"
)

// Setup is the fixed per-session configuration sent upstream when a session
// opens. It cannot be changed once the session is established.
type Setup struct {
	// Voice selects a prebuilt voice (e.g. "Puck", "Kore"). Empty uses the model default.
	Voice string `yaml:"voice"`

	// Instructions is the system persona text.
	Instructions string `yaml:"instructions"`

	// LanguageCode is an optional BCP-47 language for speech output.
	LanguageCode string `yaml:"language_code"`

	// RealtimeInput configures voice activity detection and barge-in.
	RealtimeInput RealtimeInputConfig `yaml:"realtime_input"`
}

// RealtimeInputConfig configures how the model treats streamed microphone input.
type RealtimeInputConfig struct {
	AutomaticActivityDetection AutomaticActivityDetection `yaml:"activity_detection"`

	// ActivityHandling decides whether user speech interrupts generation.
	// Default: ActivityHandlingInterrupts
	ActivityHandling string `yaml:"activity_handling"`
}

// AutomaticActivityDetection configures the server-side voice activity detector.
type AutomaticActivityDetection struct {
	Disabled                 bool   `yaml:"disabled"`
	StartOfSpeechSensitivity string `yaml:"start_sensitivity"` // Empty leaves the model default
	EndOfSpeechSensitivity   string `yaml:"end_sensitivity"`   // Empty leaves the model default
	PrefixPaddingMs          int    `yaml:"prefix_padding_ms"` // Audio kept before detected speech
	SilenceDurationMs        int    `yaml:"silence_duration_ms"`
}

// DefaultSetup returns the setup used by the relay: audio responses, and new
// user activity interrupts the current generation.
func DefaultSetup() Setup {
	return Setup{
		Voice: "Puck",
		Instructions: "You are Rev, the voice assistant for Revolt Motors. Only talk about " +
			"Revolt Motors, its electric motorcycles, bookings, pricing and service. " +
			"Keep answers short and conversational, and stop speaking as soon as the user interrupts.",
		RealtimeInput: RealtimeInputConfig{
			AutomaticActivityDetection: AutomaticActivityDetection{
				PrefixPaddingMs:   20,
				SilenceDurationMs: 500,
			},
			ActivityHandling: ActivityHandlingInterrupts,
		},
	}
}

// ValidateSetup performs validation on session setup.
func ValidateSetup(s Setup) error {
	aad := s.RealtimeInput.AutomaticActivityDetection
	if aad.StartOfSpeechSensitivity != "" &&
		!slices.Contains([]string{StartSensitivityHigh, StartSensitivityLow}, aad.StartOfSpeechSensitivity) {
		return NewConfigError("StartOfSpeechSensitivity", aad.StartOfSpeechSensitivity,
			fmt.Sprintf("must be %s or %s", StartSensitivityHigh, StartSensitivityLow))
	}
	if aad.EndOfSpeechSensitivity != "" &&
		!slices.Contains([]string{EndSensitivityHigh, EndSensitivityLow}, aad.EndOfSpeechSensitivity) {
		return NewConfigError("EndOfSpeechSensitivity", aad.EndOfSpeechSensitivity,
			fmt.Sprintf("must be %s or %s", EndSensitivityHigh, EndSensitivityLow))
	}
	if aad.PrefixPaddingMs < 0 {
		return NewConfigError("PrefixPaddingMs", fmt.Sprint(aad.PrefixPaddingMs), "must be non-negative")
	}
	if aad.SilenceDurationMs < 0 {
		return NewConfigError("SilenceDurationMs", fmt.Sprint(aad.SilenceDurationMs), "must be non-negative")
	}

	switch s.RealtimeInput.ActivityHandling {
	case "", ActivityHandlingInterrupts, ActivityHandlingNoInterrupts:
	default:
		return NewConfigError("ActivityHandling", s.RealtimeInput.ActivityHandling, "unknown activity handling policy")
	}

	if len(s.Instructions) > 32000 {
		return NewConfigError("Instructions", "", fmt.Sprintf("too long (%d characters), maximum is 32000", len(s.Instructions)))
	}
	return nil
}

// wire converts the setup into the BidiGenerateContent setup payload.
func (s Setup) wire(model string) setupMessage {
	msg := setupMessage{
		Model: model,
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
	}
	if s.Voice != "" || s.LanguageCode != "" {
		sc := &speechConfig{LanguageCode: s.LanguageCode}
		if s.Voice != "" {
			sc.VoiceConfig = &voiceConfig{PrebuiltVoiceConfig: &prebuiltVoiceConfig{VoiceName: s.Voice}}
		}
		msg.GenerationConfig.SpeechConfig = sc
	}
	if s.Instructions != "" {
		msg.SystemInstruction = &content{Parts: []part{{Text: s.Instructions}}}
	}

	aad := s.RealtimeInput.AutomaticActivityDetection
	handling := s.RealtimeInput.ActivityHandling
	if handling == "" {
		handling = ActivityHandlingInterrupts
	}
	msg.RealtimeInputConfig = &realtimeInputConfig{
		AutomaticActivityDetection: &automaticActivityDetection{
			Disabled:                 aad.Disabled,
			StartOfSpeechSensitivity: aad.StartOfSpeechSensitivity,
			EndOfSpeechSensitivity:   aad.EndOfSpeechSensitivity,
			PrefixPaddingMs:          aad.PrefixPaddingMs,
			SilenceDurationMs:        aad.SilenceDurationMs,
		},
		ActivityHandling: handling,
	}
	return msg
}
