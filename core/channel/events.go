package channel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
)

type Type string

const (
	TypeControl                Type = "control"
	TypeFullText               Type = "full-text"
	TypeUserInputTranscription Type = "user-input-transcription"
	TypeAudio                  Type = "audio"
	TypeToolCallStatus         Type = "tool_call_status"
	TypeError                  Type = "error"
	TypeBackendSynthComplete   Type = "backend-synth-complete"
	TypeForceNewMessage        Type = "force-new-message"
	TypeCommand                Type = "command"
	TypeHistoryCreated         Type = "history-created"
)

const (
	ControlConversationChainStart = "conversation-chain-start"
	ControlConversationChainEnd   = "conversation-chain-end"
	ControlInterrupted            = "interrupted"
)

type Control struct {
	Type Type   `json:"type"`
	Text string `json:"text"`
}

func (Control) EventType() Type { return TypeControl }

func NewControl(text string) Control { return Control{Type: TypeControl, Text: text} }

type FullText struct {
	Type Type   `json:"type"`
	Text string `json:"text"`
}

func (FullText) EventType() Type { return TypeFullText }

func NewFullText(text string) FullText { return FullText{Type: TypeFullText, Text: text} }

type UserInputTranscription struct {
	Type Type   `json:"type"`
	Text string `json:"text"`
}

func (UserInputTranscription) EventType() Type { return TypeUserInputTranscription }

func NewUserInputTranscription(text string) UserInputTranscription {
	return UserInputTranscription{Type: TypeUserInputTranscription, Text: text}
}

type Error struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

func (Error) EventType() Type { return TypeError }

func NewError(message string) Error { return Error{Type: TypeError, Message: message} }

// Signal is an event that carries nothing but its type.
type Signal struct {
	Type Type `json:"type"`
}

func (s Signal) EventType() Type { return s.Type }

func NewBackendSynthComplete() Signal { return Signal{Type: TypeBackendSynthComplete} }
func NewForceNewMessage() Signal      { return Signal{Type: TypeForceNewMessage} }

type HistoryCreated struct {
	Type       Type   `json:"type"`
	HistoryUID string `json:"history_uid"`
}

func (HistoryCreated) EventType() Type { return TypeHistoryCreated }

func NewHistoryCreated(historyUID string) HistoryCreated {
	return HistoryCreated{Type: TypeHistoryCreated, HistoryUID: historyUID}
}

// Command carries a structured action. Data holds the JSON encoded payload as
// a string, the front end decodes it a second time.
type Command struct {
	Type Type   `json:"type"`
	Data string `json:"data"`
}

func (Command) EventType() Type { return TypeCommand }

func NewCommand(payload any) (Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("failed to encode command payload: %w", err)
	}
	return Command{Type: TypeCommand, Data: string(data)}, nil
}

// NewToolCallStatus returns a copy of payload stamped with the speaker name.
// Nothing else is added; the agent sets the type. The input map is left
// untouched.
func NewToolCallStatus(payload map[string]any, name string) map[string]any {
	status := maps.Clone(payload)
	if status == nil {
		status = map[string]any{}
	}
	status["name"] = name
	return status
}

type DisplayText struct {
	Text   string `json:"text"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Actions is passed through to the Live2D model on the client.
type Actions struct {
	Expressions []any    `json:"expressions,omitempty"`
	Pictures    []string `json:"pictures,omitempty"`
	Sounds      []string `json:"sounds,omitempty"`
}

// Audio is one utterance. A nil Audio field is sent as null and makes the
// client show the text without playing anything.
type Audio struct {
	Type        Type        `json:"type"`
	Audio       *string     `json:"audio"`
	Volumes     []float64   `json:"volumes"`
	SliceLength int64       `json:"slice_length"`
	DisplayText DisplayText `json:"display_text"`
	Actions     *Actions    `json:"actions"`
	Forwarded   bool        `json:"forwarded"`
}

func (Audio) EventType() Type { return TypeAudio }

// NewAudio encodes audio as base64; sliceLengthMs is the duration each volume
// entry covers.
func NewAudio(audio []byte, volumes []float64, sliceLengthMs int64, display DisplayText, actions *Actions) Audio {
	msg := Audio{
		Type:        TypeAudio,
		Volumes:     volumes,
		SliceLength: sliceLengthMs,
		DisplayText: display,
		Actions:     actions,
	}
	if msg.Volumes == nil {
		msg.Volumes = []float64{}
	}
	if len(audio) > 0 {
		encoded := base64.StdEncoding.EncodeToString(audio)
		msg.Audio = &encoded
	}
	return msg
}
