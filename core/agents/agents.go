// Package agents describes the conversational backend a turn talks to: what is
// sent to it (BatchInput) and the closed set of chunks it streams back.
package agents

import (
	"context"
	"iter"
	"strings"

	"github.com/koscakluka/ema-vtuber/core/audio"
	"github.com/koscakluka/ema-vtuber/core/channel"
)

// Agent produces the response to one batch of user input. The stream is
// consumed at most once, in order; stopping the iteration early must release
// whatever the agent holds for the request.
type Agent interface {
	Chat(ctx context.Context, input BatchInput) Stream
}

type Stream iter.Seq2[Chunk, error]

// Memory is implemented by agents that carry a conversation from one Chat to
// the next. Conversations are keyed by BatchInput.Conversation.
type Memory interface {
	// HandleInterrupt replaces the last response of conversation with the
	// part the user actually heard and marks it as interrupted. It must be
	// called after the interrupted stream has ended.
	HandleInterrupt(conversation, heard string)
	Forget(conversation string)
}

// InterruptedMarker is appended to a conversation whose response was cut off.
const InterruptedMarker = "[Interrupted by user]"

type DisplayText = channel.DisplayText
type Actions = channel.Actions

// UserInput is either typed text or a recorded utterance that still needs
// transcription.
type UserInput struct {
	Text     string
	Audio    []byte
	Encoding audio.EncodingInfo
}

func TextInput(text string) UserInput { return UserInput{Text: text} }

func AudioInput(pcm []byte, encoding audio.EncodingInfo) UserInput {
	return UserInput{Audio: pcm, Encoding: encoding}
}

func (in UserInput) IsAudio() bool { return in.Audio != nil }

type Image struct {
	Source   string `json:"source"`
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
}

type TextData struct {
	Source   string `json:"source"`
	Content  string `json:"content"`
	FromName string `json:"from_name,omitempty"`
}

// BatchInput is one request to the agent. Conversation keys the memory of
// agents that keep one; inputs with different keys never see each other.
type BatchInput struct {
	Conversation string
	Texts        []TextData
	Images       []Image
	Metadata     Metadata
}

// Text joins every text entry of the batch.
func (b BatchInput) Text() string {
	parts := make([]string, 0, len(b.Texts))
	for _, text := range b.Texts {
		parts = append(parts, text.Content)
	}
	return strings.Join(parts, "\n")
}

const (
	MessageTypeTextInput = "text-input"

	metadataMessageType = "msg_type"
	metadataSkipHistory = "skip_history"
)

// Metadata is the free-form map a client attaches to its input.
type Metadata map[string]any

func (m Metadata) MessageType() string {
	msgType, _ := m[metadataMessageType].(string)
	return msgType
}

func (m Metadata) SkipHistory() bool {
	skip, _ := m[metadataSkipHistory].(bool)
	return skip
}

// With returns a copy of m with key set to value.
func (m Metadata) With(key string, value any) Metadata {
	out := make(Metadata, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}
