// Package channel defines the outbound side of a client connection: the
// transport contract the turn core writes to and the JSON events it writes.
//
// Event type strings and field names match the existing front end and must
// not be renamed:
//
//   - control: conversation-chain-start / conversation-chain-end
//   - full-text: plain text shown in the subtitle area
//   - user-input-transcription: ASR result for audio input
//   - audio: one synthesized utterance with display metadata
//   - tool_call_status: relayed agent tool progress (plus name)
//   - error: message shown to the user
//   - backend-synth-complete: every queued utterance was sent
//   - force-new-message: the next text starts a new chat bubble
//   - command: structured action payload, JSON encoded in data
package channel

import (
	"context"
	"encoding/json"
	"fmt"
)

// Channel sends one encoded event to a client. Implementations must preserve
// call order for calls made from one goroutine.
type Channel interface {
	Send(ctx context.Context, payload []byte) error
}

// Func adapts a plain function to Channel.
type Func func(ctx context.Context, payload []byte) error

func (f Func) Send(ctx context.Context, payload []byte) error { return f(ctx, payload) }

// SendJSON marshals event and sends it on ch.
func SendJSON(ctx context.Context, ch Channel, event any) error {
	if ch == nil {
		return fmt.Errorf("channel is not configured")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %T event: %w", event, err)
	}

	if err := ch.Send(ctx, payload); err != nil {
		return fmt.Errorf("failed to send %s event: %w", typeOf(event), err)
	}
	return nil
}

func typeOf(event any) string {
	if typed, ok := event.(interface{ EventType() Type }); ok {
		return string(typed.EventType())
	}
	if payload, ok := event.(map[string]any); ok {
		if t, ok := payload["type"].(string); ok {
			return t
		}
	}
	return fmt.Sprintf("%T", event)
}
