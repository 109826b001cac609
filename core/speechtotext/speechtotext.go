// Package speechtotext holds the contract speech recognizers implement.
package speechtotext

import (
	"context"

	"github.com/koscakluka/ema-vtuber/core/audio"
)

// Transcriber turns one complete utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, encoding audio.EncodingInfo) (string, error)
}
