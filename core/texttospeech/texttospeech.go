// Package texttospeech holds the contract speech engines implement and the
// helpers that turn raw PCM into what the client plays.
package texttospeech

import (
	"context"
	"time"

	"github.com/koscakluka/ema-vtuber/core/audio"
)

// DefaultSliceLength is the window each volume entry covers.
const DefaultSliceLength = 20 * time.Millisecond

// Synthesizer renders one utterance. Implementations must be safe for
// concurrent use and should return promptly once ctx is done.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Speech, error)
}

// Speech is a rendered utterance: a WAV file plus the volume envelope used to
// animate the model's mouth.
type Speech struct {
	Audio       []byte
	Volumes     []float64
	SliceLength time.Duration
}

func (s Speech) IsEmpty() bool { return len(s.Audio) == 0 }

// NewSpeechFromPCM frames mono linear16 PCM as WAV and computes its volumes.
func NewSpeechFromPCM(pcm []byte, encoding audio.EncodingInfo) Speech {
	if encoding.IsZero() {
		encoding = audio.GetDefaultEncodingInfo()
	}
	return Speech{
		Audio:       WAV(pcm, encoding.SampleRate, 1),
		Volumes:     Volumes(pcm, encoding.SampleRate, DefaultSliceLength),
		SliceLength: DefaultSliceLength,
	}
}
