// Package wakeword decides whether a piece of user input addresses the agent.
package wakeword

import (
	"context"
	"fmt"
	"strings"

	"github.com/koscakluka/ema-vtuber/core/agents"
	"github.com/koscakluka/ema-vtuber/core/channel"
	"github.com/koscakluka/ema-vtuber/core/speechtotext"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/koscakluka/ema-vtuber/core/wakeword")

// Detect resolves input to text and reports whether it contains one of
// wakeWords. Audio is transcribed first and the transcription is echoed to the
// client. With no wake words configured every input is accepted.
func Detect(
	ctx context.Context,
	input agents.UserInput,
	asr speechtotext.Transcriber,
	wakeWords []string,
	ch channel.Channel,
) (bool, string, error) {
	ctx, span := tracer.Start(ctx, "detect wake word")
	defer span.End()

	text := input.Text
	if input.IsAudio() {
		if asr == nil {
			err := fmt.Errorf("audio input received but no transcriber is configured")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return false, "", err
		}

		var err error
		if text, err = asr.Transcribe(ctx, input.Audio, input.Encoding); err != nil {
			err = fmt.Errorf("failed to transcribe audio: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return false, "", err
		}
		if err := channel.SendJSON(ctx, ch, channel.NewUserInputTranscription(text)); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return false, "", err
		}
	}

	awake := matches(text, wakeWords)
	span.SetAttributes(attribute.Bool("wakeword.awake", awake))
	return awake, text, nil
}

func matches(text string, wakeWords []string) bool {
	if len(wakeWords) == 0 {
		return true
	}

	lowered := strings.ToLower(text)
	for _, word := range wakeWords {
		word = strings.TrimSpace(word)
		if word == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(word)) {
			return true
		}
	}
	return false
}
