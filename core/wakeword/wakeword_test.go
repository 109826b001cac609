package wakeword

import (
	"context"
	"errors"
	"testing"

	"github.com/koscakluka/ema-vtuber/core/agents"
	"github.com/koscakluka/ema-vtuber/core/audio"
	"github.com/koscakluka/ema-vtuber/core/channel/channeltest"
)

type stubTranscriber struct {
	text  string
	err   error
	calls int
}

func (s *stubTranscriber) Transcribe(context.Context, []byte, audio.EncodingInfo) (string, error) {
	s.calls++
	return s.text, s.err
}

func TestDetectTextInput(t *testing.T) {
	testCases := []struct {
		name      string
		text      string
		wakeWords []string
		awake     bool
	}{
		{name: "no wake words", text: "anything", awake: true},
		{name: "case insensitive", text: "Hey MAO, how are you", wakeWords: []string{"mao"}, awake: true},
		{name: "any of several", text: "hello ema", wakeWords: []string{"mao", "Ema"}, awake: true},
		{name: "no match", text: "hello there", wakeWords: []string{"mao"}},
		{name: "blank words ignored", text: "hello there", wakeWords: []string{" ", ""}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ch := channeltest.NewRecorder()
			awake, text, err := Detect(context.Background(), agents.TextInput(tc.text), nil, tc.wakeWords, ch)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if awake != tc.awake {
				t.Fatalf("expected awake=%t, got %t", tc.awake, awake)
			}
			if text != tc.text {
				t.Fatalf("expected text to pass through, got %q", text)
			}
			if len(ch.Events()) != 0 {
				t.Fatalf("expected no events for text input, got %v", ch.Events())
			}
		})
	}
}

func TestDetectAudioInputSendsTranscription(t *testing.T) {
	asr := &stubTranscriber{text: "mao, sing a song"}
	ch := channeltest.NewRecorder()

	awake, text, err := Detect(context.Background(), agents.AudioInput([]byte{0, 0}, audio.GetDefaultEncodingInfo()), asr, []string{"Mao"}, ch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !awake || text != "mao, sing a song" {
		t.Fatalf("unexpected result awake=%t text=%q", awake, text)
	}

	events := ch.Filter("user-input-transcription")
	if len(events) != 1 || events[0]["text"] != "mao, sing a song" {
		t.Fatalf("expected one transcription event, got %v", ch.Events())
	}
}

func TestDetectPropagatesErrors(t *testing.T) {
	asrErr := errors.New("asr down")
	_, _, err := Detect(context.Background(), agents.AudioInput([]byte{0}, audio.EncodingInfo{}), &stubTranscriber{err: asrErr}, nil, channeltest.NewRecorder())
	if !errors.Is(err, asrErr) {
		t.Fatalf("expected asr error, got %v", err)
	}

	sendErr := errors.New("socket closed")
	ch := channeltest.NewRecorder()
	ch.FailOn("user-input-transcription", sendErr)
	_, _, err = Detect(context.Background(), agents.AudioInput([]byte{0}, audio.EncodingInfo{}), &stubTranscriber{text: "hi"}, nil, ch)
	if !errors.Is(err, sendErr) {
		t.Fatalf("expected channel error, got %v", err)
	}
}
