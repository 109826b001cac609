// Package deepgram synthesizes speech with the Deepgram speak websocket API.
// Every utterance gets its own connection so concurrent utterances never share
// a text buffer.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-vtuber/core/audio"
	"github.com/koscakluka/ema-vtuber/core/texttospeech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultVoice = "aura-2-thalia-en"
	defaultURL   = "wss://api.deepgram.com/v1/speak"

	apiKeyEnv = "DEEPGRAM_API_KEY"
)

type Synthesizer struct {
	apiKey   string
	voice    string
	url      string
	encoding audio.EncodingInfo
	dialer   *websocket.Dialer
}

type Option func(*Synthesizer)

func WithVoice(voice string) Option {
	return func(s *Synthesizer) {
		if voice != "" {
			s.voice = voice
		}
	}
}

// WithURL points the synthesizer at a different speak endpoint.
func WithURL(endpoint string) Option {
	return func(s *Synthesizer) { s.url = endpoint }
}

func WithEncodingInfo(encoding audio.EncodingInfo) Option {
	return func(s *Synthesizer) {
		if encoding.IsZero() {
			logger.Warn("ignoring empty encoding info")
			return
		}
		s.encoding = encoding
	}
}

// New creates a synthesizer. An empty apiKey is read from DEEPGRAM_API_KEY.
func New(apiKey string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		apiKey = os.Getenv(apiKeyEnv)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("deepgram api key not found")
	}

	s := &Synthesizer{
		apiKey:   apiKey,
		voice:    DefaultVoice,
		url:      defaultURL,
		encoding: audio.GetDefaultEncodingInfo(),
		dialer:   websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.encoding.Format != audio.EncodingLinear16 {
		return nil, fmt.Errorf("unsupported encoding %q, only linear16 can be framed as wav", s.encoding.Format)
	}
	return s, nil
}

type websocketMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

var (
	flushMsg = websocketMessage{Type: "Flush"}
	closeMsg = websocketMessage{Type: "Close"}
)

func speakMsg(text string) websocketMessage { return websocketMessage{Type: "Speak", Text: text} }

func (s *Synthesizer) Synthesize(ctx context.Context, text string) (texttospeech.Speech, error) {
	ctx, span := tracer.Start(ctx, "deepgram synthesize")
	defer span.End()
	span.SetAttributes(attribute.String("tts.voice", s.voice), attribute.Int("tts.text_length", len(text)))

	pcm, err := s.synthesize(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return texttospeech.Speech{}, err
	}
	span.SetAttributes(attribute.Int("tts.audio_bytes", len(pcm)))

	return texttospeech.NewSpeechFromPCM(pcm, s.encoding), nil
}

func (s *Synthesizer) synthesize(ctx context.Context, text string) ([]byte, error) {
	endpoint, err := s.endpoint()
	if err != nil {
		return nil, err
	}

	conn, _, err := s.dialer.DialContext(ctx, endpoint, http.Header{"Authorization": {"token " + s.apiKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(speakMsg(text)); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to send text: %w", err), ctx.Err())
	}
	if err := conn.WriteJSON(flushMsg); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to flush text: %w", err), ctx.Err())
	}

	var pcm []byte
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to read speech: %w", err), ctx.Err())
		}

		switch msgType {
		case websocket.BinaryMessage:
			pcm = append(pcm, msg...)
		case websocket.TextMessage:
			var parsedMsg struct {
				Type        string `json:"type"`
				ErrMsg      string `json:"err_msg"`
				Description string `json:"description"`
			}
			if err := json.Unmarshal(msg, &parsedMsg); err != nil {
				logger.DebugContext(ctx, "failed to unmarshal deepgram message", "error", err)
				continue
			}

			switch parsedMsg.Type {
			case "Flushed":
				_ = conn.WriteJSON(closeMsg)
				return pcm, nil
			case "Error":
				return nil, fmt.Errorf("deepgram error: %s", strings.TrimSpace(parsedMsg.ErrMsg+" "+parsedMsg.Description))
			case "Warning":
				logger.WarnContext(ctx, "deepgram warning", "description", parsedMsg.Description)
			}
		}
	}
}

func (s *Synthesizer) endpoint() (string, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return "", fmt.Errorf("invalid deepgram url: %w", err)
	}

	urlValues := u.Query()
	urlValues.Set("encoding", s.encoding.Format.Name())
	urlValues.Set("sample_rate", strconv.Itoa(s.encoding.SampleRate))
	urlValues.Set("model", s.voice)
	urlValues.Set("container", "none")
	u.RawQuery = urlValues.Encode()
	return u.String(), nil
}
