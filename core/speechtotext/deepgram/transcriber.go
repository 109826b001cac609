// Package deepgram transcribes finished utterances with the Deepgram listen
// websocket API.
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

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-vtuber/core/audio"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const scopeName = "github.com/koscakluka/ema-vtuber/core/speechtotext/deepgram"

var (
	tracer = otel.Tracer(scopeName)
	logger = otelslog.NewLogger(scopeName)
)

const (
	DefaultModel    = "nova-3"
	DefaultLanguage = "en-US"
	defaultURL      = "wss://api.deepgram.com/v1/listen"

	apiKeyEnv = "DEEPGRAM_API_KEY"
	frameSize = 8 * 1024

	metadataResponse = "Metadata"
	errorResponse    = "Error"
)

type Transcriber struct {
	apiKey   string
	url      string
	model    string
	language string
	dialer   *websocket.Dialer
}

type Option func(*Transcriber)

func WithURL(endpoint string) Option {
	return func(t *Transcriber) { t.url = endpoint }
}

func WithModel(model string) Option {
	return func(t *Transcriber) {
		if model != "" {
			t.model = model
		}
	}
}

func WithLanguage(language string) Option {
	return func(t *Transcriber) {
		if language != "" {
			t.language = language
		}
	}
}

// New creates a transcriber. An empty apiKey is read from DEEPGRAM_API_KEY.
func New(apiKey string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		apiKey = os.Getenv(apiKeyEnv)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("deepgram api key not found")
	}

	t := &Transcriber{
		apiKey:   apiKey,
		url:      defaultURL,
		model:    DefaultModel,
		language: DefaultLanguage,
		dialer:   websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Transcribe streams pcm in frames, closes the stream and joins every final
// transcript Deepgram sends back.
func (t *Transcriber) Transcribe(ctx context.Context, pcm []byte, encoding audio.EncodingInfo) (string, error) {
	ctx, span := tracer.Start(ctx, "deepgram transcribe")
	defer span.End()
	span.SetAttributes(attribute.Int("asr.audio_bytes", len(pcm)))

	transcript, err := t.transcribe(ctx, pcm, encoding)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("asr.transcript_length", len(transcript)))
	return transcript, nil
}

func (t *Transcriber) transcribe(ctx context.Context, pcm []byte, encoding audio.EncodingInfo) (string, error) {
	if encoding.IsZero() {
		encoding = audio.GetDefaultEncodingInfo()
	}
	if err := checkEncoding(encoding); err != nil {
		return "", fmt.Errorf("invalid encoding: %w", err)
	}

	endpoint, err := t.endpoint(encoding)
	if err != nil {
		return "", err
	}

	conn, _, err := t.dialer.DialContext(ctx, endpoint, http.Header{"Authorization": {"Token " + t.apiKey}})
	if err != nil {
		return "", fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	writeErr := make(chan error, 1)
	go func() { writeErr <- sendAudio(conn, pcm) }()

	var transcripts []string
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			return "", errors.Join(fmt.Errorf("failed to read deepgram message: %w", err), ctx.Err())
		}
		if msgType != websocket.TextMessage {
			continue
		}

		done, transcript, err := processMessage(msg)
		if err != nil {
			return "", err
		}
		if transcript != "" {
			transcripts = append(transcripts, transcript)
		}
		if done {
			break
		}
	}

	if err := <-writeErr; err != nil {
		return "", err
	}
	return strings.Join(transcripts, " "), nil
}

func sendAudio(conn *websocket.Conn, pcm []byte) error {
	for start := 0; start < len(pcm); start += frameSize {
		end := min(start+frameSize, len(pcm))
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[start:end]); err != nil {
			return fmt.Errorf("failed to write to deepgram client: %w", err)
		}
	}

	if err := conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: string(api.TypeCloseStreamResponse)}); err != nil {
		return fmt.Errorf("failed to close deepgram stream: %w", err)
	}
	return nil
}

// processMessage returns the final transcript carried by msg, if any, and
// whether the stream is finished.
func processMessage(msg []byte) (bool, string, error) {
	var parsedMsg struct {
		Type        string `json:"type"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(msg, &parsedMsg); err != nil {
		logger.Debug("failed to unmarshal deepgram message", "error", err)
		return false, "", nil
	}

	switch api.TypeResponse(parsedMsg.Type) {
	case api.TypeMessageResponse:
		var msgResp api.MessageResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			return false, "", fmt.Errorf("failed to unmarshal deepgram results: %w", err)
		}
		if !msgResp.IsFinal || len(msgResp.Channel.Alternatives) == 0 {
			return false, "", nil
		}
		return false, strings.TrimSpace(msgResp.Channel.Alternatives[0].Transcript), nil

	case metadataResponse:
		return true, "", nil

	case errorResponse:
		return false, "", fmt.Errorf("deepgram error: %s", parsedMsg.Description)
	}
	return false, "", nil
}

func (t *Transcriber) endpoint(encoding audio.EncodingInfo) (string, error) {
	listenURL, err := url.Parse(t.url)
	if err != nil {
		return "", fmt.Errorf("invalid deepgram url: %w", err)
	}

	queryParams := listenURL.Query()
	queryParams.Set("encoding", encoding.Format.Name())
	queryParams.Set("sample_rate", strconv.Itoa(encoding.SampleRate))
	queryParams.Set("channels", "1")
	queryParams.Set("model", t.model)
	queryParams.Set("language", t.language)
	queryParams.Set("smart_format", "true")
	listenURL.RawQuery = queryParams.Encode()
	return listenURL.String(), nil
}
