package orchestration

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jinzhu/copier"
	"github.com/koscakluka/ema-vtuber/core/agents"
	"github.com/koscakluka/ema-vtuber/core/config"
	"github.com/koscakluka/ema-vtuber/core/history"
	"github.com/koscakluka/ema-vtuber/core/intent"
	"github.com/koscakluka/ema-vtuber/core/speech"
	"github.com/koscakluka/ema-vtuber/core/speechtotext"
	"github.com/koscakluka/ema-vtuber/core/texttospeech"
)

type OrchestratorOption func(*Orchestrator)

// Translator turns the spoken part of a sentence into the language of the
// voice. The displayed text is left as is.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// PlaybackTracker reports when the client finished playing the audio of a
// turn.
type PlaybackTracker interface {
	AwaitPlaybackComplete(ctx context.Context, clientUID string) error
}

// Character is who the agent speaks as and who it speaks to.
type Character struct {
	ConfUID       string
	CharacterName string
	HumanName     string
	Avatar        string
}

const DefaultPlaybackTimeout = 30 * time.Second

type timeouts struct {
	asr       time.Duration
	chunk     time.Duration
	synthesis time.Duration
	playback  time.Duration
}

func WithAgent(agent agents.Agent) OrchestratorOption {
	return func(o *Orchestrator) { o.agent = agent }
}

func WithTranscriber(asr speechtotext.Transcriber) OrchestratorOption {
	return func(o *Orchestrator) { o.asr = asr }
}

func WithSynthesizer(tts texttospeech.Synthesizer) OrchestratorOption {
	return func(o *Orchestrator) { o.tts = tts }
}

// WithHistory sets where turns are recorded. Turns without a history UID are
// never recorded.
func WithHistory(recorder history.Recorder) OrchestratorOption {
	return func(o *Orchestrator) { o.history = recorder }
}

func WithTranslator(translator Translator) OrchestratorOption {
	return func(o *Orchestrator) { o.translator = translator }
}

// WithPlaybackTracker makes turns wait for the client to finish playback
// before sending the end signal.
func WithPlaybackTracker(tracker PlaybackTracker) OrchestratorOption {
	return func(o *Orchestrator) { o.playback = tracker }
}

// WithIntentClassifier enables answering commands without the agent.
func WithIntentClassifier(classifier intent.Classifier) OrchestratorOption {
	return func(o *Orchestrator) { o.classifier = classifier }
}

func WithCharacter(character Character) OrchestratorOption {
	return func(o *Orchestrator) { o.character = character }
}

// WithWelcomeSpeech sets what is said on the "start" message. {time_greeting}
// is replaced with a greeting for the time of day.
func WithWelcomeSpeech(text string) OrchestratorOption {
	return func(o *Orchestrator) { o.welcomeSpeech = text }
}

func WithWakeWords(words ...string) OrchestratorOption {
	return func(o *Orchestrator) { o.wakeWords = slices.Clone(words) }
}

func WithASRTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.timeouts.asr = max(d, 0) }
}

// WithChunkTimeout bounds the wait for each agent chunk. Zero waits forever.
func WithChunkTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.timeouts.chunk = max(d, 0) }
}

func WithSynthesisTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.timeouts.synthesis = max(d, 0) }
}

func WithPlaybackTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.timeouts.playback = max(d, 0) }
}

// WithSpeechOptions is applied to the speech task manager of every turn.
func WithSpeechOptions(opts ...speech.Option) OrchestratorOption {
	return func(o *Orchestrator) { o.speechOptions = append(o.speechOptions, opts...) }
}

// WithClock replaces time.Now, used for the time of day greeting.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// OptionsFromConfig converts everything in cfg that is not an engine into
// orchestrator options.
func OptionsFromConfig(cfg *config.Config) ([]OrchestratorOption, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	var character Character
	if err := copier.Copy(&character, &cfg.Character); err != nil {
		return nil, fmt.Errorf("failed to copy character config: %w", err)
	}

	return []OrchestratorOption{
		WithCharacter(character),
		WithWelcomeSpeech(cfg.System.WelcomeSpeech),
		WithWakeWords(cfg.System.WakeWords...),
		WithASRTimeout(cfg.Timeouts.ASR),
		WithChunkTimeout(cfg.Timeouts.Chunk),
		WithSynthesisTimeout(cfg.Timeouts.Synthesis),
		WithPlaybackTimeout(cfg.Timeouts.Playback),
		WithSpeechOptions(
			speech.WithMaxConcurrency(cfg.Speech.MaxConcurrency),
			speech.WithMaxQueued(cfg.Speech.MaxQueued),
			speech.WithDrainTimeout(cfg.Speech.DrainTimeout),
		),
	}, nil
}
