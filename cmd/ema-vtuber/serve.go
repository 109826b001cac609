package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/jinzhu/copier"
	orchestration "github.com/koscakluka/ema-vtuber/core"
	"github.com/koscakluka/ema-vtuber/core/agents/openai"
	"github.com/koscakluka/ema-vtuber/core/config"
	"github.com/koscakluka/ema-vtuber/core/history"
	"github.com/koscakluka/ema-vtuber/core/history/redisstore"
	"github.com/koscakluka/ema-vtuber/core/history/sqlstore"
	"github.com/koscakluka/ema-vtuber/core/intent"
	"github.com/koscakluka/ema-vtuber/core/server"
	"github.com/koscakluka/ema-vtuber/core/speechtotext"
	asrdeepgram "github.com/koscakluka/ema-vtuber/core/speechtotext/deepgram"
	"github.com/koscakluka/ema-vtuber/core/texttospeech"
	ttsdeepgram "github.com/koscakluka/ema-vtuber/core/texttospeech/deepgram"
	"github.com/koscakluka/ema-vtuber/core/texttospeech/polly"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

var logger = otelslog.NewLogger("github.com/koscakluka/ema-vtuber/cmd/ema-vtuber")

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve clients until interrupted",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder, closeHistory, err := buildHistory(ctx, cfg.History)
	if err != nil {
		return err
	}
	defer closeHistory()

	tts, err := buildSynthesizer(cfg.TTS)
	if err != nil {
		return err
	}
	asr, err := buildTranscriber(cfg.ASR)
	if err != nil {
		return err
	}

	agent := openai.New(cfg.Agent.APIKey, cfg.Agent.Model,
		openai.WithBaseURL(cfg.Agent.BaseURL),
		openai.WithSystemPrompt(cfg.Agent.SystemPrompt),
		openai.WithMaxToolRounds(cfg.Agent.MaxToolRounds),
		openai.WithMaxMemory(cfg.Agent.MaxMemory),
	)

	opts, err := orchestration.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	playback := server.NewPlaybackTracker()
	opts = append(opts,
		orchestration.WithAgent(agent),
		orchestration.WithSynthesizer(tts),
		orchestration.WithTranscriber(asr),
		orchestration.WithHistory(recorder),
		orchestration.WithPlaybackTracker(playback),
	)

	if cfg.Intent.Enabled {
		classifier, err := intent.NewLLMClassifier(agent, cfg.Intent.SystemTemplate,
			intent.WithUserTemplate(cfg.Intent.UserTemplate),
			intent.WithContext(cfg.Intent.Context),
		)
		if err != nil {
			return fmt.Errorf("failed to build intent classifier: %w", err)
		}
		opts = append(opts, orchestration.WithIntentClassifier(classifier))
	}

	var character orchestration.Character
	if err := copier.Copy(&character, &cfg.Character); err != nil {
		return fmt.Errorf("failed to copy character config: %w", err)
	}

	srv := server.New(orchestration.NewOrchestrator(opts...),
		server.WithHistory(recorder),
		server.WithAgentMemory(agent),
		server.WithPlaybackTracker(playback),
		server.WithCharacter(character),
	)
	return srv.ListenAndServe(ctx, cfg.System.Addr())
}

func buildSynthesizer(cfg config.TTSConfig) (texttospeech.Synthesizer, error) {
	switch cfg.Engine {
	case config.EngineDeepgram:
		var opts []ttsdeepgram.Option
		if cfg.Deepgram.Model != "" {
			opts = append(opts, ttsdeepgram.WithVoice(cfg.Deepgram.Model))
		}
		if cfg.Deepgram.URL != "" {
			opts = append(opts, ttsdeepgram.WithURL(cfg.Deepgram.URL))
		}
		synth, err := ttsdeepgram.New(cfg.Deepgram.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to build deepgram synthesizer: %w", err)
		}
		return synth, nil

	case config.EnginePolly:
		var pollyCfg polly.Config
		if err := copier.Copy(&pollyCfg, &cfg.Polly); err != nil {
			return nil, fmt.Errorf("failed to copy polly config: %w", err)
		}
		return polly.New(pollyCfg), nil

	case config.EngineNone:
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown tts engine %q", cfg.Engine)
	}
}

func buildTranscriber(cfg config.ASRConfig) (speechtotext.Transcriber, error) {
	switch cfg.Engine {
	case config.EngineDeepgram:
		var opts []asrdeepgram.Option
		if cfg.Deepgram.Model != "" {
			opts = append(opts, asrdeepgram.WithModel(cfg.Deepgram.Model))
		}
		if cfg.Deepgram.Language != "" {
			opts = append(opts, asrdeepgram.WithLanguage(cfg.Deepgram.Language))
		}
		if cfg.Deepgram.URL != "" {
			opts = append(opts, asrdeepgram.WithURL(cfg.Deepgram.URL))
		}
		asr, err := asrdeepgram.New(cfg.Deepgram.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to build deepgram transcriber: %w", err)
		}
		return asr, nil

	case config.EngineNone:
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown asr engine %q", cfg.Engine)
	}
}

func buildHistory(ctx context.Context, cfg config.HistoryConfig) (history.Recorder, func(), error) {
	noop := func() {}

	switch cfg.Backend {
	case config.HistoryMemory:
		return history.NewMemoryRecorder(), noop, nil

	case config.HistorySQLite:
		store, err := sqlstore.Open(cfg.DSN)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open history database: %w", err)
		}
		return store, closeLogged(store.Close), nil

	case config.HistoryRedis:
		var opts []redisstore.Option
		if cfg.KeyPrefix != "" {
			opts = append(opts, redisstore.WithKeyPrefix(cfg.KeyPrefix))
		}
		store, err := redisstore.Connect(ctx, cfg.RedisAddr, "", cfg.RedisDB, opts...)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to connect to history redis: %w", err)
		}
		return store, closeLogged(store.Close), nil

	case config.HistoryNone:
		return nil, noop, nil

	default:
		return nil, noop, errors.New("unknown history backend " + cfg.Backend)
	}
}

func closeLogged(closeFn func() error) func() {
	return func() {
		if err := closeFn(); err != nil {
			logger.Warn("failed to close history store", "error", err)
		}
	}
}
