// Package config loads the ema-vtuber configuration.
//
// Values are applied in order: defaults, then the YAML file, then the
// environment overrides listed in [EnvOverrides].
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	System    SystemConfig    `yaml:"system"`
	Character CharacterConfig `yaml:"character"`
	Agent     AgentConfig     `yaml:"agent"`
	TTS       TTSConfig       `yaml:"tts"`
	ASR       ASRConfig       `yaml:"asr"`
	History   HistoryConfig   `yaml:"history"`
	Intent    IntentConfig    `yaml:"intent"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Speech    SpeechConfig    `yaml:"speech"`
}

type SystemConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// WelcomeSpeech may contain {time_greeting}.
	WelcomeSpeech string   `yaml:"welcome_speech"`
	WakeWords     []string `yaml:"wake_words"`
}

func (c SystemConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type CharacterConfig struct {
	ConfUID       string `yaml:"conf_uid"`
	CharacterName string `yaml:"character_name"`
	HumanName     string `yaml:"human_name"`
	Avatar        string `yaml:"avatar"`
}

type AgentConfig struct {
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	SystemPrompt  string `yaml:"system_prompt"`
	MaxToolRounds int    `yaml:"max_tool_rounds"`
	// MaxMemory caps the messages remembered per client.
	MaxMemory int `yaml:"max_memory"`
}

const (
	EngineDeepgram = "deepgram"
	EnginePolly    = "polly"
	EngineNone     = "none"
)

type TTSConfig struct {
	Engine   string         `yaml:"engine"`
	Deepgram DeepgramConfig `yaml:"deepgram"`
	Polly    PollyConfig    `yaml:"polly"`
}

type DeepgramConfig struct {
	APIKey   string `yaml:"api_key"`
	URL      string `yaml:"url"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

type PollyConfig struct {
	Region string `yaml:"region"`
	Voice  string `yaml:"voice"`
	Engine string `yaml:"engine"`
}

type ASRConfig struct {
	Engine   string         `yaml:"engine"`
	Deepgram DeepgramConfig `yaml:"deepgram"`
}

const (
	HistoryMemory = "memory"
	HistorySQLite = "sqlite"
	HistoryRedis  = "redis"
	HistoryNone   = "none"
)

type HistoryConfig struct {
	Backend   string `yaml:"backend"`
	DSN       string `yaml:"dsn"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type IntentConfig struct {
	Enabled        bool   `yaml:"enabled"`
	SystemTemplate string `yaml:"system_template"`
	UserTemplate   string `yaml:"user_template"`
	// Context is substituted for <context> in the system template.
	Context string `yaml:"context"`
}

type TimeoutsConfig struct {
	ASR       time.Duration `yaml:"asr"`
	Chunk     time.Duration `yaml:"chunk"`
	Synthesis time.Duration `yaml:"synthesis"`
	Playback  time.Duration `yaml:"playback"`
}

type SpeechConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency"`
	MaxQueued      int           `yaml:"max_queued"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
}

func Default() Config {
	return Config{
		System: SystemConfig{
			Host:          "localhost",
			Port:          12393,
			WelcomeSpeech: "{time_greeting}！有什么可以帮你的吗？",
		},
		Character: CharacterConfig{
			ConfUID:       "default",
			CharacterName: "Ema",
			HumanName:     "Human",
		},
		Agent: AgentConfig{
			BaseURL:       "https://api.openai.com/v1",
			Model:         "gpt-4o-mini",
			MaxToolRounds: 5,
			MaxMemory:     40,
		},
		TTS: TTSConfig{
			Engine:   EngineDeepgram,
			Deepgram: DeepgramConfig{Model: "aura-2-thalia-en"},
			Polly:    PollyConfig{Region: "us-east-1", Voice: "Zhiyu", Engine: "neural"},
		},
		ASR: ASRConfig{
			Engine:   EngineDeepgram,
			Deepgram: DeepgramConfig{Model: "nova-3", Language: "en-US"},
		},
		History: HistoryConfig{
			Backend:   HistoryMemory,
			DSN:       "file:ema-history.db",
			RedisAddr: "localhost:6379",
			KeyPrefix: "ema:",
		},
		Timeouts: TimeoutsConfig{Playback: 30 * time.Second},
		Speech:   SpeechConfig{MaxConcurrency: 4, MaxQueued: 32, DrainTimeout: 2 * time.Second},
	}
}

// Load reads path on top of the defaults and applies the environment.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// EnvOverrides lists the environment variables read by ApplyEnv.
var EnvOverrides = []string{
	"DEEPGRAM_API_KEY",
	"OPENAI_API_KEY",
	"EMA_AGENT_BASE_URL",
	"EMA_REDIS_ADDR",
	"EMA_HOST",
	"EMA_PORT",
}

func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("DEEPGRAM_API_KEY"); ok {
		c.TTS.Deepgram.APIKey = v
		c.ASR.Deepgram.APIKey = v
	}
	if v, ok := lookup("OPENAI_API_KEY"); ok {
		c.Agent.APIKey = v
	}
	if v, ok := lookup("EMA_AGENT_BASE_URL"); ok {
		c.Agent.BaseURL = v
	}
	if v, ok := lookup("EMA_REDIS_ADDR"); ok {
		c.History.RedisAddr = v
	}
	if v, ok := lookup("EMA_HOST"); ok {
		c.System.Host = v
	}
	if v, ok := lookup("EMA_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid EMA_PORT %q: %w", v, err)
		}
		c.System.Port = port
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.System.Port <= 0 || c.System.Port > 65535 {
		errs = append(errs, fmt.Errorf("system.port out of range: %d", c.System.Port))
	}
	if strings.TrimSpace(c.Character.CharacterName) == "" {
		errs = append(errs, errors.New("character.character_name is required"))
	}
	if strings.TrimSpace(c.Agent.Model) == "" {
		errs = append(errs, errors.New("agent.model is required"))
	}
	if c.Agent.BaseURL == "" {
		errs = append(errs, errors.New("agent.base_url is required"))
	}

	if !slices.Contains([]string{EngineDeepgram, EnginePolly, EngineNone}, c.TTS.Engine) {
		errs = append(errs, fmt.Errorf("unknown tts.engine %q", c.TTS.Engine))
	}
	if c.TTS.Engine == EnginePolly && c.TTS.Polly.Region == "" {
		errs = append(errs, errors.New("tts.polly.region is required"))
	}
	if !slices.Contains([]string{EngineDeepgram, EngineNone}, c.ASR.Engine) {
		errs = append(errs, fmt.Errorf("unknown asr.engine %q", c.ASR.Engine))
	}

	switch c.History.Backend {
	case HistoryMemory, HistoryNone:
	case HistorySQLite:
		if c.History.DSN == "" {
			errs = append(errs, errors.New("history.dsn is required for sqlite"))
		}
	case HistoryRedis:
		if c.History.RedisAddr == "" {
			errs = append(errs, errors.New("history.redis_addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown history.backend %q", c.History.Backend))
	}

	if c.Intent.Enabled && !strings.Contains(c.Intent.SystemTemplate, "<schema>") {
		errs = append(errs, errors.New("intent.system_template must contain <schema>"))
	}
	if c.Speech.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("speech.max_concurrency must be positive, got %d", c.Speech.MaxConcurrency))
	}
	if c.Speech.MaxQueued < 1 {
		errs = append(errs, fmt.Errorf("speech.max_queued must be positive, got %d", c.Speech.MaxQueued))
	}
	for name, d := range map[string]time.Duration{
		"timeouts.asr":         c.Timeouts.ASR,
		"timeouts.chunk":       c.Timeouts.Chunk,
		"timeouts.synthesis":   c.Timeouts.Synthesis,
		"timeouts.playback":    c.Timeouts.Playback,
		"speech.drain_timeout": c.Speech.DrainTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
