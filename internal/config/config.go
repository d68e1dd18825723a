// Package config loads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full process configuration.
type Config struct {
	Service       ServiceConfig
	STT           STTConfig
	Session       SessionConfig
	Reconcile     ReconcileConfig
	Docs          DocsConfig
	Backup        BackupConfig
	Rules         RulesConfig
	Kafka         KafkaConfig
	Journal       JournalConfig
	Audio         AudioConfig
	Observability ObservabilityConfig
}

// ServiceConfig identifies the process.
type ServiceConfig struct {
	Name string
	Env  string
}

// STTConfig selects and tunes the recognizer.
type STTConfig struct {
	Provider        string // google, mock
	CredentialsFile string
	LanguageCode    string
	SampleRateHz    int
	InterimResults  bool
	AudioEncoding   string
	Model           string
	UseEnhanced     bool
	Punctuation     bool
}

// SessionConfig controls recognition session rotation.
type SessionConfig struct {
	MaxLifetime time.Duration
	DrainGrace  time.Duration
}

// ReconcileConfig controls how hypotheses are committed to the document.
type ReconcileConfig struct {
	Interval    time.Duration
	MarginWords int
	// MarginChars selects the character margin when positive.
	MarginChars int
	Dedup       bool
}

// DocsConfig locates the OAuth material for the Docs API.
type DocsConfig struct {
	SecretFile string
	TokenFile  string
	// AppendTimeout bounds each remote append. Zero means no bound.
	AppendTimeout time.Duration
}

// BackupConfig locates the plain-text transcript backup.
type BackupConfig struct {
	Path string
}

// RulesConfig locates the replacement rule file.
type RulesConfig struct {
	Path         string
	PollInterval time.Duration
}

// KafkaConfig holds Kafka mirror settings.
type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	TopicDelta string
	TopicFinal string
	Source     string
}

// JournalConfig locates the SQLite journal. An empty path disables it.
type JournalConfig struct {
	Path string
}

// AudioConfig controls microphone capture.
type AudioConfig struct {
	ChunkDuration time.Duration
}

// ObservabilityConfig holds logging and HTTP server settings.
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string
	// HTTPAddr is the metrics/status listen address. Empty disables the server.
	HTTPAddr string
}

// Load reads the configuration from the environment. Values that fail to parse
// fall back to their defaults.
func Load() *Config {
	serviceName := envOrDefault("SERVICE_NAME", "transcribe-to-gdocs")

	return &Config{
		Service: ServiceConfig{
			Name: serviceName,
			Env:  envOrDefault("ENV", "prod"),
		},
		STT: STTConfig{
			Provider:        envOrDefault("STT_PROVIDER", "google"),
			CredentialsFile: envOrDefault("GOOGLE_APPLICATION_CREDENTIALS", ""),
			LanguageCode:    envOrDefault("STT_LANGUAGE_CODE", "en-US"),
			SampleRateHz:    envOrDefaultInt("STT_SAMPLE_RATE_HZ", 16000),
			InterimResults:  envOrDefaultBool("STT_INTERIM_RESULTS", true),
			AudioEncoding:   envOrDefault("STT_AUDIO_ENCODING", "LINEAR16"),
			Model:           envOrDefault("STT_MODEL", "video"),
			UseEnhanced:     envOrDefaultBool("STT_USE_ENHANCED", true),
			Punctuation:     envOrDefaultBool("STT_PUNCTUATION", true),
		},
		Session: SessionConfig{
			MaxLifetime: envOrDefaultDuration("SESSION_MAX_LIFETIME", 14500*time.Millisecond),
			DrainGrace:  envOrDefaultDuration("SESSION_DRAIN_GRACE", 10*time.Second),
		},
		Reconcile: ReconcileConfig{
			Interval:    envOrDefaultDuration("RECONCILE_INTERVAL", 1100*time.Millisecond),
			MarginWords: envOrDefaultInt("RECONCILE_MARGIN_WORDS", 2),
			MarginChars: envOrDefaultInt("RECONCILE_MARGIN_CHARS", 0),
			Dedup:       envOrDefaultBool("RECONCILE_DEDUP", true),
		},
		Docs: DocsConfig{
			SecretFile:    envOrDefault("DOCS_CLIENT_SECRET_FILE", "client_secret.json"),
			TokenFile:     envOrDefault("DOCS_TOKEN_FILE", "token.json"),
			AppendTimeout: envOrDefaultDuration("DOCS_APPEND_TIMEOUT", 0),
		},
		Backup: BackupConfig{
			Path: envOrDefault("BACKUP_PATH", "transcript-backup.txt"),
		},
		Rules: RulesConfig{
			Path:         envOrDefault("RULES_PATH", "configs/replacements.yaml"),
			PollInterval: envOrDefaultDuration("RULES_POLL_INTERVAL", 2*time.Second),
		},
		Kafka: KafkaConfig{
			Enabled:    envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:    envOrDefaultList("KAFKA_BROKERS", []string{"localhost:9092"}),
			TopicDelta: envOrDefault("KAFKA_TOPIC_DELTA", "transcript.delta"),
			TopicFinal: envOrDefault("KAFKA_TOPIC_FINAL", "transcript.final"),
			Source:     envOrDefault("KAFKA_SOURCE", serviceName),
		},
		Journal: JournalConfig{
			Path: envOrDefault("JOURNAL_PATH", ""),
		},
		Audio: AudioConfig{
			ChunkDuration: envOrDefaultDuration("AUDIO_CHUNK_DURATION", 100*time.Millisecond),
		},
		Observability: ObservabilityConfig{
			LogLevel:  envOrDefault("LOG_LEVEL", "info"),
			LogFormat: envOrDefault("LOG_FORMAT", "console"),
			HTTPAddr:  envOrDefault("HTTP_ADDR", ":9090"),
		},
	}
}

// Validate rejects settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	switch c.STT.Provider {
	case "google", "mock":
	default:
		errs = append(errs, fmt.Errorf("unknown STT provider %q", c.STT.Provider))
	}
	if c.STT.SampleRateHz <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.STT.SampleRateHz))
	}
	if c.Session.MaxLifetime <= 0 {
		errs = append(errs, errors.New("session max lifetime must be positive"))
	}
	if c.Session.DrainGrace < 0 {
		errs = append(errs, errors.New("session drain grace must not be negative"))
	}
	if c.Reconcile.Interval <= 0 {
		errs = append(errs, errors.New("reconcile interval must be positive"))
	}
	if c.Reconcile.MarginWords < 0 || c.Reconcile.MarginChars < 0 {
		errs = append(errs, errors.New("reconcile margin must not be negative"))
	}
	if c.Rules.Path == "" {
		errs = append(errs, errors.New("rules path is required"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka enabled without brokers"))
	}
	if c.Audio.ChunkDuration <= 0 {
		errs = append(errs, errors.New("audio chunk duration must be positive"))
	}
	return errors.Join(errs...)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// envOrDefaultList splits a comma-separated value, dropping empty items.
func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
