// Package config provides the configuration schema and loader for the
// streamscribe ingest server.
package config

import "time"

// LogLevel controls log verbosity for the streamscribe server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// RegistrySource selects where session snapshots come from.
type RegistrySource string

const (
	// RegistryFile polls a YAML or JSON file holding the session list.
	RegistryFile RegistrySource = "file"

	// RegistryPostgres polls a PostgreSQL table and reloads on NOTIFY.
	RegistryPostgres RegistrySource = "postgres"

	// RegistryHTTP accepts snapshots pushed to PUT /v1/registry.
	RegistryHTTP RegistrySource = "http"
)

// IsValid reports whether s is a recognised registry source.
func (s RegistrySource) IsValid() bool {
	switch s {
	case RegistryFile, RegistryPostgres, RegistryHTTP:
		return true
	}
	return false
}

// Config is the root configuration structure for streamscribe.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Listeners     ListenersConfig     `yaml:"listeners"`
	Worker        WorkerConfig        `yaml:"worker"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Registry      RegistryConfig      `yaml:"registry"`
	Store         StoreConfig         `yaml:"store"`
	Translation   TranslationConfig   `yaml:"translation"`
	Observe       ObserveConfig       `yaml:"observe"`
}

// ServerConfig holds the admin HTTP endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr serves /metrics, /healthz, /readyz and the registry push
	// endpoint (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the admin server. When nil, it runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ListenersConfig enables the ingest transports.
type ListenersConfig struct {
	SRT       SRTConfig       `yaml:"srt"`
	RTMP      RTMPConfig      `yaml:"rtmp"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// SRTConfig configures the SRT listener.
type SRTConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`

	// LatencyMs is the SRT receiver latency. 0 keeps the library default.
	LatencyMs int `yaml:"latency_ms"`

	// Passphrase, when set, is required from every caller.
	Passphrase string `yaml:"passphrase"`

	// Encoding is the container carried inside SRT, passed to the worker.
	Encoding string `yaml:"encoding"`
}

// RTMPConfig configures the RTMP listener.
type RTMPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// WebSocketConfig configures the WebSocket listener.
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`

	// PathPrefix precedes the routing key in the request path.
	PathPrefix string `yaml:"path_prefix"`
}

// WorkerConfig describes how demuxing workers are launched.
type WorkerConfig struct {
	// Command is the worker executable. Default: "streamdemux".
	Command string `yaml:"command"`

	// Args are extra arguments passed to Command.
	Args []string `yaml:"args"`

	// FFmpegPath is handed to the worker through STREAMDEMUX_FFMPEG.
	FFmpegPath string `yaml:"ffmpeg_path"`

	// StartupTimeout bounds the wait for the worker's ready message.
	StartupTimeout time.Duration `yaml:"startup_timeout"`
}

// TranscriptionConfig tunes the per-channel orchestrators.
type TranscriptionConfig struct {
	// MinAudioMs is the amount of buffered audio forwarded to a backend at
	// once.
	MinAudioMs int `yaml:"min_audio_ms"`

	// BufferCapacityMs bounds the audio held while a backend connects.
	BufferCapacityMs int `yaml:"buffer_capacity_ms"`

	// AudioDir is where channels with keepAudio are archived. Empty disables
	// archival.
	AudioDir string `yaml:"audio_dir"`

	// DrainTimeout bounds the wait for a backend's last segments on dispose.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// MinAudioBytes returns MinAudioMs as a byte count of 16 kHz mono s16le.
func (t TranscriptionConfig) MinAudioBytes() int { return msToBytes(t.MinAudioMs) }

// BufferCapacityBytes returns BufferCapacityMs as a byte count.
func (t TranscriptionConfig) BufferCapacityBytes() int { return msToBytes(t.BufferCapacityMs) }

func msToBytes(ms int) int { return ms * 16000 * 2 / 1000 }

// RegistryConfig selects and configures the session registry source.
type RegistryConfig struct {
	Source RegistrySource `yaml:"source"`

	// File is the session list read by the file source.
	File string `yaml:"file"`

	// PollInterval is how often the file or postgres source reloads.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PostgresDSN is the connection string of the postgres source.
	PostgresDSN string `yaml:"postgres_dsn"`

	// NotifyChannel is the LISTEN channel that triggers an immediate reload.
	NotifyChannel string `yaml:"notify_channel"`
}

// StoreConfig configures persistence of final segments. An empty DSN
// disables the store.
type StoreConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// TranslationConfig configures the optional translation stage. An empty
// APIKey disables it.
type TranslationConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// ObserveConfig configures telemetry.
type ObserveConfig struct {
	ServiceName string `yaml:"service_name"`
}
