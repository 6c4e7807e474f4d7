package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultWorkerCommand    = "streamdemux"
	DefaultFFmpegPath       = "ffmpeg"
	DefaultMinAudioMs       = 200
	DefaultBufferCapacityMs = 30_000
	DefaultPollInterval     = 5 * time.Second
	DefaultNotifyChannel    = "session_registry"
	DefaultTranslationModel = "gpt-4o-mini"
	DefaultServiceName      = "streamscribe"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown fields are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	l := &cfg.Listeners
	if l.SRT.Addr == "" {
		l.SRT.Addr = ":8890"
	}
	if l.SRT.Encoding == "" {
		l.SRT.Encoding = "mpegts"
	}
	if l.RTMP.Addr == "" {
		l.RTMP.Addr = ":1935"
	}
	if l.WebSocket.Addr == "" {
		l.WebSocket.Addr = ":8891"
	}
	if l.WebSocket.PathPrefix == "" {
		l.WebSocket.PathPrefix = "/transcriber-ws/"
	}
	if !strings.HasSuffix(l.WebSocket.PathPrefix, "/") {
		l.WebSocket.PathPrefix += "/"
	}

	if cfg.Worker.Command == "" {
		cfg.Worker.Command = DefaultWorkerCommand
	}
	if cfg.Worker.FFmpegPath == "" {
		cfg.Worker.FFmpegPath = DefaultFFmpegPath
	}
	if cfg.Worker.StartupTimeout == 0 {
		cfg.Worker.StartupTimeout = 10 * time.Second
	}

	t := &cfg.Transcription
	if t.MinAudioMs == 0 {
		t.MinAudioMs = DefaultMinAudioMs
	}
	if t.BufferCapacityMs == 0 {
		t.BufferCapacityMs = DefaultBufferCapacityMs
	}
	if t.DrainTimeout == 0 {
		t.DrainTimeout = 10 * time.Second
	}

	if cfg.Registry.Source == "" {
		cfg.Registry.Source = RegistryFile
	}
	if cfg.Registry.PollInterval == 0 {
		cfg.Registry.PollInterval = DefaultPollInterval
	}
	if cfg.Registry.NotifyChannel == "" {
		cfg.Registry.NotifyChannel = DefaultNotifyChannel
	}

	if cfg.Translation.Model == "" {
		cfg.Translation.Model = DefaultTranslationModel
	}
	if cfg.Translation.Timeout == 0 {
		cfg.Translation.Timeout = 15 * time.Second
	}
	if cfg.Observe.ServiceName == "" {
		cfg.Observe.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Listeners
	addrs := map[string]string{"server.listen_addr": cfg.Server.ListenAddr}
	checkAddr := func(name, addr string) {
		if addr == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
			return
		}
		for other, a := range addrs {
			if a == addr {
				errs = append(errs, fmt.Errorf("%s %q is already used by %s", name, addr, other))
			}
		}
		addrs[name] = addr
	}
	l := cfg.Listeners
	if l.SRT.Enabled {
		checkAddr("listeners.srt.addr", l.SRT.Addr)
		if l.SRT.LatencyMs < 0 {
			errs = append(errs, fmt.Errorf("listeners.srt.latency_ms %d must not be negative", l.SRT.LatencyMs))
		}
		if p := l.SRT.Passphrase; p != "" && (len(p) < 10 || len(p) > 79) {
			errs = append(errs, errors.New("listeners.srt.passphrase must be 10 to 79 characters"))
		}
	}
	if l.RTMP.Enabled {
		checkAddr("listeners.rtmp.addr", l.RTMP.Addr)
	}
	if l.WebSocket.Enabled {
		checkAddr("listeners.websocket.addr", l.WebSocket.Addr)
		if !strings.HasPrefix(l.WebSocket.PathPrefix, "/") {
			errs = append(errs, fmt.Errorf("listeners.websocket.path_prefix %q must start with /", l.WebSocket.PathPrefix))
		}
	}
	if !l.SRT.Enabled && !l.RTMP.Enabled && !l.WebSocket.Enabled {
		slog.Warn("no listener is enabled; streamscribe will not accept any audio")
	}

	// Worker
	if cfg.Worker.StartupTimeout < 0 {
		errs = append(errs, fmt.Errorf("worker.startup_timeout %s must not be negative", cfg.Worker.StartupTimeout))
	}

	// Transcription
	t := cfg.Transcription
	if t.MinAudioMs <= 0 {
		errs = append(errs, fmt.Errorf("transcription.min_audio_ms %d must be positive", t.MinAudioMs))
	}
	if t.BufferCapacityMs <= 0 {
		errs = append(errs, fmt.Errorf("transcription.buffer_capacity_ms %d must be positive", t.BufferCapacityMs))
	} else if t.BufferCapacityMs < t.MinAudioMs {
		errs = append(errs, fmt.Errorf("transcription.buffer_capacity_ms %d is smaller than min_audio_ms %d", t.BufferCapacityMs, t.MinAudioMs))
	}
	if t.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("transcription.drain_timeout %s must not be negative", t.DrainTimeout))
	}

	// Registry
	r := cfg.Registry
	switch {
	case !r.Source.IsValid():
		errs = append(errs, fmt.Errorf("registry.source %q is invalid; valid values: file, postgres, http", r.Source))
	case r.Source == RegistryFile && r.File == "":
		errs = append(errs, errors.New("registry.file is required when source is file"))
	case r.Source == RegistryPostgres && r.PostgresDSN == "":
		errs = append(errs, errors.New("registry.postgres_dsn is required when source is postgres"))
	}
	if r.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("registry.poll_interval %s must be positive", r.PollInterval))
	}

	// Availability warnings
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; final segments will only be logged")
	}
	if cfg.Translation.APIKey == "" && cfg.Translation.BaseURL != "" {
		slog.Warn("translation.base_url is set without api_key; translation stays disabled")
	}

	return errors.Join(errs...)
}
