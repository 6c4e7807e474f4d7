package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/streamscribe/internal/config"
)

const fullYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
listeners:
  srt:
    enabled: true
    addr: ":6000"
    latency_ms: 200
    passphrase: "correct horse battery"
  rtmp:
    enabled: true
    addr: ":1936"
  websocket:
    enabled: true
    addr: ":6001"
    path_prefix: /ingest
worker:
  command: /usr/local/bin/streamdemux
  args: ["-debug"]
  startup_timeout: 3s
transcription:
  min_audio_ms: 100
  buffer_capacity_ms: 10000
  audio_dir: /var/lib/streamscribe
registry:
  source: postgres
  postgres_dsn: postgres://localhost/registry
  poll_interval: 30s
store:
  postgres_dsn: postgres://localhost/segments
translation:
  api_key: sk-test
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if !cfg.Listeners.SRT.Enabled || cfg.Listeners.SRT.LatencyMs != 200 || cfg.Listeners.SRT.Encoding != "mpegts" {
		t.Errorf("srt = %+v", cfg.Listeners.SRT)
	}
	if got := cfg.Listeners.WebSocket.PathPrefix; got != "/ingest/" {
		t.Errorf("websocket path prefix = %q, want trailing slash added", got)
	}
	if cfg.Worker.StartupTimeout != 3*time.Second || len(cfg.Worker.Args) != 1 || cfg.Worker.FFmpegPath != "ffmpeg" {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if got := cfg.Transcription.MinAudioBytes(); got != 3200 {
		t.Errorf("MinAudioBytes = %d, want 3200", got)
	}
	if got := cfg.Transcription.BufferCapacityBytes(); got != 320_000 {
		t.Errorf("BufferCapacityBytes = %d, want 320000", got)
	}
	if cfg.Registry.Source != config.RegistryPostgres || cfg.Registry.PollInterval != 30*time.Second {
		t.Errorf("registry = %+v", cfg.Registry)
	}
	if cfg.Registry.NotifyChannel != config.DefaultNotifyChannel {
		t.Errorf("notify channel = %q", cfg.Registry.NotifyChannel)
	}
	if cfg.Translation.Model != config.DefaultTranslationModel {
		t.Errorf("translation model = %q", cfg.Translation.Model)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("registry:\n  source: http\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if got := cfg.Transcription.MinAudioBytes(); got != 6400 {
		t.Errorf("default forward threshold = %d bytes, want 6400", got)
	}
	if got := cfg.Transcription.BufferCapacityBytes(); got != 960_000 {
		t.Errorf("default buffer capacity = %d bytes, want 960000", got)
	}
	if cfg.Worker.Command != config.DefaultWorkerCommand {
		t.Errorf("worker command = %q", cfg.Worker.Command)
	}
	if cfg.Listeners.WebSocket.PathPrefix != "/transcriber-ws/" {
		t.Errorf("websocket prefix = %q", cfg.Listeners.WebSocket.PathPrefix)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("registry:\n  source: http\n  sauce: file\n"))
	if err == nil || !strings.Contains(err.Error(), "sauce") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "bad log level",
			yaml: "server: {log_level: verbose}\nregistry: {source: http}\n",
			want: []string{"server.log_level"},
		},
		{
			name: "unknown registry source",
			yaml: "registry: {source: kafka}\n",
			want: []string{"registry.source"},
		},
		{
			name: "file source without file",
			yaml: "registry: {source: file}\n",
			want: []string{"registry.file"},
		},
		{
			name: "postgres source without dsn",
			yaml: "registry: {source: postgres}\n",
			want: []string{"registry.postgres_dsn"},
		},
		{
			name: "duplicate listener addresses",
			yaml: `
registry: {source: http}
listeners:
  rtmp: {enabled: true, addr: ":7000"}
  websocket: {enabled: true, addr: ":7000"}
`,
			want: []string{"already used"},
		},
		{
			name: "listener on admin address",
			yaml: `
registry: {source: http}
listeners:
  rtmp: {enabled: true, addr: ":8080"}
`,
			want: []string{"listeners.rtmp.addr", "server.listen_addr"},
		},
		{
			name: "negative thresholds",
			yaml: `
registry: {source: http}
transcription: {min_audio_ms: -5, buffer_capacity_ms: -1}
`,
			want: []string{"min_audio_ms", "buffer_capacity_ms"},
		},
		{
			name: "buffer smaller than threshold",
			yaml: `
registry: {source: http}
transcription: {min_audio_ms: 500, buffer_capacity_ms: 100}
`,
			want: []string{"smaller than min_audio_ms"},
		},
		{
			name: "short srt passphrase",
			yaml: `
registry: {source: http}
listeners:
  srt: {enabled: true, passphrase: short}
`,
			want: []string{"passphrase"},
		},
		{
			name: "tls without key",
			yaml: "server: {tls: {cert_file: a.pem}}\nregistry: {source: http}\n",
			want: []string{"server.tls"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected a validation error")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %q", err, w)
				}
			}
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
server: {log_level: loud}
registry: {source: nowhere}
transcription: {min_audio_ms: -1}
`))
	if err == nil {
		t.Fatal("expected errors")
	}
	if n := strings.Count(err.Error(), "\n") + 1; n < 3 {
		t.Errorf("got %d problems, want at least 3: %v", n, err)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}
