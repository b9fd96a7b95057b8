package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rallybot/pkg/logx"
)

const validYAML = `
telegram:
  token: "123:abc"
  poll_timeout: "10s"
storage:
  path: "/tmp/rallybot.db"
logging:
  level: "debug"
  console: true
  file:
    enabled: false
    path: ""
schedule:
  timezone: "Europe/Moscow"
dispatch:
  retry_max: 3
  retry_backoff: "2s"
  signature: "rallybot"
`

func TestParseYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Parse("config.yaml", []byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Schedule.Timezone != "Europe/Moscow" {
		t.Errorf("timezone = %q", cfg.Schedule.Timezone)
	}
	if cfg.Dispatch.RetryMax != 3 {
		t.Errorf("retry_max = %d", cfg.Dispatch.RetryMax)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	raw := `{"telegram":{"token":"t"},"storage":{"path":"p"},
		"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}},
		"schedule":{"timezone":""},"dispatch":{}}`
	cfg, err := Parse("config.json", []byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "t" || cfg.Storage.Path != "p" {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
		raw  string
		want string
	}{
		{
			name: "unknown field",
			path: "c.yaml",
			raw:  validYAML + "\nextra: true\n",
			want: "unknown field",
		},
		{
			name: "missing token",
			path: "c.yaml",
			raw:  strings.Replace(validYAML, `token: "123:abc"`, `token: ""`, 1),
			want: "telegram.token",
		},
		{
			name: "bad timezone",
			path: "c.yaml",
			raw:  strings.Replace(validYAML, "Europe/Moscow", "Mars/Olympus", 1),
			want: "schedule.timezone",
		},
		{
			name: "bad duration",
			path: "c.yaml",
			raw:  strings.Replace(validYAML, `"2s"`, `"2 parsecs"`, 1),
			want: "retry_backoff",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.path, []byte(tt.raw))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	if d, err := ParseDuration("x", "", 5); err != nil || d != 5 {
		t.Errorf("empty = %v, %v", d, err)
	}
	if _, err := ParseDuration("x", "nope", 0); err == nil {
		t.Error("expected error for bad duration")
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(path, logx.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if got := m.Current().Logging.Level; got != "debug" {
		t.Fatalf("level = %q", got)
	}

	var reloaded *Config
	m.OnReload(func(cfg *Config) { reloaded = cfg })

	next := strings.Replace(validYAML, `level: "debug"`, `level: "warn"`, 1)
	if err := os.WriteFile(path, []byte(next), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload()

	if got := m.Current().Logging.Level; got != "warn" {
		t.Errorf("level after reload = %q", got)
	}
	if reloaded == nil || reloaded.Logging.Level != "warn" {
		t.Error("OnReload callback did not receive new config")
	}
}

func TestManagerReloadKeepsPreviousOnError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(path, logx.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := os.WriteFile(path, []byte("telegram: ["), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload()

	if got := m.Current().Telegram.Token; got != "123:abc" {
		t.Errorf("token after broken reload = %q", got)
	}
}
