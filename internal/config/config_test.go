package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validConfig = `{
	"server": {"port": 8080},
	"database": {"dsn": "postgres://localhost/grouphub"},
	"redis": {"nodes": [{"host": "localhost", "port": 6379}]},
	"sharding": {
		"ingest_stream": "grouphub:ingest",
		"shard_streams": ["grouphub:shard:0", "grouphub:shard:1"],
		"worker_stream": "grouphub:grouping-jobs"
	},
	"grouping": {"enabled": true, "mode": "marker", "grace_period": 60000000000},
	"consumer": {"group": "grouphub", "workers": 2, "max_attempts": 5, "dead_letter": "grouphub:dlq"},
	"notifier": {"change_stream": "grouphub:changefeed", "topic": "grouphub:job-events"}
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadAndValidate(t *testing.T) {
	cfg := NewConfig()
	if err := cfg.Read(writeConfig(t, validConfig)); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(cfg.Sharding.ShardStreams) != 2 {
		t.Errorf("shard streams = %v", cfg.Sharding.ShardStreams)
	}
}

func TestValidateRejectsNoShards(t *testing.T) {
	cfg := NewConfig()
	body := `{
		"server": {"port": 8080},
		"database": {"dsn": "x"},
		"redis": {"nodes": [{"host": "localhost", "port": 6379}]},
		"sharding": {"ingest_stream": "in", "shard_streams": [], "worker_stream": "out"},
		"grouping": {"enabled": true, "mode": "marker"},
		"consumer": {"group": "g", "workers": 1, "max_attempts": 1, "dead_letter": "dlq"},
		"notifier": {"change_stream": "cf", "topic": "t"}
	}`
	if err := cfg.Read(writeConfig(t, body)); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty shard list should not validate")
	}
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := NewConfig()
	if err := cfg.Read(writeConfig(t, validConfig)); err != nil {
		t.Fatalf("read: %v", err)
	}
	cfg.Grouping.Mode = "cron"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown grouping mode should not validate")
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("DATABASE_DSN", "postgres://prod/grouphub")
	t.Setenv("REDIS_PASSWORD", "hunter2")

	cfg := NewConfig()
	if err := cfg.Read(writeConfig(t, validConfig)); err != nil {
		t.Fatalf("read: %v", err)
	}
	if cfg.Database.DSN != "postgres://prod/grouphub" {
		t.Errorf("dsn = %q", cfg.Database.DSN)
	}
	if cfg.Redis.Password != "hunter2" {
		t.Errorf("password not overridden")
	}
}

func TestEffectiveMode(t *testing.T) {
	cases := []struct {
		g    GroupingConfig
		want string
	}{
		{GroupingConfig{Enabled: false, Mode: ModeMarker}, ModeDisabled},
		{GroupingConfig{Enabled: false, Mode: ModeTimer, TimerAllowed: true}, ModeDisabled},
		{GroupingConfig{Enabled: true, Mode: ModeMarker}, ModeMarker},
		{GroupingConfig{Enabled: true, Mode: ModeTimer, TimerAllowed: true}, ModeTimer},
		// timer without the allow flag falls back to marker
		{GroupingConfig{Enabled: true, Mode: ModeTimer, TimerAllowed: false}, ModeMarker},
	}
	for _, c := range cases {
		if got := c.g.EffectiveMode(); got != c.want {
			t.Errorf("EffectiveMode(%+v) = %q, want %q", c.g, got, c.want)
		}
	}
}
