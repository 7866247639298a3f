package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	if cfg.Environment != "development" {
		t.Errorf("expected development environment, got %s", cfg.Environment)
	}
	if cfg.Server.Port != 8090 {
		t.Errorf("expected port 8090, got %d", cfg.Server.Port)
	}
	if cfg.Scheduler.GetTickInterval() != 30*time.Second {
		t.Errorf("expected 30s tick interval, got %s", cfg.Scheduler.GetTickInterval())
	}
	if cfg.Watchdog.GetInterval() != 45*time.Minute {
		t.Errorf("expected 45m watchdog interval, got %s", cfg.Watchdog.GetInterval())
	}
	if cfg.RateLimit.GetLimit() != 5 {
		t.Errorf("expected rate limit 5, got %d", cfg.RateLimit.GetLimit())
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/spyglass.toml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.Port != 8090 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spyglass.toml")
	data := `
environment = "production"

[server]
port = 9999

[scheduler]
timezone = "UTC"
tick_interval = "10s"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if !cfg.IsProduction() {
		t.Error("expected production mode")
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Scheduler.GetTickInterval() != 10*time.Second {
		t.Errorf("expected 10s tick interval, got %s", cfg.Scheduler.GetTickInterval())
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("FLARESOLVERR_URL", "http://solver:8191")
	t.Setenv("OLLAMA_BASE_URL", "http://llm:11434")
	t.Setenv("OLLAMA_TIMEOUT", "45")
	t.Setenv("ZHIPU_API_KEY", "zk-test")
	t.Setenv("ENABLE_ROBOTS_TXT_CHECKS", "true")
	t.Setenv("SUPABASE_DATABASE_URL", "postgres://op")
	t.Setenv("RESEARCH_DATABASE_URL", "postgres://research")
	t.Setenv("COOKIE_REFRESH_INTERVAL", "15m")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Fetcher.SolverURL != "http://solver:8191" {
		t.Errorf("solver url override failed: %s", cfg.Fetcher.SolverURL)
	}
	if cfg.LLM.OllamaBaseURL != "http://llm:11434" {
		t.Errorf("ollama url override failed: %s", cfg.LLM.OllamaBaseURL)
	}
	if cfg.LLM.GetOllamaTimeout() != 45*time.Second {
		t.Errorf("bare-seconds timeout override failed: %s", cfg.LLM.GetOllamaTimeout())
	}
	if cfg.LLM.ZhipuAPIKey != "zk-test" {
		t.Error("zhipu key override failed")
	}
	if !cfg.Fetcher.RobotsChecks {
		t.Error("robots checks override failed")
	}
	if cfg.Storage.OperationalURL != "postgres://op" || cfg.Storage.ResearchURL != "postgres://research" {
		t.Error("database url overrides failed")
	}
	if cfg.Cookies.GetRefreshInterval() != 15*time.Minute {
		t.Errorf("refresh interval override failed: %s", cfg.Cookies.GetRefreshInterval())
	}
}

func TestDurationGetters_InvalidFallsBack(t *testing.T) {
	sched := &SchedulerConfig{TickInterval: "not-a-duration"}
	if sched.GetTickInterval() != 30*time.Second {
		t.Errorf("expected fallback 30s, got %s", sched.GetTickInterval())
	}

	wd := &WatchdogConfig{Interval: ""}
	if wd.GetInterval() != 45*time.Minute {
		t.Errorf("expected fallback 45m, got %s", wd.GetInterval())
	}

	f := &FetcherConfig{SolverTimeout: "bogus"}
	if f.GetSolverTimeout() != 70*time.Second {
		t.Errorf("expected fallback 70s, got %s", f.GetSolverTimeout())
	}
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", "yes", "on"} {
		if !parseBool(v) {
			t.Errorf("parseBool(%q) = false, want true", v)
		}
	}
	for _, v := range []string{"0", "false", "off", "", "banana"} {
		if parseBool(v) {
			t.Errorf("parseBool(%q) = true, want false", v)
		}
	}
}
