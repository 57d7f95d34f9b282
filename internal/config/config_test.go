package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Pipeline.DefaultSeed != 42 || cfg.Pipeline.MaxRepairAttempts != 3 {
		t.Fatalf("unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.StageTimeout() != 5*time.Minute {
		t.Fatalf("stage timeout = %v", cfg.StageTimeout())
	}
	if cfg.HeartbeatInterval() != 15*time.Second || cfg.PollInterval() != 500*time.Millisecond {
		t.Fatalf("unexpected event intervals")
	}
	if cfg.Events.Redis.StreamPrefix != "ic:events:" || cfg.Events.Redis.MaxLen != 10000 {
		t.Fatalf("unexpected redis defaults: %+v", cfg.Events.Redis)
	}
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("pipeline:\n  default_seed: 7\n  max_repair_attempts: 3\n  verify_concurrency: 6\n  stage_timeout: \"0\"\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Pipeline.DefaultSeed != 7 {
		t.Fatalf("seed = %d", cfg.Pipeline.DefaultSeed)
	}
	if cfg.StageTimeout() != 0 {
		t.Fatalf("zero stage timeout should disable the deadline")
	}
	if cfg.Funds.Driver != "sqlite" || cfg.Funds.Limit != 200 {
		t.Fatalf("funds defaults lost: %+v", cfg.Funds)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"repair":    "pipeline:\n  max_repair_attempts: 11\n",
		"driver":    "funds:\n  driver: oracle\n",
		"timeout":   "pipeline:\n  stage_timeout: soon\n",
		"heartbeat": "events:\n  heartbeat_interval: 0s\n",
		"level":     "logging:\n  level: verbose\n",
		"webhook":   "webhooks:\n  - events: [run_completed]\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load optional without file: %v", err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
	doc := GenerateDefault() + "\nwebhooks:\n  - url: http://localhost:9000/hook\n    events: [run_completed, run_failed]\n"
	if err := os.WriteFile(filepath.Join(dir, "icpilot.yml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Events[1] != "run_failed" {
		t.Fatalf("webhooks not parsed: %+v", cfg.Webhooks)
	}
}
