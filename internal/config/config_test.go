package config

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"OVER_DISPATCH_POLICY", "SLIP_NUMBER_ATTEMPTS", "DEFAULT_LOCATION", "STOCK_CACHE_TTL_SECONDS"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.OverDispatchPolicy != OverDispatchClamp {
		t.Fatalf("expected clamp policy by default, got %q", cfg.OverDispatchPolicy)
	}
	if cfg.SlipNumberAttempts != 3 {
		t.Fatalf("expected 3 slip number attempts, got %d", cfg.SlipNumberAttempts)
	}
	if cfg.DefaultLocation != "tothai" {
		t.Fatalf("expected tothai default location, got %q", cfg.DefaultLocation)
	}
	if cfg.StockCacheTTLSeconds != 20 {
		t.Fatalf("expected 20s cache ttl, got %d", cfg.StockCacheTTLSeconds)
	}
}

func TestLoadSanitizesInvalidValues(t *testing.T) {
	t.Setenv("OVER_DISPATCH_POLICY", "REJECT")
	t.Setenv("SLIP_NUMBER_ATTEMPTS", "-4")
	t.Setenv("DEFAULT_LOCATION", "mars")

	cfg := Load()
	if cfg.OverDispatchPolicy != OverDispatchReject {
		t.Fatalf("expected reject policy, got %q", cfg.OverDispatchPolicy)
	}
	if cfg.SlipNumberAttempts != 3 {
		t.Fatalf("expected fallback attempts, got %d", cfg.SlipNumberAttempts)
	}
	if cfg.DefaultLocation != "tothai" {
		t.Fatalf("expected fallback location, got %q", cfg.DefaultLocation)
	}
}

func TestNewLoggerFormatsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{LogLevel: "warn", LogFormat: "json"}, &buf)
	if logger.GetLevel() != logrus.WarnLevel {
		t.Fatalf("expected warn level, got %s", logger.GetLevel())
	}

	logger.Info("hidden")
	logger.WithField("batch_id", "b1").Warn("clamped")
	out := strings.TrimSpace(buf.String())
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line must be filtered at warn level")
	}
	var line map[string]any
	if err := json.Unmarshal([]byte(out), &line); err != nil {
		t.Fatalf("expected a json line, got %q", out)
	}
	if line["batch_id"] != "b1" || line["msg"] != "clamped" {
		t.Fatalf("unexpected log line %v", line)
	}
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{LogLevel: "chatty", LogFormat: "text"}, &buf)
	if logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info fallback, got %s", logger.GetLevel())
	}
}
