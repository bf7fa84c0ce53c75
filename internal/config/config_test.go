package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"PORT", "SERVER_PORT", "BC_BANK_ID", "BANK_IBAN_PREFIX", "BC_SOCKET_URL", "OBSERVER_BROKER", "LEDGER_TIMEOUT_SECONDS", "WORKER_LANES", "STRICT_TOKEN_CHECK"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.BankID != "B07" || cfg.BankIBANPrefix != "CR01B07" {
		t.Fatalf("expected bank B07 with prefix CR01B07, got %q / %q", cfg.BankID, cfg.BankIBANPrefix)
	}
	if cfg.ClearingSocketURL != "http://137.184.36.3:6000" {
		t.Fatalf("unexpected default socket url %q", cfg.ClearingSocketURL)
	}
	if cfg.ObserverBroker != "rabbitmq" {
		t.Fatalf("expected rabbitmq observer broker, got %q", cfg.ObserverBroker)
	}
	if cfg.LedgerTimeout() != 10*time.Second || cfg.WorkerLanes != 16 || cfg.StrictTokenCheck {
		t.Fatalf("unexpected defaults: timeout=%s lanes=%d strict=%t", cfg.LedgerTimeout(), cfg.WorkerLanes, cfg.StrictTokenCheck)
	}
	if cfg.ReconnectMinDelay() != time.Second || cfg.ReconnectMaxDelay() != 30*time.Second {
		t.Fatalf("unexpected reconnect window: %s..%s", cfg.ReconnectMinDelay(), cfg.ReconnectMaxDelay())
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "9100")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9100" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_InternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "CLEARING_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_ClampsInvalidValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "LEDGER_TIMEOUT_SECONDS", "-3")
	setEnvWithCleanup(t, "RECONNECT_MIN_DELAY_MS", "5000")
	setEnvWithCleanup(t, "RECONNECT_MAX_DELAY_MS", "100")
	setEnvWithCleanup(t, "WORKER_LANES", "0")
	setEnvWithCleanup(t, "OBSERVER_BROKER", "Kafka")
	setEnvWithCleanup(t, "BANK_IBAN_PREFIX", " cr01 b03 ")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.LedgerTimeoutSeconds != 10 {
		t.Fatalf("expected ledger timeout reset to 10, got %d", cfg.LedgerTimeoutSeconds)
	}
	if cfg.ReconnectMaxDelayMs != 5000 {
		t.Fatalf("expected max delay clamped to min, got %d", cfg.ReconnectMaxDelayMs)
	}
	if cfg.WorkerLanes != 16 {
		t.Fatalf("expected default lanes, got %d", cfg.WorkerLanes)
	}
	if cfg.ObserverBroker != "kafka" {
		t.Fatalf("expected normalized kafka broker, got %q", cfg.ObserverBroker)
	}
	if cfg.BankIBANPrefix != "CR01B03" {
		t.Fatalf("expected normalized prefix, got %q", cfg.BankIBANPrefix)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
