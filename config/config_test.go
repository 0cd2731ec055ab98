package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
logLevel: DEBUG
logJson: true
transport:
  topicId: "0.0.1234"
  mirrorBaseUrl: "https://testnet.mirrornode.hedera.com"
  dedupWindow: 200
events:
  enabled: true
  addr: ":9000"
buyer:
  maxPrice: 120
  autoAcceptThreshold: 0.85
  paymentAccount: "0.0.5678"
seller:
  minPrice: 55
  idealPrice: 88
  maxConversationMessages: 8
  inventory:
    widgets: 100
    gadgets: 50
payment:
  ledgerRpcUrl: "http://localhost:8545"
  chainId: 296
  breakerMaxFailures: 5
  breakerResetTimeout: 1m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.LogLevel != "DEBUG" || !cfg.LogJSON {
		t.Errorf("unexpected logging config: %s json=%v", cfg.LogLevel, cfg.LogJSON)
	}
	if cfg.Transport.TopicID != "0.0.1234" || cfg.Transport.DedupWindow != 200 {
		t.Errorf("unexpected transport config: %+v", cfg.Transport)
	}
	if !cfg.Events.Enabled || cfg.Events.Addr != ":9000" {
		t.Errorf("unexpected events config: %+v", cfg.Events)
	}
	if cfg.Buyer.MaxPrice != 120 || cfg.Buyer.AutoAcceptThreshold != 0.85 {
		t.Errorf("unexpected buyer config: %+v", cfg.Buyer)
	}
	if cfg.Seller.MinPrice != 55 || cfg.Seller.Inventory["widgets"] != 100 {
		t.Errorf("unexpected seller config: %+v", cfg.Seller)
	}
	if cfg.Payment.ChainID != 296 || cfg.Payment.BreakerMaxFailures != 5 {
		t.Errorf("unexpected payment config: %+v", cfg.Payment)
	}
	if cfg.Payment.BreakerResetTimeout.Std() != time.Minute {
		t.Errorf("expected 1m reset timeout, got %s", cfg.Payment.BreakerResetTimeout)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
buyer:
  maxPrice: 100
seller:
  minPrice: 50
  idealPrice: 80
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.LogLevel != "INFO" {
		t.Errorf("expected default log level INFO, got %s", cfg.LogLevel)
	}
	if cfg.Transport.DedupWindow != DefaultDedupWindow {
		t.Errorf("expected dedup window %d, got %d", DefaultDedupWindow, cfg.Transport.DedupWindow)
	}
	if cfg.Buyer.AutoAcceptThreshold != DefaultBuyerAutoAcceptThreshold {
		t.Errorf("expected buyer threshold %g, got %g", DefaultBuyerAutoAcceptThreshold, cfg.Buyer.AutoAcceptThreshold)
	}
	if cfg.Seller.AutoAcceptThreshold != DefaultSellerAutoAcceptThreshold {
		t.Errorf("expected seller threshold %g, got %g", DefaultSellerAutoAcceptThreshold, cfg.Seller.AutoAcceptThreshold)
	}
	if cfg.Seller.MaxConversationMessages != DefaultMaxConversationMessages {
		t.Errorf("expected message cap %d, got %d", DefaultMaxConversationMessages, cfg.Seller.MaxConversationMessages)
	}
	if cfg.Payment.BreakerMaxFailures != DefaultBreakerMaxFailures {
		t.Errorf("expected breaker failures %d, got %d", DefaultBreakerMaxFailures, cfg.Payment.BreakerMaxFailures)
	}
	if cfg.Payment.BreakerResetTimeout.Std() != DefaultBreakerResetTimeout {
		t.Errorf("expected breaker reset %s, got %s", DefaultBreakerResetTimeout, cfg.Payment.BreakerResetTimeout)
	}
	if cfg.Events.Addr != ":8090" {
		t.Errorf("expected default events addr :8090, got %s", cfg.Events.Addr)
	}
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_SELLER_KEY", "deadbeef")

	path := writeConfig(t, `
seller:
  privateKey: "${TEST_SELLER_KEY}"
  minPrice: 50
  idealPrice: 80
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Seller.PrivateKey != "deadbeef" {
		t.Errorf("expected expanded key, got %q", cfg.Seller.PrivateKey)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("TOPIC_ID", "0.0.9999")
	t.Setenv("DEDUP_WINDOW", "300")

	path := writeConfig(t, `
transport:
  topicId: "0.0.1234"
  dedupWindow: 150
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Transport.TopicID != "0.0.9999" {
		t.Errorf("environment must override the file, got %s", cfg.Transport.TopicID)
	}
	if cfg.Transport.DedupWindow != 300 {
		t.Errorf("environment must override the file, got %d", cfg.Transport.DedupWindow)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing config file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "buyer: [not a map")
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}
