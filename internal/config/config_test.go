package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TRADING_API_TIMEOUT", "")
	t.Setenv("CREDIT_MAX_ATTEMPTS", "")
	t.Setenv("KAFKA_BROKERS", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TradingAPITimeout != 10*time.Second {
		t.Fatalf("unexpected timeout: %s", cfg.TradingAPITimeout)
	}
	if cfg.CreditMaxAttempts != 3 {
		t.Fatalf("unexpected max attempts: %d", cfg.CreditMaxAttempts)
	}
	if cfg.KafkaBrokers != nil {
		t.Fatalf("expected no brokers, got %v", cfg.KafkaBrokers)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("STALE_LEG_AFTER", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected invalid duration error")
	}
}

func TestLoadRejectsZeroAttempts(t *testing.T) {
	t.Setenv("CREDIT_MAX_ATTEMPTS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected invalid attempts error")
	}
}

func TestGetList(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,,")
	brokers := getList("KAFKA_BROKERS")
	if len(brokers) != 2 || brokers[0] != "kafka-1:9092" || brokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers: %#v", brokers)
	}
}
