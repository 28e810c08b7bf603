package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %q", cfg.KafkaBrokers)
	}
	if cfg.PaymentAbandonAfter != 24*time.Hour || cfg.GatewayAttempts != 3 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	cost, free, err := cfg.Shipping()
	if err != nil || cost.String() != "10.00" || free != 0 {
		t.Fatalf("unexpected shipping %s/%s (%v)", cost, free, err)
	}
}

func TestLoadRejectsBadMoney(t *testing.T) {
	t.Setenv("SHIPPING_FLAT", "9.999")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for 3 fractional digits")
	}
}

func TestLoadRejectsBadTaxRate(t *testing.T) {
	t.Setenv("TAX_RATE", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for tax rate above 1")
	}
}

func TestAccessorsRejectUnvalidatedConfig(t *testing.T) {
	cfg := &Config{TaxRate: "abc", ShippingFlat: "10.00", ShippingFreeOver: "-"}
	if _, err := cfg.Tax(); err == nil {
		t.Fatal("expected tax error")
	}
	if _, _, err := cfg.Shipping(); err == nil {
		t.Fatal("expected shipping error")
	}
}
