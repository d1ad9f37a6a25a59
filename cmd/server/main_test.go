package main

import (
	"testing"

	"kasirinaja/posledger/internal/config"
)

const strongSecret = "0123456789abcdef0123456789abcdef"

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: strongSecret, AppEnv: "development"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidateSecurityConfigProductionNeedsRealGateway(t *testing.T) {
	cfg := config.Config{AuthSecret: strongSecret, AppEnv: "production", AllowedOrigin: "https://pos.example.com"}
	if err := validateSecurityConfig(cfg); err == nil {
		t.Fatalf("expected production without gateway URL to be rejected")
	}

	cfg.PaymentGatewayURL = "https://pay.example.com"
	if err := validateSecurityConfig(cfg); err != nil {
		t.Fatalf("expected production config to pass, got %v", err)
	}

	cfg.AllowedOrigin = "*"
	if err := validateSecurityConfig(cfg); err == nil {
		t.Fatalf("expected wildcard origin to be rejected in production")
	}
}
