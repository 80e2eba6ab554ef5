package config

import (
	"testing"
	"time"
)

func TestTokenDurationFromFileSurvivesOverrides(t *testing.T) {
	t.Setenv("AUTH_TOKEN_DURATION", "")

	cfg := &Config{AuthConfig: AuthConfig{TokenDuration: time.Hour}}
	applyEnvOverrides(cfg)

	if cfg.AuthConfig.TokenDuration != time.Hour {
		t.Errorf("file token duration discarded, got %s", cfg.AuthConfig.TokenDuration)
	}
}

func TestTokenDurationEnvOverride(t *testing.T) {
	t.Setenv("AUTH_TOKEN_DURATION", "30m")

	cfg := &Config{AuthConfig: AuthConfig{TokenDuration: time.Hour}}
	applyEnvOverrides(cfg)

	if cfg.AuthConfig.TokenDuration != 30*time.Minute {
		t.Errorf("expected env override 30m, got %s", cfg.AuthConfig.TokenDuration)
	}
}

func TestTokenDurationDefault(t *testing.T) {
	t.Setenv("AUTH_TOKEN_DURATION", "")

	cfg := &Config{}
	applyEnvOverrides(cfg)

	if cfg.AuthConfig.TokenDuration != 24*time.Hour {
		t.Errorf("expected 24h default, got %s", cfg.AuthConfig.TokenDuration)
	}
}

func TestValidateRejectsNegativeLimits(t *testing.T) {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	cfg.RiskConfig.MaxDailyLoss = -1

	if err := cfg.validate(); err == nil {
		t.Error("negative max daily loss must fail validation")
	}
}
