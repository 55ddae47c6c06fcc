package config

import (
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		DatabaseURL: "postgres://localhost/supercheck",
		RedisAddr:   "localhost:6379",
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("valid config should not return error, got: %v", err)
	}
}

func TestValidate_MissingRequired(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"database url", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"redis addr", func(c *Config) { c.RedisAddr = "" }, "REDIS_ADDR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatalf("expected error for missing %s", tt.field)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error should mention %s: %q", tt.field, err.Error())
			}
		})
	}
}

func TestValidate_Intervals(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"non-parseable promote interval", func(c *Config) { c.PromoteIntervalStr = "invalid" }, "invalid duration"},
		{"negative promote interval", func(c *Config) { c.PromoteIntervalStr = "-1s" }, "must be positive"},
		{"zero stalled grace", func(c *Config) { c.StalledGraceStr = "0s" }, "must be positive"},
		{"bad sse ping interval", func(c *Config) { c.SSEPingIntervalStr = "soon" }, "invalid duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_CapacityIsolation(t *testing.T) {
	cfg := validConfig()
	cfg.CapacityIsolation = "per-user"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for unknown isolation mode")
	}
	if !strings.Contains(err.Error(), "CAPACITY_ISOLATION") {
		t.Errorf("error should mention CAPACITY_ISOLATION: %q", err.Error())
	}

	for _, mode := range []string{"", "tenant", "global"} {
		cfg.CapacityIsolation = mode
		if err := Validate(cfg); err != nil {
			t.Errorf("isolation mode %q should be accepted, got %v", mode, err)
		}
	}
}

func TestValidate_AuthMode(t *testing.T) {
	cfg := validConfig()
	cfg.AuthMode = "jwt"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for AUTH_MODE=jwt without secret")
	}
	if !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Errorf("error should mention JWT_SECRET: %q", err.Error())
	}

	cfg.JWTSecret = "secret"
	if err := Validate(cfg); err != nil {
		t.Errorf("jwt mode with secret should be valid, got %v", err)
	}

	cfg.AuthMode = "basic"
	if err := Validate(cfg); err == nil {
		t.Error("expected error for unknown auth mode")
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := Config{
		PromoteIntervalStr: "invalid",
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}

	errs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}

	if len(errs) != 3 {
		t.Errorf("expected 3 validation errors, got %d: %v", len(errs), errs)
	}
}

func TestValidationError_Format(t *testing.T) {
	err := ValidationError{Field: "DATABASE_URL", Message: "required"}
	got := err.Error()
	want := "DATABASE_URL: required"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestValidationErrors_Format(t *testing.T) {
	single := ValidationErrors{{Field: "F1", Message: "M1"}}
	if single.Error() != "F1: M1" {
		t.Errorf("single error = %q, want 'F1: M1'", single.Error())
	}

	multi := ValidationErrors{
		{Field: "F1", Message: "M1"},
		{Field: "F2", Message: "M2"},
	}
	got := multi.Error()
	if !strings.Contains(got, "2 validation errors") {
		t.Errorf("multi error should contain '2 validation errors': %q", got)
	}
	if !strings.Contains(got, "F1: M1") || !strings.Contains(got, "F2: M2") {
		t.Errorf("multi error should contain both errors: %q", got)
	}

	empty := ValidationErrors{}
	if empty.Error() != "" {
		t.Errorf("empty errors should return empty string, got %q", empty.Error())
	}
}
