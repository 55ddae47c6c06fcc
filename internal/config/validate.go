package config

import (
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// DATABASE_URL and REDIS_ADDR are required
	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required",
		})
	}
	if cfg.RedisAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "REDIS_ADDR",
			Message: "required",
		})
	}

	errs = append(errs, validateInterval("PROMOTE_INTERVAL", cfg.PromoteIntervalStr)...)
	errs = append(errs, validateInterval("STALLED_CHECK_INTERVAL", cfg.StalledIntervalStr)...)
	errs = append(errs, validateInterval("STALLED_GRACE", cfg.StalledGraceStr)...)
	errs = append(errs, validateInterval("SSE_PING_INTERVAL", cfg.SSEPingIntervalStr)...)

	// CAPACITY_ISOLATION must be "tenant" or "global"
	if cfg.CapacityIsolation != "" && cfg.CapacityIsolation != "tenant" && cfg.CapacityIsolation != "global" {
		errs = append(errs, ValidationError{
			Field:   "CAPACITY_ISOLATION",
			Message: fmt.Sprintf("must be 'tenant' or 'global', got %q", cfg.CapacityIsolation),
		})
	}

	// AUTH_MODE must be "none" or "jwt"; jwt requires a secret
	switch cfg.AuthMode {
	case "", "none":
	case "jwt":
		if cfg.JWTSecret == "" {
			errs = append(errs, ValidationError{
				Field:   "JWT_SECRET",
				Message: "required when AUTH_MODE=jwt",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "AUTH_MODE",
			Message: fmt.Sprintf("must be 'none' or 'jwt', got %q", cfg.AuthMode),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateInterval(field, value string) ValidationErrors {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return ValidationErrors{{
			Field:   field,
			Message: fmt.Sprintf("invalid duration: %v", err),
		}}
	}
	if d <= 0 {
		return ValidationErrors{{
			Field:   field,
			Message: "must be positive",
		}}
	}
	return nil
}
