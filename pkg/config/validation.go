package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	addresses := make(map[string]bool)
	for i, p := range cfg.Sync.Partners {
		if addresses[p.Address] {
			return fmt.Errorf("sync.partners[%d]: duplicate partner address %q", i, p.Address)
		}
		addresses[p.Address] = true
	}

	if cfg.Entries.InMemory && cfg.Blobs.Type != "memory" {
		return fmt.Errorf("entries: in_memory requires blobs.type memory, or payloads outlive their entries")
	}

	if cfg.Server.Metrics.Enabled && cfg.Adapters.GRPC.Enabled &&
		cfg.Server.Metrics.Port == cfg.Adapters.GRPC.Port && cfg.Server.Metrics.Port != 0 {
		return fmt.Errorf("server.metrics.port %d collides with adapters.grpc.port", cfg.Server.Metrics.Port)
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
