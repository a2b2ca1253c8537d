package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the struct tags on cfg plus the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	if !cfg.Device.Simulate && cfg.Device.URL == "" {
		return errors.New("device.url is required unless device.simulate is set")
	}
	if cfg.Device.DispenseTimeout < cfg.Device.StatusTimeout {
		return fmt.Errorf("device dispense timeout (%s) must not be shorter than the status timeout (%s)",
			cfg.Device.DispenseTimeout, cfg.Device.StatusTimeout)
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}
	messages := make([]string, 0, len(validationErrs))
	for _, e := range validationErrs {
		messages = append(messages, fmt.Sprintf("field '%s' failed validation: %s (value: '%v')",
			e.Namespace(), e.Tag(), e.Value()))
	}
	return fmt.Errorf("validation failed: %s", strings.Join(messages, "; "))
}
