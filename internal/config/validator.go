package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers agentgate-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("store_driver", validateStoreDriver); err != nil {
		return fmt.Errorf("failed to register store_driver validator: %w", err)
	}
	return nil
}

func validateStoreDriver(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case DriverMemory, DriverFile, DriverSQLite, DriverPostgres:
		return true
	}
	return false
}

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateStoreTarget(); err != nil {
		return err
	}
	if err := c.validateExporters(); err != nil {
		return err
	}
	return c.validateDurations()
}

// validateStoreTarget ensures the selected driver has somewhere to write.
func (c *Config) validateStoreTarget() error {
	switch c.Store.Driver {
	case DriverFile, DriverSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("store.path is required for the %s driver", c.Store.Driver)
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	}
	return nil
}

// validateExporters rejects half-configured Kafka export.
func (c *Config) validateExporters() error {
	k := c.Audit.Exporters.Kafka
	if !k.Enabled() {
		return nil
	}
	if len(k.Brokers) == 0 {
		return errors.New("audit.exporters.kafka.brokers is required when kafka export is configured")
	}
	if strings.TrimSpace(k.Topic) == "" {
		return errors.New("audit.exporters.kafka.topic is required when kafka export is configured")
	}
	return nil
}

func (c *Config) validateDurations() error {
	for key, val := range map[string]string{
		"audit.flush_interval": c.Audit.FlushInterval,
		"audit.send_timeout":   c.Audit.SendTimeout,
	} {
		if val == "" {
			continue
		}
		if d, err := time.ParseDuration(val); err != nil || d <= 0 {
			return fmt.Errorf("%s must be a positive duration, got %q", key, val)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "store_driver":
		return fmt.Sprintf("%s must be one of: memory, file, sqlite, postgres", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
