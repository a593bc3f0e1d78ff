package config

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/planlock/planlock/core/infra/schema"
)

//go:embed schemas/limits.json
var limitsSchemaFS embed.FS

const limitsSchemaFile = "schemas/limits.json"

// Limits tunes lease and rate-limit behavior. All fields have working
// defaults so the file is optional.
type Limits struct {
	// LeaseDuration is how long an acquired lock lives without extension.
	LeaseDuration time.Duration
	// WSWindow and WSMaxMessages bound inbound real-time messages per
	// identity per fixed window.
	WSWindow      time.Duration
	WSMaxMessages int
	// InactivityTimeout and CheckInterval drive the client lease supervisor.
	InactivityTimeout time.Duration
	CheckInterval     time.Duration
}

type rawLimits struct {
	LeaseDurationSeconds     int `yaml:"lease_duration_seconds"`
	WSWindowMillis           int `yaml:"ws_window_ms"`
	WSMaxMessages            int `yaml:"ws_max_messages"`
	InactivityTimeoutSeconds int `yaml:"inactivity_timeout_seconds"`
	CheckIntervalSeconds     int `yaml:"check_interval_seconds"`
}

// DefaultLimits mirrors the documented protocol defaults: 5 minute leases,
// 20 messages per second on the real-time channel, 5 minute inactivity
// release checked every 10 seconds.
func DefaultLimits() Limits {
	return Limits{
		LeaseDuration:     5 * time.Minute,
		WSWindow:          time.Second,
		WSMaxMessages:     20,
		InactivityTimeout: 5 * time.Minute,
		CheckInterval:     10 * time.Second,
	}
}

// ParseLimits parses limits config from YAML bytes, validating against the
// embedded schema first.
func ParseLimits(data []byte) (Limits, error) {
	limits := DefaultLimits()
	if len(data) == 0 {
		return limits, nil
	}
	if err := validateConfigSchema("limits", limitsSchemaFile, data); err != nil {
		return Limits{}, err
	}
	var raw rawLimits
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Limits{}, fmt.Errorf("parse limits config: %w", err)
	}
	if raw.LeaseDurationSeconds > 0 {
		limits.LeaseDuration = time.Duration(raw.LeaseDurationSeconds) * time.Second
	}
	if raw.WSWindowMillis > 0 {
		limits.WSWindow = time.Duration(raw.WSWindowMillis) * time.Millisecond
	}
	if raw.WSMaxMessages > 0 {
		limits.WSMaxMessages = raw.WSMaxMessages
	}
	if raw.InactivityTimeoutSeconds > 0 {
		limits.InactivityTimeout = time.Duration(raw.InactivityTimeoutSeconds) * time.Second
	}
	if raw.CheckIntervalSeconds > 0 {
		limits.CheckInterval = time.Duration(raw.CheckIntervalSeconds) * time.Second
	}
	return limits, nil
}

// LoadLimits reads a YAML limits file. A missing file yields the defaults;
// a present but invalid file is an error.
func LoadLimits(path string) (Limits, error) {
	if path == "" {
		return DefaultLimits(), nil
	}
	// #nosec G304 -- limits config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultLimits(), nil
		}
		return Limits{}, fmt.Errorf("read limits config %s: %w", path, err)
	}
	return ParseLimits(data)
}

func validateConfigSchema(name, schemaPath string, data []byte) error {
	schemaBytes, err := limitsSchemaFS.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("load %s schema: %w", name, err)
	}
	var payload any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("parse %s config: %w", name, err)
	}
	if err := schema.ValidateSchema(name, schemaBytes, payload); err != nil {
		return fmt.Errorf("validate %s config: %w", name, err)
	}
	return nil
}
