// Package config loads service configuration from TALEFORGE_* environment
// variables into tagged structs; each command layers flag overrides on
// top of the parsed values.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv fills cfg from its `env` struct tags. Fields fall back to
// their envDefault value when the variable is unset.
func ParseEnv(cfg any) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
