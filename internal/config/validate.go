package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.Interpreter == "" {
		return errors.New("pipeline.interpreter must be set")
	}
	if len(c.Pipeline.Scripts) == 0 {
		return errors.New("pipeline.scripts must define at least one pipeline")
	}
	for kind, script := range c.Pipeline.Scripts {
		if strings.TrimSpace(script) == "" {
			return fmt.Errorf("pipeline.scripts.%s must not be empty", kind)
		}
	}
	if c.Pipeline.GracePeriod >= c.Pipeline.Timeout {
		return errors.New("pipeline.grace_period must be smaller than pipeline.timeout")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}
