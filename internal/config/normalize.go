package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizePipeline()
	c.normalizeLogging()
	c.normalizeHistory()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.SuiteRoot) == "" {
		c.Paths.SuiteRoot = defaultSuiteRoot
	}
	if c.Paths.SuiteRoot, err = expandPath(c.Paths.SuiteRoot); err != nil {
		return fmt.Errorf("paths.suite_root: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizePipeline() {
	c.Pipeline.Interpreter = strings.TrimSpace(c.Pipeline.Interpreter)
	if c.Pipeline.Interpreter == "" {
		c.Pipeline.Interpreter = defaultInterpreter
	}
	if c.Pipeline.Scripts == nil {
		c.Pipeline.Scripts = Default().Pipeline.Scripts
	}
	for kind, script := range c.Pipeline.Scripts {
		c.Pipeline.Scripts[kind] = strings.TrimSpace(script)
	}
	if c.Pipeline.Timeout <= 0 {
		c.Pipeline.Timeout = defaultTimeout
	}
	if c.Pipeline.GracePeriod <= 0 {
		c.Pipeline.GracePeriod = defaultGracePeriod
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.BufferLines <= 0 {
		c.Logging.BufferLines = defaultBufferLines
	}
	if c.Logging.TailLines <= 0 {
		c.Logging.TailLines = defaultTailLines
	}
}

func (c *Config) normalizeHistory() {
	if c.History.Keep <= 0 {
		c.History.Keep = defaultHistoryKeep
	}
}
