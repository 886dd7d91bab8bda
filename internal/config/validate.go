package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDownload(); err != nil {
		return err
	}
	if err := c.validateExtraction(); err != nil {
		return err
	}
	if err := c.validateReservation(); err != nil {
		return err
	}
	if err := c.validateAnalysis(); err != nil {
		return err
	}
	if err := c.validateBroadcast(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateDownload() error {
	switch c.Download.Mode {
	case downloadModeHTTP:
	case downloadModeCommand:
		if strings.TrimSpace(c.Download.Binary) == "" {
			return errors.New("download.binary must be set when download.mode is \"command\"")
		}
		if !containsPlaceholder(c.Download.Args, "{output}") {
			return errors.New("download.args must contain the {output} placeholder")
		}
	default:
		return fmt.Errorf("download.mode: unsupported value %q (expected \"http\" or \"command\")", c.Download.Mode)
	}
	if c.Download.AbsoluteTimeout < c.Download.NoProgressTimeout {
		return errors.New("download.absolute_timeout must not be shorter than download.no_progress_timeout")
	}
	return nil
}

func (c *Config) validateExtraction() error {
	if strings.TrimSpace(c.Extraction.Binary) == "" {
		return errors.New("extraction.binary must be set")
	}
	for _, placeholder := range []string{"{input}", "{output}"} {
		if !containsPlaceholder(c.Extraction.Args, placeholder) {
			return fmt.Errorf("extraction.args must contain the %s placeholder", placeholder)
		}
	}
	if c.Extraction.AbsoluteTimeout < c.Extraction.NoProgressTimeout {
		return errors.New("extraction.absolute_timeout must not be shorter than extraction.no_progress_timeout")
	}
	for model, factor := range c.Extraction.ModelMultipliers {
		if factor <= 0 {
			return fmt.Errorf("extraction.model_multipliers.%s must be positive", model)
		}
	}
	return nil
}

func (c *Config) validateReservation() error {
	if c.Reservation.Jitter < 0 || c.Reservation.Jitter > 1 {
		return errors.New("reservation.jitter must be between 0 and 1")
	}
	if c.Reservation.BackoffMaxMillis < c.Reservation.BackoffBaseMillis {
		return errors.New("reservation.backoff_max_ms must not be smaller than reservation.backoff_base_ms")
	}
	return nil
}

func (c *Config) validateAnalysis() error {
	if !c.Analysis.Enabled {
		return nil
	}
	if c.Analysis.Binary == "" {
		return errors.New("analysis.binary must be set when analysis.enabled is true")
	}
	return nil
}

func (c *Config) validateBroadcast() error {
	if c.Broadcast.RedisDB < 0 {
		return errors.New("broadcast.redis_db must be non-negative")
	}
	if topic := c.Broadcast.NtfyTopic; topic != "" && !strings.HasPrefix(topic, "http://") && !strings.HasPrefix(topic, "https://") {
		return fmt.Errorf("broadcast.ntfy_topic must be an http(s) URL, got %q", topic)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func containsPlaceholder(args []string, placeholder string) bool {
	for _, arg := range args {
		if strings.Contains(arg, placeholder) {
			return true
		}
	}
	return false
}
