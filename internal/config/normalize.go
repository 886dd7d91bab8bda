package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeDownload()
	c.normalizeExtraction()
	c.normalizeReservation()
	c.normalizeRegistry()
	c.normalizeAnalysis()
	c.normalizeBroadcast()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.DownloadsDir) == "" {
		c.Paths.DownloadsDir = filepath.Join(c.Paths.DataDir, "downloads")
	}
	if c.Paths.DownloadsDir, err = expandPath(c.Paths.DownloadsDir); err != nil {
		return fmt.Errorf("paths.downloads_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.StemsDir) == "" {
		c.Paths.StemsDir = filepath.Join(c.Paths.DataDir, "stems")
	}
	if c.Paths.StemsDir, err = expandPath(c.Paths.StemsDir); err != nil {
		return fmt.Errorf("paths.stems_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.DataDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.SocketPath) == "" {
		c.Paths.SocketPath = filepath.Join(c.Paths.LogDir, defaultSocketName)
	}
	if c.Paths.SocketPath, err = expandPath(c.Paths.SocketPath); err != nil {
		return fmt.Errorf("paths.socket_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeDownload() {
	c.Download.Mode = strings.ToLower(strings.TrimSpace(c.Download.Mode))
	if c.Download.Mode == "" {
		c.Download.Mode = defaultDownloadMode
	}
	c.Download.URLTemplate = strings.TrimSpace(c.Download.URLTemplate)
	c.Download.Binary = strings.TrimSpace(c.Download.Binary)
	if c.Download.Binary == "" {
		c.Download.Binary = defaultDownloadBinary
	}
	if len(c.Download.Args) == 0 {
		c.Download.Args = append([]string(nil), defaultDownloadArgs...)
	}
	if c.Download.MaxConcurrent <= 0 {
		c.Download.MaxConcurrent = defaultDownloadMaxConcurrent
	}
	if c.Download.MinArtifactBytes < 0 {
		c.Download.MinArtifactBytes = 0
	}
	if c.Download.TransferRetries < 0 {
		c.Download.TransferRetries = 0
	}
	if c.Download.RetryDelayMillis <= 0 {
		c.Download.RetryDelayMillis = defaultRetryDelayMillis
	}
	if c.Download.RequestTimeout <= 0 {
		c.Download.RequestTimeout = defaultRequestTimeout
	}
	if c.Download.NoProgressTimeout <= 0 {
		c.Download.NoProgressTimeout = defaultDownloadNoProgress
	}
	if c.Download.AbsoluteTimeout <= 0 {
		c.Download.AbsoluteTimeout = defaultDownloadAbsolute
	}
	if c.Download.TerminateGrace <= 0 {
		c.Download.TerminateGrace = defaultTerminateGrace
	}
}

func (c *Config) normalizeExtraction() {
	c.Extraction.Binary = strings.TrimSpace(c.Extraction.Binary)
	if c.Extraction.Binary == "" {
		c.Extraction.Binary = defaultExtractionBinary
	}
	if len(c.Extraction.Args) == 0 {
		c.Extraction.Args = append([]string(nil), defaultExtractionArgs...)
	}
	c.Extraction.DefaultModel = strings.TrimSpace(c.Extraction.DefaultModel)
	if c.Extraction.DefaultModel == "" {
		c.Extraction.DefaultModel = defaultExtractionModel
	}
	if c.Extraction.GPUMaxConcurrent <= 0 {
		c.Extraction.GPUMaxConcurrent = defaultGPUMaxConcurrent
	}
	if c.Extraction.MinFreeMB < 0 {
		c.Extraction.MinFreeMB = 0
	}
	if c.Extraction.NoProgressTimeout <= 0 {
		c.Extraction.NoProgressTimeout = defaultExtractionNoProgress
	}
	if c.Extraction.AbsoluteTimeout <= 0 {
		c.Extraction.AbsoluteTimeout = defaultExtractionAbsolute
	}
	if c.Extraction.TerminateGrace <= 0 {
		c.Extraction.TerminateGrace = defaultTerminateGrace
	}
	if len(c.Extraction.OutputExtensions) == 0 {
		c.Extraction.OutputExtensions = append([]string(nil), defaultOutputExtensions...)
	}
	for i, ext := range c.Extraction.OutputExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.Extraction.OutputExtensions[i] = ext
	}
	if len(c.Extraction.ModelMultipliers) > 0 {
		normalized := make(map[string]float64, len(c.Extraction.ModelMultipliers))
		for model, factor := range c.Extraction.ModelMultipliers {
			normalized[strings.ToLower(strings.TrimSpace(model))] = factor
		}
		c.Extraction.ModelMultipliers = normalized
	}
}

func (c *Config) normalizeReservation() {
	if c.Reservation.BackoffBaseMillis <= 0 {
		c.Reservation.BackoffBaseMillis = defaultBackoffBaseMillis
	}
	if c.Reservation.BackoffMaxMillis <= 0 {
		c.Reservation.BackoffMaxMillis = defaultBackoffMaxMillis
	}
	if c.Reservation.Attempts <= 0 {
		c.Reservation.Attempts = defaultReservationAttempts
	}
}

func (c *Config) normalizeRegistry() {
	if c.Registry.TerminalCapacity <= 0 {
		c.Registry.TerminalCapacity = defaultTerminalCapacity
	}
	if c.Registry.TerminalTTL <= 0 {
		c.Registry.TerminalTTL = defaultTerminalTTL
	}
	if c.Registry.PollIntervalMillis <= 0 {
		c.Registry.PollIntervalMillis = defaultPollIntervalMillis
	}
	if c.Registry.TailLines <= 0 {
		c.Registry.TailLines = defaultTailLines
	}
}

func (c *Config) normalizeAnalysis() {
	c.Analysis.Binary = strings.TrimSpace(c.Analysis.Binary)
	if len(c.Analysis.Args) == 0 {
		c.Analysis.Args = append([]string(nil), defaultAnalysisArgs...)
	}
	if c.Analysis.Timeout <= 0 {
		c.Analysis.Timeout = defaultAnalysisTimeout
	}
}

func (c *Config) normalizeBroadcast() {
	c.Broadcast.RedisAddr = strings.TrimSpace(c.Broadcast.RedisAddr)
	if c.Broadcast.RedisAddr == "" {
		c.Broadcast.RedisAddr = defaultRedisAddr
	}
	if c.Broadcast.RedisPassword == "" {
		if value, ok := os.LookupEnv("STEMDECK_REDIS_PASSWORD"); ok {
			c.Broadcast.RedisPassword = value
		}
	}
	c.Broadcast.RedisChannel = strings.TrimSpace(c.Broadcast.RedisChannel)
	if c.Broadcast.RedisChannel == "" {
		c.Broadcast.RedisChannel = defaultRedisChannel
	}
	c.Broadcast.NtfyTopic = strings.TrimSpace(c.Broadcast.NtfyTopic)
	if c.Broadcast.NtfyRequestTimeout <= 0 {
		c.Broadcast.NtfyRequestTimeout = defaultNtfyTimeout
	}
	c.Metrics.Bind = strings.TrimSpace(c.Metrics.Bind)
	if c.Metrics.Bind == "" {
		c.Metrics.Bind = defaultMetricsBind
	}
}

func (c *Config) normalizeLogging() {
	if value, ok := os.LookupEnv("STEMDECK_LOG_LEVEL"); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
