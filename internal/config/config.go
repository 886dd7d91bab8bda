package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and socket configuration.
type Paths struct {
	DataDir      string `toml:"data_dir"`
	DownloadsDir string `toml:"downloads_dir"`
	StemsDir     string `toml:"stems_dir"`
	LogDir       string `toml:"log_dir"`
	SocketPath   string `toml:"socket_path"`
}

// Download contains configuration for the download worker.
type Download struct {
	// Mode selects the transfer implementation: "http" streams SourceURL
	// directly, "command" shells out to Binary with Args.
	Mode              string   `toml:"mode"`
	URLTemplate       string   `toml:"url_template"`
	Binary            string   `toml:"binary"`
	Args              []string `toml:"args"`
	MaxConcurrent     int      `toml:"max_concurrent"`
	MinArtifactBytes  int64    `toml:"min_artifact_bytes"`
	TransferRetries   int      `toml:"transfer_retries"`
	RetryDelayMillis  int      `toml:"retry_delay_ms"`
	RequestTimeout    int      `toml:"request_timeout"`
	NoProgressTimeout int      `toml:"no_progress_timeout"`
	AbsoluteTimeout   int      `toml:"absolute_timeout"`
	TerminateGrace    int      `toml:"terminate_grace"`
}

// Extraction contains configuration for the separation engine worker.
type Extraction struct {
	Binary            string   `toml:"binary"`
	Args              []string `toml:"args"`
	DefaultModel      string   `toml:"default_model"`
	GPU               bool     `toml:"gpu"`
	GPUMaxConcurrent  int      `toml:"gpu_max_concurrent"`
	MinFreeMB         int64    `toml:"min_free_mb"`
	NoProgressTimeout int      `toml:"no_progress_timeout"`
	AbsoluteTimeout   int      `toml:"absolute_timeout"`
	TerminateGrace    int      `toml:"terminate_grace"`
	OutputExtensions  []string `toml:"output_extensions"`
	// ModelMultipliers scales both timeouts for heavier models, keyed by model name.
	ModelMultipliers map[string]float64 `toml:"model_multipliers"`
}

// Reservation contains the contention backoff used while another job owns a key.
type Reservation struct {
	BackoffBaseMillis int     `toml:"backoff_base_ms"`
	BackoffMaxMillis  int     `toml:"backoff_max_ms"`
	Attempts          int     `toml:"attempts"`
	Jitter            float64 `toml:"jitter"`
}

// Registry contains in-memory job registry and dispatcher tuning.
type Registry struct {
	TerminalCapacity   int `toml:"terminal_capacity"`
	TerminalTTL        int `toml:"terminal_ttl"`
	PollIntervalMillis int `toml:"poll_interval_ms"`
	TailLines          int `toml:"tail_lines"`
}

// Analysis contains configuration for the post-download analysis engine.
type Analysis struct {
	Enabled bool     `toml:"enabled"`
	Binary  string   `toml:"binary"`
	Args    []string `toml:"args"`
	Timeout int      `toml:"timeout"`
}

// Broadcast contains configuration for progress fan-out.
type Broadcast struct {
	RedisEnabled  bool   `toml:"redis_enabled"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisChannel  string `toml:"redis_channel"`
	// NtfyTopic is a full ntfy topic URL; finished and failed jobs are pushed there.
	NtfyTopic          string `toml:"ntfy_topic"`
	NtfyRequestTimeout int    `toml:"ntfy_request_timeout"`
}

// Metrics contains configuration for the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `toml:"enabled"`
	Bind    string `toml:"bind"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for stemdeck.
//
// Configuration sections by subsystem:
//   - Paths: ledger, artifact, log directories and the control socket
//   - Download: transfer mode, concurrency cap, artifact validation, timeouts
//   - Extraction: separation engine invocation, GPU mode, timeouts and multipliers
//   - Reservation: contention backoff
//   - Registry: terminal handle retention and dispatcher polling
//   - Analysis: optional post-download metadata extraction
//   - Broadcast: optional Redis pub/sub fan-out
//   - Metrics: Prometheus endpoint
//   - Logging: log format and level
type Config struct {
	Paths       Paths       `toml:"paths"`
	Download    Download    `toml:"download"`
	Extraction  Extraction  `toml:"extraction"`
	Reservation Reservation `toml:"reservation"`
	Registry    Registry    `toml:"registry"`
	Analysis    Analysis    `toml:"analysis"`
	Broadcast   Broadcast   `toml:"broadcast"`
	Metrics     Metrics     `toml:"metrics"`
	Logging     Logging     `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/stemdeck/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("stemdeck.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.DownloadsDir, c.Paths.StemsDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if dir := filepath.Dir(c.Paths.SocketPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create socket directory %q: %w", dir, err)
		}
	}
	return nil
}

// LedgerPath returns the SQLite ledger location.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.Paths.DataDir, "ledger.db")
}

// LockPath returns the daemon single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "stemdeckd.lock")
}

// PIDPath returns the file the running daemon records its pid in.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.DataDir, "stemdeckd.pid")
}

// LogPath returns the daemon log file location.
func (c *Config) LogPath() string {
	return filepath.Join(c.Paths.LogDir, "stemdeck.log")
}

// Timeouts groups the two supervision thresholds applied to a job.
type Timeouts struct {
	NoProgress time.Duration
	Absolute   time.Duration
	Grace      time.Duration
}

// DownloadTimeouts returns the supervision thresholds for download jobs.
func (c *Config) DownloadTimeouts() Timeouts {
	return Timeouts{
		NoProgress: seconds(c.Download.NoProgressTimeout),
		Absolute:   seconds(c.Download.AbsoluteTimeout),
		Grace:      seconds(c.Download.TerminateGrace),
	}
}

// ExtractionTimeouts returns the supervision thresholds for the given model,
// scaled by its configured multiplier.
func (c *Config) ExtractionTimeouts(model string) Timeouts {
	factor := 1.0
	if m, ok := c.Extraction.ModelMultipliers[strings.ToLower(strings.TrimSpace(model))]; ok && m > 0 {
		factor = m
	}
	return Timeouts{
		NoProgress: scale(seconds(c.Extraction.NoProgressTimeout), factor),
		Absolute:   scale(seconds(c.Extraction.AbsoluteTimeout), factor),
		Grace:      seconds(c.Extraction.TerminateGrace),
	}
}

// ExtractionConcurrency returns the dispatcher cap for extraction jobs. CPU-only
// hosts are limited to a single job.
func (c *Config) ExtractionConcurrency() int {
	if !c.Extraction.GPU {
		return 1
	}
	return c.Extraction.GPUMaxConcurrent
}

// PollInterval returns the dispatcher polling interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Registry.PollIntervalMillis) * time.Millisecond
}

// TerminalTTL returns how long terminal job handles remain queryable.
func (c *Config) TerminalTTL() time.Duration {
	return seconds(c.Registry.TerminalTTL)
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

func scale(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
