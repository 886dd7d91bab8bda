package config

const (
	defaultDataDir               = "~/.local/share/stemdeck"
	defaultDownloadsDir          = "~/.local/share/stemdeck/downloads"
	defaultStemsDir              = "~/.local/share/stemdeck/stems"
	defaultLogDir                = "~/.local/share/stemdeck/logs"
	defaultSocketName            = "stemdeck.sock"
	defaultDownloadMode          = "http"
	defaultDownloadBinary        = "yt-dlp"
	defaultDownloadMaxConcurrent = 4
	defaultMinArtifactBytes      = 1024
	defaultTransferRetries       = 3
	defaultRetryDelayMillis      = 500
	defaultRequestTimeout        = 30
	defaultDownloadNoProgress    = 300
	defaultDownloadAbsolute      = 3600
	defaultTerminateGrace        = 10
	defaultExtractionBinary      = "demucs"
	defaultExtractionModel       = "htdemucs"
	defaultGPUMaxConcurrent      = 2
	defaultMinFreeMB             = 1024
	defaultExtractionNoProgress  = 600
	defaultExtractionAbsolute    = 7200
	defaultBackoffBaseMillis     = 100
	defaultBackoffMaxMillis      = 2000
	defaultReservationAttempts   = 5
	defaultReservationJitter     = 0.5
	defaultTerminalCapacity      = 512
	defaultTerminalTTL           = 3600
	defaultPollIntervalMillis    = 200
	defaultTailLines             = 20
	defaultAnalysisTimeout       = 300
	defaultRedisAddr             = "127.0.0.1:6379"
	defaultRedisChannel          = "stemdeck:jobs"
	defaultNtfyTimeout           = 10
	defaultMetricsBind           = "127.0.0.1:9477"
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	downloadModeHTTP             = "http"
	downloadModeCommand          = "command"
)

var (
	defaultDownloadArgs     = []string{"--newline", "-f", "{variant}", "-o", "{output}", "{url}"}
	defaultExtractionArgs   = []string{"-n", "{model}", "-o", "{output}", "{input}"}
	defaultAnalysisArgs     = []string{"{input}"}
	defaultOutputExtensions = []string{".wav", ".flac", ".mp3"}
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:      defaultDataDir,
			DownloadsDir: defaultDownloadsDir,
			StemsDir:     defaultStemsDir,
			LogDir:       defaultLogDir,
		},
		Download: Download{
			Mode:              defaultDownloadMode,
			Binary:            defaultDownloadBinary,
			Args:              append([]string(nil), defaultDownloadArgs...),
			MaxConcurrent:     defaultDownloadMaxConcurrent,
			MinArtifactBytes:  defaultMinArtifactBytes,
			TransferRetries:   defaultTransferRetries,
			RetryDelayMillis:  defaultRetryDelayMillis,
			RequestTimeout:    defaultRequestTimeout,
			NoProgressTimeout: defaultDownloadNoProgress,
			AbsoluteTimeout:   defaultDownloadAbsolute,
			TerminateGrace:    defaultTerminateGrace,
		},
		Extraction: Extraction{
			Binary:            defaultExtractionBinary,
			Args:              append([]string(nil), defaultExtractionArgs...),
			DefaultModel:      defaultExtractionModel,
			GPUMaxConcurrent:  defaultGPUMaxConcurrent,
			MinFreeMB:         defaultMinFreeMB,
			NoProgressTimeout: defaultExtractionNoProgress,
			AbsoluteTimeout:   defaultExtractionAbsolute,
			TerminateGrace:    defaultTerminateGrace,
			OutputExtensions:  append([]string(nil), defaultOutputExtensions...),
			ModelMultipliers: map[string]float64{
				"htdemucs_ft": 4,
				"mdx_extra":   2,
			},
		},
		Reservation: Reservation{
			BackoffBaseMillis: defaultBackoffBaseMillis,
			BackoffMaxMillis:  defaultBackoffMaxMillis,
			Attempts:          defaultReservationAttempts,
			Jitter:            defaultReservationJitter,
		},
		Registry: Registry{
			TerminalCapacity:   defaultTerminalCapacity,
			TerminalTTL:        defaultTerminalTTL,
			PollIntervalMillis: defaultPollIntervalMillis,
			TailLines:          defaultTailLines,
		},
		Analysis: Analysis{
			Args:    append([]string(nil), defaultAnalysisArgs...),
			Timeout: defaultAnalysisTimeout,
		},
		Broadcast: Broadcast{
			RedisAddr:          defaultRedisAddr,
			RedisChannel:       defaultRedisChannel,
			NtfyRequestTimeout: defaultNtfyTimeout,
		},
		Metrics: Metrics{
			Enabled: true,
			Bind:    defaultMetricsBind,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
