package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Capture  CaptureConfig
	Display  DisplayConfig
	Power    PowerConfig
	Batch    BatchConfig
	Analysis AnalysisConfig
	Provider ProviderConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type CaptureConfig struct {
	SegmentSeconds  int // fixed segment length
	FrameIntervalMS int // low frame rate: one frame per interval
	MinFreeMB       int // disk-space guard threshold
	SettleMS        int // delay before reopening a segment after resume
}

type DisplayConfig struct {
	PollMS     int
	DebounceMS int
}

type PowerConfig struct {
	EventDir string // directory the platform helper touches flag files in
}

type BatchConfig struct {
	TickSeconds        int
	MaxGapSeconds      int
	MaxDurationMinutes int
}

type AnalysisConfig struct {
	MinBatchMinutes       int
	LookbackMinutes       int
	AttemptTimeoutSeconds int
}

type ProviderConfig struct {
	Backend         string // "local", "cloud", or "relay"
	CloudAPIKey     string
	CloudBaseURL    string
	CloudModels     string // comma-separated model tiers, best first
	LocalBaseURL    string
	VisionModel     string
	CardModel       string
	MergeConfidence float64
	RelayBaseURL    string
	RelayToken      string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Capture: CaptureConfig{
			SegmentSeconds:  15,
			FrameIntervalMS: 1000,
			MinFreeMB:       500,
			SettleMS:        500,
		},
		Display: DisplayConfig{
			PollMS:     500,
			DebounceMS: 1500,
		},
		Power: PowerConfig{
			EventDir: filepath.Join(dataDir, "events"),
		},
		Batch: BatchConfig{
			TickSeconds:        60,
			MaxGapSeconds:      120,
			MaxDurationMinutes: 15,
		},
		Analysis: AnalysisConfig{
			MinBatchMinutes:       5,
			LookbackMinutes:       60,
			AttemptTimeoutSeconds: 120,
		},
		Provider: ProviderConfig{
			Backend:         "local",
			CloudBaseURL:    "https://openrouter.ai/api/v1",
			CloudModels:     "google/gemini-2.5-flash,google/gemini-2.5-flash-lite",
			LocalBaseURL:    "http://localhost:11434",
			VisionModel:     "llava",
			CardModel:       "mistral-nemo",
			MergeConfidence: 0.7,
			RelayBaseURL:    "https://relay.retrace.app/v1",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.retrace.app) and secrets
// fall back to macOS Keychain. On Linux the backend is a JSON file at
// $XDG_CONFIG_HOME/retrace/config.json and secrets come from a local secrets
// file or environment variables.
//
// Environment variables (RETRACE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts platform secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try the platform secret store for provider secrets still unset.
	if cfg.Provider.CloudAPIKey == "" {
		if key, err := kc.Get("retrace", "cloud_api_key"); err == nil && key != "" {
			cfg.Provider.CloudAPIKey = key
		}
	}
	if cfg.Provider.RelayToken == "" {
		if tok, err := kc.Get("retrace", "relay_token"); err == nil && tok != "" {
			cfg.Provider.RelayToken = tok
		}
	}

	switch cfg.Provider.Backend {
	case "local":
	case "cloud":
		if cfg.Provider.CloudAPIKey == "" {
			return Config{}, fmt.Errorf("provider.backend is %q but no API key is set. "+
				"Set it via environment variable RETRACE_CLOUD_API_KEY%s", cfg.Provider.Backend, apiKeyHint())
		}
	case "relay":
		if cfg.Provider.RelayToken == "" {
			return Config{}, fmt.Errorf("provider.backend is %q but no device token is set. "+
				"Set it via environment variable RETRACE_RELAY_TOKEN%s", cfg.Provider.Backend, apiKeyHint())
		}
	default:
		return Config{}, fmt.Errorf("unknown provider backend %q (want local, cloud, or relay)", cfg.Provider.Backend)
	}

	return cfg, nil
}

// CloudModelList splits the comma-separated model tier list.
func (p ProviderConfig) CloudModelList() []string {
	var models []string
	for _, m := range strings.Split(p.CloudModels, ",") {
		if m = strings.TrimSpace(m); m != "" {
			models = append(models, m)
		}
	}
	return models
}

// SegmentDir is where finished video segments live.
func (c Config) SegmentDir() string {
	return filepath.Join(c.Storage.DataDir, "segments")
}

// WorkDir holds transient analysis artifacts (stitched videos, timelapses).
func (c Config) WorkDir() string {
	return filepath.Join(c.Storage.DataDir, "work")
}

// TimelapseDir holds generated timelapse files referenced by cards.
func (c Config) TimelapseDir() string {
	return filepath.Join(c.Storage.DataDir, "timelapses")
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
