package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "RETRACE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RETRACE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "capture.segment_seconds", typ: kInt, env: "RETRACE_CAPTURE_SEGMENT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Capture.SegmentSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Capture.SegmentSeconds },
	},
	{
		key: "capture.frame_interval_ms", typ: kInt, env: "RETRACE_CAPTURE_FRAME_INTERVAL_MS",
		apply:   func(cfg *Config, v any) { cfg.Capture.FrameIntervalMS = v.(int) },
		extract: func(cfg Config) any { return cfg.Capture.FrameIntervalMS },
	},
	{
		key: "capture.min_free_mb", typ: kInt, env: "RETRACE_CAPTURE_MIN_FREE_MB",
		apply:   func(cfg *Config, v any) { cfg.Capture.MinFreeMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Capture.MinFreeMB },
	},
	{
		key: "capture.settle_ms", typ: kInt, env: "RETRACE_CAPTURE_SETTLE_MS",
		apply:   func(cfg *Config, v any) { cfg.Capture.SettleMS = v.(int) },
		extract: func(cfg Config) any { return cfg.Capture.SettleMS },
	},
	{
		key: "display.poll_ms", typ: kInt, env: "RETRACE_DISPLAY_POLL_MS",
		apply:   func(cfg *Config, v any) { cfg.Display.PollMS = v.(int) },
		extract: func(cfg Config) any { return cfg.Display.PollMS },
	},
	{
		key: "display.debounce_ms", typ: kInt, env: "RETRACE_DISPLAY_DEBOUNCE_MS",
		apply:   func(cfg *Config, v any) { cfg.Display.DebounceMS = v.(int) },
		extract: func(cfg Config) any { return cfg.Display.DebounceMS },
	},
	{
		key: "power.event_dir", typ: kString, env: "RETRACE_POWER_EVENT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Power.EventDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Power.EventDir },
	},
	{
		key: "batch.tick_seconds", typ: kInt, env: "RETRACE_BATCH_TICK_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Batch.TickSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Batch.TickSeconds },
	},
	{
		key: "batch.max_gap_seconds", typ: kInt, env: "RETRACE_BATCH_MAX_GAP_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Batch.MaxGapSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Batch.MaxGapSeconds },
	},
	{
		key: "batch.max_duration_minutes", typ: kInt, env: "RETRACE_BATCH_MAX_DURATION_MINUTES",
		apply:   func(cfg *Config, v any) { cfg.Batch.MaxDurationMinutes = v.(int) },
		extract: func(cfg Config) any { return cfg.Batch.MaxDurationMinutes },
	},
	{
		key: "analysis.min_batch_minutes", typ: kInt, env: "RETRACE_ANALYSIS_MIN_BATCH_MINUTES",
		apply:   func(cfg *Config, v any) { cfg.Analysis.MinBatchMinutes = v.(int) },
		extract: func(cfg Config) any { return cfg.Analysis.MinBatchMinutes },
	},
	{
		key: "analysis.lookback_minutes", typ: kInt, env: "RETRACE_ANALYSIS_LOOKBACK_MINUTES",
		apply:   func(cfg *Config, v any) { cfg.Analysis.LookbackMinutes = v.(int) },
		extract: func(cfg Config) any { return cfg.Analysis.LookbackMinutes },
	},
	{
		key: "analysis.attempt_timeout_seconds", typ: kInt, env: "RETRACE_ANALYSIS_ATTEMPT_TIMEOUT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Analysis.AttemptTimeoutSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Analysis.AttemptTimeoutSeconds },
	},
	{
		key: "provider.backend", typ: kString, env: "RETRACE_PROVIDER_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Provider.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Backend },
	},
	{
		key: "provider.cloud_api_key", typ: kString, env: "RETRACE_CLOUD_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Provider.CloudAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.CloudAPIKey },
	},
	{
		key: "provider.cloud_base_url", typ: kString, env: "RETRACE_CLOUD_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Provider.CloudBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.CloudBaseURL },
	},
	{
		key: "provider.cloud_models", typ: kString, env: "RETRACE_CLOUD_MODELS",
		apply:   func(cfg *Config, v any) { cfg.Provider.CloudModels = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.CloudModels },
	},
	{
		key: "provider.local_base_url", typ: kString, env: "RETRACE_LOCAL_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Provider.LocalBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.LocalBaseURL },
	},
	{
		key: "provider.vision_model", typ: kString, env: "RETRACE_VISION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.VisionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.VisionModel },
	},
	{
		key: "provider.card_model", typ: kString, env: "RETRACE_CARD_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.CardModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.CardModel },
	},
	{
		key: "provider.merge_confidence", typ: kFloat, env: "RETRACE_MERGE_CONFIDENCE",
		apply:   func(cfg *Config, v any) { cfg.Provider.MergeConfidence = v.(float64) },
		extract: func(cfg Config) any { return cfg.Provider.MergeConfidence },
	},
	{
		key: "provider.relay_base_url", typ: kString, env: "RETRACE_RELAY_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Provider.RelayBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.RelayBaseURL },
	},
	{
		key: "provider.relay_token", typ: kString, env: "RETRACE_RELAY_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Provider.RelayToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.RelayToken },
	},
	{
		key: "log.level", typ: kString, env: "RETRACE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
