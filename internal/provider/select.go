package provider

import (
	"fmt"

	"github.com/retrace-app/retrace/internal/config"
)

// Select builds the provider named by the configuration. Called once at
// daemon startup; switching backends requires a restart.
func Select(cfg config.ProviderConfig, extractor FrameExtractor) (Provider, error) {
	switch cfg.Backend {
	case "local":
		return NewLocalProvider(cfg.LocalBaseURL, cfg.VisionModel, cfg.CardModel, cfg.MergeConfidence, extractor), nil
	case "cloud":
		models := cfg.CloudModelList()
		if len(models) == 0 {
			return nil, fmt.Errorf("cloud backend needs at least one model tier")
		}
		return NewCloudProvider(cfg.CloudAPIKey, cfg.CloudBaseURL, models), nil
	case "relay":
		return NewRelayProvider(cfg.RelayBaseURL, cfg.RelayToken), nil
	default:
		return nil, fmt.Errorf("unknown provider backend %q", cfg.Backend)
	}
}
