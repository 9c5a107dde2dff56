package provider

import (
	"context"
	"time"
)

// RelayProvider sends the same wire format as the cloud provider through the
// hosted relay, which holds the upstream API keys and picks the model. The
// device authenticates with its relay token.
type RelayProvider struct {
	cloud *CloudProvider
}

// NewRelayProvider creates a relay provider authenticated by token.
func NewRelayProvider(baseURL, token string) *RelayProvider {
	// Model selection happens server side; "auto" asks the relay to choose.
	return &RelayProvider{
		cloud: NewCloudProvider(token, baseURL, []string{"auto"}),
	}
}

func (p *RelayProvider) Name() string { return "relay" }

func (p *RelayProvider) Transcribe(ctx context.Context, videoPath string, start, end time.Time) ([]Observation, error) {
	return p.cloud.Transcribe(ctx, videoPath, start, end)
}

func (p *RelayProvider) GenerateCards(ctx context.Context, w Window) ([]CardDraft, error) {
	return p.cloud.GenerateCards(ctx, w)
}
