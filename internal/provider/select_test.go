package provider

import (
	"testing"

	"github.com/retrace-app/retrace/internal/config"
)

func TestSelect(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ProviderConfig
		want    string
		wantErr bool
	}{
		{
			name: "local",
			cfg:  config.ProviderConfig{Backend: "local", LocalBaseURL: "http://localhost:11434"},
			want: "local",
		},
		{
			name: "cloud",
			cfg:  config.ProviderConfig{Backend: "cloud", CloudAPIKey: "k", CloudBaseURL: "http://x", CloudModels: "a,b"},
			want: "cloud",
		},
		{
			name: "relay",
			cfg:  config.ProviderConfig{Backend: "relay", RelayBaseURL: "http://x", RelayToken: "t"},
			want: "relay",
		},
		{
			name:    "cloud without models",
			cfg:     config.ProviderConfig{Backend: "cloud", CloudAPIKey: "k"},
			wantErr: true,
		},
		{
			name:    "unknown",
			cfg:     config.ProviderConfig{Backend: "mainframe"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Select(tt.cfg, &fakeExtractor{})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("select: %v", err)
			}
			if p.Name() != tt.want {
				t.Errorf("expected provider %q, got %q", tt.want, p.Name())
			}
		})
	}
}

func TestCloudProviderIsTierFallbacker(t *testing.T) {
	var p Provider = NewCloudProvider("k", "http://x", []string{"a"})
	if _, ok := p.(TierFallbacker); !ok {
		t.Fatal("cloud provider should support tier fallback")
	}

	p = NewRelayProvider("http://x", "t")
	if _, ok := p.(TierFallbacker); ok {
		t.Fatal("relay provider picks models server side, no local fallback")
	}
}
