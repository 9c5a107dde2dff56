package config

import (
	"strings"
	"testing"
)

// fakeBackend is an in-memory ConfigBackend for tests.
type fakeBackend struct {
	strings map[string]string
	ints    map[string]int
}

func (b *fakeBackend) GetString(key string) (string, bool, error) {
	v, ok := b.strings[key]
	return v, ok, nil
}

func (b *fakeBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.ints[key]
	return v, ok, nil
}

func (b *fakeBackend) SetString(key, val string) error { return nil }
func (b *fakeBackend) SetInt(key string, val int) error { return nil }
func (b *fakeBackend) Delete(key string) error          { return nil }

type fakeKeychain struct {
	values map[string]string
}

func (k fakeKeychain) Get(service, account string) (string, error) {
	return k.values[service+"/"+account], nil
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadWith(&fakeBackend{}, fakeKeychain{})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Capture.SegmentSeconds != 15 {
		t.Errorf("SegmentSeconds = %d, want 15", cfg.Capture.SegmentSeconds)
	}
	if cfg.Batch.MaxGapSeconds != 120 {
		t.Errorf("MaxGapSeconds = %d, want 120", cfg.Batch.MaxGapSeconds)
	}
	if cfg.Batch.MaxDurationMinutes != 15 {
		t.Errorf("MaxDurationMinutes = %d, want 15", cfg.Batch.MaxDurationMinutes)
	}
	if cfg.Analysis.MinBatchMinutes != 5 {
		t.Errorf("MinBatchMinutes = %d, want 5", cfg.Analysis.MinBatchMinutes)
	}
	if cfg.Provider.Backend != "local" {
		t.Errorf("Backend = %q, want local (no key required)", cfg.Provider.Backend)
	}
}

func TestLoadBackendOverrides(t *testing.T) {
	b := &fakeBackend{
		strings: map[string]string{"log.level": "debug"},
		ints:    map[string]int{"capture.segment_seconds": 30},
	}
	cfg, err := loadWith(b, fakeKeychain{})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if cfg.Capture.SegmentSeconds != 30 {
		t.Errorf("SegmentSeconds = %d, want 30", cfg.Capture.SegmentSeconds)
	}
}

func TestLoadEnvOverridesBackend(t *testing.T) {
	t.Setenv("RETRACE_LOG_LEVEL", "warn")
	b := &fakeBackend{strings: map[string]string{"log.level": "debug"}}

	cfg, err := loadWith(b, fakeKeychain{})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want env override warn", cfg.Log.Level)
	}
}

func TestCloudBackendRequiresKey(t *testing.T) {
	b := &fakeBackend{strings: map[string]string{"provider.backend": "cloud"}}

	_, err := loadWith(b, fakeKeychain{})
	if err == nil || !strings.Contains(err.Error(), "API key") {
		t.Fatalf("loadWith without cloud key = %v, want API key error", err)
	}

	kc := fakeKeychain{values: map[string]string{"retrace/cloud_api_key": "sk-test"}}
	cfg, err := loadWith(b, kc)
	if err != nil {
		t.Fatalf("loadWith with keychain key: %v", err)
	}
	if cfg.Provider.CloudAPIKey != "sk-test" {
		t.Errorf("CloudAPIKey = %q, want keychain value", cfg.Provider.CloudAPIKey)
	}
}

func TestRelayBackendRequiresToken(t *testing.T) {
	b := &fakeBackend{strings: map[string]string{"provider.backend": "relay"}}
	if _, err := loadWith(b, fakeKeychain{}); err == nil {
		t.Fatal("loadWith without relay token should fail")
	}

	t.Setenv("RETRACE_RELAY_TOKEN", "dev-token")
	cfg, err := loadWith(b, fakeKeychain{})
	if err != nil {
		t.Fatalf("loadWith with env token: %v", err)
	}
	if cfg.Provider.RelayToken != "dev-token" {
		t.Errorf("RelayToken = %q, want dev-token", cfg.Provider.RelayToken)
	}
}

func TestUnknownBackendRejected(t *testing.T) {
	b := &fakeBackend{strings: map[string]string{"provider.backend": "mainframe"}}
	if _, err := loadWith(b, fakeKeychain{}); err == nil {
		t.Fatal("loadWith with unknown backend should fail")
	}
}

func TestCloudModelList(t *testing.T) {
	p := ProviderConfig{CloudModels: "a/model-1, b/model-2 ,,c/model-3"}
	got := p.CloudModelList()
	want := []string{"a/model-1", "b/model-2", "c/model-3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("model[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
