package power

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEventDirSourceDeliversSignals(t *testing.T) {
	dir := t.TempDir()
	src, err := NewEventDirSource(filepath.Join(dir, "events"))
	if err != nil {
		t.Fatalf("creating source: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	signals, err := src.Signals(ctx)
	if err != nil {
		t.Fatalf("starting watch: %v", err)
	}

	touch := func(name string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, "events", name), nil, 0o644); err != nil {
			t.Fatalf("touching %s: %v", name, err)
		}
	}

	touch("sleep")
	touch("ignored-file")
	touch("wake")

	want := []Signal{SignalSleep, SignalWake}
	for _, w := range want {
		select {
		case got := <-signals:
			if got != w {
				t.Fatalf("expected signal %q, got %q", w, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for signal %q", w)
		}
	}
}

func TestEventDirSourceRemovesFlagFile(t *testing.T) {
	dir := t.TempDir()
	src, err := NewEventDirSource(dir)
	if err != nil {
		t.Fatalf("creating source: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	signals, err := src.Signals(ctx)
	if err != nil {
		t.Fatalf("starting watch: %v", err)
	}

	path := filepath.Join(dir, "lock")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("touching lock: %v", err)
	}
	select {
	case got := <-signals:
		if got != SignalLock {
			t.Fatalf("expected lock, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lock signal")
	}

	// The flag file is consumed so a later identical event is observable.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("flag file was not removed after delivery")
}
