package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/retrace-app/retrace/internal/analysis"
	"github.com/retrace-app/retrace/internal/api"
	"github.com/retrace-app/retrace/internal/batch"
	"github.com/retrace-app/retrace/internal/capture"
	"github.com/retrace-app/retrace/internal/config"
	"github.com/retrace-app/retrace/internal/display"
	"github.com/retrace-app/retrace/internal/power"
	"github.com/retrace-app/retrace/internal/provider"
	"github.com/retrace-app/retrace/internal/storage"
	"github.com/retrace-app/retrace/internal/timeline"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the retrace daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running retrace daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show retrace system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "retrace.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "retrace version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Ensure API token exists in the platform secret store.
	apiToken, err := config.GetAPIToken()
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if a daemon is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("retrace is already running (PID %d)", pid)
			return fmt.Errorf("daemon already running (PID %d)", pid)
		}
		printWarning("retrace is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("daemon already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	// Display tracking and power signals feed the capture orchestrator.
	tracker := display.NewTracker(display.NewSystemProber(),
		time.Duration(cfg.Display.PollMS)*time.Millisecond,
		time.Duration(cfg.Display.DebounceMS)*time.Millisecond)
	notifier, err := display.NewReconfigureNotifier(cfg.Power.EventDir, tracker)
	if err != nil {
		return err
	}

	powerSource, err := power.NewEventDirSource(cfg.Power.EventDir)
	if err != nil {
		return err
	}
	settle := time.Duration(cfg.Capture.SettleMS) * time.Millisecond
	monitor := power.NewMonitor(powerSource, settle)

	// Capture pipeline.
	frameInterval := time.Duration(cfg.Capture.FrameIntervalMS) * time.Millisecond
	source := capture.NewCommandSource(frameInterval)
	factory := capture.NewFFmpegEncoderFactory(float64(time.Second) / float64(frameInterval))
	orch := capture.NewOrchestrator(source, factory, store, capture.Options{
		SegmentDir:      cfg.SegmentDir(),
		SegmentInterval: time.Duration(cfg.Capture.SegmentSeconds) * time.Second,
		SettleDelay:     settle,
		MinFreeBytes:    uint64(cfg.Capture.MinFreeMB) << 20,
		DisplayEvents:   tracker.Events(),
		PowerIntents:    monitor.Intents(),
	})

	// Analysis pipeline.
	sched := batch.NewScheduler(store, batch.Options{
		Tick:        time.Duration(cfg.Batch.TickSeconds) * time.Second,
		MaxGap:      time.Duration(cfg.Batch.MaxGapSeconds) * time.Second,
		MaxDuration: time.Duration(cfg.Batch.MaxDurationMinutes) * time.Minute,
	})
	sampler := analysis.NewFFmpegFrameSampler(cfg.WorkDir())
	prov, err := provider.Select(cfg.Provider, sampler)
	if err != nil {
		return fmt.Errorf("selecting analysis provider: %w", err)
	}
	slog.Info("analysis provider selected", "provider", prov.Name())
	merger := timeline.NewMerger(store, 30*time.Second)
	worker := analysis.NewWorker(store, prov, merger, analysis.Options{
		MinBatch:       time.Duration(cfg.Analysis.MinBatchMinutes) * time.Minute,
		Lookback:       time.Duration(cfg.Analysis.LookbackMinutes) * time.Minute,
		AttemptTimeout: time.Duration(cfg.Analysis.AttemptTimeoutSeconds) * time.Second,
		WorkDir:        cfg.WorkDir(),
		TimelapseDir:   cfg.TimelapseDir(),
	})

	// Build HTTP handler and server.
	appHandler := api.NewAppHandler(api.AppDeps{
		Store:   store,
		Capture: orch,
		Token:   apiToken,
	})
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// Start the background loops.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { tracker.Run(gctx); return nil })
	g.Go(func() error { return notifier.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { worker.Run(gctx); return nil })

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Capture: orch})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Begin recording. Permission or disk errors leave the daemon up so the
	// API can report them; capture can be started later via the CLI.
	if err := orch.Start(ctx); err != nil {
		printWarning("capture not started: %v", err)
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "retrace listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal, background failure, or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case <-gctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown: close the listener, then let the loops finish the
	// open segment and any in-flight analysis.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)

	stop()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("background loop exited", "error", err)
	}
	worker.Wait()

	return shutdownErr
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("retrace is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop retrace (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to retrace (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check daemon health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := healthClient.Get(serverURL + "/health")
	if err != nil {
		printStatus("Daemon", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Daemon", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Daemon", "error (HTTP %d)", resp.StatusCode)
		}
	}

	// Capture and batch state, if the daemon is up.
	if running {
		if client, err := newAPIClient(); err == nil {
			if resp, err := client.get(ctx, "/status"); err == nil {
				var snap capture.Snapshot
				if decodeJSON(resp, &snap) == nil {
					state := string(snap.State)
					if snap.UserPaused {
						state += " (paused by user)"
					}
					printStatus("Capture", "%s", state)
					if snap.ActiveDisplay != "" {
						printStatus("Display", "%s", snap.ActiveDisplay)
					}
				}
			}
			if resp, err := client.get(ctx, "/batches?limit=100"); err == nil {
				var result struct {
					Batches []storage.Batch `json:"batches"`
				}
				if decodeJSON(resp, &result) == nil {
					printStatus("Batches", "%s", batchSummary(result.Batches))
				}
			}
		}
	}

	printStatus("Provider", "%s", cfg.Provider.Backend)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func batchSummary(batches []storage.Batch) string {
	counts := map[storage.BatchStatus]int{}
	for _, b := range batches {
		counts[b.Status]++
	}
	if len(batches) == 0 {
		return "none"
	}
	s := fmt.Sprintf("%d recent", len(batches))
	if n := counts[storage.BatchPending] + counts[storage.BatchProcessing]; n > 0 {
		s += fmt.Sprintf(", %d in flight", n)
	}
	if n := counts[storage.BatchFailed]; n > 0 {
		s += fmt.Sprintf(", %d failed", n)
	}
	return s
}
