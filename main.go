package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ripstream-core/config"
	"ripstream-core/downloader"
	"ripstream-core/provider"
	"ripstream-core/store"
)

func main() {
	// Load and validate configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	urls := os.Args[1:]
	if len(urls) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: %s URL [URL...]\n", filepath.Base(os.Args[0]))
		os.Exit(2)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Logger initialization failed: %v", err)
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.DownloadDirectory, 0o755); err != nil {
		logger.Fatal("failed to create download directory", zap.Error(err))
	}

	history, err := store.Open(filepath.Join(cfg.DownloadDirectory, "history.db"), logger)
	if err != nil {
		logger.Fatal("failed to open history store", zap.Error(err))
	}
	defer history.Close()

	registry := provider.NewRegistry(logger)
	tasks, err := buildTasks(cfg, registry, logger, urls)
	if err != nil {
		logger.Fatal("failed to prepare downloads", zap.Error(err))
	}

	manager, err := downloader.NewManager(cfg, registry, logger)
	if err != nil {
		logger.Fatal("failed to create download manager", zap.Error(err))
	}

	manager.SubscribeResults(history.Observer())
	console := newConsoleReporter()
	manager.SubscribeProgress(console)
	manager.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := registry.AuthenticateAll(ctx); err != nil {
		logger.Fatal("provider authentication failed", zap.Error(err))
	}

	ids := make([]uuid.UUID, 0, len(tasks))
	for _, task := range tasks {
		id, err := manager.Submit(task)
		if err != nil {
			logger.Fatal("failed to submit download",
				zap.String("url", task.URL),
				zap.Error(err))
		}
		ids = append(ids, id)
	}

	failed := 0
	for _, id := range ids {
		result, err := manager.AwaitResult(ctx, id)
		if err != nil {
			// Interrupted; remaining tasks are cancelled by shutdown
			logger.Warn("interrupted while waiting for downloads", zap.Error(err))
			failed++
			break
		}
		console.Finish(result)
		if !result.Success {
			failed++
		}
	}

	mode := downloader.ShutdownDrain
	if ctx.Err() != nil {
		mode = downloader.ShutdownAbort
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx, mode); err != nil {
		logger.Warn("shutdown did not complete cleanly", zap.Error(err))
	}

	if failed > 0 {
		os.Exit(1)
	}
}

// buildLogger constructs a production zap logger honoring the configured level
func buildLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(parsed)
	zapCfg.OutputPaths = []string{"stderr"}
	return zapCfg.Build()
}

// buildTasks turns command line URLs into download tasks, registering a
// provider per source host on first use. Playlist URLs get the HLS
// provider, everything else plain HTTP.
func buildTasks(cfg *config.Config, registry *provider.Registry, logger *zap.Logger, urls []string) ([]*downloader.DownloadTask, error) {
	tasks := make([]*downloader.DownloadTask, 0, len(urls))
	for _, raw := range urls {
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid URL %q: %w", raw, err)
		}
		if parsed.Host == "" {
			return nil, fmt.Errorf("invalid URL %q: missing host", raw)
		}

		hls := strings.HasSuffix(parsed.Path, ".m3u8")
		source := parsed.Host
		if hls {
			source = parsed.Host + "/hls"
		}

		if _, ok := registry.Lookup(source); !ok {
			sourceCfg := cfg.SourceFor(parsed.Host)
			if hls {
				registry.Register(source, provider.NewHLSProvider(sourceCfg, nil, logger))
			} else {
				registry.Register(source, provider.NewHTTPProvider(sourceCfg, nil, logger))
			}
		}

		tasks = append(tasks, downloader.NewDownloadTask(
			raw,
			downloader.ContentTrack,
			source,
			raw,
			filepath.Join(cfg.DownloadDirectory, destinationName(parsed)),
		))
	}
	return tasks, nil
}

// destinationName derives a file name from the URL path, falling back to
// the host when the path carries none
func destinationName(parsed *url.URL) string {
	name := path.Base(parsed.Path)
	if name == "." || name == "/" || name == "" {
		name = parsed.Host
	}
	if strings.HasSuffix(name, ".m3u8") {
		name = strings.TrimSuffix(name, ".m3u8") + ".ts"
	}
	return name
}

// consoleReporter renders one progress bar per active download
type consoleReporter struct {
	mu   sync.Mutex
	bars map[uuid.UUID]*progressbar.ProgressBar
}

func newConsoleReporter() *consoleReporter {
	return &consoleReporter{
		bars: make(map[uuid.UUID]*progressbar.ProgressBar),
	}
}

// OnProgress implements downloader.ProgressObserver
func (c *consoleReporter) OnProgress(progress downloader.DownloadProgress) {
	if progress.State != downloader.StateRunning {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bar, ok := c.bars[progress.TaskID]
	if !ok {
		total := progress.TotalBytes
		if total <= 0 {
			total = -1 // spinner mode for unknown sizes
		}
		bar = progressbar.DefaultBytes(total, shortID(progress.TaskID))
		c.bars[progress.TaskID] = bar
	}
	bar.Set64(progress.BytesDownloaded)
}

// Finish closes the task's bar and prints a one line summary
func (c *consoleReporter) Finish(result *downloader.DownloadResult) {
	c.mu.Lock()
	if bar, ok := c.bars[result.TaskID]; ok {
		bar.Finish()
		delete(c.bars, result.TaskID)
	}
	c.mu.Unlock()

	if result.Success {
		fmt.Printf("done  %s (%d bytes in %s, %d attempt(s))\n",
			result.FilePath, result.BytesWritten,
			result.Elapsed.Round(time.Millisecond), result.AttemptCount)
		return
	}
	fmt.Printf("failed %s: %v\n", result.ContentID, result.Error)
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
