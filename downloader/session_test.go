package downloader

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"ripstream-core/config"
)

func sessionTestConfig() *config.Config {
	return &config.Config{
		MaxConcurrentDownloads: 4,
		QueueCapacity:          100,
		Sources: map[string]config.SourceConfig{
			"qobuz": {
				Name:              "qobuz",
				MaxConnections:    2,
				RequestsPerMinute: 600,
				VerifySSL:         true,
				Timeout:           time.Minute,
			},
		},
	}
}

func TestSessionManager_AcquireRelease(t *testing.T) {
	sm := NewSessionManager(sessionTestConfig(), zap.NewNop())
	defer sm.Shutdown()

	handle, err := sm.Acquire(context.Background(), "qobuz")
	if err != nil {
		t.Fatalf("expected no error but got: %v", err)
	}
	if handle.Source() != "qobuz" {
		t.Errorf("expected source qobuz, got %q", handle.Source())
	}
	if handle.Client() == nil {
		t.Fatal("expected a shared HTTP client")
	}

	handle.Release()
	handle.Release() // idempotent
}

func TestSessionManager_ConnectionSlotsExhausted(t *testing.T) {
	sm := NewSessionManager(sessionTestConfig(), zap.NewNop())
	defer sm.Shutdown()

	ctx := context.Background()
	first, err := sm.Acquire(ctx, "qobuz")
	if err != nil {
		t.Fatalf("expected no error but got: %v", err)
	}
	second, err := sm.Acquire(ctx, "qobuz")
	if err != nil {
		t.Fatalf("expected no error but got: %v", err)
	}

	// Both slots held; a third acquisition must block until one is released
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := sm.Acquire(waitCtx, "qobuz"); !IsDownloadError(err, ErrorCancelled) {
		t.Fatalf("expected cancelled error while slots are held, got: %v", err)
	}

	first.Release()
	third, err := sm.Acquire(ctx, "qobuz")
	if err != nil {
		t.Fatalf("expected acquisition after release but got: %v", err)
	}
	third.Release()
	second.Release()
}

func TestSessionManager_SourcesDoNotShareSlots(t *testing.T) {
	cfg := sessionTestConfig()
	cfg.Sources["qobuz"] = config.SourceConfig{
		Name:              "qobuz",
		MaxConnections:    1,
		RequestsPerMinute: 600,
		Timeout:           time.Minute,
	}
	sm := NewSessionManager(cfg, zap.NewNop())
	defer sm.Shutdown()

	ctx := context.Background()
	held, err := sm.Acquire(ctx, "qobuz")
	if err != nil {
		t.Fatalf("expected no error but got: %v", err)
	}
	defer held.Release()

	// Saturating qobuz must not block an unrelated source
	other, err := sm.Acquire(ctx, "deezer")
	if err != nil {
		t.Fatalf("expected unrelated source to acquire, got: %v", err)
	}
	other.Release()
}

func TestSessionManager_RateLimitPacing(t *testing.T) {
	cfg := sessionTestConfig()
	cfg.Sources["slow"] = config.SourceConfig{
		Name:              "slow",
		MaxConnections:    4,
		RequestsPerMinute: 60, // 1 token per second after the burst
		Timeout:           time.Minute,
	}
	sm := NewSessionManager(cfg, zap.NewNop())
	defer sm.Shutdown()

	ctx := context.Background()

	// Burn the full burst budget
	for i := 0; i < 60; i++ {
		handle, err := sm.Acquire(ctx, "slow")
		if err != nil {
			t.Fatalf("burst acquisition %d failed: %v", i, err)
		}
		handle.Release()
	}

	// The next token is roughly a second away; a short deadline must expire
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := sm.Acquire(waitCtx, "slow"); !IsDownloadError(err, ErrorCancelled) {
		t.Fatalf("expected cancelled error while rate limited, got: %v", err)
	}
}

func TestSessionManager_AcquireAfterShutdown(t *testing.T) {
	sm := NewSessionManager(sessionTestConfig(), zap.NewNop())
	sm.Shutdown()

	_, err := sm.Acquire(context.Background(), "qobuz")
	if !IsDownloadError(err, ErrorSourceUnavailable) {
		t.Fatalf("expected source_unavailable after shutdown, got: %v", err)
	}

	// Shutdown is idempotent
	sm.Shutdown()
}
