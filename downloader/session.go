package downloader

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"ripstream-core/config"
)

// sessionEntry is the reusable connection context for one source: a token
// bucket for request pacing, a pool of connection slots, and a shared HTTP
// client whose transport is reused by every worker touching that source.
type sessionEntry struct {
	source  string
	limiter *rate.Limiter
	slots   *semaphore.Weighted
	client  *http.Client
}

// SessionHandle is a scoped acquisition of a source connection. Release
// must be called on every exit path of the holder; it is the only path by
// which pool slots are returned.
type SessionHandle struct {
	entry    *sessionEntry
	released sync.Once
}

// Client returns the HTTP client shared by all holders of this source.
// Per-source SSL verification, headers and timeout are already applied.
func (h *SessionHandle) Client() *http.Client {
	return h.entry.client
}

// Source returns the source name this handle belongs to
func (h *SessionHandle) Source() string {
	return h.entry.source
}

// Release returns the connection slot to the source pool. Safe to call
// more than once.
func (h *SessionHandle) Release() {
	h.released.Do(func() {
		h.entry.slots.Release(1)
	})
}

// SessionManager owns one rate-limited, connection-pooled context per
// source name, shared across all concurrent tasks targeting that source.
// Entries are created lazily on first use and destroyed on Shutdown.
type SessionManager struct {
	cfg    *config.Config
	logger *zap.Logger

	mu       sync.Mutex
	entries  map[string]*sessionEntry
	shutdown bool
}

// NewSessionManager creates a session manager with no live entries
func NewSessionManager(cfg *config.Config, logger *zap.Logger) *SessionManager {
	return &SessionManager{
		cfg:     cfg,
		logger:  logger.Named("session"),
		entries: make(map[string]*sessionEntry),
	}
}

// Acquire blocks until both a free pooled connection and a rate limit
// token exist for the source, then returns a handle. Waiting on one source
// never blocks workers on unrelated sources. The context cancels either
// wait promptly.
//
// Returns a source_unavailable error after Shutdown.
func (sm *SessionManager) Acquire(ctx context.Context, source string) (*SessionHandle, error) {
	sm.mu.Lock()
	if sm.shutdown {
		sm.mu.Unlock()
		return nil, NewDownloadError(ErrorSourceUnavailable, "session manager has been shut down")
	}
	entry, ok := sm.entries[source]
	if !ok {
		entry = sm.newEntry(source)
		sm.entries[source] = entry
		sm.logger.Debug("created session entry",
			zap.String("source", source),
			zap.Int("max_connections", sm.cfg.SourceFor(source).MaxConnections),
			zap.Int("requests_per_minute", sm.cfg.SourceFor(source).RequestsPerMinute))
	}
	sm.mu.Unlock()

	if err := entry.slots.Acquire(ctx, 1); err != nil {
		return nil, NewDownloadErrorWithCause(ErrorCancelled, "session acquisition cancelled", err)
	}

	// Pool slot held; a rate token must also be available before the
	// request is admitted.
	if err := entry.limiter.Wait(ctx); err != nil {
		entry.slots.Release(1)
		return nil, NewDownloadErrorWithCause(ErrorCancelled, "rate limit wait cancelled", err)
	}

	return &SessionHandle{entry: entry}, nil
}

// newEntry builds the per-source context. The token bucket refills at
// requests_per_minute/60 tokens per second and allows a burst of a full
// minute's budget after idling.
func (sm *SessionManager) newEntry(source string) *sessionEntry {
	sourceCfg := sm.cfg.SourceFor(source)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = sourceCfg.MaxConnections
	if !sourceCfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &sessionEntry{
		source:  source,
		limiter: rate.NewLimiter(rate.Limit(float64(sourceCfg.RequestsPerMinute)/60.0), sourceCfg.RequestsPerMinute),
		slots:   semaphore.NewWeighted(int64(sourceCfg.MaxConnections)),
		client: &http.Client{
			Transport: transport,
			Timeout:   sourceCfg.Timeout,
		},
	}
}

// Shutdown destroys all source entries and makes further Acquire calls
// fail. Holders of outstanding handles keep their clients until they
// release them.
func (sm *SessionManager) Shutdown() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.shutdown {
		return
	}
	sm.shutdown = true

	for source, entry := range sm.entries {
		entry.client.CloseIdleConnections()
		delete(sm.entries, source)
	}
	sm.logger.Info("session manager shut down")
}
