// Package downloader coordinates many independent, long-running network
// downloads under bounded concurrency, per-source rate limits and
// automatic retry, with live progress reporting to observers.
//
// The package defines core components and data structures for:
//   - Manager: caller-facing submit/await/cancel/subscribe API
//   - DownloadQueue: priority- and dependency-aware task admission
//   - SessionManager: per-source connection pooling and rate limiting
//   - ProgressTracker: smoothed speed/ETA aggregation with observer fan-out
//   - WorkerPool: bounded-concurrency execution with retry and cancellation
//   - Error handling with structured DownloadError types
//
// The actual byte transfer is delegated to a Provider registered per
// source name; the coordination core knows nothing about wire formats.
package downloader
