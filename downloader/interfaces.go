package downloader

import (
	"context"
	"net/http"
)

// ProgressSink receives incremental byte counts from a provider during a
// transfer. totalBytes is UnknownTotal until the provider learns the size.
type ProgressSink func(bytesDownloaded, totalBytes int64)

// FetchRequest describes one byte transfer for a provider
type FetchRequest struct {
	Task     *DownloadTask
	Client   HTTPDoer
	Progress ProgressSink
}

// HTTPDoer is the transport surface providers use; satisfied by *http.Client
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider performs the actual byte transfer for tasks of one source.
// Implementations must respect ctx by aborting promptly and report
// incremental progress through the supplied sink. Errors should be
// classified DownloadErrors; anything else is treated as a generic
// transfer error.
type Provider interface {
	// Authenticate establishes credentials with the source. Called once
	// at startup before any Fetch.
	Authenticate(ctx context.Context) error

	// Fetch moves the task's bytes to its destination path and returns
	// the final byte count.
	Fetch(ctx context.Context, req FetchRequest) (int64, error)
}

// ProviderRegistry resolves the provider for a source name. Built once at
// startup; an explicit lookup table, no runtime loading.
type ProviderRegistry interface {
	Lookup(source string) (Provider, bool)
}
