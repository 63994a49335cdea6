package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"ripstream-core/config"
	"ripstream-core/downloader"
)

const (
	copyChunkSize  = 32 * 1024
	tempFileSuffix = ".tmp"
)

// AuthFunc establishes credentials for a source, typically by fetching a
// token. A nil AuthFunc means the source needs no authentication.
type AuthFunc func(ctx context.Context) error

// HTTPProvider transfers bytes over plain HTTP(S). Per-source custom
// headers arrive from configuration; SSL verification and timeout are
// already baked into the session client it receives per fetch.
type HTTPProvider struct {
	source config.SourceConfig
	auth   AuthFunc
	logger *zap.Logger
}

// NewHTTPProvider creates a provider for one source
func NewHTTPProvider(source config.SourceConfig, auth AuthFunc, logger *zap.Logger) *HTTPProvider {
	return &HTTPProvider{
		source: source,
		auth:   auth,
		logger: logger.Named("http").With(zap.String("source", source.Name)),
	}
}

// Authenticate implements downloader.Provider
func (p *HTTPProvider) Authenticate(ctx context.Context) error {
	if p.auth == nil {
		return nil
	}
	return p.auth(ctx)
}

// Fetch implements downloader.Provider. The destination is written
// through a temporary file and renamed into place only on success, so a
// failed attempt never leaves a corrupt destination behind.
func (p *HTTPProvider) Fetch(ctx context.Context, req downloader.FetchRequest) (int64, error) {
	resp, err := p.get(ctx, req.Client, req.Task.URL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := ClassifyStatus(resp); err != nil {
		return 0, err
	}

	totalBytes := downloader.UnknownTotal
	if resp.ContentLength > 0 {
		totalBytes = resp.ContentLength
	}

	return writeToFile(ctx, resp.Body, req.Task.FilePath, totalBytes, req.Progress)
}

// get issues the request with the source's custom headers attached
func (p *HTTPProvider) get(ctx context.Context, client downloader.HTTPDoer, url string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, downloader.NewDownloadErrorWithCause(downloader.ErrorValidation,
			fmt.Sprintf("invalid URL %q", url), err)
	}

	for key, value := range p.source.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, downloader.NewDownloadErrorWithCause(downloader.ErrorCancelled, "request cancelled", err)
		}
		return nil, downloader.NewDownloadErrorWithCause(downloader.ErrorNetwork, "request failed", err)
	}
	return resp, nil
}

// writeToFile streams the body to a temporary file next to the
// destination, reporting cumulative progress, then renames into place
func writeToFile(ctx context.Context, body io.Reader, filePath string, totalBytes int64, progress downloader.ProgressSink) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return 0, downloader.NewDownloadErrorWithCause(downloader.ErrorTransfer, "failed to create destination directory", err)
	}

	tempPath := filePath + tempFileSuffix
	out, err := os.Create(tempPath)
	if err != nil {
		return 0, downloader.NewDownloadErrorWithCause(downloader.ErrorTransfer, "failed to create temporary file", err)
	}

	var written int64
	buf := make([]byte, copyChunkSize)
	cleanup := func() {
		out.Close()
		os.Remove(tempPath)
	}

	for {
		if err := ctx.Err(); err != nil {
			cleanup()
			return written, downloader.NewDownloadErrorWithCause(downloader.ErrorCancelled, "transfer cancelled", err)
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				cleanup()
				return written, downloader.NewDownloadErrorWithCause(downloader.ErrorTransfer, "write failed", writeErr)
			}
			written += int64(n)
			if progress != nil {
				progress(written, totalBytes)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			cleanup()
			if ctx.Err() != nil {
				return written, downloader.NewDownloadErrorWithCause(downloader.ErrorCancelled, "transfer cancelled", readErr)
			}
			return written, downloader.NewDownloadErrorWithCause(downloader.ErrorNetwork, "read failed", readErr)
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(tempPath)
		return written, downloader.NewDownloadErrorWithCause(downloader.ErrorTransfer, "close failed", err)
	}
	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return written, downloader.NewDownloadErrorWithCause(downloader.ErrorTransfer, "rename failed", err)
	}

	return written, nil
}

// ClassifyStatus maps an HTTP response status onto the download error
// taxonomy. Success statuses return nil.
func ClassifyStatus(resp *http.Response) error {
	status := resp.StatusCode
	switch {
	case status < 400:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return downloader.NewDownloadError(downloader.ErrorAuthentication,
			fmt.Sprintf("authentication failed: %d", status))
	case status == http.StatusNotFound:
		return downloader.NewDownloadError(downloader.ErrorNotFound,
			fmt.Sprintf("content not found: %d", status))
	case status == http.StatusTooManyRequests:
		return downloader.NewRateLimitError(
			fmt.Sprintf("rate limit exceeded: %d", status), retryAfter(resp))
	case status >= 500:
		return downloader.NewNetworkError(fmt.Sprintf("server error: %d", status), status)
	default:
		return downloader.NewNetworkError(fmt.Sprintf("HTTP error: %d", status), status)
	}
}

// retryAfter extracts the Retry-After header as a delay, zero when absent
// or malformed
func retryAfter(resp *http.Response) time.Duration {
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}
