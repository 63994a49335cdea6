package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/grafov/m3u8"
	"go.uber.org/zap"

	"ripstream-core/config"
	"ripstream-core/downloader"
)

// HLSProvider transfers segmented audio streams described by an HLS
// playlist. A master playlist resolves to its first variant; media
// playlist segments are fetched in order and concatenated into the
// destination file.
type HLSProvider struct {
	source config.SourceConfig
	auth   AuthFunc
	logger *zap.Logger
}

// NewHLSProvider creates a provider for one HLS source
func NewHLSProvider(source config.SourceConfig, auth AuthFunc, logger *zap.Logger) *HLSProvider {
	return &HLSProvider{
		source: source,
		auth:   auth,
		logger: logger.Named("hls").With(zap.String("source", source.Name)),
	}
}

// Authenticate implements downloader.Provider
func (p *HLSProvider) Authenticate(ctx context.Context) error {
	if p.auth == nil {
		return nil
	}
	return p.auth(ctx)
}

// Fetch implements downloader.Provider
func (p *HLSProvider) Fetch(ctx context.Context, req downloader.FetchRequest) (int64, error) {
	playlistURL, err := url.Parse(req.Task.URL)
	if err != nil {
		return 0, downloader.NewDownloadErrorWithCause(downloader.ErrorValidation,
			fmt.Sprintf("invalid playlist URL %q", req.Task.URL), err)
	}

	media, err := p.resolveMediaPlaylist(ctx, req.Client, playlistURL)
	if err != nil {
		return 0, err
	}

	return p.fetchSegments(ctx, req, playlistURL, media)
}

// resolveMediaPlaylist downloads and decodes the playlist, following a
// master playlist to its first variant
func (p *HLSProvider) resolveMediaPlaylist(ctx context.Context, client downloader.HTTPDoer, playlistURL *url.URL) (*m3u8.MediaPlaylist, error) {
	resp, err := p.get(ctx, client, playlistURL.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := ClassifyStatus(resp); err != nil {
		return nil, err
	}

	playlist, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return nil, downloader.NewDownloadErrorWithCause(downloader.ErrorValidation, "malformed playlist", err)
	}

	switch listType {
	case m3u8.MEDIA:
		return playlist.(*m3u8.MediaPlaylist), nil
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		if len(master.Variants) == 0 {
			return nil, downloader.NewDownloadError(downloader.ErrorValidation, "master playlist has no variants")
		}
		variantURL, err := playlistURL.Parse(master.Variants[0].URI)
		if err != nil {
			return nil, downloader.NewDownloadErrorWithCause(downloader.ErrorValidation, "malformed variant URI", err)
		}
		return p.resolveMediaPlaylist(ctx, client, variantURL)
	default:
		return nil, downloader.NewDownloadError(downloader.ErrorValidation, "unrecognized playlist type")
	}
}

// fetchSegments downloads every segment in order, appending to the
// destination through a temporary file. Total size is unknown for HLS,
// so progress reports the sentinel.
func (p *HLSProvider) fetchSegments(ctx context.Context, req downloader.FetchRequest, playlistURL *url.URL, media *m3u8.MediaPlaylist) (int64, error) {
	filePath := req.Task.FilePath
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return 0, downloader.NewDownloadErrorWithCause(downloader.ErrorTransfer, "failed to create destination directory", err)
	}

	tempPath := filePath + tempFileSuffix
	out, err := os.Create(tempPath)
	if err != nil {
		return 0, downloader.NewDownloadErrorWithCause(downloader.ErrorTransfer, "failed to create temporary file", err)
	}
	cleanup := func() {
		out.Close()
		os.Remove(tempPath)
	}

	var written int64
	for _, segment := range media.Segments {
		if segment == nil {
			continue
		}

		if err := ctx.Err(); err != nil {
			cleanup()
			return written, downloader.NewDownloadErrorWithCause(downloader.ErrorCancelled, "transfer cancelled", err)
		}

		segmentURL, err := playlistURL.Parse(segment.URI)
		if err != nil {
			cleanup()
			return written, downloader.NewDownloadErrorWithCause(downloader.ErrorValidation,
				fmt.Sprintf("malformed segment URI %q", segment.URI), err)
		}

		n, err := p.fetchSegment(ctx, req.Client, segmentURL.String(), out)
		if err != nil {
			cleanup()
			return written, err
		}

		written += n
		if req.Progress != nil {
			req.Progress(written, downloader.UnknownTotal)
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

// fetchSegment downloads one segment body into the open destination file
func (p *HLSProvider) fetchSegment(ctx context.Context, client downloader.HTTPDoer, segmentURL string, out *os.File) (int64, error) {
	resp, err := p.get(ctx, client, segmentURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := ClassifyStatus(resp); err != nil {
		return 0, err
	}

	n, err := out.ReadFrom(resp.Body)
	if err != nil {
		return n, downloader.NewDownloadErrorWithCause(downloader.ErrorNetwork, "segment read failed", err)
	}
	return n, nil
}

func (p *HLSProvider) get(ctx context.Context, client downloader.HTTPDoer, rawURL string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, downloader.NewDownloadErrorWithCause(downloader.ErrorValidation,
			fmt.Sprintf("invalid URL %q", rawURL), err)
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
