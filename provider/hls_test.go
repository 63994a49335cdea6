package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"ripstream-core/downloader"
)

// hlsTestServer serves a media playlist and its segments
func hlsTestServer(t *testing.T, segments []string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/track.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "#EXTM3U")
		fmt.Fprintln(w, "#EXT-X-VERSION:3")
		fmt.Fprintln(w, "#EXT-X-TARGETDURATION:10")
		for i := range segments {
			fmt.Fprintln(w, "#EXTINF:10.0,")
			fmt.Fprintf(w, "seg%d.ts\n", i)
		}
		fmt.Fprintln(w, "#EXT-X-ENDLIST")
	})
	for i, content := range segments {
		body := content
		mux.HandleFunc(fmt.Sprintf("/seg%d.ts", i), func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		})
	}

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func hlsFetchRequest(t *testing.T, url string) downloader.FetchRequest {
	t.Helper()
	task := downloader.NewDownloadTask("content", downloader.ContentTrack, "test", url, filepath.Join(t.TempDir(), "track.ts"))
	return downloader.FetchRequest{
		Task:   task,
		Client: http.DefaultClient,
	}
}

func TestHLSProvider_FetchMediaPlaylist(t *testing.T) {
	segments := []string{"first segment ", "second segment ", "third segment"}
	server := hlsTestServer(t, segments)

	provider := NewHLSProvider(testSource(), nil, zap.NewNop())
	req := hlsFetchRequest(t, server.URL+"/track.m3u8")

	var updates int
	var lastBytes, lastTotal int64
	req.Progress = func(bytesDownloaded, totalBytes int64) {
		updates++
		lastBytes = bytesDownloaded
		lastTotal = totalBytes
	}

	written, err := provider.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("expected no error but got: %v", err)
	}

	want := "first segment second segment third segment"
	if written != int64(len(want)) {
		t.Errorf("expected %d bytes, got %d", len(want), written)
	}
	data, err := os.ReadFile(req.Task.FilePath)
	if err != nil {
		t.Fatalf("expected destination file but got: %v", err)
	}
	if string(data) != want {
		t.Errorf("segments must concatenate in order, got %q", data)
	}

	if updates != len(segments) {
		t.Errorf("expected one progress update per segment, got %d", updates)
	}
	if lastBytes != int64(len(want)) {
		t.Errorf("expected final progress %d, got %d", len(want), lastBytes)
	}
	if lastTotal != downloader.UnknownTotal {
		t.Errorf("HLS total must be the unknown sentinel, got %d", lastTotal)
	}
}

func TestHLSProvider_MasterPlaylistFollowsFirstVariant(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "#EXTM3U")
		fmt.Fprintln(w, "#EXT-X-STREAM-INF:BANDWIDTH=256000,CODECS=\"alac\"")
		fmt.Fprintln(w, "variant.m3u8")
		fmt.Fprintln(w, "#EXT-X-STREAM-INF:BANDWIDTH=128000")
		fmt.Fprintln(w, "lower.m3u8")
	})
	mux.HandleFunc("/variant.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "#EXTM3U")
		fmt.Fprintln(w, "#EXT-X-VERSION:3")
		fmt.Fprintln(w, "#EXT-X-TARGETDURATION:10")
		fmt.Fprintln(w, "#EXTINF:10.0,")
		fmt.Fprintln(w, "audio.ts")
		fmt.Fprintln(w, "#EXT-X-ENDLIST")
	})
	mux.HandleFunc("/audio.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("variant audio"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	provider := NewHLSProvider(testSource(), nil, zap.NewNop())
	req := hlsFetchRequest(t, server.URL+"/master.m3u8")

	written, err := provider.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("expected no error but got: %v", err)
	}
	if written != int64(len("variant audio")) {
		t.Errorf("unexpected byte count %d", written)
	}
	data, _ := os.ReadFile(req.Task.FilePath)
	if string(data) != "variant audio" {
		t.Errorf("expected the first variant's audio, got %q", data)
	}
}

func TestHLSProvider_MalformedPlaylist(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not a playlist"))
	}))
	defer server.Close()

	provider := NewHLSProvider(testSource(), nil, zap.NewNop())
	req := hlsFetchRequest(t, server.URL+"/track.m3u8")

	_, err := provider.Fetch(context.Background(), req)
	if !downloader.IsDownloadError(err, downloader.ErrorValidation) {
		t.Fatalf("expected validation error, got: %v", err)
	}
}

func TestHLSProvider_SegmentFailureCleansUp(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/track.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "#EXTM3U")
		fmt.Fprintln(w, "#EXT-X-VERSION:3")
		fmt.Fprintln(w, "#EXT-X-TARGETDURATION:10")
		fmt.Fprintln(w, "#EXTINF:10.0,")
		fmt.Fprintln(w, "good.ts")
		fmt.Fprintln(w, "#EXTINF:10.0,")
		fmt.Fprintln(w, "missing.ts")
		fmt.Fprintln(w, "#EXT-X-ENDLIST")
	})
	mux.HandleFunc("/good.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("good bytes"))
	})
	// missing.ts falls through to the mux 404
	server := httptest.NewServer(mux)
	defer server.Close()

	provider := NewHLSProvider(testSource(), nil, zap.NewNop())
	req := hlsFetchRequest(t, server.URL+"/track.m3u8")

	_, err := provider.Fetch(context.Background(), req)
	if !downloader.IsDownloadError(err, downloader.ErrorNotFound) {
		t.Fatalf("expected not_found from the missing segment, got: %v", err)
	}

	if _, statErr := os.Stat(req.Task.FilePath); !os.IsNotExist(statErr) {
		t.Error("failed fetch must not leave the destination")
	}
	if _, statErr := os.Stat(req.Task.FilePath + tempFileSuffix); !os.IsNotExist(statErr) {
		t.Error("failed fetch must remove the temporary file")
	}
}

func TestHLSProvider_EmptyMasterPlaylist(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "#EXTM3U")
	}))
	defer server.Close()

	provider := NewHLSProvider(testSource(), nil, zap.NewNop())
	req := hlsFetchRequest(t, server.URL+"/master.m3u8")

	_, err := provider.Fetch(context.Background(), req)
	if !downloader.IsDownloadError(err, downloader.ErrorValidation) {
		t.Fatalf("expected validation error for empty master, got: %v", err)
	}
}
