package netutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// DefaultMaxDownloadSize bounds installer and archive downloads.
const DefaultMaxDownloadSize = 256 << 20 // 256 MiB

// Downloader fetches runtime installers and bundle blobs over HTTPS with
// retry, a TLS floor, and bounded body sizes. URLs are stripped of
// credentials before they reach any log line.
type Downloader struct {
	client    *http.Client
	maxSize   int64
	allowHTTP bool
	logger    *slog.Logger
}

// DownloadOption configures a Downloader.
type DownloadOption func(*Downloader)

// WithHTTPClient replaces the default retrying client.
func WithHTTPClient(c *http.Client) DownloadOption {
	return func(d *Downloader) { d.client = c }
}

// WithMaxSize caps how many body bytes a download may produce.
func WithMaxSize(n int64) DownloadOption {
	return func(d *Downloader) {
		if n > 0 {
			d.maxSize = n
		}
	}
}

// WithAllowHTTP permits plain http URLs, for local mirrors and tests.
func WithAllowHTTP(allow bool) DownloadOption {
	return func(d *Downloader) { d.allowHTTP = allow }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) DownloadOption {
	return func(d *Downloader) { d.logger = l }
}

// NewDownloader creates a Downloader with the default secure client.
func NewDownloader(opts ...DownloadOption) *Downloader {
	d := &Downloader{
		maxSize: DefaultMaxDownloadSize,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = &http.Client{
			Timeout: 10 * time.Minute,
			Transport: &RetryTransport{
				Base: &http.Transport{
					TLSClientConfig: TLSConfig(),
					Proxy:           http.ProxyFromEnvironment,
				},
				OnRetry: func(attempt int, wait time.Duration, status int) {
					d.logger.Warn("retrying download",
						"attempt", attempt,
						"wait", wait.String(),
						"status", status)
				},
			},
		}
	}
	return d
}

// Fetch downloads the URL into memory, failing if the body exceeds the size
// limit.
func (d *Downloader) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := d.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(NewLimitedReader(resp.Body, d.maxSize))
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", StripCredentials(rawURL), err)
	}
	return data, nil
}

// DownloadFile streams the URL to dest, writing through a temporary file so
// a failed download never leaves a partial artifact behind. Returns the
// byte count written.
func (d *Downloader) DownloadFile(ctx context.Context, rawURL, dest string, perm os.FileMode) (int64, error) {
	resp, err := d.get(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create download directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".partial-*")
	if err != nil {
		return 0, fmt.Errorf("create temporary download file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	limited := NewLimitedReader(resp.Body, d.maxSize)
	n, err := io.Copy(tmp, limited)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", StripCredentials(rawURL), err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("flush download: %w", err)
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return 0, fmt.Errorf("set download permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, fmt.Errorf("finalize download: %w", err)
	}

	d.logger.Info("downloaded",
		"url", StripCredentials(rawURL),
		"dest", dest,
		"size", FormatSize(n))
	return n, nil
}

func (d *Downloader) get(ctx context.Context, rawURL string) (*http.Response, error) {
	if !IsHTTPS(rawURL) && !d.allowHTTP {
		return nil, fmt.Errorf("refusing non-HTTPS download from %s", StripCredentials(rawURL))
	}
	if HasCredentials(rawURL) {
		d.logger.Warn("download URL embeds credentials; they will not be logged")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", StripCredentials(rawURL), err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: unexpected status %d", StripCredentials(rawURL), resp.StatusCode)
	}
	return resp, nil
}
