// Package fetch downloads remote images to short-lived scratch files.
// Every downloaded file is individually owned by one in-flight relay and
// removed after the upload attempt.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	defaultDownloadTimeout = 30 * time.Second
	maxDownloadBytes       = 50 * 1024 * 1024
)

// Fetcher downloads URLs into a scratch directory.
type Fetcher struct {
	scratchDir string
	maxBytes   int64
	client     *http.Client
	logger     *slog.Logger
}

// FetcherConfig configures the fetcher.
type FetcherConfig struct {
	ScratchDir string
	Timeout    time.Duration
	MaxBytes   int64 // per-download size cap (default 50 MiB)
	Logger     *slog.Logger
}

func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDownloadTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = maxDownloadBytes
	}
	return &Fetcher{
		scratchDir: cfg.ScratchDir,
		maxBytes:   cfg.MaxBytes,
		client:     &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger,
	}
}

// Download fetches url and writes the body to scratchDir/filename,
// creating the scratch directory if absent. Returns the full path.
func (f *Fetcher) Download(ctx context.Context, url, filename string) (string, error) {
	if err := os.MkdirAll(f.scratchDir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	path := filepath.Join(f.scratchDir, filename)
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create scratch file: %w", err)
	}

	// Read one byte past the cap so an oversized body is detected rather
	// than silently truncated and uploaded as a corrupt attachment.
	n, err := io.Copy(out, io.LimitReader(resp.Body, f.maxBytes+1))
	out.Close()
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write scratch file: %w", err)
	}
	if n > f.maxBytes {
		os.Remove(path)
		return "", fmt.Errorf("download exceeds %d byte limit", f.maxBytes)
	}

	f.logger.Debug("image downloaded", "url", url, "path", path)
	return path, nil
}

// Cleanup removes a scratch file. Failure to delete is logged, never
// escalated: a leaked scratch file must not fail the relay.
func (f *Fetcher) Cleanup(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		f.logger.Warn("cannot remove scratch file", "path", path, "err", err)
	}
}

// ScratchName returns a scratch filename for the index-th image of one
// handled message. Timestamp plus index alone can collide when two messages
// land in the same second, so a random component is appended.
func ScratchName(index int) string {
	return fmt.Sprintf("memo_image_%d_%d_%s.jpg", time.Now().Unix(), index, uuid.NewString()[:8])
}
