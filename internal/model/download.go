package model

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	reqTimeout    = 30 * time.Minute
	maxRetryCount = 3
	retryDelay    = 500 * time.Millisecond
)

// Downloader fetches model files from a remote repository over HTTP.
type Downloader struct {
	client *resty.Client
	logger *zap.Logger
}

func NewDownloader(baseURL string, logger *zap.Logger) *Downloader {
	c := resty.New().
		SetLogger(logger.Sugar()).
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(reqTimeout).
		SetRetryCount(maxRetryCount).
		SetRetryWaitTime(retryDelay)
	return &Downloader{client: c, logger: logger}
}

// Fetch downloads rel into target. The body goes to a temporary file that is
// renamed into place, so target is never left half written.
func (d *Downloader) Fetch(ctx context.Context, rel, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	d.logger.Info("downloading model file", zap.String("path", rel), zap.String("target", target))

	resp, err := d.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get("/" + rel)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", rel, err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return fmt.Errorf("failed to download %s: HTTP %s", rel, resp.Status())
	}

	tmp := target + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, body); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to download %s: %w", rel, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, target)
}
