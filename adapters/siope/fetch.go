// Package siope retrieves and stages the SIOPE open-data archives: download
// with bounded retries, zip extraction, yearly file aggregation and table
// file lookup.
package siope

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"siope-etl/internal/config"
	"siope-etl/internal/errors"
	"siope-etl/internal/logging"
)

// FetchReport lists what a fetch produced
type FetchReport struct {
	// Extracted are the files written to the source directory
	Extracted []string

	// Skipped are the archives that could not be downloaded
	Skipped []string
}

// Fetcher downloads archives into a source directory
type Fetcher struct {
	client   *http.Client
	baseURL  string
	dir      string
	attempts int
	backoff  time.Duration
	log      *zap.Logger
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithHTTPClient replaces the default client
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithBackoff sets the pause between attempts
func WithBackoff(d time.Duration) Option {
	return func(f *Fetcher) { f.backoff = d }
}

// NewFetcher creates a fetcher for cfg
func NewFetcher(cfg config.SourceConfig, log *zap.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{Timeout: 10 * time.Minute},
		baseURL:  cfg.BaseURL,
		dir:      cfg.Dir,
		attempts: cfg.Attempts,
		backoff:  2 * time.Second,
		log:      logging.OrNop(log).Named("fetch"),
	}
	if f.attempts < 1 {
		f.attempts = 1
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchAll clears previously staged csv and zip files, then downloads and
// extracts every archive. An archive that cannot be downloaded after all
// attempts is logged and skipped; the tables it holds will fail to load.
func (f *Fetcher) FetchAll(ctx context.Context, archives []string) (*FetchReport, error) {
	report := &FetchReport{}

	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return report, errors.Wrapf(errors.TypeInput, err, "creating %s", f.dir)
	}
	if err := f.clean(); err != nil {
		return report, err
	}

	var errs error
	for _, name := range archives {
		path := filepath.Join(f.dir, name)
		if err := f.download(ctx, name, path); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			f.log.Warn("Archive not downloaded", zap.String("archive", name), zap.Error(err))
			report.Skipped = append(report.Skipped, name)
			continue
		}

		files, err := Extract(path, f.dir)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		report.Extracted = append(report.Extracted, files...)
		if err := os.Remove(path); err != nil {
			f.log.Debug("Could not remove archive", zap.String("archive", path), zap.Error(err))
		}
		f.log.Info("Archive extracted", zap.String("archive", name), zap.Int("files", len(files)))
	}
	return report, errs
}

// download fetches name into path, retrying up to the configured attempts
func (f *Fetcher) download(ctx context.Context, name, path string) error {
	url := strings.TrimSuffix(f.baseURL, "/") + "/" + name

	var err error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		f.log.Debug("Downloading", zap.String("url", url), zap.Int("attempt", attempt))
		if err = f.get(ctx, url, path); err == nil {
			return nil
		}
		if attempt < f.attempts && f.backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.backoff):
			}
		}
	}
	return errors.Retrieval(fmt.Sprintf("%s failed after %d attempts", name, f.attempts), err)
}

func (f *Fetcher) get(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// clean removes staged csv and zip files left by an earlier fetch
func (f *Fetcher) clean() error {
	for _, pattern := range []string{"*.csv", "*.zip"} {
		matches, err := filepath.Glob(filepath.Join(f.dir, pattern))
		if err != nil {
			return err
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil {
				return errors.Wrapf(errors.TypeInput, err, "removing %s", m)
			}
		}
	}
	return nil
}
