// Package fetch downloads remote artifacts to disk.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"compliancegraph/internal/domain"
	"compliancegraph/internal/metrics"
)

const (
	chunkSize          = 32 * 1024
	defaultConcurrency = 4
)

// Job is one download: URL to Dest.
type Job struct {
	Name string
	URL  string
	Dest string
}

// Result is the outcome of a Job. Results are matched to jobs by position,
// never by completion order.
type Result struct {
	Job      Job
	Bytes    int64
	Duration time.Duration
	Err      error
}

type Config struct {
	Client      *http.Client
	Concurrency int
	UserAgent   string
	Metrics     metrics.Collector
	Logger      *slog.Logger
}

type Fetcher struct {
	client      *http.Client
	concurrency int
	userAgent   string
	metrics     metrics.Collector
	logger      *slog.Logger
}

func New(cfg Config) *Fetcher {
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Fetcher{
		client:      cfg.Client,
		concurrency: cfg.Concurrency,
		userAgent:   cfg.UserAgent,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// Download streams url into dest in fixed-size chunks. The body is written
// to dest+".part" and renamed over dest only once complete, so a failed
// download never replaces a good copy.
func (f *Fetcher) Download(ctx context.Context, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("new request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &domain.StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create download directory: %w", err)
	}
	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", part, err)
	}

	// Hide ReadFrom so the copy goes through the fixed chunk buffer.
	n, err := io.CopyBuffer(struct{ io.Writer }{out}, resp.Body, make([]byte, chunkSize))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(part)
		return n, fmt.Errorf("download %s: %w", url, err)
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return n, fmt.Errorf("commit %s: %w", dest, err)
	}
	return n, nil
}

// FetchAll downloads every job on a bounded worker pool and waits for all of
// them. A failing job never aborts the others; results[i] belongs to jobs[i].
func (f *Fetcher) FetchAll(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for i, job := range jobs {
		g.Go(func() error {
			results[i] = f.run(ctx, job)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Fetch downloads a single job with the same logging and metrics as FetchAll.
func (f *Fetcher) Fetch(ctx context.Context, job Job) Result {
	return f.run(ctx, job)
}

func (f *Fetcher) run(ctx context.Context, job Job) Result {
	start := time.Now()
	n, err := f.Download(ctx, job.URL, job.Dest)
	res := Result{Job: job, Bytes: n, Duration: time.Since(start), Err: err}

	if err != nil {
		f.logger.Error("download failed", "artifact", job.Name, "url", job.URL, "err", err)
		f.metrics.RecordFetch(job.Name, "error", 0)
		f.metrics.RecordError("fetch", domain.ClassifyError(err))
		return res
	}
	f.logger.Info("downloaded",
		"artifact", job.Name,
		"path", job.Dest,
		"size", humanize.Bytes(uint64(n)),
		"duration", res.Duration.Round(time.Millisecond))
	f.metrics.RecordFetch(job.Name, "ok", n)
	return res
}

// Failed reports the results whose job did not complete.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// PruneOlderThan removes regular files in dir whose modification time is
// more than age before now. Subdirectories are left alone. A missing dir is
// not an error.
func PruneOlderThan(dir string, age time.Duration, now time.Time, logger *slog.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", dir, err)
	}

	cutoff := now.Add(-age)
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			logger.Warn("prune failed", "path", path, "err", err)
			continue
		}
		logger.Info("pruned old artifact", "path", path, "age", humanize.RelTime(info.ModTime(), now, "old", "from now"))
		removed++
	}
	return removed, nil
}
