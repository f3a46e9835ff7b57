// Package pipeline wires the ingestion stages together: freshness checks,
// downloads, extraction, parsing, linking and the knowledge store build.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"compliancegraph/internal/config"
	"compliancegraph/internal/domain"
	"compliancegraph/internal/fetch"
	"compliancegraph/internal/freshness"
	"compliancegraph/internal/index"
	"compliancegraph/internal/knowledge"
	"compliancegraph/internal/link"
	"compliancegraph/internal/metrics"
	"compliancegraph/internal/parse"
)

// Indexer receives the built records after a run.
type Indexer interface {
	Sync(ctx context.Context, records []domain.Record, runID string) (index.SyncStats, error)
}

// ArtifactOutcome is what happened to one remote artifact during a run.
type ArtifactOutcome struct {
	Name      string
	Decision  freshness.Decision
	Fetched   bool
	Bytes     int64
	Processed bool
	Committed bool
	Err       error
}

// Report is the result of Run or Load.
type Report struct {
	RunID       string
	StartedAt   time.Time
	FinishedAt  time.Time
	Store       *knowledge.Store
	Acronyms    domain.AcronymMap
	Artifacts   []ArtifactOutcome
	Warnings    []string
	LinkStats   link.Stats
	ParseErrors []parse.FileError
	Index       *index.SyncStats
}

func (r *Report) warn(logger *slog.Logger, msg string, args ...any) {
	text := fmt.Sprintf(msg, args...)
	logger.Warn(text)
	r.Warnings = append(r.Warnings, text)
}

// Failed returns the artifacts that hit an error.
func (r *Report) Failed() []ArtifactOutcome {
	var out []ArtifactOutcome
	for _, a := range r.Artifacts {
		if a.Err != nil {
			out = append(out, a)
		}
	}
	return out
}

// Options tune a single Run.
type Options struct {
	Force bool // fetch every artifact regardless of stored markers
}

type Config struct {
	Config  *config.Config
	Client  *http.Client
	Metrics metrics.Collector
	Indexer Indexer // optional
	Now     func() time.Time
	Logger  *slog.Logger
}

type Pipeline struct {
	cfg      *config.Config
	resolver *freshness.Resolver
	fetcher  *fetch.Fetcher
	parser   *parse.Parser
	linker   *link.Linker
	indexer  Indexer
	metrics  metrics.Collector
	now      func() time.Time
	logger   *slog.Logger
}

// New checks the configuration and builds the stage components. Invalid
// configuration fails here, before any work is attempted.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Config == nil {
		return nil, fmt.Errorf("pipeline: %w: no configuration", domain.ErrInvalidConfig)
	}
	if err := config.Validate(cfg.Config); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Client == nil {
		cfg.Client = fetch.SharedHTTPClient(cfg.Config.FetchTimeout())
	}

	c := cfg.Config
	return &Pipeline{
		cfg: c,
		resolver: freshness.NewResolver(freshness.Config{
			Client:        cfg.Client,
			Now:           cfg.Now,
			MaxMonthsBack: c.Fetch.MaxMonthsBack,
			UserAgent:     c.Fetch.UserAgent,
			Logger:        cfg.Logger.With("stage", "resolve"),
		}),
		fetcher: fetch.New(fetch.Config{
			Client:      cfg.Client,
			Concurrency: c.Fetch.Concurrency,
			UserAgent:   c.Fetch.UserAgent,
			Metrics:     cfg.Metrics,
			Logger:      cfg.Logger.With("stage", "fetch"),
		}),
		parser:  parse.New(parse.Config{Logger: cfg.Logger.With("stage", "parse")}),
		linker:  link.New(c.Linker.Publisher, c.Linker.Catalogs, cfg.Logger.With("stage", "link")),
		indexer: cfg.Indexer,
		metrics: cfg.Metrics,
		now:     cfg.Now,
		logger:  cfg.Logger,
	}, nil
}

// Run refreshes the remote artifacts and rebuilds the knowledge store.
// Failures of single artifacts are reported on the Report; the run keeps
// going with whatever data is available. Markers are committed only for
// artifacts that were both fetched and processed, and the freshness state
// is saved atomically at the end.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{RunID: uuid.NewString(), StartedAt: p.now()}
	logger := p.logger.With("run_id", report.RunID)
	logger.Info("update started", "force", opts.Force)

	statePath := p.cfg.Path(p.cfg.Layout.StateFile)
	artifacts := p.artifacts()
	state := freshness.LoadState(statePath, defaultMarkers(artifacts), logger)

	outcomes := p.resolveAndFetch(ctx, artifacts, state, opts, report, logger)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	p.process(outcomes, report, logger)
	p.build(report, logger)

	if err := p.syncIndex(ctx, report, logger); err != nil {
		report.warn(logger, "index sync failed: %v", err)
	}

	committed := p.commit(state, outcomes, report, logger)
	for _, o := range outcomes {
		report.Artifacts = append(report.Artifacts, *o)
	}
	report.FinishedAt = p.now()

	if err := state.Save(statePath); err != nil {
		p.metrics.RecordError("state", domain.ErrTypeState)
		return report, fmt.Errorf("save freshness state: %w", err)
	}
	logger.Info("update finished",
		"records", report.Store.Len(),
		"committed", committed,
		"failed", len(report.Failed()),
		"warnings", len(report.Warnings),
		"duration", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	return report, nil
}

// Load rebuilds the knowledge store from the files already on disk without
// touching the network. It warns when the last successful update is older
// than the configured staleness window.
func (p *Pipeline) Load(ctx context.Context) (*Report, error) {
	report := &Report{RunID: uuid.NewString(), StartedAt: p.now()}
	logger := p.logger.With("run_id", report.RunID)

	state := freshness.LoadState(p.cfg.Path(p.cfg.Layout.StateFile), nil, logger)
	p.checkStaleness(state, report, logger)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	p.build(report, logger)
	report.FinishedAt = p.now()
	return report, nil
}

func (p *Pipeline) resolveAndFetch(ctx context.Context, artifacts []artifact, state *freshness.State, opts Options, report *Report, logger *slog.Logger) []*ArtifactOutcome {
	start := time.Now()
	outcomes := make([]*ArtifactOutcome, len(artifacts))

	var (
		jobs    []fetch.Job
		pending []*ArtifactOutcome
		monthly []int
	)
	for i, a := range artifacts {
		o := &ArtifactOutcome{Name: a.Name}
		outcomes[i] = o
		if a.Monthly {
			monthly = append(monthly, i)
			continue
		}
		o.Decision = p.resolver.CheckHeader(ctx, a.Artifact, state.Get(a.Name))
		if opts.Force {
			o.Decision.Action = freshness.Fetch
		}
		logger.Info("freshness decision", "artifact", a.Name, "action", o.Decision.Action, "reason", o.Decision.Reason)
		if o.Decision.Action == freshness.Fetch {
			jobs = append(jobs, fetch.Job{Name: a.Name, URL: o.Decision.URL, Dest: o.Decision.Dest})
			pending = append(pending, o)
		}
	}
	p.metrics.RecordStage("resolve", time.Since(start))

	fetchStart := time.Now()
	results := p.fetcher.FetchAll(ctx, jobs)
	for i, res := range results {
		o := pending[i]
		o.Bytes, o.Err = res.Bytes, res.Err
		o.Fetched = res.Err == nil
		if res.Err != nil {
			report.warn(logger, "%s: download failed: %v", o.Name, res.Err)
		}
	}
	if failed := fetch.Failed(results); len(failed) > 0 {
		logger.Warn("parallel downloads incomplete", "failed", len(failed), "of", len(results))
	}

	// Monthly archives are probed and downloaded one at a time after the
	// parallel region has joined.
	for _, i := range monthly {
		a, o := artifacts[i], outcomes[i]
		d, err := p.resolver.FindMonthly(ctx, a.Artifact, state.Get(a.Name))
		if err != nil {
			o.Err = err
			p.metrics.RecordError("resolve", domain.ClassifyError(err))
			report.warn(logger, "%s: %v", a.Name, err)
			continue
		}
		if opts.Force {
			d.Action = freshness.Fetch
		}
		o.Decision = d
		if d.Action != freshness.Fetch {
			continue
		}
		res := p.fetcher.Fetch(ctx, fetch.Job{Name: a.Name, URL: d.URL, Dest: d.Dest})
		o.Bytes, o.Err = res.Bytes, res.Err
		o.Fetched = res.Err == nil
		if res.Err != nil {
			report.warn(logger, "%s: download failed: %v", a.Name, res.Err)
		}
	}
	p.metrics.RecordStage("fetch", time.Since(fetchStart))
	return outcomes
}

// commit advances the markers of fetched and processed artifacts and, when
// every artifact succeeded, the last-run marker.
func (p *Pipeline) commit(state *freshness.State, outcomes []*ArtifactOutcome, report *Report, logger *slog.Logger) int {
	committed := 0
	clean := true
	for _, o := range outcomes {
		if o.Err != nil {
			clean = false
		}
		if !o.Fetched || !o.Processed || o.Decision.Marker.IsZero() {
			continue
		}
		if err := state.Advance(o.Name, o.Decision.Marker); err != nil {
			if errors.Is(err, domain.ErrMarkerRegression) {
				p.metrics.RecordError("commit", domain.ErrTypeState)
			}
			report.warn(logger, "%s: marker not committed: %v", o.Name, err)
			continue
		}
		o.Committed = true
		committed++
	}

	if clean {
		now := p.now()
		if err := state.Advance(freshness.LastRunKey, domain.TimeMarker(now)); err != nil {
			report.warn(logger, "last run marker not committed: %v", err)
		} else {
			p.metrics.SetLastSuccess(now)
		}
	}
	return committed
}

func (p *Pipeline) syncIndex(ctx context.Context, report *Report, logger *slog.Logger) error {
	if p.indexer == nil {
		return nil
	}
	start := time.Now()
	st, err := p.indexer.Sync(ctx, report.Store.Records(), report.RunID)
	p.metrics.RecordStage("index", time.Since(start))
	if err != nil {
		p.metrics.RecordError("index", domain.ClassifyError(err))
		return err
	}
	report.Index = &st
	logger.Info("index updated", "upserted", st.Upserted, "deleted", st.Deleted)
	return nil
}

// SyncIndex pushes the records of a finished report into indexer.
func SyncIndex(ctx context.Context, indexer Indexer, report *Report) (index.SyncStats, error) {
	return indexer.Sync(ctx, report.Store.Records(), report.RunID)
}
