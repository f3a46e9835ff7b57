package freshness

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"compliancegraph/internal/domain"
)

// Action is the resolver's verdict for one artifact.
type Action int

const (
	Skip Action = iota
	Fetch
)

func (a Action) String() string {
	if a == Fetch {
		return "fetch"
	}
	return "skip"
}

// Artifact describes one remote file. URL may carry {month}, {year} and
// {month_num} placeholders for monthly archives. Dir is the local download
// directory; the file keeps the last path segment of the rendered URL.
type Artifact struct {
	Name    string
	URL     string
	Dir     string
	Monthly bool
}

// Decision is the outcome of a freshness check. Marker is the version the
// caller should commit once the artifact has been fetched and processed;
// it is zero when the remote version is unknown.
type Decision struct {
	Artifact string
	Action   Action
	URL      string
	Dest     string
	Marker   domain.Marker
	Reason   string
	Err      error
}

// MonthCandidate is one probe target of the monthly look-back.
type MonthCandidate struct {
	Year  int
	Month time.Month
}

// Render substitutes the candidate into a URL template.
func (c MonthCandidate) Render(template string) string {
	return strings.NewReplacer(
		"{month}", c.Month.String(),
		"{year}", fmt.Sprintf("%04d", c.Year),
		"{month_num}", fmt.Sprintf("%02d", int(c.Month)),
	).Replace(template)
}

func (c MonthCandidate) Marker() domain.Marker {
	return domain.MonthMarker(c.Year, c.Month)
}

// Candidates yields exactly maxBack calendar months in descending recency,
// starting with the month containing now.
func Candidates(now time.Time, maxBack int) iter.Seq[MonthCandidate] {
	return func(yield func(MonthCandidate) bool) {
		y, m := now.Year(), now.Month()
		for range maxBack {
			if !yield(MonthCandidate{Year: y, Month: m}) {
				return
			}
			m--
			if m < time.January {
				m = time.December
				y--
			}
		}
	}
}

type Config struct {
	Client        *http.Client
	Now           func() time.Time
	MaxMonthsBack int
	UserAgent     string
	Logger        *slog.Logger
}

// Resolver decides whether remote artifacts need fetching. It never writes
// persisted state.
type Resolver struct {
	client    *http.Client
	now       func() time.Time
	maxBack   int
	userAgent string
	logger    *slog.Logger
}

func NewResolver(cfg Config) *Resolver {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxMonthsBack <= 0 {
		cfg.MaxMonthsBack = 12
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{
		client:    cfg.Client,
		now:       cfg.Now,
		maxBack:   cfg.MaxMonthsBack,
		userAgent: cfg.UserAgent,
		logger:    cfg.Logger,
	}
}

// CheckHeader decides on a header-versioned artifact from the remote
// Last-Modified header. Unknown freshness is treated as stale.
func (r *Resolver) CheckHeader(ctx context.Context, a Artifact, marker domain.Marker) Decision {
	d := Decision{Artifact: a.Name, Action: Fetch, URL: a.URL, Dest: DestPath(a.Dir, a.URL)}

	h, err := r.probe(ctx, a.URL)
	if err != nil {
		r.logger.Warn("freshness probe failed, fetching anyway", "artifact", a.Name, "err", err)
		d.Reason = "probe failed"
		d.Err = err
		return d
	}

	lm := h.Get("Last-Modified")
	if lm == "" {
		r.logger.Warn("no Last-Modified header, fetching", "artifact", a.Name)
		d.Reason = "no Last-Modified header"
		return d
	}
	t, err := http.ParseTime(lm)
	if err != nil {
		r.logger.Warn("unparseable Last-Modified header, fetching", "artifact", a.Name, "value", lm)
		d.Reason = "unparseable Last-Modified header"
		return d
	}

	d.Marker = domain.TimeMarker(t)
	switch {
	case d.Marker.After(marker):
		d.Reason = "remote is newer"
	case !exists(d.Dest):
		d.Reason = "local copy missing"
	default:
		d.Action = Skip
		d.Reason = "up to date"
	}
	return d
}

// FindMonthly probes candidate months newest first and settles on the first
// one that answers 2xx. The artifact is fetched only when that month is
// strictly newer than marker. ErrNoArtifact is returned when every
// candidate fails.
func (r *Resolver) FindMonthly(ctx context.Context, a Artifact, marker domain.Marker) (Decision, error) {
	for c := range Candidates(r.now(), r.maxBack) {
		u := c.Render(a.URL)
		if _, err := r.probe(ctx, u); err != nil {
			r.logger.Debug("monthly candidate unavailable", "artifact", a.Name, "url", u, "err", err)
			if ctx.Err() != nil {
				return Decision{}, ctx.Err()
			}
			continue
		}

		d := Decision{
			Artifact: a.Name,
			Action:   Skip,
			URL:      u,
			Dest:     DestPath(a.Dir, u),
			Marker:   c.Marker(),
			Reason:   "already processed",
		}
		if d.Marker.After(marker) {
			d.Action = Fetch
			d.Reason = "newer release"
		}
		r.logger.Info("monthly release found", "artifact", a.Name, "release", d.Marker, "action", d.Action)
		return d, nil
	}
	return Decision{}, fmt.Errorf("%s: no release in the last %d months: %w", a.Name, r.maxBack, domain.ErrNoArtifact)
}

func (r *Resolver) probe(ctx context.Context, u string) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &domain.StatusError{URL: u, StatusCode: resp.StatusCode}
	}
	return resp.Header, nil
}

// DestPath places the URL's last path segment under dir.
func DestPath(dir, rawURL string) string {
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		name = u.Path
	}
	return filepath.Join(dir, path.Base(name))
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
