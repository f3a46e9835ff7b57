package pipeline

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"

	"compliancegraph/internal/domain"
	"compliancegraph/internal/extract"
	"compliancegraph/internal/fetch"
	"compliancegraph/internal/freshness"
	"compliancegraph/internal/knowledge"
)

type artifactKind int

const (
	kindJSON artifactKind = iota // baselines and catalog, kept as downloaded
	kindCrossRefList
	kindLibrary
	kindMapping
)

const (
	catalogName      = "catalog"
	crossRefListName = "crossRefList"
	libraryName      = "library"
)

type artifact struct {
	freshness.Artifact
	kind artifactKind
}

func baselineName(level string) string    { return "baseline:" + level }
func mappingName(framework string) string { return "mapping:" + framework }

// artifacts lists the configured remote files of one run. Header-versioned
// files come first in a stable order; the monthly library is last.
func (p *Pipeline) artifacts() []artifact {
	c := p.cfg
	downloads := c.Path(c.Layout.Downloads)

	var out []artifact
	for _, level := range slices.Sorted(maps.Keys(c.Artifacts.Baselines)) {
		out = append(out, artifact{Artifact: freshness.Artifact{
			Name: baselineName(level), URL: c.Artifacts.Baselines[level], Dir: downloads,
		}, kind: kindJSON})
	}
	out = append(out,
		artifact{Artifact: freshness.Artifact{Name: catalogName, URL: c.Artifacts.Catalog, Dir: downloads}, kind: kindJSON},
		artifact{Artifact: freshness.Artifact{Name: crossRefListName, URL: c.Artifacts.CrossRefList, Dir: downloads}, kind: kindCrossRefList},
		artifact{Artifact: freshness.Artifact{
			Name: mappingName(c.Artifacts.Framework), URL: c.MappingURL(), Dir: downloads,
		}, kind: kindMapping},
		artifact{Artifact: freshness.Artifact{
			Name: libraryName, URL: c.Artifacts.Library, Dir: c.Path(c.Layout.Library), Monthly: true,
		}, kind: kindLibrary},
	)
	return slices.DeleteFunc(out, func(a artifact) bool { return a.URL == "" })
}

// defaultMarkers seeds the state with epoch markers so a first run fetches
// everything.
func defaultMarkers(artifacts []artifact) map[string]domain.Marker {
	m := make(map[string]domain.Marker, len(artifacts)+1)
	for _, a := range artifacts {
		m[a.Name] = domain.EpochMarker(a.Monthly)
	}
	m[freshness.LastRunKey] = domain.EpochMarker(false)
	return m
}

func (p *Pipeline) kindOf(name string) artifactKind {
	for _, a := range p.artifacts() {
		if a.Name == name {
			return a.kind
		}
	}
	return kindJSON
}

// process unpacks or validates every artifact fetched in this run. An
// artifact that fails here keeps its previous marker.
func (p *Pipeline) process(outcomes []*ArtifactOutcome, report *Report, logger *slog.Logger) {
	start := time.Now()
	defer func() { p.metrics.RecordStage("extract", time.Since(start)) }()

	for _, o := range outcomes {
		if !o.Fetched {
			continue
		}
		var err error
		switch p.kindOf(o.Name) {
		case kindCrossRefList:
			err = p.extract(o.Decision.Dest, extract.FlatClassifier{
				Suffix: ".xml",
				Dir:    p.cfg.Path(p.cfg.Layout.CrossRef),
			}, logger)
		case kindLibrary:
			err = p.extract(o.Decision.Dest, extract.LibraryClassifier{
				XMLSuffix: p.cfg.Layout.XMLSuffix,
				SRGMarker: p.cfg.Layout.SRGMarker,
				STIGDir:   p.cfg.Path(p.cfg.Layout.STIG),
				SRGDir:    p.cfg.Path(p.cfg.Layout.SRG),
				DocsDir:   p.cfg.Path(p.cfg.Layout.Docs),
			}, logger)
			if err == nil {
				p.prune(logger)
			}
		case kindMapping:
			_, err = p.parser.ParseControlMapping(o.Decision.Dest)
		default:
			err = validJSON(o.Decision.Dest)
		}
		if err != nil {
			o.Err = err
			p.metrics.RecordError("extract", domain.ClassifyError(err))
			report.warn(logger, "%s: processing failed: %v", o.Name, err)
			continue
		}
		o.Processed = true
	}
}

func (p *Pipeline) extract(archive string, classifier extract.Classifier, logger *slog.Logger) error {
	x := extract.New(extract.Config{
		Classifier: classifier,
		ZipSuffix:  p.cfg.Layout.ZipSuffix,
		Logger:     logger.With("stage", "extract"),
	})
	rep, err := x.Extract(archive, p.cfg.Path(p.cfg.Layout.Scratch))
	if err != nil {
		return err
	}
	logger.Info("archive extracted", "archive", archive, "files", len(rep.Routed), "nested", rep.Nested, "failed", rep.Failed)
	return nil
}

func (p *Pipeline) prune(logger *slog.Logger) {
	age := time.Duration(p.cfg.Fetch.PruneDays) * 24 * time.Hour
	n, err := fetch.PruneOlderThan(p.cfg.Path(p.cfg.Layout.Library), age, p.now(), logger)
	if err != nil {
		logger.Warn("prune library archives", "err", err)
		return
	}
	if n > 0 {
		logger.Info("pruned library archives", "removed", n)
	}
}

func validJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !json.Valid(data) {
		return fmt.Errorf("%s: %w: not a JSON document", path, domain.ErrMalformed)
	}
	return nil
}

// build parses the on-disk data one source at a time, links it and fills
// report.Store.
func (p *Pipeline) build(report *Report, logger *slog.Logger) {
	c := p.cfg
	start := time.Now()

	for _, dir := range []string{c.Layout.STIG, c.Layout.SRG, c.Layout.CrossRef} {
		if _, err := os.Stat(c.Path(dir)); err != nil {
			report.warn(logger, "expected directory missing: %s", c.Path(dir))
		}
	}

	stig, stigErr := p.parser.ParseRules(c.Path(c.Layout.STIG), domain.KindSTIG)
	srg, srgErr := p.parser.ParseRules(c.Path(c.Layout.SRG), domain.KindSRG)
	crossRefs, crossErr := p.parser.ParseCrossRefs(c.Path(c.Layout.CrossRef))
	mapping, mappingErr := p.parser.ParseControlMapping(freshness.DestPath(c.Path(c.Layout.Downloads), c.MappingURL()))
	acronyms, acrErr := p.parser.LoadAcronyms(c.Path(c.Layout.Docs), c.Layout.AcronymPattern)
	report.Acronyms = acronyms
	p.metrics.RecordStage("parse", time.Since(start))

	for _, fe := range slices.Concat(stigErr, srgErr, crossErr) {
		report.ParseErrors = append(report.ParseErrors, fe)
		p.metrics.RecordError("parse", domain.ClassifyError(fe.Err))
	}
	if len(report.ParseErrors) > 0 {
		report.warn(logger, "%d files could not be parsed", len(report.ParseErrors))
	}
	if mappingErr != nil {
		report.warn(logger, "technique mapping unavailable, records will carry no techniques: %v", mappingErr)
		mapping = domain.ControlMapping{}
	}
	if acrErr != nil {
		report.warn(logger, "acronym glossary unavailable: %v", acrErr)
	}

	linkStart := time.Now()
	report.LinkStats = p.linker.Link(slices.Concat(stig, srg), crossRefs, mapping)
	p.metrics.RecordStage("link", time.Since(linkStart))

	report.Store = knowledge.Build(stig, srg, crossRefs, logger.With("stage", "store"))
	for kind, n := range report.Store.Counts() {
		p.metrics.SetRecordCount(string(kind), n)
	}
	if report.Store.Len() == 0 {
		report.warn(logger, "no records loaded")
	}
	logger.Info("knowledge store built",
		"stig", len(stig),
		"srg", len(srg),
		"cci", len(crossRefs),
		"records", report.Store.Len(),
		"acronyms", len(report.Acronyms),
		"rules_linked", report.LinkStats.RulesLinked)
}

// checkStaleness warns when the last successful update is missing or older
// than the staleness window.
func (p *Pipeline) checkStaleness(state *freshness.State, report *Report, logger *slog.Logger) {
	now := p.now()
	last, ok := state.LastRun()
	if !ok {
		report.warn(logger, "no successful update recorded; run 'compliancegraph update'")
		return
	}
	window := time.Duration(p.cfg.Fetch.StaleDays) * 24 * time.Hour
	if now.Sub(last) > window {
		report.warn(logger, "compliance data was last updated %s; run 'compliancegraph update'",
			humanize.RelTime(last, now, "ago", "from now"))
	}
}
