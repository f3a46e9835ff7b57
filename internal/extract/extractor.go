// Package extract unpacks nested zip archives and files their contents by
// destination.
package extract

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"compliancegraph/internal/domain"
)

// Report summarizes one Extract call.
type Report struct {
	Archive string
	Routed  []string // destination paths, in extraction order
	Nested  int      // nested archives opened successfully
	Failed  int      // nested archives or entries that could not be read
	Skipped int      // entries with unsafe paths
}

type Config struct {
	Classifier Classifier
	ZipSuffix  string
	Logger     *slog.Logger
}

// Extractor recursively unpacks zip archives. Every archive, nested ones
// included, is unpacked into its own scratch directory; the scratch tree
// is removed once Extract returns.
type Extractor struct {
	classifier Classifier
	zipSuffix  string
	logger     *slog.Logger
}

func New(cfg Config) *Extractor {
	if cfg.ZipSuffix == "" {
		cfg.ZipSuffix = ".zip"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Extractor{
		classifier: cfg.Classifier,
		zipSuffix:  strings.ToLower(cfg.ZipSuffix),
		logger:     cfg.Logger,
	}
}

// Extract unpacks archive below workDir. An unreadable top-level archive is
// an error; an unreadable nested archive only loses its own branch and is
// counted in Report.Failed. Files already routed are kept either way.
func (e *Extractor) Extract(archive, workDir string) (Report, error) {
	report := Report{Archive: archive}

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return report, fmt.Errorf("create work dir: %w", err)
	}
	scratch, err := os.MkdirTemp(workDir, stem(archive)+"-")
	if err != nil {
		return report, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			e.logger.Warn("scratch cleanup failed", "path", scratch, "err", err)
		}
	}()

	if err := e.extractInto(archive, scratch, &report); err != nil {
		return report, err
	}
	e.logger.Info("archive extracted",
		"archive", filepath.Base(archive),
		"routed", len(report.Routed),
		"nested", report.Nested,
		"failed", report.Failed)
	return report, nil
}

func (e *Extractor) extractInto(archive, dir string, report *Report) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("open %s: %w: %w", filepath.Base(archive), domain.ErrMalformed, err)
	}
	defer r.Close()

	parent := filepath.Base(archive)
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if !filepath.IsLocal(f.Name) {
			e.logger.Warn("skipping unsafe archive entry", "archive", parent, "entry", f.Name)
			report.Skipped++
			continue
		}

		base := path.Base(f.Name)
		if strings.HasSuffix(strings.ToLower(base), e.zipSuffix) {
			e.extractNested(f, parent, dir, report)
			continue
		}

		dest, routed := e.classifier.Route(f.Name, parent)
		if !routed {
			dest = filepath.Join(dir, filepath.FromSlash(f.Name))
		}
		if err := writeEntry(f, dest); err != nil {
			e.logger.Error("entry extraction failed", "archive", parent, "entry", f.Name, "err", err)
			report.Failed++
			continue
		}
		if routed {
			report.Routed = append(report.Routed, dest)
		}
	}
	return nil
}

func (e *Extractor) extractNested(f *zip.File, parent, dir string, report *Report) {
	nested := filepath.Join(dir, filepath.FromSlash(f.Name))
	if err := writeEntry(f, nested); err != nil {
		e.logger.Error("nested archive unreadable", "archive", parent, "entry", f.Name, "err", err)
		report.Failed++
		return
	}
	sub, err := os.MkdirTemp(dir, stem(nested)+"-")
	if err != nil {
		e.logger.Error("create nested scratch dir", "entry", f.Name, "err", err)
		report.Failed++
		return
	}
	if err := e.extractInto(nested, sub, report); err != nil {
		e.logger.Error("nested archive skipped", "archive", parent, "entry", f.Name, "err", err)
		report.Failed++
		return
	}
	report.Nested++
}

// writeEntry copies one archive entry to dest through a sibling temp file.
func writeEntry(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, rc)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(part)
		return err
	}
	return os.Rename(part, dest)
}

func stem(p string) string {
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
