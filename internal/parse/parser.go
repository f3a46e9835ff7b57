// Package parse turns classified artifact files into domain records.
//
// Parsing is best-effort per file: a malformed file is logged and skipped,
// and a file contributes either all of its records or none.
package parse

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CCIIdentSystem is the ident system URI that marks cross-reference ids on
// XCCDF rules.
const CCIIdentSystem = "http://cyber.mil/cci"

// FileError records a file that was skipped.
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }
func (e FileError) Unwrap() error { return e.Err }

type Config struct {
	IdentSystem string
	Logger      *slog.Logger
}

type Parser struct {
	identSystem string
	logger      *slog.Logger
}

func New(cfg Config) *Parser {
	if cfg.IdentSystem == "" {
		cfg.IdentSystem = CCIIdentSystem
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Parser{identSystem: cfg.IdentSystem, logger: cfg.Logger}
}

// xmlFiles lists the *.xml files directly inside dir in name order. A
// missing dir yields no files.
func (p *Parser) xmlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		p.logger.Warn("directory not found", "path", dir)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.EqualFold(filepath.Ext(e.Name()), ".xml") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

// clean trims and NFC-normalizes text, substituting placeholder when the
// result is empty.
func clean(s, placeholder string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return placeholder
	}
	return norm.NFC.String(s)
}
