package parse

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"compliancegraph/internal/domain"
)

// DefaultAcronymPattern matches the glossary shipped in the rules library.
const DefaultAcronymPattern = "_STIG_Acronym_List_*.pdf"

// cellGap is the horizontal distance, in points, that separates two table
// cells on a glossary row.
const cellGap = 12.0

// cell is a run of text on one PDF row.
type cell struct {
	X    float64
	Text string
}

// LoadAcronyms reads the newest glossary matching pattern in docsDir. A
// missing glossary yields an empty map and no error; an unreadable one
// yields an empty map and the error.
func (p *Parser) LoadAcronyms(docsDir, pattern string) (domain.AcronymMap, error) {
	if pattern == "" {
		pattern = DefaultAcronymPattern
	}
	path, err := latestMatch(docsDir, pattern)
	if err != nil {
		return domain.AcronymMap{}, err
	}
	if path == "" {
		p.logger.Warn("no acronym glossary found", "dir", docsDir, "pattern", pattern)
		return domain.AcronymMap{}, nil
	}

	rows, err := readRows(path)
	if err != nil {
		return domain.AcronymMap{}, fmt.Errorf("%s: %w: %w", path, domain.ErrMalformed, err)
	}
	acronyms := acronymsFromRows(rows)
	p.logger.Info("loaded acronym glossary", "path", path, "acronyms", len(acronyms))
	return acronyms, nil
}

// latestMatch returns the most recently modified file matching pattern, or
// "" when nothing matches.
func latestMatch(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", fmt.Errorf("glob %s: %w", pattern, err)
	}
	var (
		newest string
		best   int64
	)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if ts := info.ModTime().UnixNano(); newest == "" || ts > best {
			newest, best = m, ts
		}
	}
	return newest, nil
}

func readRows(path string) (rows [][]cell, err error) {
	// The PDF library panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf: %v", r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageRows, err := page.GetTextByRow()
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		for _, row := range pageRows {
			if cells := splitCells(row.Content); len(cells) > 0 {
				rows = append(rows, cells)
			}
		}
	}
	return rows, nil
}

// splitCells groups the text runs of one row into cells separated by
// horizontal gaps wider than cellGap.
func splitCells(texts pdf.TextHorizontal) []cell {
	sorted := make([]pdf.Text, len(texts))
	copy(sorted, texts)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].X < sorted[j].X })

	var (
		cells []cell
		b     strings.Builder
		start float64
		end   float64
	)
	flush := func() {
		if s := strings.Join(strings.Fields(b.String()), " "); s != "" {
			cells = append(cells, cell{X: start, Text: s})
		}
		b.Reset()
	}
	for i, t := range sorted {
		if i > 0 && t.X-end > cellGap {
			flush()
		}
		if b.Len() == 0 {
			start = t.X
		} else if t.X-end > 1 {
			b.WriteByte(' ')
		}
		b.WriteString(t.S)
		end = t.X + t.W
	}
	flush()
	return cells
}

// acronymsFromRows builds the glossary from table rows: the first cell is
// the acronym and the remaining cells its expansion. A single-cell row
// right of the acronym column continues the previous expansion.
func acronymsFromRows(rows [][]cell) domain.AcronymMap {
	acronyms := make(domain.AcronymMap)
	var (
		last    string
		firstX  float64
		haveCol bool
	)
	for _, row := range rows {
		if len(row) >= 2 {
			acronym := strings.TrimSpace(row[0].Text)
			if strings.EqualFold(acronym, "acronym") {
				continue
			}
			parts := make([]string, 0, len(row)-1)
			for _, c := range row[1:] {
				parts = append(parts, c.Text)
			}
			acronyms[acronym] = clean(strings.Join(parts, " "), "")
			last = acronym
			if !haveCol {
				firstX, haveCol = row[0].X, true
			}
			continue
		}
		if last != "" && haveCol && row[0].X > firstX+cellGap {
			acronyms[last] = clean(acronyms[last]+" "+row[0].Text, "")
		}
	}
	return acronyms
}
