package parse

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"compliancegraph/internal/domain"
)

const cciNamespace = "http://iase.disa.mil/cci"

type cciItem struct {
	ID          string         `xml:"id,attr"`
	Definition  string         `xml:"definition"`
	Type        string         `xml:"type"`
	Status      string         `xml:"status"`
	PublishDate string         `xml:"publishdate"`
	Contributor string         `xml:"contributor"`
	References  []cciReference `xml:"references>reference"`
}

type cciReference struct {
	Creator  string `xml:"creator,attr"`
	Title    string `xml:"title,attr"`
	Version  string `xml:"version,attr"`
	Location string `xml:"location,attr"`
	Index    string `xml:"index,attr"`
}

// ParseCrossRefs reads every CCI list file in dir.
func (p *Parser) ParseCrossRefs(dir string) ([]*domain.CrossRefRecord, []FileError) {
	files, err := p.xmlFiles(dir)
	if err != nil {
		return nil, []FileError{{Path: dir, Err: err}}
	}

	var (
		records []*domain.CrossRefRecord
		skipped []FileError
	)
	for _, path := range files {
		items, err := p.parseCrossRefFile(path)
		if err != nil {
			p.logger.Error("skipping cross-reference file", "path", path, "err", err)
			skipped = append(skipped, FileError{Path: path, Err: err})
			continue
		}
		records = append(records, items...)
		p.logger.Info("parsed cross-reference file", "path", path, "items", len(items))
	}
	return records, skipped
}

func (p *Parser) parseCrossRefFile(path string) ([]*domain.CrossRefRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	source := filepath.Base(path)
	dec := xml.NewDecoder(f)
	var items []*domain.CrossRefRecord
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrMalformed, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "cci_item" || (start.Name.Space != "" && start.Name.Space != cciNamespace) {
			continue
		}

		var raw cciItem
		if err := dec.DecodeElement(&raw, &start); err != nil {
			return nil, fmt.Errorf("%w: cci_item: %w", domain.ErrMalformed, err)
		}
		if raw.ID == "" {
			p.logger.Warn("skipping cci_item without id", "path", path)
			continue
		}
		items = append(items, crossRefRecord(raw, source))
	}
	return items, nil
}

func crossRefRecord(raw cciItem, source string) *domain.CrossRefRecord {
	c := &domain.CrossRefRecord{
		ID:          raw.ID,
		Definition:  clean(raw.Definition, "No definition"),
		Type:        clean(raw.Type, "Unknown type"),
		Status:      clean(raw.Status, "Unknown status"),
		PublishDate: clean(raw.PublishDate, "Unknown date"),
		Contributor: clean(raw.Contributor, "Unknown contributor"),
		SourceFile:  source,
	}
	for _, ref := range raw.References {
		c.References = append(c.References, domain.Reference{
			Creator:  clean(ref.Creator, "Unknown creator"),
			Title:    clean(ref.Title, "No title"),
			Version:  clean(ref.Version, "Unknown version"),
			Location: clean(ref.Location, "No location"),
			Index:    clean(ref.Index, "No index"),
		})
	}
	return c
}
