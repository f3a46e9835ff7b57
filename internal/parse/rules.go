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

const (
	placeholderTitle       = "No title"
	placeholderDescription = "No description"
)

var xccdfNamespaces = map[string]bool{
	"":                                     true,
	"http://checklists.nist.gov/xccdf/1.1": true,
	"http://checklists.nist.gov/xccdf/1.2": true,
}

type xccdfRule struct {
	ID           string       `xml:"id,attr"`
	Titles       []string     `xml:"title"`
	Descriptions []string     `xml:"description"`
	Idents       []xccdfIdent `xml:"ident"`
}

type xccdfIdent struct {
	System string `xml:"system,attr"`
	Value  string `xml:",chardata"`
}

// ParseRules reads every XCCDF file in dir and returns its rules tagged
// with kind. When a rule id repeats within the kind, the later rule wins.
func (p *Parser) ParseRules(dir string, kind domain.RecordKind) ([]*domain.RuleRecord, []FileError) {
	files, err := p.xmlFiles(dir)
	if err != nil {
		return nil, []FileError{{Path: dir, Err: err}}
	}

	var (
		rules   []*domain.RuleRecord
		index   = make(map[string]int)
		skipped []FileError
	)
	for _, path := range files {
		fileRules, err := p.parseRuleFile(path, kind)
		if err != nil {
			p.logger.Error("skipping rule file", "kind", kind, "path", path, "err", err)
			skipped = append(skipped, FileError{Path: path, Err: err})
			continue
		}
		for _, r := range fileRules {
			if i, dup := index[r.ID]; dup {
				p.logger.Warn("duplicate rule id, keeping the later one",
					"kind", kind, "id", r.ID, "previous", rules[i].SourceFile, "path", path)
				rules[i] = r
				continue
			}
			index[r.ID] = len(rules)
			rules = append(rules, r)
		}
		p.logger.Info("parsed rule file", "kind", kind, "path", path, "rules", len(fileRules))
	}
	return rules, skipped
}

func (p *Parser) parseRuleFile(path string, kind domain.RecordKind) ([]*domain.RuleRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	source := filepath.Base(path)
	dec := xml.NewDecoder(f)
	var rules []*domain.RuleRecord
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrMalformed, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "Rule" || !xccdfNamespaces[start.Name.Space] {
			continue
		}

		var raw xccdfRule
		if err := dec.DecodeElement(&raw, &start); err != nil {
			return nil, fmt.Errorf("%w: rule: %w", domain.ErrMalformed, err)
		}
		if raw.ID == "" {
			p.logger.Warn("skipping rule without id", "path", path)
			continue
		}
		rules = append(rules, p.ruleRecord(raw, kind, source))
	}
	return rules, nil
}

func (p *Parser) ruleRecord(raw xccdfRule, kind domain.RecordKind, source string) *domain.RuleRecord {
	r := &domain.RuleRecord{
		ID:          raw.ID,
		Title:       clean(first(raw.Titles), placeholderTitle),
		Description: clean(first(raw.Descriptions), placeholderDescription),
		SourceKind:  kind,
		SourceFile:  source,
	}
	for _, id := range raw.Idents {
		if id.System != p.identSystem {
			continue
		}
		if v := clean(id.Value, ""); v != "" {
			r.AddCrossRef(v)
		}
	}
	return r
}

func first(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}
