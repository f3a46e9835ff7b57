package domain

import (
	"maps"
	"slices"
	"strings"
)

// RecordKind tags the variant of a Record held in the knowledge store.
type RecordKind string

const (
	KindSTIG RecordKind = "STIG"
	KindSRG  RecordKind = "SRG"
	KindCCI  RecordKind = "CCI"
)

// Record is the tagged variant stored in the knowledge graph.
// Implemented by *RuleRecord and *CrossRefRecord only.
type Record interface {
	RecordID() string
	Kind() RecordKind
	Source() string
	TechniqueList() []TechniqueRef
}

// RuleRecord is a single checkable requirement from a STIG or SRG benchmark.
type RuleRecord struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	SourceKind  RecordKind     `json:"source_kind"` // KindSTIG | KindSRG
	SourceFile  string         `json:"source_file"`
	CrossRefIDs []string       `json:"cross_ref_ids"`
	Techniques  []TechniqueRef `json:"techniques"`
}

func (r *RuleRecord) RecordID() string              { return r.ID }
func (r *RuleRecord) Kind() RecordKind              { return r.SourceKind }
func (r *RuleRecord) Source() string                { return r.SourceFile }
func (r *RuleRecord) TechniqueList() []TechniqueRef { return r.Techniques }

// AddCrossRef records a cross-reference id once, keeping first-seen order.
func (r *RuleRecord) AddCrossRef(id string) {
	for _, existing := range r.CrossRefIDs {
		if existing == id {
			return
		}
	}
	r.CrossRefIDs = append(r.CrossRefIDs, id)
}

// CrossRefRecord is a control correlation identifier (CCI) entry.
type CrossRefRecord struct {
	ID          string         `json:"id"`
	Definition  string         `json:"definition"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	PublishDate string         `json:"publish_date"`
	Contributor string         `json:"contributor"`
	References  []Reference    `json:"references"`
	SourceFile  string         `json:"source_file"`
	Techniques  []TechniqueRef `json:"techniques"`
}

func (c *CrossRefRecord) RecordID() string              { return c.ID }
func (c *CrossRefRecord) Kind() RecordKind              { return KindCCI }
func (c *CrossRefRecord) Source() string                { return c.SourceFile }
func (c *CrossRefRecord) TechniqueList() []TechniqueRef { return c.Techniques }

// Reference points a cross-reference entry at a clause of a published catalog.
type Reference struct {
	Creator  string `json:"creator"`
	Title    string `json:"title"`
	Version  string `json:"version"`
	Location string `json:"location"`
	Index    string `json:"index"`
}

// ControlID returns the catalog control named by the reference. Only the
// first whitespace-delimited token of Index is used, so "AC-1 a 1" yields
// "AC-1" while "AC-1(a)" is returned unchanged.
func (r Reference) ControlID(publisher string, catalogs []string) (string, bool) {
	if r.Creator != publisher {
		return "", false
	}
	matched := false
	for _, name := range catalogs {
		if strings.Contains(r.Title, name) {
			matched = true
			break
		}
	}
	if !matched {
		return "", false
	}
	fields := strings.Fields(r.Index)
	if len(fields) == 0 {
		return "", false
	}
	return fields[0], true
}

// ControlMapping maps a catalog control id to the techniques it mitigates.
type ControlMapping map[string][]TechniqueRef

// AcronymMap expands glossary acronyms. Keys keep their published case.
type AcronymMap map[string]string

// Lookup finds the expansion of token ignoring case. An exact key wins;
// otherwise the first case-insensitive match in key order is used.
func (m AcronymMap) Lookup(token string) (string, bool) {
	if v, ok := m[token]; ok {
		return v, true
	}
	for _, acronym := range slices.Sorted(maps.Keys(m)) {
		if strings.EqualFold(acronym, token) {
			return m[acronym], true
		}
	}
	return "", false
}
