// Package knowledge holds the linked record graph and answers lookups and
// keyword searches against it.
package knowledge

import (
	"log/slog"

	"compliancegraph/internal/domain"
)

// Store maps identifiers to records. Insertion order is kept so that
// listings and search results are stable across identical runs. A Store is
// read-only once built.
type Store struct {
	records map[string]domain.Record
	order   []string
	logger  *slog.Logger
}

func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{records: make(map[string]domain.Record), logger: logger}
}

// Build inserts STIG rules, then SRG rules, then cross-references. A later
// record replaces an earlier one with the same id.
func Build(stig, srg []*domain.RuleRecord, crossRefs []*domain.CrossRefRecord, logger *slog.Logger) *Store {
	s := NewStore(logger)
	for _, r := range stig {
		s.Put(r)
	}
	for _, r := range srg {
		s.Put(r)
	}
	for _, c := range crossRefs {
		s.Put(c)
	}
	return s
}

// Put stores rec under its id, replacing any previous record. The original
// insertion position is kept.
func (s *Store) Put(rec domain.Record) {
	id := rec.RecordID()
	if prev, ok := s.records[id]; ok {
		if prev.Kind() != rec.Kind() {
			s.logger.Warn("record id collision across kinds, keeping the later record",
				"id", id, "replaced", prev.Kind(), "by", rec.Kind())
		}
		s.records[id] = rec
		return
	}
	s.records[id] = rec
	s.order = append(s.order, id)
}

func (s *Store) Get(id string) (domain.Record, bool) {
	rec, ok := s.records[id]
	return rec, ok
}

func (s *Store) Len() int { return len(s.order) }

// Records returns every record in insertion order.
func (s *Store) Records() []domain.Record {
	out := make([]domain.Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}

// Counts returns the number of records per kind.
func (s *Store) Counts() map[domain.RecordKind]int {
	counts := make(map[domain.RecordKind]int, 3)
	for _, rec := range s.records {
		counts[rec.Kind()]++
	}
	return counts
}
