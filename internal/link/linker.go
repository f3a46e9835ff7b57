// Package link joins parsed records across identifier spaces:
// rule to cross-reference to control to technique.
package link

import (
	"log/slog"

	"compliancegraph/internal/domain"
)

const DefaultPublisher = "NIST"

var DefaultCatalogs = []string{"SP 800-53"}

// Stats counts what a Link pass touched.
type Stats struct {
	CrossRefsLinked int // cross-refs that gained at least one technique
	RulesLinked     int // rules that gained at least one technique
	ControlsMatched int // references resolved to a control in the mapping
	UnknownControls int // references naming a control absent from the mapping
	MissingCrossRef int // rule cross-ref ids with no matching record
}

// Linker populates the derived Techniques fields. Records must be fully
// parsed before Link runs; Link never creates or removes records.
type Linker struct {
	Publisher string
	Catalogs  []string
	Logger    *slog.Logger
}

func New(publisher string, catalogs []string, logger *slog.Logger) *Linker {
	if publisher == "" {
		publisher = DefaultPublisher
	}
	if len(catalogs) == 0 {
		catalogs = DefaultCatalogs
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{Publisher: publisher, Catalogs: catalogs, Logger: logger}
}

// Link runs both joins. Cross-refs are linked to techniques first, then
// rules inherit from the cross-refs they cite. Running Link again over the
// same records changes nothing.
func (l *Linker) Link(rules []*domain.RuleRecord, crossRefs []*domain.CrossRefRecord, mapping domain.ControlMapping) Stats {
	var st Stats

	index := make(map[string]*domain.CrossRefRecord, len(crossRefs))
	for _, c := range crossRefs {
		before := len(c.Techniques)
		for _, ref := range c.References {
			control, ok := ref.ControlID(l.Publisher, l.Catalogs)
			if !ok {
				continue
			}
			techniques, known := mapping[control]
			if !known {
				st.UnknownControls++
				continue
			}
			st.ControlsMatched++
			c.Techniques = domain.MergeTechniques(c.Techniques, techniques)
		}
		if len(c.Techniques) > before {
			st.CrossRefsLinked++
		}
		index[c.ID] = c
	}

	for _, r := range rules {
		before := len(r.Techniques)
		for _, id := range r.CrossRefIDs {
			c, ok := index[id]
			if !ok {
				st.MissingCrossRef++
				continue
			}
			r.Techniques = domain.MergeTechniques(r.Techniques, c.Techniques)
		}
		if len(r.Techniques) > before {
			st.RulesLinked++
		}
	}

	l.Logger.Info("records linked",
		"cross_refs_linked", st.CrossRefsLinked,
		"rules_linked", st.RulesLinked,
		"controls_matched", st.ControlsMatched,
		"unknown_controls", st.UnknownControls,
		"missing_cross_refs", st.MissingCrossRef)
	return st
}
