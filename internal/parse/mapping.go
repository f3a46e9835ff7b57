package parse

import (
	"encoding/json"
	"fmt"
	"os"

	"compliancegraph/internal/domain"
)

type mappingDoc struct {
	Controls *map[string]struct {
		Techniques []domain.TechniqueRef `json:"techniques"`
	} `json:"controls"`
}

// ParseControlMapping loads a control-to-technique mapping document. A
// document without a top-level "controls" object fails with
// ErrMissingControls. Techniques without an id are dropped.
func (p *Parser) ParseControlMapping(path string) (domain.ControlMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping: %w", err)
	}
	var doc mappingDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", path, domain.ErrMalformed, err)
	}
	if doc.Controls == nil {
		return nil, fmt.Errorf("%s: %w", path, domain.ErrMissingControls)
	}

	mapping := make(domain.ControlMapping, len(*doc.Controls))
	for control, entry := range *doc.Controls {
		var techniques []domain.TechniqueRef
		for _, t := range entry.Techniques {
			if t.ID == "" {
				continue
			}
			t.Name = clean(t.Name, "")
			t.Description = clean(t.Description, "")
			techniques = domain.MergeTechniques(techniques, []domain.TechniqueRef{t})
		}
		mapping[control] = techniques
	}
	p.logger.Info("loaded control mapping", "path", path, "controls", len(mapping))
	return mapping, nil
}
