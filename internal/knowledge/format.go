package knowledge

import (
	"fmt"
	"strings"

	"compliancegraph/internal/domain"
)

const (
	descriptionLimit = 500
	summaryLimit     = 100
)

// formatRecord renders the full view of a record.
func formatRecord(rec domain.Record) string {
	var sb strings.Builder
	switch r := rec.(type) {
	case *domain.RuleRecord:
		fmt.Fprintf(&sb, "Control ID: %s\n", r.ID)
		fmt.Fprintf(&sb, "Type: %s\n", r.SourceKind)
		fmt.Fprintf(&sb, "Title: %s\n", r.Title)
		fmt.Fprintf(&sb, "Description: %s\n", truncateMarked(r.Description, descriptionLimit))
		fmt.Fprintf(&sb, "CCIs: %s\n", joinOrNone(r.CrossRefIDs))
		fmt.Fprintf(&sb, "Source File: %s\n", r.SourceFile)
	case *domain.CrossRefRecord:
		titles := make([]string, 0, len(r.References))
		for _, ref := range r.References {
			titles = append(titles, ref.Title)
		}
		fmt.Fprintf(&sb, "CCI ID: %s\n", r.ID)
		fmt.Fprintf(&sb, "Type: %s\n", domain.KindCCI)
		fmt.Fprintf(&sb, "Definition: %s\n", truncateMarked(r.Definition, descriptionLimit))
		fmt.Fprintf(&sb, "CCI Type: %s\n", r.Type)
		fmt.Fprintf(&sb, "Status: %s\n", r.Status)
		fmt.Fprintf(&sb, "Publish Date: %s\n", r.PublishDate)
		fmt.Fprintf(&sb, "Contributor: %s\n", r.Contributor)
		fmt.Fprintf(&sb, "References: %s\n", joinOrNone(titles))
		fmt.Fprintf(&sb, "Source File: %s\n", r.SourceFile)
	default:
		fmt.Fprintf(&sb, "Unknown item type for ID: %s\n", rec.RecordID())
	}

	if techniques := rec.TechniqueList(); len(techniques) > 0 {
		sb.WriteString("Mitigated ATT&CK Techniques:\n")
		for _, t := range techniques {
			fmt.Fprintf(&sb, "  - %s: %s", t.ID, t.Name)
			if t.Description != "" {
				fmt.Fprintf(&sb, " - %s", truncateEllipsis(t.Description, summaryLimit))
			}
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// formatSummary renders the one-line search view of a record.
func formatSummary(rec domain.Record) string {
	var text string
	switch r := rec.(type) {
	case *domain.RuleRecord:
		text = r.Title
	case *domain.CrossRefRecord:
		text = r.Definition
	}
	return fmt.Sprintf("- %s (%s): %s\n", rec.RecordID(), rec.Kind(), truncateEllipsis(text, summaryLimit))
}

// searchFields returns the text a keyword search looks at for rec.
func searchFields(rec domain.Record) []string {
	switch r := rec.(type) {
	case *domain.RuleRecord:
		return []string{r.Title, r.Description}
	case *domain.CrossRefRecord:
		return []string{r.Definition}
	}
	return nil
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) (string, bool) {
	if len(s) <= n {
		return s, false
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s, false
	}
	return string(runes[:n]), true
}

func truncateMarked(s string, n int) string {
	if cut, ok := truncate(s, n); ok {
		return cut + "... (truncated)"
	}
	return s
}

func truncateEllipsis(s string, n int) string {
	if cut, ok := truncate(s, n); ok {
		return cut + "..."
	}
	return s
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "None"
	}
	return strings.Join(items, ", ")
}
