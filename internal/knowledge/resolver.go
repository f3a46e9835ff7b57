package knowledge

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/text/cases"

	"compliancegraph/internal/domain"
)

const (
	contextHeader = "Compliance Data Context:\n"
	searchTopN    = 3
	instruction   = "Provide a concise, accurate response based on the context."
)

// ResultKind says which query produced a Result.
type ResultKind int

const (
	Overview ResultKind = iota
	Lookup
	Search
)

// Result is the bounded context produced by a query. When Found is false,
// Text is a complete answer for the user and no completion call is needed.
type Result struct {
	Kind    ResultKind
	Query   string // the id or keyword after acronym expansion
	Found   bool
	Matches int
	Text    string
}

type Resolver struct {
	store    *Store
	acronyms domain.AcronymMap
	logger   *slog.Logger
}

func NewResolver(store *Store, acronyms domain.AcronymMap, logger *slog.Logger) *Resolver {
	if acronyms == nil {
		acronyms = domain.AcronymMap{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, acronyms: acronyms, logger: logger}
}

// Resolve looks id up exactly. A token naming a known acronym is expanded
// first; if the expansion names no record the raw token is tried.
func (r *Resolver) Resolve(id string) Result {
	id = strings.TrimSpace(id)
	key := id
	if exp, ok := r.acronyms.Lookup(id); ok {
		r.logger.Debug("resolved acronym", "token", id, "expansion", exp)
		key = exp
	}
	rec, ok := r.store.Get(key)
	if !ok && key != id {
		key = id
		rec, ok = r.store.Get(id)
	}
	if !ok {
		return Result{Kind: Lookup, Query: key, Text: fmt.Sprintf("No data found for ID: %s", key)}
	}
	return Result{Kind: Lookup, Query: key, Found: true, Matches: 1, Text: contextHeader + formatRecord(rec)}
}

// Search finds records whose kind-specific text fields contain keyword,
// ignoring case. All matches are counted; only the first few are rendered.
func (r *Resolver) Search(keyword string) Result {
	keyword = strings.TrimSpace(keyword)
	if exp, ok := r.acronyms.Lookup(keyword); ok {
		keyword = exp
	}

	fold := cases.Fold()
	needle := fold.String(keyword)
	var matches []domain.Record
	for _, rec := range r.store.Records() {
		for _, field := range searchFields(rec) {
			if strings.Contains(fold.String(field), needle) {
				matches = append(matches, rec)
				break
			}
		}
	}

	if len(matches) == 0 {
		return Result{Kind: Search, Query: keyword, Text: fmt.Sprintf("No matches found for '%s'", keyword)}
	}
	var sb strings.Builder
	sb.WriteString(contextHeader)
	fmt.Fprintf(&sb, "Found %d matches for '%s':\n", len(matches), keyword)
	for _, rec := range matches[:min(searchTopN, len(matches))] {
		sb.WriteString(formatSummary(rec))
	}
	return Result{Kind: Search, Query: keyword, Found: true, Matches: len(matches), Text: sb.String()}
}

// Interpret routes a free-form prompt: "get <id>" resolves, "search <kw>"
// searches, anything else yields an overview of the store.
func (r *Resolver) Interpret(prompt string) Result {
	p := strings.TrimSpace(prompt)
	lower := strings.ToLower(p)
	switch {
	case strings.HasPrefix(lower, "get "):
		return r.Resolve(p[len("get "):])
	case strings.HasPrefix(lower, "search "):
		return r.Search(p[len("search "):])
	}
	return Result{
		Kind:    Overview,
		Found:   true,
		Matches: r.store.Len(),
		Text:    fmt.Sprintf("%sTotal items loaded: %d\n", contextHeader, r.store.Len()),
	}
}

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}&]+`)

// ExpandPrompt annotates every whole-word acronym in prompt with its
// expansion, as in "STIG (Security Technical Implementation Guide)".
func (r *Resolver) ExpandPrompt(prompt string) string {
	if len(r.acronyms) == 0 {
		return prompt
	}
	return tokenPattern.ReplaceAllStringFunc(prompt, func(tok string) string {
		if exp, ok := r.acronyms.Lookup(tok); ok {
			return tok + " (" + exp + ")"
		}
		return tok
	})
}

// BuildPrompt joins a query context and the expanded user prompt into the
// text sent to the completion service.
func (r *Resolver) BuildPrompt(context, prompt string) string {
	return context + "\nUser Query: " + r.ExpandPrompt(prompt) + "\n" + instruction
}
