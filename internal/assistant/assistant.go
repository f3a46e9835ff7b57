// Package assistant answers free-form questions from the knowledge store,
// asking a completion service only when there is context to ground it.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"compliancegraph/internal/domain"
	"compliancegraph/internal/knowledge"
)

// Answer is the reply to one prompt.
type Answer struct {
	Text   string
	Result knowledge.Result
	Remote bool // true when the text came from the completion service
	Usage  domain.Usage
}

type Config struct {
	Resolver    *knowledge.Resolver
	Completer   domain.Completer // nil answers with the local context only
	Model       string
	MaxTokens   int
	Temperature float64
	Logger      *slog.Logger
}

type Assistant struct {
	cfg Config
}

func New(cfg Config) *Assistant {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Assistant{cfg: cfg}
}

// Ask interprets prompt against the store. Lookups and searches that find
// nothing are answered directly without a remote call.
func (a *Assistant) Ask(ctx context.Context, prompt string) (Answer, error) {
	res := a.cfg.Resolver.Interpret(prompt)
	if !res.Found || a.cfg.Completer == nil {
		return Answer{Text: res.Text, Result: res}, nil
	}

	full := a.cfg.Resolver.BuildPrompt(res.Text, prompt)
	resp, err := a.cfg.Completer.Chat(ctx, domain.ChatRequest{
		Messages:    []domain.Message{{Role: "user", Content: full}},
		Model:       a.cfg.Model,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
	})
	if err != nil {
		a.cfg.Logger.Error("completion failed", "completer", a.cfg.Completer.Name(), "err", err)
		return Answer{Result: res}, fmt.Errorf("ask %s: %w", a.cfg.Completer.Name(), err)
	}

	a.cfg.Logger.Info("answered",
		"kind", res.Kind, "matches", res.Matches,
		"tokens", resp.Usage.TotalTokens, "latency_ms", resp.LatencyMs)
	return Answer{
		Text:   strings.TrimSpace(resp.Content),
		Result: res,
		Remote: true,
		Usage:  resp.Usage,
	}, nil
}
