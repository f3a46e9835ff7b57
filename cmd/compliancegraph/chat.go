package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"compliancegraph/internal/assistant"
)

// asker answers one prompt; *assistant.Assistant in production.
type asker interface {
	Ask(ctx context.Context, prompt string) (assistant.Answer, error)
}

// repl is the interactive terminal session behind `chat`.
type repl struct {
	assistant asker
	records   int
	logger    *slog.Logger
	in        io.Reader
	out       io.Writer
	spinner   bool
	thinking  bool
	thinkMu   sync.Mutex
	thinkStop chan struct{}
	thinkDone chan struct{}
}

type replConfig struct {
	Assistant asker
	Records   int
	Logger    *slog.Logger
	In        io.Reader
	Out       io.Writer
	Spinner   bool
}

func newREPL(cfg replConfig) *repl {
	if cfg.In == nil {
		cfg.In = os.Stdin
		cfg.Spinner = true
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &repl{
		assistant: cfg.Assistant,
		records:   cfg.Records,
		logger:    cfg.Logger,
		in:        cfg.In,
		out:       cfg.Out,
		spinner:   cfg.Spinner,
	}
}

const replHelp = `Commands:
  get <id>         show one record
  search <keyword> keyword search
  /help            this text
  /quit            exit
Anything else is answered with an overview of the loaded data.`

// Run reads prompts until EOF, /quit or ctx is done.
func (r *repl) Run(ctx context.Context) error {
	_, _ = fmt.Fprintf(r.out, "compliancegraph chat: %d records loaded. Type /help for commands, /quit to exit.\n", r.records)
	_, _ = fmt.Fprint(r.out, "You> ")

	scanner := bufio.NewScanner(r.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil // EOF
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			_, _ = fmt.Fprint(r.out, "You> ")
			continue
		case "/quit", "/exit", "/q":
			r.logger.Info("user requested quit")
			return nil
		case "/help":
			_, _ = fmt.Fprintln(r.out, replHelp)
			_, _ = fmt.Fprint(r.out, "You> ")
			continue
		}

		r.startThinking()
		ans, err := r.assistant.Ask(ctx, line)
		r.stopThinking()

		_, _ = fmt.Fprintln(r.out, "--- compliancegraph ---")
		if err != nil {
			_, _ = fmt.Fprintf(r.out, "error: %v\n", err)
		} else {
			_, _ = fmt.Fprintln(r.out, strings.TrimRight(ans.Text, "\n"))
		}
		_, _ = fmt.Fprintln(r.out, "-----------------------")
		_, _ = fmt.Fprint(r.out, "You> ")
	}
}

func (r *repl) startThinking() {
	if !r.spinner {
		return
	}
	r.thinkMu.Lock()
	defer r.thinkMu.Unlock()
	if r.thinking {
		return
	}
	r.thinking = true
	r.thinkStop = make(chan struct{})
	r.thinkDone = make(chan struct{})
	go func() {
		defer close(r.thinkDone)
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-r.thinkStop:
				fmt.Fprint(r.out, "\r\033[K")
				return
			case <-ticker.C:
				fmt.Fprintf(r.out, "\r%s Thinking...", frames[i%len(frames)])
				i++
			}
		}
	}()
}

func (r *repl) stopThinking() {
	r.thinkMu.Lock()
	defer r.thinkMu.Unlock()
	if !r.thinking {
		return
	}
	r.thinking = false
	close(r.thinkStop)
	<-r.thinkDone
}
