package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"compliancegraph/internal/assistant"
	"compliancegraph/internal/config"
	"compliancegraph/internal/domain"
	"compliancegraph/internal/fetch"
	"compliancegraph/internal/freshness"
	"compliancegraph/internal/index"
	"compliancegraph/internal/knowledge"
	"compliancegraph/internal/llm"
	"compliancegraph/internal/metrics"
	"compliancegraph/internal/pipeline"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const version = "0.3.0"

// apiKeyEnv is consulted when llm.apiKey is empty.
const apiKeyEnv = "OPENROUTER_API_KEY"

// app carries the state shared by all commands.
type app struct {
	configPath string // overridable via --config flag
	logger     *slog.Logger
	out        io.Writer
	closeLog   func()
}

func main() {
	a := &app{
		logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})),
		out:      os.Stdout,
		closeLog: func() {},
	}
	defer func() { a.closeLog() }()

	if err := a.rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "compliancegraph",
		Short: "compliancegraph: DISA STIG / SRG / CCI knowledge graph",
		Long: `compliancegraph downloads DISA rule libraries, the CCI list and a NIST 800-53
to ATT&CK mapping, links them into one record graph and answers lookups,
keyword searches and free-form questions against it.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to config file (default: ~/.compliancegraph/config.json)")

	root.AddCommand(a.initCmd())
	root.AddCommand(a.wizardCmd())
	root.AddCommand(a.updateCmd())
	root.AddCommand(a.getCmd())
	root.AddCommand(a.searchCmd())
	root.AddCommand(a.askCmd())
	root.AddCommand(a.chatCmd())
	root.AddCommand(a.indexCmd())
	root.AddCommand(a.daemonCmd())
	root.AddCommand(a.doctorCmd())
	root.AddCommand(a.backupCmd())
	root.AddCommand(a.configCmd())
	return root
}

// resolveConfigPath returns the config path from --config flag or default.
func (a *app) resolveConfigPath() string {
	if a.configPath != "" {
		return a.configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the config file, applies the API key fallback and
// switches the logger to the configured level and file.
func (a *app) loadConfig() (*config.Config, error) {
	cfgPath := a.resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv(apiKeyEnv)
	}
	logger, closeLog, err := newLogger(cfg.General.LogLevel, cfg.General.LogFile)
	if err != nil {
		return nil, err
	}
	a.closeLog()
	a.logger, a.closeLog = logger, closeLog
	return cfg, nil
}

// newLogger builds a text logger on stderr, teeing into logFile when set.
func newLogger(level, logFile string) (*slog.Logger, func(), error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	var w io.Writer = os.Stderr
	closeFn := func() {}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closeFn = func() { f.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), closeFn, nil
}

func (a *app) newPipeline(cfg *config.Config, collector metrics.Collector, indexer pipeline.Indexer) (*pipeline.Pipeline, error) {
	return pipeline.New(pipeline.Config{
		Config:  cfg,
		Client:  fetch.SharedHTTPClient(cfg.FetchTimeout()),
		Metrics: collector,
		Indexer: indexer,
		Logger:  a.logger,
	})
}

func (a *app) openIndex(cfg *config.Config) (*index.Index, error) {
	ix, err := index.Open(cfg.Path(cfg.Index.DBPath), a.logger.With("component", "index"))
	if err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}
	return ix, nil
}

// loadKnowledge rebuilds the store from disk and prints load warnings.
func (a *app) loadKnowledge(ctx context.Context, cfg *config.Config) (*knowledge.Resolver, *pipeline.Report, error) {
	p, err := a.newPipeline(cfg, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	report, err := p.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, w := range report.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	return knowledge.NewResolver(report.Store, report.Acronyms, a.logger.With("component", "resolver")), report, nil
}

func (a *app) newAssistant(cfg *config.Config, resolver *knowledge.Resolver, offline bool) *assistant.Assistant {
	acfg := assistant.Config{
		Resolver:    resolver,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Logger:      a.logger.With("component", "assistant"),
	}
	if !offline {
		acfg.Completer = llm.New(llm.Config{
			APIKey:  cfg.LLM.APIKey,
			APIBase: cfg.LLM.APIBase,
			Model:   cfg.LLM.Model,
			Client:  fetch.SharedHTTPClient(time.Duration(cfg.LLM.TimeoutSeconds) * time.Second),
			Logger:  a.logger.With("component", "llm"),
		})
	}
	return assistant.New(acfg)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (a *app) initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := a.resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			workspace := config.ExpandPath(cfg.General.Workspace)
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			a.logger.Info("initialized", "config", cfgPath, "workspace", workspace)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func (a *app) updateCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Fetch new artifacts and rebuild the knowledge store",
		Long: `Checks every remote artifact for a newer version, downloads what changed,
extracts and parses it, and links the records. With index.enabled the
records are also synced into the SQLite index.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			var indexer pipeline.Indexer
			if cfg.Index.Enabled {
				ix, err := a.openIndex(cfg)
				if err != nil {
					return err
				}
				defer ix.Close()
				indexer = ix
			}

			p, err := a.newPipeline(cfg, nil, indexer)
			if err != nil {
				return err
			}
			report, err := p.Run(ctx, pipeline.Options{Force: force})
			if report != nil {
				printReport(a.out, report)
			}
			if err != nil {
				return err
			}
			if failed := report.Failed(); len(failed) > 0 {
				return fmt.Errorf("%d artifact(s) failed", len(failed))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "fetch every artifact regardless of stored versions")
	return cmd
}

// printReport writes a human summary of an update run.
func printReport(w io.Writer, r *pipeline.Report) {
	fmt.Fprintf(w, "Run %s (%s)\n", r.RunID, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	for _, o := range r.Artifacts {
		status := o.Decision.Action.String()
		switch {
		case o.Err != nil:
			status = "failed: " + o.Err.Error()
		case o.Committed:
			status = fmt.Sprintf("updated to %s (%s)", o.Decision.Marker, humanize.Bytes(uint64(o.Bytes)))
		case o.Decision.Action == freshness.Skip:
			status = "up to date"
		}
		fmt.Fprintf(w, "  %-28s %s\n", o.Name, status)
	}
	if r.Store != nil {
		counts := r.Store.Counts()
		fmt.Fprintf(w, "Records: %s total (STIG %d, SRG %d, CCI %d)\n",
			humanize.Comma(int64(r.Store.Len())), counts[domain.KindSTIG], counts[domain.KindSRG], counts[domain.KindCCI])
	}
	if r.Index != nil {
		fmt.Fprintf(w, "Index: %d upserted, %d removed\n", r.Index.Upserted, r.Index.Deleted)
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [id]",
		Short: "Show one record (e.g. SV-254239r849090_rule or CCI-000366)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			resolver, _, err := a.loadKnowledge(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(a.out, resolver.Resolve(args[0]).Text)
			return nil
		},
	}
}

func (a *app) searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search [keyword]",
		Short: "Case-insensitive keyword search over titles, descriptions and definitions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			resolver, _, err := a.loadKnowledge(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(a.out, resolver.Search(strings.Join(args, " ")).Text)
			return nil
		},
	}
}

func (a *app) askCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Answer a question grounded on the knowledge store",
		Long: `Prompts starting with "get " or "search " are answered from the matching
records; anything else gets an overview. The context is forwarded to the
completion endpoint unless --offline is set or nothing matched.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			resolver, _, err := a.loadKnowledge(ctx, cfg)
			if err != nil {
				return err
			}
			ans, err := a.newAssistant(cfg, resolver, offline).Ask(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, strings.TrimRight(ans.Text, "\n"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "print the local context without calling the completion endpoint")
	return cmd
}

func (a *app) chatCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			resolver, report, err := a.loadKnowledge(ctx, cfg)
			if err != nil {
				return err
			}
			r := newREPL(replConfig{
				Assistant: a.newAssistant(cfg, resolver, offline),
				Records:   report.Store.Len(),
				Logger:    a.logger,
			})
			return r.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "answer from the local context only")
	return cmd
}

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. fetch.concurrency)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Fprintln(a.out, string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. schedule.enabled true)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := a.resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			a.logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	var flat bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = config.Sanitize(cfg)
			if flat {
				for _, s := range config.ListPaths(cfg) {
					fmt.Fprintf(a.out, "%s = %v\n", s.Path, s.Value)
				}
				return nil
			}
			data, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Fprintln(a.out, string(data))
			return nil
		},
	}
	listCmd.Flags().BoolVar(&flat, "flat", false, "print one dot-path per line")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(a.out, a.resolveConfigPath())
		},
	})

	return cmd
}
