package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"compliancegraph/internal/config"
	"compliancegraph/internal/domain"
	"compliancegraph/internal/freshness"
	"compliancegraph/internal/index"
	"compliancegraph/internal/llm"
)

// checks tallies doctor results.
type checks struct {
	out                    io.Writer
	passed, warned, failed int
}

func (c *checks) pass(check, detail string) {
	fmt.Fprintf(c.out, "  [PASS] %-20s %s\n", check, detail)
	c.passed++
}

func (c *checks) fail(check, detail string) {
	fmt.Fprintf(c.out, "  [FAIL] %-20s %s\n", check, detail)
	c.failed++
}

func (c *checks) warn(check, detail string) {
	fmt.Fprintf(c.out, "  [WARN] %-20s %s\n", check, detail)
	c.warned++
}

func (a *app) doctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your installation",
		Long: `Verifies that the configuration, workspace, downloaded data, index and
completion endpoint are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := a.resolveConfigPath()
			fmt.Fprintf(a.out, "compliancegraph doctor v%s\n", version)
			fmt.Fprintf(a.out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			c := &checks{out: a.out}

			if _, err := os.Stat(cfgPath); err != nil {
				c.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Fprintf(a.out, "\nRun 'compliancegraph init' to create a default configuration.\n")
				return fmt.Errorf("no configuration")
			}
			c.pass("Config file", cfgPath)

			cfg, err := a.loadConfig()
			if err != nil {
				c.fail("Config validation", err.Error())
				return summarize(a.out, c)
			}
			c.pass("Config validation", "valid")

			a.checkWorkspace(c, cfg)
			a.checkData(c, cfg)
			if cfg.Index.Enabled {
				a.checkIndex(cmd.Context(), c, cfg)
			}
			if !offline {
				a.checkCompletion(cmd.Context(), c, cfg)
			}
			if cfg.Schedule.Enabled {
				if w, err := weeklySchedule(cfg); err != nil {
					c.fail("Schedule", err.Error())
				} else {
					c.pass("Schedule", "next run "+w.NextRun(time.Now()).Format("Mon 2006-01-02 15:04"))
				}
			}
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					c.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					c.pass("Log file", cfg.General.LogFile)
				}
			}
			return summarize(a.out, c)
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the completion endpoint check")
	return cmd
}

func summarize(out io.Writer, c *checks) error {
	fmt.Fprintf(out, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", c.passed, c.warned, c.failed)
	if c.failed > 0 {
		fmt.Fprintf(out, "\nPlease fix the failed checks.\n")
		return fmt.Errorf("%d check(s) failed", c.failed)
	}
	if c.warned > 0 {
		fmt.Fprintf(out, "\ncompliancegraph should work but consider fixing the warnings.\n")
	} else {
		fmt.Fprintf(out, "\nAll checks passed!\n")
	}
	return nil
}

func (a *app) checkWorkspace(c *checks, cfg *config.Config) {
	ws := cfg.General.Workspace
	if info, err := os.Stat(ws); err != nil {
		c.fail("Workspace", fmt.Sprintf("not found: %s", ws))
	} else if !info.IsDir() {
		c.fail("Workspace", fmt.Sprintf("not a directory: %s", ws))
	} else {
		c.pass("Workspace", ws)
	}
}

// checkData reports on the extracted data and the freshness state.
func (a *app) checkData(c *checks, cfg *config.Config) {
	dirs := []struct{ label, dir string }{
		{"STIG files", cfg.Layout.STIG},
		{"SRG files", cfg.Layout.SRG},
		{"CCI list", cfg.Layout.CrossRef},
	}
	for _, d := range dirs {
		path := cfg.Path(d.dir)
		matches, _ := filepath.Glob(filepath.Join(path, "*.xml"))
		if len(matches) == 0 {
			c.warn(d.label, fmt.Sprintf("no XML files in %s (run 'compliancegraph update')", path))
			continue
		}
		c.pass(d.label, fmt.Sprintf("%d files", len(matches)))
	}

	statePath := cfg.Path(cfg.Layout.StateFile)
	if _, err := os.Stat(statePath); err != nil {
		c.warn("Last update", "no state file yet")
		return
	}
	state := freshness.LoadState(statePath, nil, a.logger)
	for _, name := range state.Names() {
		if name == freshness.LastRunKey {
			continue
		}
		m := state.Get(name)
		if cmp, ok := m.Compare(domain.EpochMarker(m.IsMonthly())); ok && cmp == 0 {
			c.warn(name, "never fetched")
			continue
		}
		c.pass(name, m.String())
	}
	last, ok := state.LastRun()
	now := time.Now()
	switch {
	case !ok:
		c.warn("Last update", "no fully successful update recorded")
	case now.Sub(last) > time.Duration(cfg.Fetch.StaleDays)*24*time.Hour:
		c.warn("Last update", humanize.RelTime(last, now, "ago", "from now")+" (stale)")
	default:
		c.pass("Last update", humanize.RelTime(last, now, "ago", "from now"))
	}
}

func (a *app) checkIndex(ctx context.Context, c *checks, cfg *config.Config) {
	ix, err := index.Open(cfg.Path(cfg.Index.DBPath), a.logger)
	if err != nil {
		c.fail("Index", err.Error())
		return
	}
	defer ix.Close()
	n, err := ix.Count(ctx)
	if err != nil {
		c.fail("Index", err.Error())
		return
	}
	c.pass("Index", fmt.Sprintf("%s documents", humanize.Comma(int64(n))))
}

func (a *app) checkCompletion(ctx context.Context, c *checks, cfg *config.Config) {
	if cfg.LLM.APIKey == "" {
		c.warn("Completion API", fmt.Sprintf("no API key (set llm.apiKey or %s)", apiKeyEnv))
		return
	}
	client := llm.New(llm.Config{APIKey: cfg.LLM.APIKey, APIBase: cfg.LLM.APIBase, Model: cfg.LLM.Model, Logger: a.logger})
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Healthy(ctx); err != nil {
		c.fail("Completion API", err.Error())
		return
	}
	c.pass("Completion API", cfg.LLM.APIBase+" ("+cfg.LLM.Model+")")
}
