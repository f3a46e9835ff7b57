package main

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"compliancegraph/internal/config"
)

func (a *app) wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: workspace → framework → completion API → schedule",
		Long:  "Guides you through the workspace path, the control framework mapping, the completion endpoint and the weekly refresh. Writes config to the path used by --config or default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWizard(os.Stdin, a.out, a.resolveConfigPath())
		},
	}
}

func runWizard(in io.Reader, out io.Writer, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(in)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, " [%s]: ", def)
		} else {
			fmt.Fprint(out, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}

	// Step 1: Workspace
	fmt.Fprintln(out, "\n--- Step 1: Workspace ---")
	fmt.Fprint(out, "Directory for downloads, extracted data and state")
	ws, err := prompt(cfg.General.Workspace)
	if err != nil {
		return err
	}
	cfg.General.Workspace = config.ExpandPath(ws)
	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	fmt.Fprintf(out, "  Using workspace: %s\n", cfg.General.Workspace)

	// Step 2: Framework mapping
	fmt.Fprintln(out, "\n--- Step 2: Control framework mapping ---")
	names := slices.Sorted(maps.Keys(cfg.Artifacts.Frameworks))
	defNum := "1"
	for i, name := range names {
		fmt.Fprintf(out, "  %d) %s\n", i+1, name)
		if name == cfg.Artifacts.Framework {
			defNum = fmt.Sprint(i + 1)
		}
	}
	if len(names) > 0 {
		fmt.Fprintf(out, "Choose framework (1–%d)", len(names))
		choice, err := prompt(defNum)
		if err != nil {
			return err
		}
		var idx int
		if n, _ := fmt.Sscanf(choice, "%d", &idx); n != 1 || idx < 1 || idx > len(names) {
			idx = 1
		}
		cfg.Artifacts.Framework = names[idx-1]
		fmt.Fprintf(out, "  Using framework: %s\n", cfg.Artifacts.Framework)
	}

	// Step 3: Completion endpoint
	fmt.Fprintln(out, "\n--- Step 3: Completion API ---")
	fmt.Fprint(out, "Model")
	if cfg.LLM.Model, err = prompt(cfg.LLM.Model); err != nil {
		return err
	}
	fmt.Fprintf(out, "API key: paste key or env var (e.g. ${%s})", apiKeyEnv)
	key, err := prompt("${" + apiKeyEnv + "}")
	if err != nil {
		return err
	}
	cfg.LLM.APIKey = key

	// Step 4: Schedule
	fmt.Fprintln(out, "\n--- Step 4: Weekly refresh ---")
	fmt.Fprint(out, "Enable the weekly refresh daemon? (y/n)")
	enable, err := prompt("n")
	if err != nil {
		return err
	}
	cfg.Schedule.Enabled = strings.HasPrefix(strings.ToLower(enable), "y")
	if cfg.Schedule.Enabled {
		fmt.Fprint(out, "Weekday")
		if cfg.Schedule.Weekday, err = prompt(cfg.Schedule.Weekday); err != nil {
			return err
		}
		fmt.Fprint(out, "Time (HH:MM)")
		if cfg.Schedule.At, err = prompt(cfg.Schedule.At); err != nil {
			return err
		}
	}

	// Save
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nConfig saved to %s\n", cfgPath)
	fmt.Fprintln(out, "Next: run 'compliancegraph update', then 'compliancegraph chat'.")
	return nil
}
