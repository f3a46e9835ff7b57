package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"compliancegraph/internal/config"
	"compliancegraph/internal/metrics"
	"compliancegraph/internal/pipeline"
	"compliancegraph/internal/schedule"
)

func (a *app) daemonCmd() *cobra.Command {
	var runNow bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the weekly refresh scheduler and the metrics endpoint",
		Long: `Runs the update pipeline on the weekly timetable from schedule.weekday and
schedule.at, and serves Prometheus metrics when metrics.enabled is set.
Press Ctrl+C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runDaemon(runNow)
		},
	}
	cmd.Flags().BoolVar(&runNow, "now", false, "run one update immediately on start")
	cmd.AddCommand(a.installDaemonCmd())
	cmd.AddCommand(a.uninstallDaemonCmd())
	return cmd
}

func (a *app) runDaemon(runNow bool) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Schedule.Enabled {
		return fmt.Errorf("schedule.enabled is false; enable it with 'compliancegraph config set schedule.enabled true'")
	}
	weekly, err := weeklySchedule(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	collector := metrics.NewCollector()

	var indexer pipeline.Indexer
	if cfg.Index.Enabled {
		ix, err := a.openIndex(cfg)
		if err != nil {
			return err
		}
		defer ix.Close()
		indexer = ix
	}

	p, err := a.newPipeline(cfg, collector, indexer)
	if err != nil {
		return err
	}

	job := func(ctx context.Context) error {
		report, err := p.Run(ctx, pipeline.Options{})
		if err != nil {
			return err
		}
		if failed := report.Failed(); len(failed) > 0 {
			return fmt.Errorf("%d artifact(s) failed", len(failed))
		}
		return nil
	}
	sched := schedule.New(schedule.Config{
		Schedule: weekly,
		Job:      job,
		Logger:   a.logger.With("component", "scheduler"),
	})

	var srv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Endpoint, collector.Handler())
		srv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server error", "err", err)
			}
		}()
		a.logger.Info("metrics endpoint enabled", "addr", cfg.Metrics.Listen, "path", cfg.Metrics.Endpoint)
	}

	if runNow {
		if err := sched.RunNow(ctx); err != nil {
			a.logger.Warn("initial update failed", "err", err)
		}
	}

	a.logger.Info("daemon started. Press Ctrl+C to stop.")
	sched.Start(ctx)
	a.logger.Info("shutting down daemon...")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("metrics server shutdown", "err", err)
			return fmt.Errorf("shutdown timed out")
		}
	}
	a.logger.Info("shutdown complete", "runs", sched.Status().Runs)
	return nil
}

func weeklySchedule(cfg *config.Config) (schedule.Weekly, error) {
	day, err := config.ParseWeekday(cfg.Schedule.Weekday)
	if err != nil {
		return schedule.Weekly{}, err
	}
	hour, minute, err := config.ParseClock(cfg.Schedule.At)
	if err != nil {
		return schedule.Weekly{}, err
	}
	return schedule.Weekly{Weekday: day, Hour: hour, Minute: minute, Location: time.Local}, nil
}

func (a *app) installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the daemon as a user service (launchd/systemd)",
		Long:  "Generates and installs a service file that runs 'compliancegraph daemon' on login.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, err := filepath.Abs(a.resolveConfigPath())
			if err != nil {
				return err
			}
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}

			switch runtime.GOOS {
			case "darwin":
				return a.installLaunchd(execPath, cfgPath)
			case "linux":
				return a.installSystemd(execPath, cfgPath)
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
}

func (a *app) uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the daemon user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch runtime.GOOS {
			case "darwin":
				return a.uninstall(launchdPath())
			case "linux":
				return a.uninstall(systemdPath())
			default:
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
		},
	}
}

const launchdLabel = "com.compliancegraph.daemon"

func launchdPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
}

func systemdPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "systemd", "user", "compliancegraph.service")
}

// renderService fills a service template.
func renderService(tmpl, execPath, cfgPath, logPath string) string {
	return strings.NewReplacer(
		"{{EXEC}}", execPath,
		"{{CONFIG}}", cfgPath,
		"{{LABEL}}", launchdLabel,
		"{{LOG}}", logPath,
	).Replace(tmpl)
}

func (a *app) installLaunchd(execPath, cfgPath string) error {
	logPath := filepath.Join(config.DefaultConfigDir(), "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return err
	}
	plistPath := launchdPath()
	if err := writeService(plistPath, renderService(launchdTemplate, execPath, cfgPath, logPath)); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Daemon installed: %s\n", plistPath)
	fmt.Fprintf(a.out, "To start: launchctl load %s\n", plistPath)
	fmt.Fprintf(a.out, "To stop:  launchctl unload %s\n", plistPath)
	return nil
}

func (a *app) installSystemd(execPath, cfgPath string) error {
	unitPath := systemdPath()
	if err := writeService(unitPath, renderService(systemdTemplate, execPath, cfgPath, "")); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Daemon installed: %s\n", unitPath)
	fmt.Fprintln(a.out, "To start:  systemctl --user start compliancegraph")
	fmt.Fprintln(a.out, "To enable: systemctl --user enable compliancegraph")
	fmt.Fprintln(a.out, "To stop:   systemctl --user stop compliancegraph")
	return nil
}

func writeService(path, body string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(body), 0o644)
}

func (a *app) uninstall(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove service file: %w", err)
	}
	fmt.Fprintf(a.out, "Daemon uninstalled: %s\n", path)
	return nil
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>daemon</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=compliancegraph weekly refresh
After=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} daemon --config {{CONFIG}}
Restart=on-failure
RestartSec=30

[Install]
WantedBy=default.target`
