package main

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"

	"compliancegraph/internal/config"
)

// backupPaths are the files a backup covers: the config file, the
// freshness state and the index database.
type backupPaths struct {
	config string
	state  string
	index  string
}

func (a *app) backupPaths() backupPaths {
	cfgPath := a.resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
		cfg.General.Workspace = config.ExpandPath(cfg.General.Workspace)
	}
	return backupPaths{
		config: cfgPath,
		state:  cfg.Path(cfg.Layout.StateFile),
		index:  cfg.Path(cfg.Index.DBPath),
	}
}

// target maps an archive member back to its restore location.
func (p backupPaths) target(name string) string {
	base := filepath.Base(name)
	switch {
	case base == filepath.Base(p.config):
		return p.config
	case base == filepath.Base(p.state):
		return p.state
	case base == filepath.Base(p.index):
		return p.index
	case strings.HasSuffix(base, "-wal"), strings.HasSuffix(base, "-shm"):
		return p.index + base[len(base)-4:]
	default:
		return ""
	}
}

func (a *app) backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the config, freshness state and index database",
		Long: `Creates a compressed .tar.gz archive containing the configuration file,
the freshness state and the SQLite index. The backup is timestamped by
default. Downloaded artifacts are not included; 'update --force' refetches
them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := a.backupPaths()

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("compliancegraph-backup-%s.tar.gz", ts))
			}

			var files []string
			for _, p := range []string{paths.config, paths.state, paths.index, paths.index + "-wal", paths.index + "-shm"} {
				if _, err := os.Stat(p); err == nil {
					files = append(files, p)
				}
			}
			if len(files) == 0 {
				return fmt.Errorf("no files to backup (config: %s, state: %s, index: %s)", paths.config, paths.state, paths.index)
			}

			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Fprintf(a.out, "Backup created: %s\n", outputPath)
			fmt.Fprintf(a.out, "Files included: %d\n", len(files))
			for _, f := range files {
				var size uint64
				if info, err := os.Stat(f); err == nil {
					size = uint64(info.Size())
				}
				fmt.Fprintf(a.out, "  - %s (%s)\n", filepath.Base(f), humanize.Bytes(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.compliancegraph/backups/compliancegraph-backup-<timestamp>.tar.gz)")
	cmd.AddCommand(a.restoreCmd())
	return cmd
}

func (a *app) restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore the config, state and index from a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := a.backupPaths()

			if !force {
				for _, p := range []string{paths.config, paths.state, paths.index} {
					if _, err := os.Stat(p); err == nil {
						fmt.Fprintf(a.out, "WARNING: %s exists and would be overwritten.\n", p)
						return fmt.Errorf("restore aborted (use --force to proceed)")
					}
				}
			}

			restored, err := extractTarGz(args[0], paths)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Fprintf(a.out, "Restore completed from: %s\n", args[0])
			fmt.Fprintf(a.out, "Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Fprintf(a.out, "  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// createTarGz creates a .tar.gz archive from the given files.
func createTarGz(outputPath string, files []string) (err error) {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := outFile.Close(); err == nil {
			err = cerr
		}
	}()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	for _, filePath := range files {
		if err := addFileToTar(tarWriter, filePath); err != nil {
			return fmt.Errorf("add %s: %w", filePath, err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzWriter.Close()
}

func addFileToTar(tw *tar.Writer, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.Base(filePath)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz restores the known members of a backup archive. Unknown
// members are skipped.
func extractTarGz(archivePath string, paths backupPaths) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		targetPath := paths.target(header.Name)
		if targetPath == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}

		outFile, err := os.Create(targetPath)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()

		restored = append(restored, targetPath)
	}

	return restored, nil
}
