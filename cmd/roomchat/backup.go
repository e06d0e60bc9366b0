package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"roomchat/internal/config"
	"roomchat/internal/store"

	"github.com/spf13/cobra"
)

const (
	archiveConfig = "config.json"
	archiveDB     = "roomchat.db"
	archiveBots   = "bots/"
)

// backupEntry maps a file on disk to its name inside the archive.
type backupEntry struct {
	path string
	name string
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of roomchat data (database, config and bots)",
		Long: `Creates a compressed .tar.gz archive containing the SQLite database,
the configuration file and the bot persona files. The backup is timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("roomchat-backup-%s.tar.gz", ts))
			}

			entries := collectBackup(cfgPath, cfg)
			if len(entries) == 0 {
				return fmt.Errorf("no files to backup (db: %s, config: %s)", cfg.Store.Path, cfgPath)
			}

			if err := createTarGz(outputPath, entries); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backup created: %s\n", outputPath)
			fmt.Fprintf(out, "Files included: %d\n", len(entries))
			for _, e := range entries {
				size := int64(0)
				if info, err := os.Stat(e.path); err == nil {
					size = info.Size()
				}
				fmt.Fprintf(out, "  - %s (%s)\n", e.name, humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.roomchat/backups/roomchat-backup-<timestamp>.tar.gz)")
	return cmd
}

// collectBackup lists the files that exist among the config, the SQLite
// database with its WAL files, and the persona directory.
func collectBackup(cfgPath string, cfg *config.Config) []backupEntry {
	var entries []backupEntry
	add := func(p, name string) {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			entries = append(entries, backupEntry{path: p, name: name})
		}
	}

	add(cfgPath, archiveConfig)
	if cfg.Store.Driver == store.DriverPostgres {
		logger.Warn("postgres store is not included in backups; use pg_dump")
	} else {
		add(cfg.Store.Path, archiveDB)
		for _, suffix := range []string{"-wal", "-shm"} {
			add(cfg.Store.Path+suffix, archiveDB+suffix)
		}
	}

	if files, err := os.ReadDir(cfg.Bot.PersonaDir); err == nil {
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			add(filepath.Join(cfg.Bot.PersonaDir, f.Name()), archiveBots+f.Name())
		}
	}
	return entries
}

func restoreCmd() *cobra.Command {
	var inputPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file]",
		Short: "Restore roomchat data from a backup archive",
		Long: `Restores the SQLite database, configuration file and bot personas from a
.tar.gz backup archive created by 'roomchat backup'.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: roomchat restore <file.tar.gz>")
			}

			cfgPath := resolveConfigPath()
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			targets := restoreTargets{config: cfgPath, db: cfg.Store.Path, bots: cfg.Bot.PersonaDir}

			if !force {
				existing := false
				for _, p := range []string{targets.db, targets.config} {
					if _, err := os.Stat(p); err == nil {
						existing = true
					}
				}
				if existing {
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "WARNING: This will overwrite existing data.\n")
					fmt.Fprintf(out, "  Database: %s\n", targets.db)
					fmt.Fprintf(out, "  Config:   %s\n", targets.config)
					fmt.Fprintf(out, "Use --force to skip this warning.\n")
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := extractTarGz(inputPath, targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Restore completed from: %s\n", inputPath)
			fmt.Fprintf(out, "Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Fprintf(out, "  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// createTarGz creates a .tar.gz archive from the given entries.
func createTarGz(outputPath string, entries []backupEntry) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, e := range entries {
		if err := addFileToTar(tarWriter, e); err != nil {
			return fmt.Errorf("add %s: %w", e.path, err)
		}
	}

	return nil
}

func addFileToTar(tw *tar.Writer, e backupEntry) error {
	file, err := os.Open(e.path)
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
	header.Name = e.name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tw, file)
	return err
}

type restoreTargets struct {
	config string
	db     string
	bots   string
}

// target maps an archive entry name to its destination. Unknown entries
// and names that would escape the persona directory are skipped.
func (t restoreTargets) target(name string) (string, bool) {
	name = path.Clean(name)
	switch {
	case name == archiveConfig:
		return t.config, true
	case name == archiveDB:
		return t.db, true
	case name == archiveDB+"-wal":
		return t.db + "-wal", true
	case name == archiveDB+"-shm":
		return t.db + "-shm", true
	case strings.HasPrefix(name, archiveBots):
		base := strings.TrimPrefix(name, archiveBots)
		if base == "" || strings.Contains(base, "/") || base == ".." {
			return "", false
		}
		return filepath.Join(t.bots, base), true
	}
	return "", false
}

// extractTarGz restores the known files of a backup archive.
func extractTarGz(archivePath string, targets restoreTargets) ([]string, error) {
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
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		targetPath, ok := targets.target(header.Name)
		if !ok {
			logger.Warn("skipping unknown archive entry", "name", header.Name)
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

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
