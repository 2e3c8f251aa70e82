// SPDX-License-Identifier: MIT

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultBackupDir is the default directory for config backups.
	DefaultBackupDir = "/etc/playoutsync/backups"

	// DefaultKeepBackups is the default number of backups to retain.
	DefaultKeepBackups = 10

	// BackupSuffix is the file extension for backup files.
	BackupSuffix = ".bak"

	// BackupTimestampFormat is the timestamp format used in backup filenames.
	BackupTimestampFormat = "2006-01-02T15-04-05"
)

// BackupInfo describes one backup file.
type BackupInfo struct {
	Path      string
	Name      string
	Timestamp time.Time
	Size      int64
}

// BackupConfig creates a timestamped copy of the configuration file at
// configPath inside backupDir (created if it doesn't exist), named
// "{original}.{timestamp}.bak".
func BackupConfig(configPath, backupDir string) (string, error) {
	info, err := os.Stat(configPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config path is a directory, not a file")
	}

	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is administrator-controlled
	if err != nil {
		return "", fmt.Errorf("read config file: %w", err)
	}

	baseName := filepath.Base(configPath)
	timestamp := time.Now().Format(BackupTimestampFormat)
	backupName := fmt.Sprintf("%s.%s%s", baseName, timestamp, BackupSuffix)
	backupPath := filepath.Join(backupDir, backupName)

	if _, err := os.Stat(backupPath); err == nil {
		timestamp = time.Now().Format("2006-01-02T15-04-05.000")
		backupName = fmt.Sprintf("%s.%s%s", baseName, timestamp, BackupSuffix)
		backupPath = filepath.Join(backupDir, backupName)
	}

	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	return backupPath, nil
}

// ListBackups returns backups in backupDir, optionally filtered to those
// whose name starts with configName, newest first.
func ListBackups(backupDir, configName string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, BackupSuffix) {
			continue
		}
		if configName != "" && !strings.HasPrefix(name, configName+".") {
			continue
		}
		timestamp, err := parseBackupTimestamp(name)
		if err != nil {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{
			Path:      filepath.Join(backupDir, name),
			Name:      name,
			Timestamp: timestamp,
			Size:      fi.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].Timestamp.After(backups[j].Timestamp) })
	return backups, nil
}

// RestoreBackup restores configPath from backupPath, first backing up the
// current config (if any) into backupDir. Returns the path of that
// pre-restore backup, or "" if configPath didn't exist.
func RestoreBackup(backupPath, configPath, backupDir string) (string, error) {
	if _, err := os.Stat(backupPath); err != nil {
		return "", fmt.Errorf("backup file not found: %w", err)
	}

	data, err := os.ReadFile(backupPath) // #nosec G304 -- backupPath is from the controlled backup directory
	if err != nil {
		return "", fmt.Errorf("read backup: %w", err)
	}

	if err := validateJSONSyntax(data); err != nil {
		return "", fmt.Errorf("backup contains invalid JSON: %w", err)
	}

	var previousBackup string
	if _, err := os.Stat(configPath); err == nil {
		previousBackup, err = BackupConfig(configPath, backupDir)
		if err != nil {
			return "", fmt.Errorf("backup current config before restore: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return previousBackup, fmt.Errorf("create config directory: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0640); err != nil {
		return previousBackup, fmt.Errorf("restore config: %w", err)
	}

	return previousBackup, nil
}

// CleanOldBackups removes all but the keepCount most recent backups.
func CleanOldBackups(backupDir, configName string, keepCount int) (int, error) {
	if keepCount < 0 {
		return 0, fmt.Errorf("keepCount must be non-negative")
	}

	backups, err := ListBackups(backupDir, configName)
	if err != nil {
		return 0, err
	}
	if len(backups) <= keepCount {
		return 0, nil
	}

	deleted := 0
	for _, backup := range backups[keepCount:] {
		if err := os.Remove(backup.Path); err != nil {
			continue
		}
		deleted++
	}
	return deleted, nil
}

func parseBackupTimestamp(filename string) (time.Time, error) {
	name := strings.TrimSuffix(filename, BackupSuffix)
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return time.Time{}, fmt.Errorf("invalid backup filename format")
	}
	timestampStr := parts[len(parts)-1]

	formats := []string{BackupTimestampFormat, "2006-01-02T15-04-05.000"}
	var t time.Time
	var err error
	for _, format := range formats {
		t, err = time.Parse(format, timestampStr)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp format: %s", timestampStr)
}

func validateJSONSyntax(data []byte) error {
	var v interface{}
	return json.Unmarshal(data, &v)
}

// BackupBeforeSave backs up the existing file at configPath (if any) and
// then saves doc to configPath.
func BackupBeforeSave(doc *Document, configPath, backupDir string) (string, error) {
	var backupPath string
	if _, err := os.Stat(configPath); err == nil {
		backupPath, err = BackupConfig(configPath, backupDir)
		if err != nil {
			return "", fmt.Errorf("backup failed: %w", err)
		}
	}

	if err := doc.Save(configPath); err != nil {
		return backupPath, fmt.Errorf("save failed: %w", err)
	}

	return backupPath, nil
}

// GetBackupDir returns the backup directory paired with configPath: the
// standard location under /etc/playoutsync, or a "backups" subdirectory
// next to the config file otherwise.
func GetBackupDir(configPath string) string {
	dir := filepath.Dir(configPath)
	if strings.HasPrefix(dir, "/etc/playoutsync") {
		return DefaultBackupDir
	}
	return filepath.Join(dir, "backups")
}
