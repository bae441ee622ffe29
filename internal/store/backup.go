package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"chimera/internal/logging"
)

const (
	backupPrefix     = "autarch-"
	backupSuffix     = ".db"
	backupTimeFormat = "20060102T150405.000"
)

// BackupNow produces a consistent snapshot of the database in the
// backup directory and returns its path. Queued metrics are flushed
// first so the snapshot contains every accepted write.
func (s *Store) BackupNow() (string, error) {
	s.Flush()

	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	now := time.Now().UTC()
	name := backupPrefix + now.Format(backupTimeFormat) + backupSuffix
	target := filepath.Join(s.backupDir, name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	// VACUUM INTO writes a compacted copy under a read transaction, so
	// concurrent readers proceed and the copy is transactionally
	// consistent. It refuses to overwrite an existing file.
	if _, err := s.db.Exec("VACUUM INTO ?", target); err != nil {
		logging.StoreError("Backup failed: %v", err)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.bmu.Lock()
	s.lastBackupPath = target
	s.lastBackupTime = now
	s.bmu.Unlock()

	s.metrics.BackupTaken()
	logging.Store("Backup written to %s", target)
	return target, nil
}

// LastBackup reports the newest snapshot taken by this process. ok is
// false until the first successful BackupNow.
func (s *Store) LastBackup() (path string, at time.Time, ok bool) {
	s.bmu.Lock()
	defer s.bmu.Unlock()
	return s.lastBackupPath, s.lastBackupTime, !s.lastBackupTime.IsZero()
}

// RotateBackups deletes all but the newest keep snapshots and returns
// how many files were removed. Files not matching the snapshot naming
// pattern are left alone.
func (s *Store) RotateBackups(keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}

	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var snapshots []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		snapshots = append(snapshots, name)
	}
	if len(snapshots) <= keep {
		return 0, nil
	}

	// Timestamps are fixed-width, so lexical order is chronological.
	sort.Strings(snapshots)

	removed := 0
	for _, name := range snapshots[:len(snapshots)-keep] {
		if err := os.Remove(filepath.Join(s.backupDir, name)); err != nil {
			logging.StoreWarn("Failed to remove old backup %s: %v", name, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logging.StoreDebug("Rotated %d old backups, keeping %d", removed, keep)
	}
	return removed, nil
}

// RunBackups takes a snapshot every interval and rotates old ones,
// until the context is cancelled. Failures are logged and the loop
// keeps going; a missed snapshot is not fatal.
func (s *Store) RunBackups(ctx context.Context, interval time.Duration, retention int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Store("Backup loop started (interval %s, retention %d)", interval, retention)
	for {
		select {
		case <-ctx.Done():
			logging.Store("Backup loop stopped")
			return
		case <-ticker.C:
			if _, err := s.BackupNow(); err != nil {
				continue
			}
			if _, err := s.RotateBackups(retention); err != nil {
				logging.StoreWarn("Backup rotation failed: %v", err)
			}
		}
	}
}

// BackupDir returns where snapshots are written.
func (s *Store) BackupDir() string {
	return s.backupDir
}
