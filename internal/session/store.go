// Package session persists and recovers the channel driver's session
// directory: proactive corruption detection at startup, periodic backup
// into retained bundles, and restore-on-corruption.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tallyline-io/courier/internal/domain"
	"github.com/tallyline-io/courier/internal/ports"
)

const (
	backupDirName = ".backups"
	bundleSuffix  = ".bundle"
	bundleStamp   = "20060102-150405"

	// CredsFile is the credential file the channel driver maintains inside
	// the session directory. Its presence and well-formedness is the
	// corruption probe.
	CredsFile = "creds.json"
)

// Store owns backup and restore of the session directory. The session
// directory itself is written by the channel driver during normal
// operation; the two writers never run concurrently because restore
// happens only before the first connection start.
type Store struct {
	sessionDir string
	interval   time.Duration
	retention  int
	logger     ports.Logger
}

// NewStore creates a session store for the given session directory.
func NewStore(sessionDir string, interval time.Duration, retention int, logger ports.Logger) *Store {
	return &Store{
		sessionDir: sessionDir,
		interval:   interval,
		retention:  retention,
		logger:     logger,
	}
}

// SessionDir returns the live session directory path.
func (s *Store) SessionDir() string { return s.sessionDir }

// backupDir returns the directory holding retained bundles.
func (s *Store) backupDir() string { return filepath.Join(s.sessionDir, backupDirName) }

// IsCorrupted reports whether the session directory exists but its
// credentials are unreadable or malformed. A missing session directory is
// a fresh start, not corruption.
func (s *Store) IsCorrupted() bool {
	if _, err := os.Stat(s.sessionDir); err != nil {
		return false
	}

	credsPath := filepath.Join(s.sessionDir, CredsFile)
	b, err := os.ReadFile(credsPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Directory exists without credentials: a handshake never
			// completed here. Not corruption.
			return false
		}
		return true
	}
	if len(b) == 0 {
		return true
	}
	var probe map[string]any
	return json.Unmarshal(b, &probe) != nil
}

// Backup archives the session directory into a timestamped bundle and runs
// retention cleanup. A missing session directory is a soft no-op returning
// a zero BackupInfo and nil error.
func (s *Store) Backup() (domain.BackupInfo, error) {
	if _, err := os.Stat(s.sessionDir); err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug("session backup skipped, no session directory",
				ports.String("dir", s.sessionDir))
			return domain.BackupInfo{}, nil
		}
		return domain.BackupInfo{}, err
	}

	if err := os.MkdirAll(s.backupDir(), 0o700); err != nil {
		return domain.BackupInfo{}, err
	}

	now := time.Now()
	filename := now.Format(bundleStamp) + bundleSuffix
	path := filepath.Join(s.backupDir(), filename)

	size, err := archiveDir(s.sessionDir, path)
	if err != nil {
		return domain.BackupInfo{}, fmt.Errorf("archive session: %w", err)
	}

	info := domain.BackupInfo{
		Filename:  filename,
		Path:      path,
		CreatedAt: now,
		SizeBytes: size,
	}

	s.logger.Info("session backup written",
		ports.String("bundle", filename),
		ports.Int64("bytes", size))

	s.Cleanup(s.retention)
	return info, nil
}

// ListBackups returns retained bundles, newest first by modification time.
func (s *Store) ListBackups() []domain.BackupInfo {
	ents, err := os.ReadDir(s.backupDir())
	if err != nil {
		return nil
	}

	var backups []domain.BackupInfo
	for _, e := range ents {
		if e.IsDir() || filepath.Ext(e.Name()) != bundleSuffix {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		backups = append(backups, domain.BackupInfo{
			Filename:  e.Name(),
			Path:      filepath.Join(s.backupDir(), e.Name()),
			CreatedAt: fi.ModTime(),
			SizeBytes: fi.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups
}

// Restore replaces the live session directory with the contents of the
// chosen bundle. An empty path selects the newest bundle. Callers must
// treat ErrNoBackups and ErrRestoreUnavailable as "fall back to a fresh
// handshake", never as fatal.
func (s *Store) Restore(path string) (domain.RestoreInfo, error) {
	var bundle domain.BackupInfo
	if path == "" {
		backups := s.ListBackups()
		if len(backups) == 0 {
			return domain.RestoreInfo{}, domain.ErrNoBackups
		}
		bundle = backups[0]
	} else {
		fi, err := os.Stat(path)
		if err != nil {
			return domain.RestoreInfo{}, fmt.Errorf("%w: %v", domain.ErrRestoreUnavailable, err)
		}
		bundle = domain.BackupInfo{
			Filename:  filepath.Base(path),
			Path:      path,
			CreatedAt: fi.ModTime(),
			SizeBytes: fi.Size(),
		}
	}

	if err := s.Discard(); err != nil {
		return domain.RestoreInfo{}, err
	}
	if err := os.MkdirAll(s.sessionDir, 0o700); err != nil {
		return domain.RestoreInfo{}, err
	}

	files, written, err := extractArchive(bundle.Path, s.sessionDir)
	if err != nil {
		return domain.RestoreInfo{}, fmt.Errorf("%w: %v", domain.ErrRestoreUnavailable, err)
	}

	s.logger.Info("session restored from backup",
		ports.String("bundle", bundle.Filename),
		ports.Int("files", files),
		ports.Int64("bytes", written))

	return domain.RestoreInfo{
		Bundle:       bundle,
		RestoredAt:   time.Now(),
		FileCount:    files,
		BytesWritten: written,
	}, nil
}

// Discard removes the live session contents, forcing a fresh handshake.
// Retained backup bundles survive.
func (s *Store) Discard() error {
	ents, err := os.ReadDir(s.sessionDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range ents {
		if e.Name() == backupDirName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.sessionDir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup removes all but the newest keep bundles, sorted by modification
// time.
func (s *Store) Cleanup(keep int) {
	backups := s.ListBackups()
	if len(backups) <= keep {
		return
	}
	for _, b := range backups[keep:] {
		if err := os.Remove(b.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("backup cleanup failed",
				ports.String("bundle", b.Filename), ports.Err(err))
			continue
		}
		s.logger.Debug("backup evicted", ports.String("bundle", b.Filename))
	}
}

// Run performs one immediate backup and then backs up on the configured
// interval until the context is cancelled.
func (s *Store) Run(ctx context.Context) {
	if _, err := s.Backup(); err != nil {
		s.logger.Error("initial session backup failed", ports.Err(err))
	}

	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Backup(); err != nil {
				s.logger.Error("session backup failed", ports.Err(err))
			}
		}
	}
}
