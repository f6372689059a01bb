package domain

import "time"

// BackupInfo describes one retained session backup bundle. Bundles are
// immutable once written; they are deleted only by retention cleanup or by
// corruption-triggered restore cleanup.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
}

// RestoreInfo describes the outcome of a session restore.
type RestoreInfo struct {
	Bundle       BackupInfo `json:"bundle"`
	RestoredAt   time.Time  `json:"restored_at"`
	FileCount    int        `json:"file_count"`
	BytesWritten int64      `json:"bytes_written"`
}
