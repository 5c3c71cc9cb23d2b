package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BackupResult describes a completed backup.
type BackupResult struct {
	// Copied is false when there was no database to back up.
	Copied     bool
	SourcePath string
	DestPath   string
	Bytes      int64
}

// BackupDatabase copies the mirror database at dbPath to dest before a
// destructive operation such as a purge. A missing source is not an error.
func BackupDatabase(dbPath, dest string) (BackupResult, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return BackupResult{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return BackupResult{}, fmt.Errorf("create backup directory: %w", err)
	}

	n, err := copyFile(dbPath, dest)
	if err != nil {
		return BackupResult{}, fmt.Errorf("copy database: %w", err)
	}

	return BackupResult{Copied: true, SourcePath: dbPath, DestPath: dest, Bytes: n}, nil
}

// copyFile copies src to dst and fsyncs it. A partial dst is removed on
// failure.
func copyFile(src, dst string) (int64, error) {
	source, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer source.Close()

	dest, err := os.Create(dst)
	if err != nil {
		return 0, err
	}

	success := false
	defer func() {
		dest.Close()
		if !success {
			_ = os.Remove(dst)
		}
	}()

	n, err := io.Copy(dest, source)
	if err != nil {
		return 0, err
	}
	if err := dest.Sync(); err != nil {
		return 0, err
	}

	success = true
	return n, nil
}
