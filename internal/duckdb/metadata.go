package duckdb

import (
	"os"
	"time"
)

// FileFingerprint holds stat-based identity for an input file, so a report
// can be matched to the exact release it was produced from.
type FileFingerprint struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// StatFile creates a FileFingerprint from an on-disk file. Stdin ("-") has
// no fingerprint beyond its name.
func StatFile(path string) (FileFingerprint, error) {
	if path == "-" {
		return FileFingerprint{Path: path}, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return FileFingerprint{}, err
	}
	return FileFingerprint{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime().UTC(),
	}, nil
}

// RunInfo describes the invocation a report belongs to.
type RunInfo struct {
	Input     FileFingerprint
	Reference string
	Assembly  string
	Started   time.Time
	Finished  time.Time
}
