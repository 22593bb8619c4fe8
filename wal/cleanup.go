package wal

import (
	"fmt"
	"os"
	"time"
)

// CleanupStats tracks cleanup results
type CleanupStats struct {
	FilesRemoved  int
	BytesFreed    int64
	OldestRemoved time.Time
	NewestRemoved time.Time
}

// Cleanup removes journal files older than the retention period.
// RetentionDays <= 0 keeps everything.
func Cleanup(dir string, config Config) (CleanupStats, error) {
	stats := CleanupStats{}
	if config.RetentionDays <= 0 {
		return stats, nil
	}
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}

	cutoff := time.Now().AddDate(0, 0, -config.RetentionDays)
	files := filterOldFiles(findAllWALFiles(dir, config.FilePrefix), cutoff)
	if len(files) == 0 {
		return stats, nil
	}

	stats.FilesRemoved = len(files)
	stats.BytesFreed = calculateTotalSize(files)
	stats.OldestRemoved, stats.NewestRemoved = findTimeRange(files)

	for _, file := range files {
		if err := os.Remove(file); err != nil {
			return stats, fmt.Errorf("failed to remove %s: %w", file, err)
		}
	}
	return stats, nil
}

// filterOldFiles returns only files modified before cutoff
func filterOldFiles(files []string, cutoff time.Time) []string {
	var old []string
	for _, file := range files {
		info, err := os.Stat(file)
		if err == nil && info.ModTime().Before(cutoff) {
			old = append(old, file)
		}
	}
	return old
}

// calculateTotalSize sums file sizes
func calculateTotalSize(files []string) int64 {
	var total int64
	for _, file := range files {
		info, err := os.Stat(file)
		if err == nil {
			total += info.Size()
		}
	}
	return total
}

// findTimeRange returns oldest and newest file modification times
func findTimeRange(files []string) (oldest, newest time.Time) {
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}

		modTime := info.ModTime()
		if oldest.IsZero() || modTime.Before(oldest) {
			oldest = modTime
		}
		if modTime.After(newest) {
			newest = modTime
		}
	}
	return oldest, newest
}
