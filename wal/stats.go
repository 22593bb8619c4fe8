package wal

import "time"

// Stats summarizes the journal files in a directory
type Stats struct {
	TotalFiles     int
	TotalSizeBytes int64
	OldestFile     time.Time
	NewestFile     time.Time
	Entries        int64
	FirstSequence  int64
	LastSequence   int64
	EntriesByType  map[EntryType]int64
}

// DirStats reads every journal file under dir
func DirStats(dir string, config Config) (Stats, error) {
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}

	files := findAllWALFiles(dir, config.FilePrefix)
	stats := Stats{
		TotalFiles:    len(files),
		EntriesByType: make(map[EntryType]int64),
	}
	if len(files) == 0 {
		return stats, nil
	}

	stats.TotalSizeBytes = calculateTotalSize(files)
	stats.OldestFile, stats.NewestFile = findTimeRange(files)

	for _, file := range files {
		err := readFile(file, func(e *Entry) error {
			stats.Entries++
			stats.EntriesByType[e.Type]++
			if stats.FirstSequence == 0 || e.Sequence < stats.FirstSequence {
				stats.FirstSequence = e.Sequence
			}
			if e.Sequence > stats.LastSequence {
				stats.LastSequence = e.Sequence
			}
			return nil
		})
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// Stats summarizes this journal's directory
func (w *WAL) Stats() (Stats, error) {
	w.mu.Lock()
	if w.writer != nil {
		_ = w.writer.Flush()
	}
	w.mu.Unlock()
	return DirStats(w.dir, w.config)
}
