// Package wal is the remediation journal: a JSON-lines write-ahead log of
// every event transition and remediation outcome, fsynced per entry.
package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// EntryType defines the type of journal entry
type EntryType string

const (
	EntryReceived    EntryType = "received"
	EntryInspected   EntryType = "inspected"
	EntryEvaluated   EntryType = "evaluated"
	EntryRemediating EntryType = "remediating"
	EntryOutcome     EntryType = "outcome"
	EntryDone        EntryType = "done"
	EntryDropped     EntryType = "dropped"
)

// Entry represents a single journal entry
type Entry struct {
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
	Type       EntryType       `json:"type"`
	EventID    string          `json:"event_id,omitempty"`
	ResourceID string          `json:"resource_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Decode unmarshals the entry payload into v
func (e *Entry) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("entry %d has no data", e.Sequence)
	}
	return json.Unmarshal(e.Data, v)
}

// Config controls file naming, rotation and retention
type Config struct {
	FilePrefix    string
	MaxFileSize   int64 // bytes; a file is rotated once it would grow past this
	RetentionDays int
}

// DefaultConfig returns the journal defaults
func DefaultConfig() Config {
	return Config{
		FilePrefix:    "remedy",
		MaxFileSize:   64 * 1024 * 1024,
		RetentionDays: 30,
	}
}

// WAL appends entries to the current journal file
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	size     int64
	sequence int64
	dir      string
	config   Config
}

// Open opens a journal in dir with the default config
func Open(dir string) (*WAL, error) {
	return OpenWithConfig(dir, DefaultConfig())
}

// OpenWithConfig opens a journal in dir. The sequence continues from the
// highest sequence found in existing files.
func OpenWithConfig(dir string, config Config) (*WAL, error) {
	defaults := DefaultConfig()
	if config.FilePrefix == "" {
		config.FilePrefix = defaults.FilePrefix
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = defaults.MaxFileSize
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	w := &WAL{dir: dir, config: config}
	seq, err := lastSequence(w.files())
	if err != nil {
		return nil, err
	}
	w.sequence = seq

	if err := w.openFile(seq + 1); err != nil {
		return nil, err
	}
	return w, nil
}

// Dir returns the journal directory
func (w *WAL) Dir() string {
	return w.dir
}

// Sequence returns the last sequence written
func (w *WAL) Sequence() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sequence
}

// openFile starts a file named after the first sequence it will hold
func (w *WAL) openFile(first int64) error {
	name := fmt.Sprintf("%s-%s-%010d.wal", w.config.FilePrefix,
		time.Now().UTC().Format("20060102-150405"), first)
	path := filepath.Join(w.dir, name)

	file, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open journal file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat journal file: %w", err)
	}

	w.file = file
	w.writer = bufio.NewWriter(file)
	w.size = info.Size()
	return nil
}

func (w *WAL) files() []string {
	return findAllWALFiles(w.dir, w.config.FilePrefix)
}

// Close flushes and closes the journal
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Append adds an entry to the journal
func (w *WAL) Append(entryType EntryType, eventID, resourceID string, data any) error {
	return w.append(entryType, eventID, resourceID, data, nil)
}

// AppendError adds an entry carrying an error
func (w *WAL) AppendError(entryType EntryType, eventID, resourceID string, data any, errToLog error) error {
	return w.append(entryType, eventID, resourceID, data, errToLog)
}

func (w *WAL) append(entryType EntryType, eventID, resourceID string, data any, errToLog error) error {
	var payload json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
		payload = b
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return errors.New("journal is closed")
	}

	w.sequence++
	entry := Entry{
		Timestamp:  time.Now().UTC(),
		Sequence:   w.sequence,
		Type:       entryType,
		EventID:    eventID,
		ResourceID: resourceID,
		Data:       payload,
	}
	if errToLog != nil {
		entry.Error = errToLog.Error()
	}

	if err := w.writeEntry(entry); err != nil {
		w.sequence--
		return err
	}
	return nil
}

// writeEntry writes a single entry, rotating first when the file is full
func (w *WAL) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	line = append(line, '\n')

	if w.size > 0 && w.size+int64(len(line)) > w.config.MaxFileSize {
		if err := w.rotate(entry.Sequence); err != nil {
			return err
		}
	}

	n, err := w.writer.Write(line)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return w.file.Sync()
}

func (w *WAL) rotate(first int64) error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush before rotation: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal file: %w", err)
	}
	return w.openFile(first)
}

// lastSequence finds the highest sequence in existing files. A torn final
// line left by a crash ends the scan of that file.
func lastSequence(files []string) (int64, error) {
	var last int64
	for _, file := range files {
		reader, err := NewReader(file)
		if err != nil {
			return 0, err
		}
		for {
			entry, err := reader.Next()
			if err != nil {
				break
			}
			if entry.Sequence > last {
				last = entry.Sequence
			}
		}
		_ = reader.Close()
	}
	return last, nil
}

// Reader provides journal replay functionality
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a reader for one journal file
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Reader{scanner: scanner, file: file}, nil
}

// Next reads the next entry, returning io.EOF at the end of the file
func (r *Reader) Next() (*Entry, error) {
	for r.scanner.Scan() {
		if len(r.scanner.Bytes()) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		return &entry, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

func readFile(path string, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
}

// Replay calls handler for every entry written after since, in sequence order
func Replay(dir string, since time.Time, handler func(*Entry) error) error {
	return ReplayWithConfig(dir, DefaultConfig(), since, handler)
}

// ReplayWithConfig is Replay for journals written with a non-default prefix
func ReplayWithConfig(dir string, config Config, since time.Time, handler func(*Entry) error) error {
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}

	for _, file := range findAllWALFiles(dir, config.FilePrefix) {
		err := readFile(file, func(e *Entry) error {
			if !e.Timestamp.After(since) {
				return nil
			}
			return handler(e)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// findAllWALFiles returns the journal files in dir, oldest first
func findAllWALFiles(dir, prefix string) []string {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.wal"))
	if err != nil {
		return nil
	}
	sort.Strings(files)
	return files
}
