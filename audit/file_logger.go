package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// cachedEvents bounds the in-memory tail kept for time-scoped queries.
const cachedEvents = 1000

// FileOptions parameterize the file backend.
type FileOptions struct {
	FilePath string `json:"file_path"`
	// MaxSize is the rotation threshold in MB.
	MaxSize int `json:"max_size,omitempty"`
	// MaxBackups caps the number of rotated files kept next to the log.
	MaxBackups int `json:"max_backups,omitempty"`
	// MaxAge in days; older rotated files are pruned at rotation time.
	MaxAge int `json:"max_age,omitempty"`
}

// FileLogger appends events to a JSONL file, rotating it by size, and
// keeps a bounded in-memory tail so recent time-scoped queries avoid
// re-reading the file.
type FileLogger struct {
	mu     sync.RWMutex
	file   *os.File
	opts   FileOptions
	recent []Event
}

var _ Logger = (*FileLogger)(nil)

// NewFileLogger opens (or creates) the configured log file.
func NewFileLogger(config *Config) (*FileLogger, error) {
	var opts FileOptions
	if err := decodeOptions(config.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid file logger options: %w", err)
	}
	if opts.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for file logger")
	}
	if opts.MaxSize == 0 {
		opts.MaxSize = 100
	}
	if opts.MaxBackups == 0 {
		opts.MaxBackups = 5
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = 30
	}

	if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	file, err := openAppend(opts.FilePath)
	if err != nil {
		return nil, err
	}

	return &FileLogger{file: file, opts: opts}, nil
}

func openAppend(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return file, nil
}

// Log implements the Logger interface.
func (fl *FileLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	return fl.append(newEvent(action, success, metadata))
}

func (fl *FileLogger) append(event Event) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	// Reopen if a previous owner closed us.
	if fl.file == nil {
		file, err := openAppend(fl.opts.FilePath)
		if err != nil {
			return err
		}
		fl.file = file
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}
	if _, err = fl.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	if err = fl.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	fl.recent = append(fl.recent, event)
	if len(fl.recent) > cachedEvents {
		fl.recent = fl.recent[len(fl.recent)-cachedEvents:]
	}

	return fl.rotateIfNeeded()
}

// rotateIfNeeded shifts the log to {path}.1, {path}.2, ... once it
// crosses the size threshold, dropping the oldest backup past MaxBackups.
func (fl *FileLogger) rotateIfNeeded() error {
	info, err := fl.file.Stat()
	if err != nil || info.Size() < int64(fl.opts.MaxSize)*1024*1024 {
		return nil
	}

	if err = fl.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log for rotation: %w", err)
	}
	fl.file = nil

	for i := fl.opts.MaxBackups; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", fl.opts.FilePath, i)
		if i == fl.opts.MaxBackups {
			os.Remove(src)
			continue
		}
		os.Rename(src, fmt.Sprintf("%s.%d", fl.opts.FilePath, i+1))
	}
	if err = os.Rename(fl.opts.FilePath, fl.opts.FilePath+".1"); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}
	fl.pruneAged()

	file, err := openAppend(fl.opts.FilePath)
	if err != nil {
		return err
	}
	fl.file = file
	return nil
}

// pruneAged drops rotated files older than MaxAge days.
func (fl *FileLogger) pruneAged() {
	matches, err := filepath.Glob(fl.opts.FilePath + ".*")
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -fl.opts.MaxAge)
	for _, path := range matches {
		if info, statErr := os.Stat(path); statErr == nil && info.ModTime().Before(cutoff) {
			os.Remove(path)
		}
	}
}

// Query implements the Logger interface. Time-scoped queries that the
// in-memory tail fully covers are answered without touching the file.
func (fl *FileLogger) Query(options QueryOptions) (QueryResult, error) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	if fl.tailCovers(options) {
		return fl.queryTail(options), nil
	}
	return fl.queryFiles(options)
}

func (fl *FileLogger) tailCovers(options QueryOptions) bool {
	if len(fl.recent) == 0 {
		return false
	}
	// Unbounded queries may reach events the tail has evicted.
	if options.Since == nil && options.Until == nil {
		return false
	}
	if options.Since != nil && options.Since.Before(fl.recent[0].Timestamp) {
		return false
	}
	return true
}

func (fl *FileLogger) queryTail(options QueryOptions) QueryResult {
	var matched []Event
	for _, event := range fl.recent {
		if event.matches(options) {
			matched = append(matched, event)
		}
	}
	sortNewestFirst(matched)

	if options.Limit > 0 && len(matched) > options.Limit {
		matched = matched[:options.Limit]
	}
	return QueryResult{
		Events:     matched,
		TotalCount: len(fl.recent),
		Filtered:   len(matched),
		HasMore:    len(matched) == options.Limit,
	}
}

func (fl *FileLogger) queryFiles(options QueryOptions) (QueryResult, error) {
	var matched []Event
	total := 0
	for _, path := range fl.logFiles() {
		events, count, err := scanLogFile(path, options)
		if err != nil {
			return QueryResult{}, fmt.Errorf("failed to read events from %s: %w", path, err)
		}
		matched = append(matched, events...)
		total += count
	}
	sortNewestFirst(matched)

	start := options.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if options.Limit > 0 && start+options.Limit < end {
		end = start + options.Limit
	}

	return QueryResult{
		Events:     matched[start:end],
		TotalCount: total,
		Filtered:   len(matched),
		HasMore:    end < len(matched),
	}, nil
}

// logFiles lists the live log plus any rotated siblings ({path}.1, ...).
func (fl *FileLogger) logFiles() []string {
	files := []string{fl.opts.FilePath}
	matches, err := filepath.Glob(fl.opts.FilePath + ".*")
	if err != nil {
		return files
	}
	return append(files, matches...)
}

func scanLogFile(path string, options QueryOptions) ([]Event, int, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open audit log file: %w", err)
	}
	defer file.Close()

	var events []Event
	total := 0

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		total++

		var event Event
		if err = json.Unmarshal([]byte(line), &event); err != nil {
			// Torn or corrupt line; keep scanning.
			continue
		}
		if event.matches(options) {
			events = append(events, event)
		}
	}
	if err = scanner.Err(); err != nil {
		return events, total, fmt.Errorf("error reading audit log file: %w", err)
	}
	return events, total, nil
}

func sortNewestFirst(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}

// Close implements the Logger interface. A closed logger reopens its
// file on the next Log call.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file == nil {
		return nil
	}
	err := fl.file.Close()
	fl.file = nil
	return err
}
