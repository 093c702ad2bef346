// Package audit provides the append-only consent audit log: newline
// delimited JSON with daily rotation, size caps, and retention cleanup.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/gatewarden/gatewarden/internal/domain/consent"
)

// consentFilePattern matches log filenames: consent-YYYY-MM-DD.log or
// consent-YYYY-MM-DD-N.log.
var consentFilePattern = regexp.MustCompile(`^consent-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.log$`)

// FileSinkConfig holds configuration for the file-based audit sink.
type FileSinkConfig struct {
	// Dir is the directory where audit files are stored.
	Dir string
	// RetentionDays is the number of days to keep audit files (default 30).
	RetentionDays int
	// MaxFileSizeMB is the maximum file size before rotation (default 100).
	MaxFileSizeMB int
	// RecentSize is the number of recent events kept in memory (default 256).
	RecentSize int
}

// FileSink implements consent.AuditSink with JSON Lines files, daily and
// size-based rotation, and retention cleanup.
type FileSink struct {
	dir           string
	maxFileSize   int64
	retentionDays int
	logger        *slog.Logger

	mu            sync.Mutex
	currentFile   *os.File
	currentDate   string
	currentSize   int64
	currentSuffix int
	closed        bool

	recentMu sync.RWMutex
	recent   []consent.Event
	head     int
	count    int
}

// NewFileSink creates the audit directory if needed, opens today's file,
// and runs retention cleanup once.
func NewFileSink(cfg FileSinkConfig, logger *slog.Logger) (*FileSink, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if cfg.RecentSize <= 0 {
		cfg.RecentSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	s := &FileSink{
		dir:           cfg.Dir,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		logger:        logger,
		recent:        make([]consent.Event, cfg.RecentSize),
	}

	today := time.Now().UTC().Format("2006-01-02")
	if err := s.openLocked(today, s.highestSuffix(today)); err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	s.runCleanup()

	return s, nil
}

// Append writes events as JSON lines, rotating by date and size as
// needed.
func (s *FileSink) Append(_ context.Context, events ...consent.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("audit sink is closed")
	}

	for _, ev := range events {
		dateStr := ev.Timestamp.UTC().Format("2006-01-02")
		if dateStr != s.currentDate {
			if err := s.openLocked(dateStr, 0); err != nil {
				return fmt.Errorf("date rotation: %w", err)
			}
		}
		if s.currentSize >= s.maxFileSize {
			if err := s.openLocked(s.currentDate, s.currentSuffix+1); err != nil {
				return fmt.Errorf("size rotation: %w", err)
			}
		}

		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal audit event: %w", err)
		}
		n, err := s.currentFile.Write(append(data, '\n'))
		if err != nil {
			return fmt.Errorf("write audit event: %w", err)
		}
		s.currentSize += int64(n)

		s.remember(ev)
	}
	return nil
}

// Flush syncs the current file to disk.
func (s *FileSink) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentFile != nil {
		return s.currentFile.Sync()
	}
	return nil
}

// Close syncs and closes the current file. Safe to call more than once.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		err := s.currentFile.Close()
		s.currentFile = nil
		return err
	}
	return nil
}

// Recent returns up to n most recent events, newest first.
func (s *FileSink) Recent(n int) []consent.Event {
	s.recentMu.RLock()
	defer s.recentMu.RUnlock()

	if n <= 0 || s.count == 0 {
		return nil
	}
	if n > s.count {
		n = s.count
	}
	size := len(s.recent)
	out := make([]consent.Event, n)
	for i := 0; i < n; i++ {
		out[i] = s.recent[(s.head-1-i+size)%size]
	}
	return out
}

func (s *FileSink) remember(ev consent.Event) {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()

	s.recent[s.head] = ev
	s.head = (s.head + 1) % len(s.recent)
	if s.count < len(s.recent) {
		s.count++
	}
}

// openLocked closes any current file and opens the file for the given
// date and suffix. Must be called with s.mu held (or before the sink is
// shared).
func (s *FileSink) openLocked(dateStr string, suffix int) error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}

	name := fmt.Sprintf("consent-%s.log", dateStr)
	if suffix > 0 {
		name = fmt.Sprintf("consent-%s-%d.log", dateStr, suffix)
	}
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open file %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat file %s: %w", name, err)
	}

	s.currentFile = f
	s.currentDate = dateStr
	s.currentSize = info.Size()
	s.currentSuffix = suffix
	return nil
}

// highestSuffix returns the highest existing rotation suffix for a date.
func (s *FileSink) highestSuffix(dateStr string) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	highest := 0
	for _, e := range entries {
		m := consentFilePattern.FindStringSubmatch(e.Name())
		if m == nil || m[1] != dateStr || m[2] == "" {
			continue
		}
		if n, err := strconv.Atoi(m[2]); err == nil && n > highest {
			highest = n
		}
	}
	return highest
}

// runCleanup deletes audit files older than the retention period.
func (s *FileSink) runCleanup() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("audit cleanup: failed to read directory", "dir", s.dir, "error", err)
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	for _, e := range entries {
		m := consentFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		fileDate, err := time.Parse("2006-01-02", m[1])
		if err != nil || !fileDate.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			s.logger.Error("audit cleanup: failed to delete file", "file", e.Name(), "error", err)
		}
	}
}

// Compile-time interface verification.
var _ consent.AuditSink = (*FileSink)(nil)
