package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"vehiclegw/config"
)

const (
	logTimestampLayout = "2006/01/02 15:04:05"
	logFileDateLayout  = "02-Jan-2006"
)

// lineWriter fans each log line to stdout and, when configured, a daily log
// file with date-based retention. Installed as the log package's output.
type lineWriter struct {
	mu            sync.Mutex
	dir           string
	retentionDays int
	currentDate   string
	file          *os.File
}

// setupLogging configures the standard logger. With no directory configured
// it leaves the default stderr behavior in place.
func setupLogging(cfg config.LoggingConfig) (*lineWriter, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %q: %w", cfg.Dir, err)
	}
	w := &lineWriter{dir: cfg.Dir, retentionDays: cfg.RetentionDays}
	if err := cleanupOldLogs(cfg.Dir, time.Now().UTC(), cfg.RetentionDays); err != nil {
		fmt.Fprintf(os.Stderr, "logging: cleanup failed for %s: %v\n", cfg.Dir, err)
	}
	log.SetOutput(io.MultiWriter(os.Stdout, w))
	return w, nil
}

// Write appends to the current daily file, rotating on day change. Errors are
// swallowed; file logging is best effort and must never break the process.
func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	date := time.Now().UTC().Format(logFileDateLayout)
	if w.file == nil || w.currentDate != date {
		if w.file != nil {
			w.file.Close()
		}
		path := filepath.Join(w.dir, "gateway-"+date+".log")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			w.file = nil
			return len(p), nil
		}
		w.file = file
		w.currentDate = date
		if err := cleanupOldLogs(w.dir, time.Now().UTC(), w.retentionDays); err != nil {
			fmt.Fprintf(os.Stderr, "logging: cleanup failed for %s: %v\n", w.dir, err)
		}
	}
	w.file.Write(p)
	return len(p), nil
}

// Close closes the current daily file, if any.
func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// cleanupOldLogs deletes gateway-*.log files whose embedded date falls outside
// the retention window.
func cleanupOldLogs(dir string, now time.Time, retentionDays int) error {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	cutoff := now.AddDate(0, 0, -retentionDays)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "gateway-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, "gateway-"), ".log")
		fileDate, err := time.Parse(logFileDateLayout, dateStr)
		if err != nil {
			continue
		}
		if fileDate.Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				fmt.Fprintf(os.Stderr, "logging: failed to remove %s: %v\n", name, err)
			}
		}
	}
	return nil
}
