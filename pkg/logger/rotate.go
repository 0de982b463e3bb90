package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// rollingFile is the audit trail sink. It rolls the active file once it
// would exceed maxBytes, shifting older generations to path.1, path.2 and
// so on, and drops generations past maxBackups or older than maxAge.
type rollingFile struct {
	mu         sync.Mutex
	path       string
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration

	active  *os.File
	written int64
}

func openRollingFile(path string, maxSizeMB, maxBackups, maxAgeDays int) (*rollingFile, error) {
	if path == "" {
		return nil, errors.New("path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 7
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rollingFile{
		path:       path,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (f *rollingFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.open(); err != nil {
		return 0, err
	}
	if f.maxBytes > 0 && f.written+int64(len(p)) > f.maxBytes {
		if err := f.roll(); err != nil {
			return 0, err
		}
		if err := f.open(); err != nil {
			return 0, err
		}
	}
	n, err := f.active.Write(p)
	f.written += int64(n)
	return n, err
}

func (f *rollingFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return nil
	}
	err := f.active.Close()
	f.active = nil
	f.written = 0
	return err
}

func (f *rollingFile) open() error {
	if f.active != nil {
		return nil
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	f.active = file
	f.written = info.Size()
	return nil
}

// roll closes the active file and shifts backup generations up by one.
func (f *rollingFile) roll() error {
	if f.active != nil {
		_ = f.active.Close()
		f.active = nil
	}
	f.written = 0

	if f.maxBackups <= 0 {
		_ = os.Remove(f.path)
		return nil
	}
	for gen := f.maxBackups - 1; gen >= 1; gen-- {
		older := fmt.Sprintf("%s.%d", f.path, gen)
		if _, err := os.Stat(older); err == nil {
			_ = os.Rename(older, fmt.Sprintf("%s.%d", f.path, gen+1))
		}
	}
	if _, err := os.Stat(f.path); err == nil {
		_ = os.Rename(f.path, f.path+".1")
	}
	f.expireBackups()
	return nil
}

func (f *rollingFile) expireBackups() {
	if f.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-f.maxAge)
	for gen := 1; gen <= f.maxBackups; gen++ {
		backup := fmt.Sprintf("%s.%d", f.path, gen)
		info, err := os.Stat(backup)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(backup)
		}
	}
}
