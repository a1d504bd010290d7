package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const rotationLayout = "20060102-150405"

// RotationConfig controls when a RotatingWriter rolls its file over.
type RotationConfig struct {
	Path string
	// MaxSizeMB of zero or less disables rotation.
	MaxSizeMB int
	// MaxAgeDays of zero or less keeps rotated files forever.
	MaxAgeDays int
	Compress   bool

	now func() time.Time
}

// RotatingWriter appends to a log file and renames it aside once it grows
// past the size limit.
type RotatingWriter struct {
	cfg   RotationConfig
	limit int64

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewRotatingWriter opens cfg.Path for appending, creating its directory.
// Rotated files older than MaxAgeDays are pruned in the background.
func NewRotatingWriter(cfg RotationConfig) (*RotatingWriter, error) {
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{cfg: cfg, limit: int64(cfg.MaxSizeMB) << 20}
	if err := w.open(); err != nil {
		return nil, err
	}

	go w.prune()
	return w, nil
}

func (w *RotatingWriter) open() error {
	file, err := os.OpenFile(w.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would push a non-empty file past
// the limit. A single oversized write still lands in one file.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.limit > 0 && w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the active file. Later writes fail with os.ErrClosed.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	aside := w.rotatedName()
	if err := os.Rename(w.cfg.Path, aside); err != nil {
		return err
	}
	if w.cfg.Compress {
		go func() { _ = compressFile(aside) }()
	}

	if err := w.open(); err != nil {
		return err
	}
	go w.prune()
	return nil
}

// rotatedName stamps the path with the current time, adding a counter when
// several rotations land in the same second.
func (w *RotatingWriter) rotatedName() string {
	base := w.cfg.Path + "." + w.cfg.now().Format(rotationLayout)
	name := base
	for i := 1; exists(name) || exists(name+".gz"); i++ {
		name = fmt.Sprintf("%s.%d", base, i)
	}
	return name
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// compressFile gzips filename next to itself and removes the original.
func compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(filename + ".gz")
	if err != nil {
		return err
	}

	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		dst.Close()
		return err
	}
	if err := gzw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	return os.Remove(filename)
}

// prune removes rotated siblings of the log file older than MaxAgeDays.
func (w *RotatingWriter) prune() {
	if w.cfg.MaxAgeDays <= 0 {
		return
	}

	dir := filepath.Dir(w.cfg.Path)
	prefix := filepath.Base(w.cfg.Path) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	cutoff := w.cfg.now().AddDate(0, 0, -w.cfg.MaxAgeDays)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(dir, entry.Name()))
	}
}
