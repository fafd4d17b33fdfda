package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RollingWriter writes to files that roll over each UTC day and when the
// current file would exceed MaxBytes.
//
// Given base path logs/relay.log the active file is logs/relay-2026-08-30.log,
// then logs/relay-2026-08-30-2.log after a size rollover. The base path is
// maintained as a symlink to the active file.
type RollingWriter struct {
	BasePath string
	MaxBytes int64

	mu      sync.Mutex
	day     string
	seq     int
	file    *os.File
	written int64
}

// NewRollingWriter creates a rolling writer at basePath. A basePath of "-"
// discards all output.
func NewRollingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return nopWriteCloser{w: io.Discard}, nil
	}
	w := &RollingWriter{BasePath: basePath, MaxBytes: maxBytes}
	if err := w.roll(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RollingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.roll(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	if err == nil {
		w.written += int64(n)
	}
	return n, err
}

func (w *RollingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

// roll opens a fresh file when the UTC day changed or incoming bytes would
// push the current file past MaxBytes.
func (w *RollingWriter) roll(incoming int64) error {
	today := time.Now().UTC().Format("2006-01-02")
	switch {
	case w.file == nil || w.day != today:
		w.day = today
		w.seq = 1
	case w.MaxBytes > 0 && w.written+incoming > w.MaxBytes:
		w.seq++
	default:
		return nil
	}
	return w.open()
}

func (w *RollingWriter) open() error {
	if w.file != nil {
		_ = w.file.Close()
	}
	dir, name := filepath.Split(w.BasePath)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	filename := fmt.Sprintf("%s-%s%s", stem, w.day, ext)
	if w.seq > 1 {
		filename = fmt.Sprintf("%s-%s-%d%s", stem, w.day, w.seq, ext)
	}
	path := filepath.Join(dir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	w.file = f
	w.written = size
	w.repoint(path)
	return nil
}

// repoint keeps the base path aimed at the active file so tail -F works.
func (w *RollingWriter) repoint(target string) {
	base := strings.TrimSpace(w.BasePath)
	if base == "" || base == "-" {
		return
	}
	// The link lives next to the target, so the symlink must carry the bare
	// filename; a directory-prefixed destination would resolve relative to
	// the link's own directory and dangle.
	linkDest := filepath.Base(target)
	if info, err := os.Lstat(base); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, derr := os.Readlink(base); derr == nil && dest == linkDest {
				return
			}
		}
		_ = os.Remove(base)
	}
	if err := os.Symlink(linkDest, base); err == nil {
		return
	}
	if err := os.Link(target, base); err == nil {
		return
	}
	if f, err := os.OpenFile(base, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err == nil {
		defer f.Close()
		_, _ = fmt.Fprintf(f, "current log file: %s\n", target)
	}
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }
