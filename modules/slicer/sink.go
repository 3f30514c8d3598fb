package slicer

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// minWriteBufSize and maxWriteBufSize clamp the configured write buffer to avoid
// tiny writes (no benefit) or very large buffers (memory and latency).
const (
	minWriteBufSize = 32 * 1024       // 32 KiB
	maxWriteBufSize = 4 * 1024 * 1024 // 4 MiB
)

// fileSink batches writes into a temp file beside dest and renames it into
// place on Commit, so a failed slice never leaves a truncated file at dest.
type fileSink struct {
	f      *os.File
	dest   string
	buf    []byte
	logger *slog.Logger
}

func newFileSink(dest string, bufSize int, logger *slog.Logger) (*fileSink, error) {
	bufSize = max(minWriteBufSize, min(bufSize, maxWriteBufSize))

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("error creating output directory: %w", err)
	}

	f, err := os.CreateTemp(dir, "*.mp3.tmp")
	if err != nil {
		return nil, fmt.Errorf("error creating temp file: %w", err)
	}

	return &fileSink{
		f:      f,
		dest:   dest,
		buf:    make([]byte, 0, bufSize),
		logger: logger,
	}, nil
}

func (s *fileSink) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		room := cap(s.buf) - len(s.buf)
		if room > len(p) {
			room = len(p)
		}
		s.buf = append(s.buf, p[:room]...)
		p = p[room:]

		if len(s.buf) == cap(s.buf) {
			if err := s.flush(); err != nil {
				return n - len(p), err
			}
		}
	}

	return n, nil
}

func (s *fileSink) flush() error {
	if len(s.buf) == 0 {
		return nil
	}
	if _, err := s.f.Write(s.buf); err != nil {
		return fmt.Errorf("error writing to file: %w", err)
	}
	s.buf = s.buf[:0]
	return nil
}

// Commit flushes, syncs and closes the temp file, then renames it to dest.
func (s *fileSink) Commit() error {
	tempPath := s.f.Name()

	err := s.flush()
	if err == nil {
		err = s.f.Sync()
	}
	if closeErr := s.f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tempPath, s.dest)
	}
	if err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("error committing %s: %w", s.dest, err)
	}

	s.logger.Debug("saved slice", "path", s.dest)
	return nil
}

// Abort discards the temp file.
func (s *fileSink) Abort() {
	tempPath := s.f.Name()
	if err := s.f.Close(); err != nil {
		s.logger.Error("error closing file", "err", err)
	}
	if err := os.Remove(tempPath); err != nil {
		s.logger.Error("error removing temp file", "err", err, "path", tempPath)
	}
}

// outputPath places relative outputs under the configured dir. Jobs without an
// output are named after the remote file and the window.
func (s *Slicer) outputPath(job Job) string {
	name := job.Output
	if name == "" {
		base := "slice"
		if u, err := url.Parse(job.URL); err == nil && path.Base(u.Path) != "/" && path.Base(u.Path) != "." {
			base = strings.TrimSuffix(path.Base(u.Path), path.Ext(u.Path))
		}
		name = fmt.Sprintf("%s_%s-%s.mp3", base, job.Start, job.End)
	}

	if filepath.IsAbs(name) || s.cfg.Dir == "" {
		return name
	}
	return filepath.Join(s.cfg.Dir, name)
}

// ByteCountIEC renders a byte count with binary prefixes, eg: 1.5 MiB.
func ByteCountIEC(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
