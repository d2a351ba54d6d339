// Package sink implements the rotating, gzip-archiving append-only CSV
// journal the event worker writes through. It is grounded line-for-line on
// file_log.c's FileLogger: same rotation protocol, same hygiene sweep, same
// write-then-flush durability discipline, reimplemented over os.File and
// compress/gzip since nothing in the retrieval pack offers a log-rotation
// library (see DESIGN.md).
package sink

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// maxHygieneScan bounds how many stray archive generations beyond
// maxFileCount get swept on each rotation, matching the original's
// check-up-to-100 loop.
const maxHygieneScan = 100

// Sink owns a single append-only output stream and rotates it once it grows
// past maxFileSize, retaining at most maxFileCount gzip-compressed
// generations.
type Sink struct {
	path         string
	maxFileSize  int64
	maxFileCount int

	log *zap.Logger

	file            *os.File
	currentFileSize int64
}

// New creates the log directory (mode 0755, parents included) and opens the
// live file in append mode.
func New(path string, maxFileSizeMB, maxFileCount int, log *zap.Logger) (*Sink, error) {
	if maxFileCount <= 0 || maxFileSizeMB <= 0 {
		return nil, fmt.Errorf("sink: maxFileSizeMB and maxFileCount must be positive")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("sink: create log directory %s: %w", dir, err)
	}

	s := &Sink{
		path:         path,
		maxFileSize:  int64(maxFileSizeMB) * 1024 * 1024,
		maxFileCount: maxFileCount,
		log:          log,
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sink) open() error {
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("sink: open %s: %w", s.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("sink: stat %s: %w", s.path, err)
	}
	s.file = f
	s.currentFileSize = info.Size()
	return nil
}

func (s *Sink) closeFile() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

// WriteLine appends line (already newline-terminated by the caller),
// rotating first if the live file already exceeds the size threshold. A
// write failure is logged and the sink keeps running on the same stream
// rather than tearing itself down.
func (s *Sink) WriteLine(line string) error {
	if s.file == nil {
		// Rotation failed and left the stream closed; writes are no-ops
		// until the process restarts, matching the original's behavior.
		return fmt.Errorf("sink: no open stream")
	}

	if s.currentFileSize > s.maxFileSize {
		if err := s.rotate(); err != nil {
			return fmt.Errorf("sink: rotate: %w", err)
		}
	}

	n, err := s.file.WriteString(line)
	if err != nil {
		s.log.Warn("sink: write failed", zap.Error(err))
		return err
	}
	if err := s.file.Sync(); err != nil {
		s.log.Warn("sink: flush failed", zap.Error(err))
	}
	s.currentFileSize += int64(n)
	return nil
}

func (s *Sink) archivePath(i int) string {
	return fmt.Sprintf("%s.%d.gz", s.path, i)
}

// rotate implements file_log.c's rotate_logs, step for step.
func (s *Sink) rotate() error {
	s.log.Info("sink: rotating log", zap.String("path", s.path))
	s.closeFile()

	for i := s.maxFileCount; i < maxHygieneScan; i++ {
		p := s.archivePath(i)
		if _, err := os.Stat(p); err != nil {
			break
		}
		if err := os.Remove(p); err != nil {
			s.log.Warn("sink: failed to delete stray archive", zap.String("path", p), zap.Error(err))
		}
	}

	oldest := s.archivePath(s.maxFileCount - 1)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return fmt.Errorf("delete oldest archive %s: %w", oldest, err)
		}
	}

	for i := s.maxFileCount - 2; i >= 0; i-- {
		src := s.archivePath(i)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := s.archivePath(i + 1)
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("shift archive %s -> %s: %w", src, dst, err)
		}
	}

	if _, err := os.Stat(s.path); err == nil {
		rotated := s.path + ".0"
		if err := os.Rename(s.path, rotated); err != nil {
			return fmt.Errorf("rename live file %s -> %s: %w", s.path, rotated, err)
		}
		if err := compressFile(rotated); err != nil {
			return fmt.Errorf("compress %s: %w", rotated, err)
		}
	}

	return s.open()
}

// compressFile gzips src to src+".gz" and removes src on success, matching
// compress_file's splice-then-unlink shape.
func compressFile(src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	dstPath := src + ".gz"
	out, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		os.Remove(dstPath)
		return fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		out.Close()
		os.Remove(dstPath)
		return fmt.Errorf("close gzip writer: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}

	if err := os.Remove(src); err != nil {
		return fmt.Errorf("delete original after compression: %w", err)
	}
	return nil
}

// Close flushes and closes the live stream.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// CurrentSize returns the live file's tracked byte count, for tests and
// diagnostics.
func (s *Sink) CurrentSize() int64 {
	return s.currentFileSize
}
