package openfile

import (
	"fmt"
	"io"
	"os"
)

// spool holds the pending writes of one handle in a temp file. Bytes that
// were never written read back as zeros (sparse file); written ranges are
// tracked in extents.
//
// The logical content of the file is, for every offset below size:
// the spool byte when inside extents, else the remote byte when below
// cleanLimit, else zero.
type spool struct {
	f          *os.File
	size       int64
	cleanLimit int64
	extents    extentSet
}

func newSpool(dir string, baseSize int64) (*spool, error) {
	f, err := os.CreateTemp(dir, "remotefs-spool-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	return &spool{f: f, size: baseSize, cleanLimit: baseSize}, nil
}

func (s *spool) writeAt(data []byte, off int64) (int, error) {
	n, err := s.f.WriteAt(data, off)
	if n > 0 {
		s.extents.add(off, off+int64(n))
		if end := off + int64(n); end > s.size {
			s.size = end
		}
	}
	if err != nil {
		return n, fmt.Errorf("write spool: %w", err)
	}
	return n, nil
}

func (s *spool) truncate(size int64) error {
	if size < s.size {
		if err := s.f.Truncate(size); err != nil {
			return fmt.Errorf("truncate spool: %w", err)
		}
		s.extents.truncate(size)
		s.cleanLimit = min(s.cleanLimit, size)
	}
	s.size = size
	return nil
}

// overlay copies the written bytes within [off, off+len(dest)) into dest.
func (s *spool) overlay(dest []byte, off int64) error {
	for _, e := range s.extents.overlapping(off, off+int64(len(dest))) {
		part := dest[e.start-off : e.end-off]
		if _, err := s.f.ReadAt(part, e.start); err != nil && err != io.EOF {
			return fmt.Errorf("read spool: %w", err)
		}
	}
	return nil
}

// shrunk reports whether a truncate cut into remote content that is still
// below the current size and was not overwritten since. Those bytes must
// become zeros, which ranged uploads cannot express.
func (s *spool) shrunk(baseSize int64) bool {
	limit := min(baseSize, s.size)
	return s.cleanLimit < limit && len(s.extents.holes(s.cleanLimit, limit)) > 0
}

// readerAt exposes the spool content; valid for [0, size) once every clean
// hole has been materialized.
func (s *spool) readerAt() io.ReaderAt {
	return s.f
}

func (s *spool) close() error {
	name := s.f.Name()
	err := s.f.Close()
	if rmErr := os.Remove(name); err == nil && rmErr != nil && !os.IsNotExist(rmErr) {
		err = rmErr
	}
	return err
}
