package writer

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// spool is a replayable copy of a chunk or object.
type spool struct {
	io.ReadSeeker
	size int64
	file *os.File
}

// newSpool consumes r. Up to memLimit bytes are kept in memory; anything
// larger goes to a temporary file in dir.
func newSpool(r io.Reader, memLimit int64, dir string) (*spool, error) {
	var buf bytes.Buffer
	n, err := io.CopyN(&buf, r, memLimit+1)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to buffer content: %w", err)
	}
	if n <= memLimit {
		return &spool{ReadSeeker: bytes.NewReader(buf.Bytes()), size: n}, nil
	}

	f, err := os.CreateTemp(dir, "spacestore-spool-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	s := &spool{ReadSeeker: f, file: f}
	written, err := io.Copy(f, io.MultiReader(&buf, r))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to spool content: %w", err)
	}
	s.size = written
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close removes the spool file, if any.
func (s *spool) Close() error {
	if s.file == nil {
		return nil
	}
	s.file.Close()
	return os.Remove(s.file.Name())
}
