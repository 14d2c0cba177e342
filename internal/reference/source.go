package reference

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/biogo/hts/bgzf"
)

// defaultHandles bounds the number of independent bgzf readers kept open.
const defaultHandles = 16

// source reads bytes of the uncompressed FASTA stream.
type source interface {
	readAt(p []byte, off int64) error
	size() (int64, error)
	close() error
}

// plainSource serves uncompressed FASTA files. ReadAt carries no cursor, so
// one file handle can be shared by all goroutines.
type plainSource struct {
	f *os.File
}

func newPlainSource(path string) (*plainSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &plainSource{f: f}, nil
}

func (s *plainSource) readAt(p []byte, off int64) error {
	n, err := s.f.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return err
}

func (s *plainSource) size() (int64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (s *plainSource) close() error {
	return s.f.Close()
}

// bgzfHandle is one independent decompression context.
type bgzfHandle struct {
	f *os.File
	r *bgzf.Reader
}

// bgzfSource serves bgzip-compressed FASTA files. Each concurrent read checks
// out its own handle from a bounded pool, so no reader state is shared.
type bgzfSource struct {
	path string
	gzi  gziIndex

	pool chan *bgzfHandle

	mu     sync.Mutex
	all    []*bgzfHandle
	max    int
	closed bool
}

func newBGZFSource(path string, gzi gziIndex, handles int) (*bgzfSource, error) {
	if handles < 1 {
		handles = 1
	}
	s := &bgzfSource{
		path: path,
		gzi:  gzi,
		pool: make(chan *bgzfHandle, handles),
		max:  handles,
	}
	// Open one handle eagerly so a bad file fails at Open time.
	h, err := s.openHandle()
	if err != nil {
		return nil, err
	}
	s.all = append(s.all, h)
	s.pool <- h
	return s, nil
}

func (s *bgzfSource) openHandle() (*bgzfHandle, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	r, err := bgzf.NewReader(f, 1)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open bgzf reader: %w", err)
	}
	return &bgzfHandle{f: f, r: r}, nil
}

func (s *bgzfSource) acquire() (*bgzfHandle, error) {
	select {
	case h := <-s.pool:
		return h, nil
	default:
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("reference closed")
	}
	if len(s.all) < s.max {
		h, err := s.openHandle()
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.all = append(s.all, h)
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	return <-s.pool, nil
}

func (s *bgzfSource) release(h *bgzfHandle) {
	s.pool <- h
}

func (s *bgzfSource) readAt(p []byte, off int64) error {
	h, err := s.acquire()
	if err != nil {
		return err
	}
	defer s.release(h)

	if err := s.seek(h, off); err != nil {
		return err
	}
	if _, err := io.ReadFull(h.r, p); err != nil {
		return fmt.Errorf("read bgzf: %w", err)
	}
	return nil
}

// seek positions h at the uncompressed offset off.
func (s *bgzfSource) seek(h *bgzfHandle, off int64) error {
	// The .gzi need not list every block, so a virtual offset built from the
	// entry could point past the end of the block it names. Start at the
	// entry's block and read forward instead.
	e := s.gzi.locate(off)
	delta := off - e.uncompressed
	if err := h.r.Seek(bgzf.Offset{File: e.compressed}); err != nil {
		return err
	}
	if _, err := io.CopyN(io.Discard, h.r, delta); err != nil {
		return fmt.Errorf("skip to offset %d: %w", off, err)
	}
	return nil
}

// size returns the uncompressed length by decompressing only the tail that
// follows the last indexed block.
func (s *bgzfSource) size() (int64, error) {
	h, err := s.acquire()
	if err != nil {
		return 0, err
	}
	defer s.release(h)

	last := s.gzi.last()
	if err := h.r.Seek(bgzf.Offset{File: last.compressed}); err != nil {
		return 0, err
	}
	n, err := io.Copy(io.Discard, h.r)
	if err != nil {
		return 0, fmt.Errorf("scan bgzf tail: %w", err)
	}
	return last.uncompressed + n, nil
}

func (s *bgzfSource) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, h := range s.all {
		if err := h.r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := h.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
