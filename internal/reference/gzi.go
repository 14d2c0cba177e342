package reference

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// maxPrealloc bounds the entries allocated up front from the header count.
const maxPrealloc = 1 << 16

// gziEntry maps the start of a bgzf block in the compressed file to its
// offset in the uncompressed stream.
type gziEntry struct {
	compressed   int64
	uncompressed int64
}

// gziIndex is a bgzip .gzi index. The implicit first block at (0, 0) is
// always present at position 0.
type gziIndex []gziEntry

func readGZIFile(path string) (gziIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readGZI(bufio.NewReader(f))
}

// readGZI parses the .gzi layout written by bgzip -i: a little-endian uint64
// entry count followed by that many (compressed, uncompressed) uint64 pairs.
func readGZI(r io.Reader) (gziIndex, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("read gzi entry count: %w", err)
	}
	// The count is not trusted until its entries have been read.
	idx := make(gziIndex, 1, min(n, maxPrealloc)+1)
	var pair [2]uint64
	for i := uint64(0); i < n; i++ {
		if err := binary.Read(r, binary.LittleEndian, &pair); err != nil {
			return nil, fmt.Errorf("read gzi entry %d: %w", i, err)
		}
		e := gziEntry{compressed: int64(pair[0]), uncompressed: int64(pair[1])}
		prev := idx[len(idx)-1]
		if e.compressed <= prev.compressed || e.uncompressed < prev.uncompressed {
			return nil, errors.New("gzi entries are not increasing")
		}
		idx = append(idx, e)
	}

	var extra [1]byte
	if _, err := r.Read(extra[:]); err != io.EOF {
		return nil, errors.New("trailing bytes after gzi entries")
	}
	return idx, nil
}

// locate returns the last indexed block starting at or before the
// uncompressed offset off.
func (g gziIndex) locate(off int64) gziEntry {
	i := sort.Search(len(g), func(i int) bool { return g[i].uncompressed > off })
	if i == 0 {
		return g[0]
	}
	return g[i-1]
}

func (g gziIndex) last() gziEntry {
	return g[len(g)-1]
}
