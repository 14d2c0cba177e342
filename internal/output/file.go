package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/biogo/hts/bgzf"
	"github.com/biogo/hts/csi"

	"github.com/inodb/clinvar2vcf/internal/reference"
)

// ErrExists is returned by Create when the destination exists and overwriting
// was not requested.
var ErrExists = errors.New("output file already exists")

// IndexSuffix is appended to the output path to name its coordinate index.
const IndexSuffix = ".csi"

// File is an output file that only appears at its final path on Commit.
// Until then data goes to a temporary file in the same directory.
type File struct {
	path string
	tmp  *os.File
	buf  *bufio.Writer
	bgz  *bgzf.Writer
	cw   *countingWriter
	w    io.Writer
	done bool

	blockStart int64 // compressed offset of the bgzf block being filled
	idx        *csi.Index
	names      []string
	ids        map[string]int
}

// Create opens an atomic output for path. Paths ending in .gz are written
// bgzip-compressed.
func Create(path string, force bool) (*File, error) {
	return create(path, force, IsCompressed(path))
}

func create(path string, force, compress bool) (*File, error) {
	if fi, err := os.Stat(path); err == nil {
		if fi.IsDir() {
			return nil, fmt.Errorf("output %s is a directory", path)
		}
		if !force {
			return nil, fmt.Errorf("%w: %s (use --force to overwrite)", ErrExists, path)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat output: %w", err)
	}

	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}

	f := &File{path: path, tmp: tmp, buf: bufio.NewWriterSize(tmp, 1<<16)}
	f.w = f.buf
	if compress {
		f.cw = &countingWriter{w: f.buf}
		f.bgz = bgzf.NewWriter(f.cw, 1)
		f.w = f.bgz
	}
	return f, nil
}

// IsCompressed reports whether path names a bgzip-compressed output.
func IsCompressed(path string) bool {
	return strings.HasSuffix(path, ".gz")
}

// Path returns the final destination path.
func (f *File) Path() string {
	return f.path
}

// IndexPath returns the path of the index written on Commit, or "" when
// indexing is not enabled.
func (f *File) IndexPath() string {
	if f.idx == nil {
		return ""
	}
	return f.path + IndexSuffix
}

// EnableIndex makes Commit write a CSI index next to the output, in the layout
// bcftools and tabix read for VCF. Records must then be written through
// WriteRecord in coordinate order.
func (f *File) EnableIndex(contigs []reference.Contig) error {
	if f.bgz == nil {
		return fmt.Errorf("index %s: output is not bgzip-compressed", f.path)
	}
	var longest int64
	for _, c := range contigs {
		longest = max(longest, c.Length)
	}
	depth, ok := csi.MinimumDepthFor(longest, csi.DefaultShift)
	if !ok {
		return fmt.Errorf("index %s: contig length %d cannot be indexed", f.path, longest)
	}
	f.idx = csi.New(csi.DefaultShift, max(int(depth), csi.DefaultDepth))
	f.ids = make(map[string]int)
	return nil
}

// Write implements io.Writer.
func (f *File) Write(p []byte) (int, error) {
	if f.bgz == nil {
		return f.w.Write(p)
	}
	if _, err := f.writeBlock(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteRecord writes one complete VCF line covering the zero-based half-open
// interval [beg, end) of chrom and adds it to the index when one is enabled.
func (f *File) WriteRecord(line []byte, chrom string, beg, end int64) error {
	if f.idx == nil {
		_, err := f.Write(line)
		return err
	}
	c, err := f.writeBlock(line)
	if err != nil {
		return err
	}
	rid, ok := f.ids[chrom]
	if !ok {
		rid = len(f.names)
		f.ids[chrom] = rid
		f.names = append(f.names, chrom)
	}
	if err := f.idx.Add(indexRecord{rid: rid, beg: int(beg), end: int(end)}, c, true, true); err != nil {
		return fmt.Errorf("index %s:%d: %w", chrom, beg+1, err)
	}
	return nil
}

// writeBlock writes p to the bgzf stream and returns the virtual offsets
// it spans. Blocks are cut here rather than inside bgzf.Writer so that the
// compressed offset of the current block is always known.
func (f *File) writeBlock(p []byte) (bgzf.Chunk, error) {
	next, err := f.bgz.Next()
	if err != nil {
		return bgzf.Chunk{}, err
	}
	if next > 0 && next+len(p) >= bgzf.BlockSize {
		if err := f.flushBlock(); err != nil {
			return bgzf.Chunk{}, err
		}
		next = 0
	}
	c := bgzf.Chunk{Begin: bgzf.Offset{File: f.blockStart, Block: uint16(next)}}
	if _, err := f.bgz.Write(p); err != nil {
		return bgzf.Chunk{}, err
	}
	if next+len(p) >= bgzf.BlockSize {
		// p filled at least one block; finish the tail so the end offset
		// lands on a block boundary.
		if err := f.flushBlock(); err != nil {
			return bgzf.Chunk{}, err
		}
		c.End = bgzf.Offset{File: f.blockStart}
	} else {
		c.End = bgzf.Offset{File: f.blockStart, Block: uint16(next + len(p))}
	}
	return c, nil
}

func (f *File) flushBlock() error {
	if err := f.bgz.Flush(); err != nil {
		return err
	}
	if err := f.bgz.Wait(); err != nil {
		return err
	}
	f.blockStart = f.cw.n
	return nil
}

// Commit flushes all data and moves the file to its final path. With indexing
// enabled the index is committed first.
func (f *File) Commit() error {
	if f.done {
		return errors.New("output already finished")
	}
	f.done = true

	if err := f.finish(); err != nil {
		os.Remove(f.tmp.Name())
		return err
	}
	if f.idx != nil {
		if err := f.writeIndex(); err != nil {
			os.Remove(f.tmp.Name())
			return err
		}
	}
	if err := os.Rename(f.tmp.Name(), f.path); err != nil {
		os.Remove(f.tmp.Name())
		if f.idx != nil {
			os.Remove(f.IndexPath())
		}
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}

// writeIndex stores the CSI with the tabix VCF configuration as its auxiliary
// data: format, sequence/begin/end columns, meta character, skipped lines and
// the NUL-terminated contig names.
func (f *File) writeIndex() error {
	var names []byte
	for _, n := range f.names {
		names = append(names, n...)
		names = append(names, 0)
	}
	aux := binary.LittleEndian.AppendUint32(nil, tabixFormatVCF)
	for _, v := range []int32{1, 2, 0, '#', 0, int32(len(names))} {
		aux = binary.LittleEndian.AppendUint32(aux, uint32(v))
	}
	f.idx.Auxilliary = append(aux, names...)

	out, err := create(f.IndexPath(), true, true)
	if err != nil {
		return err
	}
	if err := csi.WriteTo(out, f.idx); err != nil {
		out.Abort()
		return fmt.Errorf("write index: %w", err)
	}
	return out.Commit()
}

func (f *File) finish() error {
	if f.bgz != nil {
		if err := f.bgz.Close(); err != nil {
			f.tmp.Close()
			return fmt.Errorf("close bgzf stream: %w", err)
		}
	}
	if err := f.buf.Flush(); err != nil {
		f.tmp.Close()
		return fmt.Errorf("flush output: %w", err)
	}
	if err := f.tmp.Sync(); err != nil {
		f.tmp.Close()
		return fmt.Errorf("sync output: %w", err)
	}
	return f.tmp.Close()
}

// tabixFormatVCF is the tabix preset code for VCF.
const tabixFormatVCF = 2

type indexRecord struct {
	rid, beg, end int
}

func (r indexRecord) RefID() int { return r.rid }
func (r indexRecord) Start() int { return r.beg }
func (r indexRecord) End() int   { return r.end }

// countingWriter counts the compressed bytes bgzf.Writer emits.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Abort discards the output. It is a no-op after Commit.
func (f *File) Abort() error {
	if f.done {
		return nil
	}
	f.done = true
	if f.bgz != nil {
		f.bgz.Close()
	}
	f.tmp.Close()
	if err := os.Remove(f.tmp.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
