// Package sorter orders variants by reference contig, position and arrival,
// spilling sorted runs to disk when the input outgrows memory.
package sorter

import (
	"bufio"
	"container/heap"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/inodb/clinvar2vcf/internal/reference"
	"github.com/inodb/clinvar2vcf/internal/vcf"
)

// DefaultChunkSize is the number of variants held in memory before a run is
// written to disk.
const DefaultChunkSize = 200_000

// ErrDrained is returned by Add after Drain has been called.
var ErrDrained = errors.New("sorter already drained")

// unknownRank places contigs missing from the reference after all known ones.
const unknownRank = math.MaxInt

// Options configures a Sorter.
type Options struct {
	ChunkSize int
	TempDir   string // parent of the spill directory; "" uses os.TempDir
}

// entry is the unit stored in runs. Seq is the arrival number and breaks
// ties between variants at the same position.
type entry struct {
	Seq     uint64       `msgpack:"s"`
	Variant *vcf.Variant `msgpack:"v"`
	rank    int
}

// Sorter is an external merge sort over variants. Variants are ordered by the
// declaration order of their contig in the reference, then by position, then
// by arrival. Contigs the reference does not declare come last, by name.
// A Sorter is not safe for concurrent use.
type Sorter struct {
	opts    Options
	ranks   map[string]int
	buf     []entry
	seq     uint64
	dir     string
	runs    []string
	drained bool
	logger  *zap.Logger
}

// New creates a sorter ordering contigs as listed.
func New(contigs []reference.Contig, opts Options) *Sorter {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	ranks := make(map[string]int, len(contigs))
	for _, c := range contigs {
		ranks[c.Name] = c.Rank
	}
	return &Sorter{
		opts:   opts,
		ranks:  ranks,
		buf:    make([]entry, 0, min(opts.ChunkSize, 4096)),
		logger: zap.NewNop(),
	}
}

// SetLogger sets the logger for spill messages.
func (s *Sorter) SetLogger(l *zap.Logger) {
	s.logger = l
}

// Add buffers v, spilling a sorted run when the buffer is full.
func (s *Sorter) Add(v *vcf.Variant) error {
	if s.drained {
		return ErrDrained
	}
	s.buf = append(s.buf, entry{Seq: s.seq, Variant: v, rank: s.rank(v.Chrom)})
	s.seq++
	if len(s.buf) >= s.opts.ChunkSize {
		return s.spill()
	}
	return nil
}

// Len returns the number of variants added.
func (s *Sorter) Len() int {
	return int(s.seq)
}

// Runs returns the number of runs spilled to disk so far.
func (s *Sorter) Runs() int {
	return len(s.runs)
}

func (s *Sorter) rank(chrom string) int {
	if r, ok := s.ranks[chrom]; ok {
		return r
	}
	return unknownRank
}

func less(a, b *entry) bool {
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	if a.rank == unknownRank && a.Variant.Chrom != b.Variant.Chrom {
		return a.Variant.Chrom < b.Variant.Chrom
	}
	if a.Variant.Pos != b.Variant.Pos {
		return a.Variant.Pos < b.Variant.Pos
	}
	return a.Seq < b.Seq
}

func (s *Sorter) sortBuf() {
	sort.Slice(s.buf, func(i, j int) bool { return less(&s.buf[i], &s.buf[j]) })
}

// spill writes the buffer as a zstd-compressed msgpack run.
func (s *Sorter) spill() error {
	if len(s.buf) == 0 {
		return nil
	}
	if s.dir == "" {
		dir, err := os.MkdirTemp(s.opts.TempDir, "clinvar2vcf-sort-")
		if err != nil {
			return fmt.Errorf("create spill directory: %w", err)
		}
		s.dir = dir
	}
	s.sortBuf()

	path := filepath.Join(s.dir, fmt.Sprintf("run-%05d.msgpack.zst", len(s.runs)))
	if err := writeRun(path, s.buf); err != nil {
		return fmt.Errorf("write run %s: %w", path, err)
	}
	s.logger.Debug("spilled sorted run",
		zap.String("path", path),
		zap.Int("variants", len(s.buf)))

	s.runs = append(s.runs, path)
	clear(s.buf)
	s.buf = s.buf[:0]
	return nil
}

func writeRun(path string, entries []entry) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(f)
	zw, err := zstd.NewWriter(bw, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return err
	}
	enc := msgpack.NewEncoder(zw)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

// Drain calls fn for every variant in sorted order. It may be called once;
// an error from fn stops the merge and is returned.
func (s *Sorter) Drain(fn func(*vcf.Variant) error) error {
	if s.drained {
		return ErrDrained
	}
	s.drained = true

	if len(s.runs) == 0 {
		s.sortBuf()
		for i := range s.buf {
			if err := fn(s.buf[i].Variant); err != nil {
				return err
			}
		}
		s.buf = nil
		return nil
	}

	if err := s.spill(); err != nil {
		return err
	}
	s.buf = nil

	h := &mergeHeap{}
	defer h.close()
	for _, path := range s.runs {
		r, err := openRun(path, s)
		if err != nil {
			return fmt.Errorf("open run %s: %w", path, err)
		}
		h.all = append(h.all, r)
		ok, err := r.next()
		if err != nil {
			return err
		}
		if ok {
			h.items = append(h.items, r)
		}
	}
	heap.Init(h)

	for h.Len() > 0 {
		r := h.items[0]
		if err := fn(r.cur.Variant); err != nil {
			return err
		}
		ok, err := r.next()
		if err != nil {
			return err
		}
		if ok {
			heap.Fix(h, 0)
		} else {
			heap.Pop(h)
		}
	}
	return nil
}

// Close removes all spill files.
func (s *Sorter) Close() error {
	s.buf = nil
	if s.dir == "" {
		return nil
	}
	var result *multierror.Error
	for _, path := range s.runs {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	}
	if err := os.RemoveAll(s.dir); err != nil {
		result = multierror.Append(result, err)
	}
	s.dir = ""
	s.runs = nil
	return result.ErrorOrNil()
}

// runReader streams one spilled run.
type runReader struct {
	path string
	f    *os.File
	zr   *zstd.Decoder
	dec  *msgpack.Decoder
	s    *Sorter
	cur  entry
}

func openRun(path string, s *Sorter) (*runReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	zr, err := zstd.NewReader(bufio.NewReader(f), zstd.WithDecoderConcurrency(1))
	if err != nil {
		f.Close()
		return nil, err
	}
	return &runReader{path: path, f: f, zr: zr, dec: msgpack.NewDecoder(zr), s: s}, nil
}

func (r *runReader) next() (bool, error) {
	var e entry
	if err := r.dec.Decode(&e); err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, fmt.Errorf("read run %s: %w", r.path, err)
	}
	e.rank = r.s.rank(e.Variant.Chrom)
	r.cur = e
	return true, nil
}

func (r *runReader) close() error {
	r.zr.Close()
	return r.f.Close()
}

// mergeHeap is a min-heap of run readers keyed by their current entry.
type mergeHeap struct {
	items []*runReader
	all   []*runReader
}

func (h *mergeHeap) Len() int           { return len(h.items) }
func (h *mergeHeap) Less(i, j int) bool { return less(&h.items[i].cur, &h.items[j].cur) }
func (h *mergeHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergeHeap) Push(x any) {
	h.items = append(h.items, x.(*runReader))
}

func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

func (h *mergeHeap) close() {
	for _, r := range h.all {
		r.close()
	}
}

// Passthrough forwards variants in arrival order as they are added. It is
// used for diagnostic output, where no ordering is promised.
type Passthrough struct {
	emit  func(*vcf.Variant) error
	count int
}

// NewPassthrough creates an orderer that hands every variant to emit.
func NewPassthrough(emit func(*vcf.Variant) error) *Passthrough {
	return &Passthrough{emit: emit}
}

// Add forwards v immediately.
func (p *Passthrough) Add(v *vcf.Variant) error {
	p.count++
	return p.emit(v)
}

// Drain is a no-op: every variant was forwarded by Add.
func (p *Passthrough) Drain(func(*vcf.Variant) error) error {
	return nil
}

// Len returns the number of variants forwarded.
func (p *Passthrough) Len() int {
	return p.count
}

// Close is a no-op.
func (p *Passthrough) Close() error {
	return nil
}
