// Package reference provides random access to an indexed reference genome.
//
// Two layouts are supported, both described by a samtools .fai index:
//
//	ref.fa     + ref.fa.fai                 (plain FASTA)
//	ref.fa.gz  + ref.fa.gz.fai + ref.fa.gz.gzi (bgzip-compressed FASTA)
//
// The index is read-only once opened and is safe for concurrent Fetch calls.
package reference

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/biogo/hts/fai"

	"github.com/inodb/clinvar2vcf/internal/failure"
)

// Lookup errors returned by Fetch.
var (
	ErrUnknownContig = errors.New("unknown contig")
	ErrOutOfRange    = errors.New("position out of range")
)

// Contig describes one reference sequence.
type Contig struct {
	Name   string
	Length int64
	Rank   int // declaration order in the index, starting at 0
}

// Sequence is the read-only view of a reference used by the resolve and
// normalize stages.
type Sequence interface {
	Contig(name string) (Contig, bool)
	Resolve(names ...string) (string, bool)
	Fetch(contig string, start, end int64) (string, error)
}

type contigEntry struct {
	Contig
	rec fai.Record
}

// offset returns the byte offset of the 0-based position p within the
// uncompressed FASTA stream.
func (c *contigEntry) offset(p int64) int64 {
	bases := int64(c.rec.BasesPerLine)
	bytes := int64(c.rec.BytesPerLine)
	return c.rec.Start + p/bases*bytes + p%bases
}

// end returns the uncompressed byte offset just past the last base of the contig.
func (c *contigEntry) end() int64 {
	if c.Length == 0 {
		return c.rec.Start
	}
	return c.offset(c.Length-1) + 1
}

// Index answers range queries against an indexed reference file.
type Index struct {
	path    string
	src     source
	contigs map[string]*contigEntry
	order   []Contig
}

// Open opens the reference at path together with its companion index files.
// Only index metadata is loaded; sequence bytes are read on demand.
func Open(path string) (*Index, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, unavailable(path, err)
	}

	faiPath := path + ".fai"
	idx, err := readFAI(faiPath)
	if err != nil {
		return nil, unavailable(faiPath, err)
	}

	var src source
	if strings.HasSuffix(path, ".gz") || strings.HasSuffix(path, ".bgz") {
		gziPath := path + ".gzi"
		gzi, err := readGZIFile(gziPath)
		if err != nil {
			return nil, unavailable(gziPath, err)
		}
		src, err = newBGZFSource(path, gzi, defaultHandles)
		if err != nil {
			return nil, unavailable(path, err)
		}
	} else {
		src, err = newPlainSource(path)
		if err != nil {
			return nil, unavailable(path, err)
		}
	}

	ix, err := newIndex(path, idx, src)
	if err != nil {
		src.close()
		return nil, err
	}
	return ix, nil
}

func newIndex(path string, idx fai.Index, src source) (*Index, error) {
	records := make([]fai.Record, 0, len(idx))
	for _, rec := range idx {
		records = append(records, rec)
	}
	// The fai map loses file order; sequence offsets restore it.
	sort.Slice(records, func(i, j int) bool { return records[i].Start < records[j].Start })

	size, err := src.size()
	if err != nil {
		return nil, unavailable(path, fmt.Errorf("determine sequence size: %w", err))
	}

	ix := &Index{
		path:    path,
		src:     src,
		contigs: make(map[string]*contigEntry, len(records)),
		order:   make([]Contig, 0, len(records)),
	}
	for i, rec := range records {
		if rec.Length < 0 || rec.BasesPerLine <= 0 || rec.BytesPerLine < rec.BasesPerLine {
			return nil, unavailable(path+".fai", fmt.Errorf("invalid line layout for contig %s", rec.Name))
		}
		e := &contigEntry{
			Contig: Contig{Name: rec.Name, Length: int64(rec.Length), Rank: i},
			rec:    rec,
		}
		if e.end() > size {
			return nil, unavailable(path, fmt.Errorf("contig %s ends at byte %d but sequence has %d bytes", rec.Name, e.end(), size))
		}
		ix.contigs[rec.Name] = e
		ix.order = append(ix.order, e.Contig)
	}
	return ix, nil
}

func readFAI(path string) (fai.Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	idx, err := fai.ReadFrom(f)
	if err != nil {
		return nil, fmt.Errorf("parse fai: %w", err)
	}
	if len(idx) == 0 {
		return nil, errors.New("fai index has no contigs")
	}
	return idx, nil
}

func unavailable(path string, err error) error {
	return fmt.Errorf("%w: %s: %v", failure.ErrReferenceUnavailable, path, err)
}

// Path returns the sequence file path.
func (ix *Index) Path() string {
	return ix.path
}

// Contigs returns all contigs in declaration order.
func (ix *Index) Contigs() []Contig {
	out := make([]Contig, len(ix.order))
	copy(out, ix.order)
	return out
}

// Contig returns the contig with the exact given name.
func (ix *Index) Contig(name string) (Contig, bool) {
	e, ok := ix.contigs[name]
	if !ok {
		return Contig{}, false
	}
	return e.Contig, true
}

// Resolve returns the first candidate name, or a common alias of it, that is
// declared in the index. "1", "chr1" and "MT"/"chrM" spellings are tried.
func (ix *Index) Resolve(names ...string) (string, bool) {
	for _, name := range names {
		if name == "" {
			continue
		}
		for _, alias := range Aliases(name) {
			if _, ok := ix.contigs[alias]; ok {
				return alias, true
			}
		}
	}
	return "", false
}

// Aliases returns name followed by the spellings other tools use for the
// same contig.
func Aliases(name string) []string {
	bare := strings.TrimPrefix(name, "chr")
	out := []string{name, bare, "chr" + bare}
	switch bare {
	case "MT":
		out = append(out, "M", "chrM")
	case "M":
		out = append(out, "MT", "chrMT")
	}
	return out
}

// Fetch returns the bases of contig in the 1-based inclusive range [start, end],
// upper-cased. Requests past the contig end fail with ErrOutOfRange.
func (ix *Index) Fetch(contig string, start, end int64) (string, error) {
	e, ok := ix.contigs[contig]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownContig, contig)
	}
	if start < 1 || end < start || end > e.Length {
		return "", fmt.Errorf("%w: %s:%d-%d (length %d)", ErrOutOfRange, contig, start, end, e.Length)
	}

	from := e.offset(start - 1)
	to := e.offset(end-1) + 1
	buf := make([]byte, to-from)
	if err := ix.src.readAt(buf, from); err != nil {
		return "", fmt.Errorf("read %s:%d-%d: %w", contig, start, end, err)
	}

	out := buf[:0]
	for _, b := range buf {
		switch {
		case b == '\n' || b == '\r':
			continue
		case b >= 'a' && b <= 'z':
			b -= 'a' - 'A'
		}
		out = append(out, b)
	}
	if int64(len(out)) != end-start+1 {
		return "", fmt.Errorf("read %s:%d-%d: got %d bases, index inconsistent with sequence", contig, start, end, len(out))
	}
	return string(out), nil
}

// FetchBase returns the single base at the 1-based position pos.
func (ix *Index) FetchBase(contig string, pos int64) (byte, error) {
	s, err := ix.Fetch(contig, pos, pos)
	if err != nil {
		return 0, err
	}
	return s[0], nil
}

// Close releases all file handles.
func (ix *Index) Close() error {
	return ix.src.close()
}

var _ Sequence = (*Index)(nil)
