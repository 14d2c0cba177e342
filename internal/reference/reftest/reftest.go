// Package reftest builds small indexed references for tests.
package reftest

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/inodb/clinvar2vcf/internal/reference"
)

// Seq is one named sequence.
type Seq struct {
	Name  string
	Bases string
}

// fasta renders seqs wrapped at width bases per line and returns the text
// together with the matching .fai content.
func fasta(width int, seqs []Seq) ([]byte, string) {
	var buf bytes.Buffer
	var fai strings.Builder
	for _, s := range seqs {
		fmt.Fprintf(&buf, ">%s test sequence\n", s.Name)
		start := buf.Len()
		for i := 0; i < len(s.Bases); i += width {
			end := min(i+width, len(s.Bases))
			buf.WriteString(s.Bases[i:end])
			buf.WriteByte('\n')
		}
		fmt.Fprintf(&fai, "%s\t%d\t%d\t%d\t%d\n", s.Name, len(s.Bases), start, width, width+1)
	}
	return buf.Bytes(), fai.String()
}

// WriteFASTA writes dir/name and dir/name.fai and returns the FASTA path.
func WriteFASTA(t testing.TB, dir, name string, width int, seqs ...Seq) string {
	t.Helper()
	data, fai := fasta(width, seqs)
	path := filepath.Join(dir, name)
	write(t, path, data)
	write(t, path+".fai", []byte(fai))
	return path
}

// WriteBGZF writes a bgzip-compressed FASTA split into blocks of blockSize
// uncompressed bytes, plus its .fai and .gzi, and returns the FASTA path.
func WriteBGZF(t testing.TB, dir, name string, width, blockSize int, seqs ...Seq) string {
	t.Helper()
	data, fai := fasta(width, seqs)

	var out bytes.Buffer
	var gzi []uint64
	for off := 0; off < len(data); off += blockSize {
		if off > 0 {
			gzi = append(gzi, uint64(out.Len()), uint64(off))
		}
		out.Write(block(t, data[off:min(off+blockSize, len(data))]))
	}
	out.Write(block(t, nil))

	var idx bytes.Buffer
	if err := binary.Write(&idx, binary.LittleEndian, uint64(len(gzi)/2)); err != nil {
		t.Fatal(err)
	}
	if err := binary.Write(&idx, binary.LittleEndian, gzi); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, name)
	write(t, path, out.Bytes())
	write(t, path+".fai", []byte(fai))
	write(t, path+".gzi", idx.Bytes())
	return path
}

// block encodes p as a single BGZF block: a gzip member whose extra field
// carries the BC subfield with the total block size minus one.
func block(t testing.TB, p []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		t.Fatal(err)
	}
	zw.Header.Extra = []byte{'B', 'C', 2, 0, 0, 0}
	zw.Header.OS = 255
	if _, err := zw.Write(p); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()
	// ID1 ID2 CM FLG MTIME(4) XFL OS XLEN(2) SI1 SI2 SLEN(2) BSIZE(2)
	binary.LittleEndian.PutUint16(b[16:18], uint16(len(b)-1))
	return b
}

func write(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// Memory is an in-memory reference.Sequence.
type Memory struct {
	seqs    map[string]string
	contigs map[string]reference.Contig
	order   []reference.Contig
	fetches atomic.Int64
}

// NewMemory returns a reference holding seqs in the given order.
func NewMemory(seqs ...Seq) *Memory {
	m := &Memory{
		seqs:    make(map[string]string, len(seqs)),
		contigs: make(map[string]reference.Contig, len(seqs)),
	}
	for i, s := range seqs {
		m.seqs[s.Name] = strings.ToUpper(s.Bases)
		c := reference.Contig{Name: s.Name, Length: int64(len(s.Bases)), Rank: i}
		m.contigs[s.Name] = c
		m.order = append(m.order, c)
	}
	return m
}

// Contigs returns the contigs in declaration order.
func (m *Memory) Contigs() []reference.Contig {
	return m.order
}

func (m *Memory) Contig(name string) (reference.Contig, bool) {
	c, ok := m.contigs[name]
	return c, ok
}

func (m *Memory) Resolve(names ...string) (string, bool) {
	for _, name := range names {
		if name == "" {
			continue
		}
		for _, alias := range reference.Aliases(name) {
			if _, ok := m.seqs[alias]; ok {
				return alias, true
			}
		}
	}
	return "", false
}

func (m *Memory) Fetch(contig string, start, end int64) (string, error) {
	m.fetches.Add(1)
	s, ok := m.seqs[contig]
	if !ok {
		return "", fmt.Errorf("%w: %s", reference.ErrUnknownContig, contig)
	}
	if start < 1 || end < start || end > int64(len(s)) {
		return "", fmt.Errorf("%w: %s:%d-%d", reference.ErrOutOfRange, contig, start, end)
	}
	return s[start-1 : end], nil
}

// Fetches returns the number of Fetch calls made so far.
func (m *Memory) Fetches() int64 {
	return m.fetches.Load()
}
