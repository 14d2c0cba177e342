package reference_test

import (
	"encoding/binary"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inodb/clinvar2vcf/internal/failure"
	"github.com/inodb/clinvar2vcf/internal/reference"
	"github.com/inodb/clinvar2vcf/internal/reference/reftest"
)

var testSeqs = []reftest.Seq{
	{Name: "chr2", Bases: strings.Repeat("ACGTTGCA", 40)},
	{Name: "chr1", Bases: "NNNNNCATGCATGCATGacgtacgtacgtACGT"},
	{Name: "chrM", Bases: "GATCACAGGTCTATCACCC"},
}

func openBoth(t *testing.T) map[string]*reference.Index {
	t.Helper()
	dir := t.TempDir()
	plain := reftest.WriteFASTA(t, dir, "ref.fa", 7, testSeqs...)
	bgz := reftest.WriteBGZF(t, dir, "ref.fa.gz", 7, 50, testSeqs...)

	out := make(map[string]*reference.Index)
	for name, path := range map[string]string{"plain": plain, "bgzf": bgz} {
		ix, err := reference.Open(path)
		require.NoError(t, err, name)
		t.Cleanup(func() { ix.Close() })
		out[name] = ix
	}
	return out
}

func TestOpen_ContigOrder(t *testing.T) {
	for name, ix := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			contigs := ix.Contigs()
			require.Len(t, contigs, 3)
			assert.Equal(t, reference.Contig{Name: "chr2", Length: 320, Rank: 0}, contigs[0])
			assert.Equal(t, "chr1", contigs[1].Name)
			assert.Equal(t, 1, contigs[1].Rank)
			assert.Equal(t, "chrM", contigs[2].Name)

			c, ok := ix.Contig("chr1")
			require.True(t, ok)
			assert.Equal(t, int64(33), c.Length)
			_, ok = ix.Contig("1")
			assert.False(t, ok)
		})
	}
}

func TestIndex_Fetch(t *testing.T) {
	tests := []struct {
		contig     string
		start, end int64
		want       string
	}{
		{"chr1", 1, 5, "NNNNN"},
		{"chr1", 6, 9, "CATG"},
		{"chr1", 5, 12, "NCATGCAT"},      // crosses a line break
		{"chr1", 18, 29, "ACGTACGTACGT"}, // lower case is upper-cased
		{"chr1", 33, 33, "T"},
		{"chr2", 1, 320, strings.Repeat("ACGTTGCA", 40)}, // spans several blocks
		{"chr2", 49, 52, "ACGT"},
		{"chrM", 1, 4, "GATC"},
	}

	for name, ix := range openBoth(t) {
		for _, tt := range tests {
			t.Run(name+"/"+tt.contig, func(t *testing.T) {
				got, err := ix.Fetch(tt.contig, tt.start, tt.end)
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			})
		}
	}
}

func TestIndex_FetchErrors(t *testing.T) {
	for name, ix := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			_, err := ix.Fetch("chr3", 1, 1)
			assert.ErrorIs(t, err, reference.ErrUnknownContig)

			_, err = ix.Fetch("chr1", 30, 34)
			assert.ErrorIs(t, err, reference.ErrOutOfRange, "end past contig length must not truncate")

			_, err = ix.Fetch("chr1", 0, 3)
			assert.ErrorIs(t, err, reference.ErrOutOfRange)

			_, err = ix.Fetch("chr1", 5, 4)
			assert.ErrorIs(t, err, reference.ErrOutOfRange)
		})
	}
}

func TestIndex_FetchBase(t *testing.T) {
	for name, ix := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			b, err := ix.FetchBase("chrM", 3)
			require.NoError(t, err)
			assert.Equal(t, byte('T'), b)
		})
	}
}

func TestIndex_Resolve(t *testing.T) {
	ix := openBoth(t)["plain"]

	tests := []struct {
		names []string
		want  string
		ok    bool
	}{
		{[]string{"chr1"}, "chr1", true},
		{[]string{"1"}, "chr1", true},
		{[]string{"MT"}, "chrM", true},
		{[]string{"M"}, "chrM", true},
		{[]string{"NC_000001.11", "1"}, "chr1", true},
		{[]string{"", "2"}, "chr2", true},
		{[]string{"X"}, "", false},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.names, ","), func(t *testing.T) {
			got, ok := ix.Resolve(tt.names...)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIndex_ConcurrentFetch(t *testing.T) {
	for name, ix := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			seq := testSeqs[0].Bases
			var wg sync.WaitGroup
			errs := make(chan error, 64)
			for w := 0; w < 32; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < 50; i++ {
						start := int64((w*7+i*13)%300) + 1
						end := start + int64(i%20)
						got, err := ix.Fetch("chr2", start, end)
						if err != nil {
							errs <- err
							return
						}
						if got != seq[start-1:end] {
							errs <- errors.New("wrong bases for " + got)
							return
						}
					}
				}(w)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Error(err)
			}
		})
	}
}

func TestOpen_Unavailable(t *testing.T) {
	t.Run("missing sequence", func(t *testing.T) {
		_, err := reference.Open(t.TempDir() + "/nope.fa")
		assert.ErrorIs(t, err, failure.ErrReferenceUnavailable)
	})

	t.Run("missing fai", func(t *testing.T) {
		path := reftest.WriteFASTA(t, t.TempDir(), "ref.fa", 10, testSeqs...)
		require.NoError(t, os.Remove(path+".fai"))
		_, err := reference.Open(path)
		assert.ErrorIs(t, err, failure.ErrReferenceUnavailable)
		assert.Contains(t, err.Error(), "ref.fa.fai")
	})

	t.Run("missing gzi", func(t *testing.T) {
		path := reftest.WriteBGZF(t, t.TempDir(), "ref.fa.gz", 10, 64, testSeqs...)
		require.NoError(t, os.Remove(path+".gzi"))
		_, err := reference.Open(path)
		assert.ErrorIs(t, err, failure.ErrReferenceUnavailable)
		assert.Contains(t, err.Error(), "ref.fa.gz.gzi")
	})

	t.Run("fai longer than sequence", func(t *testing.T) {
		path := reftest.WriteFASTA(t, t.TempDir(), "ref.fa", 10, testSeqs...)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data[:len(data)-20], 0o644))
		_, err = reference.Open(path)
		assert.ErrorIs(t, err, failure.ErrReferenceUnavailable)
	})

	t.Run("malformed fai", func(t *testing.T) {
		path := reftest.WriteFASTA(t, t.TempDir(), "ref.fa", 10, testSeqs...)
		require.NoError(t, os.WriteFile(path+".fai", []byte("chr1\tnot-a-number\n"), 0o644))
		_, err := reference.Open(path)
		assert.ErrorIs(t, err, failure.ErrReferenceUnavailable)
	})
}

func TestIndex_FetchSparseGZI(t *testing.T) {
	seqs := []reftest.Seq{{Name: "chr1", Bases: strings.Repeat("ACGTTGCAAT", 100)}}
	want := seqs[0].Bases[299:305]

	// sparsen rewrites the .gzi next to path keeping every step-th entry.
	sparsen := func(t *testing.T, path string, step int) {
		data, err := os.ReadFile(path + ".gzi")
		require.NoError(t, err)
		n := binary.LittleEndian.Uint64(data)
		var kept []uint64
		for i := 0; i < int(n); i += step {
			p := data[8+16*i:]
			kept = append(kept, binary.LittleEndian.Uint64(p), binary.LittleEndian.Uint64(p[8:]))
		}
		out := binary.LittleEndian.AppendUint64(nil, uint64(len(kept)/2))
		for _, v := range kept {
			out = binary.LittleEndian.AppendUint64(out, v)
		}
		require.NoError(t, os.WriteFile(path+".gzi", out, 0o644))
	}

	tests := []struct {
		name string
		step int
	}{
		{"no entries", 0},
		{"every other block", 2},
		{"every third block", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := reftest.WriteBGZF(t, t.TempDir(), "ref.fa.gz", 1000, 100, seqs...)
			if tt.step == 0 {
				require.NoError(t, os.WriteFile(path+".gzi", make([]byte, 8), 0o644))
			} else {
				sparsen(t, path, tt.step)
			}

			ix, err := reference.Open(path)
			require.NoError(t, err)
			defer ix.Close()

			got, err := ix.Fetch("chr1", 300, 305)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			got, err = ix.Fetch("chr1", 1, 1000)
			require.NoError(t, err)
			assert.Equal(t, seqs[0].Bases, got)
		})
	}
}
