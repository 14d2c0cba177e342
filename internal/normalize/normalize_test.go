package normalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inodb/clinvar2vcf/internal/failure"
	"github.com/inodb/clinvar2vcf/internal/reference/reftest"
	"github.com/inodb/clinvar2vcf/internal/vcf"
)

// chr1 has C at 100 followed by ATG at 101-103.
var chr1 = strings.Repeat("T", 99) + "CATGAGGTTA" + strings.Repeat("G", 40)

// chr2 has a CA repeat at 11-16 between G at 10 and T at 17, and a run of
// A at 1-4.
const chr2 = "AAAATTTTTGCACACATTTTT"

func newRef() *reftest.Memory {
	return reftest.NewMemory(
		reftest.Seq{Name: "chr1", Bases: chr1},
		reftest.Seq{Name: "chr2", Bases: chr2},
	)
}

func variant(chrom string, pos int64, ref, alt string) *vcf.Variant {
	return &vcf.Variant{
		Chrom: chrom, Pos: pos, ID: "1", Ref: ref, Alt: alt,
		Info:      vcf.Info{{Key: "ALLELEID", Value: "7"}},
		Accession: "VCV1",
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		in      *vcf.Variant
		wantPos int64
		wantRef string
		wantAlt string
	}{
		{"canonical deletion", variant("chr1", 100, "CATG", "C"), 100, "CATG", "C"},
		{"right anchored deletion", variant("chr1", 101, "ATGA", "A"), 100, "CATG", "C"},
		{"snv", variant("chr1", 101, "A", "G"), 101, "A", "G"},
		{"mnv shared prefix and suffix", variant("chr1", 100, "CATG", "CCTG"), 101, "A", "C"},
		{"deletion in repeat", variant("chr2", 14, "ACA", "A"), 10, "GCA", "G"},
		{"insertion in repeat", variant("chr2", 16, "A", "ACA"), 10, "G", "GCA"},
		{"deletion shifted to contig start", variant("chr2", 3, "AA", "A"), 1, "AA", "A"},
		{"insertion at contig start", variant("chr2", 1, "A", "AA"), 1, "A", "AA"},
		{"complex keeps anchor", variant("chr2", 10, "GCA", "GT"), 11, "CA", "T"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New(newRef()).Normalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPos, got.Pos)
			assert.Equal(t, tt.wantRef, got.Ref)
			assert.Equal(t, tt.wantAlt, got.Alt)
			assert.Equal(t, tt.in.Info, got.Info)
			assert.Equal(t, tt.in.ID, got.ID)
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	n := New(newRef())
	inputs := []*vcf.Variant{
		variant("chr1", 101, "ATGA", "A"),
		variant("chr2", 14, "ACA", "A"),
		variant("chr2", 16, "A", "ACA"),
		variant("chr2", 3, "AA", "A"),
		variant("chr1", 100, "CATG", "CCTG"),
	}
	for _, in := range inputs {
		once, err := n.Normalize(in)
		require.NoError(t, err)
		twice, err := n.Normalize(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice)
	}
}

func TestNormalize_DoesNotModifyInput(t *testing.T) {
	in := variant("chr2", 14, "ACA", "A")
	_, err := New(newRef()).Normalize(in)
	require.NoError(t, err)
	assert.Equal(t, variant("chr2", 14, "ACA", "A"), in)
}

func TestNormalize_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   *vcf.Variant
		want error
	}{
		{"ref mismatch", variant("chr1", 100, "GATG", "G"), failure.ErrReferenceMismatch},
		{"unknown contig", variant("chr9", 1, "A", "G"), failure.ErrReferenceMismatch},
		{"past contig end", variant("chr2", 21, "TA", "T"), failure.ErrReferenceMismatch},
		{"empty allele", variant("chr2", 5, "T", ""), failure.ErrNormalizationUnstable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(newRef()).Normalize(tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNormalize_IterationBound(t *testing.T) {
	n := New(newRef())
	n.SetMaxIterations(2)
	_, err := n.Normalize(variant("chr2", 14, "ACA", "A"))
	assert.ErrorIs(t, err, failure.ErrNormalizationUnstable)
	assert.Equal(t, failure.KindNormalizationUnstable, failure.KindOf(err))
}

func TestNormalize_FetchesWindows(t *testing.T) {
	ref := newRef()
	_, err := New(ref).Normalize(variant("chr2", 14, "ACA", "A"))
	require.NoError(t, err)
	// One lookup to check REF, one window for all four left shifts.
	assert.Equal(t, int64(2), ref.Fetches())

	ref = newRef()
	n := New(ref)
	n.SetWindow(1)
	_, err = n.Normalize(variant("chr2", 14, "ACA", "A"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), ref.Fetches())
}

func TestPassthrough(t *testing.T) {
	in := variant("chr2", 14, "ACA", "A")
	got, err := Passthrough{}.Normalize(in)
	require.NoError(t, err)
	assert.Equal(t, in, got)
	assert.NotSame(t, in, got)

	_, err = Passthrough{}.Normalize(variant("chr2", 14, "", "A"))
	assert.ErrorIs(t, err, failure.ErrNormalizationUnstable)
}
