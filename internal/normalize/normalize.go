// Package normalize left-aligns and trims VCF alleles against a reference.
package normalize

import (
	"errors"
	"fmt"

	"github.com/inodb/clinvar2vcf/internal/failure"
	"github.com/inodb/clinvar2vcf/internal/reference"
	"github.com/inodb/clinvar2vcf/internal/vcf"
)

// DefaultWindow is the number of bases fetched at once while shifting left.
const DefaultWindow = 32

// Normalizer produces the canonical form of a variant: common suffix trimmed,
// shifted left while an allele would otherwise become empty, and common prefix
// trimmed down to a single anchor base. It is safe for concurrent use.
type Normalizer struct {
	ref           reference.Sequence
	window        int64
	maxIterations int
}

// New creates a normalizer reading flanking bases from ref.
func New(ref reference.Sequence) *Normalizer {
	return &Normalizer{ref: ref, window: DefaultWindow}
}

// SetWindow sets how many bases are fetched per reference lookup.
func (n *Normalizer) SetWindow(bases int) {
	if bases < 1 {
		bases = 1
	}
	n.window = int64(bases)
}

// SetMaxIterations caps the shift loop below its natural bound of contig
// length plus allele lengths. Zero keeps the natural bound.
func (n *Normalizer) SetMaxIterations(limit int) {
	n.maxIterations = limit
}

// Normalize returns the canonical form of v. v itself is not modified.
func (n *Normalizer) Normalize(v *vcf.Variant) (*vcf.Variant, error) {
	contig, ok := n.ref.Contig(v.Chrom)
	if !ok {
		return nil, failure.Errorf(failure.KindReferenceMismatch, "contig %s not in reference", v.Chrom)
	}
	if v.Ref == "" || v.Alt == "" {
		return nil, failure.Errorf(failure.KindNormalizationUnstable, "%s:%d has an empty allele", v.Chrom, v.Pos)
	}
	got, err := n.fetch(v.Chrom, v.Pos, v.End())
	if err != nil {
		return nil, err
	}
	if got != v.Ref {
		return nil, failure.Errorf(failure.KindReferenceMismatch, "%s:%d REF %s != reference %s", v.Chrom, v.Pos, v.Ref, got)
	}

	out := v.Clone()
	if v.Ref == v.Alt {
		return out, nil
	}

	bound := int(contig.Length) + len(v.Ref) + len(v.Alt) + 1
	if n.maxIterations > 0 && n.maxIterations < bound {
		bound = n.maxIterations
	}

	pos, ref, alt := v.Pos, v.Ref, v.Alt
	left := flank{n: n, contig: v.Chrom}
	for iter := 0; ; iter++ {
		if iter >= bound {
			return nil, failure.Errorf(failure.KindNormalizationUnstable,
				"%s:%d %s>%s did not converge after %d iterations", v.Chrom, v.Pos, v.Ref, v.Alt, iter)
		}

		changed := false
		if len(ref) > 0 && len(alt) > 0 && ref[len(ref)-1] == alt[len(alt)-1] {
			ref, alt = ref[:len(ref)-1], alt[:len(alt)-1]
			changed = true
		}
		if len(ref) == 0 || len(alt) == 0 {
			if pos == 1 {
				// No base to the left: anchor on the base after REF instead.
				next := pos + int64(len(ref))
				b, err := n.fetch(v.Chrom, next, next)
				if err != nil {
					return nil, err
				}
				ref, alt = ref+b, alt+b
				break
			}
			b, err := left.before(pos)
			if err != nil {
				return nil, err
			}
			ref, alt = string(b)+ref, string(b)+alt
			pos--
			changed = true
		}
		if !changed {
			break
		}
	}

	for len(ref) > 1 && len(alt) > 1 && ref[0] == alt[0] {
		ref, alt = ref[1:], alt[1:]
		pos++
	}

	out.Pos, out.Ref, out.Alt = pos, ref, alt
	return out, nil
}

// flank serves the bases left of a position from a window fetched in one go.
type flank struct {
	n      *Normalizer
	contig string
	start  int64 // 1-based position of bases[0]
	bases  string
}

// before returns the base at pos-1.
func (f *flank) before(pos int64) (byte, error) {
	p := pos - 1
	if f.bases == "" || p < f.start || p >= f.start+int64(len(f.bases)) {
		start := max(p-f.n.window+1, 1)
		s, err := f.n.fetch(f.contig, start, p)
		if err != nil {
			return 0, err
		}
		f.start, f.bases = start, s
	}
	return f.bases[p-f.start], nil
}

func (n *Normalizer) fetch(contig string, start, end int64) (string, error) {
	s, err := n.ref.Fetch(contig, start, end)
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, reference.ErrOutOfRange), errors.Is(err, reference.ErrUnknownContig):
		return "", failure.Errorf(failure.KindReferenceMismatch, "%v", err)
	default:
		return "", fmt.Errorf("%w: fetch %s:%d-%d: %v", failure.ErrReferenceUnavailable, contig, start, end, err)
	}
}

// Passthrough leaves variants as the resolver produced them. It is used for
// diagnostic output.
type Passthrough struct{}

// Normalize returns a copy of v.
func (Passthrough) Normalize(v *vcf.Variant) (*vcf.Variant, error) {
	if v.Ref == "" || v.Alt == "" {
		return nil, failure.Errorf(failure.KindNormalizationUnstable, "%s:%d has an empty allele", v.Chrom, v.Pos)
	}
	return v.Clone(), nil
}
