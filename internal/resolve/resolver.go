// Package resolve turns ClinVar records into VCF candidate variants on one
// target assembly, reconstructing alleles from the reference when the record
// gives only a variant class and a span.
package resolve

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/inodb/clinvar2vcf/internal/clinvar"
	"github.com/inodb/clinvar2vcf/internal/failure"
	"github.com/inodb/clinvar2vcf/internal/reference"
	"github.com/inodb/clinvar2vcf/internal/vcf"
)

// Supported target assemblies.
const (
	GRCh37 = "GRCh37"
	GRCh38 = "GRCh38"
)

// ValidAssembly reports whether name is a supported assembly.
func ValidAssembly(name string) bool {
	return name == GRCh37 || name == GRCh38
}

// Options configures a Resolver.
type Options struct {
	Assembly string
	// RequireConditions drops records without MedGen conditions.
	RequireConditions bool
}

// Resolver produces candidate variants for records. It is safe for
// concurrent use when the reference is.
type Resolver struct {
	ref    reference.Sequence
	opts   Options
	logger *zap.Logger
}

// New creates a resolver against ref.
func New(ref reference.Sequence, opts Options) *Resolver {
	return &Resolver{
		ref:    ref,
		opts:   opts,
		logger: zap.NewNop(),
	}
}

// SetLogger sets the logger for filtered-record messages.
func (r *Resolver) SetLogger(l *zap.Logger) {
	r.logger = l
}

// Resolve returns the candidate variants of rec. An empty result with a nil
// error means the record is filtered out and not an error: it is unclassified,
// has no allele, has no MedGen conditions when those are required, or
// describes no change.
func (r *Resolver) Resolve(rec *clinvar.Record) ([]*vcf.Variant, error) {
	if rec.Err != nil {
		return nil, rec.Err
	}
	if !rec.Classified {
		r.logger.Debug("ClassifiedRecord not found", zap.String("accession", rec.Accession))
		return nil, nil
	}
	if r.opts.RequireConditions && !rec.HasConditions() {
		r.logger.Debug("no ClassifiedCondition associated with MedGen", zap.String("accession", rec.Accession))
		return nil, nil
	}

	switch rec.Structure {
	case clinvar.StructureNone:
		r.logger.Debug("SimpleAllele not found", zap.String("accession", rec.Accession))
		return nil, nil
	case clinvar.StructureAllele:
		v, err := r.resolveAllele(rec, &rec.Alleles[0])
		if err != nil || v == nil {
			return nil, err
		}
		return []*vcf.Variant{v}, nil
	case clinvar.StructureHaplotype:
		return r.resolveHaplotype(rec)
	case clinvar.StructureGenotype:
		return nil, failure.Errorf(failure.KindUnsupportedVariantClass, "genotype records have no single-line representation")
	default:
		return nil, failure.Errorf(failure.KindUnsupportedVariantClass, "unknown record structure %s", rec.Structure)
	}
}

// resolveHaplotype emits one variant per allele. Overlapping alleles cannot be
// written as independent lines and reject the record.
func (r *Resolver) resolveHaplotype(rec *clinvar.Record) ([]*vcf.Variant, error) {
	type span struct{ start, stop int64 }
	var out []*vcf.Variant
	var spans []span
	for i := range rec.Alleles {
		a := &rec.Alleles[i]
		v, err := r.resolveAllele(rec, a)
		if err != nil {
			return nil, fmt.Errorf("allele %s: %w", a.AlleleID, err)
		}
		if v == nil {
			continue
		}
		pl, _ := a.Placement(r.opts.Assembly)
		s := span{pl.Start, pl.Stop}
		if s.start == 0 || s.stop == 0 {
			s = span{v.Pos, v.End()}
		}
		out = append(out, v)
		spans = append(spans, s)
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start <= spans[i-1].stop {
			return nil, failure.Errorf(failure.KindUnsupportedVariantClass,
				"haplotype alleles overlap at %d-%d", spans[i].start, spans[i-1].stop)
		}
	}
	return out, nil
}

// resolveAllele returns nil, nil when the allele describes no change.
func (r *Resolver) resolveAllele(rec *clinvar.Record, a *clinvar.Allele) (*vcf.Variant, error) {
	pl, ok := a.Placement(r.opts.Assembly)
	if !ok {
		return nil, failure.Errorf(failure.KindNoPlacementForAssembly, "no %s placement", r.opts.Assembly)
	}
	if err := pl.Validate(a.Class); err != nil {
		return nil, err
	}
	contig, ok := r.ref.Resolve(pl.Chr, pl.Accession)
	if !ok {
		return nil, failure.Errorf(failure.KindReferenceMismatch, "contig %s (%s) not in reference", pl.Chr, pl.Accession)
	}

	var (
		t   triple
		err error
	)
	if pl.HasVCF() {
		t, err = r.explicit(contig, pl)
	} else {
		t, err = r.reconstruct(contig, a, pl)
	}
	if err != nil {
		return nil, err
	}

	if !vcf.IsValidAllele(t.ref) || !vcf.IsValidAllele(t.alt) {
		return nil, failure.Errorf(failure.KindUnsupportedVariantClass, "non-ACGTN allele %s>%s", t.ref, t.alt)
	}
	if t.ref == t.alt {
		r.logger.Warn("skip ref == alt",
			zap.String("accession", rec.Accession),
			zap.String("allele", t.ref))
		return nil, nil
	}

	id := a.VariationID
	if id == "" {
		id = rec.VariationID
	}
	info := make(vcf.Info, 0, len(rec.Annotations)+1)
	if a.AlleleID != "" {
		info = append(info, vcf.InfoField{Key: clinvar.InfoAlleleID, Value: a.AlleleID})
	}
	info = append(info, rec.Annotations...)

	return &vcf.Variant{
		Chrom:     contig,
		Pos:       t.pos,
		ID:        id,
		Ref:       t.ref,
		Alt:       t.alt,
		Info:      info,
		Accession: rec.Accession,
	}, nil
}

// triple is a VCF position with its two alleles.
type triple struct {
	pos      int64
	ref, alt string
}

// explicit uses the VCF triple of the placement after checking REF against
// the reference.
func (r *Resolver) explicit(contig string, pl clinvar.Placement) (triple, error) {
	t := triple{pos: pl.PositionVCF, ref: pl.ReferenceVCF, alt: pl.AlternateVCF}
	if !vcf.IsValidAllele(t.ref) {
		return triple{}, failure.Errorf(failure.KindUnsupportedVariantClass, "non-ACGTN reference %s", t.ref)
	}
	got, err := r.fetch(contig, t.pos, t.pos+int64(len(t.ref))-1)
	if err != nil {
		return triple{}, err
	}
	if got != t.ref {
		return triple{}, failure.Errorf(failure.KindReferenceMismatch,
			"%s:%d REF %s != reference %s", contig, t.pos, t.ref, got)
	}
	return t, nil
}

// reconstruct builds the triple from the variant class and span.
func (r *Resolver) reconstruct(contig string, a *clinvar.Allele, pl clinvar.Placement) (triple, error) {
	switch a.Class {
	case clinvar.ClassSNV, clinvar.ClassMNV, clinvar.ClassIndel:
		return r.substitution(contig, a, pl)
	case clinvar.ClassDeletion:
		return r.deletion(contig, pl)
	case clinvar.ClassInsertion:
		return r.insertion(contig, a, pl)
	case clinvar.ClassDuplication:
		return r.duplication(contig, pl)
	case clinvar.ClassInversion:
		return r.inversion(contig, pl)
	case clinvar.ClassOther:
		return triple{}, failure.Errorf(failure.KindUnsupportedVariantClass, "%s without VCF alleles", a.Class)
	default:
		return triple{}, failure.Errorf(failure.KindUnsupportedVariantClass, "unhandled variant class %s", a.Class)
	}
}

// span fetches [start, stop] and checks it against the placement's own
// reference allele when it has one.
func (r *Resolver) span(contig string, pl clinvar.Placement) (string, error) {
	if pl.Start == 0 || pl.Stop == 0 {
		return "", failure.Errorf(failure.KindUnsupportedVariantClass, "placement on %s has no start/stop", contig)
	}
	got, err := r.fetch(contig, pl.Start, pl.Stop)
	if err != nil {
		return "", err
	}
	if want := allele(pl.ReferenceAllele); want != "" && want != got {
		return "", failure.Errorf(failure.KindReferenceMismatch,
			"%s:%d-%d reference allele %s != reference %s", contig, pl.Start, pl.Stop, want, got)
	}
	return got, nil
}

func (r *Resolver) substitution(contig string, a *clinvar.Allele, pl clinvar.Placement) (triple, error) {
	if pl.AlternateAllele == "" {
		if t, ok, err := r.fromSPDI(contig, a, pl); ok || err != nil {
			return t, err
		}
		return triple{}, failure.Errorf(failure.KindUnsupportedVariantClass, "%s without alternate allele", a.Class)
	}
	ref, err := r.span(contig, pl)
	if err != nil {
		return triple{}, err
	}
	return r.anchor(contig, pl.Start, ref, allele(pl.AlternateAllele))
}

func (r *Resolver) deletion(contig string, pl clinvar.Placement) (triple, error) {
	ref, err := r.span(contig, pl)
	if err != nil {
		return triple{}, err
	}
	return r.anchor(contig, pl.Start, ref, "")
}

// insertion places the inserted bases after the anchor base at start; ClinVar
// gives the two flanking bases as start and stop.
func (r *Resolver) insertion(contig string, a *clinvar.Allele, pl clinvar.Placement) (triple, error) {
	ins := allele(pl.AlternateAllele)
	if ins == "" {
		if t, ok, err := r.fromSPDI(contig, a, pl); ok || err != nil {
			return t, err
		}
		return triple{}, failure.Errorf(failure.KindUnsupportedVariantClass, "insertion without inserted sequence")
	}
	if pl.Start == 0 {
		return triple{}, failure.Errorf(failure.KindUnsupportedVariantClass, "insertion on %s has no start", contig)
	}
	base, err := r.fetch(contig, pl.Start, pl.Start)
	if err != nil {
		return triple{}, err
	}
	return triple{pos: pl.Start, ref: base, alt: base + ins}, nil
}

// duplication inserts a copy of [start, stop] after stop.
func (r *Resolver) duplication(contig string, pl clinvar.Placement) (triple, error) {
	dup, err := r.span(contig, pl)
	if err != nil {
		return triple{}, err
	}
	base := dup[len(dup)-1:]
	return triple{pos: pl.Stop, ref: base, alt: base + dup}, nil
}

func (r *Resolver) inversion(contig string, pl clinvar.Placement) (triple, error) {
	ref, err := r.span(contig, pl)
	if err != nil {
		return triple{}, err
	}
	return triple{pos: pl.Start, ref: ref, alt: vcf.ReverseComplement(ref)}, nil
}

// fromSPDI derives the triple from the allele's canonical SPDI when it is
// expressed on the same contig. ok is false when no usable SPDI exists.
func (r *Resolver) fromSPDI(contig string, a *clinvar.Allele, pl clinvar.Placement) (triple, bool, error) {
	s := a.SPDI
	if s == nil {
		return triple{}, false, nil
	}
	if s.Sequence != pl.Accession {
		if c, ok := r.ref.Resolve(s.Sequence); !ok || c != contig {
			return triple{}, false, nil
		}
	}
	pos := s.Position + 1
	if s.Deletion != "" {
		got, err := r.fetch(contig, pos, pos+int64(len(s.Deletion))-1)
		if err != nil {
			return triple{}, true, err
		}
		if got != s.Deletion {
			return triple{}, true, failure.Errorf(failure.KindReferenceMismatch,
				"%s:%d SPDI deletion %s != reference %s", contig, pos, s.Deletion, got)
		}
	}
	t, err := r.anchor(contig, pos, s.Deletion, s.Insertion)
	return t, true, err
}

// anchor completes a triple whose REF or ALT may be empty by adding the base
// before pos, or the base after the REF span when pos is 1.
func (r *Resolver) anchor(contig string, pos int64, ref, alt string) (triple, error) {
	if ref != "" && alt != "" {
		return triple{pos: pos, ref: ref, alt: alt}, nil
	}
	if pos > 1 {
		base, err := r.fetch(contig, pos-1, pos-1)
		if err != nil {
			return triple{}, err
		}
		return triple{pos: pos - 1, ref: base + ref, alt: base + alt}, nil
	}
	next := pos + int64(len(ref))
	base, err := r.fetch(contig, next, next)
	if err != nil {
		return triple{}, err
	}
	return triple{pos: pos, ref: ref + base, alt: alt + base}, nil
}

// fetch reads reference bases, reporting coordinates that do not fit the
// reference as a mismatch between record and reference.
func (r *Resolver) fetch(contig string, start, end int64) (string, error) {
	s, err := r.ref.Fetch(contig, start, end)
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, reference.ErrOutOfRange), errors.Is(err, reference.ErrUnknownContig):
		return "", failure.Errorf(failure.KindReferenceMismatch, "%v", err)
	default:
		return "", fmt.Errorf("%w: fetch %s:%d-%d: %v", failure.ErrReferenceUnavailable, contig, start, end, err)
	}
}

// allele returns s with ClinVar's "-" placeholder mapped to the empty allele.
func allele(s string) string {
	if s == "-" {
		return ""
	}
	return s
}
