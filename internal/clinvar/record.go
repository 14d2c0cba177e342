// Package clinvar streams variation records out of a ClinVar VCV XML release.
package clinvar

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/inodb/clinvar2vcf/internal/failure"
	"github.com/inodb/clinvar2vcf/internal/vcf"
)

// Annotation keys carried from the archive into the output INFO column.
const (
	InfoAlleleID       = "ALLELEID"
	InfoClinSig        = "CLNSIG"
	InfoClinRevStat    = "CLNREVSTAT"
	InfoConditions     = "CONDITIONS"
	conditionsDatabase = "MedGen"
)

// VariantClass is the closed set of variant classes the converter knows.
type VariantClass int

const (
	ClassOther VariantClass = iota
	ClassSNV
	ClassInsertion
	ClassDeletion
	ClassIndel
	ClassDuplication
	ClassInversion
	ClassMNV
)

var classNames = [...]string{
	ClassOther:       "other",
	ClassSNV:         "single nucleotide variant",
	ClassInsertion:   "insertion",
	ClassDeletion:    "deletion",
	ClassIndel:       "indel",
	ClassDuplication: "duplication",
	ClassInversion:   "inversion",
	ClassMNV:         "multiple nucleotide variant",
}

func (c VariantClass) String() string {
	if c >= 0 && int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("VariantClass(%d)", int(c))
}

// ParseVariantClass maps a ClinVar VariantType / VariationType value to a
// VariantClass. Unknown and structural types map to ClassOther.
func ParseVariantClass(s string) VariantClass {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "single nucleotide variant", "snv":
		return ClassSNV
	case "insertion":
		return ClassInsertion
	case "deletion":
		return ClassDeletion
	case "indel":
		return ClassIndel
	case "duplication", "tandem duplication":
		return ClassDuplication
	case "inversion":
		return ClassInversion
	case "multiple nucleotide variant", "mnv":
		return ClassMNV
	}
	return ClassOther
}

// Structure tells how the variation of a record is composed.
type Structure int

const (
	// StructureNone means the record carries no allele description.
	StructureNone Structure = iota
	StructureAllele
	StructureHaplotype
	StructureGenotype
)

func (s Structure) String() string {
	switch s {
	case StructureAllele:
		return "SimpleAllele"
	case StructureHaplotype:
		return "Haplotype"
	case StructureGenotype:
		return "Genotype"
	}
	return "none"
}

// Strand of a placement.
type Strand int

const (
	StrandForward Strand = iota
	StrandReverse
)

// Record is one VariationArchive entry. It is immutable once returned by the
// parser. Err is set when the entry was readable but locally malformed; the
// remaining fields then hold whatever could be decoded.
type Record struct {
	VariationID string
	Accession   string
	Structure   Structure
	Class       VariantClass
	Classified  bool
	Alleles     []Allele
	Annotations vcf.Info
	Offset      int64
	Err         error
}

// HasConditions reports whether the record names at least one MedGen condition
// with a germline classification.
func (r *Record) HasConditions() bool {
	v, ok := r.Annotations.Get(InfoConditions)
	return ok && v != ""
}

// Allele is one SimpleAllele of a record.
type Allele struct {
	AlleleID    string
	VariationID string
	Class       VariantClass
	SPDI        *SPDI
	Placements  []Placement
}

// Placement returns the first placement on assembly.
func (a *Allele) Placement(assembly string) (Placement, bool) {
	for _, p := range a.Placements {
		if strings.EqualFold(p.Assembly, assembly) {
			return p, true
		}
	}
	return Placement{}, false
}

// Placement holds the coordinates of an allele on one assembly.
// Coordinates are 1-based and inclusive; zero means absent.
type Placement struct {
	Assembly  string
	Chr       string
	Accession string
	Start     int64
	Stop      int64

	PositionVCF  int64
	ReferenceVCF string
	AlternateVCF string

	ReferenceAllele string
	AlternateAllele string

	Strand Strand
}

// HasVCF reports whether the placement carries a complete VCF triple.
func (p Placement) HasVCF() bool {
	return p.PositionVCF > 0 && p.ReferenceVCF != "" && p.AlternateVCF != ""
}

// Span returns stop - start + 1, or 0 when either bound is missing.
func (p Placement) Span() int64 {
	if p.Start == 0 || p.Stop == 0 {
		return 0
	}
	return p.Stop - p.Start + 1
}

// Validate checks the placement against its variant class: bounds ordered,
// forward strand and allele lengths consistent with the span.
func (p Placement) Validate(class VariantClass) error {
	if p.Start > 0 && p.Stop > 0 && p.Start > p.Stop {
		return failure.Errorf(failure.KindMalformedRecord, "start %d > stop %d", p.Start, p.Stop)
	}
	if p.Strand != StrandForward {
		return failure.Errorf(failure.KindMalformedRecord, "placement on %s is not on the forward strand", p.Assembly)
	}

	if p.HasVCF() {
		ref, alt := len(p.ReferenceVCF), len(p.AlternateVCF)
		var ok bool
		switch class {
		case ClassSNV:
			ok = ref == 1 && alt == 1
		case ClassMNV:
			ok = ref == alt
		case ClassDeletion:
			ok = ref > alt
		case ClassInsertion, ClassDuplication:
			ok = alt > ref
		default:
			ok = true
		}
		if !ok {
			return failure.Errorf(failure.KindMalformedRecord, "VCF alleles %s>%s inconsistent with %s", p.ReferenceVCF, p.AlternateVCF, class)
		}
	}

	if p.ReferenceAllele != "" && p.Span() > 0 {
		switch class {
		case ClassSNV, ClassMNV, ClassDeletion, ClassIndel, ClassInversion:
			if int64(len(p.ReferenceAllele)) != p.Span() {
				return failure.Errorf(failure.KindMalformedRecord, "reference allele length %d != span %d", len(p.ReferenceAllele), p.Span())
			}
		}
	}
	return nil
}

// SPDI is a parsed canonical SPDI expression. Position is 0-based.
type SPDI struct {
	Sequence  string
	Position  int64
	Deletion  string
	Insertion string
}

// ParseSPDI parses "sequence:position:deletion:insertion".
func ParseSPDI(s string) (*SPDI, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 4 {
		return nil, fmt.Errorf("spdi %q: expected 4 fields, got %d", s, len(parts))
	}
	pos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || pos < 0 {
		return nil, fmt.Errorf("spdi %q: invalid position", s)
	}
	return &SPDI{Sequence: parts[0], Position: pos, Deletion: parts[2], Insertion: parts[3]}, nil
}

func (s *SPDI) String() string {
	return fmt.Sprintf("%s:%d:%s:%s", s.Sequence, s.Position, s.Deletion, s.Insertion)
}
