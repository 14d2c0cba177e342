package clinvar

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/inodb/clinvar2vcf/internal/failure"
	"github.com/inodb/clinvar2vcf/internal/vcf"
)

// XML mapping of the parts of a VariationArchive the converter reads.
// Numeric attributes are kept as strings and parsed afterwards so a bad
// value stays local to its record.

type xmlArchive struct {
	VariationID   string         `xml:"VariationID,attr"`
	Accession     string         `xml:"Accession,attr"`
	VariationType string         `xml:"VariationType,attr"`
	RecordType    string         `xml:"RecordType,attr"`
	Classified    *xmlClassified `xml:"ClassifiedRecord"`
	Included      *xmlClassified `xml:"IncludedRecord"`
}

type xmlClassified struct {
	SimpleAllele *xmlAllele    `xml:"SimpleAllele"`
	Haplotype    *xmlHaplotype `xml:"Haplotype"`
	Genotype     *xmlGenotype  `xml:"Genotype"`
	RCVs         []xmlRCV      `xml:"RCVList>RCVAccession"`
	Germline     *xmlGermline  `xml:"Classifications>GermlineClassification"`
}

type xmlAllele struct {
	AlleleID      string        `xml:"AlleleID,attr"`
	VariationID   string        `xml:"VariationID,attr"`
	VariantType   string        `xml:"VariantType"`
	Locations     []xmlLocation `xml:"Location>SequenceLocation"`
	CanonicalSPDI string        `xml:"CanonicalSPDI"`
}

type xmlHaplotype struct {
	VariationID string      `xml:"VariationID,attr"`
	Alleles     []xmlAllele `xml:"SimpleAllele"`
}

type xmlGenotype struct {
	Alleles    []xmlAllele    `xml:"SimpleAllele"`
	Haplotypes []xmlHaplotype `xml:"Haplotype"`
}

type xmlLocation struct {
	Assembly        string `xml:"Assembly,attr"`
	Chr             string `xml:"Chr,attr"`
	Accession       string `xml:"Accession,attr"`
	Start           string `xml:"start,attr"`
	Stop            string `xml:"stop,attr"`
	PositionVCF     string `xml:"positionVCF,attr"`
	ReferenceVCF    string `xml:"referenceAlleleVCF,attr"`
	AlternateVCF    string `xml:"alternateAlleleVCF,attr"`
	ReferenceAllele string `xml:"referenceAllele,attr"`
	AlternateAllele string `xml:"alternateAllele,attr"`
	Strand          string `xml:"Strand,attr"`
}

type xmlRCV struct {
	Accession  string          `xml:"Accession,attr"`
	Conditions []xmlCondition  `xml:"ClassifiedConditionList>ClassifiedCondition"`
	Germline   *xmlDescription `xml:"RCVClassifications>GermlineClassification>Description"`
}

type xmlCondition struct {
	DB   string `xml:"DB,attr"`
	ID   string `xml:"ID,attr"`
	Name string `xml:",chardata"`
}

type xmlDescription struct {
	SubmissionCount string `xml:"SubmissionCount,attr"`
	Text            string `xml:",chardata"`
}

type xmlGermline struct {
	ReviewStatus string `xml:"ReviewStatus"`
	Description  string `xml:"Description"`
}

// fieldErrs keeps the first local decoding problem of a record.
type fieldErrs struct {
	err error
}

func (f *fieldErrs) fail(format string, args ...any) {
	if f.err == nil {
		f.err = failure.Errorf(failure.KindMalformedRecord, format, args...)
	}
}

func (f *fieldErrs) int64(name, s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		f.fail("attribute %s: invalid position %q", name, s)
		return 0
	}
	return n
}

func (f *fieldErrs) strand(s string) Strand {
	switch strings.TrimSpace(s) {
	case "", "+":
		return StrandForward
	case "-":
		return StrandReverse
	}
	f.fail("attribute Strand: invalid value %q", s)
	return StrandForward
}

// record flattens the archive into a Record.
func (x *xmlArchive) record(offset int64) *Record {
	var fe fieldErrs
	rec := &Record{
		VariationID: strings.TrimSpace(x.VariationID),
		Accession:   strings.TrimSpace(x.Accession),
		Class:       ParseVariantClass(x.VariationType),
		Offset:      offset,
	}
	if rec.VariationID == "" {
		fe.fail("missing VariationID")
	} else if _, err := strconv.ParseUint(rec.VariationID, 10, 64); err != nil {
		fe.fail("invalid VariationID %q", rec.VariationID)
	}

	body := x.Classified
	rec.Classified = body != nil
	if body == nil {
		body = x.Included
	}
	if body != nil {
		switch {
		case body.SimpleAllele != nil:
			rec.Structure = StructureAllele
			a := body.SimpleAllele.allele(&fe, rec.Class)
			rec.Class = a.Class
			rec.Alleles = []Allele{a}
		case body.Haplotype != nil:
			rec.Structure = StructureHaplotype
			rec.Alleles = body.Haplotype.alleles(&fe)
		case body.Genotype != nil:
			rec.Structure = StructureGenotype
			for _, a := range body.Genotype.Alleles {
				rec.Alleles = append(rec.Alleles, a.allele(&fe, ClassOther))
			}
			for _, h := range body.Genotype.Haplotypes {
				rec.Alleles = append(rec.Alleles, h.alleles(&fe)...)
			}
		}
		rec.Annotations = body.annotations(&fe)
	}

	rec.Err = fe.err
	return rec
}

func (h *xmlHaplotype) alleles(fe *fieldErrs) []Allele {
	out := make([]Allele, 0, len(h.Alleles))
	for i := range h.Alleles {
		out = append(out, h.Alleles[i].allele(fe, ClassOther))
	}
	return out
}

func (a *xmlAllele) allele(fe *fieldErrs, fallback VariantClass) Allele {
	out := Allele{
		AlleleID:    strings.TrimSpace(a.AlleleID),
		VariationID: strings.TrimSpace(a.VariationID),
		Class:       fallback,
	}
	if a.VariantType != "" {
		out.Class = ParseVariantClass(a.VariantType)
	}
	if out.AlleleID != "" {
		if _, err := strconv.ParseUint(out.AlleleID, 10, 64); err != nil {
			fe.fail("invalid AlleleID %q", out.AlleleID)
		}
	}
	if a.CanonicalSPDI != "" {
		spdi, err := ParseSPDI(a.CanonicalSPDI)
		if err != nil {
			fe.fail("%v", err)
		}
		out.SPDI = spdi
	}
	for _, loc := range a.Locations {
		out.Placements = append(out.Placements, Placement{
			Assembly:        strings.TrimSpace(loc.Assembly),
			Chr:             strings.TrimSpace(loc.Chr),
			Accession:       strings.TrimSpace(loc.Accession),
			Start:           fe.int64("start", loc.Start),
			Stop:            fe.int64("stop", loc.Stop),
			PositionVCF:     fe.int64("positionVCF", loc.PositionVCF),
			ReferenceVCF:    strings.ToUpper(strings.TrimSpace(loc.ReferenceVCF)),
			AlternateVCF:    strings.ToUpper(strings.TrimSpace(loc.AlternateVCF)),
			ReferenceAllele: strings.ToUpper(strings.TrimSpace(loc.ReferenceAllele)),
			AlternateAllele: strings.ToUpper(strings.TrimSpace(loc.AlternateAllele)),
			Strand:          fe.strand(loc.Strand),
		})
	}
	return out
}

// annotations builds the pass-through INFO fields of a record.
func (c *xmlClassified) annotations(fe *fieldErrs) vcf.Info {
	var info vcf.Info
	if c.Germline != nil {
		if sig := strings.TrimSpace(c.Germline.Description); sig != "" {
			info = append(info, vcf.InfoField{Key: InfoClinSig, Value: sig})
		}
		if rev := strings.TrimSpace(c.Germline.ReviewStatus); rev != "" {
			info = append(info, vcf.InfoField{Key: InfoClinRevStat, Value: rev})
		}
	}
	if cond := c.conditions(fe); cond != "" {
		info = append(info, vcf.InfoField{Key: InfoConditions, Value: cond})
	}
	return info
}

// conditions renders MedGen:<ids>:<interpretations>:<submissions> for every
// RCV that names MedGen conditions and carries a germline classification,
// joined with '|'.
func (c *xmlClassified) conditions(fe *fieldErrs) string {
	var out []string
	for _, rcv := range c.RCVs {
		var ids []string
		for _, cond := range rcv.Conditions {
			if cond.DB == conditionsDatabase && strings.TrimSpace(cond.ID) != "" {
				ids = append(ids, strings.TrimSpace(cond.ID))
			}
		}
		if len(ids) == 0 || rcv.Germline == nil {
			continue
		}

		count := strings.TrimSpace(rcv.Germline.SubmissionCount)
		if _, err := strconv.Atoi(count); err != nil {
			fe.fail("%s: invalid SubmissionCount %q", rcv.Accession, count)
			continue
		}
		out = append(out, fmt.Sprintf("%s:%s:%s:%s",
			conditionsDatabase, strings.Join(ids, "/"), interpretations(rcv.Germline.Text), count))
	}
	return strings.Join(out, "|")
}

func interpretations(desc string) string {
	parts := strings.FieldsFunc(desc, func(r rune) bool { return r == '/' || r == ';' })
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(p), " ", "_"))
	}
	return strings.Join(parts, "/")
}
