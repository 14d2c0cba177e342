// Package clinvartest renders small ClinVar VCV XML documents for tests.
package clinvartest

import (
	"fmt"
	"strings"
)

// Release wraps archives in a ClinVarVariationRelease document.
func Release(archives ...string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<ClinVarVariationRelease ReleaseDate="2024-01-01">
` + strings.Join(archives, "\n") + `
</ClinVarVariationRelease>
`
}

// Accession returns the VCV accession used for variation id.
func Accession(id int) string {
	return fmt.Sprintf("VCV%09d", id)
}

// Archive renders a classified single-allele record with one GRCh38
// SequenceLocation carrying attrs and one MedGen condition.
func Archive(id int, variantType, chr, attrs string) string {
	return fmt.Sprintf(`<VariationArchive RecordType="classified" VariationID="%[1]d" VariationType="%[3]s" Accession="%[2]s">
  <ClassifiedRecord>
    <SimpleAllele AlleleID="%[6]d" VariationID="%[1]d">
      <VariantType>%[3]s</VariantType>
      <Location>
        <SequenceLocation Assembly="GRCh38" Chr="%[4]s" %[5]s/>
      </Location>
    </SimpleAllele>
    <RCVList>
      <RCVAccession Accession="RCV%09[1]d" Version="1">
        <ClassifiedConditionList>
          <ClassifiedCondition DB="MedGen" ID="C%[1]d">Condition %[1]d</ClassifiedCondition>
        </ClassifiedConditionList>
        <RCVClassifications>
          <GermlineClassification>
            <ReviewStatus>criteria provided, single submitter</ReviewStatus>
            <Description SubmissionCount="1">Pathogenic</Description>
          </GermlineClassification>
        </RCVClassifications>
      </RCVAccession>
    </RCVList>
    <Classifications>
      <GermlineClassification>
        <ReviewStatus>criteria provided, single submitter</ReviewStatus>
        <Description>Pathogenic</Description>
      </GermlineClassification>
    </Classifications>
  </ClassifiedRecord>
</VariationArchive>`, id, Accession(id), variantType, chr, attrs, id+100000)
}

// VCF renders a record with an explicit VCF triple.
func VCF(id int, variantType, chr string, pos int, ref, alt string) string {
	attrs := fmt.Sprintf(`start="%d" stop="%d" positionVCF="%d" referenceAlleleVCF="%s" alternateAlleleVCF="%s"`,
		pos, pos+len(ref)-1, pos, ref, alt)
	return Archive(id, variantType, chr, attrs)
}

// SNV renders a single nucleotide variant record.
func SNV(id int, chr string, pos int, ref, alt string) string {
	return VCF(id, "single nucleotide variant", chr, pos, ref, alt)
}

// CopyNumberGain renders a record the converter cannot represent.
func CopyNumberGain(id int, chr string, start, stop int) string {
	return Archive(id, "copy number gain", chr, fmt.Sprintf(`start="%d" stop="%d"`, start, stop))
}
