// Package output writes converted variants as VCF.
package output

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/inodb/clinvar2vcf/internal/clinvar"
	"github.com/inodb/clinvar2vcf/internal/reference"
	"github.com/inodb/clinvar2vcf/internal/vcf"
)

// FileFormat is the VCF version written in the header.
const FileFormat = "VCFv4.3"

// infoHeaders declares the INFO keys attached to every record.
var infoHeaders = []struct {
	id, number, typ, desc string
}{
	{clinvar.InfoAlleleID, "1", "Integer", "ClinVar Allele ID"},
	{clinvar.InfoClinSig, ".", "String", "Aggregate germline classification for this variation"},
	{clinvar.InfoClinRevStat, ".", "String", "ClinVar review status of the germline classification"},
	{clinvar.InfoConditions, ".", "String", "Conditions per RCV, formatted as database:ids:interpretations:submission_count"},
}

// Header carries the metadata written before the first record.
type Header struct {
	Source    string             // ##source value, e.g. "clinvar2vcf v1.2.0"
	Reference string             // ##reference value, usually the reference path
	Assembly  string             // target genome assembly
	Contigs   []reference.Contig // one ##contig line each, in the given order
	Date      time.Time          // zero means today
}

// recordWriter is implemented by outputs that track where each record lands,
// such as an indexed File.
type recordWriter interface {
	WriteRecord(line []byte, chrom string, beg, end int64) error
}

// VCFWriter writes variants as VCF lines.
type VCFWriter struct {
	w      *bufio.Writer
	rec    recordWriter
	header Header
	line   []byte
	lines  int
}

// NewVCFWriter creates a new VCF output writer. When w also implements
// WriteRecord, each variant line is handed to it whole.
func NewVCFWriter(w io.Writer, h Header) *VCFWriter {
	vw := &VCFWriter{
		w:      bufio.NewWriter(w),
		header: h,
	}
	if rw, ok := w.(recordWriter); ok {
		vw.rec = rw
	}
	return vw
}

// WriteHeader writes the meta-information lines and the #CHROM line.
func (vw *VCFWriter) WriteHeader() error {
	date := vw.header.Date
	if date.IsZero() {
		date = time.Now()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "##fileformat=%s\n", FileFormat)
	fmt.Fprintf(&b, "##fileDate=%s\n", date.Format("20060102"))
	if vw.header.Source != "" {
		fmt.Fprintf(&b, "##source=%s\n", vw.header.Source)
	}
	if vw.header.Reference != "" {
		fmt.Fprintf(&b, "##reference=%s\n", vw.header.Reference)
	}
	if vw.header.Assembly != "" {
		fmt.Fprintf(&b, "##assembly=%s\n", vw.header.Assembly)
	}
	b.WriteString("##FILTER=<ID=PASS,Description=\"All filters passed\">\n")
	b.WriteString("##ID=<Description=\"ClinVar Variation ID\">\n")
	for _, h := range infoHeaders {
		fmt.Fprintf(&b, "##INFO=<ID=%s,Number=%s,Type=%s,Description=%q>\n", h.id, h.number, h.typ, h.desc)
	}
	for _, c := range vw.header.Contigs {
		fmt.Fprintf(&b, "##contig=<ID=%s,length=%d>\n", c.Name, c.Length)
	}
	b.WriteString("#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\n")

	_, err := vw.w.WriteString(b.String())
	return err
}

// Write writes one variant line.
func (vw *VCFWriter) Write(v *vcf.Variant) error {
	b := vw.line[:0]
	b = append(b, v.Chrom...)
	b = append(b, '\t')
	b = strconv.AppendInt(b, v.Pos, 10)
	b = append(b, '\t')
	if v.ID != "" {
		b = append(b, v.ID...)
	} else {
		b = append(b, '.')
	}
	b = append(b, '\t')
	b = append(b, v.Ref...)
	b = append(b, '\t')
	b = append(b, v.Alt...)
	b = append(b, "\t.\t."...)
	b = append(b, '\t')
	b = appendInfo(b, v.Info)
	b = append(b, '\n')
	vw.line = b

	if vw.rec != nil {
		if err := vw.w.Flush(); err != nil {
			return err
		}
		if err := vw.rec.WriteRecord(b, v.Chrom, v.Pos-1, v.End()); err != nil {
			return err
		}
	} else if _, err := vw.w.Write(b); err != nil {
		return err
	}
	vw.lines++
	return nil
}

// Lines returns the number of variant lines written.
func (vw *VCFWriter) Lines() int {
	return vw.lines
}

// Flush flushes the underlying writer.
func (vw *VCFWriter) Flush() error {
	return vw.w.Flush()
}

func appendInfo(b []byte, info vcf.Info) []byte {
	if len(info) == 0 {
		return append(b, '.')
	}
	for i, f := range info {
		if i > 0 {
			b = append(b, ';')
		}
		b = append(b, f.Key...)
		if f.Value != "" {
			b = append(b, '=')
			b = append(b, EscapeInfo(f.Value)...)
		}
	}
	return b
}

// EscapeInfo percent-encodes the characters VCF 4.3 reserves inside INFO
// values and replaces whitespace with underscores. Pipes and colons used by
// the CONDITIONS layout are left intact.
func EscapeInfo(s string) string {
	if !strings.ContainsAny(s, "%;=, \t\r\n") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '%':
			b.WriteString("%25")
		case ';':
			b.WriteString("%3B")
		case '=':
			b.WriteString("%3D")
		case ',':
			b.WriteString("%2C")
		case ' ', '\t', '\r', '\n':
			b.WriteByte('_')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
