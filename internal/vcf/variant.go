// Package vcf provides the variant record model shared by the conversion
// stages.
//
// The package also carries Reader, which parses the sites-only VCF written by
// a conversion run. The conversion path never reads VCF; Reader exists so
// tests and downstream checks can inspect the output.
package vcf

// InfoField is a single INFO key/value pair. An empty Value marks a flag.
type InfoField struct {
	Key   string `msgpack:"k"`
	Value string `msgpack:"v"`
}

// Info is an ordered list of INFO fields. Order is preserved on output so that
// repeated runs produce identical lines.
type Info []InfoField

// Get returns the value stored under key.
func (in Info) Get(key string) (string, bool) {
	for _, f := range in {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Clone returns a copy that can be modified independently.
func (in Info) Clone() Info {
	if in == nil {
		return nil
	}
	out := make(Info, len(in))
	copy(out, in)
	return out
}

// Variant represents a single genomic variant on one reference contig.
type Variant struct {
	Chrom     string `msgpack:"c"` // Contig name as declared in the reference index
	Pos       int64  `msgpack:"p"` // 1-based genomic position
	ID        string `msgpack:"i"` // Variant identifier (ClinVar VariationID)
	Ref       string `msgpack:"r"` // Reference allele
	Alt       string `msgpack:"a"` // Alternate allele
	Info      Info   `msgpack:"f"` // INFO field key-value pairs
	Accession string `msgpack:"x"` // Source accession, kept for diagnostics
}

// Clone returns a deep copy of v.
func (v *Variant) Clone() *Variant {
	c := *v
	c.Info = v.Info.Clone()
	return &c
}

// End returns the last reference position covered by the REF allele.
func (v *Variant) End() int64 {
	return v.Pos + int64(len(v.Ref)) - 1
}

// IsValidAllele reports whether s is a non-empty string of A, C, G, T or N.
func IsValidAllele(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 'A', 'C', 'G', 'T', 'N':
		default:
			return false
		}
	}
	return true
}

// ReverseComplement returns the reverse complement of a DNA sequence.
func ReverseComplement(seq string) string {
	n := len(seq)
	// Stack-allocate for typical allele lengths (≤64 bases).
	var buf [64]byte
	var result []byte
	if n <= len(buf) {
		result = buf[:n]
	} else {
		result = make([]byte, n)
	}
	for i := 0; i < n; i++ {
		result[i] = Complement(seq[n-1-i])
	}
	return string(result)
}

// Complement returns the complement of a single base. N and unknown bases map to N.
func Complement(base byte) byte {
	switch base {
	case 'A':
		return 'T'
	case 'T':
		return 'A'
	case 'G':
		return 'C'
	case 'C':
		return 'G'
	default:
		return 'N'
	}
}
