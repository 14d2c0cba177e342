package vcf

import "testing"

func TestVariant_End(t *testing.T) {
	// BRCA1 c.68_69del on GRCh38, anchored deletion
	v := &Variant{Chrom: "17", Pos: 43124027, Ref: "ACT", Alt: "A"}

	if got := v.End(); got != 43124029 {
		t.Errorf("End() = %d, want 43124029", got)
	}
}

func TestInfo_GetAndClone(t *testing.T) {
	in := Info{{Key: "ALLELEID", Value: "27345"}, {Key: "CLNSIG", Value: "Pathogenic"}}

	got, ok := in.Get("CLNSIG")
	if !ok || got != "Pathogenic" {
		t.Errorf("Get(CLNSIG) = %q, %v", got, ok)
	}
	if _, ok := in.Get("CONDITIONS"); ok {
		t.Error("unexpected CONDITIONS field")
	}

	c := in.Clone()
	c[0].Value = "1"
	if in[0].Value != "27345" {
		t.Error("Clone shares backing array with original")
	}

	var empty Info
	if empty.Clone() != nil {
		t.Error("Clone of nil Info should be nil")
	}
}

func TestVariant_Clone(t *testing.T) {
	v := &Variant{Chrom: "1", Pos: 100, Ref: "A", Alt: "G", Info: Info{{Key: "ALLELEID", Value: "1"}}}
	c := v.Clone()
	c.Pos = 200
	c.Info[0].Value = "2"

	if v.Pos != 100 || v.Info[0].Value != "1" {
		t.Errorf("original modified through clone: %+v", v)
	}
}

func TestIsValidAllele(t *testing.T) {
	tests := []struct {
		allele string
		want   bool
	}{
		{"A", true},
		{"ACGTN", true},
		{"", false},
		{"a", false},
		{"-", false},
		{"ACGR", false},
	}

	for _, tt := range tests {
		t.Run(tt.allele, func(t *testing.T) {
			if got := IsValidAllele(tt.allele); got != tt.want {
				t.Errorf("IsValidAllele(%q) = %v, want %v", tt.allele, got, tt.want)
			}
		})
	}
}
