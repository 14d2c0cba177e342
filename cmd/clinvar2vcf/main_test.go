package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/inodb/clinvar2vcf/internal/clinvar/clinvartest"
	"github.com/inodb/clinvar2vcf/internal/duckdb"
	"github.com/inodb/clinvar2vcf/internal/reference/reftest"
	"github.com/inodb/clinvar2vcf/internal/vcf"
)

const (
	testChr1 = "GATTACAGATCGATCGAAAATTTTCCCCGGGG"
	testChr2 = "AAAATTTTTGCACACATTTTT"
)

type fixture struct {
	dir   string
	ref   string
	input string
}

func newFixture(t *testing.T, archives ...string) fixture {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	ref := reftest.WriteFASTA(t, dir, "ref.fa", 10,
		reftest.Seq{Name: "chr1", Bases: testChr1},
		reftest.Seq{Name: "chr2", Bases: testChr2},
	)
	input := filepath.Join(dir, "release.xml")
	require.NoError(t, os.WriteFile(input, []byte(clinvartest.Release(archives...)), 0o644))
	return fixture{dir: dir, ref: ref, input: input}
}

func sampleArchives() []string {
	return []string{
		clinvartest.VCF(1, "Deletion", "2", 14, "ACA", "A"),
		clinvartest.SNV(2, "1", 6, "C", "T"),
		clinvartest.CopyNumberGain(4, "1", 3, 9),
		clinvartest.SNV(3, "1", 2, "A", "G"),
	}
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// readVCF returns the header and the variants of a plain or bgzipped VCF.
func readVCF(t *testing.T, path string) ([]string, []*vcf.Variant) {
	t.Helper()
	r, err := vcf.Open(path)
	require.NoError(t, err)
	defer r.Close()

	var variants []*vcf.Variant
	for {
		v, err := r.Next()
		require.NoError(t, err)
		if v == nil {
			break
		}
		variants = append(variants, v)
	}
	return r.Header(), variants
}

// sites formats CHROM, POS, ID, REF and ALT of each variant.
func sites(variants []*vcf.Variant) []string {
	out := make([]string, len(variants))
	for i, v := range variants {
		out[i] = fmt.Sprintf("%s %d %s %s %s", v.Chrom, v.Pos, v.ID, v.Ref, v.Alt)
	}
	return out
}

func TestConvert_Lenient(t *testing.T) {
	fx := newFixture(t, sampleArchives()...)

	code, _, stderr := runCLI(t, "convert",
		"--assembly", "GRCh38", "--reference", fx.ref,
		"-o", fx.dir, "--ignore-error", "--workers", "2", "--sort-chunk-size", "2",
		fx.input)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stderr, "records skipped")
	assert.Contains(t, stderr, "UnsupportedVariantClass")

	header, data := readVCF(t, filepath.Join(fx.dir, "release.vcf.gz"))
	assert.Equal(t, "##fileformat=VCFv4.3", header[0])
	assert.Contains(t, header, "##contig=<ID=chr1,length=32>")
	assert.Contains(t, header, "##contig=<ID=chr2,length=21>")
	assert.Contains(t, header, "##assembly=GRCh38")

	assert.Equal(t, []string{
		"chr1 2 3 A G",
		"chr1 6 2 C T",
		"chr2 10 1 GCA G",
	}, sites(data))
	assert.FileExists(t, filepath.Join(fx.dir, "release.vcf.gz.csi"))
	assert.Equal(t, vcf.Info{
		{Key: "ALLELEID", Value: "100002"},
		{Key: "CLNSIG", Value: "Pathogenic"},
		{Key: "CLNREVSTAT", Value: "criteria_provided%2C_single_submitter"},
		{Key: "CONDITIONS", Value: "MedGen:C2:pathogenic:1"},
	}, data[1].Info)
}

func TestConvert_StrictFailsWithoutOutput(t *testing.T) {
	fx := newFixture(t, sampleArchives()...)
	out := filepath.Join(fx.dir, "out.vcf.gz")

	code, _, stderr := runCLI(t, "convert",
		"--assembly", "GRCh38", "--reference", fx.ref, "-o", out, fx.input)
	assert.Equal(t, ExitError, code)
	assert.Contains(t, stderr, clinvartest.Accession(4))
	assert.Contains(t, stderr, "UnsupportedVariantClass")

	_, err := os.Stat(out)
	assert.True(t, os.IsNotExist(err), "no output expected after a strict failure")

	entries, err := os.ReadDir(fx.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp-"), "leftover temp file %s", e.Name())
	}
}

func TestConvert_Debug(t *testing.T) {
	fx := newFixture(t,
		clinvartest.VCF(1, "Deletion", "2", 14, "ACA", "A"),
		clinvartest.SNV(2, "1", 6, "C", "T"),
	)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(fx.dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	code, _, stderr := runCLI(t, "convert", "--debug",
		"--assembly", "GRCh38", "--reference", fx.ref, fx.input)
	require.Equal(t, ExitSuccess, code, stderr)

	// Input order, not normalized.
	_, data := readVCF(t, filepath.Join(fx.dir, "release.vcf"))
	assert.Equal(t, []string{
		"chr2 14 1 ACA A",
		"chr1 6 2 C T",
	}, sites(data))
	assert.NoFileExists(t, filepath.Join(fx.dir, "release.vcf.csi"), "unsorted output is not indexed")
}

func TestConvert_NoIndex(t *testing.T) {
	fx := newFixture(t, clinvartest.SNV(2, "1", 6, "C", "T"))
	out := filepath.Join(fx.dir, "out.vcf.gz")

	code, _, stderr := runCLI(t, "convert", "--index=false",
		"--assembly", "GRCh38", "--reference", fx.ref, "-o", out, fx.input)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.FileExists(t, out)
	assert.NoFileExists(t, out+".csi")
}

func TestConvert_FileDate(t *testing.T) {
	fx := newFixture(t, clinvartest.SNV(2, "1", 6, "C", "T"))
	out := filepath.Join(fx.dir, "out.vcf")

	code, _, stderr := runCLI(t, "convert", "--file-date", "20240101",
		"--assembly", "GRCh38", "--reference", fx.ref, "-o", out, fx.input)
	require.Equal(t, ExitSuccess, code, stderr)
	first, err := os.ReadFile(out)
	require.NoError(t, err)

	header, _ := readVCF(t, out)
	assert.Contains(t, header, "##fileDate=20240101")
	assert.Contains(t, header, "##reference="+fx.ref)

	// With the date pinned, a rerun is byte-identical.
	code, _, stderr = runCLI(t, "convert", "--force", "--file-date", "20240101",
		"--assembly", "GRCh38", "--reference", fx.ref, "-o", out, fx.input)
	require.Equal(t, ExitSuccess, code, stderr)
	second, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestConvert_RefusesOverwrite(t *testing.T) {
	fx := newFixture(t, clinvartest.SNV(2, "1", 6, "C", "T"))
	out := filepath.Join(fx.dir, "out.vcf")
	require.NoError(t, os.WriteFile(out, []byte("keep\n"), 0o644))

	code, _, stderr := runCLI(t, "convert",
		"--assembly", "GRCh38", "--reference", fx.ref, "-o", out, fx.input)
	assert.Equal(t, ExitError, code)
	assert.Contains(t, stderr, "--force")

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "keep\n", string(got))

	code, _, stderr = runCLI(t, "convert", "--force",
		"--assembly", "GRCh38", "--reference", fx.ref, "-o", out, fx.input)
	require.Equal(t, ExitSuccess, code, stderr)
	_, data := readVCF(t, out)
	assert.Equal(t, []string{"chr1 6 2 C T"}, sites(data))
}

func TestConvert_ReportDB(t *testing.T) {
	fx := newFixture(t, sampleArchives()...)
	db := filepath.Join(fx.dir, "report.duckdb")

	code, _, stderr := runCLI(t, "convert",
		"--assembly", "GRCh38", "--reference", fx.ref, "-o", fx.dir,
		"--ignore-error", "--report-db", db, fx.input)
	require.Equal(t, ExitSuccess, code, stderr)

	store, err := duckdb.Open(db)
	require.NoError(t, err)
	defer store.Close()

	runs, err := store.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(4), runs[0].Records)
	assert.Equal(t, int64(1), runs[0].Skipped)
	assert.Equal(t, "lenient", runs[0].Policy)

	counts, err := store.SkippedByKind(runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []duckdb.KindCount{{Kind: "UnsupportedVariantClass", Count: 1}}, counts)
}

func TestConvert_ReportFailureKeepsOutput(t *testing.T) {
	fx := newFixture(t, clinvartest.SNV(2, "1", 6, "C", "T"))
	out := filepath.Join(fx.dir, "out.vcf.gz")
	// The report directory would have to live under a regular file.
	db := filepath.Join(fx.input, "reports", "runs.duckdb")

	code, _, stderr := runCLI(t, "convert",
		"--assembly", "GRCh38", "--reference", fx.ref, "-o", out,
		"--report-db", db, fx.input)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stderr, "run report not stored")

	_, data := readVCF(t, out)
	assert.Equal(t, []string{"chr1 6 2 C T"}, sites(data))
}

type failingCloser struct{}

func (failingCloser) Close() error { return errors.New("remove spill file: permission denied") }

func TestCloseOrderer(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	closeOrderer(failingCloser{}, zap.New(core))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "cleanup of sort files failed", entries[0].Message)
	assert.Equal(t, "remove spill file: permission denied", entries[0].ContextMap()["error"])
}

func TestConvert_MissingReferenceIndex(t *testing.T) {
	fx := newFixture(t, clinvartest.SNV(2, "1", 6, "C", "T"))
	require.NoError(t, os.Remove(fx.ref+".fai"))

	code, _, stderr := runCLI(t, "convert",
		"--assembly", "GRCh38", "--reference", fx.ref, "-o", fx.dir, fx.input)
	assert.Equal(t, ExitError, code)
	assert.Contains(t, stderr, "reference unavailable")
}

func TestConvert_UsageErrors(t *testing.T) {
	fx := newFixture(t)

	tests := []struct {
		name string
		args []string
	}{
		{"no input", []string{"convert", "--reference", fx.ref}},
		{"no reference", []string{"convert", fx.input}},
		{"bad assembly", []string{"convert", "--assembly", "hg19", "--reference", fx.ref, fx.input}},
		{"unknown flag", []string{"convert", "--bogus", fx.input}},
		{"unknown command", []string{"annotate"}},
		{"bad log level", []string{"convert", "--log-level", "loud", "--reference", fx.ref, fx.input}},
		{"bad file date", []string{"convert", "--file-date", "2024-01-01", "--reference", fx.ref, fx.input}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := runCLI(t, tt.args...)
			assert.Equal(t, ExitUsage, code)
		})
	}
}

func TestVersion(t *testing.T) {
	code, stdout, _ := runCLI(t, "--version")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "clinvar2vcf version dev")
}

func TestConfigSetGet(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	code, stdout, stderr := runCLI(t, "config", "set", "assembly", "GRCh37")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stdout, "Set assembly = GRCh37")

	data, err := os.ReadFile(filepath.Join(home, ".clinvar2vcf.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "assembly: GRCh37")

	code, stdout, _ = runCLI(t, "config", "get", "assembly")
	assert.Equal(t, ExitSuccess, code)
	assert.Equal(t, "GRCh37\n", stdout)

	code, stdout, _ = runCLI(t, "config")
	assert.Equal(t, ExitSuccess, code)
	assert.Equal(t, "assembly: GRCh37\n", stdout)

	code, _, _ = runCLI(t, "config", "get", "reference")
	assert.Equal(t, ExitError, code)
}

func TestDefaultOutput(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		input, output string
		debug         bool
		want          string
	}{
		{"/data/ClinVarVCVRelease_2024-03.xml.gz", "", false, "ClinVarVCVRelease_2024-03.vcf.gz"},
		{"/data/ClinVarVCVRelease_2024-03.xml.gz", "", true, "ClinVarVCVRelease_2024-03.vcf"},
		{"release.xml.zst", "", false, "release.vcf.gz"},
		{"release.xml", dir, false, filepath.Join(dir, "release.vcf.gz")},
		{"release.xml", "/tmp/custom.vcf", false, "/tmp/custom.vcf"},
		{"-", "", false, "clinvar.vcf.gz"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, defaultOutput(tt.input, tt.output, tt.debug), tt.input)
	}
}
