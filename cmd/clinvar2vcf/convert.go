package main

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/inodb/clinvar2vcf/internal/clinvar"
	"github.com/inodb/clinvar2vcf/internal/duckdb"
	"github.com/inodb/clinvar2vcf/internal/failure"
	"github.com/inodb/clinvar2vcf/internal/normalize"
	"github.com/inodb/clinvar2vcf/internal/output"
	"github.com/inodb/clinvar2vcf/internal/pipeline"
	"github.com/inodb/clinvar2vcf/internal/reference"
	"github.com/inodb/clinvar2vcf/internal/resolve"
	"github.com/inodb/clinvar2vcf/internal/sorter"
)

// convertOptions holds the resolved settings of one convert invocation.
type convertOptions struct {
	Input             string
	Output            string
	Reference         string
	Assembly          string
	Debug             bool
	Force             bool
	Index             bool
	FileDate          string
	IgnoreError       bool
	RequireConditions bool
	Workers           int
	ChunkSize         int
	TempDir           string
	ReportDB          string
}

func newConvertCmd(v *viper.Viper, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert [flags] <input>",
		Short: "Convert a ClinVar VCV XML release to VCF",
		Long: `Convert a ClinVar VCV XML release (*.xml, *.xml.gz, *.xml.zst or '-' for
stdin) into a VCF sorted in reference contig order and normalized against the
reference. The reference FASTA needs a .fai index, and a .gzi index when it is
bgzip-compressed.`,
		Example: `  clinvar2vcf convert --assembly GRCh38 --reference GRCh38.fa.gz ClinVarVCVRelease_00-latest.xml.gz
  clinvar2vcf convert --assembly GRCh37 --reference hs37d5.fa -o out/ --ignore-error release.xml
  clinvar2vcf convert --debug --assembly GRCh38 --reference GRCh38.fa release.xml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := convertOptions{
				Input:             args[0],
				Output:            v.GetString("output"),
				Reference:         v.GetString("reference"),
				Assembly:          v.GetString("assembly"),
				Debug:             v.GetBool("debug"),
				Force:             v.GetBool("force"),
				Index:             v.GetBool("index"),
				FileDate:          v.GetString("file-date"),
				IgnoreError:       v.GetBool("ignore-error"),
				RequireConditions: v.GetBool("require-conditions"),
				Workers:           v.GetInt("workers"),
				ChunkSize:         v.GetInt("sort.chunk-size"),
				TempDir:           v.GetString("sort.temp-dir"),
				ReportDB:          v.GetString("report-db"),
			}
			logger, err := newLogger(stderr, v.GetString("log-level"))
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runConvert(cmd.Context(), opts, logger)
		},
	}

	f := cmd.Flags()
	f.String("assembly", resolve.GRCh38, "Genome assembly: GRCh37 or GRCh38")
	f.String("reference", "", "Reference FASTA (plain or bgzip-compressed) with .fai index")
	f.StringP("output", "o", "", "Output file or directory (default: <input>.vcf.gz in the current directory)")
	f.Bool("debug", false, "Write unsorted, unnormalized VCF for inspection")
	f.Bool("force", false, "Overwrite an existing output file")
	f.Bool("index", true, "Write a CSI index next to bgzip-compressed, sorted output")
	f.String("file-date", "", "Value of ##fileDate as YYYYMMDD (default: today)")
	f.Bool("ignore-error", false, "Skip records that fail to convert instead of aborting")
	f.Bool("require-conditions", true, "Only emit records with at least one MedGen condition")
	f.Int("workers", 0, "Number of conversion workers (0 = number of CPUs)")
	f.Int("sort-chunk-size", sorter.DefaultChunkSize, "Variants held in memory before spilling a sorted run")
	f.String("sort-temp-dir", "", "Directory for sort spill files (default: system temp dir)")
	f.String("report-db", "", "DuckDB file to record run summaries and skipped records")

	for key, flag := range map[string]string{
		"assembly":           "assembly",
		"reference":          "reference",
		"output":             "output",
		"debug":              "debug",
		"force":              "force",
		"index":              "index",
		"file-date":          "file-date",
		"ignore-error":       "ignore-error",
		"require-conditions": "require-conditions",
		"workers":            "workers",
		"sort.chunk-size":    "sort-chunk-size",
		"sort.temp-dir":      "sort-temp-dir",
		"report-db":          "report-db",
	} {
		v.BindPFlag(key, f.Lookup(flag))
	}

	return cmd
}

func runConvert(ctx context.Context, opts convertOptions, logger *zap.Logger) (err error) {
	started := time.Now()

	if opts.Reference == "" {
		return usageErrorf("--reference is required")
	}
	if !resolve.ValidAssembly(opts.Assembly) {
		return usageErrorf("unknown assembly %q (want %s or %s)", opts.Assembly, resolve.GRCh37, resolve.GRCh38)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	var fileDate time.Time
	if opts.FileDate != "" {
		if fileDate, err = time.Parse("20060102", opts.FileDate); err != nil {
			return usageErrorf("invalid --file-date %q (want YYYYMMDD)", opts.FileDate)
		}
	}
	outPath := defaultOutput(opts.Input, opts.Output, opts.Debug)

	ref, err := reference.Open(opts.Reference)
	if err != nil {
		return err
	}
	defer ref.Close()
	contigs := ref.Contigs()

	parser, err := clinvar.Open(opts.Input)
	if err != nil {
		return err
	}
	defer parser.Close()

	out, err := output.Create(outPath, opts.Force)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			out.Abort()
		}
	}()
	if opts.Index && !opts.Debug && output.IsCompressed(outPath) {
		if err := out.EnableIndex(contigs); err != nil {
			return err
		}
	}

	logger.Info("converting",
		zap.String("input", opts.Input),
		zap.String("output", outPath),
		zap.String("reference", ref.Path()),
		zap.String("assembly", opts.Assembly),
		zap.Int("contigs", len(contigs)),
		zap.Int("workers", workers),
		zap.Bool("debug", opts.Debug),
		zap.Bool("index", out.IndexPath() != ""))

	vw := output.NewVCFWriter(out, output.Header{
		Source:    "clinvar2vcf " + version,
		Reference: ref.Path(),
		Assembly:  opts.Assembly,
		Contigs:   contigs,
		Date:      fileDate,
	})
	if err := vw.WriteHeader(); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	res := resolve.New(ref, resolve.Options{
		Assembly:          opts.Assembly,
		RequireConditions: opts.RequireConditions,
	})
	res.SetLogger(logger)

	var (
		norm pipeline.Normalizer
		ord  pipeline.Orderer
	)
	if opts.Debug {
		norm = normalize.Passthrough{}
		ord = sorter.NewPassthrough(vw.Write)
	} else {
		norm = normalize.New(ref)
		s := sorter.New(contigs, sorter.Options{ChunkSize: opts.ChunkSize, TempDir: opts.TempDir})
		s.SetLogger(logger)
		ord = s
	}
	defer closeOrderer(ord, logger)

	conv := pipeline.New(res, norm, pipeline.Options{
		Policy:  failure.PolicyFor(opts.IgnoreError),
		Workers: workers,
	})
	conv.SetLogger(logger)

	sum, err := conv.Run(ctx, parser, ord, vw.Write)
	if err != nil {
		return err
	}
	if err := vw.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	if err := out.Commit(); err != nil {
		return err
	}

	logSummary(logger, sum, conv.Report(), outPath, vw.Lines(), time.Since(started))
	if p := out.IndexPath(); p != "" {
		logger.Info("index written", zap.String("index", p))
	}

	// The VCF is committed at this point; a failed report must not turn the
	// run into a failure.
	if opts.ReportDB != "" {
		if err := writeReport(opts, ref.Path(), started, sum, conv.Report()); err != nil {
			logger.Warn("run report not stored", zap.String("db", opts.ReportDB), zap.Error(err))
		} else {
			logger.Info("run report stored", zap.String("db", opts.ReportDB))
		}
	}
	return nil
}

// closeOrderer releases the orderer's spill files. Output has already been
// written or abandoned, so failures are only logged.
func closeOrderer(ord io.Closer, logger *zap.Logger) {
	if err := ord.Close(); err != nil {
		logger.Warn("cleanup of sort files failed", zap.Error(err))
	}
}

func logSummary(logger *zap.Logger, sum *pipeline.Summary, report *failure.Report, outPath string, lines int, elapsed time.Duration) {
	logger.Info("conversion finished",
		zap.String("output", outPath),
		zap.Int("records", sum.Records),
		zap.Int("variants", lines),
		zap.Int("filtered", sum.Filtered),
		zap.Duration("elapsed", elapsed.Round(time.Millisecond)))

	if sum.Skipped == 0 {
		return
	}
	fields := []zap.Field{zap.Int("skipped", sum.Skipped)}
	for _, kc := range report.Counts() {
		fields = append(fields, zap.Int(kc.Kind.String(), kc.Count))
	}
	logger.Warn("records skipped", fields...)
}

func writeReport(opts convertOptions, refPath string, started time.Time, sum *pipeline.Summary, report *failure.Report) error {
	fp, err := duckdb.StatFile(opts.Input)
	if err != nil {
		return fmt.Errorf("stat input: %w", err)
	}
	store, err := duckdb.Open(opts.ReportDB)
	if err != nil {
		return err
	}
	defer store.Close()

	_, err = store.WriteReport(duckdb.RunInfo{
		Input:     fp,
		Reference: refPath,
		Assembly:  opts.Assembly,
		Started:   started,
		Finished:  time.Now(),
	}, sum, report)
	return err
}
