// Package pipeline runs the conversion: records are parsed, resolved and
// normalized by a worker pool, put back in input order, filtered through the
// error policy and handed to an orderer.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/inodb/clinvar2vcf/internal/clinvar"
	"github.com/inodb/clinvar2vcf/internal/failure"
	"github.com/inodb/clinvar2vcf/internal/vcf"
)

// RecordSource yields records; nil, nil marks the end.
type RecordSource interface {
	Next() (*clinvar.Record, error)
}

// Resolver turns a record into candidate variants.
type Resolver interface {
	Resolve(rec *clinvar.Record) ([]*vcf.Variant, error)
}

// Normalizer canonicalizes a candidate variant.
type Normalizer interface {
	Normalize(v *vcf.Variant) (*vcf.Variant, error)
}

// Orderer buffers variants and releases them in output order.
type Orderer interface {
	Add(v *vcf.Variant) error
	Drain(fn func(*vcf.Variant) error) error
	Close() error
}

// Options configures a Converter.
type Options struct {
	Policy  failure.Policy
	Workers int // 0 means runtime.NumCPU()
}

// Summary describes a finished (or aborted) run.
type Summary struct {
	Records  int // records read from the input
	Variants int // variants passed to the orderer
	Filtered int // records that produced no variant without error
	Skipped  int // records dropped under the lenient policy
	Policy   failure.Policy
}

// Converter wires the resolve and normalize stages to the error policy.
type Converter struct {
	resolver   Resolver
	normalizer Normalizer
	opts       Options
	report     *failure.Report
	logger     *zap.Logger
}

// New creates a converter.
func New(res Resolver, norm Normalizer, opts Options) *Converter {
	return &Converter{
		resolver:   res,
		normalizer: norm,
		opts:       opts,
		report:     failure.NewReport(),
		logger:     zap.NewNop(),
	}
}

// SetLogger sets the logger for skipped-record messages.
func (c *Converter) SetLogger(l *zap.Logger) {
	c.logger = l
}

// Report returns the records skipped so far.
func (c *Converter) Report() *failure.Report {
	return c.report
}

func (c *Converter) convert(rec *clinvar.Record) ([]*vcf.Variant, error) {
	candidates, err := c.resolver.Resolve(rec)
	if err != nil {
		return nil, err
	}
	out := make([]*vcf.Variant, 0, len(candidates))
	for _, v := range candidates {
		n, err := c.normalizer.Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("normalize %s:%d %s>%s: %w", v.Chrom, v.Pos, v.Ref, v.Alt, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Run reads every record of src, converts it and adds the result to ord in
// input order, then drains ord into emit. Under the strict policy the first
// record failure stops the run and is returned as a *failure.RecordError.
// Structural input failures and reference I/O failures always stop the run.
func (c *Converter) Run(ctx context.Context, src RecordSource, ord Orderer, emit func(*vcf.Variant) error) (*Summary, error) {
	sum := &Summary{Policy: c.opts.Policy}
	workers := c.opts.Workers

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	items := make(chan WorkItem, 4*max(workers, 1))

	g.Go(func() error {
		defer close(items)
		for seq := 0; ; seq++ {
			rec, err := src.Next()
			if err != nil {
				return err
			}
			if rec == nil {
				return nil
			}
			select {
			case items <- WorkItem{Seq: seq, Record: rec}:
			case <-ctx.Done():
				// The collector reports why the run stopped.
				return nil
			}
		}
	})

	results := c.ParallelConvert(ctx, items, workers)

	g.Go(func() error {
		return OrderedCollect(results, func(r WorkResult) error {
			sum.Records++
			if r.Err != nil {
				if err := c.handle(r, sum); err != nil {
					// Stop the parser and workers while the collector drains.
					cancel()
					return err
				}
				return nil
			}
			if len(r.Variants) == 0 {
				sum.Filtered++
				return nil
			}
			for _, v := range r.Variants {
				if err := ord.Add(v); err != nil {
					cancel()
					return fmt.Errorf("order variant: %w", err)
				}
				sum.Variants++
			}
			return nil
		})
	})

	if err := g.Wait(); err != nil {
		return sum, err
	}
	if err := parent.Err(); err != nil {
		return sum, err
	}
	if err := ord.Drain(emit); err != nil {
		return sum, fmt.Errorf("write sorted variants: %w", err)
	}
	return sum, nil
}

// handle applies the error policy to a failed record.
func (c *Converter) handle(r WorkResult, sum *Summary) error {
	kind := failure.KindOf(r.Err)
	recErr := &failure.RecordError{
		Kind:        kind,
		Accession:   r.Record.Accession,
		VariationID: r.Record.VariationID,
		Offset:      r.Record.Offset,
		Err:         r.Err,
	}
	if kind == failure.KindUnknown {
		return recErr
	}
	if err := c.report.Handle(c.opts.Policy, recErr); err != nil {
		return err
	}
	sum.Skipped++
	c.logger.Warn("record skipped",
		zap.String("accession", recErr.Accession),
		zap.String("kind", kind.String()),
		zap.Int64("offset", recErr.Offset),
		zap.Error(r.Err))
	return nil
}
