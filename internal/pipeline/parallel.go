package pipeline

import (
	"context"
	"runtime"
	"sync"

	"github.com/inodb/clinvar2vcf/internal/clinvar"
	"github.com/inodb/clinvar2vcf/internal/vcf"
)

// WorkItem holds a parsed record ready for conversion.
type WorkItem struct {
	Seq    int
	Record *clinvar.Record
}

// WorkResult holds the conversion output for a single record. A nil Err with
// no Variants means the record was filtered out.
type WorkResult struct {
	Seq      int
	Record   *clinvar.Record
	Variants []*vcf.Variant
	Err      error
}

// ParallelConvert converts work items using a pool of workers.
// Results are sent to the returned channel in completion order (not sequence order).
// Use OrderedCollect to consume results in sequence-number order.
// Workers stop early when ctx is cancelled.
// If workers is 0, runtime.NumCPU() is used.
func (c *Converter) ParallelConvert(ctx context.Context, items <-chan WorkItem, workers int) <-chan WorkResult {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	results := make(chan WorkResult, 2*workers)

	var wg sync.WaitGroup
	wg.Add(workers)

	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for item := range items {
				vs, err := c.convert(item.Record)
				select {
				case results <- WorkResult{Seq: item.Seq, Record: item.Record, Variants: vs, Err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

// OrderedCollect calls fn for each result in sequence-number order.
// It buffers out-of-order results in a pending map and emits them
// as soon as the next expected sequence number is available.
// Blocks until the results channel is closed.
func OrderedCollect(results <-chan WorkResult, fn func(WorkResult) error) error {
	pending := make(map[int]WorkResult)
	nextSeq := 0

	for r := range results {
		pending[r.Seq] = r

		for {
			rr, ok := pending[nextSeq]
			if !ok {
				break
			}
			delete(pending, nextSeq)
			nextSeq++
			if err := fn(rr); err != nil {
				// Drain remaining results to unblock workers.
				for range results {
				}
				return err
			}
		}
	}

	return nil
}
