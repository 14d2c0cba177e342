package failure

import (
	"sort"
	"sync"
)

// Policy selects how per-record failures are handled for a whole run.
type Policy int

const (
	// Strict aborts the run on the first per-record failure.
	Strict Policy = iota
	// Lenient records the failure, drops the record and continues.
	Lenient
)

func (p Policy) String() string {
	if p == Lenient {
		return "lenient"
	}
	return "strict"
}

// PolicyFor maps the ignore-error toggle to a Policy.
func PolicyFor(ignoreError bool) Policy {
	if ignoreError {
		return Lenient
	}
	return Strict
}

// Report collects skipped records under the lenient policy.
// It is safe for concurrent use.
type Report struct {
	mu      sync.Mutex
	skipped []*RecordError
	counts  map[Kind]int
}

// NewReport creates an empty report.
func NewReport() *Report {
	return &Report{counts: make(map[Kind]int)}
}

// Handle applies policy p to err. It returns nil when the failure was recorded
// and processing may continue, or err itself when the run must stop.
// Fatal kinds are never absorbed.
func (r *Report) Handle(p Policy, err *RecordError) error {
	if err == nil {
		return nil
	}
	if p == Strict || err.Kind.Fatal() {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped = append(r.skipped, err)
	r.counts[err.Kind]++
	return nil
}

// Skipped returns the recorded failures in the order they were handled.
func (r *Report) Skipped() []*RecordError {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*RecordError, len(r.skipped))
	copy(out, r.skipped)
	return out
}

// Total returns the number of skipped records.
func (r *Report) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.skipped)
}

// KindCount is a per-kind tally.
type KindCount struct {
	Kind  Kind
	Count int
}

// Counts returns per-kind tallies sorted by kind.
func (r *Report) Counts() []KindCount {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]KindCount, 0, len(r.counts))
	for k, n := range r.counts {
		out = append(out, KindCount{Kind: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
