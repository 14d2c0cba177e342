// Package failure defines the conversion error taxonomy and the per-record
// error policy (strict or lenient).
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a conversion failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindReferenceUnavailable
	KindMalformedInput
	KindNoPlacementForAssembly
	KindUnsupportedVariantClass
	KindReferenceMismatch
	KindNormalizationUnstable
	KindMalformedRecord
)

var kindNames = map[Kind]string{
	KindUnknown:                 "Unknown",
	KindReferenceUnavailable:    "ReferenceUnavailable",
	KindMalformedInput:          "MalformedInput",
	KindNoPlacementForAssembly:  "NoPlacementForAssembly",
	KindUnsupportedVariantClass: "UnsupportedVariantClass",
	KindReferenceMismatch:       "ReferenceMismatch",
	KindNormalizationUnstable:   "NormalizationUnstable",
	KindMalformedRecord:         "MalformedRecord",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Fatal reports whether failures of this kind always abort the run,
// regardless of the error policy.
func (k Kind) Fatal() bool {
	return k == KindReferenceUnavailable || k == KindMalformedInput
}

// Sentinel errors, one per kind. Stage errors wrap these so callers can use
// errors.Is without depending on the concrete error type.
var (
	ErrReferenceUnavailable    = errors.New("reference unavailable")
	ErrMalformedInput          = errors.New("malformed input")
	ErrNoPlacementForAssembly  = errors.New("no placement for assembly")
	ErrUnsupportedVariantClass = errors.New("unsupported variant class")
	ErrReferenceMismatch       = errors.New("reference mismatch")
	ErrNormalizationUnstable   = errors.New("normalization unstable")
	ErrMalformedRecord         = errors.New("malformed record")
)

var sentinels = []struct {
	err  error
	kind Kind
}{
	{ErrReferenceUnavailable, KindReferenceUnavailable},
	{ErrMalformedInput, KindMalformedInput},
	{ErrNoPlacementForAssembly, KindNoPlacementForAssembly},
	{ErrUnsupportedVariantClass, KindUnsupportedVariantClass},
	{ErrReferenceMismatch, KindReferenceMismatch},
	{ErrNormalizationUnstable, KindNormalizationUnstable},
	{ErrMalformedRecord, KindMalformedRecord},
}

// KindOf returns the kind of err, looking through wrapped errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var re *RecordError
	if errors.As(err, &re) && re.Kind != KindUnknown {
		return re.Kind
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindUnknown
}

// RecordError is a failure attributed to a single source record.
type RecordError struct {
	Kind        Kind
	Accession   string
	VariationID string
	Offset      int64 // byte offset of the record in the decompressed input
	Err         error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %s (variation %s, offset %d): %s: %v",
		e.Accession, e.VariationID, e.Offset, e.Kind, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// Errorf returns an error wrapping the sentinel for kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	for _, s := range sentinels {
		if s.kind == kind {
			return fmt.Errorf("%w: %s", s.err, fmt.Sprintf(format, args...))
		}
	}
	return fmt.Errorf(format, args...)
}
