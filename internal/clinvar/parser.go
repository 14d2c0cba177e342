package clinvar

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/brentp/xopen"
	"github.com/klauspost/compress/zstd"

	"github.com/inodb/clinvar2vcf/internal/failure"
)

const archiveElement = "VariationArchive"

// MalformedInputError reports a structural failure of the XML stream. The
// stream cannot be resumed after it.
type MalformedInputError struct {
	Offset int64 // byte offset in the decompressed input
	Err    error
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed input at byte %d: %v", e.Offset, e.Err)
}

func (e *MalformedInputError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, failure.ErrMalformedInput) hold.
func (e *MalformedInputError) Is(target error) bool {
	return target == failure.ErrMalformedInput
}

// Parser reads VariationArchive records one at a time. Only the record being
// decoded is held in memory.
type Parser struct {
	dec     *xml.Decoder
	closer  io.Closer
	count   int
	sawRoot bool
	done    bool
	err     error
}

// Open opens a ClinVar XML release for streaming. "-" reads stdin, *.zst is
// zstd-decompressed, and gzip input is detected from its magic bytes.
func Open(path string) (*Parser, error) {
	if strings.HasSuffix(path, ".zst") {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open clinvar xml: %w", err)
		}
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		p := NewParser(zr)
		p.closer = &zstdCloser{dec: zr, f: f}
		return p, nil
	}

	rdr, err := xopen.Ropen(path)
	if err != nil {
		return nil, fmt.Errorf("open clinvar xml: %w", err)
	}
	p := NewParser(rdr)
	p.closer = rdr
	return p, nil
}

type zstdCloser struct {
	dec *zstd.Decoder
	f   *os.File
}

func (c *zstdCloser) Close() error {
	c.dec.Close()
	return c.f.Close()
}

// NewParser creates a parser reading XML from r.
func NewParser(r io.Reader) *Parser {
	return &Parser{dec: xml.NewDecoder(r)}
}

// Next returns the next record. It returns nil, nil at the end of the
// document. A *MalformedInputError is sticky: every later call returns it.
func (p *Parser) Next() (*Record, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.done {
		return nil, nil
	}

	for {
		offset := p.dec.InputOffset()
		tok, err := p.dec.Token()
		if err == io.EOF {
			if !p.sawRoot {
				return nil, p.fail(offset, errors.New("document has no root element"))
			}
			p.done = true
			return nil, nil
		}
		if err != nil {
			return nil, p.fail(p.dec.InputOffset(), err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		p.sawRoot = true
		if start.Name.Local != archiveElement {
			continue
		}

		var x xmlArchive
		if err := p.dec.DecodeElement(&x, &start); err != nil {
			return nil, p.fail(p.dec.InputOffset(), fmt.Errorf("decode %s at byte %d: %w", archiveElement, offset, err))
		}
		p.count++
		return x.record(offset), nil
	}
}

func (p *Parser) fail(offset int64, err error) error {
	p.err = &MalformedInputError{Offset: offset, Err: err}
	return p.err
}

// Count returns the number of records returned so far.
func (p *Parser) Count() int {
	return p.count
}

// Offset returns the current byte offset in the decompressed input.
func (p *Parser) Offset() int64 {
	return p.dec.InputOffset()
}

// Close releases the underlying file, if the parser opened one.
func (p *Parser) Close() error {
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}
