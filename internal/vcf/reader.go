package vcf

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/brentp/xopen"
)

// Reader reads sites-only VCF records such as the output of a conversion run.
// It is not used by the conversion itself. Plain and gzip/bgzip input are both
// accepted.
type Reader struct {
	reader     *bufio.Reader
	closer     io.Closer
	lineNumber int
	header     []string
}

// Open opens the VCF at path ("-" for stdin) and reads its header.
func Open(path string) (*Reader, error) {
	rdr, err := xopen.Ropen(path)
	if err != nil {
		return nil, fmt.Errorf("open vcf file: %w", err)
	}
	r := &Reader{reader: bufio.NewReader(rdr), closer: rdr}
	if err := r.parseHeader(); err != nil {
		rdr.Close()
		return nil, err
	}
	return r, nil
}

// NewReader creates a reader from an uncompressed stream.
func NewReader(r io.Reader) (*Reader, error) {
	vr := &Reader{reader: bufio.NewReader(r)}
	if err := vr.parseHeader(); err != nil {
		return nil, err
	}
	return vr, nil
}

// parseHeader reads and stores VCF header lines.
func (r *Reader) parseHeader() error {
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("read header: %w", err)
		}
		r.lineNumber++

		line = strings.TrimRight(line, "\r\n")

		if strings.HasPrefix(line, "##") {
			r.header = append(r.header, line)
			continue
		}

		if strings.HasPrefix(line, "#CHROM") {
			r.header = append(r.header, line)
			return nil
		}

		return &ParseError{
			Line:    r.lineNumber,
			Message: "expected #CHROM header line",
		}
	}

	return &ParseError{
		Line:    r.lineNumber,
		Message: "no #CHROM header line found",
	}
}

// Next reads the next variant.
// Returns nil, nil when there are no more variants.
func (r *Reader) Next() (*Variant, error) {
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				return nil, nil
			}
			return nil, fmt.Errorf("read variant line: %w", err)
		}
		r.lineNumber++

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		return r.parseLine(line)
	}
}

// parseLine parses a single VCF data line into a Variant.
func (r *Reader) parseLine(line string) (*Variant, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 8 {
		return nil, &ParseError{
			Line:    r.lineNumber,
			Message: fmt.Sprintf("expected at least 8 columns, found %d", len(fields)),
		}
	}

	pos, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || pos < 1 {
		return nil, &ParseError{
			Line:    r.lineNumber,
			Message: fmt.Sprintf("invalid position: %s", fields[1]),
		}
	}

	id := fields[2]
	if id == "." {
		id = ""
	}
	return &Variant{
		Chrom: fields[0],
		Pos:   pos,
		ID:    id,
		Ref:   fields[3],
		Alt:   fields[4],
		Info:  ParseInfo(fields[7]),
	}, nil
}

// ParseInfo splits an INFO column into ordered fields. Values are returned
// as written, without percent-decoding.
func ParseInfo(info string) Info {
	if info == "." || info == "" {
		return nil
	}
	parts := strings.Split(info, ";")
	out := make(Info, 0, len(parts))
	for _, kv := range parts {
		key, value, _ := strings.Cut(kv, "=")
		out = append(out, InfoField{Key: key, Value: value})
	}
	return out
}

// Header returns the VCF header lines.
func (r *Reader) Header() []string {
	return r.header
}

// LineNumber returns the current line number being processed.
func (r *Reader) LineNumber() int {
	return r.lineNumber
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// ParseError represents an error during VCF parsing with line context.
type ParseError struct {
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("vcf parse error at line %d: %s", e.Line, e.Message)
}
