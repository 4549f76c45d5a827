package statusproto

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
)

// Reader frames a job's output stream into events. The first skip lines are
// discarded unconditionally (interpreter banners and the like); every later
// line must be a self-contained JSON object.
type Reader struct {
	r     *bufio.Reader
	skip  int
	scale float64
	line  int
	eof   bool
}

// NewReader wraps r. scale is forwarded to Record.Events.
func NewReader(r io.Reader, skip int, scale float64) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024), skip: skip, scale: scale}
}

// Line returns the 1-based number of the line last returned by Next.
func (r *Reader) Line() int {
	return r.line
}

// Next returns the events of the next protocol line. A malformed line yields an
// error wrapping ErrMalformedLine; the caller may keep reading. io.EOF is
// returned once the stream is exhausted.
//
// Lines are read without a length limit since error records may carry
// base64 screenshots of several megabytes.
func (r *Reader) Next() ([]Event, error) {
	for {
		if r.eof {
			return nil, io.EOF
		}
		raw, err := r.r.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, errors.Wrap(err, "read status stream")
			}
			r.eof = true
			if len(raw) == 0 {
				return nil, io.EOF
			}
		}
		r.line++
		if r.line <= r.skip {
			continue
		}
		rec, decErr := Decode(raw)
		if decErr != nil {
			return nil, errors.Wrapf(decErr, "line %d", r.line)
		}
		return rec.Events(r.scale), nil
	}
}
