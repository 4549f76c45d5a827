package statusproto

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Writer emits records from inside a job process. Like the reader side it
// keeps the last progress value so that a plain status update still carries
// the current percentage.
type Writer struct {
	mu           sync.Mutex
	out          io.Writer
	lastProgress float64
}

// NewWriter returns a Writer emitting to out (normally os.Stdout).
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

// Status emits a message with the last known progress.
func (w *Writer) Status(message string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.lastProgress
	return w.write(Record{Progress: &p, Status: &message})
}

// Progress records a new progress value (in percent) and emits it with message.
func (w *Writer) Progress(message string, percent float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if percent > 0 {
		w.lastProgress = percent
	}
	p := w.lastProgress
	return w.write(Record{Progress: &p, Status: &message})
}

// Fail emits the terminal error record.
func (w *Writer) Fail(kind Kind, message string, screenshot []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(Record{Error: &message, Kind: kind, Screenshot: screenshot})
}

func (w *Writer) write(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode status record")
	}
	data = append(data, '\n')
	if _, err := w.out.Write(data); err != nil {
		return errors.Wrap(err, "write status record")
	}
	return nil
}
