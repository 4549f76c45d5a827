package statusproto

// Event is the typed form of a status record; see Progress, Message and Terminal.
type Event interface {
	isEvent()
}

// Progress reports completion in the normalized range [0,1].
type Progress struct {
	Value float64
}

// Message replaces the human readable status text.
type Message struct {
	Text string
}

// Terminal ends the job. Jobs only emit failed terminals; a successful end is
// signalled by a clean process exit.
type Terminal struct {
	OK         bool
	Kind       Kind
	Message    string
	Screenshot []byte
}

func (Progress) isEvent() {}
func (Message) isEvent()  {}
func (Terminal) isEvent() {}

// Events converts a record into events. scale is the job's full-scale progress
// value (100 for percent-emitting jobs, 1 for fractional ones).
func (r Record) Events(scale float64) []Event {
	if r.Error != nil {
		kind := r.Kind
		if kind == "" {
			kind = KindJobFailed
		}
		return []Event{Terminal{Kind: kind, Message: *r.Error, Screenshot: r.Screenshot}}
	}
	var out []Event
	if r.Progress != nil {
		out = append(out, Progress{Value: normalize(*r.Progress, scale)})
	}
	if text, ok := r.Text(); ok {
		out = append(out, Message{Text: text})
	}
	return out
}

func normalize(v, scale float64) float64 {
	if scale <= 0 {
		scale = 1
	}
	v /= scale
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
