package sequencer

import (
	"context"
	"sync"
	"time"
)

// fakeUI is a scriptable router page. Selectors not mentioned are hidden.
type fakeUI struct {
	mu sync.Mutex

	visible map[string]bool
	texts   map[string]string
	checked map[string]bool
	classes map[string]bool

	gotoErrs  []error
	gotoCalls int

	// maskSeq is consumed one entry per poll; afterwards maskAlways applies.
	maskSeq    []bool
	maskAlways bool
	maskPolls  int

	onClick map[string]func(u *fakeUI)
	onFill  func(u *fakeUI, selector, value string)

	clicks  []string
	fills   []string
	uploads []string
	roles   []string

	reloaded bool
	shot     []byte
}

func newFakeUI() *fakeUI {
	return &fakeUI{
		visible:  map[string]bool{},
		texts:    map[string]string{},
		checked:  map[string]bool{},
		classes:  map[string]bool{},
		onClick:  map[string]func(u *fakeUI){},
		reloaded: true,
		shot:     []byte("png"),
	}
}

func (u *fakeUI) Goto(ctx context.Context, url string, timeout time.Duration) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.gotoCalls++
	if len(u.gotoErrs) > 0 {
		err := u.gotoErrs[0]
		u.gotoErrs = u.gotoErrs[1:]
		return err
	}
	return nil
}

func (u *fakeUI) WaitLoaded(ctx context.Context) error { return ctx.Err() }

func (u *fakeUI) Visible(ctx context.Context, selector string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if selector == maskSelector {
		u.maskPolls++
		if len(u.maskSeq) > 0 {
			v := u.maskSeq[0]
			u.maskSeq = u.maskSeq[1:]
			return v, nil
		}
		return u.maskAlways, nil
	}
	return u.visible[selector], nil
}

func (u *fakeUI) Fill(ctx context.Context, selector, value string) error {
	u.mu.Lock()
	u.fills = append(u.fills, selector+"="+value)
	hook := u.onFill
	u.mu.Unlock()
	if hook != nil {
		hook(u, selector, value)
	}
	return nil
}

func (u *fakeUI) Click(ctx context.Context, selector string) error {
	u.mu.Lock()
	u.clicks = append(u.clicks, selector)
	hook := u.onClick[selector]
	u.mu.Unlock()
	if hook != nil {
		hook(u)
	}
	return nil
}

func (u *fakeUI) ClickRole(ctx context.Context, role, name string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.roles = append(u.roles, role+":"+name)
	return nil
}

func (u *fakeUI) Text(ctx context.Context, selector string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.texts[selector], nil
}

func (u *fakeUI) Checked(ctx context.Context, selector string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.checked[selector], nil
}

func (u *fakeUI) HasClass(ctx context.Context, selector, class string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.classes[selector+"."+class], nil
}

func (u *fakeUI) ScrollIntoView(ctx context.Context, selector string) error { return nil }

func (u *fakeUI) Upload(ctx context.Context, button, path string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploads = append(u.uploads, button+":"+path)
	return nil
}

func (u *fakeUI) WaitForReload(ctx context.Context, timeout time.Duration) (bool, error) {
	return u.reloaded, ctx.Err()
}

func (u *fakeUI) Screenshot(ctx context.Context) ([]byte, error) {
	return u.shot, nil
}

func (u *fakeUI) set(selector string, visible bool) {
	u.mu.Lock()
	u.visible[selector] = visible
	u.mu.Unlock()
}

func (u *fakeUI) clickCount(selector string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, c := range u.clicks {
		if c == selector {
			n++
		}
	}
	return n
}

type recordingReporter struct {
	mu       sync.Mutex
	messages []string
	last     float64
}

func (r *recordingReporter) Status(msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingReporter) Progress(msg string, pct float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	r.last = pct
	return nil
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }
