package sequencer

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNavigationTimeout is returned by UI.Goto when the page did not load in
// time. Implementations wrap their own timeout error with it.
var ErrNavigationTimeout = errors.New("navigation timeout")

// UI is the browser surface the sequencer drives. Selectors are CSS, or XPath
// when prefixed with "xpath=".
type UI interface {
	Goto(ctx context.Context, url string, timeout time.Duration) error
	// WaitLoaded blocks until the page fired load and the network is idle.
	WaitLoaded(ctx context.Context) error
	Visible(ctx context.Context, selector string) (bool, error)
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	ClickRole(ctx context.Context, role, name string) error
	Text(ctx context.Context, selector string) (string, error)
	Checked(ctx context.Context, selector string) (bool, error)
	HasClass(ctx context.Context, selector, class string) (bool, error)
	ScrollIntoView(ctx context.Context, selector string) error
	// Upload clicks the named button and answers the file chooser with path.
	Upload(ctx context.Context, button, path string) error
	// WaitForReload reports whether the page loaded again before timeout.
	WaitForReload(ctx context.Context, timeout time.Duration) (bool, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// Reporter receives progress in percent. statusproto.Writer implements it.
type Reporter interface {
	Status(message string) error
	Progress(message string, percent float64) error
}

type discardReporter struct{}

func (discardReporter) Status(string) error            { return nil }
func (discardReporter) Progress(string, float64) error { return nil }
