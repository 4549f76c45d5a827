// Package browser implements sequencer.UI on top of a Playwright-driven
// Chromium page.
package browser

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog/log"

	"github.com/freerangeinternet/fri-provisioning/internal/sequencer"
)

const defaultTimeout = 30 * time.Second

// Options configures the browser session.
type Options struct {
	// Headed shows the browser window (DEBUG=true).
	Headed bool
	Width  int
	Height int
}

// Page drives a single Chromium page.
type Page struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	page    playwright.Page
}

var _ sequencer.UI = (*Page)(nil)

// Launch starts Playwright and opens a fresh page.
func Launch(opts Options) (*Page, error) {
	if opts.Width <= 0 {
		opts.Width = 1280
	}
	if opts.Height <= 0 {
		opts.Height = 1280
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, errors.Wrap(err, "start playwright")
	}
	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(!opts.Headed),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, errors.Wrap(err, "launch chromium")
	}
	page, err := b.NewPage(playwright.BrowserNewPageOptions{
		Viewport: &playwright.Size{Width: opts.Width, Height: opts.Height},
	})
	if err != nil {
		_ = b.Close()
		_ = pw.Stop()
		return nil, errors.Wrap(err, "open page")
	}
	page.SetDefaultTimeout(ms(defaultTimeout))
	log.Debug().Bool("headed", opts.Headed).Msg("browser launched")
	return &Page{pw: pw, browser: b, page: page}, nil
}

// Close shuts the browser and the Playwright driver down.
func (p *Page) Close() error {
	var first error
	if err := p.browser.Close(); err != nil {
		first = errors.Wrap(err, "close browser")
	}
	if err := p.pw.Stop(); err != nil && first == nil {
		first = errors.Wrap(err, "stop playwright")
	}
	return first
}

func (p *Page) Goto(ctx context.Context, url string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.page.Goto(url, playwright.PageGotoOptions{Timeout: playwright.Float(ms(timeout))})
	return translate(err)
}

func (p *Page) WaitLoaded(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, state := range []*playwright.LoadState{playwright.LoadStateLoad, playwright.LoadStateNetworkidle} {
		if err := p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{State: state}); err != nil {
			return translate(err)
		}
	}
	return nil
}

func (p *Page) Visible(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := p.page.Locator(selector).First().IsVisible()
	return ok, translate(err)
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translate(p.page.Locator(selector).Fill(value))
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translate(p.page.Locator(selector).First().Click())
}

func (p *Page) ClickRole(ctx context.Context, role, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := p.page.GetByRole(playwright.AriaRole(role), playwright.PageGetByRoleOptions{Name: name})
	return translate(loc.Click())
}

func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, err := p.page.Locator(selector).First().TextContent()
	return text, translate(err)
}

func (p *Page) Checked(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := p.page.Locator(selector).IsChecked()
	return ok, translate(err)
}

func (p *Page) HasClass(ctx context.Context, selector, class string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	v, err := p.page.Locator(selector).Evaluate("(el, cls) => el.classList.contains(cls)", class)
	if err != nil {
		return false, translate(err)
	}
	ok, _ := v.(bool)
	return ok, nil
}

func (p *Page) ScrollIntoView(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translate(p.page.Locator(selector).ScrollIntoViewIfNeeded())
}

// Upload clicks the button labelled button and hands the file chooser the
// contents of path.
func (p *Page) Upload(ctx context.Context, button, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read firmware %s", path)
	}
	chooser, err := p.page.ExpectFileChooser(func() error {
		return p.page.GetByRole(*playwright.AriaRoleButton, playwright.PageGetByRoleOptions{Name: button}).Click()
	})
	if err != nil {
		return translate(err)
	}
	return translate(chooser.SetFiles([]playwright.InputFile{{
		Name:     filepath.Base(path),
		MimeType: "application/octet-stream",
		Buffer:   data,
	}}))
}

// WaitForReload waits for the next load event. A timeout is reported as
// false rather than an error.
func (p *Page) WaitForReload(ctx context.Context, timeout time.Duration) (bool, error) {
	done := make(chan error, 1)
	go func() {
		_, err := p.page.WaitForEvent("load", playwright.PageWaitForEventOptions{Timeout: playwright.Float(ms(timeout))})
		done <- err
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case err := <-done:
		if errors.Is(err, playwright.ErrTimeout) {
			return false, nil
		}
		return err == nil, translate(err)
	}
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	shot, err := p.page.Screenshot(playwright.PageScreenshotOptions{
		Type:     playwright.ScreenshotTypePng,
		FullPage: playwright.Bool(true),
	})
	if err != nil {
		return nil, errors.Wrap(err, "screenshot")
	}
	return shot, nil
}

// translate marks Playwright timeouts so the sequencer can classify them.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTimeout) {
		return errors.Wrap(sequencer.ErrNavigationTimeout, err.Error())
	}
	return err
}

func ms(d time.Duration) float64 {
	return float64(d / time.Millisecond)
}
