package sequencer

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/freerangeinternet/fri-provisioning/pkg/statusproto"
)

// LoginState is what the router shows when the Login task starts.
type LoginState int

const (
	LoginUnknown LoginState = iota
	NeedsPasswordCreation
	NeedsLogin
	NeedsRegion
	NeedsWizardSkip
	Ready
)

func (s LoginState) String() string {
	switch s {
	case NeedsPasswordCreation:
		return "NeedsPasswordCreation"
	case NeedsLogin:
		return "NeedsLogin"
	case NeedsRegion:
		return "NeedsRegion"
	case NeedsWizardSkip:
		return "NeedsWizardSkip"
	case Ready:
		return "Ready"
	}
	return "Unknown"
}

const (
	selSetPassword     = "#pc-setPwd-new"
	selSetPasswordConf = "#pc-setPwd-confirm"
	selSetPasswordBtn  = "#pc-setPwd-btn"
	selLoginPassword   = "#pc-login-password"
	selLoginBtn        = "#pc-login-btn"
	selConfirmYes      = "#confirm-yes"
	selRegionNote      = "#t_regionNote"
	selWanNext         = "#wan_next"
	selNext            = "#next"
	selAdvanced        = "#advanced"
)

// loginMarkers are checked in order; the first visible one wins.
var loginMarkers = []struct {
	selector string
	state    LoginState
}{
	{selSetPassword, NeedsPasswordCreation},
	{selLoginPassword, NeedsLogin},
	{selRegionNote, NeedsRegion},
	{selWanNext, NeedsWizardSkip},
	{selAdvanced, Ready},
}

// DetectLoginState inspects the current page.
func DetectLoginState(ctx context.Context, ui UI) (LoginState, error) {
	for _, m := range loginMarkers {
		visible, err := ui.Visible(ctx, m.selector)
		if err != nil {
			return LoginUnknown, err
		}
		if visible {
			return m.state, nil
		}
	}
	return LoginUnknown, nil
}

// login handles whichever first-run or login page is showing. It is done
// once the advanced settings view has been opened.
func (s *Sequencer) login(ctx context.Context) (bool, error) {
	state, err := DetectLoginState(ctx, s.ui)
	if err != nil {
		return false, err
	}
	log.Debug().Str("state", state.String()).Msg("login page detected")
	switch state {
	case NeedsPasswordCreation:
		s.progress("Create password", 5)
		if err := s.ui.Fill(ctx, selSetPassword, s.cfg.Password); err != nil {
			return false, err
		}
		if err := s.ui.Fill(ctx, selSetPasswordConf, s.cfg.Password); err != nil {
			return false, err
		}
		if err := s.ui.Click(ctx, selSetPasswordBtn); err != nil {
			return false, err
		}
		s.status("Password created")
		return false, nil
	case NeedsLogin:
		return false, s.enterPassword(ctx)
	case NeedsRegion:
		s.progress("Set region", 15)
		if err := s.selectByText(ctx, "_region", s.cfg.Region); err != nil {
			return false, err
		}
		if err := s.selectByValue(ctx, "_timezone", s.cfg.Timezone); err != nil {
			return false, err
		}
		if err := s.ui.Click(ctx, selNext); err != nil {
			return false, err
		}
		if err := s.waitMaskOff(ctx); err != nil {
			return false, err
		}
		s.status("Region set")
		return false, nil
	case NeedsWizardSkip:
		return s.skipWizard(ctx)
	case Ready:
		s.progress("Click advanced", 30)
		return s.openAdvanced(ctx)
	}
	return false, fail(statusproto.KindUnknownUIState, "Unknown page while trying to log in")
}

func (s *Sequencer) enterPassword(ctx context.Context) error {
	s.progress("Log in", 10)
	passwords := append([]string{s.cfg.Password}, s.cfg.AlternativePasswords...)
	for i, pw := range passwords {
		log.Debug().Int("candidate", i).Int("candidates", len(passwords)).Msg("log in")
		if err := s.ui.Fill(ctx, selLoginPassword, pw); err != nil {
			return err
		}
		if err := s.ui.Click(ctx, selLoginBtn); err != nil {
			return err
		}
		if err := s.ui.WaitLoaded(ctx); err != nil {
			return err
		}
		if err := s.sleep(ctx, 250*time.Millisecond); err != nil {
			return err
		}
		// Another session is active; the router asks before taking it over.
		confirm, err := s.ui.Visible(ctx, selConfirmYes)
		if err != nil {
			return err
		}
		if confirm {
			text, err := s.ui.Text(ctx, selConfirmYes)
			if err != nil {
				return err
			}
			if strings.TrimSpace(text) == "Log in" {
				if err := s.ui.Click(ctx, selConfirmYes); err != nil {
					return err
				}
				if err := s.ui.WaitLoaded(ctx); err != nil {
					return err
				}
				if err := s.sleep(ctx, 3250*time.Millisecond); err != nil {
					return err
				}
			}
		}
		still, err := s.ui.Visible(ctx, selLoginPassword)
		if err != nil {
			return err
		}
		if !still {
			s.status("Logged in")
			return nil
		}
		log.Debug().Int("candidate", i).Msg("wrong password")
	}
	return fail(statusproto.KindInvalidCredentials, "Invalid password")
}

func (s *Sequencer) skipWizard(ctx context.Context) (bool, error) {
	s.progress("Skip quick setup", 20)
	if err := s.ui.Click(ctx, selWanNext); err != nil {
		return false, err
	}
	if err := s.waitMaskOff(ctx); err != nil {
		return false, err
	}
	for step := 1; ; step++ {
		done, err := s.ui.Visible(ctx, selAdvanced)
		if err != nil {
			return false, err
		}
		if done {
			break
		}
		if step > s.cfg.MaxWizardSteps {
			return false, fail(statusproto.KindUISyncTimeout, "Quick setup did not finish after %d steps", s.cfg.MaxWizardSteps)
		}
		s.progress("Skip quick setup", float64(min(20+step, 29)))
		if err := s.ui.Click(ctx, selNext); err != nil {
			return false, err
		}
		if err := s.waitMaskOff(ctx); err != nil {
			return false, err
		}
	}
	s.progress("Quick setup successful", 30)
	return s.openAdvanced(ctx)
}

func (s *Sequencer) openAdvanced(ctx context.Context) (bool, error) {
	if err := s.ui.Click(ctx, selAdvanced); err != nil {
		return false, err
	}
	if err := s.sleep(ctx, 500*time.Millisecond); err != nil {
		return false, err
	}
	return true, nil
}
