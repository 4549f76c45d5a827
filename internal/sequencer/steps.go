package sequencer

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/freerangeinternet/fri-provisioning/pkg/statusproto"
)

const (
	selToUpgrade     = "#toUpgrade"
	selSoftware      = "#bot_sver"
	selHardware      = "#bot_hver"
	selUpgradeAP     = "label[for=chk_AP1] > span"
	selLocalUpgrade  = "#t_local_upgrade"
	selUpgradeWait   = ".T_wait_upgrade"
	idAutoUpgrade    = "div_autoUpgradeBtn"
	selWanMenu       = ".ml1 > a[url='ethWan.htm']"
	selWanSubmenu    = ".ml2 > a[url='ethWan.htm']"
	selWanEdit       = "#multiWanBody span.edit-modify-icon"
	selWanAdvanced   = "#multiWanEdit span.advanced-icon"
	selHostname      = "#hostname"
	selSaveConn      = "#saveConnBtn"
	selWirelessMenu  = ".ml1 > a[url='wirelessSettings.htm']"
	selWirelessSub   = ".ml2 > a[url='wirelessSettings.htm']"
	selSSID          = "#ssid"
	selWPA2Password  = "#wpa2PersonalPwd"
	selDynAdvanced   = "#dynAdvClick"
	selSave          = "#save"
	selSystemMenu    = ".ml1 > a[url='time.htm']"
	selAdminSubmenu  = ".ml2 > a[url='manageCtrl.htm']"
	selRemoteHTTP    = "#remoteHttpEn"
	selRemoteHTTPLbl = "label[for=remoteHttpEn]"
	selAlertOK       = "#alert-container button.btn-msg-ok"
	selSaveRemote    = "#t_save3"
	selRemotePing    = "#pingRemote"
	selRemotePingLbl = "label[for=pingRemote]"
	selSavePing      = "#t_save4"
	selBackupSubmenu = ".ml2 > a[url='backNRestore.htm']"
	selResetBtn      = "button#resetBtn"

	wifiSecurity = "WPA-PSK[TKIP]+WPA2-PSK[AES]"
	// Hardware that gets the wider 5 GHz channel.
	wideChannelHardware = "HX510"
)

// upgrade flashes the repository image when the router runs something else.
// It reports true when the router was flashed and is rebooting.
func (s *Sequencer) upgrade(ctx context.Context) (bool, error) {
	s.progress("Go to upgrade", 32)
	if err := s.ui.Click(ctx, selToUpgrade); err != nil {
		return false, err
	}
	if err := s.sleep(ctx, time.Second); err != nil {
		return false, err
	}
	sver, err := s.ui.Text(ctx, selSoftware)
	if err != nil {
		return false, err
	}
	hver, err := s.ui.Text(ctx, selHardware)
	if err != nil {
		return false, err
	}
	fw, err := s.cfg.Firmware.Lookup(hver, sver)
	if err != nil {
		return false, err
	}
	log.Info().Str("hardware", NormalizeVersion(hver)).Str("software", NormalizeVersion(sver)).
		Str("target", fw.Version).Bool("current", fw.Current).Msg("firmware check")

	if fw.Current {
		if err := s.toggleRadio(ctx, idAutoUpgrade, true); err != nil {
			return false, err
		}
		return false, s.sleep(ctx, time.Second)
	}
	if s.upgrades++; s.upgrades > s.cfg.MaxUpgrades {
		return false, fail(statusproto.KindJobFailed, "Firmware still not %s after %d upgrades", fw.Version, s.cfg.MaxUpgrades)
	}

	if err := s.ui.Upload(ctx, "Browse", fw.Path); err != nil {
		return false, err
	}
	if err := s.sleep(ctx, time.Second); err != nil {
		return false, err
	}
	if err := s.clickIfVisible(ctx, selUpgradeAP); err != nil {
		return false, err
	}
	if err := s.ui.Click(ctx, selLocalUpgrade); err != nil {
		return false, err
	}
	s.progress("Uploading firmware", 35)
	if err := s.sleep(ctx, time.Second); err != nil {
		return false, err
	}
	if _, err := s.ui.Visible(ctx, selUpgradeWait); err != nil {
		return false, err
	}
	s.progress("Rebooting", 38)
	reloaded, err := s.ui.WaitForReload(ctx, s.cfg.RebootTimeout)
	if err != nil {
		return false, err
	}
	if !reloaded {
		log.Warn().Dur("timeout", s.cfg.RebootTimeout).Msg("no reload after firmware upgrade, continuing")
	}
	return true, nil
}

func (s *Sequencer) setHostname(ctx context.Context) (bool, error) {
	s.progress("Go to WAN page", 35)
	if err := s.openSubmenu(ctx, selWanMenu, selWanSubmenu); err != nil {
		return false, err
	}
	s.progress("Set hostname to "+s.cfg.Hostname, 40)
	if err := s.clickAll(ctx, selWanEdit, selWanAdvanced); err != nil {
		return false, err
	}
	if err := s.ui.Fill(ctx, selHostname, s.cfg.Hostname); err != nil {
		return false, err
	}
	if err := s.ui.Click(ctx, selSaveConn); err != nil {
		return false, err
	}
	if err := s.waitMaskOff(ctx); err != nil {
		return false, err
	}
	if err := s.sleep(ctx, time.Second); err != nil {
		return false, err
	}
	s.status("Hostname set")
	return true, nil
}

func (s *Sequencer) setWiFi(ctx context.Context) (bool, error) {
	s.progress("Go to wireless page", 45)
	if err := s.openSubmenu(ctx, selWirelessMenu, selWirelessSub); err != nil {
		return false, err
	}
	for _, opt := range []struct {
		id, label string
		percent   float64
	}{
		{"enableOfdma", "Disable OFDMA", 50},
		{"enableTwt", "Disable TWT", 60},
	} {
		present, err := s.ui.Visible(ctx, "#"+opt.id)
		if err != nil {
			return false, err
		}
		if !present {
			continue
		}
		s.progress(opt.label, opt.percent)
		if err := s.toggleRadio(ctx, opt.id, false); err != nil {
			return false, err
		}
	}

	s.progress("Set SSID & PSK", 70)
	if err := s.ui.Fill(ctx, selSSID, s.cfg.SSID); err != nil {
		return false, err
	}
	if err := s.selectByText(ctx, "_sec", wifiSecurity); err != nil {
		return false, err
	}
	if err := s.ui.Fill(ctx, selWPA2Password, s.cfg.PSK); err != nil {
		return false, err
	}

	width := "20MHz"
	hardware, err := s.ui.Text(ctx, selHardware)
	if err != nil {
		return false, err
	}
	if strings.Contains(hardware, wideChannelHardware) {
		width = "40MHz"
	}
	s.progress("Set channel width to "+width, 75)
	if err := s.ui.Click(ctx, selDynAdvanced); err != nil {
		return false, err
	}
	if err := s.selectByValue(ctx, "_chnwidth_adv_2g", "20MHz"); err != nil {
		return false, err
	}
	if err := s.selectByValue(ctx, "_chnwidth_adv_5g", width); err != nil {
		return false, err
	}
	if err := s.ui.Click(ctx, selSave); err != nil {
		return false, err
	}
	return true, s.waitMaskOff(ctx)
}

func (s *Sequencer) setAdmin(ctx context.Context) (bool, error) {
	s.progress("Go to admin", 80)
	if err := s.openSubmenu(ctx, selSystemMenu, selAdminSubmenu); err != nil {
		return false, err
	}

	s.progress("Set remote access", 90)
	enabled, err := s.ui.Checked(ctx, selRemoteHTTP)
	if err != nil {
		return false, err
	}
	if !enabled {
		if err := s.ui.Click(ctx, selRemoteHTTPLbl); err != nil {
			return false, err
		}
		if err := s.sleep(ctx, 500*time.Millisecond); err != nil {
			return false, err
		}
		if err := s.clickIfVisible(ctx, selAlertOK); err != nil {
			return false, err
		}
		if err := s.ui.Click(ctx, selSaveRemote); err != nil {
			return false, err
		}
		if err := s.waitMaskOff(ctx); err != nil {
			return false, err
		}
		if err := s.sleep(ctx, time.Second); err != nil {
			return false, err
		}
	}

	s.progress("Set remote ping", 95)
	ping, err := s.ui.Checked(ctx, selRemotePing)
	if err != nil {
		return false, err
	}
	if !ping {
		if err := s.clickAll(ctx, selRemotePingLbl, selSavePing); err != nil {
			return false, err
		}
		if err := s.waitMaskOff(ctx); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *Sequencer) reset(ctx context.Context) (bool, error) {
	s.status("Reset to factory defaults")
	if err := s.openSubmenu(ctx, selSystemMenu, selBackupSubmenu); err != nil {
		return false, err
	}
	if err := s.ui.Click(ctx, selResetBtn); err != nil {
		return false, err
	}
	if err := s.sleep(ctx, 250*time.Millisecond); err != nil {
		return false, err
	}
	if err := s.ui.ClickRole(ctx, "button", "Yes"); err != nil {
		return false, err
	}
	if err := s.sleep(ctx, time.Second); err != nil {
		return false, err
	}
	s.status("Reset to factory defaults success")
	return true, nil
}

// openSubmenu expands the top level menu unless the submenu entry is
// already showing, then opens the submenu page.
func (s *Sequencer) openSubmenu(ctx context.Context, menu, submenu string) error {
	shown, err := s.ui.Visible(ctx, submenu)
	if err != nil {
		return err
	}
	if !shown {
		if err := s.ui.Click(ctx, menu); err != nil {
			return err
		}
		if err := s.sleep(ctx, 500*time.Millisecond); err != nil {
			return err
		}
	}
	if err := s.ui.Click(ctx, submenu); err != nil {
		return err
	}
	return s.sleep(ctx, time.Second)
}

func (s *Sequencer) clickAll(ctx context.Context, selectors ...string) error {
	for _, sel := range selectors {
		if err := s.ui.Click(ctx, sel); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sequencer) clickIfVisible(ctx context.Context, selector string) error {
	visible, err := s.ui.Visible(ctx, selector)
	if err != nil || !visible {
		return err
	}
	return s.ui.Click(ctx, selector)
}

// selectByText picks an option of the router's custom dropdown by its label.
func (s *Sequencer) selectByText(ctx context.Context, id, text string) error {
	option := "xpath=//*[@id='" + id + "']//li[text()='" + strings.ReplaceAll(text, "'", "\\'") + "']"
	return s.selectOption(ctx, id, option)
}

// selectByValue picks an option of the router's custom dropdown by data-val.
func (s *Sequencer) selectByValue(ctx context.Context, id, value string) error {
	option := "#" + id + " li[data-val='" + strings.ReplaceAll(value, "'", "\\'") + "']"
	return s.selectOption(ctx, id, option)
}

func (s *Sequencer) selectOption(ctx context.Context, id, option string) error {
	if err := s.ui.Click(ctx, "#"+id+" > .tp-select"); err != nil {
		return err
	}
	if err := s.ui.ScrollIntoView(ctx, option); err != nil {
		return err
	}
	if err := s.sleep(ctx, 250*time.Millisecond); err != nil {
		return err
	}
	if err := s.ui.Click(ctx, option); err != nil {
		return err
	}
	return s.sleep(ctx, 500*time.Millisecond)
}

// toggleRadio sets one of the router's on/off switches.
func (s *Sequencer) toggleRadio(ctx context.Context, id string, on bool) error {
	current, err := s.ui.HasClass(ctx, "#"+id, "on")
	if err != nil {
		return err
	}
	if current == on {
		return nil
	}
	if err := s.ui.Click(ctx, "#"+id+" div.button-group-wrap"); err != nil {
		return err
	}
	return s.waitMaskOff(ctx)
}
