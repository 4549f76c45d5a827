package sequencer

import (
	"context"
	"time"

	"github.com/freerangeinternet/fri-provisioning/pkg/statusproto"
)

const maskSelector = "div#mask"

// waitMaskOff returns once the busy mask has been hidden for MaskSettlePolls
// consecutive polls. A mask that flickers back on restarts the count.
func (s *Sequencer) waitMaskOff(ctx context.Context) error {
	maxPolls := int(s.cfg.MaskTimeout / s.cfg.MaskPoll)
	if maxPolls < s.cfg.MaskSettlePolls {
		maxPolls = s.cfg.MaskSettlePolls
	}
	hidden := 0
	for poll := 0; poll < maxPolls; poll++ {
		if err := s.sleep(ctx, s.cfg.MaskPoll); err != nil {
			return err
		}
		visible, err := s.ui.Visible(ctx, maskSelector)
		if err != nil {
			return err
		}
		if visible {
			hidden = 0
			continue
		}
		if hidden++; hidden >= s.cfg.MaskSettlePolls {
			return nil
		}
	}
	return fail(statusproto.KindUISyncTimeout, "waitForMaskOff timeout after %s", s.cfg.MaskTimeout.Round(time.Second))
}
