package state

import (
	"context"
	"strconv"
	"time"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/constants"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/host"
)

type Counts struct {
	Auth int `json:"auth"`
	Sign int `json:"sign"`
}

// BadgeText renders the toolbar label. Pending access requests win over the
// signing count.
func BadgeText(c Counts) string {
	switch {
	case c.Auth > 0:
		return constants.BadgeAuth
	case c.Sign > 0:
		return strconv.Itoa(c.Sign)
	default:
		return ""
	}
}

// updateIcon pushes the current badge and, once nothing is pending and the
// caller asks for it, closes the popup (only popupID when given).
func (s *State) updateIcon(shouldClose bool, popupID *host.WindowID) {
	s.badgeMu.Lock()
	text := BadgeText(s.Counts())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := s.host.SetBadge(ctx, text); err != nil {
		log.Warn("failed to set badge", "text", text, "err", err)
	}
	cancel()
	s.badgeMu.Unlock()

	if !shouldClose || text != "" {
		return
	}
	if popupID != nil {
		s.popup.Close(*popupID)
		return
	}
	s.popup.Close()
}
