package state

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/host"
)

// Popup owns the single approval window. Every pending request shares it.
type Popup struct {
	host    host.Host
	spec    host.WindowSpec
	timeout time.Duration

	mu          sync.Mutex
	window      host.WindowID
	open        bool
	opening     bool
	closeOnOpen bool
	waiters     []func(host.WindowID)
}

func NewPopup(h host.Host, spec host.WindowSpec, timeout time.Duration) *Popup {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Popup{host: h, spec: spec, timeout: timeout}
}

// Open shows the approval window unless one is already up or on its way.
// onOpened (optional) receives the handle once the window exists. Open
// blocks only for the caller that actually creates the window.
func (p *Popup) Open(onOpened func(host.WindowID)) {
	p.mu.Lock()
	if p.open {
		id := p.window
		p.mu.Unlock()
		if onOpened != nil {
			onOpened(id)
		}
		return
	}
	if onOpened != nil {
		p.waiters = append(p.waiters, onOpened)
	}
	if p.opening {
		// someone still needs the window
		p.closeOnOpen = false
		p.mu.Unlock()
		return
	}
	p.opening = true
	p.closeOnOpen = false
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	id, err := p.host.OpenWindow(ctx, p.spec)
	cancel()

	p.mu.Lock()
	p.opening = false
	waiters := p.waiters
	p.waiters = nil
	if err != nil {
		p.mu.Unlock()
		log.Warn("failed to open approval popup", "err", err)
		return
	}
	if p.closeOnOpen {
		p.closeOnOpen = false
		p.mu.Unlock()
		p.closeWindow(id)
		return
	}
	p.window = id
	p.open = true
	p.mu.Unlock()

	for _, fn := range waiters {
		fn(id)
	}
}

// Close closes the tracked window. With ids, it only closes the window if it
// is one of them. Without ids, a window still being opened is closed as soon
// as it appears.
func (p *Popup) Close(ids ...host.WindowID) {
	p.mu.Lock()
	if !p.open {
		if p.opening && len(ids) == 0 {
			p.closeOnOpen = true
		}
		p.mu.Unlock()
		return
	}
	if len(ids) > 0 && !slices.Contains(ids, p.window) {
		p.mu.Unlock()
		return
	}
	id := p.window
	p.open = false
	p.mu.Unlock()

	p.closeWindow(id)
}

// Forget stops tracking id after the user closed it.
func (p *Popup) Forget(id host.WindowID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open && p.window == id {
		p.open = false
	}
}

// Current returns the tracked window, if any.
func (p *Popup) Current() (host.WindowID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.window, p.open
}

func (p *Popup) closeWindow(id host.WindowID) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.host.CloseWindow(ctx, id); err != nil {
		log.Warn("failed to close approval popup", "window", id, "err", err)
	}
}
