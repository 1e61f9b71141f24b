// Package broker routes port messages to the wallet's components and keeps
// each port's subscriptions alive until the port goes away.
package broker

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/event"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-wallet-broker/internal/assets"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/chain"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/host"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/networks"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/shared"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/state"
)

// Port is one connected client. Send must be safe for concurrent use.
type Port interface {
	Send(Outbound) error
}

// PortInfo describes who is behind a port.
type PortInfo struct {
	// URL of the page a content-script port speaks for. Empty for the
	// extension's own pages.
	URL string
}

// Accounts is the account store as seen by the broker.
type Accounts interface {
	Stream() shared.Source[[]shared.Account]
	Accounts() []shared.Account
	Account(address string) (shared.Account, bool)
	CreateFromSeed(mnemonic, name, password, genesisHash string) (shared.Account, error)
	CreateExternal(address, name, genesisHash string) (shared.Account, error)
	Edit(address, name string) error
	Forget(address, password string) error
	Sign(address, password string, data []byte) ([]byte, error)
	HasKey(address string) bool
}

type Deps struct {
	State    *state.State
	Chain    *chain.Manager
	Heads    *chain.HeadTracker
	Assets   *assets.Aggregator
	Accounts Accounts
	Relay    *host.Relay
	Networks *networks.Manager
}

type handlerFunc func(ctx context.Context, s *Session, req Inbound) (any, error)

type route struct {
	fn handlerFunc
	// async handlers wait on the user or the shell and must not hold up
	// the port.
	async bool
	// page routes serve content-script ports only.
	page bool
	// quiet routes answer only on error.
	quiet bool
}

// Extension is the background's message router.
type Extension struct {
	state    *state.State
	chain    *chain.Manager
	heads    *chain.HeadTracker
	assets   *assets.Aggregator
	accounts Accounts
	relay    *host.Relay
	networks *networks.Manager

	routes map[string]route
}

func New(d Deps) *Extension {
	e := &Extension{
		state:    d.State,
		chain:    d.Chain,
		heads:    d.Heads,
		assets:   d.Assets,
		accounts: d.Accounts,
		relay:    d.Relay,
		networks: d.Networks,
	}
	if e.networks == nil {
		e.networks = networks.NewManager("")
	}
	e.routes = e.buildRoutes()
	return e
}

// Connect opens a session for port. The caller feeds it messages in arrival
// order and closes it when the port disconnects.
func (e *Extension) Connect(port Port, info PortInfo) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	log.Info("port connected", "page", info.URL)
	return &Session{
		ext:    e,
		port:   port,
		url:    info.URL,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]event.Subscription),
	}
}

// Session is one port's view of the broker.
type Session struct {
	ext  *Extension
	port Port
	url  string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	subs   map[string]event.Subscription
}

func (s *Session) isPage() bool { return s.url != "" }

// Handle processes one message. Synchronous handlers have answered by the
// time Handle returns; async ones answer later with the same id.
func (s *Session) Handle(req Inbound) {
	r, ok := s.ext.routes[req.Message]
	if !ok {
		s.fail(req.ID, shared.ValidationFailedf("Unable to handle message of type %s", req.Message))
		return
	}
	if r.page && !s.isPage() {
		s.fail(req.ID, shared.ValidationFailedf("Message %s needs a page port", req.Message))
		return
	}
	if !r.page && s.isPage() {
		s.fail(req.ID, shared.PermissionDeniedf("Message %s is not available to pages", req.Message))
		return
	}

	if !r.async {
		s.run(r, req)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.run(r, req)
	}()
}

func (s *Session) run(r route, req Inbound) {
	res, err := r.fn(s.ctx, s, req)
	if err != nil {
		s.fail(req.ID, err)
		return
	}
	if !r.quiet {
		s.send(Outbound{ID: req.ID, Response: res})
	}
}

func (s *Session) fail(id string, err error) {
	s.send(Outbound{ID: id, Error: err.Error(), Code: shared.Code(err)})
}

func (s *Session) send(out Outbound) {
	if s.ctx.Err() != nil {
		return
	}
	if err := s.port.Send(out); err != nil {
		log.Warn("port send failed", "id", out.ID, "err", err)
	}
}

// Close drops the session's subscriptions, abandons its pending requests and
// waits for its handlers to finish.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	s.cancel()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.wg.Wait()
	log.Info("port disconnected", "page", s.url, "subscriptions", len(subs))
}

// ---- host.Shell

func (s *Session) SendCommand(cmd host.Command) error {
	return s.port.Send(Outbound{ID: cmd.ID, Command: cmd.Command, Payload: cmd.Payload})
}

func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// ---- Subscriptions

// subscribe delivers the current value of src under id, then every change
// until the session closes.
func subscribe[T any](s *Session, id string, src shared.Source[T]) (any, error) {
	ch := make(chan T, 16)
	sub := src.Subscribe(ch)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Unsubscribe()
		return nil, shared.ConnectionUnavailablef("port closed")
	}
	if prev, ok := s.subs[id]; ok {
		prev.Unsubscribe()
	}
	s.subs[id] = sub
	s.wg.Add(1)
	s.mu.Unlock()

	s.send(Outbound{ID: id, Subscription: src.Snapshot()})

	go func() {
		defer s.wg.Done()
		for {
			select {
			case v := <-ch:
				s.send(Outbound{ID: id, Subscription: v})
			case <-sub.Err():
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()
	return true, nil
}
