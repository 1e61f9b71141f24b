package chain

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-wallet-broker/internal/constants"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/shared"
)

// Snapshot is one consistent view of the connection. Capabilities always
// belong to Conn; a new connection produces a new Snapshot with a new Gen.
type Snapshot struct {
	Gen          uint64       `json:"gen"`
	Endpoint     string       `json:"endpoint"`
	Status       string       `json:"status"`
	Capabilities Capabilities `json:"capabilities,omitempty"`
	Err          string       `json:"error,omitempty"`
	Conn         Conn         `json:"-"`
}

func (s Snapshot) Ready() bool {
	return s.Status == constants.StatusReady && s.Conn != nil
}

type Options struct {
	DialTimeout    time.Duration
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	return o
}

// Manager keeps at most one live connection for the current endpoint.
type Manager struct {
	dial Dialer
	opts Options

	mu         sync.Mutex
	gen        uint64
	current    Snapshot
	cancelDial context.CancelFunc
	closed     bool
	wg         sync.WaitGroup

	notifyMu  sync.Mutex
	notified  Snapshot
	listeners []func(Snapshot)
	stream    *shared.Stream[Snapshot]
}

func NewManager(dial Dialer, opts Options) *Manager {
	if dial == nil {
		dial = DialRPC
	}
	initial := Snapshot{Status: constants.StatusDisconnected}
	return &Manager{
		dial:    dial,
		opts:    opts.withDefaults(),
		current: initial,
		stream:  shared.NewStream(initial),
	}
}

// OnChange registers fn to be called synchronously after every state change.
// fn must not block.
func (m *Manager) OnChange(fn func(Snapshot)) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) Stream() shared.Source[Snapshot] { return m.stream }

// SetEndpoint switches to endpoint. The same endpoint while connecting or
// ready is a no-op; after a failure it reconnects. The previous connection
// is closed before the new dial starts.
func (m *Manager) SetEndpoint(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if err := ValidateEndpoint(endpoint); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("connection manager closed")
	}
	if m.current.Endpoint == endpoint && m.current.Status != constants.StatusDisconnected {
		m.mu.Unlock()
		return nil
	}

	old := m.current.Conn
	if m.cancelDial != nil {
		m.cancelDial()
	}
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	m.current = Snapshot{Gen: gen, Endpoint: endpoint, Status: constants.StatusConnecting}
	m.wg.Add(1)
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	log.Info("connecting to chain", "endpoint", endpoint, "gen", gen)
	m.notify()

	go m.connect(ctx, gen, endpoint)
	return nil
}

func (m *Manager) connect(ctx context.Context, gen uint64, endpoint string) {
	defer m.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.InitialBackoff
	b.MaxInterval = m.opts.MaxBackoff

	var (
		conn Conn
		caps Capabilities
	)
	attempt := 0
	op := func() error {
		attempt++
		dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
		defer cancel()

		c, err := m.dial(dctx, endpoint)
		if err != nil {
			log.Warn("chain dial failed", "endpoint", endpoint, "attempt", attempt, "err", err)
			return err
		}
		surface, err := c.Surface(dctx)
		if err != nil {
			c.Close()
			log.Warn("chain surface listing failed", "endpoint", endpoint, "attempt", attempt, "err", err)
			return err
		}
		conn, caps = c, Detect(surface)
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, m.opts.MaxRetries), ctx))

	m.mu.Lock()
	if m.closed || m.gen != gen {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.current = Snapshot{
			Gen:      gen,
			Endpoint: endpoint,
			Status:   constants.StatusDisconnected,
			Err:      shared.ConnectionUnavailablef("unable to connect to %s: %v", endpoint, err).Error(),
		}
	} else {
		m.current = Snapshot{
			Gen:          gen,
			Endpoint:     endpoint,
			Status:       constants.StatusReady,
			Capabilities: caps,
			Conn:         conn,
		}
	}
	m.mu.Unlock()

	if err != nil {
		log.Error("chain connection failed", "endpoint", endpoint, "attempts", attempt, "err", err)
	} else {
		log.Info("chain connection ready", "endpoint", endpoint, "gen", gen, "capabilities", caps)
	}
	m.notify()
}

// notify hands the latest snapshot to listeners, skipping repeats so a
// listener sees each (gen, status) once.
func (m *Manager) notify() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	snap := m.Snapshot()
	if snap.Gen == m.notified.Gen && snap.Status == m.notified.Status && snap.Endpoint == m.notified.Endpoint {
		return
	}
	m.notified = snap

	for _, fn := range m.listeners {
		fn(snap)
	}
	m.stream.Publish(snap)
}

// Close drops the connection and waits for in-flight dials to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.cancelDial != nil {
		m.cancelDial()
	}
	old := m.current.Conn
	m.current = Snapshot{Gen: m.gen, Endpoint: m.current.Endpoint, Status: constants.StatusDisconnected}
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	m.wg.Wait()
	m.notify()
}

// ValidateEndpoint accepts ws, wss, http and https URLs.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return shared.ValidationFailedf("invalid endpoint %q", endpoint)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
		return nil
	default:
		return shared.ValidationFailedf("invalid endpoint %q, expected ws, wss, http or https", endpoint)
	}
}
