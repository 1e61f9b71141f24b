package chain

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-go-utils/retry"

	"github.com/quantumauth-io/quantum-wallet-broker/internal/constants"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/shared"
)

const (
	methodChainName = "system_chain"
	methodHeader    = "chain_getHeader"
)

// ChainState is what the UI shows about the connection.
type ChainState struct {
	Status     string `json:"status"`
	Endpoint   string `json:"endpoint"`
	Chain      string `json:"chain,omitempty"`
	BestNumber uint64 `json:"bestNumber"`
	Error      string `json:"error,omitempty"`
}

// HeadTracker follows the manager and polls the best block of the ready
// connection.
type HeadTracker struct {
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	onHead []func(ChainState)

	stream *shared.Stream[ChainState]
}

func NewHeadTracker(m *Manager, interval time.Duration) *HeadTracker {
	if interval <= 0 {
		interval = 6 * time.Second
	}
	t := &HeadTracker{
		interval: interval,
		stream:   shared.NewStream(ChainState{Status: constants.StatusDisconnected}),
	}
	m.OnChange(t.follow)
	return t
}

func (t *HeadTracker) Stream() shared.Source[ChainState] { return t.stream }

// OnHead registers fn to run whenever a new best block is seen.
func (t *HeadTracker) OnHead(fn func(ChainState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onHead = append(t.onHead, fn)
}

func (t *HeadTracker) follow(snap Snapshot) {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	state := ChainState{Status: snap.Status, Endpoint: snap.Endpoint, Error: snap.Err}
	var ctx context.Context
	if snap.Ready() {
		ctx, t.cancel = context.WithCancel(context.Background())
		t.wg.Add(1)
	}
	t.stream.Publish(state)
	t.mu.Unlock()

	if ctx != nil {
		go t.poll(ctx, snap.Conn, state)
	}
}

func (t *HeadTracker) poll(ctx context.Context, conn Conn, state ChainState) {
	defer t.wg.Done()

	cfg := retry.DefaultConfig()
	cfg.MaxDelayBeforeRetrying = t.interval
	cfg.InitialDelayBeforeRetrying = t.interval / 10

	if err := conn.Call(ctx, &state.Chain, methodChainName); err != nil {
		log.Warn("failed to read chain name", "endpoint", state.Endpoint, "err", err)
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	numCallsToChain := 0
	for {
		select {
		case <-ctx.Done():
			log.Info("head poller exiting", "endpoint", state.Endpoint, "numCallsToChain", numCallsToChain)
			return
		case <-timer.C:
			var number uint64
			_, err := retry.Retry(ctx, cfg,
				func(ctx context.Context) ([]interface{}, error) {
					numCallsToChain++
					n, err := bestNumber(ctx, conn)
					number = n
					return nil, err
				},
				nil,
				"get best header from chain")
			if err == nil && number != state.BestNumber {
				state.BestNumber = number
				t.publishHead(ctx, state)
			}
			timer.Reset(t.interval)
		}
	}
}

func (t *HeadTracker) publishHead(ctx context.Context, state ChainState) {
	t.mu.Lock()
	if ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	t.stream.Publish(state)
	fns := append([]func(ChainState){}, t.onHead...)
	t.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

func bestNumber(ctx context.Context, conn Conn) (uint64, error) {
	var header struct {
		Number hexutil.Uint64 `json:"number"`
	}
	if err := conn.Call(ctx, &header, methodHeader); err != nil {
		return 0, errors.Wrap(err, "get best header")
	}
	return uint64(header.Number), nil
}

func (t *HeadTracker) Close() {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()
	t.wg.Wait()
}
