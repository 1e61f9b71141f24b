// Package assets keeps the live balance view of every local account on the
// connected chain.
package assets

import (
	"context"
	"encoding/json"
	"math/big"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/quantumauth-io/quantum-wallet-broker/internal/chain"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/constants"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/shared"
)

// Signer queues a payload for the user's approval.
type Signer interface {
	EnqueueSigning(ctx context.Context, url string, account shared.Account, payload shared.SignPayload) (shared.SignResult, error)
}

type Options struct {
	Symbol         string
	Decimals       uint8
	DisplayDigits  int
	QueryTimeout   time.Duration
	MaxConcurrency int
}

func (o Options) withDefaults() Options {
	if o.Symbol == "" {
		o.Symbol = "UNIT"
	}
	if o.DisplayDigits <= 0 {
		o.DisplayDigits = 4
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 15 * time.Second
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 8
	}
	return o
}

// Aggregator recomputes the whole ByAddress view whenever the connection
// or the account set changes. A newer recompute cancels the one in flight.
type Aggregator struct {
	opts   Options
	signer Signer

	mu        sync.Mutex
	snap      chain.Snapshot
	addresses []string
	gen       uint64
	cancel    context.CancelFunc
	result    ByAddress
	wg        sync.WaitGroup

	recomputes atomic.Uint64
	stream     *shared.Stream[ByAddress]
}

func NewAggregator(signer Signer, opts Options) *Aggregator {
	return &Aggregator{
		opts:   opts.withDefaults(),
		signer: signer,
		result: ByAddress{},
		stream: shared.NewStream(ByAddress{}),
	}
}

func (a *Aggregator) Stream() shared.Source[ByAddress] { return a.stream }

// Recomputes counts how many recomputes have been started.
func (a *Aggregator) Recomputes() uint64 { return a.recomputes.Load() }

// SetChain feeds a connection snapshot. Repeats of the current one are
// ignored.
func (a *Aggregator) SetChain(snap chain.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if snap.Gen == a.snap.Gen && snap.Status == a.snap.Status && snap.Endpoint == a.snap.Endpoint {
		return
	}
	a.snap = snap
	a.recomputeLocked()
}

// SetAccounts feeds the account list. Only the address set matters.
func (a *Aggregator) SetAccounts(accounts []shared.Account) {
	addrs := make([]string, 0, len(accounts))
	for _, acc := range accounts {
		addrs = append(addrs, acc.Address)
	}
	sort.Strings(addrs)

	a.mu.Lock()
	defer a.mu.Unlock()

	if equalStrings(addrs, a.addresses) {
		return
	}
	a.addresses = addrs
	a.recomputeLocked()
}

// Refresh recomputes with unchanged inputs, e.g. after a new block.
func (a *Aggregator) Refresh() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recomputeLocked()
}

func (a *Aggregator) recomputeLocked() {
	if a.cancel != nil {
		a.cancel()
	}
	a.gen++
	gen := a.gen
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.recomputes.Add(1)

	snap := a.snap
	addrs := append([]string(nil), a.addresses...)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.compute(ctx, gen, snap, addrs)
	}()
}

func (a *Aggregator) compute(ctx context.Context, gen uint64, snap chain.Snapshot, addrs []string) {
	out := ByAddress{}

	modules := snap.Capabilities.Modules(constants.ModuleBalance)
	if snap.Ready() && len(modules) > 0 {
		for _, addr := range addrs {
			out[addr] = []Asset{}
		}

		var mu sync.Mutex
		p := pool.New().WithMaxGoroutines(a.opts.MaxConcurrency)
		for _, addr := range addrs {
			for _, module := range modules {
				p.Go(func() {
					asset, err := a.queryBalance(ctx, snap.Conn, module, addr)
					if err != nil {
						if ctx.Err() == nil {
							log.Warn("balance query failed", "address", addr, "module", module, "err", err)
						}
						return
					}
					mu.Lock()
					out[addr] = append(out[addr], asset)
					mu.Unlock()
				})
			}
		}
		p.Wait()

		for _, list := range out {
			sort.Slice(list, func(i, j int) bool { return list[i].Module < list[j].Module })
		}
	}

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		log.Info("dropped stale balance recompute", "gen", gen)
		return
	}
	a.result = out
	a.mu.Unlock()

	a.stream.Update(func() ByAddress {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.result
	})
}

// queryBalance reads the balance fields of addr in module concurrently.
func (a *Aggregator) queryBalance(ctx context.Context, conn chain.Conn, module, addr string) (Asset, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.QueryTimeout)
	defer cancel()

	var (
		free, reserved json.RawMessage
		locks          []lockEntry
	)
	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		return conn.Call(ctx, &free, chain.QueryMethod(module, "freeBalance"), addr)
	})
	p.Go(func(ctx context.Context) error {
		return conn.Call(ctx, &reserved, chain.QueryMethod(module, "reservedBalance"), addr)
	})
	p.Go(func(ctx context.Context) error {
		return conn.Call(ctx, &locks, chain.QueryMethod(module, "locks"), addr)
	})
	if err := p.Wait(); err != nil {
		return Asset{}, errors.Wrapf(err, "query %s balance", module)
	}

	freeAmt, err := decodeAmount(free)
	if err != nil {
		return Asset{}, errors.Wrap(err, "free balance")
	}
	reservedAmt, err := decodeAmount(reserved)
	if err != nil {
		return Asset{}, errors.Wrap(err, "reserved balance")
	}

	locked := new(big.Int)
	for _, l := range locks {
		amt, err := decodeAmount(l.Amount)
		if err != nil {
			return Asset{}, errors.Wrap(err, "lock amount")
		}
		if amt.Cmp(locked) > 0 {
			locked = amt
		}
	}

	available := new(big.Int).Sub(freeAmt, locked)
	if available.Sign() < 0 {
		available.SetInt64(0)
	}

	return Asset{
		Type:      constants.AssetTypeBalance,
		Module:    module,
		Symbol:    a.opts.Symbol,
		Decimals:  a.opts.Decimals,
		Free:      freeAmt.String(),
		Locked:    locked.String(),
		Reserved:  reservedAmt.String(),
		Available: available.String(),
		Display:   FormatUnitsTrim(available, a.opts.Decimals, a.opts.DisplayDigits) + " " + a.opts.Symbol,
	}, nil
}

// SendURL is the requester shown for transfers started from the wallet UI.
const SendURL = "wallet://" + constants.AppName + "/send"

// Send asks the user to sign a transfer from account and submits it once
// approved. It returns the transaction hash reported by the node.
func (a *Aggregator) Send(ctx context.Context, account shared.Account, to, amount string) (string, error) {
	toAddr, err := normalizeAddress(to)
	if err != nil {
		return "", err
	}
	amt, err := ParseAmount(amount)
	if err != nil {
		return "", err
	}
	if amt.Sign() <= 0 {
		return "", shared.ValidationFailedf("amount must be positive")
	}

	a.mu.Lock()
	snap := a.snap
	a.mu.Unlock()

	if !snap.Ready() {
		return "", shared.ConnectionUnavailablef("no chain connection")
	}
	modules := snap.Capabilities.Modules(constants.ModuleBalance)
	if len(modules) == 0 {
		return "", shared.ConnectionUnavailablef("connected chain has no balance module")
	}
	module := modules[0]

	call := transferCall{
		Module: module,
		Method: chain.TxMethod(module, "transfer"),
		From:   account.Address,
		To:     toAddr,
		Amount: amt.String(),
	}
	data, err := json.Marshal(call)
	if err != nil {
		return "", errors.Wrap(err, "encode transfer")
	}

	signed, err := a.signer.EnqueueSigning(ctx, SendURL, account, shared.SignPayload{Address: account.Address, Data: data})
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	current := a.snap
	a.mu.Unlock()
	if current.Gen != snap.Gen || !current.Ready() {
		return "", shared.ConnectionUnavailablef("chain connection changed while waiting for approval")
	}

	var hash string
	if err := current.Conn.Call(ctx, &hash, call.Method, call.From, call.To, call.Amount, signed.Signature); err != nil {
		return "", errors.Wrap(err, "submit transfer")
	}
	log.Info("transfer submitted", "from", call.From, "to", call.To, "amount", call.Amount, "hash", hash)
	return hash, nil
}

// Close cancels the recompute in flight and waits for it.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// normalizeAddress => checksummed canonical form
func normalizeAddress(addr string) (string, error) {
	a := strings.TrimSpace(addr)
	if a == "" {
		return "", shared.ValidationFailedf("empty address")
	}
	if !strings.HasPrefix(a, "0x") && !strings.HasPrefix(a, "0X") {
		a = "0x" + a
	}
	a = strings.ToLower(a)
	if !common.IsHexAddress(a) {
		return "", shared.ValidationFailedf("invalid address: %q", addr)
	}
	return common.HexToAddress(a).Hex(), nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
