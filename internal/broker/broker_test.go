package broker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/quantumauth-io/quantum-wallet-broker/internal/assets"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/chain"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/constants"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/host"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/networks"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/shared"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	pageURL  = "https://dapp.example/app"
	keyed    = "0x00000000000000000000000000000000000000aA"
	external = "0x00000000000000000000000000000000000000bB"
)

// ---- fakes

type fakePort struct {
	ch chan Outbound
}

func newFakePort() *fakePort { return &fakePort{ch: make(chan Outbound, 256)} }

func (p *fakePort) Send(out Outbound) error {
	p.ch <- out
	return nil
}

// waitFor returns the first message matching fn, dropping the rest.
func (p *fakePort) waitFor(t *testing.T, fn func(Outbound) bool) Outbound {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case out := <-p.ch:
			if fn(out) {
				return out
			}
		case <-timeout:
			t.Fatal("timed out waiting for message")
			return Outbound{}
		}
	}
}

func (p *fakePort) reply(t *testing.T, id string) Outbound {
	t.Helper()
	return p.waitFor(t, func(o Outbound) bool {
		return o.ID == id && (o.Response != nil || o.Error != "")
	})
}

type fakeHost struct{}

func (fakeHost) OpenWindow(context.Context, host.WindowSpec) (host.WindowID, error) { return 1, nil }
func (fakeHost) CloseWindow(context.Context, host.WindowID) error                   { return nil }
func (fakeHost) SetBadge(context.Context, string) error                             { return nil }

type fakeAccounts struct {
	mu        sync.Mutex
	list      []shared.Account
	passwords map[string]string
	stream    *shared.Stream[[]shared.Account]
}

func newFakeAccounts() *fakeAccounts {
	list := []shared.Account{
		{Address: keyed, Name: "main"},
		{Address: external, Name: "ledger", External: true},
	}
	return &fakeAccounts{
		list:      list,
		passwords: map[string]string{keyed: "pw"},
		stream:    shared.NewStream(list),
	}
}

func (a *fakeAccounts) Stream() shared.Source[[]shared.Account] { return a.stream }

func (a *fakeAccounts) Accounts() []shared.Account {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]shared.Account{}, a.list...)
}

func (a *fakeAccounts) Account(address string) (shared.Account, bool) {
	for _, acc := range a.Accounts() {
		if strings.EqualFold(acc.Address, address) {
			return acc, true
		}
	}
	return shared.Account{}, false
}

func (a *fakeAccounts) CreateFromSeed(_, name, _, _ string) (shared.Account, error) {
	return shared.Account{Name: name}, nil
}

func (a *fakeAccounts) CreateExternal(address, name, genesisHash string) (shared.Account, error) {
	acc := shared.Account{Address: address, Name: name, GenesisHash: genesisHash, External: true}
	a.mu.Lock()
	a.list = append(a.list, acc)
	a.mu.Unlock()
	a.stream.Publish(a.Accounts())
	return acc, nil
}

func (a *fakeAccounts) Edit(address, name string) error {
	if _, ok := a.Account(address); !ok {
		return shared.NotFoundf("Unable to find account %s", address)
	}
	return nil
}

func (a *fakeAccounts) Forget(address, _ string) error { return a.Edit(address, "") }

func (a *fakeAccounts) Sign(address, password string, data []byte) ([]byte, error) {
	want, ok := a.passwords[address]
	if !ok {
		return nil, shared.SignerUnavailablef("no key for account %s", address)
	}
	if password != want {
		return nil, shared.SignerUnavailablef("Unable to decode using the supplied passphrase")
	}
	return append([]byte("sig:"), data...), nil
}

func (a *fakeAccounts) HasKey(address string) bool {
	_, ok := a.passwords[address]
	return ok
}

type fakeConn struct{}

func (fakeConn) Surface(context.Context) (chain.Surface, error) {
	return chain.ParseSurface([]string{
		"balances_freeBalance", "balances_locks", "balances_reservedBalance",
		"balances_totalIssuance", "balances_vesting",
		"balances_submitSetBalance", "balances_submitTransfer",
	}), nil
}

func (fakeConn) Call(_ context.Context, result any, method string, _ ...any) error {
	var v any
	switch method {
	case "system_chain":
		v = "Testnet"
	case "chain_getHeader":
		v = map[string]string{"number": "0x2a"}
	default:
		return errors.Newf("unexpected %s", method)
	}
	raw, _ := json.Marshal(v)
	return json.Unmarshal(raw, result)
}

func (fakeConn) Close() {}

// ---- harness

type harness struct {
	ext      *Extension
	state    *state.State
	accounts *fakeAccounts
	relay    *host.Relay
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	popup := state.NewPopup(fakeHost{}, host.WindowSpec{URL: "index.html"}, time.Second)
	st := state.New(fakeHost{}, popup, state.NewOrigins(""), state.Options{CacheRejections: true})

	dial := func(context.Context, string) (chain.Conn, error) { return fakeConn{}, nil }
	manager := chain.NewManager(dial, chain.Options{MaxRetries: 1, InitialBackoff: time.Millisecond})
	heads := chain.NewHeadTracker(manager, 10*time.Millisecond)
	agg := assets.NewAggregator(st, assets.Options{})
	relay := host.NewRelay(time.Second)
	accounts := newFakeAccounts()

	t.Cleanup(func() {
		heads.Close()
		agg.Close()
		manager.Close()
	})

	ext := New(Deps{
		State:    st,
		Chain:    manager,
		Heads:    heads,
		Assets:   agg,
		Accounts: accounts,
		Relay:    relay,
		Networks: networks.NewManager(""),
	})
	return &harness{ext: ext, state: st, accounts: accounts, relay: relay}
}

func (h *harness) connect(t *testing.T, url string) (*Session, *fakePort) {
	t.Helper()
	port := newFakePort()
	s := h.ext.Connect(port, PortInfo{URL: url})
	t.Cleanup(s.Close)
	return s, port
}

func (h *harness) allow(t *testing.T) {
	t.Helper()
	require.NoError(t, h.state.Origins().Set("dapp.example", state.Decision{Origin: "dapp", URL: pageURL, IsAllowed: true}))
}

func msg(id, message string, request any) Inbound {
	raw, _ := json.Marshal(request)
	return Inbound{ID: id, Message: message, Request: raw}
}

// ---- tests

func TestUnknownMessage(t *testing.T) {
	h := newHarness(t)
	s, port := h.connect(t, "")

	s.Handle(Inbound{ID: "1", Message: "nope"})
	out := port.reply(t, "1")
	assert.Equal(t, "Unable to handle message of type nope", out.Error)
	assert.Equal(t, shared.CodeValidationFailed, out.Code)
}

func TestPortKindRestrictions(t *testing.T) {
	h := newHarness(t)
	page, pagePort := h.connect(t, pageURL)
	ext, extPort := h.connect(t, "")

	page.Handle(Inbound{ID: "1", Message: MsgAccountsSubscribe})
	assert.Equal(t, shared.CodePermissionDenied, pagePort.reply(t, "1").Code)

	ext.Handle(Inbound{ID: "2", Message: MsgTabAccounts})
	assert.Equal(t, shared.CodeValidationFailed, extPort.reply(t, "2").Code)
}

func TestAuthorizeFlow(t *testing.T) {
	h := newHarness(t)
	page, pagePort := h.connect(t, pageURL)
	ext, extPort := h.connect(t, "")

	page.Handle(Inbound{ID: "acc", Message: MsgTabAccounts})
	assert.Equal(t, shared.CodePermissionDenied, pagePort.reply(t, "acc").Code)

	page.Handle(msg("auth", MsgTabAuthorize, shared.PageInfo{Origin: "dapp"}))

	ext.Handle(Inbound{ID: "sub", Message: MsgAuthorizeSubscribe})
	update := extPort.waitFor(t, func(o Outbound) bool {
		list, ok := o.Subscription.([]state.AuthorizeRequest)
		return o.ID == "sub" && ok && len(list) == 1
	})
	pending := update.Subscription.([]state.AuthorizeRequest)[0]
	assert.Equal(t, pageURL, pending.URL)
	assert.Equal(t, "dapp", pending.Request.Origin)

	ext.Handle(msg("ok", MsgAuthorizeApprove, requestID{ID: pending.ID}))
	assert.Equal(t, true, extPort.reply(t, "ok").Response)
	assert.Equal(t, true, pagePort.reply(t, "auth").Response)

	extPort.waitFor(t, func(o Outbound) bool {
		list, ok := o.Subscription.([]state.AuthorizeRequest)
		return o.ID == "sub" && ok && len(list) == 0
	})

	// settling twice is an error
	ext.Handle(msg("again", MsgAuthorizeApprove, requestID{ID: pending.ID}))
	assert.Equal(t, shared.CodeNotFound, extPort.reply(t, "again").Code)

	page.Handle(Inbound{ID: "acc2", Message: MsgTabAccounts})
	assert.Equal(t, h.accounts.Accounts(), pagePort.reply(t, "acc2").Response)

	ext.Handle(Inbound{ID: "list", Message: MsgAuthorizeList})
	decisions := extPort.reply(t, "list").Response.(map[string]state.Decision)
	assert.True(t, decisions["dapp.example"].IsAllowed)

	ext.Handle(msg("forget", MsgAuthorizeForget, requestForgetOrigin{URL: pageURL}))
	assert.Equal(t, true, extPort.reply(t, "forget").Response)
	ext.Handle(msg("forget2", MsgAuthorizeForget, requestForgetOrigin{URL: pageURL}))
	assert.Equal(t, shared.CodeNotFound, extPort.reply(t, "forget2").Code)
}

func TestAuthorizeReject(t *testing.T) {
	h := newHarness(t)
	page, pagePort := h.connect(t, pageURL)
	ext, extPort := h.connect(t, "")

	page.Handle(msg("auth", MsgTabAuthorize, shared.PageInfo{Origin: "dapp"}))
	require.Eventually(t, func() bool { return h.state.Counts().Auth == 1 }, time.Second, 5*time.Millisecond)
	id := h.state.ListPending(state.KindAuthorization)[0].ID

	ext.Handle(msg("no", MsgAuthorizeReject, requestID{ID: id}))
	assert.Equal(t, true, extPort.reply(t, "no").Response)

	out := pagePort.reply(t, "auth")
	assert.Equal(t, shared.CodeUserRejected, out.Code)
	assert.Equal(t, "Rejected", out.Error)

	// the rejection is remembered
	page.Handle(msg("auth2", MsgTabAuthorize, shared.PageInfo{Origin: "dapp"}))
	assert.Equal(t, shared.CodePermissionDenied, pagePort.reply(t, "auth2").Code)
}

func TestSigningFlow(t *testing.T) {
	h := newHarness(t)
	h.allow(t)
	page, pagePort := h.connect(t, pageURL)
	ext, extPort := h.connect(t, "")

	payload := shared.SignPayload{Address: keyed, Data: hexutil.Bytes("hello")}
	page.Handle(msg("sign", MsgTabSign, payload))

	ext.Handle(Inbound{ID: "sub", Message: MsgSigningSubscribe})
	update := extPort.waitFor(t, func(o Outbound) bool {
		list, ok := o.Subscription.([]state.SigningRequest)
		return o.ID == "sub" && ok && len(list) == 1
	})
	pending := update.Subscription.([]state.SigningRequest)[0]
	assert.Equal(t, "main", pending.Account.Name)

	ext.Handle(msg("bad", MsgSigningApprove, requestSigningApprove{ID: pending.ID, Password: "wrong"}))
	assert.Equal(t, shared.CodeSignerUnavailable, extPort.reply(t, "bad").Code)
	_, stillPending := h.state.SigningRequest(pending.ID)
	assert.True(t, stillPending)

	ext.Handle(msg("good", MsgSigningApprove, requestSigningApprove{ID: pending.ID, Password: "pw"}))
	assert.Equal(t, true, extPort.reply(t, "good").Response)

	res := pagePort.reply(t, "sign").Response.(shared.SignResult)
	assert.Equal(t, pending.ID, res.ID)
	assert.Equal(t, "sig:hello", string(res.Signature))
}

func TestSigningExternal(t *testing.T) {
	h := newHarness(t)
	h.allow(t)
	page, pagePort := h.connect(t, pageURL)
	ext, extPort := h.connect(t, "")

	// with a signature from the external signer
	page.Handle(msg("s1", MsgTabSign, shared.SignPayload{Address: external, Data: hexutil.Bytes("a")}))
	require.Eventually(t, func() bool { return h.state.Counts().Sign == 1 }, time.Second, 5*time.Millisecond)
	id := h.state.ListPending(state.KindSigning)[0].ID

	ext.Handle(msg("ok", MsgSigningApprove, requestSigningApprove{ID: id, Signature: "0xbeef"}))
	assert.Equal(t, true, extPort.reply(t, "ok").Response)
	assert.Equal(t, []byte{0xbe, 0xef}, []byte(pagePort.reply(t, "s1").Response.(shared.SignResult).Signature))

	// without one there is nothing to sign with
	page.Handle(msg("s2", MsgTabSign, shared.SignPayload{Address: external, Data: hexutil.Bytes("b")}))
	require.Eventually(t, func() bool { return h.state.Counts().Sign == 1 }, time.Second, 5*time.Millisecond)
	id = h.state.ListPending(state.KindSigning)[0].ID

	ext.Handle(msg("nokey", MsgSigningApprove, requestSigningApprove{ID: id, Password: "pw"}))
	assert.Equal(t, shared.CodeSignerUnavailable, extPort.reply(t, "nokey").Code)
	assert.Equal(t, shared.CodeSignerUnavailable, pagePort.reply(t, "s2").Code)
	assert.Zero(t, h.state.Counts().Sign)
}

func TestSigningCancelAndUnknownAccount(t *testing.T) {
	h := newHarness(t)
	h.allow(t)
	page, pagePort := h.connect(t, pageURL)
	ext, extPort := h.connect(t, "")

	page.Handle(msg("missing", MsgTabSign, shared.SignPayload{Address: "0x0000000000000000000000000000000000000001"}))
	assert.Equal(t, shared.CodeNotFound, pagePort.reply(t, "missing").Code)

	page.Handle(msg("sign", MsgTabSign, shared.SignPayload{Address: keyed, Data: hexutil.Bytes("x")}))
	require.Eventually(t, func() bool { return h.state.Counts().Sign == 1 }, time.Second, 5*time.Millisecond)
	id := h.state.ListPending(state.KindSigning)[0].ID

	ext.Handle(msg("cancel", MsgSigningCancel, requestID{ID: id}))
	assert.Equal(t, true, extPort.reply(t, "cancel").Response)

	out := pagePort.reply(t, "sign")
	assert.Equal(t, shared.CodeUserRejected, out.Code)
	assert.Equal(t, "Cancelled", out.Error)
}

func TestClosingPageAbandonsRequests(t *testing.T) {
	h := newHarness(t)
	h.allow(t)
	page, _ := h.connect(t, pageURL)

	page.Handle(msg("sign", MsgTabSign, shared.SignPayload{Address: keyed, Data: hexutil.Bytes("x")}))
	require.Eventually(t, func() bool { return h.state.Counts().Sign == 1 }, time.Second, 5*time.Millisecond)

	page.Close()
	assert.Zero(t, h.state.Counts().Sign)
}

func TestSubscriptionsEndWithSession(t *testing.T) {
	h := newHarness(t)
	ext, port := h.connect(t, "")

	ext.Handle(Inbound{ID: "accounts", Message: MsgAccountsSubscribe})
	first := port.waitFor(t, func(o Outbound) bool { return o.ID == "accounts" && o.Subscription != nil })
	assert.Len(t, first.Subscription, 2)
	assert.Equal(t, true, port.reply(t, "accounts").Response)

	ext.Handle(msg("add", MsgAccountsCreateExternal, requestCreateExternal{Address: "0x0000000000000000000000000000000000000003", Name: "watch"}))
	port.waitFor(t, func(o Outbound) bool {
		list, ok := o.Subscription.([]shared.Account)
		return o.ID == "accounts" && ok && len(list) == 3
	})

	ext.Close()
	ext.Handle(Inbound{ID: "late", Message: MsgAccountsSubscribe})
	select {
	case out := <-port.ch:
		if out.ID == "late" {
			t.Fatalf("closed session answered: %+v", out)
		}
	case <-time.After(20 * time.Millisecond):
	}
}

func TestChainStateAndEndpoint(t *testing.T) {
	h := newHarness(t)
	ext, port := h.connect(t, "")

	ext.Handle(msg("bad", MsgChangeEndpoint, requestChangeEndpoint{URL: "ftp://node"}))
	assert.Equal(t, shared.CodeValidationFailed, port.reply(t, "bad").Code)

	ext.Handle(Inbound{ID: "chain", Message: MsgChainStateSubscribe})
	ext.Handle(msg("swap", MsgChangeEndpoint, requestChangeEndpoint{URL: "ws://node"}))

	out := port.waitFor(t, func(o Outbound) bool {
		cs, ok := o.Subscription.(chain.ChainState)
		return o.ID == "chain" && ok && cs.BestNumber == 42
	})
	cs := out.Subscription.(chain.ChainState)
	assert.Equal(t, constants.StatusReady, cs.Status)
	assert.Equal(t, "Testnet", cs.Chain)
	assert.Equal(t, "ws://node", cs.Endpoint)
}

func TestEndpointCatalogue(t *testing.T) {
	h := newHarness(t)
	ext, port := h.connect(t, "")

	ext.Handle(msg("add", MsgAddEndpoint, requestAddEndpoint{Name: "Node", URL: "ws://node"}))
	assert.Equal(t, networks.Endpoint{Name: "node", URL: "ws://node", Custom: true}, port.reply(t, "add").Response)

	ext.Handle(msg("dup", MsgAddEndpoint, requestAddEndpoint{Name: "other", URL: "ws://node"}))
	assert.Equal(t, shared.CodeValidationFailed, port.reply(t, "dup").Code)

	ext.Handle(Inbound{ID: "list", Message: MsgEndpoints})
	assert.Len(t, port.reply(t, "list").Response, 1)

	ext.Handle(msg("swap", MsgChangeEndpoint, requestChangeEndpoint{URL: "ws://node"}))
	assert.Equal(t, true, port.reply(t, "swap").Response)

	ext.Handle(msg("busy", MsgRemoveEndpoint, requestRemoveEndpoint{Name: "node"}))
	out := port.reply(t, "busy")
	assert.Equal(t, shared.CodeValidationFailed, out.Code)
	assert.Contains(t, out.Error, "in use")

	ext.Handle(msg("swap2", MsgChangeEndpoint, requestChangeEndpoint{URL: "ws://elsewhere"}))
	port.reply(t, "swap2")

	ext.Handle(msg("rm", MsgRemoveEndpoint, requestRemoveEndpoint{Name: "NODE"}))
	assert.Equal(t, true, port.reply(t, "rm").Response)

	ext.Handle(msg("rm2", MsgRemoveEndpoint, requestRemoveEndpoint{Name: "node"}))
	assert.Equal(t, shared.CodeNotFound, port.reply(t, "rm2").Code)
}

func TestAssetsMessages(t *testing.T) {
	h := newHarness(t)
	ext, port := h.connect(t, "")

	ext.Handle(Inbound{ID: "assets", Message: MsgAssetsSubscribe})
	out := port.waitFor(t, func(o Outbound) bool { return o.ID == "assets" && o.Subscription != nil })
	assert.Empty(t, out.Subscription)

	ext.Handle(msg("send", MsgAssetsSend, requestAssetsSend{From: "0x0000000000000000000000000000000000000009", To: keyed, Amount: "1"}))
	assert.Equal(t, shared.CodeNotFound, port.reply(t, "send").Code)

	ext.Handle(msg("send2", MsgAssetsSend, requestAssetsSend{From: keyed, To: external, Amount: "1"}))
	assert.Equal(t, shared.CodeConnectionUnavailable, port.reply(t, "send2").Code)
}

func TestSeedMessages(t *testing.T) {
	h := newHarness(t)
	ext, port := h.connect(t, "")

	ext.Handle(msg("new", MsgSeedCreate, requestSeedCreate{Length: 24}))
	seed := port.reply(t, "new").Response.(responseSeed)
	assert.Len(t, strings.Fields(seed.Seed), 24)
	assert.True(t, strings.HasPrefix(seed.Address, "0x"))

	ext.Handle(msg("check", MsgSeedValidate, requestSeedValidate{Suri: seed.Seed}))
	assert.Equal(t, seed, port.reply(t, "check").Response.(responseSeed))

	ext.Handle(msg("short", MsgSeedValidate, requestSeedValidate{Suri: "abandon abandon"}))
	assert.Equal(t, shared.CodeValidationFailed, port.reply(t, "short").Code)

	ext.Handle(Inbound{ID: "garbage", Message: MsgSeedValidate, Request: json.RawMessage(`{"suri":`)})
	assert.Equal(t, shared.CodeValidationFailed, port.reply(t, "garbage").Code)
}

func TestHostRelay(t *testing.T) {
	h := newHarness(t)
	shell, port := h.connect(t, "")

	closed := make(chan host.WindowID, 1)
	h.relay.OnWindowClosed(func(id host.WindowID) { closed <- id })

	shell.Handle(Inbound{ID: "attach", Message: MsgHostAttach})
	assert.Equal(t, true, port.reply(t, "attach").Response)
	require.True(t, h.relay.Attached())

	type opened struct {
		id  host.WindowID
		err error
	}
	done := make(chan opened, 1)
	go func() {
		id, err := h.relay.OpenWindow(context.Background(), host.WindowSpec{URL: "index.html"})
		done <- opened{id, err}
	}()

	cmd := port.waitFor(t, func(o Outbound) bool { return o.Command == host.CommandOpenWindow })
	shell.Handle(msg("r1", MsgHostResult, requestHostResult{ID: cmd.ID, Payload: json.RawMessage(`{"id":7}`)}))

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, host.WindowID(7), res.id)
	case <-time.After(2 * time.Second):
		t.Fatal("window never opened")
	}

	shell.Handle(msg("w", MsgHostWindowClosed, requestWindowClosed{ID: 7}))
	assert.Equal(t, host.WindowID(7), <-closed)

	shell.Close()
	require.Eventually(t, func() bool { return !h.relay.Attached() }, time.Second, 5*time.Millisecond)
}
