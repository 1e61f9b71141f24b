package broker

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-wallet-broker/internal/host"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/keystore"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/networks"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/shared"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/state"
)

func (e *Extension) buildRoutes() map[string]route {
	return map[string]route{
		MsgAuthorizeApprove:   {fn: e.authorizeApprove},
		MsgAuthorizeReject:    {fn: e.authorizeReject},
		MsgAuthorizeSubscribe: {fn: e.authorizeSubscribe},
		MsgAuthorizeList:      {fn: e.authorizeList},
		MsgAuthorizeForget:    {fn: e.authorizeForget},

		MsgAccountsSubscribe:      {fn: e.accountsSubscribe},
		MsgAccountsCreateExternal: {fn: e.accountsCreateExternal},
		MsgAccountsCreateSuri:     {fn: e.accountsCreateSuri},
		MsgAccountsEdit:           {fn: e.accountsEdit},
		MsgAccountsForget:         {fn: e.accountsForget},

		MsgSeedCreate:   {fn: e.seedCreate},
		MsgSeedValidate: {fn: e.seedValidate},

		MsgSigningApprove:   {fn: e.signingApprove},
		MsgSigningCancel:    {fn: e.signingCancel},
		MsgSigningSubscribe: {fn: e.signingSubscribe},

		MsgAssetsSubscribe: {fn: e.assetsSubscribe},
		MsgAssetsSend:      {fn: e.assetsSend, async: true},

		MsgChainStateSubscribe: {fn: e.chainStateSubscribe},
		MsgChangeEndpoint:      {fn: e.changeEndpoint},
		MsgEndpoints:           {fn: e.endpoints},
		MsgAddEndpoint:         {fn: e.addEndpoint},
		MsgRemoveEndpoint:      {fn: e.removeEndpoint},
		MsgWindowOpen:          {fn: e.windowOpen, async: true},

		MsgTabAuthorize:         {fn: e.tabAuthorize, async: true, page: true},
		MsgTabAccounts:          {fn: e.tabAccounts, page: true},
		MsgTabAccountsSubscribe: {fn: e.tabAccountsSubscribe, page: true},
		MsgTabSign:              {fn: e.tabSign, async: true, page: true},

		MsgHostAttach:       {fn: e.hostAttach},
		MsgHostResult:       {fn: e.hostResult, quiet: true},
		MsgHostWindowClosed: {fn: e.hostWindowClosed, quiet: true},
	}
}

// ---- Authorization

func (e *Extension) authorizeApprove(_ context.Context, _ *Session, req Inbound) (any, error) {
	r, err := decode[requestID](req.Request)
	if err != nil {
		return nil, err
	}
	if err := e.state.ResolveAuthorization(r.ID, true); err != nil {
		return nil, err
	}
	return true, nil
}

func (e *Extension) authorizeReject(_ context.Context, _ *Session, req Inbound) (any, error) {
	r, err := decode[requestID](req.Request)
	if err != nil {
		return nil, err
	}
	if err := e.state.RejectAuthorization(r.ID); err != nil {
		return nil, err
	}
	return true, nil
}

func (e *Extension) authorizeSubscribe(_ context.Context, s *Session, req Inbound) (any, error) {
	return subscribe(s, req.ID, e.state.AuthRequests())
}

func (e *Extension) authorizeList(context.Context, *Session, Inbound) (any, error) {
	return e.state.Origins().List(), nil
}

func (e *Extension) authorizeForget(_ context.Context, _ *Session, req Inbound) (any, error) {
	r, err := decode[requestForgetOrigin](req.Request)
	if err != nil {
		return nil, err
	}
	key, err := state.StripURL(r.URL)
	if err != nil {
		return nil, err
	}
	removed, err := e.state.Origins().Forget(key)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, shared.NotFoundf("Unable to find origin %s", key)
	}
	return true, nil
}

// ---- Accounts

func (e *Extension) accountsSubscribe(_ context.Context, s *Session, req Inbound) (any, error) {
	return subscribe(s, req.ID, e.accounts.Stream())
}

func (e *Extension) accountsCreateExternal(_ context.Context, _ *Session, req Inbound) (any, error) {
	r, err := decode[requestCreateExternal](req.Request)
	if err != nil {
		return nil, err
	}
	if _, err := e.accounts.CreateExternal(r.Address, r.Name, r.GenesisHash); err != nil {
		return nil, err
	}
	return true, nil
}

func (e *Extension) accountsCreateSuri(_ context.Context, _ *Session, req Inbound) (any, error) {
	r, err := decode[requestCreateSuri](req.Request)
	if err != nil {
		return nil, err
	}
	if _, err := e.accounts.CreateFromSeed(r.Suri, r.Name, r.Password, r.GenesisHash); err != nil {
		return nil, err
	}
	return true, nil
}

func (e *Extension) accountsEdit(_ context.Context, _ *Session, req Inbound) (any, error) {
	r, err := decode[requestAccountEdit](req.Request)
	if err != nil {
		return nil, err
	}
	if err := e.accounts.Edit(r.Address, r.Name); err != nil {
		return nil, err
	}
	return true, nil
}

func (e *Extension) accountsForget(_ context.Context, _ *Session, req Inbound) (any, error) {
	r, err := decode[requestAccountForget](req.Request)
	if err != nil {
		return nil, err
	}
	if err := e.accounts.Forget(r.Address, r.Password); err != nil {
		return nil, err
	}
	return true, nil
}

func (e *Extension) seedCreate(_ context.Context, _ *Session, req Inbound) (any, error) {
	r, err := decode[requestSeedCreate](req.Request)
	if err != nil {
		return nil, err
	}
	seed, err := keystore.GenerateSeed(r.Length)
	if err != nil {
		return nil, err
	}
	addr, err := keystore.AddressFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return responseSeed{Address: addr, Seed: seed}, nil
}

func (e *Extension) seedValidate(_ context.Context, _ *Session, req Inbound) (any, error) {
	r, err := decode[requestSeedValidate](req.Request)
	if err != nil {
		return nil, err
	}
	addr, err := keystore.AddressFromSeed(r.Suri)
	if err != nil {
		return nil, err
	}
	return responseSeed{Address: addr, Seed: r.Suri}, nil
}

// ---- Signing

// signingApprove signs with the keystore, or accepts a signature produced
// elsewhere for external accounts. A wrong password leaves the request
// pending so the user can retry.
func (e *Extension) signingApprove(_ context.Context, _ *Session, req Inbound) (any, error) {
	r, err := decode[requestSigningApprove](req.Request)
	if err != nil {
		return nil, err
	}
	pending, ok := e.state.SigningRequest(r.ID)
	if !ok {
		return nil, shared.NotFoundf("Unable to find request %s", r.ID)
	}

	if r.Signature != "" {
		sig, err := hexutil.Decode(r.Signature)
		if err != nil {
			return nil, shared.ValidationFailedf("invalid signature: %v", err)
		}
		if err := e.state.ApproveSigning(r.ID, shared.SignResult{Signature: sig}); err != nil {
			return nil, err
		}
		return true, nil
	}

	addr := pending.Account.Address
	if !e.accounts.HasKey(addr) {
		err := shared.SignerUnavailablef("Unable to find pair for %s", addr)
		if rerr := e.state.RejectSigning(r.ID, err); rerr != nil {
			log.Warn("failed to reject signing request", "id", r.ID, "err", rerr)
		}
		return nil, err
	}

	sig, err := e.accounts.Sign(addr, r.Password, pending.Request.Data)
	if err != nil {
		return nil, err
	}
	if err := e.state.ApproveSigning(r.ID, shared.SignResult{Signature: sig}); err != nil {
		return nil, err
	}
	return true, nil
}

func (e *Extension) signingCancel(_ context.Context, _ *Session, req Inbound) (any, error) {
	r, err := decode[requestID](req.Request)
	if err != nil {
		return nil, err
	}
	if err := e.state.CancelSigning(r.ID); err != nil {
		return nil, err
	}
	return true, nil
}

func (e *Extension) signingSubscribe(_ context.Context, s *Session, req Inbound) (any, error) {
	return subscribe(s, req.ID, e.state.SignRequests())
}

// ---- Assets and chain

func (e *Extension) assetsSubscribe(_ context.Context, s *Session, req Inbound) (any, error) {
	return subscribe(s, req.ID, e.assets.Stream())
}

func (e *Extension) assetsSend(ctx context.Context, _ *Session, req Inbound) (any, error) {
	r, err := decode[requestAssetsSend](req.Request)
	if err != nil {
		return nil, err
	}
	from, ok := e.accounts.Account(r.From)
	if !ok {
		return nil, shared.NotFoundf("Unable to find account %s", r.From)
	}
	hash, err := e.assets.Send(ctx, from, r.To, r.Amount)
	if err != nil {
		return nil, err
	}
	return responseAssetsSend{Hash: hash}, nil
}

func (e *Extension) chainStateSubscribe(_ context.Context, s *Session, req Inbound) (any, error) {
	return subscribe(s, req.ID, e.heads.Stream())
}

func (e *Extension) changeEndpoint(_ context.Context, _ *Session, req Inbound) (any, error) {
	r, err := decode[requestChangeEndpoint](req.Request)
	if err != nil {
		return nil, err
	}
	if err := e.chain.SetEndpoint(r.URL); err != nil {
		return nil, err
	}
	return true, nil
}

func (e *Extension) endpoints(context.Context, *Session, Inbound) (any, error) {
	return e.networks.List(), nil
}

func (e *Extension) addEndpoint(_ context.Context, _ *Session, req Inbound) (any, error) {
	r, err := decode[requestAddEndpoint](req.Request)
	if err != nil {
		return nil, err
	}
	return e.networks.Add(networks.Endpoint{Name: r.Name, URL: r.URL})
}

// removeEndpoint refuses to drop the endpoint the wallet is talking to.
func (e *Extension) removeEndpoint(_ context.Context, _ *Session, req Inbound) (any, error) {
	r, err := decode[requestRemoveEndpoint](req.Request)
	if err != nil {
		return nil, err
	}
	active := e.chain.Snapshot().Endpoint
	for _, ep := range e.networks.List() {
		if ep.Name == strings.ToLower(strings.TrimSpace(r.Name)) && strings.EqualFold(ep.URL, active) {
			return nil, shared.ValidationFailedf("endpoint %s is in use", ep.Name)
		}
	}
	if _, err := e.networks.Remove(r.Name); err != nil {
		return nil, err
	}
	return true, nil
}

func (e *Extension) windowOpen(context.Context, *Session, Inbound) (any, error) {
	e.state.OpenPopup()
	return true, nil
}

// ---- Pages

func (e *Extension) tabAuthorize(ctx context.Context, s *Session, req Inbound) (any, error) {
	info, err := decode[shared.PageInfo](req.Request)
	if err != nil {
		return nil, err
	}
	return e.state.RequestAuthorization(ctx, s.url, info)
}

func (e *Extension) tabAccounts(_ context.Context, s *Session, _ Inbound) (any, error) {
	if err := e.state.EnsureURLAuthorized(s.url); err != nil {
		return nil, err
	}
	return e.accounts.Accounts(), nil
}

func (e *Extension) tabAccountsSubscribe(_ context.Context, s *Session, req Inbound) (any, error) {
	if err := e.state.EnsureURLAuthorized(s.url); err != nil {
		return nil, err
	}
	return subscribe(s, req.ID, e.accounts.Stream())
}

func (e *Extension) tabSign(ctx context.Context, s *Session, req Inbound) (any, error) {
	if err := e.state.EnsureURLAuthorized(s.url); err != nil {
		return nil, err
	}
	payload, err := decode[requestTabSign](req.Request)
	if err != nil {
		return nil, err
	}
	account, ok := e.accounts.Account(payload.Address)
	if !ok {
		return nil, shared.NotFoundf("Unable to find account %s", payload.Address)
	}
	res, err := e.state.EnqueueSigning(ctx, s.url, account, payload)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ---- Shell

func (e *Extension) hostAttach(_ context.Context, s *Session, _ Inbound) (any, error) {
	e.relay.Attach(s)
	return true, nil
}

func (e *Extension) hostResult(_ context.Context, _ *Session, req Inbound) (any, error) {
	r, err := decode[requestHostResult](req.Request)
	if err != nil {
		return nil, err
	}
	e.relay.Resolve(r.ID, host.Result{Payload: r.Payload, Error: r.Error})
	return nil, nil
}

func (e *Extension) hostWindowClosed(_ context.Context, _ *Session, req Inbound) (any, error) {
	r, err := decode[requestWindowClosed](req.Request)
	if err != nil {
		return nil, err
	}
	e.relay.WindowClosed(host.WindowID(r.ID))
	return nil, nil
}
