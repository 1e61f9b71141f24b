package broker

import (
	"encoding/json"

	"github.com/quantumauth-io/quantum-wallet-broker/internal/shared"
)

// Message types understood by the broker.
const (
	MsgAuthorizeApprove   = "authorize.approve"
	MsgAuthorizeReject    = "authorize.reject"
	MsgAuthorizeSubscribe = "authorize.subscribe"
	MsgAuthorizeList      = "authorize.list"
	MsgAuthorizeForget    = "authorize.forget"

	MsgAccountsSubscribe      = "accounts.subscribe"
	MsgAccountsCreateExternal = "accounts.create.external"
	MsgAccountsCreateSuri     = "accounts.create.suri"
	MsgAccountsEdit           = "accounts.edit"
	MsgAccountsForget         = "accounts.forget"

	MsgSeedCreate   = "seed.create"
	MsgSeedValidate = "seed.validate"

	MsgSigningApprove   = "signing.approve"
	MsgSigningCancel    = "signing.cancel"
	MsgSigningSubscribe = "signing.subscribe"

	MsgAssetsSubscribe = "assets.subscribe"
	MsgAssetsSend      = "assets.send"

	MsgChainStateSubscribe = "chainState.subscribe"
	MsgChangeEndpoint      = "settings.changeEndpoint"
	MsgEndpoints           = "settings.endpoints"
	MsgAddEndpoint         = "settings.addEndpoint"
	MsgRemoveEndpoint      = "settings.removeEndpoint"
	MsgWindowOpen          = "window.open"

	MsgTabAuthorize         = "tab.authorize"
	MsgTabAccounts          = "tab.accounts"
	MsgTabAccountsSubscribe = "tab.accounts.subscribe"
	MsgTabSign              = "tab.sign"

	MsgHostAttach       = "host.attach"
	MsgHostResult       = "host.result"
	MsgHostWindowClosed = "host.windowClosed"
)

// Inbound is one request from a connected port.
type Inbound struct {
	ID      string          `json:"id"`
	Message string          `json:"message"`
	Request json.RawMessage `json:"request,omitempty"`
}

// Outbound carries a response, a subscription update, an error or a host
// command. ID always echoes the request (or command) it belongs to.
type Outbound struct {
	ID           string `json:"id,omitempty"`
	Response     any    `json:"response,omitempty"`
	Subscription any    `json:"subscription,omitempty"`
	Error        string `json:"error,omitempty"`
	Code         string `json:"code,omitempty"`
	Command      string `json:"command,omitempty"`
	Payload      any    `json:"payload,omitempty"`
}

// ---- Request payloads

type requestID struct {
	ID string `json:"id"`
}

type requestForgetOrigin struct {
	URL string `json:"url"`
}

type requestSigningApprove struct {
	ID        string `json:"id"`
	Password  string `json:"password,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type requestCreateExternal struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	GenesisHash string `json:"genesisHash,omitempty"`
}

type requestCreateSuri struct {
	Name        string `json:"name"`
	Password    string `json:"password"`
	Suri        string `json:"suri"`
	GenesisHash string `json:"genesisHash,omitempty"`
}

type requestAccountEdit struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

type requestAccountForget struct {
	Address  string `json:"address"`
	Password string `json:"password,omitempty"`
}

type requestSeedCreate struct {
	Length int `json:"length,omitempty"`
}

type requestSeedValidate struct {
	Suri string `json:"suri"`
}

type responseSeed struct {
	Address string `json:"address"`
	Seed    string `json:"seed"`
}

type requestAssetsSend struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type responseAssetsSend struct {
	Hash string `json:"hash"`
}

type requestChangeEndpoint struct {
	URL string `json:"url"`
}

type requestAddEndpoint struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type requestRemoveEndpoint struct {
	Name string `json:"name"`
}

type requestHostResult struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type requestWindowClosed struct {
	ID int64 `json:"id"`
}

type requestTabSign = shared.SignPayload

func decode[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, shared.ValidationFailedf("malformed request: %v", err)
	}
	return out, nil
}
