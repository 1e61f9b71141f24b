package shared

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Account is the public view of a keystore entry.
type Account struct {
	Address     string `json:"address"`
	Name        string `json:"name,omitempty"`
	GenesisHash string `json:"genesisHash,omitempty"`
	External    bool   `json:"isExternal,omitempty"`
}

// SignPayload is what a page (or the wallet itself) asks to have signed.
// Meta is opaque and passed through to the approval UI.
type SignPayload struct {
	Address string          `json:"address"`
	Data    hexutil.Bytes   `json:"data"`
	Meta    json.RawMessage `json:"meta,omitempty"`
}

type SignResult struct {
	ID        string        `json:"id"`
	Signature hexutil.Bytes `json:"signature"`
}

// PageInfo describes the page asking for access.
type PageInfo struct {
	Origin string `json:"origin"`
}
