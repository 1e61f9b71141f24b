package assets

import "encoding/json"

// Asset is one balance-type holding of an address in one concrete module.
// Amounts are base units as decimal strings.
type Asset struct {
	Type      string `json:"type"`
	Module    string `json:"module"`
	Symbol    string `json:"symbol"`
	Decimals  uint8  `json:"decimals"`
	Free      string `json:"free"`
	Locked    string `json:"locked"`
	Reserved  string `json:"reserved"`
	Available string `json:"available"`
	Display   string `json:"display"`
}

// ByAddress is the full asset view, keyed by account address.
type ByAddress map[string][]Asset

// transferCall is the canonical payload signed for assets.send.
type transferCall struct {
	Module string `json:"module"`
	Method string `json:"method"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type lockEntry struct {
	ID      string          `json:"id,omitempty"`
	Amount  json.RawMessage `json:"amount"`
	Reasons json.RawMessage `json:"reasons,omitempty"`
}
