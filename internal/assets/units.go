package assets

import (
	"bytes"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/quantumauth-io/quantum-wallet-broker/internal/shared"
)

// FormatUnitsTrim renders amount in whole units: divide by 10^decimals,
// keep at most maxFrac fractional digits, drop trailing zeros.
//
//	amount=1234500000000, decimals=12 -> "1.2345"
//	amount=1000000000000, decimals=12 -> "1"
func FormatUnitsTrim(amount *big.Int, decimals uint8, maxFrac int) string {
	if amount == nil || amount.Sign() == 0 {
		return "0"
	}

	sign := ""
	abs := new(big.Int).Abs(amount)
	if amount.Sign() < 0 {
		sign = "-"
	}

	base := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	intPart, fracPart := new(big.Int).QuoRem(abs, base, new(big.Int))

	if fracPart.Sign() == 0 || maxFrac <= 0 {
		return sign + intPart.String()
	}

	frac := fracPart.String()
	if len(frac) < int(decimals) {
		frac = strings.Repeat("0", int(decimals)-len(frac)) + frac
	}
	if len(frac) > maxFrac {
		frac = frac[:maxFrac]
	}
	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		return sign + intPart.String()
	}
	return sign + intPart.String() + "." + frac
}

// ParseAmount reads a base-unit amount given as a decimal string.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || s == "" || strings.HasPrefix(s, "+") {
		return nil, shared.ValidationFailedf("invalid amount %q", s)
	}
	return v, nil
}

// decodeAmount accepts what nodes return for balances: a JSON number, a
// decimal string or a 0x-prefixed hex string.
func decodeAmount(raw json.RawMessage) (*big.Int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return new(big.Int), nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			return hexutil.DecodeBig(strings.ToLower(s[:2]) + s[2:])
		}
		return ParseAmount(s)
	}

	v, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, shared.ValidationFailedf("invalid amount %s", raw)
	}
	return v, nil
}
