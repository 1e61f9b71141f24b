package chain

import (
	"sort"

	"github.com/quantumauth-io/quantum-wallet-broker/internal/constants"
)

// Requirement is the full method surface a concrete module must expose to
// count as an implementation of a logical module.
type Requirement struct {
	Query []string
	Tx    []string
}

// Requirements is the fixed table of logical modules the wallet understands.
var Requirements = map[string]Requirement{
	constants.ModuleBalance: {
		Query: []string{"freeBalance", "locks", "reservedBalance", "totalIssuance", "vesting"},
		Tx:    []string{"setBalance", "transfer"},
	},
}

// Capabilities maps a logical module to the sorted concrete modules that
// implement it. Logical modules with no implementation are absent.
type Capabilities map[string][]string

func (c Capabilities) Modules(logical string) []string {
	return c[logical]
}

// Detect checks s against Requirements. Partial matches do not count.
func Detect(s Surface) Capabilities {
	return detect(s, Requirements)
}

func detect(s Surface, reqs map[string]Requirement) Capabilities {
	out := Capabilities{}
	for logical, req := range reqs {
		var found []string
		for module, queries := range s.Query {
			if hasAll(queries, req.Query) && hasAll(s.Tx[module], req.Tx) {
				found = append(found, module)
			}
		}
		if len(found) > 0 {
			sort.Strings(found)
			out[logical] = found
		}
	}
	return out
}

func hasAll(set MethodSet, names []string) bool {
	for _, n := range names {
		if !set[n] {
			return false
		}
	}
	return true
}
