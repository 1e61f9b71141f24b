// Package chain owns the single connection to the chain node and what is
// known about it: which modules it serves and its current head.
package chain

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/rpc"
)

// Conn is a live connection to one endpoint.
type Conn interface {
	// Surface lists the query and transaction methods the node serves.
	Surface(ctx context.Context) (Surface, error)
	Call(ctx context.Context, result any, method string, args ...any) error
	Close()
}

// Dialer opens a Conn to endpoint.
type Dialer func(ctx context.Context, endpoint string) (Conn, error)

// MethodSet is a set of method names within one module.
type MethodSet map[string]bool

// Surface maps a concrete module name to the methods it exposes.
type Surface struct {
	Query map[string]MethodSet `json:"query"`
	Tx    map[string]MethodSet `json:"tx"`
}

const (
	methodListing = "rpc_methods"
	submitPrefix  = "submit"
)

// ParseSurface sorts an rpc_methods listing into queries and transactions.
// "<module>_<name>" is the query <name> of <module>; "<module>_submit<Name>"
// is its transaction <name>.
func ParseSurface(methods []string) Surface {
	s := Surface{Query: map[string]MethodSet{}, Tx: map[string]MethodSet{}}
	for _, m := range methods {
		module, name, ok := strings.Cut(m, "_")
		if !ok || module == "" || name == "" {
			continue
		}

		target := s.Query
		if rest, isTx := strings.CutPrefix(name, submitPrefix); isTx && rest != "" {
			target = s.Tx
			name = lowerFirst(rest)
		}
		if target[module] == nil {
			target[module] = MethodSet{}
		}
		target[module][name] = true
	}
	return s
}

// TxMethod is the inverse of ParseSurface for transactions.
func TxMethod(module, name string) string {
	if name == "" {
		return module + "_" + submitPrefix
	}
	r, size := utf8.DecodeRuneInString(name)
	return module + "_" + submitPrefix + string(unicode.ToUpper(r)) + name[size:]
}

func QueryMethod(module, name string) string {
	return module + "_" + name
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}

type rpcConn struct {
	client *rpc.Client
}

// DialRPC connects over WebSocket or HTTP depending on the endpoint scheme.
func DialRPC(ctx context.Context, endpoint string) (Conn, error) {
	client, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", endpoint)
	}
	return &rpcConn{client: client}, nil
}

func (c *rpcConn) Surface(ctx context.Context) (Surface, error) {
	var listing struct {
		Methods []string `json:"methods"`
	}
	if err := c.client.CallContext(ctx, &listing, methodListing); err != nil {
		return Surface{}, errors.Wrap(err, "list rpc methods")
	}
	return ParseSurface(listing.Methods), nil
}

func (c *rpcConn) Call(ctx context.Context, result any, method string, args ...any) error {
	return c.client.CallContext(ctx, result, method, args...)
}

func (c *rpcConn) Close() {
	c.client.Close()
}
