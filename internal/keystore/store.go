// Package keystore is the wallet's account store and signer, backed by a
// go-ethereum keystore directory plus a small metadata file for names and
// watch-only (external) accounts.
package keystore

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/accounts"
	gethks "github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-wallet-broker/internal/securefile"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/shared"
)

type meta struct {
	Name        string `json:"name,omitempty"`
	GenesisHash string `json:"genesisHash,omitempty"`
	External    bool   `json:"external,omitempty"`
	Created     int64  `json:"created"`
}

// On-disk representation
type metaFile struct {
	Accounts map[string]meta `json:"accounts"`
	Updated  string          `json:"updated,omitempty"`
}

type Options struct {
	Dir      string
	MetaPath string
	// LightScrypt trades key-file strength for speed. Tests only.
	LightScrypt bool
}

// Store lists accounts and signs with their keys. Listeners registered with
// OnChange see every change to the account list.
type Store struct {
	ks       *gethks.KeyStore
	metaPath string

	mu        sync.Mutex
	meta      map[string]meta
	listeners []func([]shared.Account)

	stream *shared.Stream[[]shared.Account]
}

func Open(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("keystore dir is empty")
	}

	scryptN, scryptP := gethks.StandardScryptN, gethks.StandardScryptP
	if opts.LightScrypt {
		scryptN, scryptP = gethks.LightScryptN, gethks.LightScryptP
	}

	s := &Store{
		ks:       gethks.NewKeyStore(opts.Dir, scryptN, scryptP),
		metaPath: opts.MetaPath,
		meta:     map[string]meta{},
	}

	if s.metaPath != "" {
		mf, _, err := securefile.ReadJSON[metaFile](s.metaPath)
		if err != nil {
			return nil, errors.Wrap(err, "load account metadata")
		}
		if mf.Accounts != nil {
			s.meta = mf.Accounts
		}
	}

	s.stream = shared.NewStream(s.Accounts())
	log.Info("keystore opened", "dir", opts.Dir, "accounts", len(s.stream.Snapshot()))
	return s, nil
}

func (s *Store) Stream() shared.Source[[]shared.Account] { return s.stream }

// OnChange registers fn to be called with the new list after every change.
func (s *Store) OnChange(fn func([]shared.Account)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Accounts lists keyed accounts (oldest first) followed by external ones.
func (s *Store) Accounts() []shared.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountsLocked()
}

func (s *Store) accountsLocked() []shared.Account {
	out := []shared.Account{}
	seen := map[string]bool{}

	for _, a := range s.ks.Accounts() {
		addr := a.Address.Hex()
		if seen[addr] {
			continue
		}
		seen[addr] = true
		m := s.meta[addr]
		out = append(out, shared.Account{Address: addr, Name: m.Name, GenesisHash: m.GenesisHash})
	}

	var external []string
	for addr, m := range s.meta {
		if m.External && !seen[addr] {
			external = append(external, addr)
		}
	}
	sort.Slice(external, func(i, j int) bool {
		mi, mj := s.meta[external[i]], s.meta[external[j]]
		if mi.Created != mj.Created {
			return mi.Created < mj.Created
		}
		return external[i] < external[j]
	})
	for _, addr := range external {
		m := s.meta[addr]
		out = append(out, shared.Account{Address: addr, Name: m.Name, GenesisHash: m.GenesisHash, External: true})
	}
	return out
}

// Account looks up address among the known accounts.
func (s *Store) Account(address string) (shared.Account, bool) {
	addr, err := normalizeAddress(address)
	if err != nil {
		return shared.Account{}, false
	}
	for _, a := range s.Accounts() {
		if a.Address == addr {
			return a, true
		}
	}
	return shared.Account{}, false
}

// CreateFromSeed imports the key derived from mnemonic, encrypted with
// password.
func (s *Store) CreateFromSeed(mnemonic, name, password, genesisHash string) (shared.Account, error) {
	if password == "" {
		return shared.Account{}, shared.ValidationFailedf("password must not be empty")
	}
	key, err := keyFromSeed(mnemonic)
	if err != nil {
		return shared.Account{}, err
	}

	acc, err := s.ks.ImportECDSA(key, password)
	if err != nil {
		if errors.Is(err, gethks.ErrAccountAlreadyExists) {
			return shared.Account{}, shared.ValidationFailedf("account %s already exists", crypto.PubkeyToAddress(key.PublicKey).Hex())
		}
		return shared.Account{}, errors.Wrap(err, "import key")
	}

	addr := acc.Address.Hex()
	if err := s.update(func(m map[string]meta) error {
		m[addr] = meta{Name: name, GenesisHash: genesisHash, Created: time.Now().Unix()}
		return nil
	}); err != nil {
		return shared.Account{}, err
	}
	log.Info("account created", "address", addr)
	return shared.Account{Address: addr, Name: name, GenesisHash: genesisHash}, nil
}

// CreateExternal adds a watch-only account whose signatures come from
// outside the wallet.
func (s *Store) CreateExternal(address, name, genesisHash string) (shared.Account, error) {
	addr, err := normalizeAddress(address)
	if err != nil {
		return shared.Account{}, err
	}
	if s.ks.HasAddress(common.HexToAddress(addr)) {
		return shared.Account{}, shared.ValidationFailedf("account %s already exists", addr)
	}

	if err := s.update(func(m map[string]meta) error {
		if _, ok := m[addr]; ok {
			return shared.ValidationFailedf("account %s already exists", addr)
		}
		m[addr] = meta{Name: name, GenesisHash: genesisHash, External: true, Created: time.Now().Unix()}
		return nil
	}); err != nil {
		return shared.Account{}, err
	}
	return shared.Account{Address: addr, Name: name, GenesisHash: genesisHash, External: true}, nil
}

// Edit renames an account.
func (s *Store) Edit(address, name string) error {
	acc, ok := s.Account(address)
	if !ok {
		return shared.NotFoundf("Unable to find account %s", address)
	}
	return s.update(func(m map[string]meta) error {
		entry := m[acc.Address]
		entry.Name = name
		entry.External = acc.External
		m[acc.Address] = entry
		return nil
	})
}

// Forget removes an account. Keyed accounts need their password.
func (s *Store) Forget(address, password string) error {
	acc, ok := s.Account(address)
	if !ok {
		return shared.NotFoundf("Unable to find account %s", address)
	}

	if !acc.External {
		if err := s.ks.Delete(accounts.Account{Address: common.HexToAddress(acc.Address)}, password); err != nil {
			if errors.Is(err, gethks.ErrDecrypt) {
				return shared.SignerUnavailablef("wrong password for %s", acc.Address)
			}
			return errors.Wrap(err, "delete key")
		}
	}

	return s.update(func(m map[string]meta) error {
		delete(m, acc.Address)
		return nil
	})
}

// Sign signs the keccak256 hash of data with the key of address.
func (s *Store) Sign(address, password string, data []byte) ([]byte, error) {
	addr, err := normalizeAddress(address)
	if err != nil {
		return nil, err
	}

	account := accounts.Account{Address: common.HexToAddress(addr)}
	if !s.ks.HasAddress(account.Address) {
		return nil, shared.SignerUnavailablef("no key for account %s", addr)
	}

	sig, err := s.ks.SignHashWithPassphrase(account, password, crypto.Keccak256(data))
	if err != nil {
		if errors.Is(err, gethks.ErrDecrypt) {
			return nil, shared.SignerUnavailablef("Unable to decode using the supplied passphrase")
		}
		if errors.Is(err, gethks.ErrNoMatch) {
			return nil, shared.SignerUnavailablef("no key for account %s", addr)
		}
		return nil, errors.Wrap(err, "sign")
	}
	return sig, nil
}

// HasKey reports whether the wallet holds the private key of address.
func (s *Store) HasKey(address string) bool {
	addr, err := normalizeAddress(address)
	if err != nil {
		return false
	}
	return s.ks.HasAddress(common.HexToAddress(addr))
}

// update mutates metadata, persists it and notifies listeners.
func (s *Store) update(fn func(map[string]meta) error) error {
	s.mu.Lock()
	if err := fn(s.meta); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.metaPath != "" {
		mf := metaFile{Accounts: s.meta, Updated: time.Now().UTC().Format(time.RFC3339)}
		if err := securefile.WriteJSON(s.metaPath, mf); err != nil {
			s.mu.Unlock()
			return errors.Wrap(err, "save account metadata")
		}
	}
	listeners := append([]func([]shared.Account){}, s.listeners...)
	s.mu.Unlock()

	s.stream.Update(s.Accounts)
	list := s.stream.Snapshot()
	for _, fn := range listeners {
		fn(list)
	}
	return nil
}

func normalizeAddress(addr string) (string, error) {
	a := strings.TrimSpace(addr)
	if !strings.HasPrefix(a, "0x") && !strings.HasPrefix(a, "0X") {
		a = "0x" + a
	}
	if !common.IsHexAddress(a) {
		return "", shared.ValidationFailedf("invalid address: %q", addr)
	}
	return common.HexToAddress(a).Hex(), nil
}
