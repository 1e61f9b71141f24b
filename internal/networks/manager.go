// Package networks keeps the list of chain endpoints the user can switch
// between: the configured defaults plus any they added themselves.
package networks

import (
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/quantumauth-io/quantum-wallet-broker/internal/chain"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/constants"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/securefile"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/shared"
)

type Endpoint struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	// Custom marks endpoints added by the user rather than the config.
	Custom bool `json:"custom,omitempty"`
}

type Store struct {
	Schema    int                 `json:"schema"`
	Endpoints map[string]Endpoint `json:"endpoints"` // key = normalized name
}

func NewEmptyStore() Store {
	return Store{
		Schema:    constants.SchemaV1,
		Endpoints: map[string]Endpoint{},
	}
}

type Manager struct {
	mu    sync.Mutex
	path  string
	store Store
}

// NewManager keeps the list at path. An empty path keeps it in memory.
func NewManager(path string) *Manager {
	return &Manager{path: path, store: NewEmptyStore()}
}

func (m *Manager) Path() string { return m.path }

// Load reads the persisted list. A missing file is an empty list.
func (m *Manager) Load() error {
	if m.path == "" {
		return nil
	}
	s, found, err := securefile.ReadJSON[Store](m.path)
	if err != nil {
		return errors.Wrap(err, "load endpoints")
	}

	norm := NewEmptyStore()
	if found {
		for k, e := range s.Endpoints {
			name := normalizeName(e.Name)
			if name == "" {
				name = normalizeName(k)
			}
			e.URL = strings.TrimSpace(e.URL)
			if name == "" || chain.ValidateEndpoint(e.URL) != nil {
				continue
			}
			e.Name = name
			norm.Endpoints[name] = e
		}
	}

	m.mu.Lock()
	m.store = norm
	m.mu.Unlock()
	return nil
}

// EnsureFromConfig adds configured endpoints that are missing by name or by
// URL. User entries are never overwritten.
func (m *Manager) EnsureFromConfig(defaults []Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for _, d := range defaults {
		name := normalizeName(d.Name)
		url := strings.TrimSpace(d.URL)
		if name == "" || chain.ValidateEndpoint(url) != nil {
			continue
		}
		if _, ok := m.store.Endpoints[name]; ok {
			continue
		}
		if _, ok := m.findByURL(url); ok {
			continue
		}
		m.store.Endpoints[name] = Endpoint{Name: name, URL: url}
		changed = true
	}

	if !changed {
		return nil
	}
	return m.persist()
}

func (m *Manager) Add(e Endpoint) (Endpoint, error) {
	e.Name = normalizeName(e.Name)
	e.URL = strings.TrimSpace(e.URL)
	e.Custom = true
	if e.Name == "" {
		return Endpoint{}, shared.ValidationFailedf("endpoint name is required")
	}
	if err := chain.ValidateEndpoint(e.URL); err != nil {
		return Endpoint{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.store.Endpoints[e.Name]; exists {
		return Endpoint{}, shared.ValidationFailedf("endpoint name already exists: %s", e.Name)
	}
	if key, ok := m.findByURL(e.URL); ok {
		return Endpoint{}, shared.ValidationFailedf("endpoint %s already exists as %s", e.URL, key)
	}

	m.store.Endpoints[e.Name] = e
	if err := m.persist(); err != nil {
		delete(m.store.Endpoints, e.Name)
		return Endpoint{}, err
	}
	return e, nil
}

func (m *Manager) Remove(name string) (Endpoint, error) {
	key := normalizeName(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.store.Endpoints[key]
	if !ok {
		return Endpoint{}, shared.NotFoundf("Unable to find endpoint %s", name)
	}
	delete(m.store.Endpoints, key)
	if err := m.persist(); err != nil {
		m.store.Endpoints[key] = e
		return Endpoint{}, err
	}
	return e, nil
}

// List returns the endpoints sorted by name.
func (m *Manager) List() []Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Endpoint, 0, len(m.store.Endpoints))
	for _, e := range m.store.Endpoints {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) persist() error {
	if m.path == "" {
		return nil
	}
	if m.store.Schema == 0 {
		m.store.Schema = constants.SchemaV1
	}
	return securefile.WriteJSON(m.path, m.store)
}

func (m *Manager) findByURL(url string) (string, bool) {
	for k, e := range m.store.Endpoints {
		if strings.EqualFold(e.URL, url) {
			return k, true
		}
	}
	return "", false
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
