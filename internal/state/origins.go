package state

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/securefile"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/shared"
)

// Decision is the remembered answer for one origin.
type Decision struct {
	Origin    string `json:"origin"`
	URL       string `json:"url"`
	RequestID string `json:"id"`
	Count     int    `json:"count"`
	IsAllowed bool   `json:"isAllowed"`
}

// On-disk representation
type originsFile struct {
	Decisions map[string]Decision `json:"decisions"`
	Updated   string              `json:"updated,omitempty"`
}

// Origins caches access decisions keyed by origin (see StripURL). When path
// is empty the cache lives in memory only.
type Origins struct {
	mu        sync.RWMutex
	path      string
	decisions map[string]Decision
}

func NewOrigins(path string) *Origins {
	return &Origins{
		path:      path,
		decisions: make(map[string]Decision),
	}
}

// Load reads decisions from disk. Missing file = nothing decided yet.
func (o *Origins) Load() error {
	if o.path == "" {
		return nil
	}

	of, found, err := securefile.ReadJSON[originsFile](o.path)
	if err != nil {
		return errors.Wrap(err, "load origins")
	}
	if !found || of.Decisions == nil {
		return nil
	}

	o.mu.Lock()
	o.decisions = of.Decisions
	o.mu.Unlock()
	return nil
}

func (o *Origins) save() error {
	if o.path == "" {
		return nil
	}

	o.mu.RLock()
	of := originsFile{
		Decisions: o.copyLocked(),
		Updated:   time.Now().UTC().Format(time.RFC3339),
	}
	o.mu.RUnlock()

	if err := securefile.WriteJSON(o.path, of); err != nil {
		return errors.Wrap(err, "save origins")
	}
	return nil
}

func (o *Origins) Get(key string) (Decision, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	d, ok := o.decisions[key]
	return d, ok
}

// Set records d under key, replacing any earlier decision, and persists.
func (o *Origins) Set(key string, d Decision) error {
	o.mu.Lock()
	o.decisions[key] = d
	o.mu.Unlock()

	return o.save()
}

// Forget drops the decision for key so the next request asks the user again.
func (o *Origins) Forget(key string) (bool, error) {
	o.mu.Lock()
	_, ok := o.decisions[key]
	delete(o.decisions, key)
	o.mu.Unlock()

	if !ok {
		return false, nil
	}
	return true, o.save()
}

// List returns a copy of all decisions.
func (o *Origins) List() map[string]Decision {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.copyLocked()
}

func (o *Origins) copyLocked() map[string]Decision {
	out := make(map[string]Decision, len(o.decisions))
	for k, v := range o.decisions {
		out[k] = v
	}
	return out
}

// StripURL reduces an http(s) page URL to its origin key: the lower-cased
// host including any port.
func StripURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", shared.ValidationFailedf("Invalid url %s, expected to start with http: or https:", raw)
	}
	return strings.ToLower(u.Host), nil
}
