// Package state holds the requests waiting on the user: page access requests
// and signing requests, plus the popup and badge that surface them.
package state

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/host"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/shared"
)

type Kind string

const (
	KindAuthorization Kind = "authorization"
	KindSigning       Kind = "signing"
)

type AuthorizeRequest struct {
	ID      string          `json:"id"`
	Request shared.PageInfo `json:"request"`
	URL     string          `json:"url"`
}

type SigningRequest struct {
	ID      string             `json:"id"`
	Account shared.Account     `json:"account"`
	Request shared.SignPayload `json:"request"`
	URL     string             `json:"url"`
}

// Pending is the kind-agnostic listing entry.
type Pending struct {
	ID      string `json:"id"`
	Request any    `json:"request"`
	URL     string `json:"url"`
}

type authOutcome struct {
	allowed bool
	err     error
}

type authEntry struct {
	req  AuthorizeRequest
	key  string
	done chan authOutcome
}

type signOutcome struct {
	res shared.SignResult
	err error
}

type signEntry struct {
	req      SigningRequest
	done     chan signOutcome
	popup    host.WindowID
	hasPopup bool
}

type Options struct {
	// CacheRejections remembers rejected origins as denied so repeat
	// requests fail fast instead of prompting again.
	CacheRejections bool
}

// State is the process-wide request queue.
type State struct {
	host    host.Host
	popup   *Popup
	origins *Origins
	opts    Options

	mu        sync.Mutex
	auth      map[string]*authEntry
	authOrder []string
	sign      map[string]*signEntry
	signOrder []string

	badgeMu    sync.Mutex
	authStream *shared.Stream[[]AuthorizeRequest]
	signStream *shared.Stream[[]SigningRequest]
}

func New(h host.Host, popup *Popup, origins *Origins, opts Options) *State {
	return &State{
		host:       h,
		popup:      popup,
		origins:    origins,
		opts:       opts,
		auth:       make(map[string]*authEntry),
		sign:       make(map[string]*signEntry),
		authStream: shared.NewStream([]AuthorizeRequest{}),
		signStream: shared.NewStream([]SigningRequest{}),
	}
}

func (s *State) Popup() *Popup     { return s.popup }
func (s *State) Origins() *Origins { return s.origins }

func (s *State) AuthRequests() shared.Source[[]AuthorizeRequest] { return s.authStream }
func (s *State) SignRequests() shared.Source[[]SigningRequest]   { return s.signStream }

// ---- Authorization

// RequestAuthorization asks whether the page at url may talk to the wallet.
// A decided origin is answered from the cache. Otherwise the request waits
// for the user until settled or ctx ends.
func (s *State) RequestAuthorization(ctx context.Context, url string, info shared.PageInfo) (bool, error) {
	key, err := StripURL(url)
	if err != nil {
		return false, err
	}

	if d, ok := s.origins.Get(key); ok {
		if !d.IsAllowed {
			return false, shared.PermissionDeniedf("The source %s is not allowed to interact with this extension", url)
		}
		return true, nil
	}

	e := &authEntry{
		req:  AuthorizeRequest{ID: uuid.NewString(), Request: info, URL: url},
		key:  key,
		done: make(chan authOutcome, 1),
	}

	s.mu.Lock()
	s.auth[e.req.ID] = e
	s.authOrder = append(s.authOrder, e.req.ID)
	s.mu.Unlock()

	s.publishAuth()
	s.updateIcon(false, nil)
	s.popup.Open(nil)

	select {
	case out := <-e.done:
		return out.allowed, out.err
	case <-ctx.Done():
		if _, ok := s.takeAuth(e.req.ID); !ok {
			// settled concurrently
			out := <-e.done
			return out.allowed, out.err
		}
		log.Info("authorization request abandoned", "id", e.req.ID, "url", url)
		s.publishAuth()
		s.updateIcon(true, nil)
		return false, errors.Wrap(ctx.Err(), "authorization abandoned")
	}
}

// ResolveAuthorization records the user's answer for the origin and
// fulfills the waiting request with it.
func (s *State) ResolveAuthorization(id string, granted bool) error {
	return s.settleAuth(id, authOutcome{allowed: granted})
}

// RejectAuthorization fails the waiting request with UserRejected.
func (s *State) RejectAuthorization(id string) error {
	return s.settleAuth(id, authOutcome{err: shared.UserRejectedf("Rejected")})
}

func (s *State) settleAuth(id string, out authOutcome) error {
	e, ok := s.takeAuth(id)
	if !ok {
		return shared.NotFoundf("Unable to find request %s", id)
	}

	if out.err == nil || s.opts.CacheRejections {
		d := Decision{
			Origin:    e.req.Request.Origin,
			URL:       e.req.URL,
			RequestID: e.key,
			Count:     0,
			IsAllowed: out.err == nil && out.allowed,
		}
		if err := s.origins.Set(e.key, d); err != nil {
			log.Error("failed to persist origin decision", "origin", e.key, "err", err)
		}
	}

	s.publishAuth()
	s.updateIcon(true, nil)

	e.done <- out
	return nil
}

func (s *State) takeAuth(id string) (*authEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.auth[id]
	if !ok {
		return nil, false
	}
	delete(s.auth, id)
	s.authOrder = removeID(s.authOrder, id)
	return e, true
}

// EnsureURLAuthorized fails unless the origin of url was granted access.
func (s *State) EnsureURLAuthorized(url string) error {
	key, err := StripURL(url)
	if err != nil {
		return err
	}

	d, ok := s.origins.Get(key)
	if !ok {
		return shared.PermissionDeniedf("The source %s has not been enabled yet", url)
	}
	if !d.IsAllowed {
		return shared.PermissionDeniedf("The source %s is not allowed to interact with this extension", url)
	}
	return nil
}

// ---- Signing

// EnqueueSigning queues payload for the user to approve on behalf of
// account and waits for the outcome.
func (s *State) EnqueueSigning(ctx context.Context, url string, account shared.Account, payload shared.SignPayload) (shared.SignResult, error) {
	e := &signEntry{
		req:  SigningRequest{ID: uuid.NewString(), Account: account, Request: payload, URL: url},
		done: make(chan signOutcome, 1),
	}
	id := e.req.ID

	s.mu.Lock()
	s.sign[id] = e
	s.signOrder = append(s.signOrder, id)
	s.mu.Unlock()

	s.publishSign()
	s.updateIcon(false, nil)
	s.popup.Open(func(w host.WindowID) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if e, ok := s.sign[id]; ok {
			e.popup = w
			e.hasPopup = true
		}
	})

	select {
	case out := <-e.done:
		return out.res, out.err
	case <-ctx.Done():
		if _, ok := s.takeSign(id); !ok {
			out := <-e.done
			return out.res, out.err
		}
		log.Info("signing request abandoned", "id", id, "url", url)
		s.publishSign()
		s.updateIcon(true, nil)
		return shared.SignResult{}, errors.Wrap(ctx.Err(), "signing abandoned")
	}
}

func (s *State) ApproveSigning(id string, res shared.SignResult) error {
	res.ID = id
	return s.settleSign(id, signOutcome{res: res})
}

// CancelSigning fails the waiting request with UserRejected.
func (s *State) CancelSigning(id string) error {
	return s.settleSign(id, signOutcome{err: shared.UserRejectedf("Cancelled")})
}

// RejectSigning fails the waiting request with err, e.g. when no key exists
// for the account.
func (s *State) RejectSigning(id string, err error) error {
	return s.settleSign(id, signOutcome{err: err})
}

// SigningRequest looks up a pending signing request.
func (s *State) SigningRequest(id string) (SigningRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sign[id]
	if !ok {
		return SigningRequest{}, false
	}
	return e.req, true
}

func (s *State) settleSign(id string, out signOutcome) error {
	e, ok := s.takeSign(id)
	if !ok {
		return shared.NotFoundf("Unable to find request %s", id)
	}

	s.publishSign()
	if e.hasPopup {
		w := e.popup
		s.updateIcon(true, &w)
	} else {
		s.updateIcon(true, nil)
	}

	e.done <- out
	return nil
}

func (s *State) takeSign(id string) (*signEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sign[id]
	if !ok {
		return nil, false
	}
	delete(s.sign, id)
	s.signOrder = removeID(s.signOrder, id)
	return e, true
}

// ---- Listing

func (s *State) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{Auth: len(s.auth), Sign: len(s.sign)}
}

// ListPending returns the pending entries of kind in insertion order.
func (s *State) ListPending(kind Kind) []Pending {
	switch kind {
	case KindAuthorization:
		list := s.authList()
		out := make([]Pending, 0, len(list))
		for _, r := range list {
			out = append(out, Pending{ID: r.ID, Request: r.Request, URL: r.URL})
		}
		return out
	case KindSigning:
		list := s.signList()
		out := make([]Pending, 0, len(list))
		for _, r := range list {
			out = append(out, Pending{ID: r.ID, Request: r.Request, URL: r.URL})
		}
		return out
	default:
		return nil
	}
}

func (s *State) authList() []AuthorizeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AuthorizeRequest, 0, len(s.authOrder))
	for _, id := range s.authOrder {
		out = append(out, s.auth[id].req)
	}
	return out
}

func (s *State) signList() []SigningRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SigningRequest, 0, len(s.signOrder))
	for _, id := range s.signOrder {
		out = append(out, s.sign[id].req)
	}
	return out
}

func (s *State) publishAuth() { s.authStream.Update(s.authList) }
func (s *State) publishSign() { s.signStream.Update(s.signList) }

// WindowClosed forgets a popup the user closed. Pending requests stay queued
// and show up again in the next popup.
func (s *State) WindowClosed(id host.WindowID) {
	s.popup.Forget(id)
}

// OpenPopup shows the approval window on demand.
func (s *State) OpenPopup() {
	s.popup.Open(nil)
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
