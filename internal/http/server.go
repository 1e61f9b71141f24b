// Package http exposes the broker to the extension over a loopback
// WebSocket, plus a couple of plain HTTP probes.
package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/quantumauth-io/quantum-wallet-broker/internal/broker"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/chain"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/host"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/state"
)

const (
	pairingQueryParam   = "token"
	pairingHeader       = "X-QWB-Extension"
	pageURLQueryParam   = "url"
	defaultWriteTimeout = 10 * time.Second
	maxMessageBytes     = 1 << 20
)

type Options struct {
	// AllowedOrigins lists the extension origins, e.g.
	// chrome-extension://<id>. Requests without an Origin header are
	// let through; browsers always send one.
	AllowedOrigins []string
	// PairingToken, when set, must accompany every /ws upgrade.
	PairingToken string
	WriteTimeout time.Duration
}

type Deps struct {
	Extension *broker.Extension
	State     *state.State
	Chain     *chain.Manager
	Relay     *host.Relay
}

type Server struct {
	ext   *broker.Extension
	state *state.State
	chain *chain.Manager
	relay *host.Relay

	allowedOrigins map[string]struct{}
	pairingToken   string
	writeTimeout   time.Duration
	upgrader       websocket.Upgrader
}

func NewServer(d Deps, opts Options) *Server {
	s := &Server{
		ext:            d.Extension,
		state:          d.State,
		chain:          d.Chain,
		relay:          d.Relay,
		allowedOrigins: make(map[string]struct{}),
		pairingToken:   opts.PairingToken,
		writeTimeout:   opts.WriteTimeout,
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = defaultWriteTimeout
	}
	for _, o := range uniqueStrings(opts.AllowedOrigins) {
		if n := normalizeOrigin(o); n != "" {
			s.allowedOrigins[n] = struct{}{}
		}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return s.originAllowed(r.Header.Get("Origin")) },
	}
	return s
}

// originAllowed accepts an empty origin and the configured extension
// origins.
func (s *Server) originAllowed(raw string) bool {
	if raw == "" {
		return true
	}
	origin := normalizeOrigin(raw)
	if origin == "" {
		return false
	}
	_, ok := s.allowedOrigins[origin]
	return ok
}

// ---- Handlers

type statusResponse struct {
	Connection    chain.Snapshot `json:"connection"`
	Pending       state.Counts   `json:"pending"`
	ShellAttached bool           `json:"shellAttached"`
}

func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{JSONKeyOK: true})
}

func (s *Server) Status(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{
		Connection:    s.chain.Snapshot(),
		Pending:       s.state.Counts(),
		ShellAttached: s.relay.Attached(),
	})
}
