package http

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-wallet-broker/internal/broker"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/shared"
)

// wsPort adapts a WebSocket connection to broker.Port. gorilla allows a
// single concurrent writer, hence the mutex.
type wsPort struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

func (p *wsPort) Send(out broker.Outbound) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	return p.conn.WriteJSON(out)
}

// ServeWS binds one WebSocket to one broker session. A url query parameter
// marks the socket as a content-script port for that page.
func (s *Server) ServeWS(c *gin.Context) {
	pageURL := c.Query(pageURLQueryParam)
	if pageURL != "" && normalizeOrigin(pageURL) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{JSONKeyError: "invalid page url"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already answered
		log.Warn("websocket upgrade failed", "remote", c.Request.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageBytes)

	port := &wsPort{conn: conn, writeTimeout: s.writeTimeout}
	session := s.ext.Connect(port, broker.PortInfo{URL: pageURL})
	defer session.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("websocket closed", "remote", c.Request.RemoteAddr, "err", err)
			}
			return
		}

		var in broker.Inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			verr := shared.ValidationFailedf("malformed message: %v", err)
			if err := port.Send(broker.Outbound{Error: verr.Error(), Code: shared.Code(verr)}); err != nil {
				return
			}
			continue
		}
		session.Handle(in)
	}
}
