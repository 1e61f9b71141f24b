package http

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/quantumauth-io/quantum-go-utils/log"
)

// loopbackOnly rejects anything that did not come from this machine or that
// addresses the server by a non-local host name.
func loopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isLoopbackRequest(c.Request) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{JSONKeyError: "forbidden"})
			return
		}
		if !isSafeLocalHost(c.Request.Host) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{JSONKeyError: "forbidden host"})
			return
		}
		c.Next()
	}
}

// requirePairing checks the extension's pairing token. WebSocket clients in
// the browser cannot set headers, so the query parameter is accepted too.
func (s *Server) requirePairing() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.pairingToken == "" {
			c.Next()
			return
		}
		got := c.GetHeader(pairingHeader)
		if got == "" {
			got = c.Query(pairingQueryParam)
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.pairingToken)) != 1 {
			log.Info("rejected unpaired client", "remote", c.Request.RemoteAddr)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{JSONKeyError: "unauthorized"})
			return
		}
		c.Next()
	}
}
