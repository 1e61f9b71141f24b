package http

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func NewRouter(s *Server) *gin.Engine {
	r := gin.Default()

	r.Use(loopbackOnly())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  s.originAllowed,
		AllowMethods:     []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", pairingHeader},
		AllowCredentials: true,
		MaxAge:           10 * time.Minute,
	}))

	r.GET("/healthz", s.Health)
	r.GET("/status", s.Status)
	r.GET("/ws", s.requirePairing(), s.ServeWS)

	return r
}
