package server

import (
	"tg_market/internal/domain"
	"tg_market/internal/service"
	"tg_market/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Request headers. Browsers cannot set headers on websocket upgrades, so the
// same values are also accepted as query parameters.
const (
	HeaderSessionID  = "X-Session-ID"
	HeaderNavigation = "X-Navigation-Type"
	HeaderInitData   = "X-Telegram-Init-Data"

	querySessionID = "session"
	queryInitData  = "tgWebAppData"

	ctxCache     = "session.cache"
	ctxSessionID = "session.id"
)

// withSession binds the request to a session cache, issuing a new session id
// when the client has none. Only a page load (pageLoad) applies the
// navigation type, so a hard reload purges the snapshots exactly once.
func (s *Server) withSession(pageLoad bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderSessionID)
		if id == "" {
			id = c.Query(querySessionID)
		}
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}

		nav := session.NavigationNavigate
		if pageLoad {
			nav = session.ParseNavigation(c.GetHeader(HeaderNavigation))
		}

		c.Set(ctxCache, s.sessions.Open(id, nav))
		c.Set(ctxSessionID, id)
		c.Header(HeaderSessionID, id)
		c.Next()
	}
}

// sessionEnv returns the read layer environment of the request's session
func (s *Server) sessionEnv(c *gin.Context) service.Env {
	cache, _ := c.MustGet(ctxCache).(*session.Cache)
	return s.env.WithCache(cache)
}

// identityOf resolves the platform identity, falling back outside Telegram
func (s *Server) identityOf(c *gin.Context) (domain.Identity, bool) {
	raw := c.GetHeader(HeaderInitData)
	if raw == "" {
		raw = c.Query(queryInitData)
	}
	return s.identity.Resolve(raw)
}
