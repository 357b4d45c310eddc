package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"tg_market/internal/domain"
	"tg_market/internal/infra"
	"tg_market/internal/service"

	"github.com/gin-gonic/gin"
)

type profileResponse struct {
	Profile      *domain.UserProfile `json:"profile"`
	FromPlatform bool                `json:"fromPlatform"`
}

type tokenView struct {
	domain.MarketToken
	Direction string `json:"direction"`
}

type eventView struct {
	domain.PromotedEvent
	Status domain.EventStatus `json:"status"`
}

func (s *Server) getHealth(c *gin.Context) {
	snap := s.env.Metrics.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"sessions":      s.sessions.Len(),
		"subscriptions": snap.ActiveSubscriptions,
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.env.Metrics.Snapshot())
}

// postSession starts a page load; a hard reload purges the session's snapshots
func (s *Server) postSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessionId": c.Writer.Header().Get(HeaderSessionID)})
}

func (s *Server) getProfile(c *gin.Context) {
	id, fromPlatform := s.identityOf(c)
	svc := service.NewProfileService(s.sessionEnv(c))

	profile, err := svc.LoadProfile(c.Request.Context(), id)
	if err != nil {
		s.fail(c, "load profile", err)
		return
	}
	c.JSON(http.StatusOK, profileResponse{Profile: profile, FromPlatform: fromPlatform})
}

func (s *Server) postPrivacy(c *gin.Context) {
	id, _ := s.identityOf(c)
	svc := service.NewProfileService(s.sessionEnv(c))

	if err := svc.AcceptPrivacy(c.Request.Context(), id); err != nil {
		s.fail(c, "accept privacy", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getMarket(c *gin.Context) {
	svc := service.NewMarketService(s.sessionEnv(c))

	tokens, err := svc.LoadMarket(c.Request.Context())
	if err != nil {
		s.fail(c, "load market", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokenViews(tokens)})
}

func (s *Server) getEvents(c *gin.Context) {
	now := s.env.Clock()
	views := make([]eventView, 0, len(s.events))
	for _, e := range s.events {
		views = append(views, eventView{PromotedEvent: e, Status: e.StatusAt(now)})
	}
	c.JSON(http.StatusOK, gin.H{"events": views})
}

func (s *Server) getPromos(c *gin.Context) {
	slides := domain.DefaultSlides()
	elapsed := s.env.Clock().Sub(s.started)
	c.JSON(http.StatusOK, gin.H{
		"slides":          slides,
		"slideDurationMs": domain.SlideDuration.Milliseconds(),
		"current":         domain.SlideIndexAt(elapsed, domain.SlideDuration, len(slides)),
	})
}

func (s *Server) getTokenIcon(c *gin.Context) {
	if s.icons == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "icons disabled"})
		return
	}

	symbol := strings.ToUpper(c.Param("symbol"))
	svc := service.NewMarketService(s.sessionEnv(c))
	tokens, err := svc.LoadMarket(c.Request.Context())
	if err != nil {
		s.fail(c, "load market", err)
		return
	}

	var token *domain.MarketToken
	for i := range tokens {
		if tokens[i].ID == symbol {
			token = &tokens[i]
			break
		}
	}
	if token == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown token"})
		return
	}

	path, err := s.icons.Fetch(c.Request.Context(), token.ID, token.Image)
	if errors.Is(err, infra.ErrNotRemoteImage) {
		c.JSON(http.StatusNotFound, gin.H{"error": "image is bundled with the app", "image": token.Image})
		return
	}
	if err != nil {
		s.logger.Warn("Icon download failed", slog.String("symbol", token.ID), slog.Any("error", err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "icon unavailable"})
		return
	}
	c.File(path)
}

// fail maps read layer errors to HTTP statuses
func (s *Server) fail(c *gin.Context, op string, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, domain.ErrInvalidIdentity):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	s.logger.Warn("Request failed",
		slog.String("op", op),
		slog.Int("status", status),
		slog.Any("error", err),
	)
	c.JSON(status, gin.H{"error": op + " failed", "retriable": domain.IsRetriable(err)})
}

func tokenViews(tokens []domain.MarketToken) []tokenView {
	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, tokenView{MarketToken: t, Direction: t.ChangeDirection()})
	}
	return views
}
