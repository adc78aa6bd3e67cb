package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"copytrade-core/internal/broker"
	"copytrade-core/internal/strategy"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	liq, buyOff := s.engine.Emergency().Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"emergency": gin.H{
			"liquidate_only": liq,
			"buy_disabled":   buyOff,
		},
		"health":  s.engine.Health.Scores(),
		"latency": s.engine.Latency.Snapshot(),
	})
}

func (s *Server) handleAccounts(c *gin.Context) {
	type accountView struct {
		ID             string   `json:"id"`
		Role           string   `json:"role"`
		Venue          string   `json:"venue"`
		Enabled        bool     `json:"enabled"`
		RiskMultiplier float64  `json:"risk_multiplier"`
		MaxPositionPct float64  `json:"max_position_pct"`
		SafetyBuffer   float64  `json:"safety_buffer"`
		AllowedSymbols []string `json:"allowed_symbols,omitempty"`
		HeldCapital    float64  `json:"held_capital"`
		Flagged        string   `json:"flagged,omitempty"`
	}

	var out []accountView
	for _, a := range s.engine.Accounts.All() {
		reason, _ := s.engine.Brokers.Flagged(a.ID)
		out = append(out, accountView{
			ID:             a.ID,
			Role:           string(a.Role),
			Venue:          a.Venue,
			Enabled:        a.Enabled,
			RiskMultiplier: a.RiskMultiplier,
			MaxPositionPct: a.MaxPositionPct,
			SafetyBuffer:   a.SafetyBuffer,
			AllowedSymbols: a.AllowedSymbols(),
			HeldCapital:    s.engine.Ledger.HeldCapital(a.ID),
			Flagged:        reason,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.engine.Positions.List()})
}

func (s *Server) handleReservations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"reservations": s.engine.Ledger.Snapshot()})
}

func (s *Server) handleDrift(c *gin.Context) {
	rows, err := s.engine.Store().ListDriftReports(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"drift": rows})
}

func (s *Server) handleIncidents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"incidents": s.engine.Incidents.Recent()})
}

type intentBody struct {
	Symbol   string  `json:"symbol" binding:"required"`
	Side     string  `json:"side" binding:"required,oneof=BUY SELL"`
	Notional float64 `json:"notional"`
	Reason   string  `json:"reason"`
}

func (s *Server) handleSubmitIntent(c *gin.Context) {
	var body intentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reason := body.Reason
	if reason == "" {
		reason = "manual intent"
	}
	if err := s.engine.SubmitIntent(strategy.Intent{
		Symbol:   body.Symbol,
		Side:     broker.Side(body.Side),
		Notional: body.Notional,
		Reason:   reason,
	}); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

func (s *Server) handleClosePosition(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.Positions.Close(c.Request.Context(), id, "manual_close"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": id})
}

type toggleBody struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) handleSetLiquidateOnly(c *gin.Context) {
	var body toggleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.Emergency().SetLiquidateOnly(*body.Enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"liquidate_only": *body.Enabled})
}

func (s *Server) handleSetBuyDisable(c *gin.Context) {
	var body toggleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.Emergency().SetBuyDisabled(*body.Enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"buy_disabled": *body.Enabled})
}

func (s *Server) handleLiquidateAll(c *gin.Context) {
	if err := s.engine.LiquidateAll(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"liquidated": true})
}
