// internal/server/handlers.go
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/markuvic/nof1.ai-sub001/pkg/models"
)

// defenseRequest тело запроса регистрации защитных уровней.
// Нулевой уровень означает, что эта граница не отслеживается.
type defenseRequest struct {
	Symbol                string  `json:"symbol" binding:"required"`
	Side                  string  `json:"side" binding:"required"`
	EntryInvalidation     float64 `json:"entry_invalidation"`
	StructureInvalidation float64 `json:"structure_invalidation"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"feed_connected": s.feed.Connected(),
		"time":           time.Now().UTC(),
	})
}

func (s *Server) handleDataset(c *gin.Context) {
	ds, err := s.collector.Collect(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ds)
}

func (s *Server) handleDefenseList(c *gin.Context) {
	if s.defense == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "монитор защитных уровней выключен"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"levels": s.defense.Levels()})
}

func (s *Server) handleDefenseSet(c *gin.Context) {
	if s.defense == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "монитор защитных уровней выключен"})
		return
	}

	var req defenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	side, ok := parseSide(req.Side)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side должен быть long или short"})
		return
	}
	if req.EntryInvalidation < 0 || req.StructureInvalidation < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "уровни не могут быть отрицательными"})
		return
	}
	if req.EntryInvalidation == 0 && req.StructureInvalidation == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "нужен хотя бы один уровень"})
		return
	}

	s.defense.SetLevels(models.DefenseLevels{
		Symbol:                req.Symbol,
		Side:                  side,
		EntryInvalidation:     req.EntryInvalidation,
		StructureInvalidation: req.StructureInvalidation,
	})
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleDefenseClear(c *gin.Context) {
	if s.defense == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "монитор защитных уровней выключен"})
		return
	}

	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "не указан symbol"})
		return
	}
	side, ok := parseSide(c.Query("side"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side должен быть long или short"})
		return
	}

	s.defense.ClearLevels(symbol, side)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleLatestEvents(c *gin.Context) {
	resp := gin.H{}

	if s.volatility != nil {
		if ev, ok := s.volatility.LatestEvent(); ok {
			resp["volatility"] = ev
		}
	}
	if s.defense != nil {
		if ev, ok := s.defense.LatestEvent(); ok {
			resp["defense"] = ev
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAccount(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	snapshot, err := s.client.AccountSnapshot(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// parseSide распознает сторону позиции
func parseSide(s string) (models.PositionSide, bool) {
	switch s {
	case string(models.SideLong):
		return models.SideLong, true
	case string(models.SideShort):
		return models.SideShort, true
	default:
		return "", false
	}
}
