// internal/server/server.go
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/markuvic/nof1.ai-sub001/internal/collector"
	"github.com/markuvic/nof1.ai-sub001/internal/config"
	"github.com/markuvic/nof1.ai-sub001/internal/exchange"
	"github.com/markuvic/nof1.ai-sub001/internal/feed"
	"github.com/markuvic/nof1.ai-sub001/internal/monitor"
	"github.com/markuvic/nof1.ai-sub001/pkg/logger"
	"go.uber.org/zap"
)

// Server операционный HTTP-интерфейс: состояние подключения, набор
// данных коллектора, регистрация защитных уровней, последние события
// мониторов и показатели счёта
type Server struct {
	httpServer *http.Server

	feed       *feed.Connector
	collector  *collector.Collector
	volatility *monitor.VolatilityMonitor
	defense    *monitor.DefenseMonitor
	client     exchange.Client
}

// New создает сервер; volatility и defense могут быть nil, если
// соответствующий монитор выключен
func New(cfg config.ServerConfig, conn *feed.Connector, coll *collector.Collector,
	vol *monitor.VolatilityMonitor, def *monitor.DefenseMonitor, client exchange.Client) *Server {

	s := &Server{
		feed:       conn,
		collector:  coll,
		volatility: vol,
		defense:    def,
		client:     client,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	engine.GET("/healthz", s.handleHealth)

	api := engine.Group("/api/v1")
	api.GET("/dataset", s.handleDataset)
	api.GET("/defense", s.handleDefenseList)
	api.POST("/defense", s.handleDefenseSet)
	api.DELETE("/defense", s.handleDefenseClear)
	api.GET("/events/latest", s.handleLatestEvents)
	api.GET("/account", s.handleAccount)

	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run блокирует до остановки сервера
func (s *Server) Run() error {
	logger.Info("HTTP-сервер запущен", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown корректно останавливает сервер
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestLogger пишет запросы в отладочный журнал
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP-запрос",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}
