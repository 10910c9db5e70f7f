// internal/monitor/volatility.go
package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/markuvic/nof1.ai-sub001/internal/config"
	"github.com/markuvic/nof1.ai-sub001/pkg/logger"
	"github.com/markuvic/nof1.ai-sub001/pkg/models"
	"go.uber.org/zap"
)

// VolatilityMonitor следит за относительным изменением цены одного
// инструмента внутри скользящего окна и испускает событие при выходе
// изменения за порог. Повторные события гасятся периодом охлаждения.
type VolatilityMonitor struct {
	cfg    config.VolatilityConfig
	source PriceSource
	*emitter

	// окно выборок трогает только цикл монитора
	samples       []models.PriceSample
	lastTriggerAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
	nowFn  func() time.Time
}

// NewVolatilityMonitor создает монитор волатильности
func NewVolatilityMonitor(cfg config.VolatilityConfig, source PriceSource) *VolatilityMonitor {
	return &VolatilityMonitor{
		cfg:     cfg,
		source:  source,
		emitter: newEmitter(),
		nowFn:   time.Now,
	}
}

// Start запускает цикл опроса
func (m *VolatilityMonitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(runCtx)

	logger.Info("Монитор волатильности запущен",
		zap.String("symbol", m.cfg.Symbol),
		zap.Int("windowSeconds", m.cfg.WindowSeconds),
		zap.Float64("upPercent", m.cfg.UpThresholdPercent),
		zap.Float64("downPercent", m.cfg.DownThresholdPercent))
}

// Stop останавливает цикл и дожидается его завершения
func (m *VolatilityMonitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	logger.Info("Монитор волатильности остановлен", zap.String("symbol", m.cfg.Symbol))
}

// run цикл опроса; таймер перезаводится только после завершения такта,
// так что такты одного монитора не накладываются
func (m *VolatilityMonitor) run(ctx context.Context) {
	defer close(m.done)

	interval := time.Duration(m.cfg.PollIntervalMs) * time.Millisecond
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.tick(ctx)
			timer.Reset(interval)
		}
	}
}

// tick один такт: выборка цены, обслуживание окна, проверка порога.
// Ошибка выборки не трогает накопленное окно.
func (m *VolatilityMonitor) tick(ctx context.Context) {
	price, err := m.source.Price(ctx, m.cfg.Symbol)
	if err != nil {
		logger.Warn("Ошибка получения цены",
			zap.String("symbol", m.cfg.Symbol),
			zap.Error(err))
		return
	}

	now := m.nowFn()
	m.samples = append(m.samples, models.PriceSample{Timestamp: now, Price: price})
	m.evict(now)

	if len(m.samples) < 2 {
		return
	}

	oldest := m.samples[0].Price
	newest := m.samples[len(m.samples)-1].Price
	if oldest == 0 {
		return
	}
	change := (newest - oldest) / oldest * 100

	var direction models.Direction
	var threshold float64
	switch {
	case change >= m.cfg.UpThresholdPercent:
		direction = models.DirectionUp
		threshold = m.cfg.UpThresholdPercent
	case change <= -m.cfg.DownThresholdPercent:
		direction = models.DirectionDown
		threshold = m.cfg.DownThresholdPercent
	default:
		return
	}

	cooldown := time.Duration(m.cfg.CooldownMs) * time.Millisecond
	if !m.lastTriggerAt.IsZero() && now.Sub(m.lastTriggerAt) < cooldown {
		return
	}
	m.lastTriggerAt = now

	m.emit(models.ThresholdEvent{
		ID:             uuid.NewString(),
		Kind:           models.EventVolatility,
		SubjectID:      m.cfg.Symbol,
		Direction:      direction,
		MeasuredValue:  change,
		ThresholdValue: threshold,
		TriggeredAt:    now,
	})

	logger.Info("Всплеск волатильности",
		zap.String("symbol", m.cfg.Symbol),
		zap.Float64("changePercent", change),
		zap.String("direction", string(direction)))
}

// evict выбрасывает выборки старше окна и ужимает окно до максимума
func (m *VolatilityMonitor) evict(now time.Time) {
	cutoff := now.Add(-time.Duration(m.cfg.WindowSeconds) * time.Second)

	i := 0
	for i < len(m.samples) && m.samples[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = append(m.samples[:0], m.samples[i:]...)
	}

	if max := m.cfg.MaxSamples; max > 0 && len(m.samples) > max {
		m.samples = append(m.samples[:0], m.samples[len(m.samples)-max:]...)
	}
}
