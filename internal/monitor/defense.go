// internal/monitor/defense.go
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/markuvic/nof1.ai-sub001/internal/config"
	"github.com/markuvic/nof1.ai-sub001/pkg/logger"
	"github.com/markuvic/nof1.ai-sub001/pkg/models"
	"go.uber.org/zap"
)

// levelKey адресует уровни одной позиции
type levelKey struct {
	symbol string
	side   models.PositionSide
}

// DefenseMonitor следит за пробоем защитных уровней открытых позиций.
// Уровни регистрируются извне и живут до явного обновления или снятия:
// пробой их не сбрасывает, а событие о все еще пробитом уровне
// повторяется после каждого истечения периода охлаждения.
type DefenseMonitor struct {
	cfg    config.DefenseConfig
	source PriceSource
	*emitter

	mu            sync.Mutex
	levels        map[levelKey]models.DefenseLevels
	lastTriggerAt map[levelKey]time.Time

	cancel context.CancelFunc
	done   chan struct{}
	nowFn  func() time.Time
}

// NewDefenseMonitor создает монитор защитных уровней
func NewDefenseMonitor(cfg config.DefenseConfig, source PriceSource) *DefenseMonitor {
	return &DefenseMonitor{
		cfg:           cfg,
		source:        source,
		emitter:       newEmitter(),
		levels:        make(map[levelKey]models.DefenseLevels),
		lastTriggerAt: make(map[levelKey]time.Time),
		nowFn:         time.Now,
	}
}

// SetLevels регистрирует или обновляет уровни позиции
func (m *DefenseMonitor) SetLevels(lv models.DefenseLevels) {
	lv.UpdatedAt = m.nowFn()

	m.mu.Lock()
	m.levels[levelKey{symbol: lv.Symbol, side: lv.Side}] = lv
	m.mu.Unlock()

	logger.Info("Обновлены защитные уровни",
		zap.String("symbol", lv.Symbol),
		zap.String("side", string(lv.Side)),
		zap.Float64("entry", lv.EntryInvalidation),
		zap.Float64("structure", lv.StructureInvalidation))
}

// ClearLevels снимает уровни позиции
func (m *DefenseMonitor) ClearLevels(symbol string, side models.PositionSide) {
	key := levelKey{symbol: symbol, side: side}

	m.mu.Lock()
	delete(m.levels, key)
	delete(m.lastTriggerAt, key)
	m.mu.Unlock()

	logger.Info("Сняты защитные уровни",
		zap.String("symbol", symbol),
		zap.String("side", string(side)))
}

// Levels возвращает все зарегистрированные уровни
func (m *DefenseMonitor) Levels() []models.DefenseLevels {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.DefenseLevels, 0, len(m.levels))
	for _, lv := range m.levels {
		out = append(out, lv)
	}
	return out
}

// Start запускает цикл опроса
func (m *DefenseMonitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(runCtx)

	logger.Info("Монитор защитных уровней запущен",
		zap.Int("pollIntervalMs", m.cfg.PollIntervalMs))
}

// Stop останавливает цикл и дожидается его завершения
func (m *DefenseMonitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	logger.Info("Монитор защитных уровней остановлен")
}

// run цикл опроса; таймер перезаводится только после завершения такта
func (m *DefenseMonitor) run(ctx context.Context) {
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

// tick проверяет все зарегистрированные уровни по текущим ценам;
// цена каждого символа запрашивается один раз за такт
func (m *DefenseMonitor) tick(ctx context.Context) {
	m.mu.Lock()
	snapshot := make([]models.DefenseLevels, 0, len(m.levels))
	for _, lv := range m.levels {
		snapshot = append(snapshot, lv)
	}
	m.mu.Unlock()

	prices := make(map[string]float64, len(snapshot))
	for _, lv := range snapshot {
		price, ok := prices[lv.Symbol]
		if !ok {
			var err error
			price, err = m.source.Price(ctx, lv.Symbol)
			if err != nil {
				logger.Warn("Ошибка получения цены",
					zap.String("symbol", lv.Symbol),
					zap.Error(err))
				continue
			}
			prices[lv.Symbol] = price
		}
		m.check(lv, price)
	}
}

// check испускает событие пробоя, если цена за пробитым уровнем и
// период охлаждения позиции истек
func (m *DefenseMonitor) check(lv models.DefenseLevels, price float64) {
	level, breached := breachedLevel(lv, price)
	if !breached {
		return
	}

	now := m.nowFn()
	key := levelKey{symbol: lv.Symbol, side: lv.Side}
	cooldown := time.Duration(m.cfg.ForceDecisionCooldownMs) * time.Millisecond

	m.mu.Lock()
	if last, ok := m.lastTriggerAt[key]; ok && now.Sub(last) < cooldown {
		m.mu.Unlock()
		return
	}
	m.lastTriggerAt[key] = now
	m.mu.Unlock()

	direction := models.DirectionDown
	if lv.Side == models.SideShort {
		direction = models.DirectionUp
	}

	m.emit(models.ThresholdEvent{
		ID:             uuid.NewString(),
		Kind:           models.EventDefenseBreach,
		SubjectID:      fmt.Sprintf("%s:%s", lv.Symbol, lv.Side),
		Direction:      direction,
		MeasuredValue:  price,
		ThresholdValue: level,
		TriggeredAt:    now,
	})

	logger.Info("Пробит защитный уровень",
		zap.String("symbol", lv.Symbol),
		zap.String("side", string(lv.Side)),
		zap.Float64("price", price),
		zap.Float64("level", level))
}

// breachedLevel возвращает пробитый уровень; уровень инвалидации входа
// проверяется раньше уровня инвалидации структуры. Нулевой уровень
// считается незаданным.
func breachedLevel(lv models.DefenseLevels, price float64) (float64, bool) {
	switch lv.Side {
	case models.SideLong:
		if lv.EntryInvalidation > 0 && price <= lv.EntryInvalidation {
			return lv.EntryInvalidation, true
		}
		if lv.StructureInvalidation > 0 && price <= lv.StructureInvalidation {
			return lv.StructureInvalidation, true
		}
	case models.SideShort:
		if lv.EntryInvalidation > 0 && price >= lv.EntryInvalidation {
			return lv.EntryInvalidation, true
		}
		if lv.StructureInvalidation > 0 && price >= lv.StructureInvalidation {
			return lv.StructureInvalidation, true
		}
	}
	return 0, false
}
