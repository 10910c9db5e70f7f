// internal/monitor/monitor.go
package monitor

import (
	"context"
	"sync"

	"github.com/markuvic/nof1.ai-sub001/pkg/logger"
	"github.com/markuvic/nof1.ai-sub001/pkg/models"
	"go.uber.org/zap"
)

// eventBuffer емкость канала событий монитора
const eventBuffer = 16

// PriceSource выдает актуальную цену инструмента
type PriceSource interface {
	Price(ctx context.Context, instID string) (float64, error)
}

// emitter доставка пороговых событий: буферизованный канал с
// негарантированной доставкой плюс последнее событие для опроса.
// Отставший получатель теряет промежуточные события, но последнее
// всегда доступно через Latest.
type emitter struct {
	mu     sync.Mutex
	latest *models.ThresholdEvent
	events chan models.ThresholdEvent
}

func newEmitter() *emitter {
	return &emitter{events: make(chan models.ThresholdEvent, eventBuffer)}
}

// emit запоминает событие как последнее и пытается доставить его в канал
func (e *emitter) emit(ev models.ThresholdEvent) {
	e.mu.Lock()
	evCopy := ev
	e.latest = &evCopy
	e.mu.Unlock()

	select {
	case e.events <- ev:
	default:
		logger.Warn("Канал событий переполнен, событие не доставлено",
			zap.String("kind", string(ev.Kind)),
			zap.String("subject", ev.SubjectID))
	}
}

// LatestEvent возвращает последнее испущенное событие
func (e *emitter) LatestEvent() (models.ThresholdEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latest == nil {
		return models.ThresholdEvent{}, false
	}
	return *e.latest, true
}

// Events канал доставки событий
func (e *emitter) Events() <-chan models.ThresholdEvent {
	return e.events
}
