// internal/monitor/pricesource.go
package monitor

import (
	"context"

	"github.com/markuvic/nof1.ai-sub001/internal/exchange"
	"github.com/markuvic/nof1.ai-sub001/internal/feed"
	"github.com/markuvic/nof1.ai-sub001/pkg/logger"
	"go.uber.org/zap"
)

// FeedPriceSource берет цену из потока рыночных данных, а при его
// недоступности откатывается на REST-клиент биржи
type FeedPriceSource struct {
	conn   *feed.Connector
	client exchange.Client
}

// NewFeedPriceSource создает источник цены; client может быть nil,
// тогда запасного пути нет
func NewFeedPriceSource(conn *feed.Connector, client exchange.Client) *FeedPriceSource {
	return &FeedPriceSource{conn: conn, client: client}
}

// Price возвращает последнюю цену инструмента
func (s *FeedPriceSource) Price(ctx context.Context, instID string) (float64, error) {
	t, err := s.conn.WaitForTicker(ctx, instID, 0)
	if err == nil {
		return t.Last, nil
	}
	if s.client == nil {
		return 0, err
	}

	logger.Debug("Цена из потока недоступна, пробую REST",
		zap.String("instId", instID),
		zap.Error(err))

	tk, err := s.client.Ticker(ctx, instID)
	if err != nil {
		return 0, err
	}
	return tk.Last, nil
}
