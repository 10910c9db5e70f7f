// internal/collector/source.go
package collector

import (
	"context"

	"github.com/markuvic/nof1.ai-sub001/internal/exchange"
	"github.com/markuvic/nof1.ai-sub001/pkg/models"
)

// LiveCache доступ к барам, накопленным потоком рыночных данных
type LiveCache interface {
	CachedCandles(instID, interval string) ([]models.Candle, bool)
}

// Source источник свечей коллектора. Полные загрузки всегда идут через
// REST; дозагрузки закрываются кэшем потока, когда тот покрывает якорь.
type Source struct {
	client exchange.Client
	live   LiveCache
}

// NewSource создает источник; live может быть nil, тогда все запросы
// уходят в REST
func NewSource(client exchange.Client, live LiveCache) *Source {
	return &Source{client: client, live: live}
}

// Full запрашивает limit последних баров
func (s *Source) Full(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	return s.client.Candles(ctx, symbol, interval, limit)
}

// Since возвращает бары с openTime >= sinceMs. Кэш потока используется,
// только если его самый старый бар не новее якоря: иначе в середине
// могла потеряться часть истории.
func (s *Source) Since(ctx context.Context, symbol, interval string, sinceMs int64, limit int) ([]models.Candle, error) {
	if s.live != nil {
		if bars, ok := s.live.CachedCandles(symbol, interval); ok && len(bars) > 0 && bars[0].OpenTime <= sinceMs {
			out := make([]models.Candle, 0, len(bars))
			for _, b := range bars {
				if b.OpenTime >= sinceMs {
					out = append(out, b)
				}
			}
			return out, nil
		}
	}
	return s.client.CandlesSince(ctx, symbol, interval, sinceMs, limit)
}
