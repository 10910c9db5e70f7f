// internal/feed/cache.go
package feed

import (
	"sort"
	"sync"
	"time"

	"github.com/markuvic/nof1.ai-sub001/pkg/models"
)

// tickerEntry последний тикер инструмента с моментом получения
type tickerEntry struct {
	ticker     models.Ticker
	receivedAt time.Time
}

// tickerCache хранит последние цены по инструментам; записи без
// обновлений дольше TTL считаются протухшими и не выдаются
type tickerCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]tickerEntry
}

func newTickerCache(ttl time.Duration) *tickerCache {
	return &tickerCache{
		ttl:     ttl,
		entries: make(map[string]tickerEntry),
	}
}

func (tc *tickerCache) set(t models.Ticker, now time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.entries[t.InstID] = tickerEntry{ticker: t, receivedAt: now}
}

// get возвращает тикер, если он свежее TTL
func (tc *tickerCache) get(instID string, now time.Time) (models.Ticker, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	e, ok := tc.entries[instID]
	if !ok || now.Sub(e.receivedAt) > tc.ttl {
		return models.Ticker{}, false
	}
	return e.ticker, true
}

// candleSeries бары одного свечного канала с ключом по openTime бара.
// Повторный пуш того же бара перезаписывает запись целиком.
type candleSeries struct {
	bars       map[int64]models.Candle
	receivedAt time.Time
}

// candleCache хранит ограниченное число последних баров на канал
type candleCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	maxBars int
	series  map[channelArg]*candleSeries
}

func newCandleCache(ttl time.Duration, maxBars int) *candleCache {
	return &candleCache{
		ttl:     ttl,
		maxBars: maxBars,
		series:  make(map[channelArg]*candleSeries),
	}
}

// upsert добавляет или обновляет бар; при переполнении вытесняются
// самые старые бары
func (cc *candleCache) upsert(arg channelArg, c models.Candle, now time.Time) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	s, ok := cc.series[arg]
	if !ok {
		s = &candleSeries{bars: make(map[int64]models.Candle)}
		cc.series[arg] = s
	}

	s.bars[c.OpenTime] = c
	s.receivedAt = now

	for len(s.bars) > cc.maxBars {
		oldest := int64(0)
		first := true
		for ts := range s.bars {
			if first || ts < oldest {
				oldest = ts
				first = false
			}
		}
		delete(s.bars, oldest)
	}
}

// snapshot возвращает бары канала по возрастанию openTime, если
// последнее обновление свежее TTL
func (cc *candleCache) snapshot(arg channelArg, now time.Time) ([]models.Candle, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	s, ok := cc.series[arg]
	if !ok || len(s.bars) == 0 || now.Sub(s.receivedAt) > cc.ttl {
		return nil, false
	}

	out := make([]models.Candle, 0, len(s.bars))
	for _, c := range s.bars {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenTime < out[j].OpenTime
	})
	return out, true
}
