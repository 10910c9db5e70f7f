// internal/collector/collector.go
package collector

import (
	"context"
	"sync"
	"time"

	"github.com/markuvic/nof1.ai-sub001/internal/config"
	"github.com/markuvic/nof1.ai-sub001/internal/exchange"
	"github.com/markuvic/nof1.ai-sub001/internal/storage"
	"github.com/markuvic/nof1.ai-sub001/pkg/logger"
	"github.com/markuvic/nof1.ai-sub001/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Collector собирает мультитаймфреймовый набор свечей по всем парам
// символ × интервал и ведет файловый кэш. Сбой загрузки одной пары не
// мешает остальным: пара обслуживается тем, что есть в кэше.
type Collector struct {
	symbols    []string
	timeframes []config.TimeframeConfig
	exchange   string
	profile    string
	retention  int

	store  *storage.Store
	source *Source

	mu      sync.Mutex
	dataset models.Dataset

	nowFn func() time.Time
}

// New создает коллектор
func New(cfg config.CollectorConfig, cacheCfg config.CacheConfig, exchangeName string, store *storage.Store, source *Source) *Collector {
	return &Collector{
		symbols:    cfg.Symbols,
		timeframes: cfg.Timeframes,
		exchange:   exchangeName,
		profile:    cacheCfg.Profile,
		retention:  cacheCfg.Retention,
		store:      store,
		source:     source,
		nowFn:      time.Now,
	}
}

// Collect собирает набор данных: по одной горутине на пару
// символ × интервал. Ошибку возвращает только отмена контекста.
func (c *Collector) Collect(ctx context.Context) (models.Dataset, error) {
	type pairResult struct {
		symbol   string
		interval string
		candles  []models.Candle
	}

	results := make(chan pairResult, len(c.symbols)*len(c.timeframes))
	g, gctx := errgroup.WithContext(ctx)

	for _, symbol := range c.symbols {
		for _, tf := range c.timeframes {
			symbol, tf := symbol, tf
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				results <- pairResult{
					symbol:   symbol,
					interval: tf.Interval,
					candles:  c.collectPair(gctx, symbol, tf),
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return models.Dataset{}, err
	}
	close(results)

	ds := models.Dataset{
		Profile:     c.profile,
		GeneratedAt: c.nowFn(),
		Symbols:     make(map[string]models.TimeframeSet, len(c.symbols)),
	}
	for r := range results {
		set, ok := ds.Symbols[r.symbol]
		if !ok {
			set = make(models.TimeframeSet, len(c.timeframes))
			ds.Symbols[r.symbol] = set
		}
		set[r.interval] = r.candles
	}

	c.mu.Lock()
	c.dataset = ds
	c.mu.Unlock()

	logger.Debug("Собран набор данных",
		zap.Int("symbols", len(ds.Symbols)),
		zap.String("profile", c.profile))
	return ds, nil
}

// Latest возвращает последний собранный набор данных
func (c *Collector) Latest() (models.Dataset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dataset.GeneratedAt.IsZero() {
		return models.Dataset{}, false
	}
	return c.dataset, true
}

// collectPair выдает limit последних баров пары, поддерживая файловый
// кэш: короткий кэш перезагружается целиком, полный дозагружается от
// якоря. Любой сбой деградирует до содержимого кэша.
func (c *Collector) collectPair(ctx context.Context, symbol string, tf config.TimeframeConfig) []models.Candle {
	key := storage.Key{
		Exchange: c.exchange,
		Profile:  c.profile,
		Symbol:   symbol,
		Interval: tf.Interval,
	}

	cached, err := c.store.Load(key)
	if err != nil {
		logger.Warn("Ошибка чтения кэша свечей",
			zap.String("symbol", symbol),
			zap.String("interval", tf.Interval),
			zap.Error(err))
		cached = nil
	}

	interval, err := exchange.IntervalDuration(tf.Interval)
	if err != nil {
		logger.Warn("Пропущен неизвестный интервал",
			zap.String("interval", tf.Interval),
			zap.Error(err))
		return tail(cached, tf.Limit)
	}

	if len(cached) < tf.Limit {
		return c.fullReload(ctx, key, symbol, tf, cached)
	}

	start, ok := storage.DeriveStartTime(cached, interval.Milliseconds())
	if !ok || start > c.nowFn().UnixMilli() {
		// следующий бар еще не начался
		return tail(cached, tf.Limit)
	}

	fresh, err := c.source.Since(ctx, symbol, tf.Interval, start, tf.Limit)
	if err != nil {
		logger.Warn("Ошибка дозагрузки свечей, отдаю кэш",
			zap.String("symbol", symbol),
			zap.String("interval", tf.Interval),
			zap.Error(err))
		return tail(cached, tf.Limit)
	}

	merged := storage.Merge(cached, fresh)
	if len(fresh) > 0 {
		if err := c.store.Save(key, merged); err != nil {
			logger.Warn("Ошибка записи кэша свечей",
				zap.String("symbol", symbol),
				zap.String("interval", tf.Interval),
				zap.Error(err))
		}
	}
	return tail(merged, tf.Limit)
}

// fullReload перезагружает пару целиком на глубину max(limit, retention)
func (c *Collector) fullReload(ctx context.Context, key storage.Key, symbol string, tf config.TimeframeConfig, cached []models.Candle) []models.Candle {
	fetchLimit := tf.Limit
	if c.retention > fetchLimit {
		fetchLimit = c.retention
	}

	fresh, err := c.source.Full(ctx, symbol, tf.Interval, fetchLimit)
	if err != nil {
		logger.Warn("Ошибка полной загрузки свечей, отдаю кэш",
			zap.String("symbol", symbol),
			zap.String("interval", tf.Interval),
			zap.Error(err))
		return tail(cached, tf.Limit)
	}

	if err := c.store.Save(key, fresh); err != nil {
		logger.Warn("Ошибка записи кэша свечей",
			zap.String("symbol", symbol),
			zap.String("interval", tf.Interval),
			zap.Error(err))
	}
	return tail(fresh, tf.Limit)
}

// tail возвращает не более n последних баров
func tail(candles []models.Candle, n int) []models.Candle {
	if n <= 0 || len(candles) <= n {
		return candles
	}
	return candles[len(candles)-n:]
}
