package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/markuvic/nof1.ai-sub001/internal/config"
	"github.com/markuvic/nof1.ai-sub001/pkg/models"
	"github.com/shopspring/decimal"
)

// ErrUnrecognizedPayload возвращается, когда ни одна из известных форм
// ответа биржи не подошла
var ErrUnrecognizedPayload = errors.New("exchange: нераспознанная форма ответа")

// Client клиент рыночных данных одной биржи.
// Candles и CandlesSince возвращают бары по возрастанию openTime.
type Client interface {
	Name() string
	Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	CandlesSince(ctx context.Context, symbol, interval string, sinceMs int64, limit int) ([]models.Candle, error)
	Ticker(ctx context.Context, symbol string) (models.Ticker, error)
	AccountSnapshot(ctx context.Context) (models.AccountSnapshot, error)
}

// New создает клиента биржи по конфигурации
func New(cfg config.ExchangeConfig) (Client, error) {
	switch cfg.ID {
	case "okx":
		return NewOKXClient(cfg), nil
	case "binance":
		return NewBinanceClient(cfg)
	default:
		return nil, fmt.Errorf("неизвестная биржа: %s", cfg.ID)
	}
}

// IntervalDuration конвертирует строковый интервал в duration
func IntervalDuration(interval string) (time.Duration, error) {
	switch interval {
	case "1m":
		return time.Minute, nil
	case "3m":
		return 3 * time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "30m":
		return 30 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "2h":
		return 2 * time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "6h":
		return 6 * time.Hour, nil
	case "8h":
		return 8 * time.Hour, nil
	case "12h":
		return 12 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	case "3d":
		return 72 * time.Hour, nil
	case "1w":
		return 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("неизвестный интервал: %s", interval)
	}
}

// parseFiniteFloat парсит число и отклоняет NaN и бесконечности
func parseFiniteFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("неконечное значение: %s", s)
	}
	return v, nil
}

// pickDecimal возвращает первое из значений, которое присутствует и
// парсится как число; порядок кандидатов задает приоритет полей
func pickDecimal(candidates ...string) (decimal.Decimal, bool) {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		d, err := decimal.NewFromString(c)
		if err != nil {
			continue
		}
		return d, true
	}
	return decimal.Decimal{}, false
}
