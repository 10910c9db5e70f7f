package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/markuvic/nof1.ai-sub001/internal/config"
	"github.com/markuvic/nof1.ai-sub001/pkg/models"
)

// BinanceClient клиент для взаимодействия с Binance Futures
type BinanceClient struct {
	futures *futures.Client
}

// NewBinanceClient создает новый клиент Binance
func NewBinanceClient(cfg config.ExchangeConfig) (*BinanceClient, error) {
	futuresClient := futures.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.Testnet {
		futuresClient.UseTestnet = true
	}

	return &BinanceClient{
		futures: futuresClient,
	}, nil
}

// Name возвращает идентификатор биржи
func (c *BinanceClient) Name() string { return "binance" }

// Candles получает исторические свечи по возрастанию openTime
func (c *BinanceClient) Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	if _, err := IntervalDuration(interval); err != nil {
		return nil, err
	}

	klines, err := c.futures.NewKlinesService().
		Symbol(binanceSymbol(symbol)).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения свечей: %w", err)
	}

	return convertKlines(klines), nil
}

// CandlesSince получает свечи с openTime >= sinceMs по возрастанию
func (c *BinanceClient) CandlesSince(ctx context.Context, symbol, interval string, sinceMs int64, limit int) ([]models.Candle, error) {
	if _, err := IntervalDuration(interval); err != nil {
		return nil, err
	}

	klines, err := c.futures.NewKlinesService().
		Symbol(binanceSymbol(symbol)).
		Interval(interval).
		StartTime(sinceMs).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения свечей: %w", err)
	}

	return convertKlines(klines), nil
}

// Ticker получает последнюю цену инструмента
func (c *BinanceClient) Ticker(ctx context.Context, symbol string) (models.Ticker, error) {
	prices, err := c.futures.NewListPricesService().
		Symbol(binanceSymbol(symbol)).
		Do(ctx)
	if err != nil {
		return models.Ticker{}, fmt.Errorf("ошибка получения цены: %w", err)
	}
	if len(prices) == 0 {
		return models.Ticker{}, fmt.Errorf("%w: пустой ответ цены %s", ErrUnrecognizedPayload, symbol)
	}

	last, err := parseFiniteFloat(prices[0].Price)
	if err != nil {
		return models.Ticker{}, fmt.Errorf("%w: price=%q", ErrUnrecognizedPayload, prices[0].Price)
	}

	return models.Ticker{
		InstID: symbol,
		Last:   last,
		Ts:     time.Now().UnixMilli(),
	}, nil
}

// AccountSnapshot получает нормализованные показатели фьючерсного счёта.
// Общий капитал берется из totalMarginBalance с откатом на
// totalWalletBalance; доступный из availableBalance с тем же откатом.
func (c *BinanceClient) AccountSnapshot(ctx context.Context) (models.AccountSnapshot, error) {
	account, err := c.futures.NewGetAccountService().Do(ctx)
	if err != nil {
		return models.AccountSnapshot{}, fmt.Errorf("ошибка получения счёта: %w", err)
	}

	total, ok := pickDecimal(account.TotalMarginBalance, account.TotalWalletBalance)
	if !ok {
		return models.AccountSnapshot{}, fmt.Errorf("%w: баланс счёта", ErrUnrecognizedPayload)
	}
	avail, ok := pickDecimal(account.AvailableBalance, account.TotalWalletBalance)
	if !ok {
		avail = total
	}

	return models.AccountSnapshot{
		Exchange:        c.Name(),
		TotalEquity:     total,
		AvailableEquity: avail,
		UpdatedAt:       time.Now(),
	}, nil
}

// convertKlines конвертирует свечи Binance во внутреннюю модель,
// отбрасывая строки с непарсящимися значениями
func convertKlines(klines []*futures.Kline) []models.Candle {
	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		open, errO := parseFiniteFloat(k.Open)
		high, errH := parseFiniteFloat(k.High)
		low, errL := parseFiniteFloat(k.Low)
		closePrice, errC := parseFiniteFloat(k.Close)
		volume, errV := parseFiniteFloat(k.Volume)
		if errO != nil || errH != nil || errL != nil || errC != nil || errV != nil {
			continue
		}
		candles = append(candles, models.Candle{
			OpenTime: k.OpenTime,
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closePrice,
			Volume:   volume,
		})
	}
	return candles
}

// binanceSymbol приводит идентификатор инструмента к формату Binance:
// BTC-USDT-SWAP -> BTCUSDT
func binanceSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	s = strings.TrimSuffix(s, "-SWAP")
	return strings.ReplaceAll(s, "-", "")
}
