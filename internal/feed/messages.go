// internal/feed/messages.go
package feed

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/markuvic/nof1.ai-sub001/pkg/models"
)

// ChannelTickers канал последних цен публичного потока
const ChannelTickers = "tickers"

// channelArg адресует один канал одного инструмента
type channelArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// wsRequest исходящий управляющий кадр (подписка/отписка)
type wsRequest struct {
	Op   string       `json:"op"`
	Args []channelArg `json:"args"`
}

// wsFrame входящий кадр: либо событие (event != ""), либо пуш данных
// (data != null). Прочие формы считаются неопознанными.
type wsFrame struct {
	Event string          `json:"event"`
	Arg   channelArg      `json:"arg"`
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
	Data  json.RawMessage `json:"data"`
}

// tickerData элемент пуша канала tickers
type tickerData struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	Ts     string `json:"ts"`
}

// CandleChannel возвращает имя свечного канала для интервала:
// минутные интервалы остаются строчными, от часа и выше суффикс заглавный
func CandleChannel(interval string) string {
	if strings.HasSuffix(interval, "m") {
		return "candle" + interval
	}
	return "candle" + strings.ToUpper(interval)
}

// parseTicker конвертирует элемент пуша в модель тикера
func parseTicker(td tickerData) (models.Ticker, error) {
	last, err := parsePrice(td.Last)
	if err != nil {
		return models.Ticker{}, fmt.Errorf("last=%q: %w", td.Last, err)
	}
	ts, err := strconv.ParseInt(td.Ts, 10, 64)
	if err != nil {
		return models.Ticker{}, fmt.Errorf("ts=%q: %w", td.Ts, err)
	}
	return models.Ticker{InstID: td.InstID, Last: last, Ts: ts}, nil
}

// parseCandleRow конвертирует строку пуша свечного канала
// [ts, open, high, low, close, volume, ...] в модель свечи
func parseCandleRow(row []string) (models.Candle, error) {
	if len(row) < 6 {
		return models.Candle{}, fmt.Errorf("короткая строка свечи: %d полей", len(row))
	}
	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return models.Candle{}, fmt.Errorf("ts=%q: %w", row[0], err)
	}

	vals := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, err := parsePrice(row[i+1])
		if err != nil {
			return models.Candle{}, fmt.Errorf("поле %d: %w", i+1, err)
		}
		vals[i] = v
	}

	return models.Candle{
		OpenTime: ts,
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}

// parsePrice парсит число и отклоняет NaN и бесконечности
func parsePrice(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("неконечное значение: %s", s)
	}
	return v, nil
}
