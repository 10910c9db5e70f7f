// internal/exchange/okx.go
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/markuvic/nof1.ai-sub001/internal/config"
	"github.com/markuvic/nof1.ai-sub001/pkg/logger"
	"github.com/markuvic/nof1.ai-sub001/pkg/models"
	"go.uber.org/zap"
)

// Публичный эндпоинт candles отдает не более 300 баров за запрос;
// более глубокая история доступна через history-candles
const okxMaxPageLimit = 300

// OKXClient клиент REST API OKX
type OKXClient struct {
	baseURL    string
	httpClient *http.Client

	apiKey     string
	apiSecret  string
	passphrase string
}

// NewOKXClient создает новый клиент OKX
func NewOKXClient(cfg config.ExchangeConfig) *OKXClient {
	return &OKXClient{
		baseURL: strings.TrimRight(cfg.RestURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		passphrase: cfg.Passphrase,
	}
}

// Name возвращает идентификатор биржи
func (c *OKXClient) Name() string { return "okx" }

// okxResponse общий конверт ответа OKX
type okxResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Candles получает последние limit исторических свечей по возрастанию openTime.
// Запросы глубже одной страницы уходят в history-candles с курсором after.
func (c *OKXClient) Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	bar, err := okxBar(interval)
	if err != nil {
		return nil, err
	}

	pageLimit := limit
	if pageLimit > okxMaxPageLimit {
		pageLimit = okxMaxPageLimit
	}

	q := url.Values{}
	q.Set("instId", symbol)
	q.Set("bar", bar)
	q.Set("limit", strconv.Itoa(pageLimit))

	rows, err := c.fetchCandleRows(ctx, "/api/v5/market/candles", q)
	if err != nil {
		return nil, err
	}
	candles := decodeCandleRows(rows)

	// Добираем остаток из history-candles, листая к более старым записям
	for len(candles) < limit && len(rows) == pageLimit {
		oldest := oldestTimestamp(rows)
		if oldest == "" {
			break
		}
		hq := url.Values{}
		hq.Set("instId", symbol)
		hq.Set("bar", bar)
		hq.Set("after", oldest)
		hq.Set("limit", strconv.Itoa(okxMaxPageLimit))

		rows, err = c.fetchCandleRows(ctx, "/api/v5/market/history-candles", hq)
		if err != nil {
			logger.Warn("Ошибка дозапроса истории свечей",
				zap.String("symbol", symbol),
				zap.String("interval", interval),
				zap.Error(err))
			break
		}
		if len(rows) == 0 {
			break
		}
		candles = append(candles, decodeCandleRows(rows)...)
	}

	sortCandles(candles)
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// CandlesSince получает свечи с openTime >= sinceMs по возрастанию
func (c *OKXClient) CandlesSince(ctx context.Context, symbol, interval string, sinceMs int64, limit int) ([]models.Candle, error) {
	bar, err := okxBar(interval)
	if err != nil {
		return nil, err
	}
	if limit > okxMaxPageLimit {
		limit = okxMaxPageLimit
	}

	q := url.Values{}
	q.Set("instId", symbol)
	q.Set("bar", bar)
	// before возвращает записи новее указанной метки
	q.Set("before", strconv.FormatInt(sinceMs-1, 10))
	q.Set("limit", strconv.Itoa(limit))

	rows, err := c.fetchCandleRows(ctx, "/api/v5/market/candles", q)
	if err != nil {
		return nil, err
	}

	candles := decodeCandleRows(rows)
	sortCandles(candles)

	// Страховка от расширенной выдачи: отбрасываем бары старше якоря
	filtered := candles[:0]
	for _, cd := range candles {
		if cd.OpenTime >= sinceMs {
			filtered = append(filtered, cd)
		}
	}
	return filtered, nil
}

// Ticker получает последнюю цену инструмента
func (c *OKXClient) Ticker(ctx context.Context, symbol string) (models.Ticker, error) {
	q := url.Values{}
	q.Set("instId", symbol)

	data, err := c.get(ctx, "/api/v5/market/ticker", q)
	if err != nil {
		return models.Ticker{}, err
	}

	var rows []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
		Ts     string `json:"ts"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return models.Ticker{}, fmt.Errorf("%w: ticker %s", ErrUnrecognizedPayload, symbol)
	}

	last, err := parseFiniteFloat(rows[0].Last)
	if err != nil {
		return models.Ticker{}, fmt.Errorf("%w: last=%q", ErrUnrecognizedPayload, rows[0].Last)
	}
	ts, err := strconv.ParseInt(rows[0].Ts, 10, 64)
	if err != nil {
		ts = time.Now().UnixMilli()
	}

	return models.Ticker{InstID: rows[0].InstID, Last: last, Ts: ts}, nil
}

// AccountSnapshot получает нормализованные показатели счёта.
// Приоритет полей зафиксирован явно: totalEq, затем adjEq для общего
// капитала; adjEq, затем totalEq для доступного.
func (c *OKXClient) AccountSnapshot(ctx context.Context) (models.AccountSnapshot, error) {
	data, err := c.getSigned(ctx, "/api/v5/account/balance")
	if err != nil {
		return models.AccountSnapshot{}, err
	}

	var rows []struct {
		TotalEq string `json:"totalEq"`
		AdjEq   string `json:"adjEq"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return models.AccountSnapshot{}, fmt.Errorf("%w: account balance", ErrUnrecognizedPayload)
	}

	total, ok := pickDecimal(rows[0].TotalEq, rows[0].AdjEq)
	if !ok {
		return models.AccountSnapshot{}, fmt.Errorf("%w: ни totalEq, ни adjEq", ErrUnrecognizedPayload)
	}
	avail, ok := pickDecimal(rows[0].AdjEq, rows[0].TotalEq)
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

// fetchCandleRows выполняет запрос свечей и возвращает сырые строки ответа
func (c *OKXClient) fetchCandleRows(ctx context.Context, path string, q url.Values) ([][]string, error) {
	data, err := c.get(ctx, path, q)
	if err != nil {
		return nil, err
	}

	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("%w: candles", ErrUnrecognizedPayload)
	}
	return rows, nil
}

// get выполняет публичный GET-запрос и возвращает поле data ответа
func (c *OKXClient) get(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	reqURL := c.baseURL + path
	if len(q) > 0 {
		reqURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса: %w", err)
	}

	return c.do(req)
}

// getSigned выполняет подписанный GET-запрос приватного API
func (c *OKXClient) getSigned(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса: %w", err)
	}

	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(ts + http.MethodGet + path))

	req.Header.Set("OK-ACCESS-KEY", c.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.passphrase)
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

// do выполняет запрос и разворачивает конверт ответа OKX
func (c *OKXClient) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения ответа %s: %w", req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("код ответа %d от %s", resp.StatusCode, req.URL.Path)
	}

	var envelope okxResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnrecognizedPayload, req.URL.Path)
	}
	if envelope.Code != "0" {
		return nil, fmt.Errorf("ошибка API %s: code=%s msg=%s", req.URL.Path, envelope.Code, envelope.Msg)
	}

	return envelope.Data, nil
}

// decodeCandleRows конвертирует строки ответа OKX в свечи.
// Непарсящиеся и неконечные значения отбрасываются построчно.
func decodeCandleRows(rows [][]string) []models.Candle {
	candles := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		vals := make([]float64, 5)
		ok := true
		for i := 0; i < 5; i++ {
			v, err := parseFiniteFloat(row[i+1])
			if err != nil {
				ok = false
				break
			}
			vals[i] = v
		}
		if !ok {
			continue
		}
		candles = append(candles, models.Candle{
			OpenTime: ts,
			Open:     vals[0],
			High:     vals[1],
			Low:      vals[2],
			Close:    vals[3],
			Volume:   vals[4],
		})
	}
	return candles
}

// oldestTimestamp возвращает самую раннюю метку времени страницы
// (OKX отдает записи от новых к старым, но порядок не гарантируем)
func oldestTimestamp(rows [][]string) string {
	oldest := ""
	var oldestTs int64
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		if oldest == "" || ts < oldestTs {
			oldest = row[0]
			oldestTs = ts
		}
	}
	return oldest
}

// sortCandles сортирует свечи по возрастанию openTime
func sortCandles(candles []models.Candle) {
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].OpenTime < candles[j].OpenTime
	})
}

// okxBar конвертирует канонический интервал в параметр bar OKX
// (минутные интервалы строчные, от часа и выше заглавные)
func okxBar(interval string) (string, error) {
	if _, err := IntervalDuration(interval); err != nil {
		return "", err
	}
	if strings.HasSuffix(interval, "m") {
		return interval, nil
	}
	return strings.ToUpper(interval), nil
}
