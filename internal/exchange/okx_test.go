// internal/exchange/okx_test.go
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/markuvic/nof1.ai-sub001/internal/config"
)

// okxFixture имитация REST API OKX: на каждый путь отдается заготовленный
// ответ, параметры запросов записываются для проверок
type okxFixture struct {
	mu        sync.Mutex
	responses map[string][]string // путь -> очередь тел ответов
	requests  []*http.Request
}

func newOKXFixture() *okxFixture {
	return &okxFixture{responses: make(map[string][]string)}
}

func (f *okxFixture) respond(path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[path] = append(f.responses[path], body)
}

func (f *okxFixture) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r)
	queue := f.responses[r.URL.Path]
	var body string
	if len(queue) > 0 {
		body = queue[0]
		f.responses[r.URL.Path] = queue[1:]
	}
	f.mu.Unlock()

	if body == "" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

func (f *okxFixture) request(i int) *http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.requests) {
		return nil
	}
	return f.requests[i]
}

func (f *okxFixture) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestOKXClient(t *testing.T, fixture *okxFixture) *OKXClient {
	t.Helper()
	srv := httptest.NewServer(fixture)
	t.Cleanup(srv.Close)
	return NewOKXClient(config.ExchangeConfig{
		ID:         "okx",
		RestURL:    srv.URL,
		APIKey:     "test-key",
		APISecret:  "test-secret",
		Passphrase: "test-pass",
	})
}

func TestOKXCandles(t *testing.T) {
	fixture := newOKXFixture()
	// новые записи первыми, одна строка с мусором
	fixture.respond("/api/v5/market/candles", `{"code":"0","msg":"","data":[
		["1700000120000","2","3","1","2.5","7","0","0","1"],
		["1700000060000","мусор","2","0.5","1.5","5"],
		["1700000000000","1","2","0.5","1.5","5"]
	]}`)
	client := newTestOKXClient(t, fixture)

	got, err := client.Candles(context.Background(), "BTC-USDT-SWAP", "1m", 10)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("получено %d свечей, want 2", len(got))
	}
	if got[0].OpenTime != 1700000000000 || got[1].OpenTime != 1700000120000 {
		t.Errorf("свечи не упорядочены по возрастанию: %+v", got)
	}
	if got[1].Close != 2.5 || got[1].Volume != 7 {
		t.Errorf("поля свечи: %+v", got[1])
	}

	req := fixture.request(0)
	q := req.URL.Query()
	if q.Get("instId") != "BTC-USDT-SWAP" || q.Get("bar") != "1m" || q.Get("limit") != "10" {
		t.Errorf("параметры запроса: %s", req.URL.RawQuery)
	}
}

func TestOKXCandlesPagesIntoHistory(t *testing.T) {
	fixture := newOKXFixture()
	// страница заполнена целиком, но одна строка мусорная: свечей не
	// хватает и клиент листает history-candles курсором after
	fixture.respond("/api/v5/market/candles", `{"code":"0","msg":"","data":[
		["1700000180000","4","5","3","4.5","7"],
		["1700000120000","3","4","2","3.5","6"],
		["1700000060000","2","3","1","2.5","5"],
		["1700000000000","мусор","2","0.5","1.5","4"]
	]}`)
	fixture.respond("/api/v5/market/history-candles", `{"code":"0","msg":"","data":[
		["1699999940000","1","2","0.5","1.5","3"],
		["1699999880000","1","2","0.5","1.5","2"]
	]}`)
	client := newTestOKXClient(t, fixture)

	got, err := client.Candles(context.Background(), "BTC-USDT-SWAP", "1m", 4)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}

	if len(got) != 4 {
		t.Fatalf("получено %d свечей, want 4", len(got))
	}
	if got[0].OpenTime != 1699999940000 || got[3].OpenTime != 1700000180000 {
		t.Errorf("границы результата: %d..%d", got[0].OpenTime, got[3].OpenTime)
	}

	history := fixture.request(1)
	if history == nil || history.URL.Path != "/api/v5/market/history-candles" {
		t.Fatal("дозапрос истории не отправлен")
	}
	if after := history.URL.Query().Get("after"); after != "1700000000000" {
		t.Errorf("курсор after = %s, want 1700000000000", after)
	}
}

func TestOKXCandlesSince(t *testing.T) {
	fixture := newOKXFixture()
	// биржа вернула и бар старше якоря, клиент обязан его отбросить
	fixture.respond("/api/v5/market/candles", `{"code":"0","msg":"","data":[
		["1700000120000","2","3","1","2.5","7"],
		["1700000060000","1","2","0.5","1.5","5"],
		["1700000000000","1","2","0.5","1.5","5"]
	]}`)
	client := newTestOKXClient(t, fixture)

	sinceMs := int64(1700000060000)
	got, err := client.CandlesSince(context.Background(), "BTC-USDT-SWAP", "1m", sinceMs, 100)
	if err != nil {
		t.Fatalf("CandlesSince: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("получено %d свечей, want 2", len(got))
	}
	if got[0].OpenTime != 1700000060000 || got[1].OpenTime != 1700000120000 {
		t.Errorf("результат: %+v", got)
	}

	q := fixture.request(0).URL.Query()
	if q.Get("before") != "1700000059999" {
		t.Errorf("before = %s, want 1700000059999", q.Get("before"))
	}
}

func TestOKXTicker(t *testing.T) {
	fixture := newOKXFixture()
	fixture.respond("/api/v5/market/ticker", `{"code":"0","msg":"","data":[{"instId":"BTC-USDT-SWAP","last":"42000.5","ts":"1700000000000"}]}`)
	client := newTestOKXClient(t, fixture)

	got, err := client.Ticker(context.Background(), "BTC-USDT-SWAP")
	if err != nil {
		t.Fatalf("Ticker: %v", err)
	}
	if got.InstID != "BTC-USDT-SWAP" || got.Last != 42000.5 || got.Ts != 1700000000000 {
		t.Errorf("Ticker = %+v", got)
	}
}

func TestOKXTickerBadPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"пустой список", `{"code":"0","msg":"","data":[]}`},
		{"непарсящаяся цена", `{"code":"0","msg":"","data":[{"instId":"BTC-USDT-SWAP","last":"мусор","ts":"1"}]}`},
		{"неконечная цена", `{"code":"0","msg":"","data":[{"instId":"BTC-USDT-SWAP","last":"NaN","ts":"1"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fixture := newOKXFixture()
			fixture.respond("/api/v5/market/ticker", tt.body)
			client := newTestOKXClient(t, fixture)

			_, err := client.Ticker(context.Background(), "BTC-USDT-SWAP")
			if !errors.Is(err, ErrUnrecognizedPayload) {
				t.Errorf("err = %v, want ErrUnrecognizedPayload", err)
			}
		})
	}
}

func TestOKXTickerBadTimestampFallsBack(t *testing.T) {
	fixture := newOKXFixture()
	fixture.respond("/api/v5/market/ticker", `{"code":"0","msg":"","data":[{"instId":"BTC-USDT-SWAP","last":"42000.5","ts":"не число"}]}`)
	client := newTestOKXClient(t, fixture)

	got, err := client.Ticker(context.Background(), "BTC-USDT-SWAP")
	if err != nil {
		t.Fatalf("Ticker: %v", err)
	}
	if got.Ts <= 0 {
		t.Errorf("метка времени обязана подставиться текущим временем: %d", got.Ts)
	}
}

func TestOKXAccountSnapshot(t *testing.T) {
	fixture := newOKXFixture()
	fixture.respond("/api/v5/account/balance", `{"code":"0","msg":"","data":[{"totalEq":"1000.5","adjEq":"900.25"}]}`)

	var signErr error
	checked := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checked = true
		ts := r.Header.Get("OK-ACCESS-TIMESTAMP")
		mac := hmac.New(sha256.New, []byte("test-secret"))
		mac.Write([]byte(ts + http.MethodGet + r.URL.Path))
		want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
		switch {
		case r.Header.Get("OK-ACCESS-KEY") != "test-key":
			signErr = fmt.Errorf("ключ: %s", r.Header.Get("OK-ACCESS-KEY"))
		case r.Header.Get("OK-ACCESS-PASSPHRASE") != "test-pass":
			signErr = fmt.Errorf("пароль: %s", r.Header.Get("OK-ACCESS-PASSPHRASE"))
		case r.Header.Get("OK-ACCESS-SIGN") != want:
			signErr = fmt.Errorf("подпись не сходится: %s", r.Header.Get("OK-ACCESS-SIGN"))
		}
		fixture.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	client := NewOKXClient(config.ExchangeConfig{
		RestURL:    srv.URL,
		APIKey:     "test-key",
		APISecret:  "test-secret",
		Passphrase: "test-pass",
	})

	got, err := client.AccountSnapshot(context.Background())
	if err != nil {
		t.Fatalf("AccountSnapshot: %v", err)
	}
	if !checked {
		t.Fatal("запрос не дошел до сервера")
	}
	if signErr != nil {
		t.Error(signErr)
	}
	if got.Exchange != "okx" {
		t.Errorf("Exchange = %s", got.Exchange)
	}
	if got.TotalEquity.String() != "1000.5" {
		t.Errorf("TotalEquity = %s, want 1000.5", got.TotalEquity)
	}
	if got.AvailableEquity.String() != "900.25" {
		t.Errorf("AvailableEquity = %s, want 900.25", got.AvailableEquity)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt не проставлен")
	}
}

func TestOKXAccountFieldPrecedence(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantTotal string
		wantAvail string
		wantErr   bool
	}{
		{
			name:      "оба поля",
			body:      `{"code":"0","data":[{"totalEq":"1000.5","adjEq":"900.25"}]}`,
			wantTotal: "1000.5",
			wantAvail: "900.25",
		},
		{
			name:      "нет totalEq",
			body:      `{"code":"0","data":[{"adjEq":"900.25"}]}`,
			wantTotal: "900.25",
			wantAvail: "900.25",
		},
		{
			name:      "нет adjEq",
			body:      `{"code":"0","data":[{"totalEq":"1000.5"}]}`,
			wantTotal: "1000.5",
			wantAvail: "1000.5",
		},
		{
			name:    "нет обоих",
			body:    `{"code":"0","data":[{}]}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fixture := newOKXFixture()
			fixture.respond("/api/v5/account/balance", tt.body)
			client := newTestOKXClient(t, fixture)

			got, err := client.AccountSnapshot(context.Background())
			if tt.wantErr {
				if !errors.Is(err, ErrUnrecognizedPayload) {
					t.Errorf("err = %v, want ErrUnrecognizedPayload", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("AccountSnapshot: %v", err)
			}
			if got.TotalEquity.String() != tt.wantTotal {
				t.Errorf("TotalEquity = %s, want %s", got.TotalEquity, tt.wantTotal)
			}
			if got.AvailableEquity.String() != tt.wantAvail {
				t.Errorf("AvailableEquity = %s, want %s", got.AvailableEquity, tt.wantAvail)
			}
		})
	}
}

func TestOKXErrorEnvelope(t *testing.T) {
	fixture := newOKXFixture()
	fixture.respond("/api/v5/market/candles", `{"code":"51001","msg":"Instrument ID does not exist","data":[]}`)
	client := newTestOKXClient(t, fixture)

	_, err := client.Candles(context.Background(), "NOPE-USDT-SWAP", "1m", 10)
	if err == nil || !strings.Contains(err.Error(), "51001") {
		t.Errorf("err = %v, ожидался код API в тексте", err)
	}
}

func TestOKXHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	client := NewOKXClient(config.ExchangeConfig{RestURL: srv.URL})

	if _, err := client.Candles(context.Background(), "BTC-USDT-SWAP", "1m", 10); err == nil {
		t.Error("ожидалась ошибка на код ответа 500")
	}
}

func TestOKXCandlesUnknownInterval(t *testing.T) {
	client := NewOKXClient(config.ExchangeConfig{RestURL: "http://127.0.0.1:1"})

	if _, err := client.Candles(context.Background(), "BTC-USDT-SWAP", "2w", 10); err == nil {
		t.Error("неизвестный интервал обязан вернуть ошибку без запроса")
	}
}

func TestOKXBar(t *testing.T) {
	tests := []struct {
		interval string
		want     string
		wantErr  bool
	}{
		{interval: "1m", want: "1m"},
		{interval: "15m", want: "15m"},
		{interval: "1h", want: "1H"},
		{interval: "4h", want: "4H"},
		{interval: "1d", want: "1D"},
		{interval: "1w", want: "1W"},
		{interval: "2w", wantErr: true},
		{interval: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := okxBar(tt.interval)
		if tt.wantErr {
			if err == nil {
				t.Errorf("okxBar(%q): ожидалась ошибка", tt.interval)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("okxBar(%q) = %q, %v; want %q", tt.interval, got, err, tt.want)
		}
	}
}
