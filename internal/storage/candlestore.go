// internal/storage/candlestore.go
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/markuvic/nof1.ai-sub001/internal/config"
	"github.com/markuvic/nof1.ai-sub001/pkg/models"
)

// Key адресует один файл кэша свечей
type Key struct {
	Exchange string
	Profile  string
	Symbol   string
	Interval string
}

// Filename возвращает имя файла кэша:
// <биржа>_<профиль>_<СИМВОЛ>_<интервал>.json
func (k Key) Filename() string {
	return fmt.Sprintf("%s_%s_%s_%s.json",
		k.Exchange, k.Profile, strings.ToUpper(k.Symbol), k.Interval)
}

// Store файловый кэш исторических свечей. Один процесс считается
// единственным писателем своих ключей; межпроцессных блокировок нет.
type Store struct {
	dir       string
	retention int
	mu        sync.Mutex
}

// New создает кэш по конфигурации
func New(cfg config.CacheConfig) *Store {
	return &Store{
		dir:       cfg.Dir,
		retention: cfg.Retention,
	}
}

// Load читает последовательность свечей ключа по возрастанию openTime.
// Отсутствующий файл дает пустой результат без ошибки.
func (s *Store) Load(key Key) ([]models.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения кэша %s: %w", key.Filename(), err)
	}

	candles, err := decodeCandles(data)
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора кэша %s: %w", key.Filename(), err)
	}
	return normalizeSeries(candles), nil
}

// Save записывает последовательность свечей ключа атомарно (временный
// файл с переименованием). Перед записью последовательность приводится
// к порядку возрастания без дублей и урезается до retention последних
// баров; retention 0 означает хранить всё.
func (s *Store) Save(key Key, candles []models.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	series := normalizeSeries(append([]models.Candle(nil), candles...))
	if s.retention > 0 && len(series) > s.retention {
		series = series[len(series)-s.retention:]
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("ошибка создания каталога кэша: %w", err)
	}

	data, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("ошибка сериализации кэша %s: %w", key.Filename(), err)
	}

	tmp, err := os.CreateTemp(s.dir, key.Filename()+".tmp-*")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("ошибка записи кэша %s: %w", key.Filename(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("ошибка закрытия временного файла: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("ошибка замены кэша %s: %w", key.Filename(), err)
	}
	return nil
}

// Clear удаляет файл кэша ключа; отсутствие файла не ошибка
func (s *Store) Clear(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ошибка удаления кэша %s: %w", key.Filename(), err)
	}
	return nil
}

func (s *Store) path(key Key) string {
	return filepath.Join(s.dir, key.Filename())
}

// Merge объединяет существующую и новую последовательности: при
// совпадении openTime побеждает новый бар, результат отсортирован по
// возрастанию. Пустая новая последовательность возвращает существующую
// как есть, без пересборки.
func Merge(existing, incoming []models.Candle) []models.Candle {
	if len(incoming) == 0 {
		return existing
	}
	merged := make([]models.Candle, 0, len(existing)+len(incoming))
	merged = append(merged, existing...)
	merged = append(merged, incoming...)
	return normalizeSeries(merged)
}

// DeriveStartTime возвращает openTime бара, следующего за последним в
// последовательности; для пустой последовательности ok=false
func DeriveStartTime(candles []models.Candle, intervalMs int64) (int64, bool) {
	if len(candles) == 0 {
		return 0, false
	}
	return candles[len(candles)-1].OpenTime + intervalMs, true
}

// normalizeSeries сортирует по возрастанию openTime и схлопывает дубли,
// оставляя позднейшую запись каждого openTime
func normalizeSeries(candles []models.Candle) []models.Candle {
	if len(candles) < 2 {
		return candles
	}
	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].OpenTime < candles[j].OpenTime
	})

	out := candles[:1]
	for _, c := range candles[1:] {
		if c.OpenTime == out[len(out)-1].OpenTime {
			out[len(out)-1] = c
		} else {
			out = append(out, c)
		}
	}
	return out
}

// flexNumber число JSON, допускающее строковую запись.
// Неконечные значения отклоняются.
type flexNumber float64

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("неконечное значение: %s", s)
	}
	*n = flexNumber(v)
	return nil
}

// candleObject объектная форма записи кэша; указатели отличают
// отсутствующее поле от нулевого
type candleObject struct {
	OpenTime *flexNumber `json:"openTime"`
	Open     *flexNumber `json:"open"`
	High     *flexNumber `json:"high"`
	Low      *flexNumber `json:"low"`
	Close    *flexNumber `json:"close"`
	Volume   *flexNumber `json:"volume"`
}

func (o candleObject) complete() bool {
	return o.OpenTime != nil && o.Open != nil && o.High != nil &&
		o.Low != nil && o.Close != nil && o.Volume != nil
}

// decodeCandles разбирает содержимое файла кэша. Каждая запись
// принимается в одной из двух форм: объект с именованными полями либо
// позиционный массив [t, o, h, l, c, v]; числа в обеих формах могут
// быть записаны строками. Нераспознанные записи пропускаются.
func decodeCandles(data []byte) ([]models.Candle, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}

	out := make([]models.Candle, 0, len(rows))
	for _, raw := range rows {
		if c, ok := decodeCandleEntry(raw); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// decodeCandleEntry распознает одну запись; объектная форма имеет
// приоритет перед позиционной
func decodeCandleEntry(raw json.RawMessage) (models.Candle, bool) {
	var obj candleObject
	if err := json.Unmarshal(raw, &obj); err == nil && obj.complete() {
		return models.Candle{
			OpenTime: int64(*obj.OpenTime),
			Open:     float64(*obj.Open),
			High:     float64(*obj.High),
			Low:      float64(*obj.Low),
			Close:    float64(*obj.Close),
			Volume:   float64(*obj.Volume),
		}, true
	}

	var arr []flexNumber
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) >= 6 {
		return models.Candle{
			OpenTime: int64(arr[0]),
			Open:     float64(arr[1]),
			High:     float64(arr[2]),
			Low:      float64(arr[3]),
			Close:    float64(arr[4]),
			Volume:   float64(arr[5]),
		}, true
	}

	return models.Candle{}, false
}
