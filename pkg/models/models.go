package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle представляет свечу OHLCV; OpenTime хранится в миллисекундах Unix.
// Внутри сохранённой последовательности OpenTime строго возрастает.
type Candle struct {
	OpenTime int64   `json:"openTime"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// Ticker представляет последнюю цену инструмента из потокового канала
type Ticker struct {
	InstID string
	Last   float64
	Ts     int64
}

// PriceSample точка цены внутри скользящего окна монитора; никогда не сохраняется
type PriceSample struct {
	Timestamp time.Time
	Price     float64
}

// Direction направление срабатывания порога
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// EventKind вид события монитора
type EventKind string

const (
	EventVolatility    EventKind = "volatility_spike"
	EventDefenseBreach EventKind = "defense_breach"
)

// ThresholdEvent событие срабатывания порога, потребляется внешним планировщиком решений
type ThresholdEvent struct {
	ID             string    `json:"id"`
	Kind           EventKind `json:"kind"`
	SubjectID      string    `json:"subject_id"`
	Direction      Direction `json:"direction"`
	MeasuredValue  float64   `json:"measured_value"`
	ThresholdValue float64   `json:"threshold_value"`
	TriggeredAt    time.Time `json:"triggered_at"`
}

// PositionSide сторона открытой позиции
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// DefenseLevels пара уровней инвалидации, заявленных оператором для открытой позиции.
// Нулевое значение уровня означает, что уровень не задан.
type DefenseLevels struct {
	Symbol                string       `json:"symbol"`
	Side                  PositionSide `json:"side"`
	EntryInvalidation     float64      `json:"entry_invalidation"`
	StructureInvalidation float64      `json:"structure_invalidation"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

// AccountSnapshot нормализованные показатели счёта
type AccountSnapshot struct {
	Exchange        string          `json:"exchange"`
	TotalEquity     decimal.Decimal `json:"total_equity"`
	AvailableEquity decimal.Decimal `json:"available_equity"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TimeframeSet свечи по таймфреймам одного символа: интервал -> последовательность
type TimeframeSet map[string][]Candle

// Dataset готовый к потреблению набор данных коллектора, помеченный профилем
type Dataset struct {
	Profile     string                  `json:"profile"`
	GeneratedAt time.Time               `json:"generated_at"`
	Symbols     map[string]TimeframeSet `json:"symbols"`
}
