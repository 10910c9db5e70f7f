// internal/feed/connector.go
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/markuvic/nof1.ai-sub001/internal/config"
	"github.com/markuvic/nof1.ai-sub001/pkg/logger"
	"github.com/markuvic/nof1.ai-sub001/pkg/models"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected возвращается операциями, требующими активного подключения
	ErrNotConnected = errors.New("feed: нет подключения")
	// ErrClosed возвращается после остановки коннектора; остановка необратима
	ErrClosed = errors.New("feed: коннектор остановлен")
	// ErrWaitTimeout возвращается, когда тикер не пришел за отведенное время
	ErrWaitTimeout = errors.New("feed: тикер не получен за отведенное время")
)

// Push декодированный пуш одного канала: для tickers заполнен Ticker,
// для свечных каналов Candle
type Push struct {
	Channel string
	InstID  string
	Ticker  *models.Ticker
	Candle  *models.Candle
}

// Handler получает пуши подписанного канала. Вызывается в цикле чтения,
// поэтому не должен блокироваться.
type Handler func(Push)

// handlerEntry зарегистрированный обработчик; id нужен для адресного снятия
type handlerEntry struct {
	id int64
	fn Handler
}

// subEntry учет одной подписки: постоянная (через Subscribe) и/или
// удерживаемая обработчиками ожидания WaitForTicker
type subEntry struct {
	permanent bool
	handlers  []handlerEntry
}

// Connector подключение к публичному потоку рыночных данных.
// Держит одно соединение, шлет ping каждые heartbeat секунд,
// при обрыве переподключается с нарастающей задержкой и
// восстанавливает все учтенные подписки.
type Connector struct {
	url         string
	heartbeat   time.Duration
	waitTimeout time.Duration
	retry       *backoff.Backoff

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	closedCh  chan struct{}
	connStop  chan struct{}

	writeMu sync.Mutex

	subMu         sync.Mutex
	subs          map[channelArg]*subEntry
	nextHandlerID int64

	tickers *tickerCache
	candles *candleCache

	nowFn func() time.Time
}

// New создает коннектор по конфигурации потока
func New(cfg config.FeedConfig) *Connector {
	return &Connector{
		url:         cfg.URL,
		heartbeat:   time.Duration(cfg.HeartbeatIntervalS) * time.Second,
		waitTimeout: time.Duration(cfg.WaitTimeoutMs) * time.Millisecond,
		retry: &backoff.Backoff{
			Min:    time.Duration(cfg.ReconnectDelayS) * time.Second,
			Max:    time.Minute,
			Factor: 2,
			Jitter: true,
		},
		closedCh: make(chan struct{}),
		subs:     make(map[channelArg]*subEntry),
		tickers:  newTickerCache(time.Duration(cfg.TickerTTLMs) * time.Millisecond),
		candles:  newCandleCache(time.Duration(cfg.CandleTTLMs)*time.Millisecond, cfg.MaxCachedBars),
		nowFn:    time.Now,
	}
}

// Connect устанавливает соединение; повторный вызов при активном
// соединении ничего не делает
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("ошибка подключения к %s: %w", c.url, err)
	}
	if !c.adopt(conn) {
		return ErrClosed
	}
	return nil
}

// Disconnect останавливает коннектор насовсем: соединение закрывается,
// переподключения прекращаются
func (c *Connector) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closedCh)
	conn := c.conn
	c.conn = nil
	c.connected = false
	if c.connStop != nil {
		close(c.connStop)
		c.connStop = nil
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	logger.Info("Поток рыночных данных остановлен")
	return nil
}

// Connected сообщает, активно ли соединение в данный момент
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Subscribe подписывает на канал инструмента и регистрирует обработчик
// пушей (nil допустим: данные идут только в кэши). При отсутствии
// соединения сначала подключается. Подписка учитывается и будет
// восстановлена после переподключения.
func (c *Connector) Subscribe(channel, instID string, h Handler) error {
	if !c.Connected() {
		if err := c.Connect(context.Background()); err != nil {
			return err
		}
	}

	arg := channelArg{Channel: channel, InstID: instID}
	if err := c.send(wsRequest{Op: "subscribe", Args: []channelArg{arg}}); err != nil {
		return err
	}

	c.subMu.Lock()
	e, ok := c.subs[arg]
	if !ok {
		e = &subEntry{}
		c.subs[arg] = e
	}
	e.permanent = true
	if h != nil {
		c.nextHandlerID++
		e.handlers = append(e.handlers, handlerEntry{id: c.nextHandlerID, fn: h})
	}
	c.subMu.Unlock()

	logger.Debug("Отправлена подписка",
		zap.String("channel", channel),
		zap.String("instId", instID))
	return nil
}

// Unsubscribe снимает подписку с канала инструмента и сбрасывает все
// его обработчики
func (c *Connector) Unsubscribe(channel, instID string) error {
	arg := channelArg{Channel: channel, InstID: instID}

	c.subMu.Lock()
	delete(c.subs, arg)
	c.subMu.Unlock()

	if err := c.send(wsRequest{Op: "unsubscribe", Args: []channelArg{arg}}); err != nil {
		return err
	}

	logger.Debug("Отправлена отписка",
		zap.String("channel", channel),
		zap.String("instId", instID))
	return nil
}

// CachedTicker возвращает последний тикер инструмента, если тот свежее TTL
func (c *Connector) CachedTicker(instID string) (models.Ticker, bool) {
	return c.tickers.get(instID, c.nowFn())
}

// CachedCandles возвращает накопленные потоком бары интервала по
// возрастанию openTime, если последний пуш свежее TTL
func (c *Connector) CachedCandles(instID, interval string) ([]models.Candle, bool) {
	arg := channelArg{Channel: CandleChannel(interval), InstID: instID}
	return c.candles.snapshot(arg, c.nowFn())
}

// WaitForTicker возвращает свежий тикер: сразу из кэша либо дождавшись
// пуша. Если инструмент не был подписан, подписка ставится на время
// ожидания и снимается по его завершении независимо от исхода.
// Неположительный timeout заменяется настроенным по умолчанию.
func (c *Connector) WaitForTicker(ctx context.Context, instID string, timeout time.Duration) (models.Ticker, error) {
	if t, ok := c.CachedTicker(instID); ok {
		return t, nil
	}

	c.mu.Lock()
	closed, connected := c.closed, c.connected
	c.mu.Unlock()
	if closed {
		return models.Ticker{}, ErrClosed
	}
	if !connected {
		return models.Ticker{}, ErrNotConnected
	}

	ch := make(chan models.Ticker, 1)
	id := c.addTickerWaiter(instID, ch)
	defer c.removeTickerWaiter(instID, id)

	// тикер мог прийти между проверкой кэша и регистрацией ожидания
	if t, ok := c.CachedTicker(instID); ok {
		return t, nil
	}

	if timeout <= 0 {
		timeout = c.waitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case t := <-ch:
		return t, nil
	case <-ctx.Done():
		return models.Ticker{}, ctx.Err()
	case <-timer.C:
		return models.Ticker{}, ErrWaitTimeout
	}
}

// dial устанавливает websocket-соединение
func (c *Connector) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	return conn, err
}

// adopt принимает соединение как текущее и запускает его циклы.
// Возвращает false, если коннектор уже остановлен.
func (c *Connector) adopt(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	if c.conn != nil {
		c.conn.Close()
	}
	if c.connStop != nil {
		close(c.connStop)
	}
	c.conn = conn
	c.connected = true
	stop := make(chan struct{})
	c.connStop = stop
	c.mu.Unlock()

	c.retry.Reset()

	go c.readLoop(conn)
	go c.heartbeatLoop(conn, stop)

	logger.Info("Подключение к потоку рыночных данных установлено", zap.String("url", c.url))
	return true
}

// readLoop читает кадры до обрыва соединения. Дедлайн чтения заметно
// больше интервала ping, так что живое соединение его не задевает.
func (c *Connector) readLoop(conn *websocket.Conn) {
	readWait := c.heartbeat * 5 / 2
	for {
		conn.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleConnLoss(conn, err)
			return
		}
		c.handleFrame(data)
	}
}

// heartbeatLoop шлет текстовый ping с заданным интервалом
func (c *Connector) heartbeatLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.writeText(conn, []byte("ping")); err != nil {
				logger.Debug("Ошибка отправки ping", zap.Error(err))
				return
			}
		case <-stop:
			return
		case <-c.closedCh:
			return
		}
	}
}

// handleConnLoss помечает соединение потерянным и запускает
// переподключение, если коннектор не остановлен
func (c *Connector) handleConnLoss(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// соединение уже заменено или закрыто явно
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	if c.connStop != nil {
		close(c.connStop)
		c.connStop = nil
	}
	closed := c.closed
	c.mu.Unlock()

	conn.Close()

	if closed {
		return
	}

	logger.Warn("Потеряно подключение к потоку рыночных данных", zap.Error(err))
	go c.reconnectLoop()
}

// reconnectLoop восстанавливает соединение с нарастающей задержкой,
// после успеха заново отправляет все учтенные подписки
func (c *Connector) reconnectLoop() {
	for {
		delay := c.retry.Duration()
		logger.Info("Переподключение к потоку рыночных данных", zap.Duration("delay", delay))

		select {
		case <-c.closedCh:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			logger.Warn("Ошибка переподключения", zap.Error(err))
			continue
		}

		if !c.adopt(conn) {
			return
		}
		c.resubscribeAll()
		return
	}
}

// resubscribeAll повторяет все учтенные подписки на новом соединении
func (c *Connector) resubscribeAll() {
	c.subMu.Lock()
	args := make([]channelArg, 0, len(c.subs))
	for arg := range c.subs {
		args = append(args, arg)
	}
	c.subMu.Unlock()

	if len(args) == 0 {
		return
	}
	if err := c.send(wsRequest{Op: "subscribe", Args: args}); err != nil {
		logger.Warn("Ошибка восстановления подписок", zap.Error(err))
		return
	}
	logger.Info("Подписки восстановлены", zap.Int("count", len(args)))
}

// send отправляет управляющий кадр на текущем соединении
func (c *Connector) send(req wsRequest) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !connected || conn == nil {
		return ErrNotConnected
	}
	return c.writeJSON(conn, req)
}

func (c *Connector) writeText(conn *websocket.Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Connector) writeJSON(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(v)
}

// handleFrame разбирает входящий кадр. Односложные ping/pong служат
// проверкой живости и не являются JSON.
func (c *Connector) handleFrame(data []byte) {
	switch string(data) {
	case "pong":
		return
	case "ping":
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			if err := c.writeText(conn, []byte("pong")); err != nil {
				logger.Debug("Ошибка ответа pong", zap.Error(err))
			}
		}
		return
	}

	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		logger.Warn("Неопознанный кадр потока", zap.ByteString("frame", data))
		return
	}

	if frame.Event != "" {
		c.handleEvent(frame)
		return
	}
	if len(frame.Data) > 0 && frame.Arg.Channel != "" {
		c.handlePush(frame)
		return
	}

	logger.Warn("Кадр потока без события и данных", zap.ByteString("frame", data))
}

// handleEvent обрабатывает управляющие события канала
func (c *Connector) handleEvent(frame wsFrame) {
	switch frame.Event {
	case "subscribe":
		logger.Debug("Подписка подтверждена",
			zap.String("channel", frame.Arg.Channel),
			zap.String("instId", frame.Arg.InstID))
	case "unsubscribe":
		logger.Debug("Отписка подтверждена",
			zap.String("channel", frame.Arg.Channel),
			zap.String("instId", frame.Arg.InstID))
	case "error":
		logger.Warn("Ошибка канала потока",
			zap.String("code", frame.Code),
			zap.String("msg", frame.Msg))
	default:
		logger.Debug("Событие потока", zap.String("event", frame.Event))
	}
}

// handlePush раскладывает пуш данных по кэшам и раздает обработчикам.
// Непарсящиеся элементы отбрасываются поштучно, остальная часть пуша
// обрабатывается.
func (c *Connector) handlePush(frame wsFrame) {
	now := c.nowFn()

	switch {
	case frame.Arg.Channel == ChannelTickers:
		var rows []tickerData
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			logger.Warn("Неопознанный пуш тикеров", zap.String("instId", frame.Arg.InstID))
			return
		}
		for _, row := range rows {
			t, err := parseTicker(row)
			if err != nil {
				logger.Warn("Отброшен тикер",
					zap.String("instId", frame.Arg.InstID),
					zap.Error(err))
				continue
			}
			if t.InstID == "" {
				t.InstID = frame.Arg.InstID
			}
			c.tickers.set(t, now)
			c.dispatch(frame.Arg, Push{
				Channel: frame.Arg.Channel,
				InstID:  t.InstID,
				Ticker:  &t,
			})
		}

	case strings.HasPrefix(frame.Arg.Channel, "candle"):
		var rows [][]string
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			logger.Warn("Неопознанный пуш свечей", zap.String("channel", frame.Arg.Channel))
			return
		}
		for _, row := range rows {
			candle, err := parseCandleRow(row)
			if err != nil {
				logger.Warn("Отброшен бар",
					zap.String("channel", frame.Arg.Channel),
					zap.Error(err))
				continue
			}
			c.candles.upsert(frame.Arg, candle, now)
			c.dispatch(frame.Arg, Push{
				Channel: frame.Arg.Channel,
				InstID:  frame.Arg.InstID,
				Candle:  &candle,
			})
		}

	default:
		logger.Debug("Пуш неизвестного канала", zap.String("channel", frame.Arg.Channel))
	}
}

// dispatch вызывает обработчики подписки; доставка негарантированная,
// медленный обработчик задерживает цикл чтения
func (c *Connector) dispatch(arg channelArg, p Push) {
	c.subMu.Lock()
	e, ok := c.subs[arg]
	if !ok || len(e.handlers) == 0 {
		c.subMu.Unlock()
		return
	}
	handlers := make([]handlerEntry, len(e.handlers))
	copy(handlers, e.handlers)
	c.subMu.Unlock()

	for _, h := range handlers {
		h.fn(p)
	}
}

// addTickerWaiter регистрирует разовое ожидание тикера и удерживает
// подписку на инструмент; первая регистрация неподписанного инструмента
// отправляет временную подписку
func (c *Connector) addTickerWaiter(instID string, ch chan models.Ticker) int64 {
	arg := channelArg{Channel: ChannelTickers, InstID: instID}

	c.subMu.Lock()
	e, ok := c.subs[arg]
	if !ok {
		e = &subEntry{}
		c.subs[arg] = e
	}
	needSend := !e.permanent && len(e.handlers) == 0
	c.nextHandlerID++
	id := c.nextHandlerID
	e.handlers = append(e.handlers, handlerEntry{
		id: id,
		fn: func(p Push) {
			if p.Ticker == nil {
				return
			}
			select {
			case ch <- *p.Ticker:
			default:
			}
		},
	})
	c.subMu.Unlock()

	if needSend {
		if err := c.send(wsRequest{Op: "subscribe", Args: []channelArg{arg}}); err != nil {
			logger.Debug("Ошибка временной подписки",
				zap.String("instId", instID),
				zap.Error(err))
		}
	}
	return id
}

// removeTickerWaiter снимает разовое ожидание; последний обработчик
// непостоянной подписки снимает и саму подписку
func (c *Connector) removeTickerWaiter(instID string, id int64) {
	arg := channelArg{Channel: ChannelTickers, InstID: instID}

	c.subMu.Lock()
	e, ok := c.subs[arg]
	if !ok {
		c.subMu.Unlock()
		return
	}
	for i, h := range e.handlers {
		if h.id == id {
			e.handlers = append(e.handlers[:i], e.handlers[i+1:]...)
			break
		}
	}
	needSend := !e.permanent && len(e.handlers) == 0
	if needSend {
		delete(c.subs, arg)
	}
	c.subMu.Unlock()

	if needSend {
		if err := c.send(wsRequest{Op: "unsubscribe", Args: []channelArg{arg}}); err != nil {
			logger.Debug("Ошибка снятия временной подписки",
				zap.String("instId", instID),
				zap.Error(err))
		}
	}
}
