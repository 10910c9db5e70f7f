package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/markuvic/nof1.ai-sub001/internal/collector"
	"github.com/markuvic/nof1.ai-sub001/internal/config"
	"github.com/markuvic/nof1.ai-sub001/internal/exchange"
	"github.com/markuvic/nof1.ai-sub001/internal/feed"
	"github.com/markuvic/nof1.ai-sub001/internal/monitor"
	"github.com/markuvic/nof1.ai-sub001/internal/server"
	"github.com/markuvic/nof1.ai-sub001/internal/storage"
	"github.com/markuvic/nof1.ai-sub001/pkg/logger"
	"github.com/markuvic/nof1.ai-sub001/pkg/models"
	"go.uber.org/zap"
)

func main() {
	logger.Init()
	defer logger.GetLogger().Sync()

	// Обработка флагов командной строки
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	flag.Parse()

	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		logger.Fatal("Файл конфигурации не найден", zap.String("path", *configPath))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Ошибка загрузки конфигурации", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Инициализируем клиент REST API биржи
	client, err := exchange.New(cfg.Exchange)
	if err != nil {
		logger.Fatal("Ошибка инициализации клиента биржи", zap.Error(err))
	}

	// Поднимаем поток рыночных данных; при неудаче подписки поднимут
	// его позже сами
	conn := feed.New(cfg.Feed)
	if err := conn.Connect(ctx); err != nil {
		logger.Warn("Поток рыночных данных пока недоступен", zap.Error(err))
	}
	defer conn.Disconnect()

	// Подписываемся на свечные каналы собираемых пар: кэш потока
	// закрывает дозагрузки коллектора без REST-запросов
	for _, symbol := range cfg.Collector.Symbols {
		for _, tf := range cfg.Collector.Timeframes {
			if err := conn.Subscribe(feed.CandleChannel(tf.Interval), symbol, nil); err != nil {
				logger.Warn("Не удалось подписаться на свечной канал",
					zap.String("symbol", symbol),
					zap.String("interval", tf.Interval),
					zap.Error(err))
			}
		}
	}

	// Инициализируем файловый кэш и коллектор
	store := storage.New(cfg.Cache)
	source := collector.NewSource(client, conn)
	coll := collector.New(cfg.Collector, cfg.Cache, client.Name(), store, source)

	// Первичный сбор для прогрева кэша
	if _, err := coll.Collect(ctx); err != nil {
		logger.Warn("Ошибка первичного сбора данных", zap.Error(err))
	}

	// Мониторы работают от общего источника цены: поток с откатом на REST
	prices := monitor.NewFeedPriceSource(conn, client)

	var vol *monitor.VolatilityMonitor
	if cfg.Volatility.Enabled {
		if err := conn.Subscribe(feed.ChannelTickers, cfg.Volatility.Symbol, nil); err != nil {
			logger.Warn("Не удалось подписаться на тикеры",
				zap.String("symbol", cfg.Volatility.Symbol),
				zap.Error(err))
		}
		vol = monitor.NewVolatilityMonitor(cfg.Volatility, prices)
		vol.Start(ctx)
		defer vol.Stop()
	}

	var def *monitor.DefenseMonitor
	if cfg.Defense.Enabled {
		def = monitor.NewDefenseMonitor(cfg.Defense, prices)
		def.Start(ctx)
		defer def.Stop()
	}

	// Журналируем события мониторов
	go logEvents(ctx, vol, def)

	// Операционный HTTP-интерфейс
	srv := server.New(cfg.Server, conn, coll, vol, def, client)

	// Настраиваем обработку сигналов завершения
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nЗавершение работы...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Ошибка остановки HTTP-сервера", zap.Error(err))
		}
	}()

	// Блокирующий запуск HTTP-сервера; возврат происходит после Shutdown
	if err := srv.Run(); err != nil {
		logger.Fatal("Ошибка HTTP-сервера", zap.Error(err))
	}
}

// logEvents пишет события мониторов в журнал; выключенный монитор
// представлен nil-каналом и в выборке не участвует
func logEvents(ctx context.Context, vol *monitor.VolatilityMonitor, def *monitor.DefenseMonitor) {
	var volEvents, defEvents <-chan models.ThresholdEvent
	if vol != nil {
		volEvents = vol.Events()
	}
	if def != nil {
		defEvents = def.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-volEvents:
			logger.Info("Событие монитора",
				zap.String("kind", string(ev.Kind)),
				zap.String("subject", ev.SubjectID),
				zap.String("direction", string(ev.Direction)),
				zap.Float64("measured", ev.MeasuredValue),
				zap.Float64("threshold", ev.ThresholdValue))
		case ev := <-defEvents:
			logger.Info("Событие монитора",
				zap.String("kind", string(ev.Kind)),
				zap.String("subject", ev.SubjectID),
				zap.String("direction", string(ev.Direction)),
				zap.Float64("measured", ev.MeasuredValue),
				zap.Float64("threshold", ev.ThresholdValue))
		}
	}
}
