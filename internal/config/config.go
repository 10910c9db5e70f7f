package config

import (
	"fmt"
	"os"

	"github.com/markuvic/nof1.ai-sub001/pkg/logger"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Config представляет полную конфигурацию приложения
type Config struct {
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Feed       FeedConfig       `yaml:"feed"`
	Cache      CacheConfig      `yaml:"cache"`
	Collector  CollectorConfig  `yaml:"collector"`
	Volatility VolatilityConfig `yaml:"volatility"`
	Defense    DefenseConfig    `yaml:"defense"`
	Server     ServerConfig     `yaml:"server"`
}

// ExchangeConfig содержит настройки REST-клиента биржи
type ExchangeConfig struct {
	ID         string `yaml:"id"`       // okx | binance
	RestURL    string `yaml:"rest_url"` // базовый URL (только okx)
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	Passphrase string `yaml:"passphrase"` // только okx
	Testnet    bool   `yaml:"testnet"`
}

// FeedConfig содержит настройки потокового подключения к публичному каналу
type FeedConfig struct {
	URL                string `yaml:"url"`
	HeartbeatIntervalS int    `yaml:"heartbeat_interval_s"`
	ReconnectDelayS    int    `yaml:"reconnect_delay_s"`
	TickerTTLMs        int    `yaml:"ticker_ttl_ms"`
	CandleTTLMs        int    `yaml:"candle_ttl_ms"`
	MaxCachedBars      int    `yaml:"max_cached_bars"`
	WaitTimeoutMs      int    `yaml:"wait_timeout_ms"`
}

// CacheConfig содержит настройки файлового кэша свечей
type CacheConfig struct {
	Dir       string `yaml:"dir"`
	Profile   string `yaml:"profile"`
	Retention int    `yaml:"retention"` // 0 = хранить всё
}

// TimeframeConfig пара (интервал, количество баров) для коллектора
type TimeframeConfig struct {
	Interval string `yaml:"interval"`
	Limit    int    `yaml:"limit"`
}

// CollectorConfig содержит настройки мультитаймфреймового коллектора
type CollectorConfig struct {
	Symbols    []string          `yaml:"symbols"`
	Timeframes []TimeframeConfig `yaml:"timeframes"`
}

// VolatilityConfig содержит настройки монитора волатильности
type VolatilityConfig struct {
	Enabled              bool    `yaml:"enabled"`
	Symbol               string  `yaml:"symbol"`
	PollIntervalMs       int     `yaml:"poll_interval_ms"`
	WindowSeconds        int     `yaml:"window_seconds"`
	UpThresholdPercent   float64 `yaml:"up_threshold_percent"`
	DownThresholdPercent float64 `yaml:"down_threshold_percent"`
	CooldownMs           int     `yaml:"cooldown_ms"`
	MaxSamples           int     `yaml:"max_samples"`
}

// DefenseConfig содержит настройки монитора уровней инвалидации
type DefenseConfig struct {
	Enabled                 bool `yaml:"enabled"`
	PollIntervalMs          int  `yaml:"poll_interval_ms"`
	ForceDecisionCooldownMs int  `yaml:"force_decision_cooldown_ms"`
}

// ServerConfig содержит настройки операционного HTTP-сервера
type ServerConfig struct {
	Port string `yaml:"port"`
}

// Пороговые значения по умолчанию и нижние границы.
// Нижние границы защищают от плотных циклов опроса и нулевых TTL.
const (
	defaultHeartbeatIntervalS = 20
	minHeartbeatIntervalS     = 5
	defaultReconnectDelayS    = 5
	minReconnectDelayS        = 1
	defaultTickerTTLMs        = 5000
	minTickerTTLMs            = 500
	defaultCandleTTLMs        = 60000
	minCandleTTLMs            = 1000
	defaultMaxCachedBars      = 300
	minMaxCachedBars          = 50
	defaultWaitTimeoutMs      = 10000
	minWaitTimeoutMs          = 500

	defaultRetention = 1000

	defaultPollIntervalMs = 5000
	minPollIntervalMs     = 1000

	defaultWindowSeconds = 300
	minWindowSeconds     = 10

	defaultUpThresholdPercent   = 2.0
	defaultDownThresholdPercent = 2.0
	minThresholdPercent         = 0.1

	defaultCooldownMs = 300000
	minCooldownMs     = 10000

	defaultMaxSamples = 500
	minMaxSamples     = 10

	defaultDefensePollIntervalMs   = 3000
	defaultForceDecisionCooldownMs = 600000
	minForceDecisionCooldownMs     = 10000

	defaultFeedURL  = "wss://ws.okx.com:8443/ws/v5/public"
	defaultRestURL  = "https://www.okx.com"
	defaultCacheDir = "./cache/candles"
	defaultProfile  = "default"
	defaultPort     = "8085"
)

// Load загружает конфигурацию из файла и приводит значения к безопасным границам
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора файла конфигурации: %w", err)
	}

	cfg.normalize()

	logger.Debug("Загружена конфигурация", zap.String("path", path), zap.Any("config", cfg))
	logger.Info("Загружена конфигурация",
		zap.String("exchange", cfg.Exchange.ID),
		zap.Any("symbols", cfg.Collector.Symbols))

	return &cfg, nil
}

// normalize подставляет значения по умолчанию и прижимает выходящие
// за границы значения к безопасным; ошибок не возвращает (спорные
// значения исправляются, а не отклоняются)
func (c *Config) normalize() {
	if c.Exchange.ID == "" {
		c.Exchange.ID = "okx"
	}
	if c.Exchange.RestURL == "" {
		c.Exchange.RestURL = defaultRestURL
	}

	if c.Feed.URL == "" {
		c.Feed.URL = defaultFeedURL
	}
	c.Feed.HeartbeatIntervalS = clampInt(c.Feed.HeartbeatIntervalS, defaultHeartbeatIntervalS, minHeartbeatIntervalS)
	c.Feed.ReconnectDelayS = clampInt(c.Feed.ReconnectDelayS, defaultReconnectDelayS, minReconnectDelayS)
	c.Feed.TickerTTLMs = clampInt(c.Feed.TickerTTLMs, defaultTickerTTLMs, minTickerTTLMs)
	c.Feed.CandleTTLMs = clampInt(c.Feed.CandleTTLMs, defaultCandleTTLMs, minCandleTTLMs)
	c.Feed.MaxCachedBars = clampInt(c.Feed.MaxCachedBars, defaultMaxCachedBars, minMaxCachedBars)
	c.Feed.WaitTimeoutMs = clampInt(c.Feed.WaitTimeoutMs, defaultWaitTimeoutMs, minWaitTimeoutMs)

	if c.Cache.Dir == "" {
		c.Cache.Dir = defaultCacheDir
	}
	if c.Cache.Profile == "" {
		c.Cache.Profile = defaultProfile
	}
	if c.Cache.Retention == 0 {
		c.Cache.Retention = defaultRetention
	}
	if c.Cache.Retention < 0 {
		// Отрицательное значение трактуем как "хранить всё"
		c.Cache.Retention = 0
	}

	for i := range c.Collector.Timeframes {
		if c.Collector.Timeframes[i].Limit <= 0 {
			c.Collector.Timeframes[i].Limit = 1
		}
	}

	c.Volatility.PollIntervalMs = clampInt(c.Volatility.PollIntervalMs, defaultPollIntervalMs, minPollIntervalMs)
	c.Volatility.WindowSeconds = clampInt(c.Volatility.WindowSeconds, defaultWindowSeconds, minWindowSeconds)
	c.Volatility.UpThresholdPercent = clampFloat(c.Volatility.UpThresholdPercent, defaultUpThresholdPercent, minThresholdPercent)
	c.Volatility.DownThresholdPercent = clampFloat(c.Volatility.DownThresholdPercent, defaultDownThresholdPercent, minThresholdPercent)
	c.Volatility.CooldownMs = clampInt(c.Volatility.CooldownMs, defaultCooldownMs, minCooldownMs)
	c.Volatility.MaxSamples = clampInt(c.Volatility.MaxSamples, defaultMaxSamples, minMaxSamples)

	c.Defense.PollIntervalMs = clampInt(c.Defense.PollIntervalMs, defaultDefensePollIntervalMs, minPollIntervalMs)
	c.Defense.ForceDecisionCooldownMs = clampInt(c.Defense.ForceDecisionCooldownMs, defaultForceDecisionCooldownMs, minForceDecisionCooldownMs)

	if c.Server.Port == "" {
		c.Server.Port = defaultPort
	}
}

// clampInt возвращает значение по умолчанию для нуля и прижимает к нижней границе
func clampInt(v, def, min int) int {
	if v == 0 {
		return def
	}
	if v < min {
		return min
	}
	return v
}

// clampFloat возвращает значение по умолчанию для нуля и прижимает к нижней границе
func clampFloat(v, def, min float64) float64 {
	if v == 0 {
		return def
	}
	if v < min {
		return min
	}
	return v
}
