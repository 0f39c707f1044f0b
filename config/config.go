package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/cyclebot/internal/domain"
	"github.com/vadiminshakov/cyclebot/internal/logger"
)

// Config is the full runtime configuration of one bot.
type Config struct {
	BotID               string
	Pair                domain.Pair
	InitialCapital      decimal.Decimal
	MaxPurchases        int
	MinBuyUSDT          decimal.Decimal
	ExchangeMinNotional decimal.Decimal
	DropPercent         decimal.Decimal
	RisePercent         decimal.Decimal
	DriftThreshold      decimal.Decimal

	PollPriceInterval  time.Duration
	DriftCheckInterval time.Duration
	CandleInterval     string

	DBPath      string
	WALDir      string
	MetricsAddr string

	TransactionTimeout time.Duration
	MaxRetries         int
	RetryBackoff       time.Duration

	Log logger.Config
}

// configTmp is the raw YAML shape: decimals arrive as strings so precision
// survives parsing.
type configTmp struct {
	BotID               string `yaml:"bot_id"`
	Pair                string `yaml:"pair"`
	InitialCapital      string `yaml:"initial_capital"`
	MaxPurchases        int    `yaml:"max_purchases"`
	MinBuyUSDT          string `yaml:"min_buy_usdt,omitempty"`
	ExchangeMinNotional string `yaml:"exchange_min_notional,omitempty"`
	DropPercent         string `yaml:"drop_percent,omitempty"`
	RisePercent         string `yaml:"rise_percent,omitempty"`
	DriftThreshold      string `yaml:"drift_threshold,omitempty"`

	PollPriceInterval  time.Duration `yaml:"poll_price_interval,omitempty"`
	DriftCheckInterval time.Duration `yaml:"drift_check_interval,omitempty"`
	CandleInterval     string        `yaml:"candle_interval,omitempty"`

	DBPath      string `yaml:"db_path,omitempty"`
	WALDir      string `yaml:"wal_dir,omitempty"`
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	TransactionTimeout time.Duration `yaml:"transaction_timeout,omitempty"`
	MaxRetries         int           `yaml:"max_retries,omitempty"`
	RetryBackoff       time.Duration `yaml:"retry_backoff,omitempty"`

	Log logger.Config `yaml:"log,omitempty"`
}

// Get reads the config from the yaml file named by --config, or builds one
// from CLI flags when no file is given.
func Get() (Config, error) {
	configPath := flag.String("config", "", "path to yaml config")
	pairFlag := flag.String("pair", "BTC_USDT", "trade pair, example: BTC_USDT")
	capitalFlag := flag.String("capital", "1000", "initial quote capital, example: 1000")
	maxPurchasesFlag := flag.Int("maxpurchases", 10, "number of tranches the capital is split into")
	pollFlag := flag.Duration("pollpriceinterval", time.Minute, "poll market price interval")
	flag.Parse()

	if *configPath != "" {
		return getYaml(*configPath)
	}

	pair, err := getPairFromString(*pairFlag)
	if err != nil {
		return Config{}, fmt.Errorf("invalid --pair provided, --pair=%s", *pairFlag)
	}
	capital, err := decimal.NewFromString(*capitalFlag)
	if err != nil {
		return Config{}, fmt.Errorf("invalid --capital provided, --capital=%s", *capitalFlag)
	}

	cfg := Config{
		BotID:             pair.String(),
		Pair:              pair,
		InitialCapital:    capital,
		MaxPurchases:      *maxPurchasesFlag,
		PollPriceInterval: *pollFlag,
	}
	applyDefaults(&cfg)

	return cfg, cfg.validate()
}

func getYaml(path string) (Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var tmp configTmp
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return Config{}, err
	}

	pair, err := getPairFromString(tmp.Pair)
	if err != nil {
		return Config{}, fmt.Errorf("incorrect 'pair' param in yaml config: %s, error: %w", tmp.Pair, err)
	}

	cfg := Config{
		BotID:              tmp.BotID,
		Pair:               pair,
		MaxPurchases:       tmp.MaxPurchases,
		PollPriceInterval:  tmp.PollPriceInterval,
		DriftCheckInterval: tmp.DriftCheckInterval,
		CandleInterval:     tmp.CandleInterval,
		DBPath:             tmp.DBPath,
		WALDir:             tmp.WALDir,
		MetricsAddr:        tmp.MetricsAddr,
		TransactionTimeout: tmp.TransactionTimeout,
		MaxRetries:         tmp.MaxRetries,
		RetryBackoff:       tmp.RetryBackoff,
		Log:                tmp.Log,
	}

	if cfg.InitialCapital, err = parseDecimal(tmp.InitialCapital, "initial_capital", "0"); err != nil {
		return Config{}, err
	}
	if cfg.MinBuyUSDT, err = parseDecimal(tmp.MinBuyUSDT, "min_buy_usdt", "10"); err != nil {
		return Config{}, err
	}
	if cfg.ExchangeMinNotional, err = parseDecimal(tmp.ExchangeMinNotional, "exchange_min_notional", "5"); err != nil {
		return Config{}, err
	}
	if cfg.DropPercent, err = parseDecimal(tmp.DropPercent, "drop_percent", "0.02"); err != nil {
		return Config{}, err
	}
	if cfg.RisePercent, err = parseDecimal(tmp.RisePercent, "rise_percent", "0.02"); err != nil {
		return Config{}, err
	}
	if cfg.DriftThreshold, err = parseDecimal(tmp.DriftThreshold, "drift_threshold", "0.005"); err != nil {
		return Config{}, err
	}

	applyDefaults(&cfg)

	return cfg, cfg.validate()
}

func parseDecimal(raw, name, fallback string) (decimal.Decimal, error) {
	if raw == "" {
		raw = fallback
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("incorrect '%s' param in yaml config (must be a decimal), error: %w", name, err)
	}
	return d, nil
}

func applyDefaults(cfg *Config) {
	if cfg.BotID == "" {
		cfg.BotID = cfg.Pair.String()
	}
	if cfg.MinBuyUSDT.IsZero() {
		cfg.MinBuyUSDT = decimal.NewFromInt(10)
	}
	if cfg.ExchangeMinNotional.IsZero() {
		cfg.ExchangeMinNotional = decimal.NewFromInt(5)
	}
	if cfg.DropPercent.IsZero() {
		cfg.DropPercent = decimal.RequireFromString("0.02")
	}
	if cfg.RisePercent.IsZero() {
		cfg.RisePercent = decimal.RequireFromString("0.02")
	}
	if cfg.DriftThreshold.IsZero() {
		cfg.DriftThreshold = decimal.RequireFromString("0.005")
	}
	if cfg.PollPriceInterval <= 0 {
		cfg.PollPriceInterval = time.Minute
	}
	if cfg.DriftCheckInterval <= 0 {
		cfg.DriftCheckInterval = 15 * time.Minute
	}
	if cfg.CandleInterval == "" {
		cfg.CandleInterval = "1m"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./cyclebot.db"
	}
	if cfg.WALDir == "" {
		cfg.WALDir = "./wal/decisions"
	}
	if cfg.TransactionTimeout <= 0 {
		cfg.TransactionTimeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
}

func (c Config) validate() error {
	if c.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("initial_capital must be positive, got %s", c.InitialCapital)
	}
	if c.MaxPurchases <= 0 {
		return fmt.Errorf("max_purchases must be positive, got %d", c.MaxPurchases)
	}
	if c.DropPercent.LessThanOrEqual(decimal.Zero) || c.DropPercent.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("drop_percent must be a fraction in (0, 1), got %s", c.DropPercent)
	}
	if c.RisePercent.LessThanOrEqual(decimal.Zero) || c.RisePercent.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("rise_percent must be a fraction in (0, 1), got %s", c.RisePercent)
	}
	if c.DriftThreshold.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("drift_threshold must be positive, got %s", c.DriftThreshold)
	}
	return nil
}

func getPairFromString(pairStr string) (domain.Pair, error) {
	pairElements := strings.Split(pairStr, "_")
	if len(pairElements) != 2 {
		return domain.Pair{}, fmt.Errorf("invalid pair param")
	}
	return domain.Pair{From: pairElements[0], To: pairElements[1]}, nil
}
