package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"optionbot/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	// Session
	PaperTrading   bool    // only paper sessions are supported
	InitialCapital float64 // simulated account cash

	// Underlying & option chain
	UnderlyingSymbol   string
	UnderlyingToken    string
	UnderlyingExchange string
	OptionExchange     string
	SpotStartPrice     float64
	StrikeStep         float64 // strike spacing, e.g. 50 for NIFTY
	StrikeCount        int     // strikes generated on each side of spot
	LotSize            int
	Expiry             time.Time

	// Synthetic feed
	TickInterval  time.Duration
	VolatilityPct float64

	// Entry orders
	EntryOrderKind    domain.OrderKind
	LimitTolerancePct float64
	OrderTimeout      time.Duration
	MaxDriftPct       float64
	LTPRetries        int
	LTPInterval       time.Duration

	// Exits
	StopLossPct         float64
	TakeProfitPct       float64 // 0 disables targets
	TrailingEnabled     bool
	BreakevenTriggerPct float64 // 0 disables the breakeven latch
	MinStopMovePct      float64
	UseBrokerExits      bool
	LimitOrderWindow    time.Duration // paper broker limit expiry

	// Risk
	SizingMode   domain.SizingMode
	SizingValue  float64
	MaxDailyLoss float64

	// Strategy
	FastEMAPeriod  int
	SlowEMAPeriod  int
	CandleInterval time.Duration

	// Market clock
	MarketOpen    string // "HH:MM"
	MarketClose   string
	SquareoffTime string
	Timezone      string

	// Database
	DBPath string

	// Logging
	LogLevel string
	LogFile  string
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Session
	cfg.PaperTrading = getEnvAsBool("PAPER_TRADING", true)
	if !cfg.PaperTrading {
		errs = append(errs, "PAPER_TRADING must be true: no live broker adapter is configured")
	}

	cfg.InitialCapital, err = getEnvAsFloatRequired("INITIAL_CAPITAL", 100000)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid INITIAL_CAPITAL: %v", err))
	} else if cfg.InitialCapital <= 0 {
		errs = append(errs, "INITIAL_CAPITAL must be positive")
	}

	// Underlying & option chain
	cfg.UnderlyingSymbol = getEnv("UNDERLYING_SYMBOL", "NIFTY")
	if cfg.UnderlyingSymbol == "" {
		errs = append(errs, "UNDERLYING_SYMBOL must be set")
	}
	cfg.UnderlyingToken = getEnv("UNDERLYING_TOKEN", "256265")
	cfg.UnderlyingExchange = getEnv("UNDERLYING_EXCHANGE", "NSE")
	cfg.OptionExchange = getEnv("OPTION_EXCHANGE", "NFO")

	cfg.SpotStartPrice, err = getEnvAsFloatRequired("SPOT_START_PRICE", 22500)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SPOT_START_PRICE: %v", err))
	} else if cfg.SpotStartPrice <= 0 {
		errs = append(errs, "SPOT_START_PRICE must be positive")
	}

	cfg.StrikeStep, err = getEnvAsFloatRequired("STRIKE_STEP", 50)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STRIKE_STEP: %v", err))
	} else if cfg.StrikeStep <= 0 {
		errs = append(errs, "STRIKE_STEP must be positive")
	}

	cfg.StrikeCount = getEnvAsInt("STRIKE_COUNT", 10)
	if cfg.StrikeCount <= 0 {
		errs = append(errs, "STRIKE_COUNT must be positive")
	}

	cfg.LotSize = getEnvAsInt("LOT_SIZE", 25)
	if cfg.LotSize <= 0 {
		errs = append(errs, "LOT_SIZE must be positive")
	}

	expiryStr := getEnv("EXPIRY_DATE", "")
	if expiryStr == "" {
		// Default to the upcoming Thursday, the weekly index expiry.
		cfg.Expiry = nextThursday(time.Now())
	} else {
		cfg.Expiry, err = time.Parse("2006-01-02", expiryStr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid EXPIRY_DATE '%s': expected YYYY-MM-DD", expiryStr))
		}
	}

	// Synthetic feed
	tickMs := getEnvAsInt("TICK_INTERVAL_MS", 1000)
	if tickMs <= 0 {
		errs = append(errs, "TICK_INTERVAL_MS must be positive")
	}
	cfg.TickInterval = time.Duration(tickMs) * time.Millisecond

	cfg.VolatilityPct = getEnvAsFloat("TICK_VOLATILITY_PCT", 0.05)
	if cfg.VolatilityPct <= 0 {
		errs = append(errs, "TICK_VOLATILITY_PCT must be positive")
	}

	// Entry orders
	entryKind := strings.ToUpper(getEnv("ENTRY_ORDER_KIND", "MARKET"))
	switch entryKind {
	case string(domain.Market):
		cfg.EntryOrderKind = domain.Market
	case string(domain.Limit):
		cfg.EntryOrderKind = domain.Limit
	default:
		errs = append(errs, fmt.Sprintf("invalid ENTRY_ORDER_KIND '%s': must be MARKET or LIMIT", entryKind))
	}

	cfg.LimitTolerancePct, err = getEnvAsFloatRequired("LIMIT_TOLERANCE_PCT", 0.5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid LIMIT_TOLERANCE_PCT: %v", err))
	} else if cfg.LimitTolerancePct < 0 {
		errs = append(errs, "LIMIT_TOLERANCE_PCT cannot be negative")
	}

	orderTimeoutSec := getEnvAsInt("ORDER_TIMEOUT_SECONDS", 30)
	if orderTimeoutSec <= 0 {
		errs = append(errs, "ORDER_TIMEOUT_SECONDS must be positive")
	}
	cfg.OrderTimeout = time.Duration(orderTimeoutSec) * time.Second

	cfg.MaxDriftPct = getEnvAsFloat("MAX_DRIFT_PCT", 2.0)
	if cfg.MaxDriftPct <= 0 {
		errs = append(errs, "MAX_DRIFT_PCT must be positive")
	}

	cfg.LTPRetries = getEnvAsInt("LTP_RETRIES", 15)
	if cfg.LTPRetries <= 0 {
		errs = append(errs, "LTP_RETRIES must be positive")
	}
	ltpIntervalMs := getEnvAsInt("LTP_INTERVAL_MS", 1000)
	if ltpIntervalMs <= 0 {
		errs = append(errs, "LTP_INTERVAL_MS must be positive")
	}
	cfg.LTPInterval = time.Duration(ltpIntervalMs) * time.Millisecond

	// Exits
	cfg.StopLossPct, err = getEnvAsFloatRequired("STOP_LOSS_PCT", 5.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STOP_LOSS_PCT: %v", err))
	} else if cfg.StopLossPct <= 0 || cfg.StopLossPct >= 100 {
		errs = append(errs, "STOP_LOSS_PCT must be between 0 and 100 (exclusive)")
	}

	cfg.TakeProfitPct, err = getEnvAsFloatRequired("TAKE_PROFIT_PCT", 10.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TAKE_PROFIT_PCT: %v", err))
	} else if cfg.TakeProfitPct < 0 {
		errs = append(errs, "TAKE_PROFIT_PCT cannot be negative")
	}

	cfg.TrailingEnabled = getEnvAsBool("TRAILING_ENABLED", true)

	cfg.BreakevenTriggerPct = getEnvAsFloat("BREAKEVEN_TRIGGER_PCT", 3.0)
	if cfg.BreakevenTriggerPct < 0 {
		errs = append(errs, "BREAKEVEN_TRIGGER_PCT cannot be negative")
	}

	cfg.MinStopMovePct = getEnvAsFloat("MIN_STOP_MOVE_PCT", 1.0)
	if cfg.MinStopMovePct < 0 {
		errs = append(errs, "MIN_STOP_MOVE_PCT cannot be negative")
	}

	cfg.UseBrokerExits = getEnvAsBool("USE_BROKER_EXITS", true)

	limitWindowSec := getEnvAsInt("LIMIT_ORDER_WINDOW_SECONDS", 60)
	if limitWindowSec <= 0 {
		errs = append(errs, "LIMIT_ORDER_WINDOW_SECONDS must be positive")
	}
	cfg.LimitOrderWindow = time.Duration(limitWindowSec) * time.Second

	// Risk
	sizingMode := strings.ToLower(getEnv("SIZING_MODE", string(domain.SizeFixedLot)))
	switch sizingMode {
	case string(domain.SizeFixedLot):
		cfg.SizingMode = domain.SizeFixedLot
	case string(domain.SizePercent):
		cfg.SizingMode = domain.SizePercent
	default:
		errs = append(errs, fmt.Sprintf("invalid SIZING_MODE '%s': must be %s or %s", sizingMode, domain.SizeFixedLot, domain.SizePercent))
	}

	cfg.SizingValue, err = getEnvAsFloatRequired("SIZING_VALUE", 1)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SIZING_VALUE: %v", err))
	} else if cfg.SizingValue <= 0 {
		errs = append(errs, "SIZING_VALUE must be positive")
	}

	cfg.MaxDailyLoss, err = getEnvAsFloatRequired("MAX_DAILY_LOSS", 5000)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_DAILY_LOSS: %v", err))
	} else if cfg.MaxDailyLoss <= 0 {
		errs = append(errs, "MAX_DAILY_LOSS must be positive")
	}

	// Strategy
	cfg.FastEMAPeriod = getEnvAsInt("FAST_EMA_PERIOD", 9)
	cfg.SlowEMAPeriod = getEnvAsInt("SLOW_EMA_PERIOD", 21)
	if cfg.FastEMAPeriod <= 0 || cfg.SlowEMAPeriod <= 0 {
		errs = append(errs, "EMA periods must be positive")
	}
	if cfg.FastEMAPeriod >= cfg.SlowEMAPeriod {
		errs = append(errs, "FAST_EMA_PERIOD must be less than SLOW_EMA_PERIOD")
	}

	candleSec := getEnvAsInt("CANDLE_INTERVAL_SECONDS", 60)
	if candleSec <= 0 {
		errs = append(errs, "CANDLE_INTERVAL_SECONDS must be positive")
	}
	cfg.CandleInterval = time.Duration(candleSec) * time.Second

	// Market clock
	cfg.MarketOpen = getEnv("MARKET_OPEN", "09:15")
	cfg.MarketClose = getEnv("MARKET_CLOSE", "15:30")
	cfg.SquareoffTime = getEnv("SQUAREOFF_TIME", "15:15")
	cfg.Timezone = getEnv("MARKET_TIMEZONE", "Asia/Kolkata")

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/optionbot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "INFO")
	cfg.LogFile = getEnv("LOG_FILE", "./logs/optionbot.log")

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// nextThursday returns the upcoming Thursday at midnight, today included.
func nextThursday(now time.Time) time.Time {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	offset := (int(time.Thursday) - int(day.Weekday()) + 7) % 7
	return day.AddDate(0, 0, offset)
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
