// Package config
package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

/*
YAML config example:
mode: "live"
wallex_api_key: "..."
wallex_fee: 0.001
db_conn_str: "host=localhost port=5432 user=postgres dbname=loop_trader sslmode=disable"
db_max_open: 10
db_max_idle: 5
telegram_token: "..."
telegram_chat_id: "..."
max_loop_count: 4
search_workers: 8
eval_workers: 8
safety_margin: 0.999
fee_epsilon: 0.0000001
cycle_interval: 5s
order_check_interval: 1m
virtual_links:
  - { symbol: "USDT", from_exchange: "wallex", to_exchange: "binance" }
funds:
  USDT: 1000
  BTC: 0.05
*/

// Duration is a time.Duration that unmarshals from YAML strings like
// "5s" or "1m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// VirtualLink declares a 1:1 transfer route for one asset between two
// exchanges.
type VirtualLink struct {
	Symbol       string `yaml:"symbol"`
	FromExchange string `yaml:"from_exchange"`
	ToExchange   string `yaml:"to_exchange"`
}

type Config struct {
	Mode          string `yaml:"mode"`
	WallexAPIKey  string `yaml:"wallex_api_key"`
	WallexFee     string `yaml:"wallex_fee"`
	DBConnStr     string `yaml:"db_conn_str"`
	DBMaxOpen     int    `yaml:"db_max_open"`
	DBMaxIdle     int    `yaml:"db_max_idle"`
	RunMigration  bool   `yaml:"run_migration"`
	TelegramToken string `yaml:"telegram_token"`
	TelegramChat  string `yaml:"telegram_chat_id"`

	MaxLoopCount  int    `yaml:"max_loop_count"`
	SearchWorkers int    `yaml:"search_workers"`
	EvalWorkers   int    `yaml:"eval_workers"`
	SafetyMargin  string `yaml:"safety_margin"`
	FeeEpsilon    string `yaml:"fee_epsilon"`

	CycleInterval      Duration `yaml:"cycle_interval"`
	OrderCheckInterval Duration `yaml:"order_check_interval"`

	VirtualLinks []VirtualLink `yaml:"virtual_links"`

	// Funds are the dry-run starting balances per asset symbol. In live
	// mode balances are synced from the exchange instead.
	Funds map[string]string `yaml:"funds"`
}

// decField parses a decimal-valued config string, falling back when the
// field is empty.
func decField(raw string, fallback decimal.Decimal) (decimal.Decimal, error) {
	if raw == "" {
		return fallback, nil
	}
	return decimal.NewFromString(raw)
}

// WallexFeeDec returns the per-leg maker/taker fee fraction.
func (c Config) WallexFeeDec() (decimal.Decimal, error) {
	return decField(c.WallexFee, decimal.NewFromFloat(0.001))
}

// SafetyMarginDec returns the balance scaling safety margin.
func (c Config) SafetyMarginDec() (decimal.Decimal, error) {
	return decField(c.SafetyMargin, decimal.NewFromFloat(0.999))
}

// FeeEpsilonDec returns the threshold under which accumulated fees are
// treated as zero.
func (c Config) FeeEpsilonDec() (decimal.Decimal, error) {
	return decField(c.FeeEpsilon, decimal.Zero)
}

// FundsDec parses the configured starting balances.
func (c Config) FundsDec() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(c.Funds))
	for symbol, raw := range c.Funds {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing fund balance for %s: %w", symbol, err)
		}
		out[strings.ToUpper(symbol)] = d
	}
	return out, nil
}

// Validate checks the parts of the config that would otherwise fail
// deep inside the run loop.
func (c Config) Validate() error {
	switch c.Mode {
	case "live", "dry-run":
	default:
		return fmt.Errorf("unknown mode %q (want live or dry-run)", c.Mode)
	}
	if c.Mode == "live" && c.WallexAPIKey == "" {
		return fmt.Errorf("wallex_api_key is required in live mode")
	}
	if c.MaxLoopCount < 0 {
		return fmt.Errorf("max_loop_count must not be negative")
	}
	if _, err := c.WallexFeeDec(); err != nil {
		return fmt.Errorf("parsing wallex_fee: %w", err)
	}
	if _, err := c.SafetyMarginDec(); err != nil {
		return fmt.Errorf("parsing safety_margin: %w", err)
	}
	if _, err := c.FeeEpsilonDec(); err != nil {
		return fmt.Errorf("parsing fee_epsilon: %w", err)
	}
	if _, err := c.FundsDec(); err != nil {
		return err
	}
	for _, vl := range c.VirtualLinks {
		if vl.Symbol == "" || vl.FromExchange == "" || vl.ToExchange == "" {
			return fmt.Errorf("virtual link needs symbol, from_exchange and to_exchange")
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = "dry-run"
	}
	if c.DBMaxOpen == 0 {
		c.DBMaxOpen = 10
	}
	if c.DBMaxIdle == 0 {
		c.DBMaxIdle = 5
	}
	if c.MaxLoopCount == 0 {
		c.MaxLoopCount = 4
	}
	if c.SearchWorkers == 0 {
		c.SearchWorkers = 8
	}
	if c.EvalWorkers == 0 {
		c.EvalWorkers = 8
	}
	if c.CycleInterval == 0 {
		c.CycleInterval = Duration(5 * time.Second)
	}
	if c.OrderCheckInterval == 0 {
		c.OrderCheckInterval = Duration(time.Minute)
	}
	return c
}

func loadConfig() (Config, error) {
	mode := flag.String("mode", "dry-run", "Mode: live or dry-run")
	wallexFee := flag.String("wallex-fee", "0.001", "Per-leg fee fraction charged by the exchange")
	telegramToken := flag.String("telegram-token", "", "Telegram bot token for notifications")
	telegramChatID := flag.String("telegram-chat", "", "Telegram chat ID for notifications")
	maxLoopCount := flag.Int("max-loop-count", 4, "Maximum number of legs per loop")
	searchWorkers := flag.Int("search-workers", 8, "Worker pool size for the loop search")
	evalWorkers := flag.Int("eval-workers", 8, "Worker pool size for loop scoring")
	safetyMargin := flag.String("safety-margin", "0.999", "Fraction of an available balance a leg may consume")
	feeEpsilon := flag.String("fee-epsilon", "0", "Accumulated fees below this are treated as zero")
	cycleInterval := flag.Duration("cycle-interval", 5*time.Second, "Delay between search cycles")
	orderCheckInterval := flag.Duration("order-check-interval", time.Minute, "Delay between open order status sweeps")
	runMigration := flag.Bool("run-migration", false, "Create the database and apply scripts/schema.sql on startup")
	virtualLinksFlag := flag.String("virtual-links", "", "Comma-separated symbol:from:to triples (e.g., USDT:wallex:binance)")
	fundsFlag := flag.String("funds", "", "Comma-separated symbol:balance pairs for dry-run (e.g., USDT:1000,BTC:0.05)")
	configFile := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
		if fileCfg.WallexAPIKey == "" {
			fileCfg.WallexAPIKey = os.Getenv("WALLEX_API_KEY")
		}
		if fileCfg.DBConnStr == "" {
			fileCfg.DBConnStr = os.Getenv("DB_CONN_STR")
		}
		return fileCfg.withDefaults(), nil
	}

	var links []VirtualLink
	if *virtualLinksFlag != "" {
		for _, triple := range strings.Split(*virtualLinksFlag, ",") {
			parts := strings.Split(triple, ":")
			if len(parts) != 3 {
				return Config{}, fmt.Errorf("bad virtual link %q (want symbol:from:to)", triple)
			}
			links = append(links, VirtualLink{Symbol: parts[0], FromExchange: parts[1], ToExchange: parts[2]})
		}
	}

	funds := make(map[string]string)
	if *fundsFlag != "" {
		for _, pair := range strings.Split(*fundsFlag, ",") {
			parts := strings.Split(pair, ":")
			if len(parts) != 2 {
				return Config{}, fmt.Errorf("bad fund balance %q (want symbol:balance)", pair)
			}
			funds[parts[0]] = parts[1]
		}
	}

	cfg := Config{
		Mode:               *mode,
		WallexAPIKey:       os.Getenv("WALLEX_API_KEY"),
		WallexFee:          *wallexFee,
		DBConnStr:          os.Getenv("DB_CONN_STR"),
		RunMigration:       *runMigration,
		TelegramToken:      *telegramToken,
		TelegramChat:       *telegramChatID,
		MaxLoopCount:       *maxLoopCount,
		SearchWorkers:      *searchWorkers,
		EvalWorkers:        *evalWorkers,
		SafetyMargin:       *safetyMargin,
		FeeEpsilon:         *feeEpsilon,
		CycleInterval:      Duration(*cycleInterval),
		OrderCheckInterval: Duration(*orderCheckInterval),
		VirtualLinks:       links,
		Funds:              funds,
	}
	return cfg.withDefaults(), nil
}

// MustLoadConfig loads from flags, environment and the optional YAML
// file, and exits on anything invalid.
func MustLoadConfig() Config {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config | %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config | %v", err)
	}
	return cfg
}
