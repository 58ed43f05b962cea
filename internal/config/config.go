package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/holiman/uint256"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Node modes.
const (
	NodeModeSim = "sim"
	NodeModeRPC = "rpc"
)

// Config holds all runtime configuration for a settlement run.
type Config struct {
	Port     int    `validate:"min=1,max=65535"`
	LogLevel string `validate:"oneof=debug info warn error"`

	NodeMode        string `validate:"oneof=sim rpc"`
	NodeURL         string `validate:"required_if=NodeMode rpc"`
	ContractAddress common.Address
	ContractName    string `validate:"required"`
	ContractSource  string
	SolcPath        string
	ContractABIPath string `validate:"required_with=ContractBinPath"`
	ContractBinPath string `validate:"required_with=ContractABIPath"`
	GasLimit        uint64 `validate:"min=21000"`
	DeployGasLimit  uint64 `validate:"min=21000"`

	ConfirmTimeout         time.Duration `validate:"gt=0"`
	PollInterval           time.Duration `validate:"gt=0"`
	MaxConsecutiveTimeouts int           `validate:"min=1"`

	ExchangeRate decimal.Decimal
	MarketData   string `validate:"required"`
	Directory    string
	Producers    int `validate:"min=0"`
	JournalDSN   string `validate:"required"`
	MaxSlots     int    `validate:"min=0"`

	SimBlockTime      time.Duration `validate:"min=0"`
	SimAccounts       int           `validate:"min=2"`
	SimInitialBalance uint256.Int

	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	IdleTimeout     time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	WebhookURL     string        `validate:"omitempty,url"`
	WebhookTimeout time.Duration `validate:"gt=0"`
}

var defaults = map[string]string{
	"PORT":                     "8080",
	"LOG_LEVEL":                "info",
	"NODE_MODE":                NodeModeSim,
	"NODE_URL":                 "http://127.0.0.1:7545",
	"CONTRACT_ADDRESS":         "",
	"CONTRACT_NAME":            "P2PTrade",
	"CONTRACT_SOURCE":          "contracts/P2PTrade.sol",
	"SOLC_PATH":                "solc",
	"CONTRACT_ABI_PATH":        "",
	"CONTRACT_BIN_PATH":        "",
	"GAS_LIMIT":                "300000",
	"DEPLOY_GAS_LIMIT":         "3000000",
	"CONFIRM_TIMEOUT":          "2m",
	"POLL_INTERVAL":            "500ms",
	"MAX_CONSECUTIVE_TIMEOUTS": "3",
	"EXCHANGE_RATE":            "2300",
	"MARKET_DATA":              "testdata/market.csv",
	"DIRECTORY":                "",
	"PRODUCERS":                "1",
	"JOURNAL_DSN":              "p2psettle.db",
	"MAX_SLOTS":                "0",
	"SIM_BLOCK_TIME":           "0s",
	"SIM_ACCOUNTS":             "29",
	"SIM_INITIAL_BALANCE":      "100000000000000000000",
	"READ_TIMEOUT":             "5s",
	"WRITE_TIMEOUT":            "10s",
	"IDLE_TIMEOUT":             "60s",
	"SHUTDOWN_TIMEOUT":         "10s",
	"WEBHOOK_URL":              "",
	"WEBHOOK_TIMEOUT":          "5s",
}

// Keys returns every configuration key.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	return keys
}

// Load reads configuration from a .env file in the working directory if
// present, then from the optional config file, then from environment
// variables, applies defaults, and validates values. It returns an error for
// any invalid value.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	r := reader{v: v}
	cfg := &Config{
		Port:     r.getInt("PORT"),
		LogLevel: strings.ToLower(r.getStr("LOG_LEVEL")),

		NodeMode:        strings.ToLower(r.getStr("NODE_MODE")),
		NodeURL:         r.getStr("NODE_URL"),
		ContractAddress: r.getAddress("CONTRACT_ADDRESS"),
		ContractName:    r.getStr("CONTRACT_NAME"),
		ContractSource:  r.getStr("CONTRACT_SOURCE"),
		SolcPath:        r.getStr("SOLC_PATH"),
		ContractABIPath: r.getStr("CONTRACT_ABI_PATH"),
		ContractBinPath: r.getStr("CONTRACT_BIN_PATH"),
		GasLimit:        r.getUint64("GAS_LIMIT"),
		DeployGasLimit:  r.getUint64("DEPLOY_GAS_LIMIT"),

		ConfirmTimeout:         r.getDuration("CONFIRM_TIMEOUT"),
		PollInterval:           r.getDuration("POLL_INTERVAL"),
		MaxConsecutiveTimeouts: r.getInt("MAX_CONSECUTIVE_TIMEOUTS"),

		ExchangeRate: r.getDecimal("EXCHANGE_RATE"),
		MarketData:   r.getStr("MARKET_DATA"),
		Directory:    r.getStr("DIRECTORY"),
		Producers:    r.getInt("PRODUCERS"),
		JournalDSN:   r.getStr("JOURNAL_DSN"),
		MaxSlots:     r.getInt("MAX_SLOTS"),

		SimBlockTime:      r.getDuration("SIM_BLOCK_TIME"),
		SimAccounts:       r.getInt("SIM_ACCOUNTS"),
		SimInitialBalance: r.getUint256("SIM_INITIAL_BALANCE"),

		ReadTimeout:     r.getDuration("READ_TIMEOUT"),
		WriteTimeout:    r.getDuration("WRITE_TIMEOUT"),
		IdleTimeout:     r.getDuration("IDLE_TIMEOUT"),
		ShutdownTimeout: r.getDuration("SHUTDOWN_TIMEOUT"),

		WebhookURL:     r.getStr("WEBHOOK_URL"),
		WebhookTimeout: r.getDuration("WEBHOOK_TIMEOUT"),
	}
	if r.err != nil {
		return nil, r.err
	}

	if !cfg.ExchangeRate.IsPositive() {
		return nil, fmt.Errorf("invalid EXCHANGE_RATE: %s, must be greater than zero", cfg.ExchangeRate)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, validationError(err)
	}
	return cfg, nil
}

// reader parses keys and keeps the first error.
type reader struct {
	v   *viper.Viper
	err error
}

func (r *reader) fail(key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (r *reader) getStr(key string) string {
	return strings.TrimSpace(r.v.GetString(key))
}

func (r *reader) getInt(key string) int {
	n, err := strconv.Atoi(r.getStr(key))
	if err != nil {
		r.fail(key, err)
	}
	return n
}

func (r *reader) getUint64(key string) uint64 {
	n, err := strconv.ParseUint(r.getStr(key), 10, 64)
	if err != nil {
		r.fail(key, err)
	}
	return n
}

func (r *reader) getDuration(key string) time.Duration {
	d, err := time.ParseDuration(r.getStr(key))
	if err != nil {
		r.fail(key, err)
	}
	return d
}

func (r *reader) getDecimal(key string) decimal.Decimal {
	d, err := decimal.NewFromString(r.getStr(key))
	if err != nil {
		r.fail(key, err)
	}
	return d
}

func (r *reader) getUint256(key string) uint256.Int {
	n, err := uint256.FromDecimal(r.getStr(key))
	if err != nil {
		r.fail(key, err)
		return uint256.Int{}
	}
	return *n
}

func (r *reader) getAddress(key string) common.Address {
	s := r.getStr(key)
	if s == "" {
		return common.Address{}
	}
	if !common.IsHexAddress(s) {
		r.fail(key, fmt.Errorf("%q is not a hex address", s))
		return common.Address{}
	}
	return common.HexToAddress(s)
}

// envKeys maps struct field names to configuration keys for error messages.
var envKeys = map[string]string{
	"Port":                   "PORT",
	"LogLevel":               "LOG_LEVEL",
	"NodeMode":               "NODE_MODE",
	"NodeURL":                "NODE_URL",
	"ContractName":           "CONTRACT_NAME",
	"ContractABIPath":        "CONTRACT_ABI_PATH",
	"ContractBinPath":        "CONTRACT_BIN_PATH",
	"GasLimit":               "GAS_LIMIT",
	"DeployGasLimit":         "DEPLOY_GAS_LIMIT",
	"ConfirmTimeout":         "CONFIRM_TIMEOUT",
	"PollInterval":           "POLL_INTERVAL",
	"MaxConsecutiveTimeouts": "MAX_CONSECUTIVE_TIMEOUTS",
	"MarketData":             "MARKET_DATA",
	"Producers":              "PRODUCERS",
	"JournalDSN":             "JOURNAL_DSN",
	"MaxSlots":               "MAX_SLOTS",
	"SimBlockTime":           "SIM_BLOCK_TIME",
	"SimAccounts":            "SIM_ACCOUNTS",
	"ReadTimeout":            "READ_TIMEOUT",
	"WriteTimeout":           "WRITE_TIMEOUT",
	"IdleTimeout":            "IDLE_TIMEOUT",
	"ShutdownTimeout":        "SHUTDOWN_TIMEOUT",
	"WebhookURL":             "WEBHOOK_URL",
	"WebhookTimeout":         "WEBHOOK_TIMEOUT",
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	key := envKeys[fe.Field()]
	if key == "" {
		key = fe.Field()
	}
	if fe.Param() != "" {
		return fmt.Errorf("invalid %s: %v, must satisfy %s=%s", key, fe.Value(), fe.Tag(), fe.Param())
	}
	return fmt.Errorf("invalid %s: %v, must satisfy %s", key, fe.Value(), fe.Tag())
}
