// Package config defines all configuration for the risk-enforcement daemon.
// Config is loaded from three YAML files — the daemon config (default:
// configs/config.yaml), the monitored-accounts file, and the holiday
// calendar — with sensitive fields overridable via environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun      bool              `mapstructure:"dry_run"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Store       StoreConfig       `mapstructure:"store"`
	Quotes      QuotesConfig      `mapstructure:"quotes"`
	Enforcement EnforcementConfig `mapstructure:"enforcement"`
	Rules       RulesConfig       `mapstructure:"rules"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Status      StatusConfig      `mapstructure:"status"`

	AccountsFile string `mapstructure:"accounts_file"`
	HolidaysFile string `mapstructure:"holidays_file"`

	// Populated from AccountsFile / HolidaysFile by Load.
	Accounts []AccountConfig `mapstructure:"-"`
	Holidays []string        `mapstructure:"-"`
}

// GatewayConfig holds the brokerage gateway endpoints and session knobs.
type GatewayConfig struct {
	APIBaseURL     string        `mapstructure:"api_base_url"`
	HubBaseURL     string        `mapstructure:"hub_base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// TokenRefreshMargin is how long before the 24h expiry the session
	// manager revalidates the token in the background.
	TokenRefreshMargin time.Duration `mapstructure:"token_refresh_margin"`
	KeepAliveInterval  time.Duration `mapstructure:"keep_alive_interval"`
}

// AccountConfig describes one monitored brokerage account.
// Username and APIKey accept ${ENV_VAR} references resolved at load time.
type AccountConfig struct {
	AccountID int64  `mapstructure:"account_id"`
	Username  string `mapstructure:"username"`
	APIKey    string `mapstructure:"api_key"`
	Enabled   bool   `mapstructure:"enabled"`
	Nickname  string `mapstructure:"nickname"`
	// ResetTime is the local wall-clock session rollover, "HH:MM".
	ResetTime string `mapstructure:"reset_time"`
	Timezone  string `mapstructure:"timezone"`
}

// StoreConfig sets where durable state is persisted (embedded sqlite).
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// QuotesConfig controls quote staleness handling.
type QuotesConfig struct {
	// MaxAge is the freshness bound for unrealized-P&L decisions; rules
	// defer when any held contract's quote is older.
	MaxAge time.Duration `mapstructure:"max_age"`
}

// EnforcementConfig tunes the remediation executor.
type EnforcementConfig struct {
	Workers          int           `mapstructure:"workers"`
	RateLimitBackoff time.Duration `mapstructure:"rate_limit_backoff"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	MaxRetries       int           `mapstructure:"max_retries"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`
}

// ————————————————————————————————————————————————————————————————————————
// Rule configurations (one block per rule, keyed by rule id in YAML)
// ————————————————————————————————————————————————————————————————————————

// RulesConfig groups the per-rule option blocks. Order lists rule ids in
// evaluation order; omitted rules run after listed ones in default order.
type RulesConfig struct {
	Order []string `mapstructure:"order"`

	MaxContracts              MaxContractsConfig       `mapstructure:"max_contracts"`
	MaxContractsPerInstrument PerInstrumentConfig      `mapstructure:"max_contracts_per_instrument"`
	DailyRealizedLoss         PnLLimitConfig           `mapstructure:"daily_realized_loss"`
	DailyUnrealizedLoss       PnLLimitConfig           `mapstructure:"daily_unrealized_loss"`
	MaxUnrealizedProfit       PnLLimitConfig           `mapstructure:"max_unrealized_profit"`
	TradeFrequencyLimit       TradeFrequencyConfig     `mapstructure:"trade_frequency_limit"`
	CooldownAfterLoss         CooldownAfterLossConfig  `mapstructure:"cooldown_after_loss"`
	NoStopLossGrace           NoStopLossGraceConfig    `mapstructure:"no_stop_loss_grace"`
	SessionBlockOutside       SessionBlockConfig       `mapstructure:"session_block_outside"`
	AuthLossGuard             AuthLossGuardConfig      `mapstructure:"auth_loss_guard"`
	SymbolBlocks              SymbolBlocksConfig       `mapstructure:"symbol_blocks"`
	TradeManagement           TradeManagementConfig    `mapstructure:"trade_management"`
}

// MaxContractsConfig caps total open contract count across all instruments.
// Mode is "reduce_to_limit" (partial-close excess, largest position first)
// or "close_all".
type MaxContractsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Limit   int    `mapstructure:"limit"`
	Mode    string `mapstructure:"mode"`
}

// PerInstrumentConfig caps open size per symbol. UnknownSymbolPolicy is one
// of "block", "allow_unlimited", "allow_with_limit" (uses UnknownSymbolLimit).
type PerInstrumentConfig struct {
	Enabled             bool           `mapstructure:"enabled"`
	Limits              map[string]int `mapstructure:"limits"`
	Mode                string         `mapstructure:"mode"`
	UnknownSymbolPolicy string         `mapstructure:"unknown_symbol_policy"`
	UnknownSymbolLimit  int            `mapstructure:"unknown_symbol_limit"`
}

// PnLLimitConfig is shared by the three P&L threshold rules. Limit is
// negative for loss rules and positive for the profit rule.
type PnLLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Limit   float64 `mapstructure:"limit"`
}

// TradeFrequencyConfig caps rolling trade counts per window.
type TradeFrequencyConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	PerMinute  int           `mapstructure:"per_minute"`
	PerHour    int           `mapstructure:"per_hour"`
	PerSession int           `mapstructure:"per_session"`
	Cooldown   time.Duration `mapstructure:"cooldown"`
}

// LossTier pairs a realized-loss threshold with a cooldown duration.
type LossTier struct {
	LossAmount float64       `mapstructure:"loss_amount"`
	Cooldown   time.Duration `mapstructure:"cooldown"`
}

// CooldownAfterLossConfig configures tiered post-loss cooldowns.
type CooldownAfterLossConfig struct {
	Enabled bool       `mapstructure:"enabled"`
	Tiers   []LossTier `mapstructure:"tiers"`
}

// NoStopLossGraceConfig requires a protective stop within the grace period.
type NoStopLossGraceConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// SessionWindow is a trading window in local wall-clock "HH:MM" bounds.
type SessionWindow struct {
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`
}

// SessionBlockConfig blocks positions outside the session window.
type SessionBlockConfig struct {
	Enabled    bool                     `mapstructure:"enabled"`
	Window     SessionWindow            `mapstructure:"window"`
	Timezone   string                   `mapstructure:"timezone"`
	CloseAtEnd bool                     `mapstructure:"close_at_end"`
	Overrides  map[string]SessionWindow `mapstructure:"overrides"`
}

// AuthLossGuardConfig reacts to the gateway revoking trade permission.
type AuthLossGuardConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SymbolBlocksConfig forbids trading the listed symbols outright.
type SymbolBlocksConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Blocked []string `mapstructure:"blocked"`
}

// TradeManagementConfig moves protective stops as profit accrues. All
// thresholds are in ticks.
type TradeManagementConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	BreakevenTrigger    int  `mapstructure:"breakeven_trigger"`
	TrailingActivation  int  `mapstructure:"trailing_activation"`
	TrailingDistance    int  `mapstructure:"trailing_distance"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StatusConfig controls the status frontend server.
type StatusConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DefaultRuleOrder is the evaluation order used when rules.order is absent.
var DefaultRuleOrder = []string{
	"auth_loss_guard",
	"symbol_blocks",
	"session_block_outside",
	"max_contracts",
	"max_contracts_per_instrument",
	"daily_realized_loss",
	"daily_unrealized_loss",
	"max_unrealized_profit",
	"trade_frequency_limit",
	"cooldown_after_loss",
	"no_stop_loss_grace",
	"trade_management",
}

// Load reads the daemon config plus the accounts and holidays files.
// Environment overrides: API_BASE_URL, HUB_BASE_URL, LOG_LEVEL, and
// RISKD_* for any other key. Credential fields may reference environment
// variables as ${VAR}.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("RISKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Spec'd plain env overrides take precedence over file values.
	if u := os.Getenv("API_BASE_URL"); u != "" {
		cfg.Gateway.APIBaseURL = u
	}
	if u := os.Getenv("HUB_BASE_URL"); u != "" {
		cfg.Gateway.HubBaseURL = u
	}
	if l := os.Getenv("LOG_LEVEL"); l != "" {
		cfg.Logging.Level = l
	}

	accounts, err := LoadAccounts(cfg.AccountsFile)
	if err != nil {
		return nil, err
	}
	cfg.Accounts = accounts

	holidays, err := LoadHolidays(cfg.HolidaysFile)
	if err != nil {
		return nil, err
	}
	cfg.Holidays = holidays

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("accounts_file", "configs/accounts.yaml")
	v.SetDefault("holidays_file", "configs/holidays.yaml")
	v.SetDefault("gateway.request_timeout", 10*time.Second)
	v.SetDefault("gateway.token_refresh_margin", time.Hour)
	v.SetDefault("gateway.keep_alive_interval", 10*time.Second)
	v.SetDefault("quotes.max_age", 10*time.Second)
	v.SetDefault("enforcement.workers", 4)
	v.SetDefault("enforcement.rate_limit_backoff", 2*time.Second)
	v.SetDefault("enforcement.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("enforcement.retry_max_delay", 10*time.Second)
	v.SetDefault("enforcement.max_retries", 5)
	v.SetDefault("enforcement.shutdown_grace", 5*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// LoadAccounts reads the monitored-accounts YAML. The file holds
// credentials, so group/world-readable permissions are rejected.
func LoadAccounts(path string) ([]AccountConfig, error) {
	if err := checkOwnerOnly(path); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	var out struct {
		Accounts []AccountConfig `mapstructure:"accounts"`
	}
	if err := v.Unmarshal(&out); err != nil {
		return nil, fmt.Errorf("unmarshal accounts file: %w", err)
	}

	for i := range out.Accounts {
		out.Accounts[i].Username = os.ExpandEnv(out.Accounts[i].Username)
		out.Accounts[i].APIKey = os.ExpandEnv(out.Accounts[i].APIKey)
	}
	return out.Accounts, nil
}

// LoadHolidays reads the holiday calendar ("YYYY-MM-DD" date strings).
// A missing file means no holidays.
func LoadHolidays(path string) ([]string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read holidays file: %w", err)
	}

	var out struct {
		Holidays []string `mapstructure:"holidays"`
	}
	if err := v.Unmarshal(&out); err != nil {
		return nil, fmt.Errorf("unmarshal holidays file: %w", err)
	}
	for _, d := range out.Holidays {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return nil, fmt.Errorf("holidays: invalid date %q: %w", d, err)
		}
	}
	return out.Holidays, nil
}

func checkOwnerOnly(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat accounts file: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("accounts file %s must not be group/world readable (mode %o)", path, info.Mode().Perm())
	}
	return nil
}

// Validate checks all required fields and value ranges. Every error names
// the offending account or field.
func (c *Config) Validate() error {
	if c.Gateway.APIBaseURL == "" {
		return fmt.Errorf("gateway.api_base_url is required (set API_BASE_URL)")
	}
	if c.Gateway.HubBaseURL == "" {
		return fmt.Errorf("gateway.hub_base_url is required (set HUB_BASE_URL)")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Enforcement.Workers <= 0 {
		return fmt.Errorf("enforcement.workers must be > 0")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("accounts: at least one account is required")
	}

	seen := make(map[int64]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.AccountID <= 0 {
			return fmt.Errorf("account %d: account_id must be a positive integer", a.AccountID)
		}
		if seen[a.AccountID] {
			return fmt.Errorf("account %d: duplicate account_id", a.AccountID)
		}
		seen[a.AccountID] = true
		if a.Username == "" {
			return fmt.Errorf("account %d: username is required", a.AccountID)
		}
		if a.APIKey == "" {
			return fmt.Errorf("account %d: api_key is required", a.AccountID)
		}
		if a.ResetTime != "" {
			if _, err := time.Parse("15:04", a.ResetTime); err != nil {
				return fmt.Errorf("account %d: reset_time %q is not HH:MM", a.AccountID, a.ResetTime)
			}
		}
		if a.Timezone != "" {
			if _, err := time.LoadLocation(a.Timezone); err != nil {
				return fmt.Errorf("account %d: timezone %q: %w", a.AccountID, a.Timezone, err)
			}
		}
	}

	return c.validateRules()
}

func (c *Config) validateRules() error {
	r := &c.Rules

	if r.MaxContracts.Enabled {
		if r.MaxContracts.Limit <= 0 {
			return fmt.Errorf("rules.max_contracts.limit must be > 0")
		}
		switch r.MaxContracts.Mode {
		case "", "reduce_to_limit", "close_all":
		default:
			return fmt.Errorf("rules.max_contracts.mode must be reduce_to_limit or close_all, got %q", r.MaxContracts.Mode)
		}
	}
	if r.MaxContractsPerInstrument.Enabled {
		switch r.MaxContractsPerInstrument.UnknownSymbolPolicy {
		case "", "block", "allow_unlimited", "allow_with_limit":
		default:
			return fmt.Errorf("rules.max_contracts_per_instrument.unknown_symbol_policy %q is invalid",
				r.MaxContractsPerInstrument.UnknownSymbolPolicy)
		}
		if r.MaxContractsPerInstrument.UnknownSymbolPolicy == "allow_with_limit" &&
			r.MaxContractsPerInstrument.UnknownSymbolLimit <= 0 {
			return fmt.Errorf("rules.max_contracts_per_instrument.unknown_symbol_limit must be > 0 for allow_with_limit")
		}
	}
	if r.DailyRealizedLoss.Enabled && r.DailyRealizedLoss.Limit >= 0 {
		return fmt.Errorf("rules.daily_realized_loss.limit must be negative")
	}
	if r.DailyUnrealizedLoss.Enabled && r.DailyUnrealizedLoss.Limit >= 0 {
		return fmt.Errorf("rules.daily_unrealized_loss.limit must be negative")
	}
	if r.MaxUnrealizedProfit.Enabled && r.MaxUnrealizedProfit.Limit <= 0 {
		return fmt.Errorf("rules.max_unrealized_profit.limit must be positive")
	}
	if r.TradeFrequencyLimit.Enabled && r.TradeFrequencyLimit.Cooldown <= 0 {
		return fmt.Errorf("rules.trade_frequency_limit.cooldown must be > 0")
	}
	if r.CooldownAfterLoss.Enabled {
		for i, tier := range r.CooldownAfterLoss.Tiers {
			if tier.LossAmount >= 0 {
				return fmt.Errorf("rules.cooldown_after_loss.tiers[%d].loss_amount must be negative", i)
			}
			if tier.Cooldown <= 0 {
				return fmt.Errorf("rules.cooldown_after_loss.tiers[%d].cooldown must be > 0", i)
			}
		}
	}
	if r.NoStopLossGrace.Enabled && r.NoStopLossGrace.GracePeriod <= 0 {
		return fmt.Errorf("rules.no_stop_loss_grace.grace_period must be > 0")
	}
	if r.SessionBlockOutside.Enabled {
		if err := validateWindow("rules.session_block_outside.window", r.SessionBlockOutside.Window); err != nil {
			return err
		}
		for sym, w := range r.SessionBlockOutside.Overrides {
			if err := validateWindow("rules.session_block_outside.overrides."+sym, w); err != nil {
				return err
			}
		}
		if r.SessionBlockOutside.Timezone != "" {
			if _, err := time.LoadLocation(r.SessionBlockOutside.Timezone); err != nil {
				return fmt.Errorf("rules.session_block_outside.timezone %q: %w", r.SessionBlockOutside.Timezone, err)
			}
		}
	}
	if r.TradeManagement.Enabled {
		if r.TradeManagement.TrailingActivation > 0 && r.TradeManagement.TrailingDistance <= 0 {
			return fmt.Errorf("rules.trade_management.trailing_distance must be > 0 when trailing is active")
		}
	}

	known := make(map[string]bool, len(DefaultRuleOrder))
	for _, id := range DefaultRuleOrder {
		known[id] = true
	}
	for _, id := range r.Order {
		if !known[id] {
			return fmt.Errorf("rules.order: unknown rule id %q", id)
		}
	}
	return nil
}

func validateWindow(field string, w SessionWindow) error {
	if _, err := time.Parse("15:04", w.Start); err != nil {
		return fmt.Errorf("%s.start %q is not HH:MM", field, w.Start)
	}
	if _, err := time.Parse("15:04", w.End); err != nil {
		return fmt.Errorf("%s.end %q is not HH:MM", field, w.End)
	}
	return nil
}

// RuleOrder returns the configured evaluation order, extended with any
// unlisted rules in default order.
func (c *Config) RuleOrder() []string {
	if len(c.Rules.Order) == 0 {
		return DefaultRuleOrder
	}
	listed := make(map[string]bool, len(c.Rules.Order))
	order := make([]string, 0, len(DefaultRuleOrder))
	for _, id := range c.Rules.Order {
		listed[id] = true
		order = append(order, id)
	}
	for _, id := range DefaultRuleOrder {
		if !listed[id] {
			order = append(order, id)
		}
	}
	return order
}
