package infra

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"tradecore/internal/domain"
)

// Config holds every runtime setting of the core. Loaded from YAML,
// then overridden from the environment (env wins, for secrets and
// deploy-time tweaks).
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Orders OrdersConfig `yaml:"orders"`

	Connections []ConnectionConfig `yaml:"connections"`

	Commission struct {
		Structures []domain.CommissionStructure `yaml:"structures"`
	} `yaml:"commission"`

	Archive struct {
		Enabled       bool   `yaml:"enabled"`
		Path          string `yaml:"path" envconfig:"CORE_ARCHIVE_PATH"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"archive"`

	Logging struct {
		Level string `yaml:"level" envconfig:"CORE_LOG_LEVEL"`
	} `yaml:"logging"`
}

// OrdersConfig carries the order manager limits and feature flags.
type OrdersConfig struct {
	MaxOrderValue      decimal.Decimal `yaml:"max_order_value"`
	MaxOrderSize       decimal.Decimal `yaml:"max_order_size"`
	MaxOpenOrders      int             `yaml:"max_open_orders"`
	OrdersPerSecond    float64         `yaml:"orders_per_second"`
	OrderBurst         int             `yaml:"order_burst"`
	OrderTimeoutSec    int             `yaml:"order_timeout_sec"`
	FillTimeoutSec     int             `yaml:"fill_timeout_sec"`
	CancelTimeoutSec   int             `yaml:"cancel_timeout_sec"`
	PreTradeChecks     bool            `yaml:"pre_trade_checks"`
	RealTimeChecks     bool            `yaml:"real_time_checks"`
	PostTradeChecks    bool            `yaml:"post_trade_checks"`
	MetricsIntervalSec int             `yaml:"metrics_interval_sec"`
	RoutingAlgorithm   string          `yaml:"routing_algorithm"`
}

// ConnectionConfig describes one market-data endpoint.
type ConnectionConfig struct {
	ID            string   `yaml:"id"`
	URL           string   `yaml:"url"`
	Compression   bool     `yaml:"compression"`
	AutoReconnect bool     `yaml:"auto_reconnect"`
	Streams       []string `yaml:"streams"`
}

// LoadConfig reads and parses the configuration file, applies
// environment overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if err := envconfig.Process("core", &cfg); err != nil {
		return nil, fmt.Errorf("env override failed: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, conn := range c.Connections {
		if conn.ID == "" {
			return fmt.Errorf("connection with empty id")
		}
		if seen[conn.ID] {
			return fmt.Errorf("duplicate connection id: %s", conn.ID)
		}
		seen[conn.ID] = true

		if !strings.HasPrefix(conn.URL, "ws://") && !strings.HasPrefix(conn.URL, "wss://") {
			return fmt.Errorf("invalid WS URL for %s: %s", conn.ID, conn.URL)
		}
	}

	for _, s := range c.Commission.Structures {
		if s.Venue == "" {
			return fmt.Errorf("commission structure with empty venue")
		}
		if len(s.Tiers) == 0 {
			return fmt.Errorf("commission structure for %s has no tiers", s.Venue)
		}
	}

	if c.Orders.MaxOpenOrders < 0 {
		return fmt.Errorf("max open orders must be non-negative")
	}
	if c.Orders.OrdersPerSecond < 0 {
		return fmt.Errorf("orders per second must be non-negative")
	}

	return nil
}
