package infra

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `
app:
  name: tradecore
  version: "0.1.0"
orders:
  max_order_value: "1000000"
  max_order_size: "1000"
  max_open_orders: 200
  orders_per_second: 10
  order_burst: 5
  metrics_interval_sec: 30
connections:
  - id: primary
    url: wss://stream.example.com/ws
    auto_reconnect: true
    streams: [ticker_BTCUSDT]
commission:
  structures:
    - venue: BINANCE
      currency: USDT
      tiers:
        - threshold: "0"
          rate: "0.002"
        - threshold: "100000"
          rate: "0.0018"
      minimum_commission: "0.01"
      maximum_commission: "500"
logging:
  level: debug
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Orders.MaxOpenOrders != 200 {
		t.Errorf("MaxOpenOrders = %d, want 200", cfg.Orders.MaxOpenOrders)
	}
	if len(cfg.Connections) != 1 || cfg.Connections[0].ID != "primary" {
		t.Errorf("connections not parsed: %+v", cfg.Connections)
	}
	if len(cfg.Commission.Structures) != 1 {
		t.Fatalf("structures not parsed")
	}
	if got := cfg.Commission.Structures[0].Tiers[1].Rate.String(); got != "0.0018" {
		t.Errorf("tier rate = %s, want 0.0018", got)
	}
}

func TestLoadConfigRejectsBadURL(t *testing.T) {
	bad := `
connections:
  - id: primary
    url: http://not-a-ws-url
`
	if _, err := LoadConfig(writeConfig(t, bad)); err == nil {
		t.Error("expected error for non-ws URL")
	}
}

func TestLoadConfigRejectsTierlessStructure(t *testing.T) {
	bad := `
commission:
  structures:
    - venue: BINANCE
      tiers: []
`
	if _, err := LoadConfig(writeConfig(t, bad)); err == nil {
		t.Error("expected error for structure with no tiers")
	}
}
