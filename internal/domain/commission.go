package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LiquidityFlag marks whether an execution added or removed liquidity.
type LiquidityFlag string

const (
	LiquidityMaker LiquidityFlag = "MAKER"
	LiquidityTaker LiquidityFlag = "TAKER"
)

// Tier is one volume band of a commission schedule. Rate applies once
// the account's monthly volume reaches Threshold.
type Tier struct {
	Threshold  decimal.Decimal `yaml:"threshold" json:"threshold"`
	Rate       decimal.Decimal `yaml:"rate" json:"rate"`
	FlatFee    decimal.Decimal `yaml:"flat_fee" json:"flat_fee"`
	RebateRate decimal.Decimal `yaml:"rebate_rate" json:"rebate_rate"`
}

// CommissionStructure is a venue's full fee schedule. Read-only at
// runtime; replaced wholesale via the calculator's SetStructure.
type CommissionStructure struct {
	Venue    string `yaml:"venue" json:"venue"`
	Currency string `yaml:"currency" json:"currency"`

	// Tiers ordered by ascending threshold in config; the calculator
	// scans descending.
	Tiers []Tier `yaml:"tiers" json:"tiers"`

	// Explicit maker/taker rates take precedence over the tier rate
	// when nonzero.
	MakerRate decimal.Decimal `yaml:"maker_rate" json:"maker_rate"`
	TakerRate decimal.Decimal `yaml:"taker_rate" json:"taker_rate"`

	MakerRebateRate     decimal.Decimal `yaml:"maker_rebate_rate" json:"maker_rebate_rate"`
	LiquidityRebateRate decimal.Decimal `yaml:"liquidity_rebate_rate" json:"liquidity_rebate_rate"`

	RegulatoryFeeRate decimal.Decimal `yaml:"regulatory_fee_rate" json:"regulatory_fee_rate"`
	ClearingFeeRate   decimal.Decimal `yaml:"clearing_fee_rate" json:"clearing_fee_rate"`

	MinimumCommission decimal.Decimal `yaml:"minimum_commission" json:"minimum_commission"`
	MaximumCommission decimal.Decimal `yaml:"maximum_commission" json:"maximum_commission"`
}

// CommissionCalculation is the per-fill cost breakdown.
type CommissionCalculation struct {
	Venue           string          `json:"venue"`
	Account         string          `json:"account"`
	Notional        decimal.Decimal `json:"notional"`
	Liquidity       LiquidityFlag   `json:"liquidity"`
	TierIndex       int             `json:"tier_index"`
	RateApplied     decimal.Decimal `json:"rate_applied"`
	BaseCommission  decimal.Decimal `json:"base_commission"`
	RegulatoryFees  decimal.Decimal `json:"regulatory_fees"`
	ClearingFees    decimal.Decimal `json:"clearing_fees"`
	Rebates         decimal.Decimal `json:"rebates"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	NetCommission   decimal.Decimal `json:"net_commission"`
}

// MonthlyStats is the query-side view of one (account, venue) tracker.
type MonthlyStats struct {
	Account          string          `json:"account"`
	Venue            string          `json:"venue"`
	MonthlyVolume    decimal.Decimal `json:"monthly_volume"`
	MonthlyTrades    int64           `json:"monthly_trades"`
	CurrentTier      int             `json:"current_tier"`
	CurrentRate      decimal.Decimal `json:"current_rate"`
	VolumeToNextTier decimal.Decimal `json:"volume_to_next_tier"`
	ResetDate        time.Time       `json:"reset_date"`
}
