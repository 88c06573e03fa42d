// Package commission computes per-fill trading costs from tiered venue
// fee schedules and tracks trailing monthly volume per (account, venue).
package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/domain"
)

var (
	ErrUnknownVenue     = errors.New("unknown venue")
	ErrInvalidStructure = errors.New("invalid commission structure")
)

// Hourly granularity is enough to catch a monthly boundary.
const defaultResetInterval = time.Hour

type trackerKey struct {
	account string
	venue   string
}

// volumeTracker is the per (account, venue) rolling state. All mutation
// happens under mu, including the monthly reset, so a reset can never
// interleave with an in-flight calculation for the same key.
type volumeTracker struct {
	mu            sync.Mutex
	monthlyVolume decimal.Decimal
	monthlyTrades int64
	currentTier   int
	resetDate     time.Time
}

// Calculator owns the venue fee schedules and the volume trackers.
// Construct one per application; there is no package-level instance.
type Calculator struct {
	mu         sync.RWMutex
	structures map[string]domain.CommissionStructure

	trackerMu sync.Mutex
	trackers  map[trackerKey]*volumeTracker

	resetInterval time.Duration
	now           func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCalculator creates a calculator with the given venue structures.
// Structures with no tiers are rejected.
func NewCalculator(structures []domain.CommissionStructure) (*Calculator, error) {
	c := &Calculator{
		structures:    make(map[string]domain.CommissionStructure),
		trackers:      make(map[trackerKey]*volumeTracker),
		resetInterval: defaultResetInterval,
		now:           time.Now,
	}

	for _, s := range structures {
		if err := c.SetStructure(s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetStructure installs or replaces a venue's fee schedule. Tiers are
// stored sorted descending by threshold so tier lookup is a single
// forward scan.
func (c *Calculator) SetStructure(s domain.CommissionStructure) error {
	if s.Venue == "" || len(s.Tiers) == 0 {
		return fmt.Errorf("%w: venue=%q tiers=%d", ErrInvalidStructure, s.Venue, len(s.Tiers))
	}

	tiers := make([]domain.Tier, len(s.Tiers))
	copy(tiers, s.Tiers)
	sort.Slice(tiers, func(i, j int) bool {
		return tiers[i].Threshold.GreaterThan(tiers[j].Threshold)
	})
	s.Tiers = tiers

	c.mu.Lock()
	c.structures[s.Venue] = s
	c.mu.Unlock()

	slog.Info("Commission structure installed",
		slog.String("venue", s.Venue),
		slog.Int("tiers", len(tiers)))
	return nil
}

func (c *Calculator) structureFor(venue string) (domain.CommissionStructure, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.structures[venue]
	if !ok {
		return domain.CommissionStructure{}, fmt.Errorf("%w: %s", ErrUnknownVenue, venue)
	}
	return s, nil
}

func (c *Calculator) tracker(account, venue string) *volumeTracker {
	key := trackerKey{account: account, venue: venue}

	c.trackerMu.Lock()
	defer c.trackerMu.Unlock()

	t, ok := c.trackers[key]
	if !ok {
		t = &volumeTracker{resetDate: firstOfNextMonth(c.now())}
		c.trackers[key] = t
	}
	return t
}

// tierFor returns the tier whose threshold the volume has reached,
// scanning thresholds in descending order, along with its tier number
// (0 = lowest tier). Falls back to the lowest tier when no threshold is
// met.
func tierFor(s domain.CommissionStructure, volume decimal.Decimal) (int, domain.Tier) {
	last := len(s.Tiers) - 1
	for i, tier := range s.Tiers {
		if volume.GreaterThanOrEqual(tier.Threshold) {
			return last - i, tier
		}
	}
	return 0, s.Tiers[last]
}

// rateFor resolves the applied rate: an explicit maker/taker rate wins
// over the tier rate when nonzero. Unknown liquidity flags get TAKER
// semantics.
func rateFor(s domain.CommissionStructure, tier domain.Tier, flag domain.LiquidityFlag) decimal.Decimal {
	if flag == domain.LiquidityMaker {
		if !s.MakerRate.IsZero() {
			return s.MakerRate
		}
		return tier.Rate
	}
	if !s.TakerRate.IsZero() {
		return s.TakerRate
	}
	return tier.Rate
}

// clamp applies the structure's min/max commission bounds. The clamp is
// unconditional; a non-positive maximum means no upper bound.
func clamp(s domain.CommissionStructure, v decimal.Decimal) decimal.Decimal {
	if s.MaximumCommission.IsPositive() && v.GreaterThan(s.MaximumCommission) {
		v = s.MaximumCommission
	}
	if v.LessThan(s.MinimumCommission) {
		v = s.MinimumCommission
	}
	return v
}

func (c *Calculator) breakdown(s domain.CommissionStructure, account string, notional decimal.Decimal, volume decimal.Decimal, flag domain.LiquidityFlag) domain.CommissionCalculation {
	tierIdx, tier := tierFor(s, volume)
	rate := rateFor(s, tier, flag)

	base := notional.Mul(rate).Add(tier.FlatFee)

	rebateRate := tier.RebateRate.Add(s.LiquidityRebateRate)
	if flag == domain.LiquidityMaker {
		rebateRate = rebateRate.Add(s.MakerRebateRate)
	}
	rebates := notional.Mul(rebateRate)

	regulatory := notional.Mul(s.RegulatoryFeeRate)
	clearing := notional.Mul(s.ClearingFeeRate)

	total := clamp(s, base.Add(regulatory).Add(clearing).Sub(rebates))

	return domain.CommissionCalculation{
		Venue:           s.Venue,
		Account:         account,
		Notional:        notional,
		Liquidity:       flag,
		TierIndex:       tierIdx,
		RateApplied:     rate,
		BaseCommission:  base,
		RegulatoryFees:  regulatory,
		ClearingFees:    clearing,
		Rebates:         rebates,
		TotalCommission: total,
		NetCommission:   total.Sub(rebates),
	}
}

// Calculate computes the commission for one fill and updates the
// account's monthly volume tracker for the fill's venue.
func (c *Calculator) Calculate(fill domain.OrderFill, account string, flag domain.LiquidityFlag) (domain.CommissionCalculation, error) {
	s, err := c.structureFor(fill.Venue)
	if err != nil {
		return domain.CommissionCalculation{}, err
	}
	if flag != domain.LiquidityMaker && flag != domain.LiquidityTaker {
		flag = domain.LiquidityTaker
	}

	notional := fill.Notional()
	t := c.tracker(account, fill.Venue)

	t.mu.Lock()
	defer t.mu.Unlock()

	c.resetLocked(t, c.now())

	calc := c.breakdown(s, account, notional, t.monthlyVolume, flag)

	t.monthlyVolume = t.monthlyVolume.Add(notional)
	t.monthlyTrades++
	t.currentTier, _ = tierFor(s, t.monthlyVolume)

	return calc, nil
}

// Estimate computes a pre-trade commission estimate without mutating
// volume state.
func (c *Calculator) Estimate(venue, account string, notional decimal.Decimal, flag domain.LiquidityFlag) (decimal.Decimal, error) {
	s, err := c.structureFor(venue)
	if err != nil {
		return decimal.Zero, err
	}
	if flag != domain.LiquidityMaker && flag != domain.LiquidityTaker {
		flag = domain.LiquidityTaker
	}

	t := c.tracker(account, venue)
	t.mu.Lock()
	c.resetLocked(t, c.now())
	volume := t.monthlyVolume
	t.mu.Unlock()

	return c.breakdown(s, account, notional, volume, flag).TotalCommission, nil
}

// MonthlyStats returns the per-venue stats for an account. When venue
// is empty, stats for every venue the account has traded on are
// returned.
func (c *Calculator) MonthlyStats(account, venue string) []domain.MonthlyStats {
	c.trackerMu.Lock()
	keys := make([]trackerKey, 0, len(c.trackers))
	for k := range c.trackers {
		if k.account == account && (venue == "" || k.venue == venue) {
			keys = append(keys, k)
		}
	}
	c.trackerMu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].venue < keys[j].venue })

	stats := make([]domain.MonthlyStats, 0, len(keys))
	for _, k := range keys {
		t := c.tracker(k.account, k.venue)
		s, err := c.structureFor(k.venue)

		t.mu.Lock()
		st := domain.MonthlyStats{
			Account:       k.account,
			Venue:         k.venue,
			MonthlyVolume: t.monthlyVolume,
			MonthlyTrades: t.monthlyTrades,
			CurrentTier:   t.currentTier,
			ResetDate:     t.resetDate,
		}
		if err == nil {
			_, tier := tierFor(s, t.monthlyVolume)
			st.CurrentRate = tier.Rate
			st.VolumeToNextTier = volumeToNextTier(s, t.monthlyVolume)
		}
		t.mu.Unlock()

		stats = append(stats, st)
	}
	return stats
}

// volumeToNextTier returns the volume still needed to reach the next
// tier, or zero when the account is already in the top tier.
func volumeToNextTier(s domain.CommissionStructure, volume decimal.Decimal) decimal.Decimal {
	best := decimal.Zero
	found := false
	for _, tier := range s.Tiers {
		if tier.Threshold.GreaterThan(volume) && (!found || tier.Threshold.LessThan(best)) {
			best = tier.Threshold
			found = true
		}
	}
	if !found {
		return decimal.Zero
	}
	return best.Sub(volume)
}

// resetLocked zeroes a tracker whose reset date has passed and advances
// the reset date to the first of the following month. Caller holds t.mu.
func (c *Calculator) resetLocked(t *volumeTracker, now time.Time) {
	if now.Before(t.resetDate) {
		return
	}

	t.monthlyVolume = decimal.Zero
	t.monthlyTrades = 0
	t.currentTier = 0
	t.resetDate = firstOfNextMonth(now)
}

// CheckResets walks every tracker and applies the monthly reset where
// due. Called periodically by the reset loop; exported for tests.
func (c *Calculator) CheckResets() {
	now := c.now()

	c.trackerMu.Lock()
	trackers := make([]*volumeTracker, 0, len(c.trackers))
	for _, t := range c.trackers {
		trackers = append(trackers, t)
	}
	c.trackerMu.Unlock()

	for _, t := range trackers {
		t.mu.Lock()
		due := !now.Before(t.resetDate)
		c.resetLocked(t, now)
		t.mu.Unlock()

		if due {
			slog.Info("Monthly volume tracker reset", slog.Time("next_reset", firstOfNextMonth(now)))
		}
	}
}

// Start launches the periodic reset loop.
func (c *Calculator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.resetInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.CheckResets()
			}
		}
	}()
}

// Stop terminates the reset loop.
func (c *Calculator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// SetTrackerState seeds a tracker directly. Test and migration hook.
func (c *Calculator) SetTrackerState(account, venue string, volume decimal.Decimal, trades int64, resetDate time.Time) {
	t := c.tracker(account, venue)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.monthlyVolume = volume
	t.monthlyTrades = trades
	t.resetDate = resetDate
	if s, err := c.structureFor(venue); err == nil {
		t.currentTier, _ = tierFor(s, volume)
	}
}

func firstOfNextMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
}
