package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks option ranges and cross-field consistency.
func (c *Config) Validate() error {
	var errs []error

	if !c.Storage.UseMemory {
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required unless storage.use_memory is set"))
		}
	}

	if c.Oracle.RESTURL == "" && c.Oracle.StreamURL == "" {
		errs = append(errs, errors.New("oracle.rest_url or oracle.stream_url is required"))
	}
	if c.Oracle.Timeout <= 0 {
		errs = append(errs, errors.New("oracle.timeout must be positive"))
	}

	a := c.Admission
	if a.MinMTFAgreement < 0 || a.MinMTFAgreement > 1 {
		errs = append(errs, fmt.Errorf("admission.min_mtf_agreement must be in [0, 1], got %v", a.MinMTFAgreement))
	}
	switch strings.ToLower(a.CountScope) {
	case "book", "symbol":
	default:
		errs = append(errs, fmt.Errorf("admission.count_scope must be book or symbol, got %q", a.CountScope))
	}
	if a.MaxDirectionNotional > 0 && a.MaxTotalNotional > 0 && a.MaxDirectionNotional > a.MaxTotalNotional {
		errs = append(errs, errors.New("admission.max_direction_notional must not exceed max_total_notional"))
	}
	if a.DuplicatePriceBps < 0 {
		errs = append(errs, errors.New("admission.duplicate_price_bps must be non-negative"))
	}
	if a.HourlyCapDirection > 0 && a.HourlyCapTotal > 0 && a.HourlyCapDirection > a.HourlyCapTotal {
		errs = append(errs, errors.New("admission.hourly_cap_direction must not exceed hourly_cap_total"))
	}
	if a.OppositeCooldown < 0 || a.SameDirectionCooldown < 0 || a.GlobalCooldown < 0 {
		errs = append(errs, errors.New("admission cooldowns must be non-negative"))
	}

	r := c.Risk
	if r.MaxLeverage < 1 {
		errs = append(errs, fmt.Errorf("risk.max_leverage must be >= 1, got %v", r.MaxLeverage))
	}
	if r.BasePositionSize <= 0 || r.MaxPositionSize < r.BasePositionSize {
		errs = append(errs, errors.New("risk.base_position_size must be positive and <= max_position_size"))
	}
	if r.MaintenanceMarginRate < 0 || r.MaintenanceMarginRate >= 1 {
		errs = append(errs, errors.New("risk.maintenance_margin_rate must be in [0, 1)"))
	}
	if r.MinTrendStrength < 0 || r.MinTrendStrength > 1 {
		errs = append(errs, errors.New("risk.min_trend_strength must be in [0, 1]"))
	}

	l := c.Lifecycle
	if l.TickInterval <= 0 {
		errs = append(errs, errors.New("lifecycle.tick_interval must be positive"))
	}
	if l.PriceTimeout <= 0 || (l.TickInterval > 0 && l.PriceTimeout >= l.TickInterval) {
		errs = append(errs, errors.New("lifecycle.price_timeout must be positive and shorter than tick_interval"))
	}
	if l.PersistTimeout <= 0 {
		errs = append(errs, errors.New("lifecycle.persist_timeout must be positive"))
	}
	if l.MaxHoldingHours <= 0 {
		errs = append(errs, errors.New("lifecycle.max_holding_hours must be positive"))
	}
	if l.MinHoldingMinutes < 0 || l.MinHoldingMinutes/60 >= l.MaxHoldingHours {
		errs = append(errs, errors.New("lifecycle.min_holding_minutes must be non-negative and below max_holding_hours"))
	}
	t := l.Trailing
	if t.Enabled && (t.Percent <= 0 || t.Percent >= 100) {
		errs = append(errs, fmt.Errorf("lifecycle.trailing.percent must be in (0, 100), got %v", t.Percent))
	}
	if t.MinStepPct < 0 || t.ActivationProfitPct < 0 {
		errs = append(errs, errors.New("lifecycle.trailing step and activation must be non-negative"))
	}
	if t.LowProfitMultiplier <= 0 || t.HighProfitMultiplier <= 0 {
		errs = append(errs, errors.New("lifecycle.trailing flex multipliers must be positive"))
	}

	return errors.Join(errs...)
}
