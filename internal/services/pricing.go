package services

import (
	"time"

	"ocpphub/internal/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// toMinor rounds an amount to cents, half away from zero, and returns it in
// minor units.
func toMinor(d decimal.Decimal) int64 {
	return d.Round(2).Shift(2).IntPart()
}

func fromMinor(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}

// EnergyCost prices kwh at pricePerKwh in minor units.
func EnergyCost(kwh, pricePerKwh float64) int64 {
	return toMinor(decimal.NewFromFloat(kwh).Mul(decimal.NewFromFloat(pricePerKwh)))
}

// BillableMinutes applies the free allowance and the cap. A cap of zero
// means uncapped.
func BillableMinutes(total, free, max int) int {
	m := total - free
	if m < 0 {
		m = 0
	}
	if max > 0 && m > max {
		m = max
	}
	return m
}

func UsageFee(minutes int, perMinute float64) int64 {
	if minutes <= 0 {
		return 0
	}
	return toMinor(decimal.NewFromInt(int64(minutes)).Mul(decimal.NewFromFloat(perMinute)))
}

// SessionMinutes is the number of whole minutes between start and stop.
func SessionMinutes(start, stop time.Time) int {
	if !stop.After(start) {
		return 0
	}
	return int(stop.Sub(start) / time.Minute)
}

// EnergyKwh converts two register readings in Wh to consumed kWh.
func EnergyKwh(startWh, stopWh float64) float64 {
	d := decimal.NewFromFloat(stopWh).Sub(decimal.NewFromFloat(startWh))
	if d.IsNegative() {
		return 0
	}
	return d.Div(decimal.NewFromInt(1000)).Round(3).InexactFloat64()
}

// SnapshotFromTariff freezes the pricing a reservation is quoted against.
func SnapshotFromTariff(t models.Tariff) models.PricingSnapshot {
	return models.PricingSnapshot{
		Currency:            t.Currency,
		PricePerKwh:         t.PricePerKwh,
		UsageFeePerMinute:   t.UsageFeePerMinute,
		UsageFeeFreeMinutes: t.UsageFeeFreeMinutes,
		UsageFeeMaxMinutes:  t.UsageFeeMaxMinutes,
		SessionFee:          t.SessionFee,
		CommissionPercent:   t.CommissionPercent,
		MaxHoldKwh:          t.MaxHoldKwh,
	}
}

// HoldLimits are the fallback caps used when a tariff sets none.
type HoldLimits struct {
	Kwh     float64
	Minutes int
}

// MaxHoldAmount is the ceiling a hold is opened for: the energy cap, the
// usage fee for the longest billable session and the session fee.
func MaxHoldAmount(p models.PricingSnapshot, limits HoldLimits) int64 {
	kwh := p.MaxHoldKwh
	if kwh <= 0 {
		kwh = limits.Kwh
	}
	minutes := p.UsageFeeMaxMinutes
	if minutes <= 0 {
		minutes = limits.Minutes
	}
	billable := BillableMinutes(minutes, p.UsageFeeFreeMinutes, 0)
	return EnergyCost(kwh, p.PricePerKwh) + UsageFee(billable, p.UsageFeePerMinute) + toMinor(decimal.NewFromFloat(p.SessionFee))
}

// Usable reports whether the snapshot can price a session at all.
func Usable(p models.PricingSnapshot) bool {
	if p.Currency == "" {
		return false
	}
	return p.PricePerKwh > 0 || p.UsageFeePerMinute > 0 || p.SessionFee > 0
}
