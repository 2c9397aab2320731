package services

import (
	"testing"
	"time"

	"ocpphub/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestEnergyCostRounding(t *testing.T) {
	assert.Equal(t, int64(175), EnergyCost(5.0, 0.35))
	assert.Equal(t, int64(6), EnergyCost(0.123, 0.50))
	assert.Equal(t, int64(0), EnergyCost(10.0, 0))
	assert.Equal(t, int64(375), EnergyCost(12.5, 0.30))
	assert.Equal(t, int64(3), EnergyCost(0.025, 1))
}

func TestUsageFee(t *testing.T) {
	assert.Equal(t, int64(450), UsageFee(15, 0.30))
	assert.Equal(t, int64(0), UsageFee(0, 0.30))
	assert.Equal(t, int64(0), UsageFee(45, 0))
	assert.Equal(t, int64(400), UsageFee(20, 0.20))
}

func TestBillableMinutes(t *testing.T) {
	assert.Equal(t, 0, BillableMinutes(10, 15, 0))
	assert.Equal(t, 5, BillableMinutes(20, 15, 0))
	assert.Equal(t, 60, BillableMinutes(200, 15, 60))
	assert.Equal(t, 185, BillableMinutes(200, 15, 0))
}

func TestSessionMinutesAndEnergy(t *testing.T) {
	start := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, 20, SessionMinutes(start, start.Add(20*time.Minute+40*time.Second)))
	assert.Equal(t, 0, SessionMinutes(start, start.Add(-time.Minute)))
	assert.InDelta(t, 12.5, EnergyKwh(1500, 14000), 1e-9)
	assert.Equal(t, 0.0, EnergyKwh(2000, 1000))
}

func TestMaxHoldAmount(t *testing.T) {
	p := SnapshotFromTariff(scenarioTariff())
	// 40 kWh * 0.30 + 120 min * 0.20 + 0.50
	assert.Equal(t, int64(1200+2400+50), MaxHoldAmount(p, HoldLimits{Kwh: 60, Minutes: 240}))

	p.MaxHoldKwh = 0
	p.UsageFeeMaxMinutes = 0
	p.UsageFeeFreeMinutes = 40
	// 60 kWh * 0.30 + (240-40) min * 0.20 + 0.50
	assert.Equal(t, int64(1800+4000+50), MaxHoldAmount(p, HoldLimits{Kwh: 60, Minutes: 240}))

	assert.Equal(t, int64(0), MaxHoldAmount(models.PricingSnapshot{Currency: "eur"}, HoldLimits{Kwh: 60, Minutes: 240}))
}

func TestSettleScenarioA(t *testing.T) {
	p := models.PricingSnapshot{
		Currency:          "eur",
		PricePerKwh:       0.30,
		UsageFeePerMinute: 0.20,
		SessionFee:        0.50,
		CommissionPercent: 10,
	}
	f := Settle(p, 12.5, 20)
	assert.Equal(t, int64(375), f.EnergyCost)
	assert.Equal(t, int64(400), f.UsageFee)
	assert.Equal(t, int64(50), f.SessionFee)
	assert.Equal(t, int64(825), f.Gross)
	assert.Equal(t, int64(83), f.Commission)
	assert.Equal(t, int64(133), f.OperatorRevenue)
	assert.Equal(t, int64(692), f.OwnerPayout)
	assert.Equal(t, 20, f.UsageMinutes)
}

func TestSettleClampsOwnerPayout(t *testing.T) {
	f := Settle(models.PricingSnapshot{Currency: "eur", SessionFee: 1, CommissionPercent: 100}, 0, 0)
	assert.Equal(t, int64(100), f.Gross)
	assert.Equal(t, int64(200), f.OperatorRevenue)
	assert.Equal(t, int64(0), f.OwnerPayout)
}

func TestSettleTransactionMeterFallback(t *testing.T) {
	p := models.PricingSnapshot{Currency: "eur", PricePerKwh: 1}
	start := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	stop := start.Add(30 * time.Minute)
	last := 3000.0
	stopWh := 5000.0

	tx := models.Transaction{StartedAt: start, StoppedAt: &stop, MeterStartWh: 1000, MeterLastWh: &last}
	assert.Equal(t, int64(200), SettleTransaction(p, tx).EnergyCost)

	tx.MeterStopWh = &stopWh
	assert.Equal(t, int64(400), SettleTransaction(p, tx).EnergyCost)

	tx.MeterStopWh, tx.MeterLastWh = nil, nil
	assert.Equal(t, int64(0), SettleTransaction(p, tx).EnergyCost)
}

func TestNormalizeTag(t *testing.T) {
	assert.Equal(t, "ABC123", NormalizeTag("ABC123_suffix"))
	assert.Equal(t, "ABC123", NormalizeTag("ABC123"))
	assert.Equal(t, "A", NormalizeTag("A_b_c"))
	assert.Equal(t, "", NormalizeTag("_x"))
}

func TestLockIDStableAndPositive(t *testing.T) {
	a := LockID("7f1c9a5e-0000-4000-8000-000000000001")
	assert.Equal(t, a, LockID("7f1c9a5e-0000-4000-8000-000000000001"))
	assert.GreaterOrEqual(t, a, 0)
	assert.NotEqual(t, a, LockID("7f1c9a5e-0000-4000-8000-000000000002"))
}
