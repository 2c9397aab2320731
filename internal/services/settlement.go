package services

import (
	"ocpphub/internal/models"

	"github.com/shopspring/decimal"
)

// Settle computes the breakdown of a finished session against a frozen
// pricing snapshot. Commission is taken on the gross amount and the session
// fee goes to the operator on top of it; the owner gets the rest.
func Settle(p models.PricingSnapshot, kwh float64, totalMinutes int) models.Financials {
	billable := BillableMinutes(totalMinutes, p.UsageFeeFreeMinutes, p.UsageFeeMaxMinutes)
	f := models.Financials{
		Currency:     p.Currency,
		EnergyKwh:    kwh,
		EnergyCost:   EnergyCost(kwh, p.PricePerKwh),
		UsageMinutes: billable,
		UsageFee:     UsageFee(billable, p.UsageFeePerMinute),
		SessionFee:   toMinor(decimal.NewFromFloat(p.SessionFee)),
	}
	f.Gross = f.EnergyCost + f.UsageFee + f.SessionFee
	f.Commission = toMinor(fromMinor(f.Gross).Mul(decimal.NewFromFloat(p.CommissionPercent)).Div(hundred))
	f.OperatorRevenue = f.Commission + f.SessionFee
	f.OwnerPayout = f.Gross - f.OperatorRevenue
	if f.OwnerPayout < 0 {
		f.OwnerPayout = 0
	}
	return f
}

// SettleTransaction settles a stopped transaction. The end register falls
// back to the last sampled meter value and then to the start value.
func SettleTransaction(p models.PricingSnapshot, tx models.Transaction) models.Financials {
	end := tx.MeterStartWh
	switch {
	case tx.MeterStopWh != nil:
		end = *tx.MeterStopWh
	case tx.MeterLastWh != nil:
		end = *tx.MeterLastWh
	}
	minutes := 0
	if tx.StoppedAt != nil {
		minutes = SessionMinutes(tx.StartedAt, *tx.StoppedAt)
	}
	return Settle(p, EnergyKwh(tx.MeterStartWh, end), minutes)
}
