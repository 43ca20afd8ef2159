package billing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/navalha/navalha/internal/cloudcp/registry"
)

const (
	MinSeats = 1
	MaxSeats = 50
)

type planPrice struct {
	base         decimal.Decimal
	extraPerSeat decimal.Decimal
}

var priceTable = map[registry.Plan]planPrice{
	registry.PlanBasic:   {base: decimal.NewFromInt(47), extraPerSeat: decimal.NewFromInt(29)},
	registry.PlanPremium: {base: decimal.NewFromInt(87), extraPerSeat: decimal.NewFromInt(44)},
}

// MonthlyValue returns base(plan) + max(0, seats-1) * extraPerSeat(plan).
func MonthlyValue(plan registry.Plan, seats int) (decimal.Decimal, error) {
	price, ok := priceTable[plan]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown plan %q", plan)
	}
	if seats < MinSeats {
		return decimal.Zero, fmt.Errorf("seat count must be >= %d, got %d", MinSeats, seats)
	}
	extra := decimal.NewFromInt(int64(seats - 1))
	return price.base.Add(extra.Mul(price.extraPerSeat)), nil
}
