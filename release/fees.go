package release

import "github.com/shopspring/decimal"

var bps = decimal.NewFromInt(10000)

// feeFor computes the platform fee on a gross release at the deal's rate in
// basis points, rounded half-up to cents. The payee net is gross minus fee.
func feeFor(gross decimal.Decimal, rateBps int) decimal.Decimal {
	if rateBps <= 0 || !gross.IsPositive() {
		return decimal.Zero
	}
	return gross.Mul(decimal.NewFromInt(int64(rateBps))).Div(bps).Round(2)
}
