package ledger

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a token amount to the ledger's fixed-point integer,
// amount × 10^decimals, truncating any precision below one base unit.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FloatToBaseUnits is ToBaseUnits for float inputs. The float is read at its
// shortest exact decimal representation, so 0.01 becomes exactly 10^(decimals-2).
func FloatToBaseUnits(amount float64, decimals int32) *big.Int {
	return ToBaseUnits(decimal.NewFromFloat(amount), decimals)
}

// FromBaseUnits converts a ledger integer back to a token amount.
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}
