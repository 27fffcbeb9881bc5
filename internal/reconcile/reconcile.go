// Package reconcile holds the pure arithmetic behind returns: lifecycle
// derivation, quantity clamping, and proration of a transaction-level tax
// amount across its taxable lines. Everything here is deterministic and
// side-effect free; stores and services call into it so that both always
// agree on the numbers.
package reconcile

import (
	"github.com/shopspring/decimal"

	"tokokita/backend/internal/domain"
)

// StockSign is the direction a committed return moves stock for the given
// transaction kind: a sales return brings goods back (+1), a purchase
// return sends goods out (-1). Unknown kinds move nothing.
func StockSign(kind string) int {
	switch kind {
	case domain.KindSale:
		return 1
	case domain.KindPurchase:
		return -1
	default:
		return 0
	}
}

// CounterpartyKind maps a transaction kind to the counterparty kind on the
// other side of it.
func CounterpartyKind(kind string) string {
	if kind == domain.KindPurchase {
		return domain.CounterpartySupplier
	}
	return domain.CounterpartyCustomer
}

// ValidKind reports whether kind names a supported transaction kind.
func ValidKind(kind string) bool {
	return kind == domain.KindSale || kind == domain.KindPurchase
}

// DeriveState computes the lifecycle state of a transaction from its total
// original quantity and the total quantity already returned against it.
// Fully-returned wins over partially-returned when both conditions hold,
// which also covers over-returned legacy data.
func DeriveState(originalQty, returnedQty int) string {
	switch {
	case originalQty > 0 && returnedQty >= originalQty:
		return domain.StateFullyReturned
	case returnedQty <= 0:
		return domain.StateActive
	default:
		return domain.StatePartiallyReturned
	}
}

// ClampQty bounds a requested return quantity to what is still returnable:
// never below zero, never above original minus already returned.
func ClampQty(requested, originalQty, alreadyReturned int) int {
	remaining := originalQty - alreadyReturned
	if remaining < 0 {
		remaining = 0
	}
	if requested < 0 {
		return 0
	}
	if requested > remaining {
		return remaining
	}
	return requested
}

// TaxedBaseCents sums qty*unitPrice over the taxable lines only. This is
// the base the transaction's tax amount was charged on.
func TaxedBaseCents(lines []domain.TransactionLine) int64 {
	var base int64
	for _, ln := range lines {
		if ln.Taxable {
			base += int64(ln.Qty) * ln.UnitPriceCents
		}
	}
	return base
}

// UnitTaxShare is the exact tax carried by one unit of a taxable line:
// tax * unitPrice / taxedBase, kept as a decimal so no precision is lost
// before the single rounding step at aggregate time. A zero or negative
// taxed base yields zero, as does an exempt line.
func UnitTaxShare(taxCents, unitPriceCents, taxedBaseCents int64) decimal.Decimal {
	if taxedBaseCents <= 0 || taxCents == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(taxCents).
		Mul(decimal.NewFromInt(unitPriceCents)).
		Div(decimal.NewFromInt(taxedBaseCents))
}

// ProratedTaxCents is the portion of a transaction's tax attributable to
// returnedBaseCents worth of its taxed base, rounded half up to whole
// cents. Used by the eligibility listing to net out prior returns; it
// agrees to the cent with summing UnitTaxShare over the returned units.
func ProratedTaxCents(taxCents, returnedBaseCents, taxedBaseCents int64) int64 {
	if taxedBaseCents <= 0 || taxCents == 0 || returnedBaseCents <= 0 {
		return 0
	}
	return roundToCents(decimal.NewFromInt(taxCents).
		Mul(decimal.NewFromInt(returnedBaseCents)).
		Div(decimal.NewFromInt(taxedBaseCents)))
}

// LineAmount is one committed return line as the totals calculation sees
// it: a clamped quantity, its unit price, and its exact unit tax share.
type LineAmount struct {
	Qty          int
	UnitPrice    int64
	UnitTaxShare decimal.Decimal
}

// Totals sums return lines into the three aggregate amounts. The subtotal
// is exact cent arithmetic; the tax is accumulated as exact decimals and
// rounded half up once at the end, never per line. When applyTax is false
// the tax is zero regardless of the lines.
func Totals(lines []LineAmount, applyTax bool) (subtotalCents, taxCents, totalCents int64) {
	tax := decimal.Zero
	for _, ln := range lines {
		subtotalCents += int64(ln.Qty) * ln.UnitPrice
		if applyTax {
			tax = tax.Add(ln.UnitTaxShare.Mul(decimal.NewFromInt(int64(ln.Qty))))
		}
	}
	taxCents = roundToCents(tax)
	totalCents = subtotalCents + taxCents
	return subtotalCents, taxCents, totalCents
}

// roundToCents rounds a decimal cent amount half up (away from zero on
// negatives) to a whole number of cents.
func roundToCents(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}
