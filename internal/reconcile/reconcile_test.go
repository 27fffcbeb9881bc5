package reconcile

import (
	"testing"

	"github.com/shopspring/decimal"

	"tokokita/backend/internal/domain"
)

func TestDeriveState(t *testing.T) {
	cases := []struct {
		name     string
		original int
		returned int
		want     string
	}{
		{"nothing returned", 10, 0, domain.StateActive},
		{"negative returned treated as active", 10, -2, domain.StateActive},
		{"partial", 10, 4, domain.StatePartiallyReturned},
		{"exactly full", 10, 10, domain.StateFullyReturned},
		{"over returned legacy data", 10, 12, domain.StateFullyReturned},
		{"zero original zero returned", 0, 0, domain.StateActive},
	}
	for _, tc := range cases {
		if got := DeriveState(tc.original, tc.returned); got != tc.want {
			t.Errorf("%s: DeriveState(%d, %d) = %q, want %q", tc.name, tc.original, tc.returned, got, tc.want)
		}
	}
}

func TestClampQty(t *testing.T) {
	cases := []struct {
		name            string
		requested       int
		original        int
		alreadyReturned int
		want            int
	}{
		{"within remaining", 4, 10, 0, 4},
		{"clamped to remaining", 10, 10, 4, 6},
		{"nothing left", 1, 10, 10, 0},
		{"over returned parent", 1, 10, 12, 0},
		{"negative request", -3, 10, 0, 0},
	}
	for _, tc := range cases {
		if got := ClampQty(tc.requested, tc.original, tc.alreadyReturned); got != tc.want {
			t.Errorf("%s: ClampQty(%d, %d, %d) = %d, want %d", tc.name, tc.requested, tc.original, tc.alreadyReturned, got, tc.want)
		}
	}
}

func TestStockSign(t *testing.T) {
	if got := StockSign(domain.KindSale); got != 1 {
		t.Errorf("sale sign = %d, want 1", got)
	}
	if got := StockSign(domain.KindPurchase); got != -1 {
		t.Errorf("purchase sign = %d, want -1", got)
	}
	if got := StockSign("refund"); got != 0 {
		t.Errorf("unknown sign = %d, want 0", got)
	}
}

func TestUnitTaxShareExactProration(t *testing.T) {
	// 10 units at 5.00 taxed, 6.00 of tax on the transaction: each unit
	// carries exactly 0.60 of tax.
	lines := []domain.TransactionLine{
		{SKU: "A1", Qty: 10, UnitPriceCents: 500, Taxable: true},
	}
	base := TaxedBaseCents(lines)
	if base != 5000 {
		t.Fatalf("taxed base = %d, want 5000", base)
	}
	share := UnitTaxShare(600, 500, base)
	if !share.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("unit tax share = %s cents, want 60", share)
	}
}

func TestTaxedBaseSkipsExemptLines(t *testing.T) {
	lines := []domain.TransactionLine{
		{SKU: "A1", Qty: 2, UnitPriceCents: 1000, Taxable: true},
		{SKU: "B2", Qty: 5, UnitPriceCents: 300, Taxable: false},
	}
	if got := TaxedBaseCents(lines); got != 2000 {
		t.Errorf("taxed base = %d, want 2000", got)
	}
}

func TestTotalsWorkedExample(t *testing.T) {
	// Returning 4 of 10 units at 5.00 each with 0.60 tax per unit must
	// come out to 20.00 + 2.40 = 22.40.
	lines := []LineAmount{
		{Qty: 4, UnitPrice: 500, UnitTaxShare: UnitTaxShare(600, 500, 5000)},
	}
	sub, tax, total := Totals(lines, true)
	if sub != 2000 || tax != 240 || total != 2240 {
		t.Fatalf("totals = (%d, %d, %d), want (2000, 240, 2240)", sub, tax, total)
	}
}

func TestTotalsRoundsOncePerAggregate(t *testing.T) {
	// Three units each carrying a third of a cent of tax: per-line
	// rounding would yield 0, summing first then rounding yields 1.
	third := decimal.NewFromInt(1).Div(decimal.NewFromInt(3))
	lines := []LineAmount{
		{Qty: 1, UnitPrice: 100, UnitTaxShare: third},
		{Qty: 1, UnitPrice: 100, UnitTaxShare: third},
		{Qty: 1, UnitPrice: 100, UnitTaxShare: third},
	}
	_, tax, _ := Totals(lines, true)
	if tax != 1 {
		t.Fatalf("tax = %d, want 1 (rounded after summation)", tax)
	}
}

func TestTotalsApplyTaxFalse(t *testing.T) {
	lines := []LineAmount{
		{Qty: 4, UnitPrice: 500, UnitTaxShare: UnitTaxShare(600, 500, 5000)},
	}
	sub, tax, total := Totals(lines, false)
	if sub != 2000 || tax != 0 || total != 2000 {
		t.Fatalf("totals = (%d, %d, %d), want (2000, 0, 2000)", sub, tax, total)
	}
}

func TestZeroTaxedBaseNeverProducesTax(t *testing.T) {
	if !UnitTaxShare(600, 500, 0).IsZero() {
		t.Error("unit tax share with zero base should be zero")
	}
	if got := ProratedTaxCents(600, 2000, 0); got != 0 {
		t.Errorf("prorated tax with zero base = %d, want 0", got)
	}
}

func TestProratedTaxAgreesWithUnitShares(t *testing.T) {
	// The listing's aggregate proration and the committer's per-unit
	// shares must land on the same cents for the same returned units.
	const tax, price, qty = 600, 500, 10
	base := int64(price * qty)
	for returned := 0; returned <= qty; returned++ {
		returnedBase := int64(returned * price)
		aggregate := ProratedTaxCents(tax, returnedBase, base)
		_, perUnit, _ := Totals([]LineAmount{
			{Qty: returned, UnitPrice: price, UnitTaxShare: UnitTaxShare(tax, price, base)},
		}, true)
		if aggregate != perUnit {
			t.Errorf("returned %d: aggregate %d != per-unit %d", returned, aggregate, perUnit)
		}
	}
}

func TestProratedTaxHalfUpRounding(t *testing.T) {
	// 1.00 of tax over a base of 200 cents, returning 1 cent of base:
	// exact share is 0.5 cents, half up rounds to 1.
	if got := ProratedTaxCents(100, 1, 200); got != 1 {
		t.Errorf("prorated tax = %d, want 1 (half up)", got)
	}
}
