package memory

import (
	"context"
	"errors"
	"testing"

	"tokokita/backend/internal/domain"
	"tokokita/backend/internal/store"
)

func productStock(t *testing.T, s *Store, sku string) int {
	t.Helper()
	p, err := s.GetProductBySKU(context.Background(), sku)
	if err != nil {
		t.Fatalf("get product %s failed: %v", sku, err)
	}
	return p.StockQty
}

func TestCreateReturnAdjustsStockBySign(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	before := productStock(t, s, "SKU-SUSU-01")
	saleRet, err := s.CreateReturn(ctx, domain.Return{
		Kind:                domain.KindSale,
		OriginTransactionID: "sale-demo-0001",
		Lines: []domain.ReturnLine{
			{SKU: "SKU-SUSU-01", Qty: 2, UnitPriceCents: 18900},
		},
	})
	if err != nil {
		t.Fatalf("sale return failed: %v", err)
	}
	if got := productStock(t, s, "SKU-SUSU-01"); got != before+2 {
		t.Fatalf("sale return must restock, expected %d got %d", before+2, got)
	}

	beforeKopi := productStock(t, s, "SKU-KOPI-01")
	_, err = s.CreateReturn(ctx, domain.Return{
		Kind:                domain.KindPurchase,
		OriginTransactionID: "pur-demo-0001",
		Lines: []domain.ReturnLine{
			{SKU: "SKU-KOPI-01", Qty: 5, UnitPriceCents: 1700},
		},
	})
	if err != nil {
		t.Fatalf("purchase return failed: %v", err)
	}
	if got := productStock(t, s, "SKU-KOPI-01"); got != beforeKopi-5 {
		t.Fatalf("purchase return must ship back, expected %d got %d", beforeKopi-5, got)
	}

	// Undoing the sale return puts stock back where it was.
	deleted, err := s.DeleteReturn(ctx, domain.KindSale, saleRet.ID)
	if err != nil || !deleted {
		t.Fatalf("delete sale return failed: deleted=%v err=%v", deleted, err)
	}
	if got := productStock(t, s, "SKU-SUSU-01"); got != before {
		t.Fatalf("expected stock restored to %d, got %d", before, got)
	}
}

func TestCreateReturnRejectsOverReturn(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	_, err := s.CreateReturn(ctx, domain.Return{
		Kind:                domain.KindSale,
		OriginTransactionID: "sale-demo-0001",
		Lines: []domain.ReturnLine{
			{SKU: "SKU-SUSU-01", Qty: 11, UnitPriceCents: 18900},
		},
	})
	if !errors.Is(err, store.ErrInvalidReturn) {
		t.Fatalf("expected ErrInvalidReturn for over-return, got %v", err)
	}
}

func TestCreateReturnRederivesLifecycle(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	_, err := s.CreateReturn(ctx, domain.Return{
		Kind:                domain.KindSale,
		OriginTransactionID: "sale-demo-0001",
		Lines: []domain.ReturnLine{
			{SKU: "SKU-SUSU-01", Qty: 10, UnitPriceCents: 18900},
			{SKU: "SKU-ROTI-01", Qty: 2, UnitPriceCents: 17800},
		},
	})
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}

	tx, err := s.GetTransaction(ctx, domain.KindSale, "sale-demo-0001")
	if err != nil {
		t.Fatalf("get transaction failed: %v", err)
	}
	if tx.LifecycleState != domain.StateFullyReturned {
		t.Fatalf("expected fully_returned, got %s", tx.LifecycleState)
	}
}

func TestDeleteReturnIsIdempotent(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	deleted, err := s.DeleteReturn(ctx, domain.KindSale, "sret-tidak-ada")
	if err != nil {
		t.Fatalf("delete of missing return must not error, got %v", err)
	}
	if deleted {
		t.Fatalf("expected deleted=false for missing return")
	}
}

func TestReturnedQtyBySKUSkipsReversed(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	_, err := s.CreateReturn(ctx, domain.Return{
		Kind:                domain.KindSale,
		OriginTransactionID: "sale-demo-0001",
		Reversed:            true,
		Lines: []domain.ReturnLine{
			{SKU: "SKU-SUSU-01", Qty: 2, UnitPriceCents: 18900},
		},
	})
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}

	returned, err := s.ReturnedQtyBySKU(ctx, domain.KindSale, "sale-demo-0001")
	if err != nil {
		t.Fatalf("returned qty failed: %v", err)
	}
	if returned["SKU-SUSU-01"] != 0 {
		t.Fatalf("reversed returns must not count, got %d", returned["SKU-SUSU-01"])
	}
}

func TestSetReturnOriginRederivesParent(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	if err := s.SetReturnOrigin(ctx, domain.KindPurchase, "pret-legacy-0001", "pur-demo-0002"); err != nil {
		t.Fatalf("set origin failed: %v", err)
	}

	ret, err := s.GetReturn(ctx, domain.KindPurchase, "pret-legacy-0001")
	if err != nil {
		t.Fatalf("get return failed: %v", err)
	}
	if ret.OriginTransactionID != "pur-demo-0002" {
		t.Fatalf("expected origin written back, got %q", ret.OriginTransactionID)
	}

	tx, err := s.GetTransaction(ctx, domain.KindPurchase, "pur-demo-0002")
	if err != nil {
		t.Fatalf("get transaction failed: %v", err)
	}
	if tx.LifecycleState != domain.StateFullyReturned {
		t.Fatalf("expected fully_returned after linking a full return, got %s", tx.LifecycleState)
	}
}
