package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tokokita/backend/internal/cache"
	"tokokita/backend/internal/domain"
	"tokokita/backend/internal/reconcile"
	"tokokita/backend/internal/store"
	"tokokita/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// eligiblePageSize bounds every finder listing.
const eligiblePageSize = 200

// legacyScanLimit bounds how far back the origin resolver searches.
const legacyScanLimit = 10000

type Service struct {
	repo          store.Repository
	eligibleCache cache.EligibleCache
	cacheTTL      time.Duration
}

func New(repo store.Repository, eligibleCache cache.EligibleCache, cacheTTL time.Duration) *Service {
	if eligibleCache == nil {
		eligibleCache = cache.NoopEligibleCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	return &Service{
		repo:          repo,
		eligibleCache: eligibleCache,
		cacheTTL:      cacheTTL,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)

	if req.SKU == "" || req.Name == "" || req.Category == "" {
		return domain.Product{}, store.ErrInvalidArgument
	}
	if req.PriceCents < 1 || req.CostCents < 0 || req.InitialStock < 0 {
		return domain.Product{}, store.ErrInvalidArgument
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		SKU:        req.SKU,
		Name:       req.Name,
		Category:   req.Category,
		PriceCents: req.PriceCents,
		CostCents:  req.CostCents,
		StockQty:   req.InitialStock,
		Taxable:    req.Taxable,
		Active:     true,
	})
	if err != nil {
		return domain.Product{}, err
	}
	return *created, nil
}

func (s *Service) CreateCounterparty(ctx context.Context, req domain.CounterpartyCreateRequest) (domain.Counterparty, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Counterparty{}, fmt.Errorf("admin role required")
	}

	req.Kind = strings.ToLower(strings.TrimSpace(req.Kind))
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || (req.Kind != domain.CounterpartyCustomer && req.Kind != domain.CounterpartySupplier) {
		return domain.Counterparty{}, store.ErrInvalidArgument
	}

	created, err := s.repo.CreateCounterparty(ctx, domain.Counterparty{
		Kind:  req.Kind,
		Name:  req.Name,
		Phone: strings.TrimSpace(req.Phone),
	})
	if err != nil {
		return domain.Counterparty{}, err
	}
	return *created, nil
}

func (s *Service) ListCounterparties(ctx context.Context, kind string) ([]domain.Counterparty, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind != "" && kind != domain.CounterpartyCustomer && kind != domain.CounterpartySupplier {
		return nil, store.ErrInvalidArgument
	}
	return s.repo.ListCounterparties(ctx, kind)
}

// RecordTransaction ingests a completed sale or purchase so the returns
// flow can see it. Unit prices and taxability come from the catalog; the
// tax is charged on the taxed base at the requested rate.
func (s *Service) RecordTransaction(ctx context.Context, req domain.TransactionCreateRequest) (domain.Transaction, error) {
	req.Kind = strings.ToLower(strings.TrimSpace(req.Kind))
	if !reconcile.ValidKind(req.Kind) || len(req.Lines) == 0 {
		return domain.Transaction{}, store.ErrInvalidArgument
	}
	if req.TaxRateBps < 0 {
		return domain.Transaction{}, store.ErrInvalidArgument
	}

	date := time.Now().UTC()
	if strings.TrimSpace(req.Date) != "" {
		parsed, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			return domain.Transaction{}, store.ErrInvalidArgument
		}
		date = parsed
	}

	qtyBySKU := make(map[string]int, len(req.Lines))
	order := make([]string, 0, len(req.Lines))
	for _, ln := range req.Lines {
		sku := strings.ToUpper(strings.TrimSpace(ln.SKU))
		if sku == "" || ln.Qty < 1 {
			return domain.Transaction{}, store.ErrInvalidArgument
		}
		if _, seen := qtyBySKU[sku]; !seen {
			order = append(order, sku)
		}
		qtyBySKU[sku] += ln.Qty
	}

	products, err := s.repo.GetProductsBySKUs(ctx, order)
	if err != nil {
		return domain.Transaction{}, err
	}

	lines := make([]domain.TransactionLine, 0, len(order))
	var subtotalTaxed, subtotalExempt int64
	for i, sku := range order {
		product, exists := products[sku]
		if !exists || !product.Active {
			return domain.Transaction{}, fmt.Errorf("sku %s unavailable", sku)
		}
		unitPrice := product.PriceCents
		if req.Kind == domain.KindPurchase && product.CostCents > 0 {
			unitPrice = product.CostCents
		}
		qty := qtyBySKU[sku]
		lines = append(lines, domain.TransactionLine{
			LineNumber:     i + 1,
			SKU:            sku,
			Description:    product.Name,
			Qty:            qty,
			UnitPriceCents: unitPrice,
			Taxable:        product.Taxable,
		})
		if product.Taxable {
			subtotalTaxed += int64(qty) * unitPrice
		} else {
			subtotalExempt += int64(qty) * unitPrice
		}
	}

	tax := decimal.NewFromInt(subtotalTaxed).
		Mul(decimal.NewFromInt(req.TaxRateBps)).
		Div(decimal.NewFromInt(10000)).
		Round(0).IntPart()

	created, err := s.repo.CreateTransaction(ctx, domain.Transaction{
		Kind:                req.Kind,
		CounterpartyID:      strings.TrimSpace(req.CounterpartyID),
		Date:                date,
		SubtotalTaxedCents:  subtotalTaxed,
		SubtotalExemptCents: subtotalExempt,
		TaxCents:            tax,
		TotalCents:          subtotalTaxed + subtotalExempt + tax,
		PaymentMethod:       strings.TrimSpace(req.PaymentMethod),
		Lines:               lines,
	})
	if err != nil {
		return domain.Transaction{}, err
	}

	s.invalidateEligible(ctx, req.Kind)
	return *created, nil
}

// ListEligible lists transactions a new return could be booked against,
// newest first, with net figures after everything already returned.
func (s *Service) ListEligible(ctx context.Context, kind string, query domain.EligibleQuery) ([]domain.EligibleTransactionSummary, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if !reconcile.ValidKind(kind) {
		return nil, store.ErrInvalidArgument
	}

	from, to, err := parseDateRange(query.DateFrom, query.DateTo)
	if err != nil {
		return nil, err
	}
	filter := strings.ToLower(strings.TrimSpace(query.Counterparty))

	cacheKey := fmt.Sprintf("%s|%s|%s", query.DateFrom, query.DateTo, filter)
	if cached, hit, err := s.eligibleCache.Get(ctx, kind, cacheKey); err != nil {
		log.Printf("[service] WARN: eligible cache read failed: %v", err)
	} else if hit {
		return cached, nil
	}

	states := []string{domain.StateActive, domain.StatePartiallyReturned}
	transactions, err := s.repo.ListTransactions(ctx, kind, from, to, states, eligiblePageSize)
	if err != nil {
		return nil, err
	}

	// Counterparty names are display enrichment only; a lookup failure
	// degrades to empty names instead of failing the listing.
	ids := make([]string, 0, len(transactions))
	for _, tx := range transactions {
		if tx.CounterpartyID != "" {
			ids = append(ids, tx.CounterpartyID)
		}
	}
	names, err := s.repo.GetCounterpartiesByIDs(ctx, ids)
	if err != nil {
		log.Printf("[service] WARN: counterparty lookup failed: %v", err)
		names = map[string]domain.Counterparty{}
	}

	result := make([]domain.EligibleTransactionSummary, 0, len(transactions))
	for _, tx := range transactions {
		name := names[tx.CounterpartyID].Name
		if filter != "" &&
			!strings.Contains(strings.ToLower(tx.CounterpartyID), filter) &&
			!strings.Contains(strings.ToLower(name), filter) {
			continue
		}

		summary, err := s.summarize(ctx, tx, name)
		if err != nil {
			return nil, err
		}
		result = append(result, summary)
	}

	if err := s.eligibleCache.Set(ctx, kind, cacheKey, result, s.cacheTTL); err != nil {
		log.Printf("[service] WARN: eligible cache write failed: %v", err)
	}
	return result, nil
}

// summarize nets out the returns already booked against one transaction.
func (s *Service) summarize(ctx context.Context, tx domain.Transaction, counterpartyName string) (domain.EligibleTransactionSummary, error) {
	returns, err := s.repo.ListReturnsByOrigin(ctx, tx.Kind, tx.ID)
	if err != nil {
		return domain.EligibleTransactionSummary{}, err
	}

	taxedBase := reconcile.TaxedBaseCents(tx.Lines)
	taxableBySKU := make(map[string]bool, len(tx.Lines))
	for _, ln := range tx.Lines {
		if ln.Taxable {
			taxableBySKU[ln.SKU] = true
		}
	}

	var returnedTotal, returnedSubtotal, returnedTaxedBase int64
	count := 0
	for _, ret := range returns {
		if ret.Reversed {
			continue
		}
		count++
		returnedTotal += ret.TotalCents
		returnedSubtotal += ret.SubtotalCents
		for _, ln := range ret.Lines {
			if taxableBySKU[ln.SKU] {
				returnedTaxedBase += int64(ln.Qty) * ln.UnitPriceCents
			}
		}
	}

	netSubtotal := tx.SubtotalTaxedCents + tx.SubtotalExemptCents - returnedSubtotal
	if netSubtotal < 0 {
		netSubtotal = 0
	}
	netTax := tx.TaxCents - reconcile.ProratedTaxCents(tx.TaxCents, returnedTaxedBase, taxedBase)
	if netTax < 0 {
		netTax = 0
	}
	netTotal := tx.TotalCents - returnedTotal
	if netTotal < 0 {
		netTotal = 0
	}

	return domain.EligibleTransactionSummary{
		TransactionID:    tx.ID,
		CounterpartyID:   tx.CounterpartyID,
		CounterpartyName: counterpartyName,
		Date:             tx.Date,
		TotalCents:       tx.TotalCents,
		ReturnedCents:    returnedTotal,
		NetSubtotalCents: netSubtotal,
		NetTaxCents:      netTax,
		NetTotalCents:    netTotal,
		ReturnCount:      count,
		LifecycleState:   tx.LifecycleState,
	}, nil
}

// LoadReturnableLines reconciles one transaction against its prior
// returns: per product, how much may still come back, and the exact tax
// share one unit carries.
func (s *Service) LoadReturnableLines(ctx context.Context, kind string, transactionID string) (domain.ReturnableLines, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if !reconcile.ValidKind(kind) || strings.TrimSpace(transactionID) == "" {
		return domain.ReturnableLines{}, store.ErrInvalidArgument
	}

	tx, err := s.repo.GetTransaction(ctx, kind, transactionID)
	if err != nil {
		return domain.ReturnableLines{}, err
	}

	returned, err := s.repo.ReturnedQtyBySKU(ctx, kind, tx.ID)
	if err != nil {
		return domain.ReturnableLines{}, err
	}

	grouped := groupLinesBySKU(tx.Lines)
	taxedBase := reconcile.TaxedBaseCents(tx.Lines)

	skus := make([]string, 0, len(grouped))
	for _, ln := range grouped {
		skus = append(skus, ln.SKU)
	}
	// Catalog names may have been corrected since the transaction was
	// recorded; the stored description is the fallback for purged SKUs.
	// Taxability stays as recorded so the shares keep agreeing with the
	// transaction's own tax.
	products, err := s.repo.GetProductsBySKUs(ctx, skus)
	if err != nil {
		log.Printf("[service] WARN: catalog lookup for %s failed: %v", tx.ID, err)
		products = map[string]domain.Product{}
	}

	lines := make([]domain.ReturnableLine, 0, len(grouped))
	for _, ln := range grouped {
		already := returned[ln.SKU]
		remaining := ln.Qty - already
		if remaining < 0 {
			remaining = 0
		}
		share := decimal.Zero
		if ln.Taxable {
			share = reconcile.UnitTaxShare(tx.TaxCents, ln.UnitPriceCents, taxedBase)
		}
		description := ln.Description
		if p, ok := products[ln.SKU]; ok && p.Name != "" {
			description = p.Name
		}
		lines = append(lines, domain.ReturnableLine{
			SKU:             ln.SKU,
			Description:     description,
			OriginalQty:     ln.Qty,
			AlreadyReturned: already,
			RemainingQty:    remaining,
			UnitPriceCents:  ln.UnitPriceCents,
			Taxable:         ln.Taxable,
			UnitTaxShare:    share,
		})
	}

	return domain.ReturnableLines{
		Transaction:    *tx,
		TaxedBaseCents: taxedBase,
		Lines:          lines,
	}, nil
}

// CommitReturn validates a return request against fresh storage state,
// clamps each quantity to what is still returnable, drops lines clamped
// to zero, and persists the surviving lines atomically.
func (s *Service) CommitReturn(ctx context.Context, kind string, req domain.CommitReturnRequest) (domain.ReturnReceipt, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if !reconcile.ValidKind(kind) || strings.TrimSpace(req.TransactionID) == "" {
		return domain.ReturnReceipt{}, store.ErrInvalidArgument
	}
	if len(req.Lines) == 0 {
		return domain.ReturnReceipt{}, store.ErrNoValidQuantity
	}

	tx, err := s.repo.GetTransaction(ctx, kind, req.TransactionID)
	if err != nil {
		return domain.ReturnReceipt{}, err
	}
	returned, err := s.repo.ReturnedQtyBySKU(ctx, kind, tx.ID)
	if err != nil {
		return domain.ReturnReceipt{}, err
	}

	grouped := groupLinesBySKU(tx.Lines)
	originalBySKU := make(map[string]domain.TransactionLine, len(grouped))
	for _, ln := range grouped {
		originalBySKU[ln.SKU] = ln
	}
	taxedBase := reconcile.TaxedBaseCents(tx.Lines)

	requestedBySKU := make(map[string]int, len(req.Lines))
	order := make([]string, 0, len(req.Lines))
	for _, ln := range req.Lines {
		sku := strings.ToUpper(strings.TrimSpace(ln.SKU))
		if sku == "" {
			return domain.ReturnReceipt{}, store.ErrInvalidArgument
		}
		if _, seen := requestedBySKU[sku]; !seen {
			order = append(order, sku)
		}
		requestedBySKU[sku] += ln.Qty
	}

	retLines := make([]domain.ReturnLine, 0, len(order))
	amounts := make([]reconcile.LineAmount, 0, len(order))
	for _, sku := range order {
		original, exists := originalBySKU[sku]
		if !exists {
			return domain.ReturnReceipt{}, store.ErrInvalidReturn
		}
		qty := reconcile.ClampQty(requestedBySKU[sku], original.Qty, returned[sku])
		if qty == 0 {
			continue
		}
		share := decimal.Zero
		if original.Taxable {
			share = reconcile.UnitTaxShare(tx.TaxCents, original.UnitPriceCents, taxedBase)
		}
		retLines = append(retLines, domain.ReturnLine{
			SKU:            sku,
			Description:    original.Description,
			Qty:            qty,
			UnitPriceCents: original.UnitPriceCents,
		})
		amounts = append(amounts, reconcile.LineAmount{
			Qty:          qty,
			UnitPrice:    original.UnitPriceCents,
			UnitTaxShare: share,
		})
	}
	if len(retLines) == 0 {
		return domain.ReturnReceipt{}, store.ErrNoValidQuantity
	}

	subtotal, tax, total := reconcile.Totals(amounts, req.ApplyTax)

	actor, _ := ActorFromContext(ctx)
	created, err := s.repo.CreateReturn(ctx, domain.Return{
		ID:                  xid.New(returnIDPrefix(kind)),
		Kind:                kind,
		OriginTransactionID: tx.ID,
		CounterpartyID:      tx.CounterpartyID,
		Date:                time.Now().UTC(),
		SubtotalCents:       subtotal,
		TaxCents:            tax,
		TotalCents:          total,
		ActorUsername:       actor.Username,
		Lines:               retLines,
	})
	if err != nil {
		return domain.ReturnReceipt{}, err
	}

	// The commit re-derived the origin's lifecycle state; read it back
	// for the receipt.
	state := tx.LifecycleState
	if updated, err := s.repo.GetTransaction(ctx, kind, tx.ID); err == nil {
		state = updated.LifecycleState
	} else {
		log.Printf("[service] WARN: reread of %s after return commit failed: %v", tx.ID, err)
	}

	s.logAudit(ctx, "return_commit", "return", created.ID,
		fmt.Sprintf("origin=%s,subtotal=%d,tax=%d,total=%d", tx.ID, subtotal, tax, total))
	s.invalidateEligible(ctx, kind)

	return domain.ReturnReceipt{Return: *created, LifecycleState: state}, nil
}

// DeleteReturn undoes a committed return. Deleting an id that no longer
// exists is a no-op, so retries and double-clicks are harmless.
func (s *Service) DeleteReturn(ctx context.Context, kind string, returnID string) error {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if !reconcile.ValidKind(kind) || strings.TrimSpace(returnID) == "" {
		return store.ErrInvalidArgument
	}

	deleted, err := s.repo.DeleteReturn(ctx, kind, returnID)
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}

	s.logAudit(ctx, "return_delete", "return", returnID, "")
	s.invalidateEligible(ctx, kind)
	return nil
}

// GetReturn fetches one return with its origin transaction. For purchase
// returns with no stored origin link, the legacy resolver runs first.
func (s *Service) GetReturn(ctx context.Context, kind string, returnID string) (domain.ReturnDetail, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if !reconcile.ValidKind(kind) || strings.TrimSpace(returnID) == "" {
		return domain.ReturnDetail{}, store.ErrInvalidArgument
	}

	ret, err := s.repo.GetReturn(ctx, kind, returnID)
	if err != nil {
		return domain.ReturnDetail{}, err
	}

	detail := domain.ReturnDetail{Return: *ret}
	if ret.OriginTransactionID == "" && kind == domain.KindPurchase {
		originID, err := s.ResolveOriginTransaction(ctx, returnID)
		if err != nil {
			log.Printf("[service] WARN: origin resolution for %s failed: %v", returnID, err)
		} else if originID != "" {
			ret.OriginTransactionID = originID
			detail.Return.OriginTransactionID = originID
			detail.OriginResolved = true
		}
	}

	if ret.OriginTransactionID != "" {
		origin, err := s.repo.GetTransaction(ctx, kind, ret.OriginTransactionID)
		if err != nil {
			// The link may point at data that was purged; the return is
			// still displayable on its own.
			log.Printf("[service] WARN: origin transaction %s for return %s not readable: %v", ret.OriginTransactionID, returnID, err)
		} else {
			detail.Origin = origin
		}
	}
	return detail, nil
}

// ResolveOriginTransaction recovers the origin link of a purchase return
// imported before the origin column existed. It is heuristic and
// best-effort: an ambiguous or empty candidate set yields "" without an
// error, and a unique survivor is written back and audited.
func (s *Service) ResolveOriginTransaction(ctx context.Context, returnID string) (string, error) {
	ret, err := s.repo.GetReturn(ctx, domain.KindPurchase, returnID)
	if err != nil {
		return "", err
	}
	if ret.OriginTransactionID != "" {
		return ret.OriginTransactionID, nil
	}

	candidates, err := s.repo.ListTransactions(ctx, domain.KindPurchase, nil, nil, nil, legacyScanLimit)
	if err != nil {
		return "", err
	}

	// Amount match: candidates whose own line sum lands on the return's
	// recorded total, cent for cent.
	matched := candidates[:0]
	for _, tx := range candidates {
		var sum int64
		for _, ln := range tx.Lines {
			sum += int64(ln.Qty) * ln.UnitPriceCents
		}
		if sum == ret.TotalCents {
			matched = append(matched, tx)
		}
	}

	// Counterparty narrowing, when the return knows its supplier.
	if len(matched) > 1 && ret.CounterpartyID != "" {
		narrowed := matched[:0]
		for _, tx := range matched {
			if tx.CounterpartyID == ret.CounterpartyID {
				narrowed = append(narrowed, tx)
			}
		}
		if len(narrowed) > 0 {
			matched = narrowed
		}
	}

	// Date-proximity tiebreak. An exact tie stays ambiguous.
	if len(matched) > 1 {
		best, bestDist := matched[0], absDuration(matched[0].Date.Sub(ret.Date))
		ambiguous := false
		for _, tx := range matched[1:] {
			dist := absDuration(tx.Date.Sub(ret.Date))
			switch {
			case dist < bestDist:
				best, bestDist, ambiguous = tx, dist, false
			case dist == bestDist:
				ambiguous = true
			}
		}
		if ambiguous {
			return "", nil
		}
		matched = []domain.Transaction{best}
	}

	if len(matched) != 1 {
		return "", nil
	}

	origin := matched[0]
	// The write-back needs the origin column; on an older schema the
	// resolution still answers the lookup, it just cannot persist.
	if !s.repo.Capabilities().PurchaseReturnOrigin {
		return origin.ID, nil
	}
	if err := s.repo.SetReturnOrigin(ctx, domain.KindPurchase, returnID, origin.ID); err != nil {
		return "", err
	}
	s.logAudit(ctx, "return_origin_resolved", "return", returnID,
		fmt.Sprintf("origin=%s,total=%d,counterparty=%s", origin.ID, ret.TotalCents, ret.CounterpartyID))
	s.invalidateEligible(ctx, domain.KindPurchase)
	return origin.ID, nil
}

func (s *Service) ListReturns(ctx context.Context, kind string, limit int) ([]domain.Return, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if !reconcile.ValidKind(kind) {
		return nil, store.ErrInvalidArgument
	}
	return s.repo.ListReturns(ctx, kind, limit)
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("admin role required")
	}

	var from, to time.Time
	if strings.TrimSpace(date) != "" {
		day, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidArgument
		}
		from = day
		to = day.Add(24 * time.Hour)
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) Capabilities() domain.SchemaCapabilities {
	return s.repo.Capabilities()
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func (s *Service) invalidateEligible(ctx context.Context, kind string) {
	if err := s.eligibleCache.Invalidate(ctx, kind); err != nil {
		log.Printf("[service] WARN: eligible cache invalidation for %s failed: %v", kind, err)
	}
}

// groupLinesBySKU merges duplicate lines of a transaction into one row per
// product, keeping first-seen order and the first positive unit price.
func groupLinesBySKU(lines []domain.TransactionLine) []domain.TransactionLine {
	bySKU := make(map[string]int, len(lines))
	grouped := make([]domain.TransactionLine, 0, len(lines))
	for _, ln := range lines {
		idx, seen := bySKU[ln.SKU]
		if !seen {
			bySKU[ln.SKU] = len(grouped)
			grouped = append(grouped, ln)
			continue
		}
		grouped[idx].Qty += ln.Qty
		if grouped[idx].UnitPriceCents < 1 {
			grouped[idx].UnitPriceCents = ln.UnitPriceCents
		}
		grouped[idx].Taxable = grouped[idx].Taxable || ln.Taxable
	}
	return grouped
}

func parseDateRange(fromStr string, toStr string) (*time.Time, *time.Time, error) {
	var from, to *time.Time
	if strings.TrimSpace(fromStr) != "" {
		parsed, err := time.Parse("2006-01-02", fromStr)
		if err != nil {
			return nil, nil, store.ErrInvalidArgument
		}
		from = &parsed
	}
	if strings.TrimSpace(toStr) != "" {
		parsed, err := time.Parse("2006-01-02", toStr)
		if err != nil {
			return nil, nil, store.ErrInvalidArgument
		}
		// Inclusive end of day.
		end := parsed.Add(24 * time.Hour)
		to = &end
	}
	if from != nil && to != nil && to.Before(*from) {
		return nil, nil, store.ErrInvalidArgument
	}
	return from, to, nil
}

func returnIDPrefix(kind string) string {
	if kind == domain.KindPurchase {
		return "pret"
	}
	return "sret"
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
