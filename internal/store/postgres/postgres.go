package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tokokita/backend/internal/domain"
	"tokokita/backend/internal/reconcile"
	"tokokita/backend/internal/store"
	"tokokita/backend/internal/xid"
)

type Store struct {
	db   *sql.DB
	caps domain.SchemaCapabilities
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.probeCapabilities(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// probeCapabilities checks once, at construction, which optional columns
// the schema carries. Databases migrated from older releases may lack the
// origin column on returns; the resolver compensates at read time.
func (s *Store) probeCapabilities(ctx context.Context) error {
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name = 'returns' AND column_name = 'origin_transaction_id'
		)
	`).Scan(&s.caps.PurchaseReturnOrigin)
	if err != nil {
		return err
	}
	if !s.caps.PurchaseReturnOrigin {
		log.Println("[postgres-store] WARN: returns.origin_transaction_id column missing; legacy resolution active")
	}
	return nil
}

func (s *Store) Capabilities() domain.SchemaCapabilities {
	return s.caps
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, category, price_cents, cost_cents, stock_qty, taxable, active
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.Category, &p.PriceCents, &p.CostCents, &p.StockQty, &p.Taxable, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.PriceCents < 0 {
		return nil, store.ErrInvalidArgument
	}

	product.Active = true
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (sku, name, category, price_cents, cost_cents, stock_qty, taxable, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),now())
	`, product.SKU, product.Name, product.Category, product.PriceCents, product.CostCents, product.StockQty, product.Taxable, product.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrAlreadyExists
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT sku, name, category, price_cents, cost_cents, stock_qty, taxable, active
		FROM products
		WHERE sku = $1
	`, sku).Scan(&p.SKU, &p.Name, &p.Category, &p.PriceCents, &p.CostCents, &p.StockQty, &p.Taxable, &p.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductsBySKUs(ctx context.Context, skus []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(skus))
	if len(skus) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, category, price_cents, cost_cents, stock_qty, taxable, active
		FROM products
		WHERE sku = ANY($1)
	`, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.Category, &p.PriceCents, &p.CostCents, &p.StockQty, &p.Taxable, &p.Active); err != nil {
			return nil, err
		}
		result[p.SKU] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateCounterparty(ctx context.Context, cp domain.Counterparty) (*domain.Counterparty, error) {
	if cp.Name == "" || (cp.Kind != domain.CounterpartyCustomer && cp.Kind != domain.CounterpartySupplier) {
		return nil, store.ErrInvalidArgument
	}
	if cp.ID == "" {
		cp.ID = xid.New("cp")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counterparties (id, kind, name, phone, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, cp.ID, cp.Kind, cp.Name, nullIfEmpty(cp.Phone), cp.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrAlreadyExists
		}
		return nil, err
	}

	created := cp
	return &created, nil
}

func (s *Store) ListCounterparties(ctx context.Context, kind string) ([]domain.Counterparty, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, name, COALESCE(phone, ''), created_at
		FROM counterparties
		WHERE $1 = '' OR kind = $1
		ORDER BY name ASC
	`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Counterparty, 0, 64)
	for rows.Next() {
		var cp domain.Counterparty
		if err := rows.Scan(&cp.ID, &cp.Kind, &cp.Name, &cp.Phone, &cp.CreatedAt); err != nil {
			return nil, err
		}
		cp.CreatedAt = cp.CreatedAt.UTC()
		result = append(result, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetCounterpartiesByIDs(ctx context.Context, ids []string) (map[string]domain.Counterparty, error) {
	result := make(map[string]domain.Counterparty, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, name, COALESCE(phone, ''), created_at
		FROM counterparties
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var cp domain.Counterparty
		if err := rows.Scan(&cp.ID, &cp.Kind, &cp.Name, &cp.Phone, &cp.CreatedAt); err != nil {
			return nil, err
		}
		result[cp.ID] = cp
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if !reconcile.ValidKind(tx.Kind) || len(tx.Lines) == 0 {
		return nil, store.ErrInvalidArgument
	}
	for _, ln := range tx.Lines {
		if ln.Qty < 1 || ln.SKU == "" {
			return nil, store.ErrInvalidArgument
		}
	}
	if tx.ID == "" {
		tx.ID = xid.New(tx.Kind)
	}
	now := time.Now().UTC()
	if tx.Date.IsZero() {
		tx.Date = now
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.LifecycleState = domain.StateActive
	for i := range tx.Lines {
		if tx.Lines[i].LineNumber == 0 {
			tx.Lines[i].LineNumber = i + 1
		}
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO transactions
			(id, kind, counterparty_id, date, subtotal_taxed_cents, subtotal_exempt_cents,
			 tax_cents, total_cents, payment_method, lifecycle_state, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, tx.ID, tx.Kind, nullIfEmpty(tx.CounterpartyID), tx.Date, tx.SubtotalTaxedCents, tx.SubtotalExemptCents,
		tx.TaxCents, tx.TotalCents, nullIfEmpty(tx.PaymentMethod), tx.LifecycleState, tx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrAlreadyExists
		}
		return nil, err
	}

	sign := reconcile.StockSign(tx.Kind)
	for _, ln := range tx.Lines {
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO transaction_lines (transaction_id, line_number, sku, description, qty, unit_price_cents, taxable)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, tx.ID, ln.LineNumber, ln.SKU, ln.Description, ln.Qty, ln.UnitPriceCents, ln.Taxable)
		if err != nil {
			return nil, err
		}
		// A sale ships goods out, a purchase brings them in.
		_, err = pgTx.ExecContext(ctx, `
			UPDATE products SET stock_qty = stock_qty - $1, updated_at = now() WHERE sku = $2
		`, sign*ln.Qty, ln.SKU)
		if err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	created := tx
	return &created, nil
}

func (s *Store) GetTransaction(ctx context.Context, kind string, id string) (*domain.Transaction, error) {
	var tx domain.Transaction
	var counterparty, payment sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, counterparty_id, date, subtotal_taxed_cents, subtotal_exempt_cents,
		       tax_cents, total_cents, payment_method, lifecycle_state, created_at
		FROM transactions
		WHERE id = $1 AND kind = $2
	`, id, kind).Scan(&tx.ID, &tx.Kind, &counterparty, &tx.Date, &tx.SubtotalTaxedCents, &tx.SubtotalExemptCents,
		&tx.TaxCents, &tx.TotalCents, &payment, &tx.LifecycleState, &tx.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	tx.CounterpartyID = counterparty.String
	tx.PaymentMethod = payment.String
	tx.Date = tx.Date.UTC()
	tx.CreatedAt = tx.CreatedAt.UTC()

	linesByID, err := s.transactionLines(ctx, []string{tx.ID})
	if err != nil {
		return nil, err
	}
	tx.Lines = linesByID[tx.ID]
	return &tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, kind string, from *time.Time, to *time.Time, states []string, limit int) ([]domain.Transaction, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, counterparty_id, date, subtotal_taxed_cents, subtotal_exempt_cents,
		       tax_cents, total_cents, payment_method, lifecycle_state, created_at
		FROM transactions
		WHERE kind = $1
		  AND ($2::timestamptz IS NULL OR date >= $2)
		  AND ($3::timestamptz IS NULL OR date < $3)
		  AND (cardinality($4::text[]) = 0 OR lifecycle_state = ANY($4))
		ORDER BY date DESC, id DESC
		LIMIT $5
	`, kind, nullTime(from), nullTime(to), stateArray(states), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Transaction, 0, 64)
	ids := make([]string, 0, 64)
	for rows.Next() {
		var tx domain.Transaction
		var counterparty, payment sql.NullString
		if err := rows.Scan(&tx.ID, &tx.Kind, &counterparty, &tx.Date, &tx.SubtotalTaxedCents, &tx.SubtotalExemptCents,
			&tx.TaxCents, &tx.TotalCents, &payment, &tx.LifecycleState, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.CounterpartyID = counterparty.String
		tx.PaymentMethod = payment.String
		tx.Date = tx.Date.UTC()
		tx.CreatedAt = tx.CreatedAt.UTC()
		result = append(result, tx)
		ids = append(ids, tx.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	linesByID, err := s.transactionLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range result {
		result[i].Lines = linesByID[result[i].ID]
	}
	return result, nil
}

func (s *Store) transactionLines(ctx context.Context, ids []string) (map[string][]domain.TransactionLine, error) {
	result := make(map[string][]domain.TransactionLine, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, line_number, sku, COALESCE(description, ''), qty, unit_price_cents, taxable
		FROM transaction_lines
		WHERE transaction_id = ANY($1)
		ORDER BY transaction_id, line_number
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var ln domain.TransactionLine
		if err := rows.Scan(&id, &ln.LineNumber, &ln.SKU, &ln.Description, &ln.Qty, &ln.UnitPriceCents, &ln.Taxable); err != nil {
			return nil, err
		}
		result[id] = append(result[id], ln)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateReturn(ctx context.Context, ret domain.Return) (*domain.Return, error) {
	if !reconcile.ValidKind(ret.Kind) || ret.OriginTransactionID == "" {
		return nil, store.ErrInvalidReturn
	}
	if len(ret.Lines) == 0 {
		return nil, store.ErrNoValidQuantity
	}
	if ret.ID == "" {
		ret.ID = xid.New(returnIDPrefix(ret.Kind))
	}
	now := time.Now().UTC()
	if ret.Date.IsZero() {
		ret.Date = now
	}
	if ret.CreatedAt.IsZero() {
		ret.CreatedAt = now
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var parentCounterparty sql.NullString
	err = pgTx.QueryRowContext(ctx, `
		SELECT counterparty_id FROM transactions WHERE id = $1 AND kind = $2 FOR UPDATE
	`, ret.OriginTransactionID, ret.Kind).Scan(&parentCounterparty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if ret.CounterpartyID == "" {
		ret.CounterpartyID = parentCounterparty.String
	}

	originalBySKU, originalQty, maxParentLine, err := parentLineSums(ctx, pgTx, ret.OriginTransactionID)
	if err != nil {
		return nil, err
	}
	returnedBySKU, maxReturnLine, err := returnedSums(ctx, pgTx, ret.Kind, ret.OriginTransactionID)
	if err != nil {
		return nil, err
	}

	returnedQty := 0
	for _, qty := range returnedBySKU {
		returnedQty += qty
	}
	for _, ln := range ret.Lines {
		if ln.Qty < 1 {
			return nil, store.ErrInvalidReturn
		}
		original, ok := originalBySKU[ln.SKU]
		if !ok || returnedBySKU[ln.SKU]+ln.Qty > original {
			return nil, store.ErrInvalidReturn
		}
		returnedQty += ln.Qty
	}

	next := maxParentLine
	if maxReturnLine > next {
		next = maxReturnLine
	}
	next++
	for i := range ret.Lines {
		ret.Lines[i].LineNumber = next
		next++
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO returns
			(id, kind, origin_transaction_id, counterparty_id, date, subtotal_cents, tax_cents,
			 total_cents, reversed, actor_username, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,false,$9,$10)
	`, ret.ID, ret.Kind, ret.OriginTransactionID, nullIfEmpty(ret.CounterpartyID), ret.Date, ret.SubtotalCents,
		ret.TaxCents, ret.TotalCents, nullIfEmpty(ret.ActorUsername), ret.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrAlreadyExists
		}
		return nil, err
	}

	sign := reconcile.StockSign(ret.Kind)
	for _, ln := range ret.Lines {
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO return_lines (return_id, line_number, sku, description, qty, unit_price_cents)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, ret.ID, ln.LineNumber, ln.SKU, ln.Description, ln.Qty, ln.UnitPriceCents)
		if err != nil {
			return nil, err
		}
		_, err = pgTx.ExecContext(ctx, `
			UPDATE products SET stock_qty = stock_qty + $1, updated_at = now() WHERE sku = $2
		`, sign*ln.Qty, ln.SKU)
		if err != nil {
			return nil, err
		}
	}

	state := reconcile.DeriveState(originalQty, returnedQty)
	_, err = pgTx.ExecContext(ctx, `
		UPDATE transactions SET lifecycle_state = $1 WHERE id = $2
	`, state, ret.OriginTransactionID)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	created := ret
	return &created, nil
}

func (s *Store) GetReturn(ctx context.Context, kind string, id string) (*domain.Return, error) {
	var ret domain.Return
	var origin, counterparty, actor sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, origin_transaction_id, counterparty_id, date, subtotal_cents, tax_cents,
		       total_cents, reversed, actor_username, created_at
		FROM returns
		WHERE id = $1 AND kind = $2
	`, id, kind).Scan(&ret.ID, &ret.Kind, &origin, &counterparty, &ret.Date, &ret.SubtotalCents, &ret.TaxCents,
		&ret.TotalCents, &ret.Reversed, &actor, &ret.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	ret.OriginTransactionID = origin.String
	ret.CounterpartyID = counterparty.String
	ret.ActorUsername = actor.String
	ret.Date = ret.Date.UTC()
	ret.CreatedAt = ret.CreatedAt.UTC()

	linesByID, err := s.returnLines(ctx, []string{ret.ID})
	if err != nil {
		return nil, err
	}
	ret.Lines = linesByID[ret.ID]
	return &ret, nil
}

func (s *Store) ListReturns(ctx context.Context, kind string, limit int) ([]domain.Return, error) {
	if limit < 1 {
		limit = 200
	}
	return s.queryReturns(ctx, `
		SELECT id, kind, origin_transaction_id, counterparty_id, date, subtotal_cents, tax_cents,
		       total_cents, reversed, actor_username, created_at
		FROM returns
		WHERE kind = $1
		ORDER BY date DESC, id DESC
		LIMIT $2
	`, kind, limit)
}

func (s *Store) ListReturnsByOrigin(ctx context.Context, kind string, originTransactionID string) ([]domain.Return, error) {
	return s.queryReturns(ctx, `
		SELECT id, kind, origin_transaction_id, counterparty_id, date, subtotal_cents, tax_cents,
		       total_cents, reversed, actor_username, created_at
		FROM returns
		WHERE kind = $1 AND origin_transaction_id = $2
		ORDER BY date DESC, id DESC
	`, kind, originTransactionID)
}

func (s *Store) queryReturns(ctx context.Context, query string, args ...any) ([]domain.Return, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Return, 0, 32)
	ids := make([]string, 0, 32)
	for rows.Next() {
		var ret domain.Return
		var origin, counterparty, actor sql.NullString
		if err := rows.Scan(&ret.ID, &ret.Kind, &origin, &counterparty, &ret.Date, &ret.SubtotalCents, &ret.TaxCents,
			&ret.TotalCents, &ret.Reversed, &actor, &ret.CreatedAt); err != nil {
			return nil, err
		}
		ret.OriginTransactionID = origin.String
		ret.CounterpartyID = counterparty.String
		ret.ActorUsername = actor.String
		ret.Date = ret.Date.UTC()
		ret.CreatedAt = ret.CreatedAt.UTC()
		result = append(result, ret)
		ids = append(ids, ret.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	linesByID, err := s.returnLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range result {
		result[i].Lines = linesByID[result[i].ID]
	}
	return result, nil
}

func (s *Store) returnLines(ctx context.Context, ids []string) (map[string][]domain.ReturnLine, error) {
	result := make(map[string][]domain.ReturnLine, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT return_id, line_number, sku, COALESCE(description, ''), qty, unit_price_cents
		FROM return_lines
		WHERE return_id = ANY($1)
		ORDER BY return_id, line_number
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var ln domain.ReturnLine
		if err := rows.Scan(&id, &ln.LineNumber, &ln.SKU, &ln.Description, &ln.Qty, &ln.UnitPriceCents); err != nil {
			return nil, err
		}
		result[id] = append(result[id], ln)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) DeleteReturn(ctx context.Context, kind string, id string) (bool, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var origin sql.NullString
	err = pgTx.QueryRowContext(ctx, `
		SELECT origin_transaction_id FROM returns WHERE id = $1 AND kind = $2 FOR UPDATE
	`, id, kind).Scan(&origin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	lineRows, err := pgTx.QueryContext(ctx, `
		SELECT sku, qty FROM return_lines WHERE return_id = $1
	`, id)
	if err != nil {
		return false, err
	}
	type lineQty struct {
		sku string
		qty int
	}
	lines := make([]lineQty, 0, 8)
	for lineRows.Next() {
		var ln lineQty
		if err := lineRows.Scan(&ln.sku, &ln.qty); err != nil {
			_ = lineRows.Close()
			return false, err
		}
		lines = append(lines, ln)
	}
	if err := lineRows.Err(); err != nil {
		_ = lineRows.Close()
		return false, err
	}
	_ = lineRows.Close()

	// Reverse the stock movement the commit made.
	sign := -reconcile.StockSign(kind)
	for _, ln := range lines {
		_, err = pgTx.ExecContext(ctx, `
			UPDATE products SET stock_qty = stock_qty + $1, updated_at = now() WHERE sku = $2
		`, sign*ln.qty, ln.sku)
		if err != nil {
			return false, err
		}
	}

	if _, err = pgTx.ExecContext(ctx, `DELETE FROM return_lines WHERE return_id = $1`, id); err != nil {
		return false, err
	}
	if _, err = pgTx.ExecContext(ctx, `DELETE FROM returns WHERE id = $1`, id); err != nil {
		return false, err
	}

	if origin.String != "" {
		var originalQty int
		err = pgTx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(tl.qty), 0)
			FROM transaction_lines tl
			JOIN transactions t ON t.id = tl.transaction_id
			WHERE t.id = $1 AND t.kind = $2
		`, origin.String, kind).Scan(&originalQty)
		if err != nil {
			return false, err
		}
		if originalQty == 0 {
			// Parent may have been purged; the deletion still stands.
			log.Printf("[postgres-store] WARN: origin transaction %s missing while deleting return %s", origin.String, id)
		} else {
			returnedBySKU, _, err := returnedSums(ctx, pgTx, kind, origin.String)
			if err != nil {
				return false, err
			}
			returnedQty := 0
			for _, qty := range returnedBySKU {
				returnedQty += qty
			}
			state := reconcile.DeriveState(originalQty, returnedQty)
			if _, err = pgTx.ExecContext(ctx, `
				UPDATE transactions SET lifecycle_state = $1 WHERE id = $2
			`, state, origin.String); err != nil {
				return false, err
			}
		}
	}

	if err := pgTx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) SetReturnOrigin(ctx context.Context, kind string, returnID string, originTransactionID string) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	var originalQty int
	err = pgTx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(tl.qty), 0)
		FROM transaction_lines tl
		JOIN transactions t ON t.id = tl.transaction_id
		WHERE t.id = $1 AND t.kind = $2
	`, originTransactionID, kind).Scan(&originalQty)
	if err != nil {
		return err
	}
	if originalQty == 0 {
		return store.ErrNotFound
	}

	res, err := pgTx.ExecContext(ctx, `
		UPDATE returns SET origin_transaction_id = $1 WHERE id = $2 AND kind = $3
	`, originTransactionID, returnID, kind)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}

	// The parent's returned sums just changed, so its state moves too.
	returnedBySKU, _, err := returnedSums(ctx, pgTx, kind, originTransactionID)
	if err != nil {
		return err
	}
	returnedQty := 0
	for _, qty := range returnedBySKU {
		returnedQty += qty
	}
	state := reconcile.DeriveState(originalQty, returnedQty)
	if _, err = pgTx.ExecContext(ctx, `
		UPDATE transactions SET lifecycle_state = $1 WHERE id = $2
	`, state, originTransactionID); err != nil {
		return err
	}

	return pgTx.Commit()
}

func (s *Store) ReturnedQtyBySKU(ctx context.Context, kind string, transactionID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rl.sku, COALESCE(SUM(rl.qty), 0)
		FROM return_lines rl
		JOIN returns r ON r.id = rl.return_id
		WHERE r.kind = $1 AND r.origin_transaction_id = $2 AND r.reversed = false
		GROUP BY rl.sku
	`, kind, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int, 8)
	for rows.Next() {
		var sku string
		var qty int
		if err := rows.Scan(&sku, &qty); err != nil {
			return nil, err
		}
		result[sku] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, nullIfEmpty(entry.Detail), entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, COALESCE(detail, ''), created_at
		FROM audit_logs
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, nullZeroTime(from), nullZeroTime(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.PasswordHash) == "" {
		return store.ErrInvalidArgument
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, full_name, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.PasswordHash, user.Role, user.FullName, true, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, COALESCE(full_name, ''), active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.PasswordHash, &user.Role, &user.FullName, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidArgument
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// parentLineSums loads the origin's per-SKU quantities, its total original
// quantity, and its highest line number, inside the caller's transaction.
func parentLineSums(ctx context.Context, pgTx *sql.Tx, transactionID string) (map[string]int, int, int, error) {
	rows, err := pgTx.QueryContext(ctx, `
		SELECT sku, qty, line_number FROM transaction_lines WHERE transaction_id = $1
	`, transactionID)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	bySKU := make(map[string]int, 8)
	total := 0
	maxLine := 0
	for rows.Next() {
		var sku string
		var qty, lineNumber int
		if err := rows.Scan(&sku, &qty, &lineNumber); err != nil {
			return nil, 0, 0, err
		}
		bySKU[sku] += qty
		total += qty
		if lineNumber > maxLine {
			maxLine = lineNumber
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}
	return bySKU, total, maxLine, nil
}

// returnedSums loads per-SKU returned quantities over non-reversed returns
// against the origin, plus the highest return line number across all of
// its returns, inside the caller's transaction.
func returnedSums(ctx context.Context, pgTx *sql.Tx, kind string, transactionID string) (map[string]int, int, error) {
	rows, err := pgTx.QueryContext(ctx, `
		SELECT rl.sku, rl.qty, rl.line_number, r.reversed
		FROM return_lines rl
		JOIN returns r ON r.id = rl.return_id
		WHERE r.kind = $1 AND r.origin_transaction_id = $2
	`, kind, transactionID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	bySKU := make(map[string]int, 8)
	maxLine := 0
	for rows.Next() {
		var sku string
		var qty, lineNumber int
		var reversed bool
		if err := rows.Scan(&sku, &qty, &lineNumber, &reversed); err != nil {
			return nil, 0, err
		}
		if !reversed {
			bySKU[sku] += qty
		}
		if lineNumber > maxLine {
			maxLine = lineNumber
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return bySKU, maxLine, nil
}

func returnIDPrefix(kind string) string {
	if kind == domain.KindPurchase {
		return "pret"
	}
	return "sret"
}

func stateArray(states []string) []string {
	if states == nil {
		return []string{}
	}
	return states
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullZeroTime(val time.Time) any {
	if val.IsZero() {
		return nil
	}
	return val
}
