package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tokokita/backend/internal/domain"
	"tokokita/backend/internal/reconcile"
	"tokokita/backend/internal/store"
	"tokokita/backend/internal/xid"
)

// Store is the in-memory repository used for dev mode and tests. All maps
// are guarded by a single mutex; a return commit mutates returns, stock
// and the origin transaction's lifecycle state under one lock so callers
// observe it atomically.
type Store struct {
	mu               sync.RWMutex
	products         map[string]domain.Product
	counterparties   map[string]domain.Counterparty
	transactionsByID map[string]*domain.Transaction
	returnsByID      map[string]*domain.Return
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:     u.username,
			PasswordHash: string(hash),
			Role:         u.role,
			Active:       true,
			CreatedAt:    now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// New returns an empty store with only the seed user accounts. Tests build
// their own fixtures on top of it.
func New() *Store {
	return &Store{
		products:         make(map[string]domain.Product),
		counterparties:   make(map[string]domain.Counterparty),
		transactionsByID: make(map[string]*domain.Transaction),
		returnsByID:      make(map[string]*domain.Return),
		auditLogs:        make([]domain.AuditLog, 0, 128),
		usersByUsername:  seedUsers(),
	}
}

// NewSeeded returns a store preloaded with a small demo dataset: a catalog,
// a few counterparties, one sale and one purchase, and a legacy purchase
// return with no origin link so the resolver has something to chew on.
func NewSeeded() *Store {
	s := New()

	products := []domain.Product{
		{SKU: "SKU-MIE-01", Name: "Mie Goreng Instan", Category: "grocery", PriceCents: 3500, CostCents: 2700, StockQty: 120, Taxable: true, Active: true},
		{SKU: "SKU-TELUR-01", Name: "Telur 10 Butir", Category: "grocery", PriceCents: 26500, CostCents: 23000, StockQty: 120, Taxable: false, Active: true},
		{SKU: "SKU-SUSU-01", Name: "Susu UHT 1L", Category: "dairy", PriceCents: 18900, CostCents: 13600, StockQty: 120, Taxable: true, Active: true},
		{SKU: "SKU-ROTI-01", Name: "Roti Tawar", Category: "bakery", PriceCents: 17800, CostCents: 12400, StockQty: 120, Taxable: false, Active: true},
		{SKU: "SKU-KOPI-01", Name: "Kopi Sachet", Category: "beverage", PriceCents: 2600, CostCents: 1700, StockQty: 120, Taxable: true, Active: true},
		{SKU: "SKU-GULA-01", Name: "Gula 1kg", Category: "grocery", PriceCents: 17400, CostCents: 15300, StockQty: 120, Taxable: true, Active: true},
		{SKU: "SKU-TEH-01", Name: "Teh Celup", Category: "beverage", PriceCents: 9800, CostCents: 7200, StockQty: 120, Taxable: true, Active: true},
		{SKU: "SKU-SABUN-01", Name: "Sabun Mandi", Category: "household", PriceCents: 7400, CostCents: 5000, StockQty: 120, Taxable: true, Active: true},
	}
	for _, p := range products {
		s.products[p.SKU] = p
	}

	now := time.Now().UTC()
	counterparties := []domain.Counterparty{
		{ID: "cust-umum", Kind: domain.CounterpartyCustomer, Name: "Pelanggan Umum", CreatedAt: now},
		{ID: "cust-bu-rina", Kind: domain.CounterpartyCustomer, Name: "Bu Rina", Phone: "0812-7788-1100", CreatedAt: now},
		{ID: "sup-sumber-rejeki", Kind: domain.CounterpartySupplier, Name: "CV Sumber Rejeki", Phone: "021-555-0101", CreatedAt: now},
		{ID: "sup-maju-jaya", Kind: domain.CounterpartySupplier, Name: "PT Maju Jaya", Phone: "021-555-0202", CreatedAt: now},
	}
	for _, cp := range counterparties {
		s.counterparties[cp.ID] = cp
	}

	sale := &domain.Transaction{
		ID:             "sale-demo-0001",
		Kind:           domain.KindSale,
		CounterpartyID: "cust-bu-rina",
		Date:           now.Add(-48 * time.Hour),
		LifecycleState: domain.StateActive,
		CreatedAt:      now.Add(-48 * time.Hour),
		PaymentMethod:  "cash",
		Lines: []domain.TransactionLine{
			{LineNumber: 1, SKU: "SKU-SUSU-01", Description: "Susu UHT 1L", Qty: 10, UnitPriceCents: 18900, Taxable: true},
			{LineNumber: 2, SKU: "SKU-ROTI-01", Description: "Roti Tawar", Qty: 2, UnitPriceCents: 17800, Taxable: false},
		},
	}
	sale.SubtotalTaxedCents = 189000
	sale.SubtotalExemptCents = 35600
	sale.TaxCents = 20790
	sale.TotalCents = 245390
	s.transactionsByID[sale.ID] = sale

	purchase := &domain.Transaction{
		ID:             "pur-demo-0001",
		Kind:           domain.KindPurchase,
		CounterpartyID: "sup-sumber-rejeki",
		Date:           now.Add(-96 * time.Hour),
		LifecycleState: domain.StateActive,
		CreatedAt:      now.Add(-96 * time.Hour),
		Lines: []domain.TransactionLine{
			{LineNumber: 1, SKU: "SKU-KOPI-01", Description: "Kopi Sachet", Qty: 50, UnitPriceCents: 1700, Taxable: true},
			{LineNumber: 2, SKU: "SKU-GULA-01", Description: "Gula 1kg", Qty: 10, UnitPriceCents: 15300, Taxable: true},
		},
	}
	purchase.SubtotalTaxedCents = 238000
	purchase.TaxCents = 26180
	purchase.TotalCents = 264180
	s.transactionsByID[purchase.ID] = purchase

	restock := &domain.Transaction{
		ID:             "pur-demo-0002",
		Kind:           domain.KindPurchase,
		CounterpartyID: "sup-sumber-rejeki",
		Date:           now.Add(-80 * time.Hour),
		LifecycleState: domain.StateActive,
		CreatedAt:      now.Add(-80 * time.Hour),
		Lines: []domain.TransactionLine{
			{LineNumber: 1, SKU: "SKU-KOPI-01", Description: "Kopi Sachet", Qty: 3, UnitPriceCents: 1700},
			{LineNumber: 2, SKU: "SKU-GULA-01", Description: "Gula 1kg", Qty: 1, UnitPriceCents: 15300},
		},
	}
	restock.SubtotalExemptCents = 20400
	restock.TotalCents = 20400
	s.transactionsByID[restock.ID] = restock

	// Legacy purchase return imported without an origin link. Its total
	// of 20400 amount-matches only pur-demo-0002, so the resolver can
	// recover the link.
	legacy := &domain.Return{
		ID:             "pret-legacy-0001",
		Kind:           domain.KindPurchase,
		CounterpartyID: "sup-sumber-rejeki",
		Date:           now.Add(-72 * time.Hour),
		SubtotalCents:  20400,
		TotalCents:     20400,
		CreatedAt:      now.Add(-72 * time.Hour),
		Lines: []domain.ReturnLine{
			{LineNumber: 1, SKU: "SKU-KOPI-01", Description: "Kopi Sachet", Qty: 3, UnitPriceCents: 1700},
			{LineNumber: 2, SKU: "SKU-GULA-01", Description: "Gula 1kg", Qty: 1, UnitPriceCents: 15300},
		},
	}
	s.returnsByID[legacy.ID] = legacy

	return s
}

// Capabilities on the in-memory store always report the current schema.
func (s *Store) Capabilities() domain.SchemaCapabilities {
	return domain.SchemaCapabilities{PurchaseReturnOrigin: true}
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	product.SKU = strings.TrimSpace(product.SKU)
	if product.SKU == "" || strings.TrimSpace(product.Name) == "" || product.PriceCents < 0 {
		return nil, store.ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.SKU]; exists {
		return nil, store.ErrAlreadyExists
	}
	product.Active = true
	s.products[product.SKU] = product
	created := product
	return &created, nil
}

func (s *Store) GetProductBySKU(_ context.Context, sku string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[sku]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := p
	return &dup, nil
}

func (s *Store) GetProductsBySKUs(_ context.Context, skus []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(skus))
	for _, sku := range skus {
		if p, ok := s.products[sku]; ok {
			result[sku] = p
		}
	}
	return result, nil
}

func (s *Store) CreateCounterparty(_ context.Context, cp domain.Counterparty) (*domain.Counterparty, error) {
	cp.Name = strings.TrimSpace(cp.Name)
	if cp.Name == "" || (cp.Kind != domain.CounterpartyCustomer && cp.Kind != domain.CounterpartySupplier) {
		return nil, store.ErrInvalidArgument
	}
	if cp.ID == "" {
		cp.ID = xid.New("cp")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.counterparties[cp.ID]; exists {
		return nil, store.ErrAlreadyExists
	}
	s.counterparties[cp.ID] = cp
	created := cp
	return &created, nil
}

func (s *Store) ListCounterparties(_ context.Context, kind string) ([]domain.Counterparty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Counterparty, 0, len(s.counterparties))
	for _, cp := range s.counterparties {
		if kind != "" && cp.Kind != kind {
			continue
		}
		result = append(result, cp)
	}
	slices.SortFunc(result, func(a, b domain.Counterparty) int {
		return cmpString(a.Name, b.Name)
	})
	return result, nil
}

func (s *Store) GetCounterpartiesByIDs(_ context.Context, ids []string) (map[string]domain.Counterparty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Counterparty, len(ids))
	for _, id := range ids {
		if cp, ok := s.counterparties[id]; ok {
			result[id] = cp
		}
	}
	return result, nil
}

func (s *Store) CreateTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transactionsByID[tx.ID]; exists {
		return nil, store.ErrAlreadyExists
	}

	// A sale ships goods out, a purchase brings them in. Mirrors the
	// opposite signs used for returns.
	for _, ln := range tx.Lines {
		if p, ok := s.products[ln.SKU]; ok {
			p.StockQty -= reconcile.StockSign(tx.Kind) * ln.Qty
			s.products[ln.SKU] = p
		}
	}

	stored := cloneTransaction(&tx)
	s.transactionsByID[tx.ID] = stored
	return cloneTransaction(stored), nil
}

func (s *Store) GetTransaction(_ context.Context, kind string, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByID[id]
	if !ok || tx.Kind != kind {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) ListTransactions(_ context.Context, kind string, from *time.Time, to *time.Time, states []string, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 200
	}
	stateSet := make(map[string]struct{}, len(states))
	for _, st := range states {
		stateSet[st] = struct{}{}
	}

	result := make([]domain.Transaction, 0, 64)
	for _, tx := range s.transactionsByID {
		if tx.Kind != kind {
			continue
		}
		if from != nil && tx.Date.Before(*from) {
			continue
		}
		if to != nil && !tx.Date.Before(*to) {
			continue
		}
		if len(stateSet) > 0 {
			if _, ok := stateSet[tx.LifecycleState]; !ok {
				continue
			}
		}
		result = append(result, *cloneTransaction(tx))
	}

	slices.SortFunc(result, func(a, b domain.Transaction) int {
		if !a.Date.Equal(b.Date) {
			if a.Date.After(b.Date) {
				return -1
			}
			return 1
		}
		return -cmpString(a.ID, b.ID)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateReturn(_ context.Context, ret domain.Return) (*domain.Return, error) {
	if !reconcile.ValidKind(ret.Kind) || ret.OriginTransactionID == "" {
		return nil, store.ErrInvalidReturn
	}
	if len(ret.Lines) == 0 {
		return nil, store.ErrNoValidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.transactionsByID[ret.OriginTransactionID]
	if !ok || parent.Kind != ret.Kind {
		return nil, store.ErrNotFound
	}

	originalBySKU := make(map[string]int, len(parent.Lines))
	for _, ln := range parent.Lines {
		originalBySKU[ln.SKU] += ln.Qty
	}
	returnedBySKU := s.returnedQtyLocked(ret.Kind, parent.ID)
	for _, ln := range ret.Lines {
		if ln.Qty < 1 {
			return nil, store.ErrInvalidReturn
		}
		original, ok := originalBySKU[ln.SKU]
		if !ok {
			return nil, store.ErrInvalidReturn
		}
		if returnedBySKU[ln.SKU]+ln.Qty > original {
			return nil, store.ErrInvalidReturn
		}
	}

	if ret.ID == "" {
		ret.ID = xid.New(returnIDPrefix(ret.Kind))
	}
	if _, exists := s.returnsByID[ret.ID]; exists {
		return nil, store.ErrAlreadyExists
	}
	now := time.Now().UTC()
	if ret.Date.IsZero() {
		ret.Date = now
	}
	if ret.CreatedAt.IsZero() {
		ret.CreatedAt = now
	}
	if ret.CounterpartyID == "" {
		ret.CounterpartyID = parent.CounterpartyID
	}

	// Line numbering continues past the origin transaction's lines and
	// every earlier return against it.
	next := s.maxLineNumberLocked(parent) + 1
	for i := range ret.Lines {
		ret.Lines[i].LineNumber = next
		next++
	}

	sign := reconcile.StockSign(ret.Kind)
	for _, ln := range ret.Lines {
		if p, ok := s.products[ln.SKU]; ok {
			p.StockQty += sign * ln.Qty
			s.products[ln.SKU] = p
		}
	}

	stored := cloneReturn(&ret)
	s.returnsByID[ret.ID] = stored
	s.rederiveStateLocked(parent)
	return cloneReturn(stored), nil
}

func (s *Store) GetReturn(_ context.Context, kind string, id string) (*domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret, ok := s.returnsByID[id]
	if !ok || ret.Kind != kind {
		return nil, store.ErrNotFound
	}
	return cloneReturn(ret), nil
}

func (s *Store) ListReturns(_ context.Context, kind string, limit int) ([]domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 200
	}
	result := make([]domain.Return, 0, 64)
	for _, ret := range s.returnsByID {
		if ret.Kind != kind {
			continue
		}
		result = append(result, *cloneReturn(ret))
	}
	sortReturnsNewestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListReturnsByOrigin(_ context.Context, kind string, originTransactionID string) ([]domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Return, 0, 8)
	for _, ret := range s.returnsByID {
		if ret.Kind != kind || ret.OriginTransactionID != originTransactionID {
			continue
		}
		result = append(result, *cloneReturn(ret))
	}
	sortReturnsNewestFirst(result)
	return result, nil
}

func (s *Store) DeleteReturn(_ context.Context, kind string, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret, ok := s.returnsByID[id]
	if !ok || ret.Kind != kind {
		return false, nil
	}

	// Undo the stock movement the commit made.
	sign := -reconcile.StockSign(kind)
	for _, ln := range ret.Lines {
		if p, ok := s.products[ln.SKU]; ok {
			p.StockQty += sign * ln.Qty
			s.products[ln.SKU] = p
		}
	}
	delete(s.returnsByID, id)

	if ret.OriginTransactionID != "" {
		if parent, ok := s.transactionsByID[ret.OriginTransactionID]; ok && parent.Kind == kind {
			s.rederiveStateLocked(parent)
		} else {
			log.Printf("[memory-store] WARN: origin transaction %s missing while deleting return %s", ret.OriginTransactionID, id)
		}
	}
	return true, nil
}

func (s *Store) SetReturnOrigin(_ context.Context, kind string, returnID string, originTransactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret, ok := s.returnsByID[returnID]
	if !ok || ret.Kind != kind {
		return store.ErrNotFound
	}
	parent, ok := s.transactionsByID[originTransactionID]
	if !ok || parent.Kind != kind {
		return store.ErrNotFound
	}
	ret.OriginTransactionID = originTransactionID
	// Linking changes the parent's returned sums, so its state moves too.
	s.rederiveStateLocked(parent)
	return nil
}

func (s *Store) ReturnedQtyBySKU(_ context.Context, kind string, transactionID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.returnedQtyLocked(kind, transactionID), nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 200
	}
	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.auditLogs[i]
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && entry.CreatedAt.After(to) {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.PasswordHash) == "" {
		return store.ErrInvalidArgument
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrAlreadyExists
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidArgument
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.PasswordHash = password
	s.usersByUsername[username] = user
	return nil
}

// returnedQtyLocked sums returned quantities per SKU over all non-reversed
// returns against the given transaction. Caller holds at least a read lock.
func (s *Store) returnedQtyLocked(kind string, transactionID string) map[string]int {
	result := make(map[string]int)
	for _, ret := range s.returnsByID {
		if ret.Kind != kind || ret.OriginTransactionID != transactionID || ret.Reversed {
			continue
		}
		for _, ln := range ret.Lines {
			result[ln.SKU] += ln.Qty
		}
	}
	return result
}

// maxLineNumberLocked finds the highest line number used by the parent
// transaction or any return against it. Caller holds the write lock.
func (s *Store) maxLineNumberLocked(parent *domain.Transaction) int {
	max := 0
	for _, ln := range parent.Lines {
		if ln.LineNumber > max {
			max = ln.LineNumber
		}
	}
	for _, ret := range s.returnsByID {
		if ret.Kind != parent.Kind || ret.OriginTransactionID != parent.ID {
			continue
		}
		for _, ln := range ret.Lines {
			if ln.LineNumber > max {
				max = ln.LineNumber
			}
		}
	}
	return max
}

// rederiveStateLocked recomputes the parent's lifecycle state from the
// stored quantity sums. Caller holds the write lock.
func (s *Store) rederiveStateLocked(parent *domain.Transaction) {
	original := 0
	for _, ln := range parent.Lines {
		original += ln.Qty
	}
	returned := 0
	for _, qty := range s.returnedQtyLocked(parent.Kind, parent.ID) {
		returned += qty
	}
	parent.LifecycleState = reconcile.DeriveState(original, returned)
}

func returnIDPrefix(kind string) string {
	if kind == domain.KindPurchase {
		return "pret"
	}
	return "sret"
}

func sortReturnsNewestFirst(returns []domain.Return) {
	slices.SortFunc(returns, func(a, b domain.Return) int {
		if !a.Date.Equal(b.Date) {
			if a.Date.After(b.Date) {
				return -1
			}
			return 1
		}
		return -cmpString(a.ID, b.ID)
	})
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	dupLines := make([]domain.TransactionLine, len(src.Lines))
	copy(dupLines, src.Lines)
	dup.Lines = dupLines
	return &dup
}

func cloneReturn(src *domain.Return) *domain.Return {
	if src == nil {
		return nil
	}
	dup := *src
	dupLines := make([]domain.ReturnLine, len(src.Lines))
	copy(dupLines, src.Lines)
	dup.Lines = dupLines
	return &dup
}
