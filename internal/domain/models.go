package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction kinds. A sale goes out to a customer, a purchase comes in
// from a supplier. A return carries the kind of its origin transaction.
const (
	KindSale     = "sale"
	KindPurchase = "purchase"
)

// Lifecycle states of a transaction with respect to returns. The state is
// always re-derived from the stored quantity sums, never patched directly.
const (
	StateActive            = "active"
	StatePartiallyReturned = "partially_returned"
	StateFullyReturned     = "fully_returned"
)

// Counterparty kinds.
const (
	CounterpartyCustomer = "customer"
	CounterpartySupplier = "supplier"
)

// User roles.
const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

type Product struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	PriceCents int64  `json:"price_cents"`
	CostCents  int64  `json:"cost_cents"`
	StockQty   int    `json:"stock_qty"`
	Taxable    bool   `json:"taxable"`
	Active     bool   `json:"active"`
}

type ProductCreateRequest struct {
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	PriceCents   int64  `json:"price_cents"`
	CostCents    int64  `json:"cost_cents"`
	InitialStock int    `json:"initial_stock"`
	Taxable      bool   `json:"taxable"`
}

type Counterparty struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type CounterpartyCreateRequest struct {
	Kind  string `json:"kind"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type TransactionLine struct {
	LineNumber     int    `json:"line_number"`
	SKU            string `json:"sku"`
	Description    string `json:"description"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Taxable        bool   `json:"taxable"`
}

// Transaction is a committed sale or purchase. SubtotalTaxedCents sums the
// taxable lines only; TaxCents was charged on that base as a whole, which
// is why returns must prorate it rather than recompute per line.
type Transaction struct {
	ID                  string            `json:"id"`
	Kind                string            `json:"kind"`
	CounterpartyID      string            `json:"counterparty_id,omitempty"`
	Date                time.Time         `json:"date"`
	SubtotalTaxedCents  int64             `json:"subtotal_taxed_cents"`
	SubtotalExemptCents int64             `json:"subtotal_exempt_cents"`
	TaxCents            int64             `json:"tax_cents"`
	TotalCents          int64             `json:"total_cents"`
	PaymentMethod       string            `json:"payment_method,omitempty"`
	LifecycleState      string            `json:"lifecycle_state"`
	CreatedAt           time.Time         `json:"created_at"`
	Lines               []TransactionLine `json:"lines,omitempty"`
}

// ReturnLine is one detail row of a return. Line numbers continue the
// numbering of the origin transaction and all of its earlier returns.
type ReturnLine struct {
	LineNumber     int    `json:"line_number"`
	SKU            string `json:"sku"`
	Description    string `json:"description"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// Return is a committed sales return or purchase return.
// OriginTransactionID may be empty on purchase returns imported from older
// data; the origin resolver fills it in when it can prove a match.
type Return struct {
	ID                  string       `json:"id"`
	Kind                string       `json:"kind"`
	OriginTransactionID string       `json:"origin_transaction_id,omitempty"`
	CounterpartyID      string       `json:"counterparty_id,omitempty"`
	Date                time.Time    `json:"date"`
	SubtotalCents       int64        `json:"subtotal_cents"`
	TaxCents            int64        `json:"tax_cents"`
	TotalCents          int64        `json:"total_cents"`
	Reversed            bool         `json:"reversed,omitempty"`
	ActorUsername       string       `json:"actor_username,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	Lines               []ReturnLine `json:"lines,omitempty"`
}

// EligibleQuery filters the eligible-transactions listing. Dates are
// inclusive calendar days in YYYY-MM-DD form; Counterparty matches the
// counterparty id or its display name as a case-insensitive substring.
type EligibleQuery struct {
	DateFrom     string `json:"date_from"`
	DateTo       string `json:"date_to"`
	Counterparty string `json:"counterparty"`
}

// EligibleTransactionSummary is one row of the eligible listing. The net
// figures subtract everything already returned, with the tax portion
// prorated against the transaction's taxed base.
type EligibleTransactionSummary struct {
	TransactionID    string    `json:"transaction_id"`
	CounterpartyID   string    `json:"counterparty_id,omitempty"`
	CounterpartyName string    `json:"counterparty_name,omitempty"`
	Date             time.Time `json:"date"`
	TotalCents       int64     `json:"total_cents"`
	ReturnedCents    int64     `json:"returned_cents"`
	NetSubtotalCents int64     `json:"net_subtotal_cents"`
	NetTaxCents      int64     `json:"net_tax_cents"`
	NetTotalCents    int64     `json:"net_total_cents"`
	ReturnCount      int       `json:"return_count"`
	LifecycleState   string    `json:"lifecycle_state"`
}

// ReturnableLine is one per-product row produced by the reconciler.
// UnitTaxShare is the exact, unrounded tax carried by a single unit.
type ReturnableLine struct {
	SKU             string          `json:"sku"`
	Description     string          `json:"description"`
	OriginalQty     int             `json:"original_qty"`
	AlreadyReturned int             `json:"already_returned"`
	RemainingQty    int             `json:"remaining_qty"`
	UnitPriceCents  int64           `json:"unit_price_cents"`
	Taxable         bool            `json:"taxable"`
	UnitTaxShare    decimal.Decimal `json:"unit_tax_share"`
}

// ReturnableLines is the reconciler result for one transaction.
type ReturnableLines struct {
	Transaction    Transaction      `json:"transaction"`
	TaxedBaseCents int64            `json:"taxed_base_cents"`
	Lines          []ReturnableLine `json:"lines"`
}

type ReturnLineRequest struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

// CommitReturnRequest asks to commit a return against a transaction.
// Requested quantities exceeding what is still returnable are clamped.
type CommitReturnRequest struct {
	TransactionID string              `json:"transaction_id"`
	ApplyTax      bool                `json:"apply_tax"`
	Lines         []ReturnLineRequest `json:"lines"`
}

// ReturnReceipt reports a committed return together with the lifecycle
// state the origin transaction landed in.
type ReturnReceipt struct {
	Return         Return `json:"return"`
	LifecycleState string `json:"lifecycle_state"`
}

// ReturnDetail is a stored return joined with its origin transaction when
// one is known or could be resolved. OriginResolved is set when the link
// was recovered by the legacy resolver during this lookup.
type ReturnDetail struct {
	Return         Return       `json:"return"`
	Origin         *Transaction `json:"origin,omitempty"`
	OriginResolved bool         `json:"origin_resolved,omitempty"`
}

type TransactionLineRequest struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

// TransactionCreateRequest records a completed sale or purchase so it
// becomes visible to the returns flow. Unit prices come from the catalog
// and TaxRateBps is the tax rate in basis points applied to the taxed base.
type TransactionCreateRequest struct {
	Kind           string                   `json:"kind"`
	CounterpartyID string                   `json:"counterparty_id"`
	Date           string                   `json:"date,omitempty"`
	PaymentMethod  string                   `json:"payment_method,omitempty"`
	TaxRateBps     int64                    `json:"tax_rate_bps"`
	Lines          []TransactionLineRequest `json:"lines"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// SchemaCapabilities reports which optional columns the backing schema
// carries. Resolved once when a store is constructed.
type SchemaCapabilities struct {
	PurchaseReturnOrigin bool `json:"purchase_return_origin"`
}

// Actor identifies the authenticated user behind a request.
type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type UserAccount struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	FullName     string    `json:"full_name"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	FullName  string    `json:"full_name"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}
