package store

import (
	"context"
	"errors"
	"time"

	"tokokita/backend/internal/domain"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidReturn   = errors.New("invalid return")
	ErrNoValidQuantity = errors.New("no valid return quantity")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAlreadyExists   = errors.New("already exists")
)

type Repository interface {
	Capabilities() domain.SchemaCapabilities

	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error)
	GetProductsBySKUs(ctx context.Context, skus []string) (map[string]domain.Product, error)

	CreateCounterparty(ctx context.Context, cp domain.Counterparty) (*domain.Counterparty, error)
	ListCounterparties(ctx context.Context, kind string) ([]domain.Counterparty, error)
	GetCounterpartiesByIDs(ctx context.Context, ids []string) (map[string]domain.Counterparty, error)

	CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, kind string, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, kind string, from *time.Time, to *time.Time, states []string, limit int) ([]domain.Transaction, error)

	// CreateReturn commits a return atomically: it numbers the lines
	// continuing the origin transaction's numbering, adjusts stock by the
	// kind's sign, and re-derives the origin's lifecycle state. On any
	// failure nothing is persisted.
	CreateReturn(ctx context.Context, ret domain.Return) (*domain.Return, error)
	GetReturn(ctx context.Context, kind string, id string) (*domain.Return, error)
	ListReturns(ctx context.Context, kind string, limit int) ([]domain.Return, error)
	ListReturnsByOrigin(ctx context.Context, kind string, originTransactionID string) ([]domain.Return, error)
	// DeleteReturn undoes a committed return atomically and reports
	// whether anything was deleted. A missing origin transaction is
	// tolerated: the return rows still go away.
	DeleteReturn(ctx context.Context, kind string, id string) (bool, error)
	// SetReturnOrigin writes a resolved origin link onto a legacy return.
	SetReturnOrigin(ctx context.Context, kind string, returnID string, originTransactionID string) error
	// ReturnedQtyBySKU sums returned quantities per product over all
	// non-reversed returns against the given transaction.
	ReturnedQtyBySKU(ctx context.Context, kind string, transactionID string) (map[string]int, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
