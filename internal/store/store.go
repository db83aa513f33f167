package store

import (
	"context"
	"errors"

	"github.com/vingaymai/duongbackend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrForbiddenBranch   = errors.New("branch not accessible")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrConflict          = errors.New("conflict")
)

type Repository interface {
	GetProduct(ctx context.Context, productID int64) (*domain.Product, error)
	ListSalesProducts(ctx context.Context, branchID int64, search string, activeOnly bool) ([]domain.SalesProduct, error)
	ListSimpleProducts(ctx context.Context) ([]domain.SimpleItem, error)
	GetBranch(ctx context.Context, branchID int64) (*domain.Branch, error)
	ListBranches(ctx context.Context, branchIDs []int64) ([]domain.SimpleItem, error)
	GetCustomer(ctx context.Context, customerID int64) (*domain.Customer, error)

	GetStockEntry(ctx context.Context, productID int64, branchID int64) (*domain.StockEntry, error)
	InventorySummary(ctx context.Context, filter domain.InventorySummaryFilter, branchIDs []int64) (*domain.Page[domain.InventorySummaryRow], error)
	AdjustStock(ctx context.Context, req domain.StockAdjustmentRequest, userID int64) (*domain.StockAdjustmentResponse, error)
	TransferStock(ctx context.Context, req domain.StockTransferRequest, userID int64) (*domain.StockTransferResponse, error)
	ListInventoryTransactions(ctx context.Context, filter domain.TransactionFilter, branchIDs []int64) (*domain.Page[domain.InventoryTransaction], error)

	PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest, userID int64) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter, branchIDs []int64) (*domain.Page[domain.Order], error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) (*domain.Order, error)
	CreateReturn(ctx context.Context, req domain.CreateReturnRequest, userID int64) (*domain.Return, error)

	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
}
