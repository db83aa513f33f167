package domain

import "time"

type Product struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	SKU         string  `json:"sku"`
	Barcode     string  `json:"barcode,omitempty"`
	CategoryID  int64   `json:"category_id,omitempty"`
	Category    string  `json:"category,omitempty"`
	PriceCents  int64   `json:"price_cents"`
	Unit        string  `json:"unit,omitempty"`
	SoldByWeight bool   `json:"sold_by_weight"`
	TrackStock  bool    `json:"track_stock"`
	Active      bool    `json:"active"`
	ImageURL    string  `json:"image_url,omitempty"`
}

type Branch struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	Active  bool   `json:"active"`
}

type Customer struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type StockEntry struct {
	ID                 int64    `json:"id"`
	ProductID          int64    `json:"product_id"`
	BranchID           int64    `json:"branch_id"`
	Stock              float64  `json:"stock"`
	LowStockThreshold  float64  `json:"low_stock_threshold"`
	Available          bool     `json:"available"`
	PriceOverrideCents *int64   `json:"price_override_cents,omitempty"`
}

type InventoryTransaction struct {
	ID                   int64     `json:"id"`
	ProductID            int64     `json:"product_id"`
	ProductName          string    `json:"product_name,omitempty"`
	BranchID             int64     `json:"branch_id"`
	BranchName           string    `json:"branch_name,omitempty"`
	Quantity             float64   `json:"quantity"`
	Type                 string    `json:"type"`
	CurrentStock         float64   `json:"current_stock"`
	NewStock             float64   `json:"new_stock"`
	UserID               int64     `json:"user_id"`
	Username             string    `json:"username,omitempty"`
	Reason               string    `json:"reason,omitempty"`
	RelatedTransactionID *int64    `json:"related_transaction_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

type StockAdjustmentRequest struct {
	ProductID int64   `json:"product_id"`
	BranchID  int64   `json:"branch_id"`
	Quantity  float64 `json:"quantity"`
	Type      string  `json:"type"`
	Reason    string  `json:"reason"`
}

type StockAdjustmentResponse struct {
	TransactionID int64   `json:"transaction_id"`
	ProductID     int64   `json:"product_id"`
	BranchID      int64   `json:"branch_id"`
	NewStock      float64 `json:"new_stock"`
}

type StockTransferRequest struct {
	ProductID    int64   `json:"product_id"`
	FromBranchID int64   `json:"from_branch_id"`
	ToBranchID   int64   `json:"to_branch_id"`
	Quantity     float64 `json:"quantity"`
	Reason       string  `json:"reason"`
}

type StockTransferResponse struct {
	OutTransactionID int64   `json:"out_transaction_id"`
	InTransactionID  int64   `json:"in_transaction_id"`
	SourceNewStock   float64 `json:"source_new_stock"`
	DestNewStock     float64 `json:"dest_new_stock"`
}

type OrderItemRequest struct {
	ProductID      int64   `json:"product_id"`
	Quantity       float64 `json:"quantity"`
	UnitPriceCents int64   `json:"unit_price_cents"`
	ModifiersNotes string  `json:"modifiers_notes,omitempty"`
}

type PlaceOrderRequest struct {
	BranchID      int64              `json:"branch_id"`
	CustomerID    *int64             `json:"customer_id,omitempty"`
	PaidCents     int64              `json:"paid_cents"`
	PaymentMethod string             `json:"payment_method"`
	Notes         string             `json:"notes,omitempty"`
	Items         []OrderItemRequest `json:"items"`
}

type OrderItem struct {
	ID               int64   `json:"id"`
	OrderID          int64   `json:"order_id"`
	ProductID        int64   `json:"product_id"`
	ProductName      string  `json:"product_name"`
	Quantity         float64 `json:"quantity"`
	ReturnedQuantity float64 `json:"returned_quantity"`
	UnitPriceCents   int64   `json:"unit_price_cents"`
	SubtotalCents    int64   `json:"subtotal_cents"`
	ModifiersNotes   string  `json:"modifiers_notes,omitempty"`
}

type Order struct {
	ID                  int64       `json:"id"`
	BranchID            int64       `json:"branch_id"`
	BranchName          string      `json:"branch_name,omitempty"`
	CustomerID          *int64      `json:"customer_id,omitempty"`
	CustomerName        string      `json:"customer_name,omitempty"`
	UserID              int64       `json:"user_id"`
	TotalCents          int64       `json:"total_cents"`
	PaidCents           int64       `json:"paid_cents"`
	ChangeCents         int64       `json:"change_cents"`
	RefundedCents       int64       `json:"refunded_cents"`
	PaymentMethod       string      `json:"payment_method"`
	Status              string      `json:"status"`
	Notes               string      `json:"notes,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	Items               []OrderItem `json:"items,omitempty"`
}

type ReturnItemRequest struct {
	OrderItemID int64   `json:"order_item_id"`
	Quantity    float64 `json:"quantity"`
}

type CreateReturnRequest struct {
	OrderID int64               `json:"order_id"`
	Reason  string              `json:"reason"`
	Items   []ReturnItemRequest `json:"items"`
}

type ReturnItem struct {
	ID             int64   `json:"id"`
	ReturnID       int64   `json:"return_id"`
	OrderItemID    int64   `json:"order_item_id"`
	ProductID      int64   `json:"product_id"`
	ProductName    string  `json:"product_name"`
	Quantity       float64 `json:"quantity"`
	UnitPriceCents int64   `json:"unit_price_cents"`
	RefundCents    int64   `json:"refund_cents"`
}

type Return struct {
	ID          int64        `json:"id"`
	OrderID     int64        `json:"order_id"`
	BranchID    int64        `json:"branch_id"`
	UserID      int64        `json:"user_id"`
	Reason      string       `json:"reason,omitempty"`
	RefundCents int64        `json:"refund_cents"`
	CreatedAt   time.Time    `json:"created_at"`
	Items       []ReturnItem `json:"items"`
}

type BranchStockDetail struct {
	BranchID           int64   `json:"branch_id"`
	BranchName         string  `json:"branch_name"`
	Stock              float64 `json:"stock"`
	LowStockThreshold  float64 `json:"low_stock_threshold"`
	Available          bool    `json:"available"`
	PriceOverrideCents *int64  `json:"price_override_cents,omitempty"`
}

type InventorySummaryRow struct {
	Product    Product             `json:"product"`
	TotalStock float64             `json:"total_stock"`
	Branches   []BranchStockDetail `json:"branches"`
}

type InventorySummaryFilter struct {
	Search     string
	CategoryID int64
	BranchID   int64
	Page       int
	PerPage    int
}

type TransactionFilter struct {
	ProductID int64
	BranchID  int64
	Type      string
	From      *time.Time
	To        *time.Time
	Page      int
	PerPage   int
}

type OrderFilter struct {
	BranchID int64
	Status   string
	From     *time.Time
	To       *time.Time
	Page     int
	PerPage  int
}

type SalesProduct struct {
	Product            Product `json:"product"`
	Stock              float64 `json:"stock"`
	Available          bool    `json:"available"`
	PriceOverrideCents *int64  `json:"price_override_cents,omitempty"`
}

// Page is the list envelope every paginated endpoint returns.
type Page[T any] struct {
	Data        []T   `json:"data"`
	Total       int   `json:"total"`
	CurrentPage int   `json:"current_page"`
	LastPage    int   `json:"last_page"`
}

type SimpleItem struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string  `json:"access_token"`
	Username    string  `json:"username"`
	BranchIDs   []int64 `json:"branch_ids"`
	ExpiresAt   string  `json:"expires_at"`
}

// Actor is the resolved identity attached to every request context.
type Actor struct {
	UserID      int64
	Username    string
	BranchIDs   []int64
	Permissions []string
}

// GlobalAdmin reports whether the actor may act across all branches.
func (a Actor) GlobalAdmin() bool {
	for _, p := range a.Permissions {
		if p == PermAdminGlobal {
			return true
		}
	}
	return false
}

// CanAccessBranch reports whether the actor may operate on the branch.
func (a Actor) CanAccessBranch(branchID int64) bool {
	if a.GlobalAdmin() {
		return true
	}
	for _, id := range a.BranchIDs {
		if id == branchID {
			return true
		}
	}
	return false
}

type UpdateOrderStatusRequest struct {
	Status string `json:"status"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	ID          int64
	Username    string
	Password    string
	BranchIDs   []int64
	Permissions []string
	Active      bool
	CreatedAt   time.Time
}

const PermAdminGlobal = "admin_global"

const (
	TxTypeIncrease    = "increase"
	TxTypeDecrease    = "decrease"
	TxTypeImport      = "import"
	TxTypeExport      = "export"
	TxTypeTransferOut = "transfer_out"
	TxTypeTransferIn  = "transfer_in"
	TxTypeSaleOut     = "sale_out"
	TxTypeReturn      = "return"
)

const (
	OrderStatusPending   = "pending"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
	OrderStatusReturned  = "returned"
)

const (
	DefaultLowStockThreshold = 5
)
