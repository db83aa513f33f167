package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/vingaymai/duongbackend/internal/domain"
	"github.com/vingaymai/duongbackend/internal/store"
)

type stockKey struct {
	productID int64
	branchID  int64
}

type Store struct {
	mu        sync.RWMutex
	products  map[int64]domain.Product
	branches  map[int64]domain.Branch
	customers map[int64]domain.Customer
	stocks    map[stockKey]*domain.StockEntry
	txLog     []domain.InventoryTransaction
	orders    map[int64]*domain.Order
	returns   map[int64]*domain.Return
	users     map[string]domain.UserAccount

	nextStockID      int64
	nextTxID         int64
	nextOrderID      int64
	nextOrderItemID  int64
	nextReturnID     int64
	nextReturnItemID int64
	nextUserID       int64
}

func New() *Store {
	return &Store{
		products:  make(map[int64]domain.Product),
		branches:  make(map[int64]domain.Branch),
		customers: make(map[int64]domain.Customer),
		stocks:    make(map[stockKey]*domain.StockEntry),
		txLog:     make([]domain.InventoryTransaction, 0, 128),
		orders:    make(map[int64]*domain.Order),
		returns:   make(map[int64]*domain.Return),
		users:     make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for i, u := range []struct {
		username    string
		password    string
		branchIDs   []int64
		permissions []string
	}{
		{"admin", adminPwd, nil, []string{domain.PermAdminGlobal}},
		{"staff", staffPwd, []int64{1}, []string{"inventory_manage", "sales_pos"}},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			ID:          int64(i + 1),
			Username:    u.username,
			Password:    string(hash),
			BranchIDs:   u.branchIDs,
			Permissions: u.permissions,
			Active:      true,
			CreatedAt:   now,
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

func NewSeeded() *Store {
	s := New()

	branches := []domain.Branch{
		{ID: 1, Name: "Chi nhánh Trung tâm", Address: "12 Lê Lợi", Active: true},
		{ID: 2, Name: "Chi nhánh Quận 7", Address: "88 Nguyễn Văn Linh", Active: true},
	}
	products := []domain.Product{
		{ID: 1, Name: "Cà phê hạt 500g", SKU: "CF-500", CategoryID: 1, Category: "beverage", PriceCents: 185000, Unit: "pack", TrackStock: true, Active: true},
		{ID: 2, Name: "Trà ô long hộp", SKU: "TEA-OL", CategoryID: 1, Category: "beverage", PriceCents: 92000, Unit: "box", TrackStock: true, Active: true},
		{ID: 3, Name: "Thịt ba chỉ", SKU: "MEAT-BC", CategoryID: 2, Category: "fresh", PriceCents: 16500, Unit: "kg", SoldByWeight: true, TrackStock: true, Active: true},
		{ID: 4, Name: "Gạo ST25", SKU: "RICE-ST25", CategoryID: 3, Category: "grocery", PriceCents: 3200, Unit: "kg", SoldByWeight: true, TrackStock: true, Active: true},
		{ID: 5, Name: "Túi nilon", SKU: "BAG-01", CategoryID: 4, Category: "misc", PriceCents: 500, Unit: "pcs", TrackStock: false, Active: true},
		{ID: 6, Name: "Nước suối 500ml", SKU: "WTR-500", CategoryID: 1, Category: "beverage", PriceCents: 6000, Unit: "bottle", TrackStock: true, Active: true},
		{ID: 7, Name: "Ly sứ quà tặng", SKU: "CUP-GIFT", CategoryID: 4, Category: "misc", PriceCents: 25000, Unit: "pcs", TrackStock: true, Active: false},
	}
	customers := []domain.Customer{
		{ID: 1, Name: "Nguyễn Văn An", Phone: "0901234567"},
		{ID: 2, Name: "Trần Thị Bình", Phone: "0907654321"},
	}

	for _, b := range branches {
		s.branches[b.ID] = b
	}
	for _, p := range products {
		s.products[p.ID] = p
	}
	for _, c := range customers {
		s.customers[c.ID] = c
	}

	seedStock := []struct {
		productID int64
		branchID  int64
		stock     float64
	}{
		{1, 1, 40}, {2, 1, 25}, {3, 1, 80.5}, {4, 1, 500}, {6, 1, 240},
		{1, 2, 12}, {3, 2, 30}, {6, 2, 96},
	}
	for _, e := range seedStock {
		s.nextStockID++
		s.stocks[stockKey{e.productID, e.branchID}] = &domain.StockEntry{
			ID:                s.nextStockID,
			ProductID:         e.productID,
			BranchID:          e.branchID,
			Stock:             e.stock,
			LowStockThreshold: domain.DefaultLowStockThreshold,
			Available:         true,
		}
	}

	s.users = seedUsers()
	s.nextUserID = int64(len(s.users))
	return s
}

func (s *Store) GetProduct(_ context.Context, productID int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[productID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) ListSalesProducts(_ context.Context, branchID int64, search string, activeOnly bool) ([]domain.SalesProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.branches[branchID]; !exists {
		return nil, store.ErrNotFound
	}

	search = strings.ToLower(strings.TrimSpace(search))
	result := make([]domain.SalesProduct, 0, len(s.products))
	for _, p := range s.products {
		if activeOnly && !p.Active {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(p.Name), search) && !strings.Contains(strings.ToLower(p.SKU), search) {
			continue
		}
		sp := domain.SalesProduct{Product: p, Available: true}
		if entry, ok := s.stocks[stockKey{p.ID, branchID}]; ok {
			sp.Stock = entry.Stock
			sp.Available = entry.Available
			sp.PriceOverrideCents = cloneInt64Ptr(entry.PriceOverrideCents)
		}
		result = append(result, sp)
	}

	slices.SortFunc(result, func(a, b domain.SalesProduct) int {
		return cmpString(a.Product.Name, b.Product.Name)
	})
	return result, nil
}

func (s *Store) ListSimpleProducts(_ context.Context) ([]domain.SimpleItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.SimpleItem, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		items = append(items, domain.SimpleItem{ID: p.ID, Name: p.Name})
	}
	slices.SortFunc(items, func(a, b domain.SimpleItem) int {
		return cmpString(a.Name, b.Name)
	})
	return items, nil
}

func (s *Store) GetBranch(_ context.Context, branchID int64) (*domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	branch, exists := s.branches[branchID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyBranch := branch
	return &copyBranch, nil
}

func (s *Store) ListBranches(_ context.Context, branchIDs []int64) ([]domain.SimpleItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.SimpleItem, 0, len(s.branches))
	for _, b := range s.branches {
		if !b.Active {
			continue
		}
		if branchIDs != nil && !slices.Contains(branchIDs, b.ID) {
			continue
		}
		items = append(items, domain.SimpleItem{ID: b.ID, Name: b.Name})
	}
	slices.SortFunc(items, func(a, b domain.SimpleItem) int {
		return cmpString(a.Name, b.Name)
	})
	return items, nil
}

func (s *Store) GetCustomer(_ context.Context, customerID int64) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, exists := s.customers[customerID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyCustomer := customer
	return &copyCustomer, nil
}

func (s *Store) GetStockEntry(_ context.Context, productID int64, branchID int64) (*domain.StockEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.stocks[stockKey{productID, branchID}]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyEntry := *entry
	copyEntry.PriceOverrideCents = cloneInt64Ptr(entry.PriceOverrideCents)
	return &copyEntry, nil
}

func (s *Store) InventorySummary(_ context.Context, filter domain.InventorySummaryFilter, branchIDs []int64) (*domain.Page[domain.InventorySummaryRow], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	rows := make([]domain.InventorySummaryRow, 0, len(s.products))
	for _, p := range s.products {
		if search != "" && !strings.Contains(strings.ToLower(p.Name), search) && !strings.Contains(strings.ToLower(p.SKU), search) {
			continue
		}
		if filter.CategoryID > 0 && p.CategoryID != filter.CategoryID {
			continue
		}
		row := domain.InventorySummaryRow{Product: p, Branches: []domain.BranchStockDetail{}}
		for key, entry := range s.stocks {
			if key.productID != p.ID {
				continue
			}
			if branchIDs != nil && !slices.Contains(branchIDs, key.branchID) {
				continue
			}
			if filter.BranchID > 0 && key.branchID != filter.BranchID {
				continue
			}
			branch := s.branches[key.branchID]
			row.Branches = append(row.Branches, domain.BranchStockDetail{
				BranchID:           key.branchID,
				BranchName:         branch.Name,
				Stock:              entry.Stock,
				LowStockThreshold:  entry.LowStockThreshold,
				Available:          entry.Available,
				PriceOverrideCents: cloneInt64Ptr(entry.PriceOverrideCents),
			})
			row.TotalStock += entry.Stock
		}
		slices.SortFunc(row.Branches, func(a, b domain.BranchStockDetail) int {
			return cmpInt64(a.BranchID, b.BranchID)
		})
		rows = append(rows, row)
	}

	slices.SortFunc(rows, func(a, b domain.InventorySummaryRow) int {
		return cmpString(a.Product.Name, b.Product.Name)
	})

	page := paginate(rows, filter.Page, filter.PerPage)
	return &page, nil
}

// getOrCreateStockLocked implements lazy ledger creation. The caller must
// hold the write lock.
func (s *Store) getOrCreateStockLocked(productID int64, branchID int64) *domain.StockEntry {
	key := stockKey{productID, branchID}
	if entry, exists := s.stocks[key]; exists {
		return entry
	}
	s.nextStockID++
	entry := &domain.StockEntry{
		ID:                s.nextStockID,
		ProductID:         productID,
		BranchID:          branchID,
		Stock:             0,
		LowStockThreshold: domain.DefaultLowStockThreshold,
		Available:         true,
	}
	s.stocks[key] = entry
	return entry
}

func (s *Store) appendTxLocked(tx domain.InventoryTransaction) int64 {
	s.nextTxID++
	tx.ID = s.nextTxID
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	s.txLog = append(s.txLog, tx)
	return tx.ID
}

func (s *Store) AdjustStock(_ context.Context, req domain.StockAdjustmentRequest, userID int64) (*domain.StockAdjustmentResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[req.ProductID]
	if !exists {
		return nil, fmt.Errorf("product %d: %w", req.ProductID, store.ErrNotFound)
	}
	if _, exists := s.branches[req.BranchID]; !exists {
		return nil, fmt.Errorf("branch %d: %w", req.BranchID, store.ErrNotFound)
	}

	entry := s.getOrCreateStockLocked(req.ProductID, req.BranchID)
	current := entry.Stock
	next := current
	switch req.Type {
	case domain.TxTypeIncrease, domain.TxTypeImport:
		next = current + req.Quantity
	case domain.TxTypeDecrease, domain.TxTypeExport:
		next = current - req.Quantity
	default:
		return nil, fmt.Errorf("%w: unknown adjustment type %q", store.ErrInvalidInput, req.Type)
	}
	if next < 0 {
		return nil, fmt.Errorf("%w: %s has %s in stock", store.ErrInsufficientStock, product.Name, formatQty(current))
	}

	entry.Stock = next
	txID := s.appendTxLocked(domain.InventoryTransaction{
		ProductID:    req.ProductID,
		BranchID:     req.BranchID,
		Quantity:     req.Quantity,
		Type:         req.Type,
		CurrentStock: current,
		NewStock:     next,
		UserID:       userID,
		Reason:       req.Reason,
	})

	return &domain.StockAdjustmentResponse{
		TransactionID: txID,
		ProductID:     req.ProductID,
		BranchID:      req.BranchID,
		NewStock:      next,
	}, nil
}

func (s *Store) TransferStock(_ context.Context, req domain.StockTransferRequest, userID int64) (*domain.StockTransferResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[req.ProductID]
	if !exists {
		return nil, fmt.Errorf("product %d: %w", req.ProductID, store.ErrNotFound)
	}
	if _, exists := s.branches[req.FromBranchID]; !exists {
		return nil, fmt.Errorf("branch %d: %w", req.FromBranchID, store.ErrNotFound)
	}
	if _, exists := s.branches[req.ToBranchID]; !exists {
		return nil, fmt.Errorf("branch %d: %w", req.ToBranchID, store.ErrNotFound)
	}

	source := s.getOrCreateStockLocked(req.ProductID, req.FromBranchID)
	if source.Stock < req.Quantity {
		return nil, fmt.Errorf("%w: %s has %s in stock at source branch", store.ErrInsufficientStock, product.Name, formatQty(source.Stock))
	}
	dest := s.getOrCreateStockLocked(req.ProductID, req.ToBranchID)

	srcCurrent := source.Stock
	destCurrent := dest.Stock
	source.Stock = srcCurrent - req.Quantity
	dest.Stock = destCurrent + req.Quantity

	outID := s.appendTxLocked(domain.InventoryTransaction{
		ProductID:    req.ProductID,
		BranchID:     req.FromBranchID,
		Quantity:     req.Quantity,
		Type:         domain.TxTypeTransferOut,
		CurrentStock: srcCurrent,
		NewStock:     source.Stock,
		UserID:       userID,
		Reason:       req.Reason,
	})
	inID := s.appendTxLocked(domain.InventoryTransaction{
		ProductID:            req.ProductID,
		BranchID:             req.ToBranchID,
		Quantity:             req.Quantity,
		Type:                 domain.TxTypeTransferIn,
		CurrentStock:         destCurrent,
		NewStock:             dest.Stock,
		UserID:               userID,
		Reason:               req.Reason,
		RelatedTransactionID: &outID,
	})
	// backfill the out row so both directions are linked
	for i := range s.txLog {
		if s.txLog[i].ID == outID {
			related := inID
			s.txLog[i].RelatedTransactionID = &related
			break
		}
	}

	return &domain.StockTransferResponse{
		OutTransactionID: outID,
		InTransactionID:  inID,
		SourceNewStock:   source.Stock,
		DestNewStock:     dest.Stock,
	}, nil
}

func (s *Store) ListInventoryTransactions(_ context.Context, filter domain.TransactionFilter, branchIDs []int64) (*domain.Page[domain.InventoryTransaction], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.InventoryTransaction, 0, len(s.txLog))
	for _, tx := range s.txLog {
		if branchIDs != nil && !slices.Contains(branchIDs, tx.BranchID) {
			continue
		}
		if filter.ProductID > 0 && tx.ProductID != filter.ProductID {
			continue
		}
		if filter.BranchID > 0 && tx.BranchID != filter.BranchID {
			continue
		}
		if filter.Type != "" && tx.Type != filter.Type {
			continue
		}
		if filter.From != nil && tx.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && tx.CreatedAt.After(*filter.To) {
			continue
		}
		tx.ProductName = s.products[tx.ProductID].Name
		tx.BranchName = s.branches[tx.BranchID].Name
		tx.Username = s.usernameByID(tx.UserID)
		result = append(result, tx)
	}

	slices.SortFunc(result, func(a, b domain.InventoryTransaction) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpInt64(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})

	page := paginate(result, filter.Page, filter.PerPage)
	return &page, nil
}

func (s *Store) PlaceOrder(_ context.Context, req domain.PlaceOrderRequest, userID int64) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	branch, exists := s.branches[req.BranchID]
	if !exists {
		return nil, fmt.Errorf("branch %d: %w", req.BranchID, store.ErrNotFound)
	}
	customerName := ""
	if req.CustomerID != nil {
		customer, exists := s.customers[*req.CustomerID]
		if !exists {
			return nil, fmt.Errorf("customer %d: %w", *req.CustomerID, store.ErrNotFound)
		}
		customerName = customer.Name
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: order has no items", store.ErrInvalidInput)
	}

	// validate and price every line before touching the ledger so a failed
	// line cannot leave a partial decrement behind
	type pricedLine struct {
		product  domain.Product
		qty      float64
		unit     int64
		subtotal int64
		notes    string
	}
	lines := make([]pricedLine, 0, len(req.Items))
	total := int64(0)
	// duplicate lines for the same product draw from one stock entry, so
	// sufficiency is checked against what earlier lines already claimed
	claimed := make(map[int64]float64)
	for _, item := range req.Items {
		product, exists := s.products[item.ProductID]
		if !exists || !product.Active {
			return nil, fmt.Errorf("product %d: %w", item.ProductID, store.ErrNotFound)
		}
		qty := domain.NormalizeQuantity(product.SoldByWeight, item.Quantity)
		if qty <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", store.ErrInvalidInput, product.Name)
		}
		if item.UnitPriceCents < 0 {
			return nil, fmt.Errorf("%w: negative unit price for %s", store.ErrInvalidInput, product.Name)
		}
		if product.TrackStock {
			remaining := float64(0)
			if entry, ok := s.stocks[stockKey{product.ID, req.BranchID}]; ok {
				remaining = entry.Stock
			}
			available := remaining - claimed[product.ID]
			if available < qty {
				return nil, fmt.Errorf("%w: %s has %s in stock", store.ErrInsufficientStock, product.Name, formatQty(available))
			}
			claimed[product.ID] += qty
		}
		subtotal := domain.MulCents(qty, item.UnitPriceCents)
		total += subtotal
		lines = append(lines, pricedLine{product, qty, item.UnitPriceCents, subtotal, item.ModifiersNotes})
	}

	if req.PaidCents < total {
		return nil, fmt.Errorf("%w: paid amount is below order total", store.ErrInvalidInput)
	}

	s.nextOrderID++
	orderID := s.nextOrderID
	now := time.Now().UTC()

	for _, line := range lines {
		if !line.product.TrackStock {
			continue
		}
		entry := s.getOrCreateStockLocked(line.product.ID, req.BranchID)
		current := entry.Stock
		entry.Stock = current - line.qty
		s.appendTxLocked(domain.InventoryTransaction{
			ProductID:    line.product.ID,
			BranchID:     req.BranchID,
			Quantity:     line.qty,
			Type:         domain.TxTypeSaleOut,
			CurrentStock: current,
			NewStock:     entry.Stock,
			UserID:       userID,
			Reason:       fmt.Sprintf("sale order #%d", orderID),
			CreatedAt:    now,
		})
	}

	order := &domain.Order{
		ID:            orderID,
		BranchID:      req.BranchID,
		BranchName:    branch.Name,
		CustomerID:    req.CustomerID,
		CustomerName:  customerName,
		UserID:        userID,
		TotalCents:    total,
		PaidCents:     req.PaidCents,
		ChangeCents:   req.PaidCents - total,
		PaymentMethod: req.PaymentMethod,
		Status:        domain.OrderStatusCompleted,
		Notes:         req.Notes,
		CreatedAt:     now,
		Items:         make([]domain.OrderItem, 0, len(lines)),
	}
	for _, line := range lines {
		s.nextOrderItemID++
		order.Items = append(order.Items, domain.OrderItem{
			ID:             s.nextOrderItemID,
			OrderID:        orderID,
			ProductID:      line.product.ID,
			ProductName:    line.product.Name,
			Quantity:       line.qty,
			UnitPriceCents: line.unit,
			SubtotalCents:  line.subtotal,
			ModifiersNotes: line.notes,
		})
	}

	s.orders[orderID] = order
	return cloneOrder(order), nil
}

func (s *Store) GetOrder(_ context.Context, orderID int64) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.orders[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *Store) ListOrders(_ context.Context, filter domain.OrderFilter, branchIDs []int64) (*domain.Page[domain.Order], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, 0, len(s.orders))
	for _, order := range s.orders {
		if branchIDs != nil && !slices.Contains(branchIDs, order.BranchID) {
			continue
		}
		if filter.BranchID > 0 && order.BranchID != filter.BranchID {
			continue
		}
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		if filter.From != nil && order.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && order.CreatedAt.After(*filter.To) {
			continue
		}
		result = append(result, *cloneOrder(order))
	}

	slices.SortFunc(result, func(a, b domain.Order) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpInt64(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})

	page := paginate(result, filter.Page, filter.PerPage)
	return &page, nil
}

func (s *Store) UpdateOrderStatus(_ context.Context, orderID int64, status string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch status {
	case domain.OrderStatusPending, domain.OrderStatusCompleted, domain.OrderStatusCancelled, domain.OrderStatusReturned:
	default:
		return nil, fmt.Errorf("%w: unknown order status %q", store.ErrInvalidInput, status)
	}
	order, exists := s.orders[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	order.Status = status
	return cloneOrder(order), nil
}

func (s *Store) CreateReturn(_ context.Context, req domain.CreateReturnRequest, userID int64) (*domain.Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.orders[req.OrderID]
	if !exists {
		return nil, fmt.Errorf("order %d: %w", req.OrderID, store.ErrNotFound)
	}
	if order.Status != domain.OrderStatusCompleted {
		return nil, fmt.Errorf("%w: only completed orders can be returned", store.ErrInvalidInput)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: return has no items", store.ErrInvalidInput)
	}

	type returnLine struct {
		item    *domain.OrderItem
		product domain.Product
		qty     float64
		refund  int64
	}
	lines := make([]returnLine, 0, len(req.Items))
	refundTotal := int64(0)
	// duplicate lines for the same order item share one returnable balance
	claimed := make(map[int64]float64)
	for _, line := range req.Items {
		var item *domain.OrderItem
		for i := range order.Items {
			if order.Items[i].ID == line.OrderItemID {
				item = &order.Items[i]
				break
			}
		}
		if item == nil {
			return nil, fmt.Errorf("order item %d: %w", line.OrderItemID, store.ErrNotFound)
		}
		product := s.products[item.ProductID]
		qty := domain.NormalizeQuantity(product.SoldByWeight, line.Quantity)
		if qty <= 0 {
			return nil, fmt.Errorf("%w: return quantity must be positive", store.ErrInvalidInput)
		}
		if qty > item.Quantity-item.ReturnedQuantity-claimed[item.ID] {
			return nil, fmt.Errorf("%w: return quantity exceeds remaining for %s", store.ErrInvalidInput, item.ProductName)
		}
		claimed[item.ID] += qty
		refund := domain.MulCents(qty, item.UnitPriceCents)
		refundTotal += refund
		lines = append(lines, returnLine{item, product, qty, refund})
	}

	now := time.Now().UTC()
	s.nextReturnID++
	ret := &domain.Return{
		ID:          s.nextReturnID,
		OrderID:     order.ID,
		BranchID:    order.BranchID,
		UserID:      userID,
		Reason:      req.Reason,
		RefundCents: refundTotal,
		CreatedAt:   now,
		Items:       make([]domain.ReturnItem, 0, len(lines)),
	}

	for _, line := range lines {
		line.item.ReturnedQuantity += line.qty
		if line.product.TrackStock {
			entry := s.getOrCreateStockLocked(line.product.ID, order.BranchID)
			current := entry.Stock
			entry.Stock = current + line.qty
			s.appendTxLocked(domain.InventoryTransaction{
				ProductID:    line.product.ID,
				BranchID:     order.BranchID,
				Quantity:     line.qty,
				Type:         domain.TxTypeReturn,
				CurrentStock: current,
				NewStock:     entry.Stock,
				UserID:       userID,
				Reason:       fmt.Sprintf("return for order #%d", order.ID),
				CreatedAt:    now,
			})
		}
		s.nextReturnItemID++
		ret.Items = append(ret.Items, domain.ReturnItem{
			ID:             s.nextReturnItemID,
			ReturnID:       ret.ID,
			OrderItemID:    line.item.ID,
			ProductID:      line.product.ID,
			ProductName:    line.item.ProductName,
			Quantity:       line.qty,
			UnitPriceCents: line.item.UnitPriceCents,
			RefundCents:    line.refund,
		})
	}

	order.RefundedCents += refundTotal
	order.Status = domain.OrderStatusReturned
	s.returns[ret.ID] = ret

	copyReturn := *ret
	copyReturn.Items = slices.Clone(ret.Items)
	return &copyReturn, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[strings.ToLower(strings.TrimSpace(username))]
	if !exists || !user.Active {
		return nil, store.ErrNotFound
	}
	copyUser := user
	copyUser.BranchIDs = slices.Clone(user.BranchIDs)
	copyUser.Permissions = slices.Clone(user.Permissions)
	return &copyUser, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.users[username]; exists {
		return store.ErrConflict
	}
	s.nextUserID++
	user.ID = s.nextUserID
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.users[username] = user
	return nil
}

func (s *Store) usernameByID(userID int64) string {
	for _, u := range s.users {
		if u.ID == userID {
			return u.Username
		}
	}
	return ""
}

func paginate[T any](items []T, page int, perPage int) domain.Page[T] {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	total := len(items)
	lastPage := (total + perPage - 1) / perPage
	if lastPage < 1 {
		lastPage = 1
	}
	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}
	data := make([]T, end-start)
	copy(data, items[start:end])
	return domain.Page[T]{Data: data, Total: total, CurrentPage: page, LastPage: lastPage}
}

func formatQty(qty float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", qty), "0"), ".")
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

func cmpInt64(a int64, b int64) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneInt64Ptr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneOrder(src *domain.Order) *domain.Order {
	if src == nil {
		return nil
	}
	dup := *src
	dup.CustomerID = cloneInt64Ptr(src.CustomerID)
	dup.Items = slices.Clone(src.Items)
	return &dup
}
