package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vingaymai/duongbackend/internal/domain"
	"github.com/vingaymai/duongbackend/internal/store"
)

type Store struct {
	db *sql.DB
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

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	var p domain.Product
	var category sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.name, p.sku, COALESCE(p.barcode, ''), COALESCE(p.category_id, 0), c.name,
		       p.price_cents, COALESCE(p.unit, ''), p.sold_by_weight, p.track_stock, p.active, COALESCE(p.image_url, '')
		FROM products p
		LEFT JOIN categories c ON c.id = p.category_id
		WHERE p.id = $1
	`, productID).Scan(&p.ID, &p.Name, &p.SKU, &p.Barcode, &p.CategoryID, &category,
		&p.PriceCents, &p.Unit, &p.SoldByWeight, &p.TrackStock, &p.Active, &p.ImageURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if category.Valid {
		p.Category = category.String
	}
	return &p, nil
}

func (s *Store) ListSalesProducts(ctx context.Context, branchID int64, search string, activeOnly bool) ([]domain.SalesProduct, error) {
	if _, err := s.GetBranch(ctx, branchID); err != nil {
		return nil, err
	}

	query := `
		SELECT p.id, p.name, p.sku, COALESCE(p.barcode, ''), COALESCE(p.category_id, 0), COALESCE(c.name, ''),
		       p.price_cents, COALESCE(p.unit, ''), p.sold_by_weight, p.track_stock, p.active, COALESCE(p.image_url, ''),
		       COALESCE(ps.stock, 0), COALESCE(ps.available, true), ps.price_override_cents
		FROM products p
		LEFT JOIN categories c ON c.id = p.category_id
		LEFT JOIN product_stocks ps ON ps.product_id = p.id AND ps.branch_id = $1
	`
	conds := []string{}
	args := []any{branchID}
	if activeOnly {
		conds = append(conds, "p.active = true")
	}
	if search = strings.TrimSpace(search); search != "" {
		args = append(args, "%"+search+"%")
		conds = append(conds, fmt.Sprintf("(p.name ILIKE $%d OR p.sku ILIKE $%d)", len(args), len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY p.name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.SalesProduct, 0, 128)
	for rows.Next() {
		var sp domain.SalesProduct
		var override sql.NullInt64
		if err := rows.Scan(&sp.Product.ID, &sp.Product.Name, &sp.Product.SKU, &sp.Product.Barcode,
			&sp.Product.CategoryID, &sp.Product.Category, &sp.Product.PriceCents, &sp.Product.Unit,
			&sp.Product.SoldByWeight, &sp.Product.TrackStock, &sp.Product.Active, &sp.Product.ImageURL,
			&sp.Stock, &sp.Available, &override); err != nil {
			return nil, err
		}
		if override.Valid {
			v := override.Int64
			sp.PriceOverrideCents = &v
		}
		result = append(result, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListSimpleProducts(ctx context.Context) ([]domain.SimpleItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name
		FROM products
		WHERE active = true
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSimpleItems(rows)
}

func (s *Store) GetBranch(ctx context.Context, branchID int64) (*domain.Branch, error) {
	var b domain.Branch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(address, ''), active
		FROM branches
		WHERE id = $1
	`, branchID).Scan(&b.ID, &b.Name, &b.Address, &b.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (s *Store) ListBranches(ctx context.Context, branchIDs []int64) ([]domain.SimpleItem, error) {
	query := `
		SELECT id, name
		FROM branches
		WHERE active = true
	`
	args := []any{}
	if branchIDs != nil {
		args = append(args, branchIDs)
		query += " AND id = ANY($1)"
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSimpleItems(rows)
}

func (s *Store) GetCustomer(ctx context.Context, customerID int64) (*domain.Customer, error) {
	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(phone, ''), COALESCE(email, '')
		FROM customers
		WHERE id = $1
	`, customerID).Scan(&c.ID, &c.Name, &c.Phone, &c.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetStockEntry(ctx context.Context, productID int64, branchID int64) (*domain.StockEntry, error) {
	var entry domain.StockEntry
	var override sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, branch_id, stock, low_stock_threshold, available, price_override_cents
		FROM product_stocks
		WHERE product_id = $1 AND branch_id = $2
	`, productID, branchID).Scan(&entry.ID, &entry.ProductID, &entry.BranchID,
		&entry.Stock, &entry.LowStockThreshold, &entry.Available, &override)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if override.Valid {
		v := override.Int64
		entry.PriceOverrideCents = &v
	}
	return &entry, nil
}

func (s *Store) InventorySummary(ctx context.Context, filter domain.InventorySummaryFilter, branchIDs []int64) (*domain.Page[domain.InventorySummaryRow], error) {
	page, perPage := normalizePage(filter.Page, filter.PerPage)

	conds := []string{}
	args := []any{}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+search+"%")
		conds = append(conds, fmt.Sprintf("(p.name ILIKE $%d OR p.sku ILIKE $%d)", len(args), len(args)))
	}
	if filter.CategoryID > 0 {
		args = append(args, filter.CategoryID)
		conds = append(conds, fmt.Sprintf("p.category_id = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM products p"+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	listArgs := append(append([]any{}, args...), perPage, (page-1)*perPage)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT p.id, p.name, p.sku, COALESCE(p.barcode, ''), COALESCE(p.category_id, 0), COALESCE(c.name, ''),
		       p.price_cents, COALESCE(p.unit, ''), p.sold_by_weight, p.track_stock, p.active, COALESCE(p.image_url, '')
		FROM products p
		LEFT JOIN categories c ON c.id = p.category_id
		%s
		ORDER BY p.name
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2), listArgs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.InventorySummaryRow, 0, perPage)
	productIDs := make([]int64, 0, perPage)
	byProduct := map[int64]int{}
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.SKU, &p.Barcode, &p.CategoryID, &p.Category,
			&p.PriceCents, &p.Unit, &p.SoldByWeight, &p.TrackStock, &p.Active, &p.ImageURL); err != nil {
			return nil, err
		}
		byProduct[p.ID] = len(result)
		productIDs = append(productIDs, p.ID)
		result = append(result, domain.InventorySummaryRow{Product: p, Branches: []domain.BranchStockDetail{}})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(productIDs) > 0 {
		stockQuery := `
			SELECT ps.product_id, ps.branch_id, b.name, ps.stock, ps.low_stock_threshold, ps.available, ps.price_override_cents
			FROM product_stocks ps
			JOIN branches b ON b.id = ps.branch_id
			WHERE ps.product_id = ANY($1)
		`
		stockArgs := []any{productIDs}
		if branchIDs != nil {
			stockArgs = append(stockArgs, branchIDs)
			stockQuery += fmt.Sprintf(" AND ps.branch_id = ANY($%d)", len(stockArgs))
		}
		if filter.BranchID > 0 {
			stockArgs = append(stockArgs, filter.BranchID)
			stockQuery += fmt.Sprintf(" AND ps.branch_id = $%d", len(stockArgs))
		}
		stockQuery += " ORDER BY ps.branch_id"

		stockRows, err := s.db.QueryContext(ctx, stockQuery, stockArgs...)
		if err != nil {
			return nil, err
		}
		defer stockRows.Close()

		for stockRows.Next() {
			var productID int64
			var detail domain.BranchStockDetail
			var override sql.NullInt64
			if err := stockRows.Scan(&productID, &detail.BranchID, &detail.BranchName,
				&detail.Stock, &detail.LowStockThreshold, &detail.Available, &override); err != nil {
				return nil, err
			}
			if override.Valid {
				v := override.Int64
				detail.PriceOverrideCents = &v
			}
			idx, ok := byProduct[productID]
			if !ok {
				continue
			}
			result[idx].Branches = append(result[idx].Branches, detail)
			result[idx].TotalStock += detail.Stock
		}
		if err := stockRows.Err(); err != nil {
			return nil, err
		}
	}

	return &domain.Page[domain.InventorySummaryRow]{
		Data:        result,
		Total:       total,
		CurrentPage: page,
		LastPage:    lastPage(total, perPage),
	}, nil
}

// lockStockEntry creates the ledger row if it does not exist yet and takes
// a row lock on it. The insert is a no-op when the row is already there, so
// two racing callers both end up blocked on the same locked row.
func lockStockEntry(ctx context.Context, tx *sql.Tx, productID int64, branchID int64) (*domain.StockEntry, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO product_stocks (product_id, branch_id, stock, low_stock_threshold, available)
		VALUES ($1, $2, 0, $3, true)
		ON CONFLICT (product_id, branch_id) DO NOTHING
	`, productID, branchID, domain.DefaultLowStockThreshold)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	var entry domain.StockEntry
	err = tx.QueryRowContext(ctx, `
		SELECT id, product_id, branch_id, stock, low_stock_threshold, available
		FROM product_stocks
		WHERE product_id = $1 AND branch_id = $2
		FOR UPDATE
	`, productID, branchID).Scan(&entry.ID, &entry.ProductID, &entry.BranchID,
		&entry.Stock, &entry.LowStockThreshold, &entry.Available)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, row domain.InventoryTransaction) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO inventory_transactions
			(product_id, branch_id, quantity, type, current_stock, new_stock, user_id, reason, related_transaction_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		RETURNING id
	`, row.ProductID, row.BranchID, row.Quantity, row.Type, row.CurrentStock, row.NewStock,
		row.UserID, nullIfEmpty(row.Reason), row.RelatedTransactionID).Scan(&id)
	return id, err
}

func (s *Store) productNameForUpdate(ctx context.Context, tx *sql.Tx, productID int64) (string, error) {
	var name string
	err := tx.QueryRowContext(ctx, `SELECT name FROM products WHERE id = $1`, productID).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("product %d: %w", productID, store.ErrNotFound)
		}
		return "", err
	}
	return name, nil
}

func (s *Store) branchExists(ctx context.Context, tx *sql.Tx, branchID int64) error {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM branches WHERE id = $1`, branchID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("branch %d: %w", branchID, store.ErrNotFound)
	}
	return err
}

func (s *Store) AdjustStock(ctx context.Context, req domain.StockAdjustmentRequest, userID int64) (*domain.StockAdjustmentResponse, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	productName, err := s.productNameForUpdate(ctx, pgTx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if err := s.branchExists(ctx, pgTx, req.BranchID); err != nil {
		return nil, err
	}

	entry, err := lockStockEntry(ctx, pgTx, req.ProductID, req.BranchID)
	if err != nil {
		return nil, err
	}

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
		return nil, fmt.Errorf("%w: %s has %s in stock", store.ErrInsufficientStock, productName, formatQty(current))
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE product_stocks SET stock = $3, updated_at = now()
		WHERE product_id = $1 AND branch_id = $2
	`, req.ProductID, req.BranchID, next); err != nil {
		return nil, err
	}

	txID, err := insertTransaction(ctx, pgTx, domain.InventoryTransaction{
		ProductID:    req.ProductID,
		BranchID:     req.BranchID,
		Quantity:     req.Quantity,
		Type:         req.Type,
		CurrentStock: current,
		NewStock:     next,
		UserID:       userID,
		Reason:       req.Reason,
	})
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	return &domain.StockAdjustmentResponse{
		TransactionID: txID,
		ProductID:     req.ProductID,
		BranchID:      req.BranchID,
		NewStock:      next,
	}, nil
}

func (s *Store) TransferStock(ctx context.Context, req domain.StockTransferRequest, userID int64) (*domain.StockTransferResponse, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	productName, err := s.productNameForUpdate(ctx, pgTx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if err := s.branchExists(ctx, pgTx, req.FromBranchID); err != nil {
		return nil, err
	}
	if err := s.branchExists(ctx, pgTx, req.ToBranchID); err != nil {
		return nil, err
	}

	source, err := lockStockEntry(ctx, pgTx, req.ProductID, req.FromBranchID)
	if err != nil {
		return nil, err
	}
	if source.Stock < req.Quantity {
		return nil, fmt.Errorf("%w: %s has %s in stock at source branch", store.ErrInsufficientStock, productName, formatQty(source.Stock))
	}
	dest, err := lockStockEntry(ctx, pgTx, req.ProductID, req.ToBranchID)
	if err != nil {
		return nil, err
	}

	srcNext := source.Stock - req.Quantity
	destNext := dest.Stock + req.Quantity
	if _, err := pgTx.ExecContext(ctx, `
		UPDATE product_stocks SET stock = $3, updated_at = now()
		WHERE product_id = $1 AND branch_id = $2
	`, req.ProductID, req.FromBranchID, srcNext); err != nil {
		return nil, err
	}
	if _, err := pgTx.ExecContext(ctx, `
		UPDATE product_stocks SET stock = $3, updated_at = now()
		WHERE product_id = $1 AND branch_id = $2
	`, req.ProductID, req.ToBranchID, destNext); err != nil {
		return nil, err
	}

	outID, err := insertTransaction(ctx, pgTx, domain.InventoryTransaction{
		ProductID:    req.ProductID,
		BranchID:     req.FromBranchID,
		Quantity:     req.Quantity,
		Type:         domain.TxTypeTransferOut,
		CurrentStock: source.Stock,
		NewStock:     srcNext,
		UserID:       userID,
		Reason:       req.Reason,
	})
	if err != nil {
		return nil, err
	}
	inID, err := insertTransaction(ctx, pgTx, domain.InventoryTransaction{
		ProductID:            req.ProductID,
		BranchID:             req.ToBranchID,
		Quantity:             req.Quantity,
		Type:                 domain.TxTypeTransferIn,
		CurrentStock:         dest.Stock,
		NewStock:             destNext,
		UserID:               userID,
		Reason:               req.Reason,
		RelatedTransactionID: &outID,
	})
	if err != nil {
		return nil, err
	}
	// backfill so the pair is linked in both directions
	if _, err := pgTx.ExecContext(ctx, `
		UPDATE inventory_transactions SET related_transaction_id = $2 WHERE id = $1
	`, outID, inID); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	return &domain.StockTransferResponse{
		OutTransactionID: outID,
		InTransactionID:  inID,
		SourceNewStock:   srcNext,
		DestNewStock:     destNext,
	}, nil
}

func (s *Store) ListInventoryTransactions(ctx context.Context, filter domain.TransactionFilter, branchIDs []int64) (*domain.Page[domain.InventoryTransaction], error) {
	page, perPage := normalizePage(filter.Page, filter.PerPage)

	conds := []string{}
	args := []any{}
	if branchIDs != nil {
		args = append(args, branchIDs)
		conds = append(conds, fmt.Sprintf("t.branch_id = ANY($%d)", len(args)))
	}
	if filter.ProductID > 0 {
		args = append(args, filter.ProductID)
		conds = append(conds, fmt.Sprintf("t.product_id = $%d", len(args)))
	}
	if filter.BranchID > 0 {
		args = append(args, filter.BranchID)
		conds = append(conds, fmt.Sprintf("t.branch_id = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conds = append(conds, fmt.Sprintf("t.type = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		conds = append(conds, fmt.Sprintf("t.created_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conds = append(conds, fmt.Sprintf("t.created_at <= $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM inventory_transactions t"+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	listArgs := append(append([]any{}, args...), perPage, (page-1)*perPage)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT t.id, t.product_id, p.name, t.branch_id, b.name, t.quantity, t.type,
		       t.current_stock, t.new_stock, t.user_id, COALESCE(u.username, ''),
		       COALESCE(t.reason, ''), t.related_transaction_id, t.created_at
		FROM inventory_transactions t
		JOIN products p ON p.id = t.product_id
		JOIN branches b ON b.id = t.branch_id
		LEFT JOIN users u ON u.id = t.user_id
		%s
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2), listArgs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.InventoryTransaction, 0, perPage)
	for rows.Next() {
		var tx domain.InventoryTransaction
		var related sql.NullInt64
		if err := rows.Scan(&tx.ID, &tx.ProductID, &tx.ProductName, &tx.BranchID, &tx.BranchName,
			&tx.Quantity, &tx.Type, &tx.CurrentStock, &tx.NewStock, &tx.UserID, &tx.Username,
			&tx.Reason, &related, &tx.CreatedAt); err != nil {
			return nil, err
		}
		if related.Valid {
			v := related.Int64
			tx.RelatedTransactionID = &v
		}
		tx.CreatedAt = tx.CreatedAt.UTC()
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &domain.Page[domain.InventoryTransaction]{
		Data:        result,
		Total:       total,
		CurrentPage: page,
		LastPage:    lastPage(total, perPage),
	}, nil
}

func (s *Store) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest, userID int64) (*domain.Order, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: order has no items", store.ErrInvalidInput)
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := s.branchExists(ctx, pgTx, req.BranchID); err != nil {
		return nil, err
	}
	if req.CustomerID != nil {
		var id int64
		err := pgTx.QueryRowContext(ctx, `SELECT id FROM customers WHERE id = $1`, *req.CustomerID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("customer %d: %w", *req.CustomerID, store.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
	}

	type pricedLine struct {
		productID  int64
		name       string
		trackStock bool
		qty        float64
		unit       int64
		subtotal   int64
		notes      string
	}
	lines := make([]pricedLine, 0, len(req.Items))
	total := int64(0)
	// duplicate lines for the same product draw from one stock entry, so
	// sufficiency is checked against what earlier lines already claimed
	claimed := make(map[int64]float64)
	for _, item := range req.Items {
		var name string
		var soldByWeight, trackStock, active bool
		err := pgTx.QueryRowContext(ctx, `
			SELECT name, sold_by_weight, track_stock, active
			FROM products
			WHERE id = $1
		`, item.ProductID).Scan(&name, &soldByWeight, &trackStock, &active)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("product %d: %w", item.ProductID, store.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		if !active {
			return nil, fmt.Errorf("product %d: %w", item.ProductID, store.ErrNotFound)
		}

		qty := domain.NormalizeQuantity(soldByWeight, item.Quantity)
		if qty <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", store.ErrInvalidInput, name)
		}
		if item.UnitPriceCents < 0 {
			return nil, fmt.Errorf("%w: negative unit price for %s", store.ErrInvalidInput, name)
		}

		if trackStock {
			entry, err := lockStockEntry(ctx, pgTx, item.ProductID, req.BranchID)
			if err != nil {
				return nil, err
			}
			available := entry.Stock - claimed[item.ProductID]
			if available < qty {
				return nil, fmt.Errorf("%w: %s has %s in stock", store.ErrInsufficientStock, name, formatQty(available))
			}
			claimed[item.ProductID] += qty
		}

		subtotal := domain.MulCents(qty, item.UnitPriceCents)
		total += subtotal
		lines = append(lines, pricedLine{item.ProductID, name, trackStock, qty, item.UnitPriceCents, subtotal, item.ModifiersNotes})
	}

	if req.PaidCents < total {
		return nil, fmt.Errorf("%w: paid amount is below order total", store.ErrInvalidInput)
	}

	var orderID int64
	err = pgTx.QueryRowContext(ctx, `
		INSERT INTO orders (branch_id, customer_id, user_id, total_cents, paid_cents, change_cents,
			refunded_cents, payment_method, status, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8,$9,now())
		RETURNING id
	`, req.BranchID, req.CustomerID, userID, total, req.PaidCents, req.PaidCents-total,
		req.PaymentMethod, domain.OrderStatusCompleted, nullIfEmpty(req.Notes)).Scan(&orderID)
	if err != nil {
		return nil, err
	}

	for _, line := range lines {
		if line.trackStock {
			var current, next float64
			err := pgTx.QueryRowContext(ctx, `
				UPDATE product_stocks SET stock = stock - $3, updated_at = now()
				WHERE product_id = $1 AND branch_id = $2
				RETURNING stock + $3, stock
			`, line.productID, req.BranchID, line.qty).Scan(&current, &next)
			if err != nil {
				return nil, err
			}
			if _, err := insertTransaction(ctx, pgTx, domain.InventoryTransaction{
				ProductID:    line.productID,
				BranchID:     req.BranchID,
				Quantity:     line.qty,
				Type:         domain.TxTypeSaleOut,
				CurrentStock: current,
				NewStock:     next,
				UserID:       userID,
				Reason:       fmt.Sprintf("sale order #%d", orderID),
			}); err != nil {
				return nil, err
			}
		}
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, product_name, quantity, returned_quantity,
				unit_price_cents, subtotal_cents, modifiers_notes)
			VALUES ($1,$2,$3,$4,0,$5,$6,$7)
		`, orderID, line.productID, line.name, line.qty, line.unit, line.subtotal, nullIfEmpty(line.notes)); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	return s.GetOrder(ctx, orderID)
}

func (s *Store) GetOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	var order domain.Order
	var customerID sql.NullInt64
	var customerName sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT o.id, o.branch_id, b.name, o.customer_id, c.name, o.user_id,
		       o.total_cents, o.paid_cents, o.change_cents, o.refunded_cents,
		       o.payment_method, o.status, COALESCE(o.notes, ''), o.created_at
		FROM orders o
		JOIN branches b ON b.id = o.branch_id
		LEFT JOIN customers c ON c.id = o.customer_id
		WHERE o.id = $1
	`, orderID).Scan(&order.ID, &order.BranchID, &order.BranchName, &customerID, &customerName,
		&order.UserID, &order.TotalCents, &order.PaidCents, &order.ChangeCents, &order.RefundedCents,
		&order.PaymentMethod, &order.Status, &order.Notes, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if customerID.Valid {
		v := customerID.Int64
		order.CustomerID = &v
	}
	if customerName.Valid {
		order.CustomerName = customerName.String
	}
	order.CreatedAt = order.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, product_name, quantity, returned_quantity,
		       unit_price_cents, subtotal_cents, COALESCE(modifiers_notes, '')
		FROM order_items
		WHERE order_id = $1
		ORDER BY id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName,
			&item.Quantity, &item.ReturnedQuantity, &item.UnitPriceCents, &item.SubtotalCents,
			&item.ModifiersNotes); err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &order, nil
}

func (s *Store) ListOrders(ctx context.Context, filter domain.OrderFilter, branchIDs []int64) (*domain.Page[domain.Order], error) {
	page, perPage := normalizePage(filter.Page, filter.PerPage)

	conds := []string{}
	args := []any{}
	if branchIDs != nil {
		args = append(args, branchIDs)
		conds = append(conds, fmt.Sprintf("o.branch_id = ANY($%d)", len(args)))
	}
	if filter.BranchID > 0 {
		args = append(args, filter.BranchID)
		conds = append(conds, fmt.Sprintf("o.branch_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("o.status = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		conds = append(conds, fmt.Sprintf("o.created_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conds = append(conds, fmt.Sprintf("o.created_at <= $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM orders o"+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	listArgs := append(append([]any{}, args...), perPage, (page-1)*perPage)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT o.id, o.branch_id, b.name, o.customer_id, c.name, o.user_id,
		       o.total_cents, o.paid_cents, o.change_cents, o.refunded_cents,
		       o.payment_method, o.status, COALESCE(o.notes, ''), o.created_at
		FROM orders o
		JOIN branches b ON b.id = o.branch_id
		LEFT JOIN customers c ON c.id = o.customer_id
		%s
		ORDER BY o.created_at DESC, o.id DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2), listArgs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Order, 0, perPage)
	for rows.Next() {
		var order domain.Order
		var customerID sql.NullInt64
		var customerName sql.NullString
		if err := rows.Scan(&order.ID, &order.BranchID, &order.BranchName, &customerID, &customerName,
			&order.UserID, &order.TotalCents, &order.PaidCents, &order.ChangeCents, &order.RefundedCents,
			&order.PaymentMethod, &order.Status, &order.Notes, &order.CreatedAt); err != nil {
			return nil, err
		}
		if customerID.Valid {
			v := customerID.Int64
			order.CustomerID = &v
		}
		if customerName.Valid {
			order.CustomerName = customerName.String
		}
		order.CreatedAt = order.CreatedAt.UTC()
		result = append(result, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &domain.Page[domain.Order]{
		Data:        result,
		Total:       total,
		CurrentPage: page,
		LastPage:    lastPage(total, perPage),
	}, nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, status string) (*domain.Order, error) {
	switch status {
	case domain.OrderStatusPending, domain.OrderStatusCompleted, domain.OrderStatusCancelled, domain.OrderStatusReturned:
	default:
		return nil, fmt.Errorf("%w: unknown order status %q", store.ErrInvalidInput, status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = $2, updated_at = now() WHERE id = $1
	`, orderID, status)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetOrder(ctx, orderID)
}

func (s *Store) CreateReturn(ctx context.Context, req domain.CreateReturnRequest, userID int64) (*domain.Return, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: return has no items", store.ErrInvalidInput)
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var branchID int64
	var status string
	err = pgTx.QueryRowContext(ctx, `
		SELECT branch_id, status FROM orders WHERE id = $1 FOR UPDATE
	`, req.OrderID).Scan(&branchID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", req.OrderID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if status != domain.OrderStatusCompleted {
		return nil, fmt.Errorf("%w: only completed orders can be returned", store.ErrInvalidInput)
	}

	type returnLine struct {
		orderItemID int64
		productID   int64
		productName string
		trackStock  bool
		qty         float64
		unit        int64
		refund      int64
	}
	lines := make([]returnLine, 0, len(req.Items))
	refundTotal := int64(0)
	// duplicate lines for the same order item share one returnable balance
	claimed := make(map[int64]float64)
	for _, line := range req.Items {
		var item returnLine
		var soldByWeight bool
		var quantity, returned float64
		err := pgTx.QueryRowContext(ctx, `
			SELECT oi.id, oi.product_id, oi.product_name, oi.quantity, oi.returned_quantity,
			       oi.unit_price_cents, p.sold_by_weight, p.track_stock
			FROM order_items oi
			JOIN products p ON p.id = oi.product_id
			WHERE oi.id = $1 AND oi.order_id = $2
			FOR UPDATE OF oi
		`, line.OrderItemID, req.OrderID).Scan(&item.orderItemID, &item.productID, &item.productName,
			&quantity, &returned, &item.unit, &soldByWeight, &item.trackStock)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order item %d: %w", line.OrderItemID, store.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}

		qty := domain.NormalizeQuantity(soldByWeight, line.Quantity)
		if qty <= 0 {
			return nil, fmt.Errorf("%w: return quantity must be positive", store.ErrInvalidInput)
		}
		if qty > quantity-returned-claimed[item.orderItemID] {
			return nil, fmt.Errorf("%w: return quantity exceeds remaining for %s", store.ErrInvalidInput, item.productName)
		}
		claimed[item.orderItemID] += qty
		item.qty = qty
		item.refund = domain.MulCents(qty, item.unit)
		refundTotal += item.refund
		lines = append(lines, item)
	}

	var returnID int64
	var createdAt time.Time
	err = pgTx.QueryRowContext(ctx, `
		INSERT INTO returns (order_id, branch_id, user_id, reason, refund_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,now())
		RETURNING id, created_at
	`, req.OrderID, branchID, userID, nullIfEmpty(req.Reason), refundTotal).Scan(&returnID, &createdAt)
	if err != nil {
		return nil, err
	}

	ret := &domain.Return{
		ID:          returnID,
		OrderID:     req.OrderID,
		BranchID:    branchID,
		UserID:      userID,
		Reason:      req.Reason,
		RefundCents: refundTotal,
		CreatedAt:   createdAt.UTC(),
	}

	for _, line := range lines {
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE order_items SET returned_quantity = returned_quantity + $2 WHERE id = $1
		`, line.orderItemID, line.qty); err != nil {
			return nil, err
		}
		if line.trackStock {
			entry, err := lockStockEntry(ctx, pgTx, line.productID, branchID)
			if err != nil {
				return nil, err
			}
			next := entry.Stock + line.qty
			if _, err := pgTx.ExecContext(ctx, `
				UPDATE product_stocks SET stock = $3, updated_at = now()
				WHERE product_id = $1 AND branch_id = $2
			`, line.productID, branchID, next); err != nil {
				return nil, err
			}
			if _, err := insertTransaction(ctx, pgTx, domain.InventoryTransaction{
				ProductID:    line.productID,
				BranchID:     branchID,
				Quantity:     line.qty,
				Type:         domain.TxTypeReturn,
				CurrentStock: entry.Stock,
				NewStock:     next,
				UserID:       userID,
				Reason:       fmt.Sprintf("return for order #%d", req.OrderID),
			}); err != nil {
				return nil, err
			}
		}

		var itemID int64
		err := pgTx.QueryRowContext(ctx, `
			INSERT INTO return_items (return_id, order_item_id, product_id, product_name, quantity, unit_price_cents, refund_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			RETURNING id
		`, returnID, line.orderItemID, line.productID, line.productName, line.qty, line.unit, line.refund).Scan(&itemID)
		if err != nil {
			return nil, err
		}
		ret.Items = append(ret.Items, domain.ReturnItem{
			ID:             itemID,
			ReturnID:       returnID,
			OrderItemID:    line.orderItemID,
			ProductID:      line.productID,
			ProductName:    line.productName,
			Quantity:       line.qty,
			UnitPriceCents: line.unit,
			RefundCents:    line.refund,
		})
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE orders SET refunded_cents = refunded_cents + $2, status = $3, updated_at = now()
		WHERE id = $1
	`, req.OrderID, refundTotal, domain.OrderStatusReturned); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	var branchesRaw, permissionsRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password, branch_ids, permissions, active, created_at
		FROM users
		WHERE username = $1 AND active = true
	`, strings.ToLower(strings.TrimSpace(username))).Scan(&user.ID, &user.Username, &user.Password,
		&branchesRaw, &permissionsRaw, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if len(branchesRaw) > 0 {
		if err := json.Unmarshal(branchesRaw, &user.BranchIDs); err != nil {
			return nil, err
		}
	}
	if len(permissionsRaw) > 0 {
		if err := json.Unmarshal(permissionsRaw, &user.Permissions); err != nil {
			return nil, err
		}
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	branchesRaw, err := json.Marshal(user.BranchIDs)
	if err != nil {
		return err
	}
	permissionsRaw, err := json.Marshal(user.Permissions)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, branch_ids, permissions, active, created_at)
		VALUES ($1,$2,$3,$4,true,now())
	`, username, user.Password, branchesRaw, permissionsRaw)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func scanSimpleItems(rows *sql.Rows) ([]domain.SimpleItem, error) {
	items := make([]domain.SimpleItem, 0, 64)
	for rows.Next() {
		var item domain.SimpleItem
		if err := rows.Scan(&item.ID, &item.Name); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func normalizePage(page int, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 200 {
		perPage = 200
	}
	return page, perPage
}

func lastPage(total int, perPage int) int {
	pages := (total + perPage - 1) / perPage
	if pages < 1 {
		pages = 1
	}
	return pages
}

func formatQty(qty float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", qty), "0"), ".")
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
