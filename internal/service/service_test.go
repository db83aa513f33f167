package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vingaymai/duongbackend/internal/domain"
	"github.com/vingaymai/duongbackend/internal/store"
	"github.com/vingaymai/duongbackend/internal/store/memory"
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	return New(repo, nil, 5*time.Second), repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{
		UserID:      1,
		Username:    "admin",
		Permissions: []string{domain.PermAdminGlobal},
	})
}

func staffCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{
		UserID:      2,
		Username:    "staff",
		BranchIDs:   []int64{1},
		Permissions: []string{"inventory_manage", "sales_pos"},
	})
}

func TestAdjustStockIncrease(t *testing.T) {
	svc, repo := newTestService()

	resp, err := svc.AdjustStock(adminCtx(), domain.StockAdjustmentRequest{
		ProductID: 1,
		BranchID:  1,
		Quantity:  10,
		Type:      domain.TxTypeIncrease,
		Reason:    "cycle count correction",
	})
	if err != nil {
		t.Fatalf("adjust stock failed: %v", err)
	}
	if resp.NewStock != 50 {
		t.Fatalf("expected new stock 50, got %.2f", resp.NewStock)
	}

	entry, err := repo.GetStockEntry(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("get stock entry failed: %v", err)
	}
	if entry.Stock != 50 {
		t.Fatalf("expected ledger stock 50, got %.2f", entry.Stock)
	}

	page, err := svc.ListInventoryTransactions(adminCtx(), domain.TransactionFilter{ProductID: 1, BranchID: 1})
	if err != nil {
		t.Fatalf("list transactions failed: %v", err)
	}
	if len(page.Data) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(page.Data))
	}
	tx := page.Data[0]
	if tx.Type != domain.TxTypeIncrease || tx.CurrentStock != 40 || tx.NewStock != 50 {
		t.Fatalf("unexpected transaction snapshot: type=%s current=%.2f new=%.2f", tx.Type, tx.CurrentStock, tx.NewStock)
	}
	if tx.Username != "admin" {
		t.Fatalf("expected transaction attributed to admin, got %q", tx.Username)
	}
}

func TestAdjustStockDecreaseBelowZeroRejected(t *testing.T) {
	svc, repo := newTestService()

	_, err := svc.AdjustStock(adminCtx(), domain.StockAdjustmentRequest{
		ProductID: 1,
		BranchID:  1,
		Quantity:  100,
		Type:      domain.TxTypeDecrease,
		Reason:    "shrinkage",
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	entry, err := repo.GetStockEntry(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("get stock entry failed: %v", err)
	}
	if entry.Stock != 40 {
		t.Fatalf("expected stock unchanged at 40, got %.2f", entry.Stock)
	}

	page, err := svc.ListInventoryTransactions(adminCtx(), domain.TransactionFilter{ProductID: 1, BranchID: 1})
	if err != nil {
		t.Fatalf("list transactions failed: %v", err)
	}
	if len(page.Data) != 0 {
		t.Fatalf("expected no transaction for rejected adjustment, got %d", len(page.Data))
	}
}

func TestAdjustStockLazilyCreatesLedgerEntry(t *testing.T) {
	svc, repo := newTestService()

	// product 4 has no stock row at branch 2 yet
	if _, err := repo.GetStockEntry(context.Background(), 4, 2); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no pre-existing entry, got %v", err)
	}

	resp, err := svc.AdjustStock(adminCtx(), domain.StockAdjustmentRequest{
		ProductID: 4,
		BranchID:  2,
		Quantity:  20,
		Type:      domain.TxTypeImport,
		Reason:    "initial delivery",
	})
	if err != nil {
		t.Fatalf("adjust stock failed: %v", err)
	}
	if resp.NewStock != 20 {
		t.Fatalf("expected new stock 20, got %.2f", resp.NewStock)
	}

	entry, err := repo.GetStockEntry(context.Background(), 4, 2)
	if err != nil {
		t.Fatalf("expected ledger entry to exist: %v", err)
	}
	if entry.LowStockThreshold != domain.DefaultLowStockThreshold {
		t.Fatalf("expected default threshold %.0f, got %.2f", float64(domain.DefaultLowStockThreshold), entry.LowStockThreshold)
	}
	if !entry.Available {
		t.Fatalf("expected lazily created entry to be available")
	}
}

func TestAdjustStockValidation(t *testing.T) {
	svc, _ := newTestService()

	cases := []struct {
		name string
		req  domain.StockAdjustmentRequest
	}{
		{"missing ids", domain.StockAdjustmentRequest{Quantity: 1, Type: domain.TxTypeIncrease}},
		{"zero quantity", domain.StockAdjustmentRequest{ProductID: 1, BranchID: 1, Quantity: 0, Type: domain.TxTypeIncrease}},
		{"negative quantity", domain.StockAdjustmentRequest{ProductID: 1, BranchID: 1, Quantity: -5, Type: domain.TxTypeIncrease}},
		{"unknown type", domain.StockAdjustmentRequest{ProductID: 1, BranchID: 1, Quantity: 1, Type: "evaporate"}},
	}
	for _, tc := range cases {
		if _, err := svc.AdjustStock(adminCtx(), tc.req); !errors.Is(err, store.ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
}

func TestAdjustStockForbiddenBranch(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.AdjustStock(staffCtx(), domain.StockAdjustmentRequest{
		ProductID: 1,
		BranchID:  2,
		Quantity:  1,
		Type:      domain.TxTypeIncrease,
	})
	if !errors.Is(err, store.ErrForbiddenBranch) {
		t.Fatalf("expected ErrForbiddenBranch, got %v", err)
	}
}

func TestTransferStockLinksBothDirections(t *testing.T) {
	svc, repo := newTestService()

	resp, err := svc.TransferStock(adminCtx(), domain.StockTransferRequest{
		ProductID:    1,
		FromBranchID: 1,
		ToBranchID:   2,
		Quantity:     5,
		Reason:       "rebalance",
	})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if resp.SourceNewStock != 35 || resp.DestNewStock != 17 {
		t.Fatalf("unexpected post-transfer stocks: source=%.2f dest=%.2f", resp.SourceNewStock, resp.DestNewStock)
	}

	page, err := svc.ListInventoryTransactions(adminCtx(), domain.TransactionFilter{ProductID: 1})
	if err != nil {
		t.Fatalf("list transactions failed: %v", err)
	}
	if len(page.Data) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(page.Data))
	}

	var out, in *domain.InventoryTransaction
	for i := range page.Data {
		switch page.Data[i].Type {
		case domain.TxTypeTransferOut:
			out = &page.Data[i]
		case domain.TxTypeTransferIn:
			in = &page.Data[i]
		}
	}
	if out == nil || in == nil {
		t.Fatalf("expected transfer_out and transfer_in rows")
	}
	if out.RelatedTransactionID == nil || *out.RelatedTransactionID != in.ID {
		t.Fatalf("transfer_out not linked to transfer_in")
	}
	if in.RelatedTransactionID == nil || *in.RelatedTransactionID != out.ID {
		t.Fatalf("transfer_in not linked to transfer_out")
	}

	src, err := repo.GetStockEntry(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("get source entry failed: %v", err)
	}
	dst, err := repo.GetStockEntry(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("get dest entry failed: %v", err)
	}
	if src.Stock != 35 || dst.Stock != 17 {
		t.Fatalf("ledger mismatch after transfer: source=%.2f dest=%.2f", src.Stock, dst.Stock)
	}
}

func TestTransferStockInsufficientSource(t *testing.T) {
	svc, repo := newTestService()

	_, err := svc.TransferStock(adminCtx(), domain.StockTransferRequest{
		ProductID:    2,
		FromBranchID: 1,
		ToBranchID:   2,
		Quantity:     26,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	src, err := repo.GetStockEntry(context.Background(), 2, 1)
	if err != nil {
		t.Fatalf("get source entry failed: %v", err)
	}
	if src.Stock != 25 {
		t.Fatalf("expected source stock unchanged at 25, got %.2f", src.Stock)
	}
}

func TestTransferStockSameBranchRejected(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.TransferStock(adminCtx(), domain.StockTransferRequest{
		ProductID:    1,
		FromBranchID: 1,
		ToBranchID:   1,
		Quantity:     1,
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for same-branch transfer, got %v", err)
	}
}

func TestPlaceOrderComputesTotalsAndDecrementsStock(t *testing.T) {
	svc, repo := newTestService()

	order, err := svc.PlaceOrder(staffCtx(), domain.PlaceOrderRequest{
		BranchID:      1,
		PaidCents:     400000,
		PaymentMethod: "cash",
		Items: []domain.OrderItemRequest{
			{ProductID: 1, Quantity: 2, UnitPriceCents: 185000},
			{ProductID: 6, Quantity: 3, UnitPriceCents: 6000},
		},
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}
	if order.TotalCents != 388000 {
		t.Fatalf("expected total 388000, got %d", order.TotalCents)
	}
	if order.ChangeCents != 12000 {
		t.Fatalf("expected change 12000, got %d", order.ChangeCents)
	}
	if order.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected status completed, got %s", order.Status)
	}
	if len(order.Items) != 2 {
		t.Fatalf("expected 2 order items, got %d", len(order.Items))
	}
	if order.Items[0].ProductName != "Cà phê hạt 500g" {
		t.Fatalf("expected product name snapshot, got %q", order.Items[0].ProductName)
	}

	coffee, err := repo.GetStockEntry(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("get coffee entry failed: %v", err)
	}
	if coffee.Stock != 38 {
		t.Fatalf("expected coffee stock 38, got %.2f", coffee.Stock)
	}
	water, err := repo.GetStockEntry(context.Background(), 6, 1)
	if err != nil {
		t.Fatalf("get water entry failed: %v", err)
	}
	if water.Stock != 237 {
		t.Fatalf("expected water stock 237, got %.2f", water.Stock)
	}

	page, err := svc.ListInventoryTransactions(staffCtx(), domain.TransactionFilter{Type: domain.TxTypeSaleOut})
	if err != nil {
		t.Fatalf("list transactions failed: %v", err)
	}
	if len(page.Data) != 2 {
		t.Fatalf("expected 2 sale_out transactions, got %d", len(page.Data))
	}
	wantReason := fmt.Sprintf("sale order #%d", order.ID)
	for _, tx := range page.Data {
		if tx.Reason != wantReason {
			t.Fatalf("expected reason %q, got %q", wantReason, tx.Reason)
		}
	}
}

func TestPlaceOrderNormalizesQuantities(t *testing.T) {
	svc, repo := newTestService()

	order, err := svc.PlaceOrder(adminCtx(), domain.PlaceOrderRequest{
		BranchID:  1,
		PaidCents: 1000000,
		Items: []domain.OrderItemRequest{
			// unit product: fractional qty floors to 2
			{ProductID: 1, Quantity: 2.9, UnitPriceCents: 185000},
			// weight product: qty rounds to 2 decimals
			{ProductID: 3, Quantity: 1.237, UnitPriceCents: 16500},
		},
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}
	if order.Items[0].Quantity != 2 {
		t.Fatalf("expected unit quantity floored to 2, got %.3f", order.Items[0].Quantity)
	}
	if order.Items[1].Quantity != 1.24 {
		t.Fatalf("expected weight quantity 1.24, got %.3f", order.Items[1].Quantity)
	}
	wantMeat := int64(20460) // 1.24 * 16500
	if order.Items[1].SubtotalCents != wantMeat {
		t.Fatalf("expected meat subtotal %d, got %d", wantMeat, order.Items[1].SubtotalCents)
	}

	meat, err := repo.GetStockEntry(context.Background(), 3, 1)
	if err != nil {
		t.Fatalf("get meat entry failed: %v", err)
	}
	if meat.Stock != 79.26 {
		t.Fatalf("expected meat stock 79.26, got %.4f", meat.Stock)
	}
}

func TestPlaceOrderInsufficientStockLeavesNothingBehind(t *testing.T) {
	svc, repo := newTestService()

	_, err := svc.PlaceOrder(adminCtx(), domain.PlaceOrderRequest{
		BranchID:  1,
		PaidCents: 10000000,
		Items: []domain.OrderItemRequest{
			{ProductID: 1, Quantity: 2, UnitPriceCents: 185000},
			{ProductID: 2, Quantity: 30, UnitPriceCents: 92000},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	coffee, err := repo.GetStockEntry(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("get coffee entry failed: %v", err)
	}
	if coffee.Stock != 40 {
		t.Fatalf("expected coffee stock untouched at 40, got %.2f", coffee.Stock)
	}

	orders, err := svc.ListOrders(adminCtx(), domain.OrderFilter{})
	if err != nil {
		t.Fatalf("list orders failed: %v", err)
	}
	if orders.Total != 0 {
		t.Fatalf("expected no orders, got %d", orders.Total)
	}
}

func TestPlaceOrderDuplicateLinesCannotOverdraw(t *testing.T) {
	svc, repo := newTestService()

	// product 2 has 25 in stock; each line fits alone but not together
	_, err := svc.PlaceOrder(adminCtx(), domain.PlaceOrderRequest{
		BranchID:  1,
		PaidCents: 10000000,
		Items: []domain.OrderItemRequest{
			{ProductID: 2, Quantity: 20, UnitPriceCents: 92000},
			{ProductID: 2, Quantity: 20, UnitPriceCents: 92000},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	tea, err := repo.GetStockEntry(context.Background(), 2, 1)
	if err != nil {
		t.Fatalf("get tea entry failed: %v", err)
	}
	if tea.Stock != 25 {
		t.Fatalf("expected tea stock untouched at 25, got %.2f", tea.Stock)
	}
	orders, err := svc.ListOrders(adminCtx(), domain.OrderFilter{})
	if err != nil {
		t.Fatalf("list orders failed: %v", err)
	}
	if orders.Total != 0 {
		t.Fatalf("expected no orders, got %d", orders.Total)
	}

	// duplicate lines that jointly fit still decrement sequentially
	order, err := svc.PlaceOrder(adminCtx(), domain.PlaceOrderRequest{
		BranchID:  1,
		PaidCents: 10000000,
		Items: []domain.OrderItemRequest{
			{ProductID: 2, Quantity: 10, UnitPriceCents: 92000},
			{ProductID: 2, Quantity: 10, UnitPriceCents: 92000},
		},
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}
	if len(order.Items) != 2 {
		t.Fatalf("expected 2 order items, got %d", len(order.Items))
	}

	tea, err = repo.GetStockEntry(context.Background(), 2, 1)
	if err != nil {
		t.Fatalf("get tea entry failed: %v", err)
	}
	if tea.Stock != 5 {
		t.Fatalf("expected tea stock 5, got %.2f", tea.Stock)
	}

	page, err := svc.ListInventoryTransactions(adminCtx(), domain.TransactionFilter{ProductID: 2, Type: domain.TxTypeSaleOut})
	if err != nil {
		t.Fatalf("list transactions failed: %v", err)
	}
	if len(page.Data) != 2 {
		t.Fatalf("expected 2 sale_out transactions, got %d", len(page.Data))
	}
	for _, tx := range page.Data {
		if tx.NewStock != tx.CurrentStock-10 {
			t.Fatalf("transaction snapshot does not bracket the decrement: current=%.2f new=%.2f", tx.CurrentStock, tx.NewStock)
		}
	}
}

func TestPlaceOrderSkipsUntrackedProducts(t *testing.T) {
	svc, _ := newTestService()

	// product 5 has no stock tracking; selling it must not touch the ledger
	order, err := svc.PlaceOrder(adminCtx(), domain.PlaceOrderRequest{
		BranchID:  1,
		PaidCents: 5000,
		Items: []domain.OrderItemRequest{
			{ProductID: 5, Quantity: 10, UnitPriceCents: 500},
		},
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}
	if order.TotalCents != 5000 {
		t.Fatalf("expected total 5000, got %d", order.TotalCents)
	}

	page, err := svc.ListInventoryTransactions(adminCtx(), domain.TransactionFilter{ProductID: 5})
	if err != nil {
		t.Fatalf("list transactions failed: %v", err)
	}
	if len(page.Data) != 0 {
		t.Fatalf("expected no ledger rows for untracked product, got %d", len(page.Data))
	}
}

func TestPlaceOrderPaidBelowTotalRejected(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.PlaceOrder(adminCtx(), domain.PlaceOrderRequest{
		BranchID:  1,
		PaidCents: 100,
		Items: []domain.OrderItemRequest{
			{ProductID: 6, Quantity: 1, UnitPriceCents: 6000},
		},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for underpayment, got %v", err)
	}
}

func TestPlaceOrderDefaultsPaymentMethodToCash(t *testing.T) {
	svc, _ := newTestService()

	order, err := svc.PlaceOrder(adminCtx(), domain.PlaceOrderRequest{
		BranchID:  1,
		PaidCents: 6000,
		Items: []domain.OrderItemRequest{
			{ProductID: 6, Quantity: 1, UnitPriceCents: 6000},
		},
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}
	if order.PaymentMethod != "cash" {
		t.Fatalf("expected default payment method cash, got %q", order.PaymentMethod)
	}
}

func TestCreateReturnRestocksAndAccumulatesRefund(t *testing.T) {
	svc, repo := newTestService()

	order, err := svc.PlaceOrder(adminCtx(), domain.PlaceOrderRequest{
		BranchID:  1,
		PaidCents: 555000,
		Items: []domain.OrderItemRequest{
			{ProductID: 1, Quantity: 3, UnitPriceCents: 185000},
		},
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}

	ret, err := svc.CreateReturn(adminCtx(), domain.CreateReturnRequest{
		OrderID: order.ID,
		Reason:  "damaged packaging",
		Items: []domain.ReturnItemRequest{
			{OrderItemID: order.Items[0].ID, Quantity: 2},
		},
	})
	if err != nil {
		t.Fatalf("create return failed: %v", err)
	}
	if ret.RefundCents != 370000 {
		t.Fatalf("expected refund 370000, got %d", ret.RefundCents)
	}

	coffee, err := repo.GetStockEntry(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("get coffee entry failed: %v", err)
	}
	if coffee.Stock != 39 {
		t.Fatalf("expected stock restored to 39, got %.2f", coffee.Stock)
	}

	updated, err := svc.GetOrder(adminCtx(), order.ID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if updated.Status != domain.OrderStatusReturned {
		t.Fatalf("expected order status returned, got %s", updated.Status)
	}
	if updated.RefundedCents != 370000 {
		t.Fatalf("expected refunded 370000, got %d", updated.RefundedCents)
	}
	if updated.Items[0].ReturnedQuantity != 2 {
		t.Fatalf("expected returned quantity 2, got %.2f", updated.Items[0].ReturnedQuantity)
	}

	page, err := svc.ListInventoryTransactions(adminCtx(), domain.TransactionFilter{Type: domain.TxTypeReturn})
	if err != nil {
		t.Fatalf("list transactions failed: %v", err)
	}
	if len(page.Data) != 1 {
		t.Fatalf("expected 1 return transaction, got %d", len(page.Data))
	}
}

func TestCreateReturnRejectsOverReturn(t *testing.T) {
	svc, _ := newTestService()

	order, err := svc.PlaceOrder(adminCtx(), domain.PlaceOrderRequest{
		BranchID:  1,
		PaidCents: 18000,
		Items: []domain.OrderItemRequest{
			{ProductID: 6, Quantity: 3, UnitPriceCents: 6000},
		},
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}

	_, err = svc.CreateReturn(adminCtx(), domain.CreateReturnRequest{
		OrderID: order.ID,
		Items: []domain.ReturnItemRequest{
			{OrderItemID: order.Items[0].ID, Quantity: 4},
		},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for over-return, got %v", err)
	}
}

func TestCreateReturnDuplicateLinesCannotOverReturn(t *testing.T) {
	svc, repo := newTestService()

	order, err := svc.PlaceOrder(adminCtx(), domain.PlaceOrderRequest{
		BranchID:  1,
		PaidCents: 18000,
		Items: []domain.OrderItemRequest{
			{ProductID: 6, Quantity: 3, UnitPriceCents: 6000},
		},
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}
	itemID := order.Items[0].ID

	// two lines against the same order item that jointly exceed the 3 sold
	_, err = svc.CreateReturn(adminCtx(), domain.CreateReturnRequest{
		OrderID: order.ID,
		Items: []domain.ReturnItemRequest{
			{OrderItemID: itemID, Quantity: 2},
			{OrderItemID: itemID, Quantity: 2},
		},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for duplicate over-return, got %v", err)
	}

	water, err := repo.GetStockEntry(context.Background(), 6, 1)
	if err != nil {
		t.Fatalf("get water entry failed: %v", err)
	}
	if water.Stock != 237 {
		t.Fatalf("expected water stock untouched at 237, got %.2f", water.Stock)
	}
	unchanged, err := svc.GetOrder(adminCtx(), order.ID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if unchanged.RefundedCents != 0 || unchanged.Items[0].ReturnedQuantity != 0 {
		t.Fatalf("rejected return left state behind: refunded=%d returned=%.2f",
			unchanged.RefundedCents, unchanged.Items[0].ReturnedQuantity)
	}

	// duplicate lines within the sold quantity are fine
	ret, err := svc.CreateReturn(adminCtx(), domain.CreateReturnRequest{
		OrderID: order.ID,
		Items: []domain.ReturnItemRequest{
			{OrderItemID: itemID, Quantity: 2},
			{OrderItemID: itemID, Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("create return failed: %v", err)
	}
	if ret.RefundCents != 18000 {
		t.Fatalf("expected refund 18000, got %d", ret.RefundCents)
	}

	water, err = repo.GetStockEntry(context.Background(), 6, 1)
	if err != nil {
		t.Fatalf("get water entry failed: %v", err)
	}
	if water.Stock != 240 {
		t.Fatalf("expected water stock restored to 240, got %.2f", water.Stock)
	}
	updated, err := svc.GetOrder(adminCtx(), order.ID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if updated.Items[0].ReturnedQuantity != 3 {
		t.Fatalf("expected returned quantity 3, got %.2f", updated.Items[0].ReturnedQuantity)
	}
}

func TestCreateReturnRequiresCompletedOrder(t *testing.T) {
	svc, _ := newTestService()

	order, err := svc.PlaceOrder(adminCtx(), domain.PlaceOrderRequest{
		BranchID:  1,
		PaidCents: 6000,
		Items: []domain.OrderItemRequest{
			{ProductID: 6, Quantity: 1, UnitPriceCents: 6000},
		},
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}

	if _, err := svc.UpdateOrderStatus(adminCtx(), order.ID, domain.OrderStatusCancelled); err != nil {
		t.Fatalf("cancel order failed: %v", err)
	}

	_, err = svc.CreateReturn(adminCtx(), domain.CreateReturnRequest{
		OrderID: order.ID,
		Items: []domain.ReturnItemRequest{
			{OrderItemID: order.Items[0].ID, Quantity: 1},
		},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for cancelled order, got %v", err)
	}
}

func TestUpdateOrderStatusAcceptsKnownStatuses(t *testing.T) {
	svc, _ := newTestService()

	order, err := svc.PlaceOrder(adminCtx(), domain.PlaceOrderRequest{
		BranchID:  1,
		PaidCents: 6000,
		Items: []domain.OrderItemRequest{
			{ProductID: 6, Quantity: 1, UnitPriceCents: 6000},
		},
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}

	for _, status := range []string{
		domain.OrderStatusPending,
		domain.OrderStatusCompleted,
		domain.OrderStatusCancelled,
		domain.OrderStatusReturned,
	} {
		updated, err := svc.UpdateOrderStatus(adminCtx(), order.ID, status)
		if err != nil {
			t.Fatalf("update to %q failed: %v", status, err)
		}
		if updated.Status != status {
			t.Fatalf("expected status %q, got %q", status, updated.Status)
		}
	}

	if _, err := svc.UpdateOrderStatus(adminCtx(), order.ID, "shipped"); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown status, got %v", err)
	}
}

func TestGetOrderForbiddenForOtherBranch(t *testing.T) {
	svc, _ := newTestService()

	order, err := svc.PlaceOrder(adminCtx(), domain.PlaceOrderRequest{
		BranchID:  2,
		PaidCents: 6000,
		Items: []domain.OrderItemRequest{
			{ProductID: 6, Quantity: 1, UnitPriceCents: 6000},
		},
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}

	_, err = svc.GetOrder(staffCtx(), order.ID)
	if !errors.Is(err, store.ErrForbiddenBranch) {
		t.Fatalf("expected ErrForbiddenBranch, got %v", err)
	}
}

func TestListInventoryTransactionsScopedToActorBranches(t *testing.T) {
	svc, _ := newTestService()

	for _, branchID := range []int64{1, 2} {
		_, err := svc.AdjustStock(adminCtx(), domain.StockAdjustmentRequest{
			ProductID: 1,
			BranchID:  branchID,
			Quantity:  1,
			Type:      domain.TxTypeIncrease,
		})
		if err != nil {
			t.Fatalf("adjust at branch %d failed: %v", branchID, err)
		}
	}

	page, err := svc.ListInventoryTransactions(staffCtx(), domain.TransactionFilter{})
	if err != nil {
		t.Fatalf("list transactions failed: %v", err)
	}
	for _, tx := range page.Data {
		if tx.BranchID != 1 {
			t.Fatalf("staff saw transaction for branch %d", tx.BranchID)
		}
	}
	if len(page.Data) != 1 {
		t.Fatalf("expected exactly 1 visible transaction, got %d", len(page.Data))
	}
}

func TestListSalesProductsForbiddenBranch(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.ListSalesProducts(staffCtx(), 2, "", true)
	if !errors.Is(err, store.ErrForbiddenBranch) {
		t.Fatalf("expected ErrForbiddenBranch, got %v", err)
	}
}

func TestListBranchesScopedToActor(t *testing.T) {
	svc, _ := newTestService()

	branches, err := svc.ListBranches(staffCtx())
	if err != nil {
		t.Fatalf("list branches failed: %v", err)
	}
	if len(branches) != 1 || branches[0].ID != 1 {
		t.Fatalf("expected staff to see only branch 1, got %+v", branches)
	}

	all, err := svc.ListBranches(adminCtx())
	if err != nil {
		t.Fatalf("list branches failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected admin to see 2 branches, got %d", len(all))
	}
}

func TestOperationsRequireActor(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.AdjustStock(ctx, domain.StockAdjustmentRequest{ProductID: 1, BranchID: 1, Quantity: 1, Type: domain.TxTypeIncrease}); err == nil {
		t.Fatalf("expected adjust without actor to fail")
	}
	if _, err := svc.PlaceOrder(ctx, domain.PlaceOrderRequest{BranchID: 1, Items: []domain.OrderItemRequest{{ProductID: 1, Quantity: 1}}}); err == nil {
		t.Fatalf("expected order without actor to fail")
	}
}

func TestConcurrentOrdersNeverOversell(t *testing.T) {
	svc, repo := newTestService()
	ctx := adminCtx()

	// branch 2 holds 12 units of product 1; fire more orders than stock
	const attempts = 20
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.PlaceOrder(ctx, domain.PlaceOrderRequest{
				BranchID:  2,
				PaidCents: 185000,
				Items: []domain.OrderItemRequest{
					{ProductID: 1, Quantity: 1, UnitPriceCents: 185000},
				},
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, rejected := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrInsufficientStock):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 12 || rejected != 8 {
		t.Fatalf("expected 12 accepted and 8 rejected, got %d/%d", succeeded, rejected)
	}

	entry, err := repo.GetStockEntry(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("get stock entry failed: %v", err)
	}
	if entry.Stock != 0 {
		t.Fatalf("expected stock drained to 0, got %.2f", entry.Stock)
	}
}
