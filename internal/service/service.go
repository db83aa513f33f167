package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/vingaymai/duongbackend/internal/cache"
	"github.com/vingaymai/duongbackend/internal/domain"
	"github.com/vingaymai/duongbackend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo       store.Repository
	catalog    cache.CatalogCache
	catalogTTL time.Duration
}

func New(repo store.Repository, catalog cache.CatalogCache, catalogTTL time.Duration) *Service {
	if catalog == nil {
		catalog = cache.NoopCatalogCache{}
	}
	if catalogTTL <= 0 {
		catalogTTL = 30 * time.Second
	}

	return &Service{
		repo:       repo,
		catalog:    catalog,
		catalogTTL: catalogTTL,
	}
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, fmt.Errorf("authenticated actor required")
	}
	return actor, nil
}

// branchScope returns the branch filter handed to the repository: nil means
// unrestricted (global admin), otherwise the actor's accessible branches.
func branchScope(actor domain.Actor) []int64 {
	if actor.GlobalAdmin() {
		return nil
	}
	if actor.BranchIDs == nil {
		return []int64{}
	}
	return actor.BranchIDs
}

func (s *Service) ListSalesProducts(ctx context.Context, branchID int64, search string, activeOnly bool) ([]domain.SalesProduct, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if branchID < 1 {
		return nil, fmt.Errorf("%w: branch_id is required", store.ErrInvalidInput)
	}
	if !actor.CanAccessBranch(branchID) {
		return nil, fmt.Errorf("branch %d: %w", branchID, store.ErrForbiddenBranch)
	}

	search = strings.TrimSpace(search)
	key := cache.CatalogKey(branchID, search, activeOnly)
	if cached, hit, err := s.catalog.Get(ctx, key); err == nil && hit {
		return cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: catalog cache read failed: %v", err)
	}

	products, err := s.repo.ListSalesProducts(ctx, branchID, search, activeOnly)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.Set(ctx, key, products, s.catalogTTL); err != nil {
		log.Printf("[service] WARN: catalog cache write failed: %v", err)
	}
	return products, nil
}

func (s *Service) ListSimpleProducts(ctx context.Context) ([]domain.SimpleItem, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListSimpleProducts(ctx)
}

func (s *Service) ListBranches(ctx context.Context) ([]domain.SimpleItem, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListBranches(ctx, branchScope(actor))
}

func (s *Service) InventorySummary(ctx context.Context, filter domain.InventorySummaryFilter) (*domain.Page[domain.InventorySummaryRow], error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if filter.BranchID > 0 && !actor.CanAccessBranch(filter.BranchID) {
		return nil, fmt.Errorf("branch %d: %w", filter.BranchID, store.ErrForbiddenBranch)
	}
	return s.repo.InventorySummary(ctx, filter, branchScope(actor))
}

func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustmentRequest) (*domain.StockAdjustmentResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if req.ProductID < 1 || req.BranchID < 1 {
		return nil, fmt.Errorf("%w: product_id and branch_id are required", store.ErrInvalidInput)
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidInput)
	}
	switch req.Type {
	case domain.TxTypeIncrease, domain.TxTypeDecrease, domain.TxTypeImport, domain.TxTypeExport:
	default:
		return nil, fmt.Errorf("%w: unknown adjustment type %q", store.ErrInvalidInput, req.Type)
	}
	if !actor.CanAccessBranch(req.BranchID) {
		return nil, fmt.Errorf("branch %d: %w", req.BranchID, store.ErrForbiddenBranch)
	}
	req.Reason = strings.TrimSpace(req.Reason)

	resp, err := s.repo.AdjustStock(ctx, req, actor.UserID)
	if err != nil {
		return nil, err
	}

	s.invalidateCatalog(ctx, req.BranchID)
	log.Printf("[service] stock_adjust user=%s product=%d branch=%d type=%s qty=%.2f new_stock=%.2f",
		actor.Username, req.ProductID, req.BranchID, req.Type, req.Quantity, resp.NewStock)
	return resp, nil
}

func (s *Service) TransferStock(ctx context.Context, req domain.StockTransferRequest) (*domain.StockTransferResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if req.ProductID < 1 || req.FromBranchID < 1 || req.ToBranchID < 1 {
		return nil, fmt.Errorf("%w: product_id, from_branch_id and to_branch_id are required", store.ErrInvalidInput)
	}
	if req.FromBranchID == req.ToBranchID {
		return nil, fmt.Errorf("%w: source and destination branches are the same", store.ErrInvalidInput)
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidInput)
	}
	if !actor.CanAccessBranch(req.FromBranchID) {
		return nil, fmt.Errorf("branch %d: %w", req.FromBranchID, store.ErrForbiddenBranch)
	}
	if !actor.CanAccessBranch(req.ToBranchID) {
		return nil, fmt.Errorf("branch %d: %w", req.ToBranchID, store.ErrForbiddenBranch)
	}
	req.Reason = strings.TrimSpace(req.Reason)

	resp, err := s.repo.TransferStock(ctx, req, actor.UserID)
	if err != nil {
		return nil, err
	}

	s.invalidateCatalog(ctx, req.FromBranchID)
	s.invalidateCatalog(ctx, req.ToBranchID)
	log.Printf("[service] stock_transfer user=%s product=%d from=%d to=%d qty=%.2f",
		actor.Username, req.ProductID, req.FromBranchID, req.ToBranchID, req.Quantity)
	return resp, nil
}

func (s *Service) ListInventoryTransactions(ctx context.Context, filter domain.TransactionFilter) (*domain.Page[domain.InventoryTransaction], error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if filter.BranchID > 0 && !actor.CanAccessBranch(filter.BranchID) {
		return nil, fmt.Errorf("branch %d: %w", filter.BranchID, store.ErrForbiddenBranch)
	}
	return s.repo.ListInventoryTransactions(ctx, filter, branchScope(actor))
}

func (s *Service) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (*domain.Order, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if req.BranchID < 1 {
		return nil, fmt.Errorf("%w: branch_id is required", store.ErrInvalidInput)
	}
	if !actor.CanAccessBranch(req.BranchID) {
		return nil, fmt.Errorf("branch %d: %w", req.BranchID, store.ErrForbiddenBranch)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: order has no items", store.ErrInvalidInput)
	}
	for _, item := range req.Items {
		if item.ProductID < 1 {
			return nil, fmt.Errorf("%w: item product_id is required", store.ErrInvalidInput)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item quantity must be positive", store.ErrInvalidInput)
		}
	}
	if req.PaidCents < 0 {
		return nil, fmt.Errorf("%w: paid amount must not be negative", store.ErrInvalidInput)
	}
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if req.PaymentMethod == "" {
		req.PaymentMethod = "cash"
	}
	req.Notes = strings.TrimSpace(req.Notes)

	order, err := s.repo.PlaceOrder(ctx, req, actor.UserID)
	if err != nil {
		return nil, err
	}

	s.invalidateCatalog(ctx, req.BranchID)
	log.Printf("[service] order_place user=%s order=%d branch=%d total=%d items=%d",
		actor.Username, order.ID, order.BranchID, order.TotalCents, len(order.Items))
	return order, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.CanAccessBranch(order.BranchID) {
		return nil, fmt.Errorf("branch %d: %w", order.BranchID, store.ErrForbiddenBranch)
	}
	return order, nil
}

func (s *Service) ListOrders(ctx context.Context, filter domain.OrderFilter) (*domain.Page[domain.Order], error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if filter.BranchID > 0 && !actor.CanAccessBranch(filter.BranchID) {
		return nil, fmt.Errorf("branch %d: %w", filter.BranchID, store.ErrForbiddenBranch)
	}
	return s.repo.ListOrders(ctx, filter, branchScope(actor))
}

func (s *Service) UpdateOrderStatus(ctx context.Context, orderID int64, status string) (*domain.Order, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	status = strings.ToLower(strings.TrimSpace(status))
	if status == "" {
		return nil, fmt.Errorf("%w: status is required", store.ErrInvalidInput)
	}

	existing, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.CanAccessBranch(existing.BranchID) {
		return nil, fmt.Errorf("branch %d: %w", existing.BranchID, store.ErrForbiddenBranch)
	}

	order, err := s.repo.UpdateOrderStatus(ctx, orderID, status)
	if err != nil {
		return nil, err
	}
	log.Printf("[service] order_status user=%s order=%d status=%s", actor.Username, orderID, status)
	return order, nil
}

func (s *Service) CreateReturn(ctx context.Context, req domain.CreateReturnRequest) (*domain.Return, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if req.OrderID < 1 {
		return nil, fmt.Errorf("%w: order_id is required", store.ErrInvalidInput)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: return has no items", store.ErrInvalidInput)
	}
	for _, item := range req.Items {
		if item.OrderItemID < 1 {
			return nil, fmt.Errorf("%w: order_item_id is required", store.ErrInvalidInput)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: return quantity must be positive", store.ErrInvalidInput)
		}
	}
	req.Reason = strings.TrimSpace(req.Reason)

	existing, err := s.repo.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if !actor.CanAccessBranch(existing.BranchID) {
		return nil, fmt.Errorf("branch %d: %w", existing.BranchID, store.ErrForbiddenBranch)
	}

	ret, err := s.repo.CreateReturn(ctx, req, actor.UserID)
	if err != nil {
		return nil, err
	}

	s.invalidateCatalog(ctx, ret.BranchID)
	log.Printf("[service] order_return user=%s order=%d refund=%d items=%d",
		actor.Username, req.OrderID, ret.RefundCents, len(ret.Items))
	return ret, nil
}

func (s *Service) invalidateCatalog(ctx context.Context, branchID int64) {
	if err := s.catalog.InvalidateBranch(ctx, branchID); err != nil {
		log.Printf("[service] WARN: catalog cache invalidation failed branch=%d: %v", branchID, err)
	}
}
