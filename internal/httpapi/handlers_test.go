package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vingaymai/duongbackend/internal/domain"
	"github.com/vingaymai/duongbackend/internal/service"
	"github.com/vingaymai/duongbackend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, nil, time.Second)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*")
}

func doJSON(t *testing.T, api *API, method string, path string, token string, csrf string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", "", map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.AccessToken == "" {
		t.Fatalf("expected access_token in response")
	}
	if body.Username != "admin" {
		t.Fatalf("expected username admin, got %q", body.Username)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", "", map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestInventorySummary_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/inventory", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestInventorySummary_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)

	rec := doJSON(t, api, http.MethodGet, "/api/v1/inventory?per_page=3", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var page domain.Page[domain.InventorySummaryRow]
	if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if page.Total != 7 {
		t.Fatalf("expected 7 products in summary, got %d", page.Total)
	}
	if len(page.Data) != 3 {
		t.Fatalf("expected 3 rows on first page, got %d", len(page.Data))
	}
	if page.LastPage != 3 {
		t.Fatalf("expected 3 pages, got %d", page.LastPage)
	}
}

func TestStockAdjustmentEndToEnd(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/inventory/adjustments", token, csrf, domain.StockAdjustmentRequest{
		ProductID: 1,
		BranchID:  1,
		Quantity:  5,
		Type:      domain.TxTypeIncrease,
		Reason:    "supplier delivery",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var resp domain.StockAdjustmentResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.NewStock != 45 {
		t.Fatalf("expected new stock 45, got %.2f", resp.NewStock)
	}

	// the adjustment must show up in the transaction log
	listRec := doJSON(t, api, http.MethodGet, "/api/v1/inventory/transactions?product_id=1&branch_id=1", token, "", nil)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", listRec.Code, listRec.Body.String())
	}
	var page domain.Page[domain.InventoryTransaction]
	if err := json.NewDecoder(listRec.Body).Decode(&page); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected 1 transaction, got %d", page.Total)
	}
	if page.Data[0].ProductName != "Cà phê hạt 500g" {
		t.Fatalf("expected product name in transaction, got %q", page.Data[0].ProductName)
	}
}

func TestStockAdjustmentInsufficientReturns409(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/inventory/adjustments", token, csrf, domain.StockAdjustmentRequest{
		ProductID: 1,
		BranchID:  1,
		Quantity:  1000,
		Type:      domain.TxTypeDecrease,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestStockTransferEndpoint(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/inventory/transfers", token, csrf, domain.StockTransferRequest{
		ProductID:    6,
		FromBranchID: 1,
		ToBranchID:   2,
		Quantity:     40,
		Reason:       "rebalance",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var resp domain.StockTransferResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.SourceNewStock != 200 || resp.DestNewStock != 136 {
		t.Fatalf("unexpected stocks after transfer: %.2f / %.2f", resp.SourceNewStock, resp.DestNewStock)
	}
	if resp.OutTransactionID == 0 || resp.InTransactionID == 0 {
		t.Fatalf("expected both transaction ids, got %d / %d", resp.OutTransactionID, resp.InTransactionID)
	}
}

func TestPlaceOrderAndReturnFlow(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	orderRec := doJSON(t, api, http.MethodPost, "/api/v1/sales/orders", token, csrf, domain.PlaceOrderRequest{
		BranchID:  1,
		PaidCents: 20000,
		Items: []domain.OrderItemRequest{
			{ProductID: 6, Quantity: 3, UnitPriceCents: 6000},
		},
	})
	if orderRec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", orderRec.Code, orderRec.Body.String())
	}

	var orderBody struct {
		Order domain.Order `json:"order"`
	}
	if err := json.NewDecoder(orderRec.Body).Decode(&orderBody); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	order := orderBody.Order
	if order.TotalCents != 18000 || order.ChangeCents != 2000 {
		t.Fatalf("unexpected totals: total=%d change=%d", order.TotalCents, order.ChangeCents)
	}

	getRec := doJSON(t, api, http.MethodGet, fmt.Sprintf("/api/v1/orders/%d", order.ID), token, "", nil)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", getRec.Code, getRec.Body.String())
	}

	returnRec := doJSON(t, api, http.MethodPost, "/api/v1/orders/returns", token, csrf, domain.CreateReturnRequest{
		OrderID: order.ID,
		Reason:  "customer changed mind",
		Items: []domain.ReturnItemRequest{
			{OrderItemID: order.Items[0].ID, Quantity: 1},
		},
	})
	if returnRec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", returnRec.Code, returnRec.Body.String())
	}

	var returnBody struct {
		Return domain.Return `json:"return"`
	}
	if err := json.NewDecoder(returnRec.Body).Decode(&returnBody); err != nil {
		t.Fatalf("decode return: %v", err)
	}
	if returnBody.Return.RefundCents != 6000 {
		t.Fatalf("expected refund 6000, got %d", returnBody.Return.RefundCents)
	}
}

func TestUpdateOrderStatusEndpoint(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	orderRec := doJSON(t, api, http.MethodPost, "/api/v1/sales/orders", token, csrf, domain.PlaceOrderRequest{
		BranchID:  1,
		PaidCents: 6000,
		Items: []domain.OrderItemRequest{
			{ProductID: 6, Quantity: 1, UnitPriceCents: 6000},
		},
	})
	if orderRec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", orderRec.Code, orderRec.Body.String())
	}
	var orderBody struct {
		Order domain.Order `json:"order"`
	}
	if err := json.NewDecoder(orderRec.Body).Decode(&orderBody); err != nil {
		t.Fatalf("decode order: %v", err)
	}

	rec := doJSON(t, api, http.MethodPatch, fmt.Sprintf("/api/v1/orders/%d/status", orderBody.Order.ID), token, csrf, domain.UpdateOrderStatusRequest{
		Status: domain.OrderStatusCancelled,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Order domain.Order `json:"order"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected status cancelled, got %s", body.Order.Status)
	}
}

func TestStaffForbiddenFromOtherBranch(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "staff", "staff123")
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/inventory/adjustments", token, csrf, domain.StockAdjustmentRequest{
		ProductID: 1,
		BranchID:  2,
		Quantity:  1,
		Type:      domain.TxTypeIncrease,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestSalesProductsListing(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "staff", "staff123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/sales/products?branch_id=1&search=CF-500", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Products []domain.SalesProduct `json:"products"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Products) != 1 {
		t.Fatalf("expected 1 matching product, got %d", len(body.Products))
	}
	if body.Products[0].Stock != 40 {
		t.Fatalf("expected stock 40, got %.2f", body.Products[0].Stock)
	}
}

func TestSalesProductsActiveOnlyParam(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "staff", "staff123")

	// the discontinued gift cup is hidden unless active_only=false
	rec := doJSON(t, api, http.MethodGet, "/api/v1/sales/products?branch_id=1&search=CUP-GIFT", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Products []domain.SalesProduct `json:"products"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Products) != 0 {
		t.Fatalf("expected inactive product hidden by default, got %d", len(body.Products))
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/sales/products?branch_id=1&search=CUP-GIFT&active_only=false", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	body.Products = nil
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Products) != 1 {
		t.Fatalf("expected inactive product with active_only=false, got %d", len(body.Products))
	}
}

func TestBranchesDropdownScopedToStaff(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "staff", "staff123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/inventory/branches", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Branches []domain.SimpleItem `json:"branches"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Branches) != 1 || body.Branches[0].ID != 1 {
		t.Fatalf("expected staff to see only branch 1, got %+v", body.Branches)
	}
}

func loginAs(t *testing.T, api *API, username string, password string) string {
	t.Helper()

	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", "", map[string]string{
		"username": username,
		"password": password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s failed: %d %s", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}
