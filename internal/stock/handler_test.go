package stock_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockroom/internal/shared"
	"github.com/odyssey-erp/stockroom/internal/stock"
)

func newTestRouter(f fixture) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("X-Anonymous") == "" {
				req = req.WithContext(shared.ContextWithActor(req.Context(), actor))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/stock", stock.NewHandler(nil, f.service).MountRoutes)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandlerTransferToReserved(t *testing.T) {
	f := newFixture(t)
	f.seed(key("D-101", "Navy Blue", "M"), 100, 0, 0)
	h := newTestRouter(f)

	rr := doJSON(t, h, http.MethodPost, "/stock/transfers/to-reserved", map[string]any{
		"design": "D-101", "color": "navy blue", "size": "m", "quantity": 30,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var result stock.TransferResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	require.Equal(t, 70, result.Variant.CurrentStock)
	require.Equal(t, 30, result.Entry.ReservedAfter)
}

func TestHandlerInsufficientStockProblem(t *testing.T) {
	f := newFixture(t)
	f.seed(key("D-101", "Navy", "M"), 2, 0, 0)
	h := newTestRouter(f)

	rr := doJSON(t, h, http.MethodPost, "/stock/transfers/to-reserved", map[string]any{
		"design": "D-101", "color": "Navy", "size": "M", "quantity": 5,
	})
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	var body struct {
		Code    string         `json:"code"`
		Context map[string]any `json:"context"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "insufficient_stock", body.Code)
	require.EqualValues(t, 5, body.Context["requested"])
	require.EqualValues(t, 2, body.Context["available"])
}

func TestHandlerValidation(t *testing.T) {
	f := newFixture(t)
	h := newTestRouter(f)

	rr := doJSON(t, h, http.MethodPost, "/stock/transfers/to-main", map[string]any{
		"design": "D-101", "color": "Navy", "quantity": 0,
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/stock/transfers/to-main", map[string]any{"unknown": 1})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/stock/transfers/bulk/to-main", map[string]any{"items": []any{}})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestHandlerBulkQuickFill(t *testing.T) {
	f := newFixture(t)
	for _, size := range []string{"S", "M", "L"} {
		f.seed(key("D-101", "Navy", size), 10, 0, 0)
	}
	h := newTestRouter(f)

	rr := doJSON(t, h, http.MethodPost, "/stock/transfers/bulk/to-reserved", map[string]any{
		"quick_fill": map[string]any{"design": "D-101", "color": "navy", "sizes": []string{"s", "m", "l", "m"}, "quantity": 4},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body struct {
		Entries []stock.LedgerEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Entries, 3)
	for _, size := range []string{"S", "M", "L"} {
		require.Equal(t, 4, f.variant(t, key("D-101", "Navy", size)).ReservedStock)
	}
}

func TestHandlerVariantPathAndNotFound(t *testing.T) {
	f := newFixture(t)
	f.seed(key("D-101", "Navy Blue", "M"), 9, 0, 0)
	h := newTestRouter(f)

	rr := doJSON(t, h, http.MethodGet, "/stock/variants/D-101/navy%20blue/m", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = doJSON(t, h, http.MethodGet, "/stock/variants/D-101/Red/M", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Contains(t, rr.Body.String(), "color_not_found")
}

func TestHandlerLockPolicyFlow(t *testing.T) {
	f := newFixture(t)
	f.seed(key("D-101", "Navy", "M"), 20, 0, 0)
	h := newTestRouter(f)

	rr := doJSON(t, h, http.MethodPut, "/stock/lock-policy", map[string]any{"enabled": true, "max_threshold": 10})
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/stock/lock-policy", nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rr = doJSON(t, h, http.MethodPost, "/stock/lock-policy", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, http.MethodPut, "/stock/lock-policy", map[string]any{"enabled": true, "max_threshold": 10})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, 10, f.variant(t, key("D-101", "Navy", "M")).LockedStock)

	rr = doJSON(t, h, http.MethodPut, "/stock/locks/D-101/Navy/M", map[string]any{"amount": 25})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = doJSON(t, h, http.MethodPut, "/stock/locks/D-101/Navy/M", map[string]any{"amount": 4})
	require.Equal(t, http.StatusOK, rr.Code)
	rr = doJSON(t, h, http.MethodPost, "/stock/locks/D-101/Navy/M/refill", map[string]any{"amount": 7})
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, rr.Body.String(), "threshold_exceeded")

	rr = doJSON(t, h, http.MethodGet, "/stock/lock-policy", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestHandlerRequiresActor(t *testing.T) {
	f := newFixture(t)
	h := newTestRouter(f)
	req := httptest.NewRequest(http.MethodGet, "/stock/variants", nil).WithContext(context.Background())
	req.Header.Set("X-Anonymous", "1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}
