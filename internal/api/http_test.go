package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shwetabhartimsft/durabletask/internal/store"
	"github.com/shwetabhartimsft/durabletask/internal/store/memory"
)

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestQueueLifecycleStatusCodes(t *testing.T) {
	h := NewRouter(memory.New())

	rec := doJSON(t, h, http.MethodGet, "/v1/queues/jobs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodPut, "/v1/queues/jobs", nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodPut, "/v1/queues/jobs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/queues/jobs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/v1/queues/jobs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/v1/queues/jobs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnqueueToAbsentQueueIs404(t *testing.T) {
	h := NewRouter(memory.New())

	rec := doJSON(t, h, http.MethodPost, "/v1/queues/ghost/messages", enqueueRequest{Body: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStaleReceiptIs409(t *testing.T) {
	st := memory.New()
	h := NewRouter(st)

	rec := doJSON(t, h, http.MethodPut, "/v1/queues/jobs", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/queues/jobs/messages", enqueueRequest{Body: "payload"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/queues/jobs:lease", leaseRequest{Max: 1, VisibilityMS: 60000})
	require.Equal(t, http.StatusOK, rec.Code)
	var leased []wireMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &leased))
	require.Len(t, leased, 1)

	path := fmt.Sprintf("/v1/queues/jobs/messages/%d:delete", leased[0].ID)
	rec = doJSON(t, h, http.MethodPost, path, deleteRequest{Receipt: "bogus"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodPost, path, deleteRequest{Receipt: leased[0].Receipt})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, path, deleteRequest{Receipt: leased[0].Receipt})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLeaseDefaultsApplied(t *testing.T) {
	st := memory.New()
	h := NewRouter(st)

	doJSON(t, h, http.MethodPut, "/v1/queues/jobs", nil)
	doJSON(t, h, http.MethodPost, "/v1/queues/jobs/messages", enqueueRequest{Body: "a"})

	// Out-of-range max and zero visibility fall back to server defaults.
	rec := doJSON(t, h, http.MethodPost, "/v1/queues/jobs:lease", leaseRequest{Max: 100, VisibilityMS: 0})
	require.Equal(t, http.StatusOK, rec.Code)
	var leased []wireMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &leased))
	require.Len(t, leased, 1)
	require.NotNil(t, leased[0].LeaseUntil)
	assert.True(t, leased[0].LeaseUntil.After(time.Now().Add(20*time.Second)))
}

func TestRenewRequiresReceipt(t *testing.T) {
	h := NewRouter(memory.New())
	doJSON(t, h, http.MethodPut, "/v1/queues/jobs", nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/queues/jobs/messages/1:renew", renewRequest{VisibilityMS: 1000})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// Exercise the store error mapping directly for completeness.
func TestStoreErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{store.ErrQueueNotFound, http.StatusNotFound},
		{store.ErrMessageNotFound, http.StatusNotFound},
		{store.ErrStaleReceipt, http.StatusConflict},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		storeError(rec, tc.err, "op failed")
		assert.Equal(t, tc.code, rec.Code, "error %v", tc.err)
	}
}
