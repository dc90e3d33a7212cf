package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID_ReusesClientUUID(t *testing.T) {
	var got string
	h := RequestID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = RequestIDFromContext(r.Context())
	}))

	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set("X-Request-ID", id)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, id, got)
	assert.Equal(t, id, w.Header().Get("X-Request-ID"))
}

func TestRequestID_ReplacesNonUUID(t *testing.T) {
	var got string
	h := RequestID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = RequestIDFromContext(r.Context())
	}))

	for _, bad := range []string{"", "kiosk-123", "not a uuid\x00"} {
		req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
		if bad != "" {
			req.Header.Set("X-Request-ID", bad)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		require.NotEqual(t, bad, got)
		_, err := uuid.Parse(got)
		assert.NoError(t, err, "generated id should be a UUID")
		assert.Equal(t, got, w.Header().Get("X-Request-ID"))
	}
}
