package robusthttp

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// statusServer answers with codes in order, repeating the last one
func statusServer(t *testing.T, codes ...int) (*httptest.Server, *atomic.Int32) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1))
		if n > len(codes) {
			n = len(codes)
		}
		w.WriteHeader(codes[n-1])
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestClientRetriesServerErrors(t *testing.T) {
	srv, hits := statusServer(t, http.StatusServiceUnavailable, http.StatusOK)

	resp, err := NewClient(WithMaxRetries(1)).Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClientReturnsTooManyRequests(t *testing.T) {
	srv, hits := statusServer(t, http.StatusTooManyRequests)

	resp, err := NewClient(WithMaxRetries(1)).Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestWriteClientSendsOnce(t *testing.T) {
	srv, hits := statusServer(t, http.StatusBadGateway, http.StatusOK)

	resp, err := NewWriteClient().Post(srv.URL, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}
