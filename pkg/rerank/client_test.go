package rerank

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"morphik-go/internal/config"
)

func TestRerankMapsScoresByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"results":[{"index":2,"relevance_score":0.9},{"index":0,"relevance_score":0.1},{"index":7,"relevance_score":1}]}`))
	}))
	defer srv.Close()

	c := NewCohereClient(config.RerankerConfig{Endpoint: srv.URL, APIKey: "k", Model: "rerank-v3"})
	scores, err := c.Rerank(t.Context(), "q", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0, 0.9}, scores)
}

func TestRerankSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := NewCohereClient(config.RerankerConfig{Endpoint: srv.URL})
	_, err := c.Rerank(t.Context(), "q", []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota")
}
