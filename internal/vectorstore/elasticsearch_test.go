package vectorstore

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"morphik-go/internal/model"
)

func newESTestStore(t *testing.T, handler http.HandlerFunc) *ElasticsearchStore {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return NewElasticsearchStore(client, "chunks", 3)
}

func TestElasticsearchStoreBulkIndex(t *testing.T) {
	var lines []string
	store := newESTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/_bulk"))
		sc := bufio.NewScanner(r.Body)
		sc.Buffer(make([]byte, 1<<20), 1<<20)
		for sc.Scan() {
			lines = append(lines, sc.Text())
		}
		_, _ = io.WriteString(w, `{"errors":true,"items":[
			{"index":{"_id":"doc1-0","status":201}},
			{"index":{"_id":"doc1-2","status":400,"error":{"type":"mapper_parsing_exception","reason":"bad"}}}
		]}`)
	})

	res, err := store.StoreEmbeddings(context.Background(), []model.DocumentChunk{
		{DocumentID: "doc1", ChunkNumber: 0, Content: "a", Embedding: model.DenseEmbedding([]float32{1, 0, 0})},
		{DocumentID: "doc1", ChunkNumber: 1, Content: "b"},
		{DocumentID: "doc1", ChunkNumber: 2, Content: "c", Embedding: model.DenseEmbedding([]float32{0, 1, 0})},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"doc1-0"}, res.StoredIDs())
	assert.Equal(t, model.ItemSkipped, res.Items[1].Status)
	assert.Equal(t, model.ItemFailed, res.Items[2].Status)
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], `"_id":"doc1-0"`)
}

func TestElasticsearchStoreRejectsWrongDimension(t *testing.T) {
	store := newESTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request %s", r.URL.Path)
	})
	_, err := store.StoreEmbeddings(context.Background(), []model.DocumentChunk{
		{DocumentID: "doc1", Embedding: model.DenseEmbedding([]float32{1})},
	})
	assert.ErrorIs(t, err, ErrInvalidEmbedding)
}

func TestElasticsearchStoreQuerySimilar(t *testing.T) {
	store := newESTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/_search"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		knn := body["knn"].(map[string]any)
		assert.EqualValues(t, 2, knn["k"])
		assert.NotNil(t, knn["filter"])
		_, _ = io.WriteString(w, `{"hits":{"hits":[
			{"_id":"doc2-1","_score":0.7,"_source":{"document_id":"doc2","chunk_number":1,"content":"second","metadata":"{}"}},
			{"_id":"doc1-0","_score":0.9,"_source":{"document_id":"doc1","chunk_number":0,"content":"first","metadata":"{\"k\":\"v\"}"}}
		]}}`)
	})

	got, err := store.QuerySimilar(context.Background(), model.DenseEmbedding([]float32{1, 0, 0}), 2, []string{"doc1", "doc2"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "doc1", got[0].DocumentID)
	assert.Equal(t, "v", got[0].Metadata["k"])
	assert.GreaterOrEqual(t, got[0].Score, got[1].Score)
}

func TestElasticsearchStoreGetChunksByID(t *testing.T) {
	store := newESTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/_mget"))
		_, _ = io.WriteString(w, `{"docs":[
			{"_id":"doc1-0","found":true,"_source":{"document_id":"doc1","chunk_number":0,"content":"first","metadata":"{}"}},
			{"_id":"doc1-9","found":false}
		]}`)
	})

	got, err := store.GetChunksByID(context.Background(), []model.ChunkIdentifier{{DocumentID: "doc1"}, {DocumentID: "doc1", ChunkNumber: 9}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].Content)
	assert.Zero(t, got[0].Score)
}

func TestElasticsearchStoreDeleteSurfacesServerErrors(t *testing.T) {
	store := newESTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":"unavailable"}`)
	})

	err := store.DeleteChunksByDocumentID(context.Background(), "doc1")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestElasticsearchStoreDeleteSendsValidJSON(t *testing.T) {
	const docID = "报告\x00 \"v2\""
	var gotID string
	store := newESTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/_delete_by_query"), r.URL.Path)
		var body struct {
			Query struct {
				Term map[string]string `json:"term"`
			} `json:"query"`
		}
		if assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			gotID = body.Query.Term["document_id"]
		}
		_, _ = io.WriteString(w, `{"deleted":2}`)
	})

	require.NoError(t, store.DeleteChunksByDocumentID(context.Background(), docID))
	assert.Equal(t, docID, gotID)
}
