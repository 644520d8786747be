package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"morphik-go/internal/model"
	"morphik-go/internal/repository"
	"morphik-go/pkg/tasks"
)

// memoryStore 是按预设结果返回的 VectorStore。
type memoryStore struct {
	mu       sync.Mutex
	results  []model.DocumentChunk
	byID     map[model.ChunkIdentifier]model.DocumentChunk
	queryErr error
	lastK    int
	lastIDs  []string
	queries  int
	fetches  int
	deleted  []string
}

func newMemoryStore(results ...model.DocumentChunk) *memoryStore {
	return &memoryStore{results: results, byID: map[model.ChunkIdentifier]model.DocumentChunk{}}
}

func (m *memoryStore) put(chunks ...model.DocumentChunk) {
	for _, c := range chunks {
		m.byID[c.Identifier()] = c
	}
}

func (m *memoryStore) Initialize(context.Context) error { return nil }

func (m *memoryStore) StoreEmbeddings(_ context.Context, chunks []model.DocumentChunk) (*model.StoreResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := &model.StoreResult{Success: true}
	for _, c := range chunks {
		m.byID[c.Identifier()] = c
		res.Items = append(res.Items, model.ItemResult{ChunkID: c.ChunkID(), Status: model.ItemStored})
	}
	return res, nil
}

func (m *memoryStore) QuerySimilar(_ context.Context, _ model.Embedding, k int, docIDs []string) ([]model.DocumentChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	m.lastK = k
	m.lastIDs = docIDs
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	out := append([]model.DocumentChunk(nil), m.results...)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *memoryStore) GetChunksByID(_ context.Context, ids []model.ChunkIdentifier) ([]model.DocumentChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	var out []model.DocumentChunk
	for _, id := range ids {
		if c, ok := m.byID[id]; ok {
			c.Score = 0
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memoryStore) DeleteChunksByDocumentID(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, documentID)
	return nil
}

type fakeEmbedder struct{ err error }

func (f fakeEmbedder) CreateEmbedding(context.Context, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

func (f fakeEmbedder) CreateEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1}
	}
	return out, nil
}

type fakeMultiEmbedder struct{}

func (fakeMultiEmbedder) EmbedQuery(context.Context, string) ([][]float32, error) {
	return [][]float32{{1, 0}, {0, 1}}, nil
}

func (fakeMultiEmbedder) EmbedInputs(_ context.Context, _ string, inputs []string) ([][][]float32, error) {
	out := make([][][]float32, len(inputs))
	for i := range inputs {
		out[i] = [][]float32{{1, 0}, {0, 1}}
	}
	return out, nil
}

// scoreByLength 以文本长度作为重排得分。
type scoreByLength struct{ calls int }

func (r *scoreByLength) Rerank(_ context.Context, _ string, docs []string) ([]float64, error) {
	r.calls++
	out := make([]float64, len(docs))
	for i, d := range docs {
		out[i] = float64(len(d))
	}
	return out, nil
}

type failingReranker struct{}

func (failingReranker) Rerank(context.Context, string, []string) ([]float64, error) {
	return nil, errors.New("rerank down")
}

// memoryDocs 是内存版 DocumentRepository。
type memoryDocs struct {
	mu        sync.Mutex
	docs      map[string]model.Document
	createErr error
}

func newMemoryDocs(docs ...model.Document) *memoryDocs {
	m := &memoryDocs{docs: map[string]model.Document{}}
	for _, d := range docs {
		m.docs[d.ExternalID] = d
	}
	return m
}

func (m *memoryDocs) Create(_ context.Context, doc *model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.docs[doc.ExternalID] = *doc
	return nil
}

func (m *memoryDocs) FindByID(_ context.Context, id string) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, repository.ErrDocumentNotFound
	}
	return &d, nil
}

func (m *memoryDocs) FindByIDs(_ context.Context, ids []string) ([]model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Document
	for _, id := range ids {
		if d, ok := m.docs[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memoryDocs) FindAuthorizedIDs(_ context.Context, auth model.AuthContext, candidates []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := []string{}
	allowed := map[string]bool{}
	for _, c := range candidates {
		allowed[c] = true
	}
	for id, d := range m.docs {
		if candidates != nil && !allowed[id] {
			continue
		}
		if canAccess(auth, &d) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memoryDocs) FindAppID(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return "", repository.ErrDocumentNotFound
	}
	return d.AppID, nil
}

func (m *memoryDocs) UpdateStatus(_ context.Context, id, status string, chunkCount int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return repository.ErrDocumentNotFound
	}
	d.Status, d.ChunkCount, d.Error = status, chunkCount, errMsg
	m.docs[id] = d
	return nil
}

func (m *memoryDocs) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

// memoryObjects 是内存版对象存储。
type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: map[string][]byte{}}
}

func (m *memoryObjects) EnsureBucket(context.Context, string) error { return nil }

func (m *memoryObjects) Upload(_ context.Context, bucket, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = data
	return nil
}

func (m *memoryObjects) Download(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (m *memoryObjects) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucket+"/"+key)
	return nil
}

func (m *memoryObjects) DeletePrefix(context.Context, string, string) (int, error) { return 0, nil }

func (m *memoryObjects) PresignedURL(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://objects.test/" + bucket + "/" + key, nil
}

type recordingPublisher struct {
	tasks []tasks.IngestionTask
	err   error
}

func (p *recordingPublisher) ProduceIngestionTask(_ context.Context, task tasks.IngestionTask) error {
	if p.err != nil {
		return p.err
	}
	p.tasks = append(p.tasks, task)
	return nil
}

type recordingInvalidator struct{ ids []string }

func (r *recordingInvalidator) Invalidate(_ context.Context, id string) { r.ids = append(r.ids, id) }

func textChunk(doc string, n int, content string, score float64) model.DocumentChunk {
	return model.DocumentChunk{DocumentID: doc, ChunkNumber: n, Content: content, Score: score, Metadata: map[string]interface{}{}}
}

func imageChunk(doc string, n int, score float64) model.DocumentChunk {
	return model.DocumentChunk{
		DocumentID:  doc,
		ChunkNumber: n,
		Content:     "page",
		Score:       score,
		Metadata:    map[string]interface{}{"is_image": true},
	}
}
