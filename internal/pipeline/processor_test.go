package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"morphik-go/internal/model"
	"morphik-go/pkg/tasks"
)

type fakeObjects map[string][]byte

func (f fakeObjects) Download(_ context.Context, bucket, key string) ([]byte, error) {
	data, ok := f[bucket+"/"+key]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

// passthroughExtractor 把源文件内容原样作为文本返回。
type passthroughExtractor struct{ calls int }

func (e *passthroughExtractor) ExtractText(_ context.Context, r io.Reader, _ string) (string, error) {
	e.calls++
	data, err := io.ReadAll(r)
	return string(data), err
}

type fakeEmbedder struct{}

func (fakeEmbedder) CreateEmbedding(context.Context, string) ([]float32, error) {
	return []float32{1, 2}, nil
}

func (fakeEmbedder) CreateEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1}
	}
	return out, nil
}

type fakeMultiEmbedder struct{ inputTypes []string }

func (f *fakeMultiEmbedder) EmbedQuery(context.Context, string) ([][]float32, error) {
	return [][]float32{{1}}, nil
}

func (f *fakeMultiEmbedder) EmbedInputs(_ context.Context, inputType string, inputs []string) ([][][]float32, error) {
	f.inputTypes = append(f.inputTypes, inputType)
	out := make([][][]float32, len(inputs))
	for i := range inputs {
		out[i] = [][]float32{{1, 0}, {0, 1}}
	}
	return out, nil
}

type captureStore struct {
	mu       sync.Mutex
	stored   []model.DocumentChunk
	deleted  []string
	storeErr error
}

func (s *captureStore) Initialize(context.Context) error { return nil }

func (s *captureStore) StoreEmbeddings(_ context.Context, chunks []model.DocumentChunk) (*model.StoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return nil, s.storeErr
	}
	s.stored = append(s.stored, chunks...)
	res := &model.StoreResult{Success: true}
	for _, c := range chunks {
		res.Items = append(res.Items, model.ItemResult{ChunkID: c.ChunkID(), Status: model.ItemStored})
	}
	return res, nil
}

func (s *captureStore) QuerySimilar(context.Context, model.Embedding, int, []string) ([]model.DocumentChunk, error) {
	return nil, nil
}

func (s *captureStore) GetChunksByID(context.Context, []model.ChunkIdentifier) ([]model.DocumentChunk, error) {
	return nil, nil
}

func (s *captureStore) DeleteChunksByDocumentID(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, documentID)
	return nil
}

type statusLog struct {
	status string
	count  int
	errMsg string
}

func (s *statusLog) UpdateStatus(_ context.Context, _, status string, chunkCount int, errMsg string) error {
	s.status, s.count, s.errMsg = status, chunkCount, errMsg
	return nil
}

type processorFixture struct {
	objects   fakeObjects
	extractor *passthroughExtractor
	multiEmb  *fakeMultiEmbedder
	dense     *captureStore
	multi     *captureStore
	status    *statusLog
	processor *Processor
}

func newProcessorFixture() *processorFixture {
	f := &processorFixture{
		objects:   fakeObjects{},
		extractor: &passthroughExtractor{},
		multiEmb:  &fakeMultiEmbedder{},
		dense:     &captureStore{},
		multi:     &captureStore{},
		status:    &statusLog{},
	}
	f.processor = NewProcessor(f.objects, f.extractor, fakeEmbedder{}, f.multiEmb, f.dense, f.multi, f.status)
	return f
}

func TestProcessTextDocument(t *testing.T) {
	f := newProcessorFixture()
	f.objects["b/src/doc.txt"] = []byte(strings.Repeat("x", 2500))

	err := f.processor.Process(context.Background(), tasks.IngestionTask{
		DocumentID: "doc", Bucket: "b", StorageKey: "src/doc.txt", Filename: "doc.txt",
		ContentType: "text/plain", UseColPali: true, Metadata: map[string]interface{}{"tag": "a"},
	})
	require.NoError(t, err)

	assert.Equal(t, model.DocumentStatusCompleted, f.status.status)
	assert.Equal(t, 3, f.status.count)
	assert.Equal(t, []string{"doc"}, f.dense.deleted)
	assert.Equal(t, []string{"doc"}, f.multi.deleted)

	require.Len(t, f.dense.stored, 3)
	assert.Equal(t, 2, f.dense.stored[2].ChunkNumber)
	assert.False(t, f.dense.stored[0].IsImage())
	assert.Equal(t, "a", f.dense.stored[0].Metadata["tag"])
	assert.Len(t, f.dense.stored[1].Embedding.Vector, 2)

	require.Len(t, f.multi.stored, 3)
	assert.True(t, f.multi.stored[0].Embedding.IsMultiVector())
	assert.Equal(t, []string{"text"}, f.multiEmb.inputTypes)
}

func TestProcessImageDocument(t *testing.T) {
	f := newProcessorFixture()
	f.objects["b/img.png"] = []byte("\x89PNG\r\n\x1a\n")

	err := f.processor.Process(context.Background(), tasks.IngestionTask{
		DocumentID: "img", Bucket: "b", StorageKey: "img.png", ContentType: "image/png", UseColPali: true,
	})
	require.NoError(t, err)

	assert.Zero(t, f.extractor.calls)
	assert.Empty(t, f.dense.stored)
	require.Len(t, f.multi.stored, 1)
	assert.True(t, f.multi.stored[0].IsImage())
	assert.True(t, strings.HasPrefix(f.multi.stored[0].Content, "data:image/png;base64,"))
	assert.Equal(t, []string{"image"}, f.multiEmb.inputTypes)
}

func TestProcessImageWithoutColPaliFails(t *testing.T) {
	f := newProcessorFixture()
	f.objects["b/img.png"] = []byte("png")

	err := f.processor.Process(context.Background(), tasks.IngestionTask{
		DocumentID: "img", Bucket: "b", StorageKey: "img.png", ContentType: "image/png",
	})
	require.Error(t, err)
	assert.Equal(t, model.DocumentStatusFailed, f.status.status)
	assert.NotEmpty(t, f.status.errMsg)
}

func TestProcessStoreFailureMarksFailed(t *testing.T) {
	f := newProcessorFixture()
	f.objects["b/a.txt"] = []byte("hello")
	f.dense.storeErr = errors.New("es down")

	err := f.processor.Process(context.Background(), tasks.IngestionTask{DocumentID: "a", Bucket: "b", StorageKey: "a.txt"})
	require.ErrorContains(t, err, "es down")
	assert.Equal(t, model.DocumentStatusFailed, f.status.status)
}

func TestSplitText(t *testing.T) {
	chunks := splitText("abcdefghij", 4, 1)
	assert.Equal(t, []string{"abcd", "defg", "ghij"}, chunks)

	assert.Equal(t, []string{"ab", "cd", "e"}, splitText("abcde", 2, 5))
	assert.Nil(t, splitText("", 4, 1))

	multibyte := splitText("你好世界", 3, 1)
	assert.Equal(t, []string{"你好世", "世界"}, multibyte)
}
