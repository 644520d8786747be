package ann

import (
	"testing"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointUUIDIsDeterministic(t *testing.T) {
	a := PointUUID("doc1-0")
	assert.Equal(t, a, PointUUID("doc1-0"))
	assert.NotEqual(t, a, PointUUID("doc1-1"))

	parsed, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), parsed.Version())
}

func TestPointFromPayload(t *testing.T) {
	payload := qdrant.NewValueMap(map[string]any{
		fieldID:          "doc1-3",
		fieldDocumentID:  "doc1",
		fieldChunkNumber: int64(3),
		fieldContent:     "app/doc1/3.txt",
		fieldMetadata:    `{"is_image":false}`,
		fieldMultiVector: []any{"mv-bucket", "multivector/doc1/3.npy"},
	})

	p := pointFromPayload(payload)
	assert.Equal(t, Point{
		ChunkID:        "doc1-3",
		DocumentID:     "doc1",
		ChunkNumber:    3,
		ContentKey:     "app/doc1/3.txt",
		Metadata:       `{"is_image":false}`,
		Bucket:         "mv-bucket",
		MultiVectorKey: "multivector/doc1/3.npy",
	}, p)
}

func TestPointFromEmptyPayload(t *testing.T) {
	assert.Equal(t, Point{}, pointFromPayload(nil))
}
