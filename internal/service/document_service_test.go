package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"morphik-go/internal/model"
)

type documentFixture struct {
	docs      *memoryDocs
	objects   *memoryObjects
	publisher *recordingPublisher
	dense     *memoryStore
	multi     *memoryStore
	appIDs    *recordingInvalidator
	svc       DocumentService
}

func newDocumentFixture() *documentFixture {
	f := &documentFixture{
		docs:      newMemoryDocs(),
		objects:   newMemoryObjects(),
		publisher: &recordingPublisher{},
		dense:     newMemoryStore(),
		multi:     newMemoryStore(),
		appIDs:    &recordingInvalidator{},
	}
	f.svc = NewDocumentService(f.docs, f.objects, "morphik", f.publisher, f.dense, f.multi, f.appIDs)
	return f
}

func TestIngestFile(t *testing.T) {
	f := newDocumentFixture()
	ctx := context.Background()

	doc, err := f.svc.IngestFile(ctx, testAuth, IngestFileInput{
		Filename:   "notes.pdf",
		Data:       []byte("hello"),
		UseColPali: true,
		Metadata:   map[string]interface{}{"source": "upload"},
	})
	require.NoError(t, err)

	assert.Equal(t, model.DocumentStatusProcessing, doc.Status)
	assert.Equal(t, "app-1", doc.AppID)
	assert.Equal(t, "application/pdf", doc.ContentType)
	assert.Equal(t, "sources/"+doc.ExternalID+"/notes.pdf", doc.StorageKey)
	assert.Equal(t, []byte("hello"), f.objects.objects["morphik/"+doc.StorageKey])

	require.Len(t, f.publisher.tasks, 1)
	task := f.publisher.tasks[0]
	assert.Equal(t, doc.ExternalID, task.DocumentID)
	assert.True(t, task.UseColPali)
	assert.Equal(t, "upload", task.Metadata["source"])

	stored, err := f.svc.GetDocument(ctx, testAuth, doc.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, "notes.pdf", stored.Filename)
}

func TestIngestFilePublishFailureMarksDocumentFailed(t *testing.T) {
	f := newDocumentFixture()
	f.publisher.err = errors.New("broker down")

	_, err := f.svc.IngestFile(context.Background(), testAuth, IngestFileInput{Filename: "a.txt", Data: []byte("x")})
	require.Error(t, err)

	require.Len(t, f.docs.docs, 1)
	for _, d := range f.docs.docs {
		assert.Equal(t, model.DocumentStatusFailed, d.Status)
		assert.Equal(t, "broker down", d.Error)
	}
}

func TestIngestFileRejectsEmptyData(t *testing.T) {
	f := newDocumentFixture()
	_, err := f.svc.IngestFile(context.Background(), testAuth, IngestFileInput{Filename: "a.txt"})
	require.Error(t, err)
	assert.Empty(t, f.objects.objects)
}

func TestGetDocumentHidesOtherApps(t *testing.T) {
	f := newDocumentFixture()
	f.docs.docs["d9"] = model.Document{ExternalID: "d9", AppID: "app-2"}

	_, err := f.svc.GetDocument(context.Background(), testAuth, "d9")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	_, err = f.svc.GetDocument(context.Background(), testAuth, "missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	owner := model.AuthContext{EntityID: "owner"}
	f.docs.docs["mine"] = model.Document{ExternalID: "mine", OwnerID: "owner"}
	_, err = f.svc.GetDocument(context.Background(), owner, "mine")
	assert.NoError(t, err)
}

func TestDeleteDocumentCascades(t *testing.T) {
	f := newDocumentFixture()
	ctx := context.Background()
	doc, err := f.svc.IngestFile(ctx, testAuth, IngestFileInput{Filename: "a.txt", Data: []byte("x")})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteDocument(ctx, testAuth, doc.ExternalID))

	assert.Equal(t, []string{doc.ExternalID}, f.dense.deleted)
	assert.Equal(t, []string{doc.ExternalID}, f.multi.deleted)
	assert.Empty(t, f.objects.objects)
	assert.Empty(t, f.docs.docs)
	assert.Equal(t, []string{doc.ExternalID}, f.appIDs.ids)

	err = f.svc.DeleteDocument(ctx, testAuth, doc.ExternalID)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}
