// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/google/uuid"

	"morphik-go/internal/model"
	"morphik-go/internal/repository"
	"morphik-go/internal/vectorstore"
	"morphik-go/pkg/log"
	"morphik-go/pkg/tasks"
	"morphik-go/pkg/tika"
)

// ErrDocumentNotFound 表示文档不存在或调用方无权访问。
var ErrDocumentNotFound = errors.New("document not found")

// TaskPublisher 把摄取任务投递到消息队列。
type TaskPublisher interface {
	ProduceIngestionTask(ctx context.Context, task tasks.IngestionTask) error
}

// AppIDInvalidator 在文档删除后清理 app_id 缓存。
type AppIDInvalidator interface {
	Invalidate(ctx context.Context, documentID string)
}

// ObjectWriter 是文档服务需要的对象存储能力。
type ObjectWriter interface {
	Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Delete(ctx context.Context, bucket, key string) error
}

// IngestFileInput 描述一次文件上传。
type IngestFileInput struct {
	Filename    string
	ContentType string
	Data        []byte
	UseColPali  bool
	Metadata    map[string]interface{}
}

// DocumentService 接口定义了文档管理相关的业务操作。
type DocumentService interface {
	IngestFile(ctx context.Context, auth model.AuthContext, in IngestFileInput) (*model.Document, error)
	GetDocument(ctx context.Context, auth model.AuthContext, id string) (*model.Document, error)
	DeleteDocument(ctx context.Context, auth model.AuthContext, id string) error
}

type documentService struct {
	docs      repository.DocumentRepository
	objects   ObjectWriter
	bucket    string
	publisher TaskPublisher
	dense     vectorstore.VectorStore
	multi     vectorstore.VectorStore
	appIDs    AppIDInvalidator
}

// NewDocumentService 创建一个新的 DocumentService 实例。multi 与 appIDs 可以为 nil。
func NewDocumentService(
	docs repository.DocumentRepository,
	objects ObjectWriter,
	bucket string,
	publisher TaskPublisher,
	dense vectorstore.VectorStore,
	multi vectorstore.VectorStore,
	appIDs AppIDInvalidator,
) DocumentService {
	return &documentService{
		docs:      docs,
		objects:   objects,
		bucket:    bucket,
		publisher: publisher,
		dense:     dense,
		multi:     multi,
		appIDs:    appIDs,
	}
}

// IngestFile 保存源文件、创建文档记录并投递异步摄取任务。
func (s *documentService) IngestFile(ctx context.Context, auth model.AuthContext, in IngestFileInput) (*model.Document, error) {
	if len(in.Data) == 0 {
		return nil, errors.New("文件内容为空")
	}
	contentType := in.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = tika.DetectMimeType(in.Filename)
	}

	doc := &model.Document{
		ExternalID:    uuid.NewString(),
		AppID:         auth.AppID,
		OwnerID:       auth.EntityID,
		Filename:      in.Filename,
		ContentType:   contentType,
		StorageBucket: s.bucket,
		Status:        model.DocumentStatusProcessing,
		UseColPali:    in.UseColPali,
	}
	doc.StorageKey = path.Join("sources", doc.ExternalID, path.Base(in.Filename))
	log.Infof("[DocumentService] 接收文件, document_id: %s, filename: %s, size: %d", doc.ExternalID, in.Filename, len(in.Data))

	if err := s.objects.Upload(ctx, doc.StorageBucket, doc.StorageKey, in.Data, contentType); err != nil {
		return nil, fmt.Errorf("保存源文件失败: %w", err)
	}
	if err := s.docs.Create(ctx, doc); err != nil {
		s.removeSource(ctx, doc)
		return nil, fmt.Errorf("创建文档记录失败: %w", err)
	}

	task := tasks.IngestionTask{
		DocumentID:  doc.ExternalID,
		AppID:       doc.AppID,
		OwnerID:     doc.OwnerID,
		Bucket:      doc.StorageBucket,
		StorageKey:  doc.StorageKey,
		Filename:    doc.Filename,
		ContentType: doc.ContentType,
		UseColPali:  doc.UseColPali,
		Metadata:    in.Metadata,
	}
	if err := s.publisher.ProduceIngestionTask(ctx, task); err != nil {
		log.Errorf("[DocumentService] 投递摄取任务失败, document_id: %s, error: %v", doc.ExternalID, err)
		if uerr := s.docs.UpdateStatus(ctx, doc.ExternalID, model.DocumentStatusFailed, 0, err.Error()); uerr != nil {
			log.Warnf("[DocumentService] 更新文档状态失败, document_id: %s, error: %v", doc.ExternalID, uerr)
		}
		return nil, fmt.Errorf("投递摄取任务失败: %w", err)
	}
	return doc, nil
}

// GetDocument 返回调用方可访问的文档。
func (s *documentService) GetDocument(ctx context.Context, auth model.AuthContext, id string) (*model.Document, error) {
	doc, err := s.docs.FindByID(ctx, id)
	if errors.Is(err, repository.ErrDocumentNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	if !canAccess(auth, doc) {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}

// DeleteDocument 删除两个向量存储中的分块、源文件以及文档记录。
// 分块删除失败时保留文档记录，以便重试。
func (s *documentService) DeleteDocument(ctx context.Context, auth model.AuthContext, id string) error {
	doc, err := s.GetDocument(ctx, auth, id)
	if err != nil {
		return err
	}

	if err := s.dense.DeleteChunksByDocumentID(ctx, id); err != nil {
		return fmt.Errorf("删除稠密分块失败: %w", err)
	}
	if s.multi != nil {
		if err := s.multi.DeleteChunksByDocumentID(ctx, id); err != nil {
			return fmt.Errorf("删除多向量分块失败: %w", err)
		}
	}
	s.removeSource(ctx, doc)

	if err := s.docs.Delete(ctx, id); err != nil {
		return fmt.Errorf("删除文档记录失败: %w", err)
	}
	if s.appIDs != nil {
		s.appIDs.Invalidate(ctx, id)
	}
	log.Infof("[DocumentService] 文档已删除, document_id: %s", id)
	return nil
}

func (s *documentService) removeSource(ctx context.Context, doc *model.Document) {
	if err := s.objects.Delete(ctx, doc.StorageBucket, doc.StorageKey); err != nil {
		log.Warnf("[DocumentService] 删除源文件失败, document_id: %s, key: %s, error: %v", doc.ExternalID, doc.StorageKey, err)
	}
}

func canAccess(auth model.AuthContext, doc *model.Document) bool {
	if auth.AppID != "" {
		return doc.AppID == auth.AppID
	}
	return doc.OwnerID == auth.EntityID
}
