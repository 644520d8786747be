// Package pipeline 定义了文件摄取的核心流程。
package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"morphik-go/internal/model"
	"morphik-go/internal/vectorstore"
	"morphik-go/pkg/embedding"
	"morphik-go/pkg/log"
	"morphik-go/pkg/tasks"
)

const (
	chunkSize      = 1000
	chunkOverlap   = 100
	embeddingBatch = 16
)

// Downloader 读取对象存储中的源文件。
type Downloader interface {
	Download(ctx context.Context, bucket, key string) ([]byte, error)
}

// TextExtractor 从二进制文件中提取纯文本。
type TextExtractor interface {
	ExtractText(ctx context.Context, r io.Reader, fileName string) (string, error)
}

// StatusRecorder 记录文档处理状态。
type StatusRecorder interface {
	UpdateStatus(ctx context.Context, id, status string, chunkCount int, errMsg string) error
}

// Processor 封装了文件处理的所有依赖和逻辑。
type Processor struct {
	objects       Downloader
	extractor     TextExtractor
	embedder      embedding.Client
	multiEmbedder embedding.MultiVectorClient
	dense         vectorstore.VectorStore
	multi         vectorstore.VectorStore
	status        StatusRecorder
}

// NewProcessor 创建一个新的 Processor 实例。multiEmbedder 与 multi 同时存在时才会写入多向量。
func NewProcessor(
	objects Downloader,
	extractor TextExtractor,
	embedder embedding.Client,
	multiEmbedder embedding.MultiVectorClient,
	dense vectorstore.VectorStore,
	multi vectorstore.VectorStore,
	status StatusRecorder,
) *Processor {
	return &Processor{
		objects:       objects,
		extractor:     extractor,
		embedder:      embedder,
		multiEmbedder: multiEmbedder,
		dense:         dense,
		multi:         multi,
		status:        status,
	}
}

// Process 是文件处理的主函数。失败时把文档标记为 failed 并返回错误，由消费者决定是否重试。
func (p *Processor) Process(ctx context.Context, task tasks.IngestionTask) error {
	log.Infof("[Processor] 开始处理文档, document_id: %s, filename: %s, colpali: %t", task.DocumentID, task.Filename, task.UseColPali)

	count, err := p.process(ctx, task)
	if err != nil {
		log.Errorf("[Processor] 文档处理失败, document_id: %s, error: %v", task.DocumentID, err)
		if uerr := p.status.UpdateStatus(ctx, task.DocumentID, model.DocumentStatusFailed, 0, err.Error()); uerr != nil {
			log.Warnf("[Processor] 更新文档状态失败, document_id: %s, error: %v", task.DocumentID, uerr)
		}
		return err
	}
	if err := p.status.UpdateStatus(ctx, task.DocumentID, model.DocumentStatusCompleted, count, ""); err != nil {
		return fmt.Errorf("更新文档状态失败: %w", err)
	}
	log.Infof("[Processor] 文档处理成功完成, document_id: %s, chunks: %d", task.DocumentID, count)
	return nil
}

func (p *Processor) process(ctx context.Context, task tasks.IngestionTask) (int, error) {
	// 1. 下载源文件
	data, err := p.objects.Download(ctx, task.Bucket, task.StorageKey)
	if err != nil {
		return 0, fmt.Errorf("下载源文件失败: %w", err)
	}
	if len(data) == 0 {
		return 0, errors.New("文件内容为空")
	}
	log.Infof("[Processor] 步骤1: 源文件下载成功, 大小: %d 字节", len(data))

	useColPali := task.UseColPali && p.multi != nil && p.multiEmbedder != nil
	if task.UseColPali && !useColPali {
		log.Warnf("[Processor] 未配置多向量存储, 忽略 use_colpali, document_id: %s", task.DocumentID)
	}

	// 2. 切块：图片整体作为一个分块，其余文件先经 Tika 提取文本
	var chunks []model.DocumentChunk
	isImage := strings.HasPrefix(task.ContentType, "image/")
	if isImage {
		if !useColPali {
			return 0, errors.New("图片文档只能写入多向量存储, 需要开启 use_colpali")
		}
		content := "data:" + task.ContentType + ";base64," + base64.StdEncoding.EncodeToString(data)
		chunks = []model.DocumentChunk{newChunk(task, 0, content, true)}
	} else {
		text, err := p.extractor.ExtractText(ctx, bytes.NewReader(data), task.Filename)
		if err != nil {
			return 0, fmt.Errorf("使用 Tika 提取文本失败: %w", err)
		}
		if strings.TrimSpace(text) == "" {
			return 0, errors.New("提取的文本内容为空")
		}
		log.Infof("[Processor] 步骤2: 文本提取成功, 内容长度: %d 字符", utf8.RuneCountInString(text))
		for i, piece := range splitText(text, chunkSize, chunkOverlap) {
			chunks = append(chunks, newChunk(task, i, piece, false))
		}
	}
	log.Infof("[Processor] 步骤2: 分块完成, 共 %d 个分块", len(chunks))

	// 3. 重新摄取时先清理旧分块
	if err := p.dense.DeleteChunksByDocumentID(ctx, task.DocumentID); err != nil {
		return 0, fmt.Errorf("清理旧的稠密分块失败: %w", err)
	}
	if p.multi != nil {
		if err := p.multi.DeleteChunksByDocumentID(ctx, task.DocumentID); err != nil {
			return 0, fmt.Errorf("清理旧的多向量分块失败: %w", err)
		}
	}

	// 4. 稠密与多向量写入并发执行
	g, gctx := errgroup.WithContext(ctx)
	if !isImage {
		g.Go(func() error { return p.storeDense(gctx, chunks) })
	}
	if useColPali {
		g.Go(func() error { return p.storeMultiVector(gctx, chunks, isImage) })
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

func (p *Processor) storeDense(ctx context.Context, chunks []model.DocumentChunk) error {
	embedded := make([]model.DocumentChunk, len(chunks))
	copy(embedded, chunks)
	for start := 0; start < len(embedded); start += embeddingBatch {
		end := start + embeddingBatch
		if end > len(embedded) {
			end = len(embedded)
		}
		texts := make([]string, 0, end-start)
		for _, c := range embedded[start:end] {
			texts = append(texts, c.Content)
		}
		vectors, err := p.embedder.CreateEmbeddings(ctx, texts)
		if err != nil {
			return fmt.Errorf("分块 %d-%d 向量化失败: %w", start, end-1, err)
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("向量化返回 %d 个结果, 期望 %d 个", len(vectors), len(texts))
		}
		for i, v := range vectors {
			embedded[start+i].Embedding = model.DenseEmbedding(v)
		}
	}

	res, err := p.dense.StoreEmbeddings(ctx, embedded)
	if err != nil {
		return fmt.Errorf("写入稠密存储失败: %w", err)
	}
	logStoreResult("dense", res)
	return nil
}

func (p *Processor) storeMultiVector(ctx context.Context, chunks []model.DocumentChunk, isImage bool) error {
	inputType := embedding.InputTypeText
	if isImage {
		inputType = embedding.InputTypeImage
	}
	embedded := make([]model.DocumentChunk, len(chunks))
	copy(embedded, chunks)
	for start := 0; start < len(embedded); start += embeddingBatch {
		end := start + embeddingBatch
		if end > len(embedded) {
			end = len(embedded)
		}
		inputs := make([]string, 0, end-start)
		for _, c := range embedded[start:end] {
			inputs = append(inputs, c.Content)
		}
		mvs, err := p.multiEmbedder.EmbedInputs(ctx, inputType, inputs)
		if err != nil {
			return fmt.Errorf("分块 %d-%d 多向量化失败: %w", start, end-1, err)
		}
		if len(mvs) != len(inputs) {
			return fmt.Errorf("多向量化返回 %d 个结果, 期望 %d 个", len(mvs), len(inputs))
		}
		for i, mv := range mvs {
			embedded[start+i].Embedding = model.MultiVectorEmbedding(mv)
		}
	}

	res, err := p.multi.StoreEmbeddings(ctx, embedded)
	if err != nil {
		return fmt.Errorf("写入多向量存储失败: %w", err)
	}
	logStoreResult("multivector", res)
	return nil
}

func logStoreResult(store string, res *model.StoreResult) {
	log.Infow("[Processor] 分块写入完成",
		"store", store,
		"stored", res.Count(model.ItemStored),
		"skipped", res.Count(model.ItemSkipped),
		"failed", res.Count(model.ItemFailed),
	)
}

func newChunk(task tasks.IngestionTask, n int, content string, isImage bool) model.DocumentChunk {
	metadata := make(map[string]interface{}, len(task.Metadata)+2)
	for k, v := range task.Metadata {
		metadata[k] = v
	}
	metadata["is_image"] = isImage
	metadata["filename"] = task.Filename
	return model.DocumentChunk{
		DocumentID:  task.DocumentID,
		ChunkNumber: n,
		Content:     content,
		Metadata:    metadata,
	}
}

// splitText 将长文本按指定大小和重叠进行切分。
func splitText(text string, size, overlap int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	step := size - overlap
	if step <= 0 {
		// overlap 非法时退化为不重叠切分
		step = size
	}

	var chunks []string
	for i := 0; i < len(runes); i += step {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
