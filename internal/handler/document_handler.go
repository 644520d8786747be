// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"morphik-go/internal/middleware"
	"morphik-go/internal/service"
	"morphik-go/pkg/log"
)

// maxUploadSize 是单个上传文件的大小上限。
const maxUploadSize = 100 << 20

// DocumentHandler 负责处理文档上传、查询与删除请求。
type DocumentHandler struct {
	docService service.DocumentService
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(docService service.DocumentService) *DocumentHandler {
	return &DocumentHandler{docService: docService}
}

// IngestFile 处理 POST /ingest/file（multipart: file, metadata, use_colpali）。
func (h *DocumentHandler) IngestFile(c *gin.Context) {
	auth, ok := middleware.GetAuthContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无法获取调用方信息"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少上传文件"})
		return
	}
	if fileHeader.Size > maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "文件过大"})
		return
	}

	var metadata map[string]interface{}
	if raw := c.PostForm("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "metadata 必须是 JSON 对象"})
			return
		}
	}
	useColPali, _ := strconv.ParseBool(c.DefaultPostForm("use_colpali", "false"))

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无法读取上传文件"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无法读取上传文件"})
		return
	}

	doc, err := h.docService.IngestFile(c.Request.Context(), auth, service.IngestFileInput{
		Filename:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Data:        data,
		UseColPali:  useColPali,
		Metadata:    metadata,
	})
	if err != nil {
		log.Error("IngestFile: failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "文件摄取失败"})
		return
	}
	c.JSON(http.StatusAccepted, doc)
}

// GetDocument 处理 GET /documents/:id。
func (h *DocumentHandler) GetDocument(c *gin.Context) {
	auth, ok := middleware.GetAuthContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无法获取调用方信息"})
		return
	}
	doc, err := h.docService.GetDocument(c.Request.Context(), auth, c.Param("id"))
	if errors.Is(err, service.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "文档不存在"})
		return
	}
	if err != nil {
		log.Error("GetDocument: failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取文档失败"})
		return
	}
	c.JSON(http.StatusOK, doc)
}

// DeleteDocument 处理 DELETE /documents/:id。
func (h *DocumentHandler) DeleteDocument(c *gin.Context) {
	auth, ok := middleware.GetAuthContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无法获取调用方信息"})
		return
	}
	id := c.Param("id")
	err := h.docService.DeleteDocument(c.Request.Context(), auth, id)
	if errors.Is(err, service.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "文档不存在"})
		return
	}
	if err != nil {
		log.Error("DeleteDocument: failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除文档失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "文档已删除", "document_id": id})
}
