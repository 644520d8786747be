package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"morphik-go/internal/middleware"
)

// RegisterRoutes 注册全部 HTTP 路由。auth 为认证中间件。
func RegisterRoutes(r *gin.Engine, auth gin.HandlerFunc, retrieval *RetrievalHandler, documents *DocumentHandler) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/", auth)
	{
		api.POST("/retrieve/chunks", retrieval.RetrieveChunks)
		api.POST("/retrieve/chunks/grouped", retrieval.RetrieveChunksGrouped)
		api.POST("/ingest/file", documents.IngestFile)
		api.GET("/documents/:id", documents.GetDocument)
		api.DELETE("/documents/:id", documents.DeleteDocument)
	}
}

// NewEngine 创建带有日志与恢复中间件的 gin.Engine。
func NewEngine(mode string) *gin.Engine {
	gin.SetMode(mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())
	return r
}
