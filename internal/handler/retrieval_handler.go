package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"morphik-go/internal/middleware"
	"morphik-go/internal/model"
	"morphik-go/internal/service"
	"morphik-go/pkg/log"
)

// RetrievalHandler 结构体定义了分块检索相关的处理器。
type RetrievalHandler struct {
	retrievalService service.RetrievalService
}

// NewRetrievalHandler 创建一个新的 RetrievalHandler 实例。
func NewRetrievalHandler(retrievalService service.RetrievalService) *RetrievalHandler {
	return &RetrievalHandler{retrievalService: retrievalService}
}

// RetrieveChunks 处理 POST /retrieve/chunks。
func (h *RetrievalHandler) RetrieveChunks(c *gin.Context) {
	req, auth, ok := bindRetrieveRequest(c)
	if !ok {
		return
	}
	results, err := h.retrievalService.RetrieveChunks(c.Request.Context(), req, auth)
	if err != nil {
		log.Errorf("[RetrievalHandler] 检索失败, error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "检索失败"})
		return
	}
	log.Infof("[RetrievalHandler] 检索成功, query: '%s', 返回 %d 条结果", req.Query, len(results))
	c.JSON(http.StatusOK, results)
}

// RetrieveChunksGrouped 处理 POST /retrieve/chunks/grouped。
func (h *RetrievalHandler) RetrieveChunksGrouped(c *gin.Context) {
	req, auth, ok := bindRetrieveRequest(c)
	if !ok {
		return
	}
	resp, err := h.retrievalService.RetrieveChunksGrouped(c.Request.Context(), req, auth)
	if err != nil {
		log.Errorf("[RetrievalHandler] 分组检索失败, error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "检索失败"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func bindRetrieveRequest(c *gin.Context) (model.RetrieveRequest, model.AuthContext, bool) {
	var req model.RetrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求参数"})
		return req, model.AuthContext{}, false
	}
	if req.K < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "k 不能为负数"})
		return req, model.AuthContext{}, false
	}
	auth, ok := middleware.GetAuthContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无法获取调用方信息"})
		return req, model.AuthContext{}, false
	}
	return req, auth, true
}
