package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"morphik-go/internal/config"
	"morphik-go/pkg/log"
)

// 输入类型
const (
	InputTypeText  = "text"
	InputTypeImage = "image"
)

// MultiVectorClient 调用 ColPali 风格的多向量 Embedding 服务，每个输入返回一组向量。
type MultiVectorClient interface {
	EmbedQuery(ctx context.Context, query string) ([][]float32, error)
	EmbedInputs(ctx context.Context, inputType string, inputs []string) ([][][]float32, error)
}

type colPaliClient struct {
	cfg    config.ColPaliConfig
	client *http.Client
}

// NewMultiVectorClient 创建多向量 Embedding 客户端。
func NewMultiVectorClient(cfg config.ColPaliConfig) MultiVectorClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &colPaliClient{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

type multiVectorRequest struct {
	InputType string   `json:"input_type"`
	Inputs    []string `json:"inputs"`
}

type multiVectorResponse struct {
	Embeddings [][][]float32 `json:"embeddings"`
}

// EmbedQuery 生成查询文本的多向量。
func (c *colPaliClient) EmbedQuery(ctx context.Context, query string) ([][]float32, error) {
	out, err := c.EmbedInputs(ctx, InputTypeText, []string{query})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedInputs 批量生成多向量，结果顺序与输入一致。
func (c *colPaliClient) EmbedInputs(ctx context.Context, inputType string, inputs []string) ([][][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(multiVectorRequest{InputType: inputType, Inputs: inputs})
	if err != nil {
		return nil, fmt.Errorf("marshal multi-vector request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build multi-vector request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		log.Errorf("[MultiVectorClient] 调用多向量 Embedding 服务失败, error: %v", err)
		return nil, fmt.Errorf("call multi-vector endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("multi-vector endpoint status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed multiVectorResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode multi-vector response: %w", err)
	}
	if len(parsed.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("multi-vector endpoint returned %d embeddings for %d inputs", len(parsed.Embeddings), len(inputs))
	}
	for i, mv := range parsed.Embeddings {
		if len(mv) == 0 {
			return nil, fmt.Errorf("multi-vector endpoint returned empty embedding for input %d", i)
		}
	}
	log.Debugf("[MultiVectorClient] 获取多向量成功, inputs: %d, type: %s", len(inputs), inputType)
	return parsed.Embeddings, nil
}
