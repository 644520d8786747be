// Package rerank 调用 Cohere 兼容的重排服务。
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"morphik-go/internal/config"
)

// Reranker 为每个候选文本返回相关性得分，顺序与输入一致。
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]float64, error)
}

// CohereClient calls a Cohere-compatible rerank endpoint.
type CohereClient struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
}

// NewCohereClient constructs a rerank client with the configured endpoint.
func NewCohereClient(cfg config.RerankerConfig) *CohereClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 6 * time.Second
	}
	return &CohereClient{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
	}
}

// Rerank sends documents to the external rerank service.
func (c *CohereClient) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	if c == nil {
		return nil, errors.New("rerank client is nil")
	}
	if len(docs) == 0 {
		return nil, nil
	}
	payload := map[string]any{
		"model":     c.model,
		"query":     query,
		"documents": docs,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal rerank payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call rerank endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank endpoint status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Results []struct {
			Index int     `json:"index"`
			Score float64 `json:"relevance_score"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	scores := make([]float64, len(docs))
	for _, result := range parsed.Results {
		if result.Index >= 0 && result.Index < len(scores) {
			scores[result.Index] = result.Score
		}
	}
	return scores, nil
}
