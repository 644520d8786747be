package service

import (
	"context"
	"fmt"
	"sort"

	"morphik-go/internal/model"
	"morphik-go/pkg/log"
	"morphik-go/pkg/rerank"
)

// FusionEngine 合并稠密存储与多向量存储的检索结果。
// 组合由 (useReranking, useColPali) 两个开关决定，共四种情况。
type FusionEngine struct {
	reranker rerank.Reranker
}

// NewFusionEngine 创建融合引擎。reranker 为 nil 时重排退化为截断。
func NewFusionEngine(reranker rerank.Reranker) *FusionEngine {
	return &FusionEngine{reranker: reranker}
}

// Fuse 返回最终的分块顺序。
//
//	false/false: 稠密结果原样返回
//	false/true : 多向量结果在前，稠密结果在后，不做分数对齐
//	true/false : 稠密候选交给外部重排模型，按新分数降序截断到 k
//	true/true  : 与 false/true 相同，稠密结果不会被重新打分
func (e *FusionEngine) Fuse(ctx context.Context, query string, dense, multi []model.DocumentChunk, k int, useReranking, useColPali bool) ([]model.DocumentChunk, error) {
	if !useColPali {
		if !useReranking {
			return dense, nil
		}
		return e.rerank(ctx, query, dense, k)
	}

	if len(multi) == 0 {
		return dense, nil
	}
	if len(dense) == 0 {
		return multi, nil
	}
	if useReranking {
		// 已知的不一致：稠密分块没有换算到 MaxSim 分数尺度上。
		log.Warnf("[FusionEngine] use_reranking 与 use_colpali 同时开启, 稠密结果未重新打分, 直接拼接在多向量结果之后")
	}

	out := make([]model.DocumentChunk, 0, len(multi)+len(dense))
	out = append(out, multi...)
	out = append(out, dense...)
	return out, nil
}

func (e *FusionEngine) rerank(ctx context.Context, query string, chunks []model.DocumentChunk, k int) ([]model.DocumentChunk, error) {
	if len(chunks) == 0 {
		return chunks, nil
	}
	if e.reranker == nil {
		log.Warnf("[FusionEngine] 未配置重排服务, 直接截断稠密结果")
		return truncate(chunks, k), nil
	}

	docs := make([]string, len(chunks))
	for i, c := range chunks {
		docs[i] = c.Content
	}
	scores, err := e.reranker.Rerank(ctx, query, docs)
	if err != nil {
		return nil, fmt.Errorf("rerank dense chunks: %w", err)
	}
	if len(scores) != len(chunks) {
		return nil, fmt.Errorf("rerank returned %d scores for %d chunks", len(scores), len(chunks))
	}

	out := make([]model.DocumentChunk, len(chunks))
	copy(out, chunks)
	for i := range out {
		out[i].Score = scores[i]
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].ChunkNumber < out[j].ChunkNumber
	})
	return truncate(out, k), nil
}

func truncate(chunks []model.DocumentChunk, k int) []model.DocumentChunk {
	if k > 0 && len(chunks) > k {
		return chunks[:k]
	}
	return chunks
}
