package service

import (
	"context"
	"fmt"
	"sort"

	"morphik-go/internal/model"
	"morphik-go/pkg/log"
)

// chunkFetcher 是 padding 所需的最小存储能力。
type chunkFetcher interface {
	GetChunksByID(ctx context.Context, ids []model.ChunkIdentifier) ([]model.DocumentChunk, error)
}

// paddedChunk 标记分块是否为 padding 补充的邻页。
type paddedChunk struct {
	model.DocumentChunk
	isPadding bool
}

// padImageChunks 为每个命中的图片分块补充前后 padding 页。
// 没有图片分块时返回空结果，不回退到文本。
func padImageChunks(ctx context.Context, store chunkFetcher, matched []model.DocumentChunk, padding int) ([]paddedChunk, error) {
	scores := make(map[model.ChunkIdentifier]float64)
	var wanted []model.ChunkIdentifier
	seen := make(map[model.ChunkIdentifier]struct{})
	add := func(id model.ChunkIdentifier) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		wanted = append(wanted, id)
	}

	for _, c := range matched {
		if !c.IsImage() {
			continue
		}
		id := c.Identifier()
		if prev, ok := scores[id]; !ok || c.Score > prev {
			scores[id] = c.Score
		}
		add(id)
		for p := 1; p <= padding; p++ {
			if n := c.ChunkNumber - p; n >= 0 {
				add(model.ChunkIdentifier{DocumentID: c.DocumentID, ChunkNumber: n})
			}
			add(model.ChunkIdentifier{DocumentID: c.DocumentID, ChunkNumber: c.ChunkNumber + p})
		}
	}
	if len(wanted) == 0 {
		log.Infof("[Padding] 命中结果中没有图片分块, 返回空结果")
		return []paddedChunk{}, nil
	}

	fetched, err := store.GetChunksByID(ctx, wanted)
	if err != nil {
		return nil, fmt.Errorf("fetch padding chunks: %w", err)
	}

	out := make([]paddedChunk, 0, len(fetched))
	emitted := make(map[model.ChunkIdentifier]struct{}, len(fetched))
	for _, c := range fetched {
		if !c.IsImage() {
			continue
		}
		id := c.Identifier()
		if _, dup := emitted[id]; dup {
			continue
		}
		emitted[id] = struct{}{}
		score, isMatch := scores[id]
		c.Score = score
		out = append(out, paddedChunk{DocumentChunk: c, isPadding: !isMatch})
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
	log.Infof("[Padding] 命中 %d 个图片分块, padding=%d, 补充后共 %d 个", len(scores), padding, len(out))
	return out, nil
}

// groupChunks 为每个主分块建立一组，把 ±padding 范围内的 padding 分块挂到先匹配到的组上。
func groupChunks(results []model.ChunkResult, padding int) []model.ChunkGroup {
	processed := make(map[model.ChunkIdentifier]struct{})
	var paddings []model.ChunkResult
	for _, r := range results {
		if r.IsPadding {
			paddings = append(paddings, r)
		}
	}
	sort.SliceStable(paddings, func(i, j int) bool {
		if paddings[i].DocumentID != paddings[j].DocumentID {
			return paddings[i].DocumentID < paddings[j].DocumentID
		}
		return paddings[i].ChunkNumber < paddings[j].ChunkNumber
	})

	groups := []model.ChunkGroup{}
	for _, main := range results {
		if main.IsPadding {
			continue
		}
		mainID := model.ChunkIdentifier{DocumentID: main.DocumentID, ChunkNumber: main.ChunkNumber}
		if _, ok := processed[mainID]; ok {
			continue
		}
		processed[mainID] = struct{}{}

		group := model.ChunkGroup{MainChunk: main, PaddingChunks: []model.ChunkResult{}}
		for _, p := range paddings {
			id := model.ChunkIdentifier{DocumentID: p.DocumentID, ChunkNumber: p.ChunkNumber}
			if _, ok := processed[id]; ok {
				continue
			}
			if p.DocumentID != main.DocumentID || abs(p.ChunkNumber-main.ChunkNumber) > padding {
				continue
			}
			processed[id] = struct{}{}
			group.PaddingChunks = append(group.PaddingChunks, p)
		}
		group.TotalChunks = 1 + len(group.PaddingChunks)
		groups = append(groups, group)
	}
	return groups
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
