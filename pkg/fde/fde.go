// Package fde 实现固定维度编码（Fixed Dimensional Encoding）。
//
// 多向量先经 SimHash 划分到 2^k 个分区，分区内向量投影后聚合，
// 多次重复的结果拼接成一个定长向量。文档编码取分区平均值，查询编码取分区和，
// 因此 dot(query, doc) 近似于两者的 MaxSim 得分，可直接交给单向量 ANN 索引检索。
package fde

import (
	"errors"
	"fmt"
	"math/bits"
	"math/rand/v2"
)

// 投影方式
const (
	ProjectionIdentity  = "identity"
	ProjectionAMSSketch = "ams_sketch"
)

// Config 是编码参数。相同 Config 下编码结果完全确定。
type Config struct {
	Dimension           int
	Repetitions         int
	SimHashProjections  int
	ProjectionDimension int
	ProjectionType      string
	FillEmptyPartitions bool
	Seed                uint64
}

// DefaultConfig 返回默认参数：128 维输入，20 次重复，32 个分区，每分区投影到 16 维。
func DefaultConfig() Config {
	return Config{
		Dimension:           128,
		Repetitions:         20,
		SimHashProjections:  5,
		ProjectionDimension: 16,
		ProjectionType:      ProjectionAMSSketch,
		FillEmptyPartitions: true,
		Seed:                42,
	}
}

// Validate 检查参数组合是否合法。
func (c Config) Validate() error {
	if c.Dimension <= 0 {
		return errors.New("fde: dimension must be positive")
	}
	if c.Repetitions <= 0 {
		return errors.New("fde: repetitions must be positive")
	}
	if c.SimHashProjections < 0 || c.SimHashProjections > 30 {
		return fmt.Errorf("fde: simhash projections out of range: %d", c.SimHashProjections)
	}
	switch c.ProjectionType {
	case ProjectionIdentity:
	case ProjectionAMSSketch:
		if c.ProjectionDimension <= 0 {
			return errors.New("fde: projection dimension must be positive")
		}
	default:
		return fmt.Errorf("fde: unknown projection type %q", c.ProjectionType)
	}
	return nil
}

// OutputDimension 返回编码长度 = repetitions × 2^k × projDim。
func (c Config) OutputDimension() int {
	return c.Repetitions * c.partitions() * c.projDim()
}

func (c Config) partitions() int { return 1 << c.SimHashProjections }

func (c Config) projDim() int {
	if c.ProjectionType == ProjectionIdentity {
		return c.Dimension
	}
	return c.ProjectionDimension
}

// repetition 保存单次重复使用的随机矩阵。
type repetition struct {
	simhash [][]float64 // Dimension × k 高斯矩阵
	amsCol  []int       // 每个输入维度映射到的投影列
	amsSign []float32   // 以及对应的 ±1 符号
}

// Encoder 预先生成随机矩阵，可被多个 goroutine 并发使用。
type Encoder struct {
	cfg  Config
	reps []repetition
}

// NewEncoder 根据配置生成所有重复的随机矩阵。
func NewEncoder(cfg Config) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Encoder{cfg: cfg, reps: make([]repetition, cfg.Repetitions)}
	for r := range e.reps {
		rng := rand.New(rand.NewPCG(cfg.Seed, uint64(r)))
		rep := repetition{simhash: make([][]float64, cfg.Dimension)}
		for i := range rep.simhash {
			row := make([]float64, cfg.SimHashProjections)
			for j := range row {
				row[j] = rng.NormFloat64()
			}
			rep.simhash[i] = row
		}
		if cfg.ProjectionType == ProjectionAMSSketch {
			rep.amsCol = make([]int, cfg.Dimension)
			rep.amsSign = make([]float32, cfg.Dimension)
			for i := 0; i < cfg.Dimension; i++ {
				rep.amsCol[i] = rng.IntN(cfg.ProjectionDimension)
				rep.amsSign[i] = 1
				if rng.IntN(2) == 0 {
					rep.amsSign[i] = -1
				}
			}
		}
		e.reps[r] = rep
	}
	return e, nil
}

// EncodeDocument 生成文档编码：分区内取平均，可选地用最近向量填充空分区。
func (e *Encoder) EncodeDocument(mv [][]float32) ([]float32, error) {
	return e.encode(mv, true)
}

// EncodeQuery 生成查询编码：分区内求和，空分区保持为 0。
func (e *Encoder) EncodeQuery(mv [][]float32) ([]float32, error) {
	return e.encode(mv, false)
}

// EncodeDocuments 批量生成文档编码，共用同一组随机矩阵。
func (e *Encoder) EncodeDocuments(mvs [][][]float32) ([][]float32, error) {
	out := make([][]float32, len(mvs))
	for i, mv := range mvs {
		enc, err := e.EncodeDocument(mv)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		out[i] = enc
	}
	return out, nil
}

func (e *Encoder) encode(mv [][]float32, isDocument bool) ([]float32, error) {
	if len(mv) == 0 {
		return nil, errors.New("fde: empty multi-vector")
	}
	for i, v := range mv {
		if len(v) != e.cfg.Dimension {
			return nil, fmt.Errorf("fde: vector %d has dimension %d, want %d", i, len(v), e.cfg.Dimension)
		}
	}

	parts := e.cfg.partitions()
	pd := e.cfg.projDim()
	block := parts * pd
	out := make([]float32, e.cfg.Repetitions*block)

	sketchBits := make([]uint32, len(mv))
	projected := make([][]float32, len(mv))
	counts := make([]int, parts)

	for r, rep := range e.reps {
		for i := range counts {
			counts[i] = 0
		}
		base := out[r*block : (r+1)*block]

		for i, v := range mv {
			sketchBits[i] = e.signBits(rep, v)
			projected[i] = e.project(rep, v)
			p := grayCode(sketchBits[i], e.cfg.SimHashProjections)
			counts[p]++
			dst := base[p*pd : (p+1)*pd]
			for j, x := range projected[i] {
				dst[j] += x
			}
		}

		if !isDocument {
			continue
		}
		for p := 0; p < parts; p++ {
			dst := base[p*pd : (p+1)*pd]
			if counts[p] > 0 {
				inv := 1 / float32(counts[p])
				for j := range dst {
					dst[j] *= inv
				}
				continue
			}
			if !e.cfg.FillEmptyPartitions || e.cfg.SimHashProjections == 0 {
				continue
			}
			nearest := nearestToPartition(sketchBits, uint32(p))
			copy(dst, projected[nearest])
		}
	}
	return out, nil
}

// signBits 返回 k 个 SimHash 符号位，第一个投影位于最高位。
func (e *Encoder) signBits(rep repetition, v []float32) uint32 {
	k := e.cfg.SimHashProjections
	var b uint32
	for j := 0; j < k; j++ {
		var s float64
		for i, x := range v {
			s += float64(x) * rep.simhash[i][j]
		}
		b <<= 1
		if s > 0 {
			b |= 1
		}
	}
	return b
}

func (e *Encoder) project(rep repetition, v []float32) []float32 {
	if e.cfg.ProjectionType == ProjectionIdentity {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}
	out := make([]float32, e.cfg.ProjectionDimension)
	for i, x := range v {
		out[rep.amsCol[i]] += rep.amsSign[i] * x
	}
	return out
}

// grayCode 把符号位依次追加为格雷码，得到分区编号。
func grayCode(signBits uint32, k int) int {
	g := 0
	for j := k - 1; j >= 0; j-- {
		bit := int(signBits>>uint(j)) & 1
		g = (g << 1) + (bit ^ (g & 1))
	}
	return g
}

// nearestToPartition 返回符号位与分区 p 汉明距离最小的向量下标。
func nearestToPartition(sketchBits []uint32, p uint32) int {
	want := p ^ (p >> 1)
	best, bestDist := 0, 33
	for i, b := range sketchBits {
		if d := bits.OnesCount32(b ^ want); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// GenerateDocumentEncoding 是 NewEncoder + EncodeDocument 的便捷封装。
func GenerateDocumentEncoding(mv [][]float32, cfg Config) ([]float32, error) {
	e, err := NewEncoder(cfg)
	if err != nil {
		return nil, err
	}
	return e.EncodeDocument(mv)
}

// GenerateQueryEncoding 是 NewEncoder + EncodeQuery 的便捷封装。
func GenerateQueryEncoding(mv [][]float32, cfg Config) ([]float32, error) {
	e, err := NewEncoder(cfg)
	if err != nil {
		return nil, err
	}
	return e.EncodeQuery(mv)
}
