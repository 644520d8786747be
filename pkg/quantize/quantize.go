// Package quantize 实现基于符号的二值量化：第 i 位为 1 当且仅当第 i 个分量大于 0。
package quantize

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

var (
	// ErrEmptyInput 表示输入为空。
	ErrEmptyInput = errors.New("quantize: empty input")
	// ErrIrregularShape 表示多向量中各行长度不一致。
	ErrIrregularShape = errors.New("quantize: irregular multi-vector shape")
)

// BitVector 是定长位向量，位序从高位到低位与原向量分量一一对应。
type BitVector struct {
	bits []byte
	n    int
}

// Len 返回位数。
func (b BitVector) Len() int { return b.n }

// Bit 返回第 i 位。
func (b BitVector) Bit(i int) bool {
	return b.bits[i/8]&(0x80>>(uint(i)%8)) != 0
}

// String 返回 '0'/'1' 组成的位串，可直接作为 Postgres 的 bit 字面量。
func (b BitVector) String() string {
	var sb strings.Builder
	sb.Grow(b.n)
	for i := 0; i < b.n; i++ {
		if b.Bit(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// Hamming 返回两个等长位向量的汉明距离。
func Hamming(a, b BitVector) (int, error) {
	if a.n != b.n {
		return 0, fmt.Errorf("quantize: length mismatch %d != %d", a.n, b.n)
	}
	d := 0
	for i := range a.bits {
		d += bits.OnesCount8(a.bits[i] ^ b.bits[i])
	}
	return d, nil
}

// Similarity 返回 1 - hamming/len，取值 [0, 1]，对应 SQL max_sim 中的单对相似度。
func Similarity(a, b BitVector) (float64, error) {
	d, err := Hamming(a, b)
	if err != nil {
		return 0, err
	}
	if a.n == 0 {
		return 1, nil
	}
	return 1 - float64(d)/float64(a.n), nil
}

// QuantizeVector 量化单个向量。
func QuantizeVector(v []float32) (BitVector, error) {
	if len(v) == 0 {
		return BitVector{}, ErrEmptyInput
	}
	out := BitVector{bits: make([]byte, (len(v)+7)/8), n: len(v)}
	for i, x := range v {
		if x > 0 {
			out.bits[i/8] |= 0x80 >> (uint(i) % 8)
		}
	}
	return out, nil
}

// Quantize 量化一个多向量，每行得到一个位向量。
// 空输入或各行长度不一致时返回错误。
func Quantize(mv [][]float32) ([]BitVector, error) {
	if len(mv) == 0 {
		return nil, ErrEmptyInput
	}
	width := len(mv[0])
	out := make([]BitVector, len(mv))
	for i, row := range mv {
		if len(row) != width {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrIrregularShape, i, len(row), width)
		}
		bv, err := QuantizeVector(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = bv
	}
	return out, nil
}

// Strings 把多个位向量转成位串，供 SQL 参数使用。
func Strings(bvs []BitVector) []string {
	out := make([]string, len(bvs))
	for i, b := range bvs {
		out[i] = b.String()
	}
	return out
}

// MaxSim 在位向量上计算后期交互得分：对每个查询向量取与文档向量的最大相似度并求和。
//
// 它是关系型存储里 SQL 函数 max_sim 的 Go 参照实现，服务端不调用它；
// 测试用它核对数据库返回的分数。两边公式改动时必须同步。
func MaxSim(doc, query []BitVector) float64 {
	total := 0.0
	for _, q := range query {
		best := 0.0
		for _, d := range doc {
			s, err := Similarity(d, q)
			if err != nil {
				continue
			}
			if s > best {
				best = s
			}
		}
		total += best
	}
	return total
}
