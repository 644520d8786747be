// Package maxsim 计算全精度多向量之间的后期交互（ColBERT 风格）得分。
package maxsim

// Score 返回 Σ_q max_d dot(q, d)。
// doc 为空时得分为 0；维度不一致的行按较短长度计算点积。
func Score(query, doc [][]float32) float64 {
	if len(doc) == 0 {
		return 0
	}
	total := 0.0
	for _, q := range query {
		best := dot(q, doc[0])
		for _, d := range doc[1:] {
			if s := dot(q, d); s > best {
				best = s
			}
		}
		total += best
	}
	return total
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var s float64
	for i := 0; i < n; i++ {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
