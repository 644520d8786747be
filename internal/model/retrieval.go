package model

// RetrieveRequest 是检索接口的请求体。
type RetrieveRequest struct {
	Query        string   `json:"query" binding:"required"`
	K            int      `json:"k"`
	MinScore     float64  `json:"min_score"`
	UseReranking bool     `json:"use_reranking"`
	UseColPali   bool     `json:"use_colpali"`
	Padding      int      `json:"padding"`
	DocumentIDs  []string `json:"document_ids,omitempty"`
}
