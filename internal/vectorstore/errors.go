package vectorstore

import "errors"

var (
	// ErrStorageUnavailable 表示瞬时故障重试耗尽。
	ErrStorageUnavailable = errors.New("vector storage unavailable")
	// ErrInvalidEmbedding 表示向量形状非法，不会重试也不会跳过。
	ErrInvalidEmbedding = errors.New("invalid embedding")
	// ErrNotInitialized 表示在 Initialize 成功之前调用了存储。
	ErrNotInitialized = errors.New("vector store not initialized")
)
