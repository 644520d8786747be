// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// IngestionTask represents the data structure for a document ingestion job.
type IngestionTask struct {
	DocumentID  string                 `json:"document_id"`
	AppID       string                 `json:"app_id"`
	OwnerID     string                 `json:"owner_id"`
	Bucket      string                 `json:"bucket"`
	StorageKey  string                 `json:"storage_key"`
	Filename    string                 `json:"filename"`
	ContentType string                 `json:"content_type"`
	UseColPali  bool                   `json:"use_colpali"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}
