package model

// AuthContext 描述一次请求的调用方身份。
// AppID 非空时，调用方只能访问同一应用下的文档。
type AuthContext struct {
	EntityID string `json:"entity_id"`
	AppID    string `json:"app_id"`
}
