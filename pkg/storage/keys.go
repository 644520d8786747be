package storage

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ContentKey 返回分块内容的对象键：{app_id}/{document_id}/{chunk_number}{ext}。
func ContentKey(appID, documentID string, chunkNumber int, ext string) string {
	return fmt.Sprintf("%s/%s/%d%s", appID, documentID, chunkNumber, ext)
}

// MultiVectorKey 返回多向量张量的对象键：multivector/{document_id}/{chunk_number}.npy。
func MultiVectorKey(documentID string, chunkNumber int) string {
	return fmt.Sprintf("multivector/%s/%d.npy", documentID, chunkNumber)
}

// DocumentContentPrefix 返回某文档全部分块内容的公共前缀。
func DocumentContentPrefix(appID, documentID string) string {
	return fmt.Sprintf("%s/%s/", appID, documentID)
}

// DocumentMultiVectorPrefix 返回某文档全部多向量张量的公共前缀。
func DocumentMultiVectorPrefix(documentID string) string {
	return fmt.Sprintf("multivector/%s/", documentID)
}

// DetectImage 解码 base64（或 data URI）图片，返回扩展名与 MIME 类型。
// 无法解码时退回 ".bin"。
func DetectImage(content string) (ext, mimeType string) {
	payload := content
	if strings.HasPrefix(payload, "data:") {
		if i := strings.Index(payload, ","); i >= 0 {
			payload = payload[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return ".bin", "application/octet-stream"
	}
	m := mimetype.Detect(data)
	if m.Extension() == "" {
		return ".bin", m.String()
	}
	return m.Extension(), m.String()
}
