// internal/backend/client.go
package backend

import (
	"context"
	"errors"
	"io"

	"github.com/reelweave/ReelWeaver/internal/models"
)

// 后端调用的错误定义
var (
	// ErrConnectionLost 连接中断。生成请求即使客户端断连，后端也可能继续完成，
	// 调用方需要在收到该错误后对远端草稿做一次恢复探测
	ErrConnectionLost = errors.New("connection to backend lost")
	// ErrLimitReached 后端报告的额度用尽
	ErrLimitReached = errors.New("backend reported usage limit reached")
	// ErrNotFound 远端不存在该资源
	ErrNotFound = errors.New("resource not found on backend")
)

// GenerateRequest 脚本生成请求：完整历史对话加上本轮输入
type GenerateRequest struct {
	DraftID  string               `json:"draft_id"`
	Messages []models.ChatMessage `json:"messages"`
	MediaIDs []string             `json:"media_ids,omitempty"` // 参与生成的已上传媒体
	Style    string               `json:"style,omitempty"`     // 旁白风格偏好
}

// UploadTarget 单个媒体文件的上传目标
type UploadTarget struct {
	MediaID   string `json:"media_id"`
	UploadURL string `json:"upload_url"`
	Method    string `json:"method,omitempty"`
	ExpiresIn int    `json:"expires_in,omitempty"` // 秒
}

// SubmitResult 草稿提交结果
type SubmitResult struct {
	JobID string `json:"job_id"`
}

// Client 定义远端后端的全部操作边界
// 作业调度、AI调用和视频编码都发生在后端，这里只是远程过程的签名
type Client interface {
	// CreateDraft 首次持久化草稿，返回后端分配的ID
	CreateDraft(ctx context.Context, draft *models.Draft) (string, error)

	// FetchDraft 读取远端草稿的最新状态，重入同步和恢复探测用
	FetchDraft(ctx context.Context, draftID string) (*models.Draft, error)

	// AddMessage 向远端对话记录追加一轮
	AddMessage(ctx context.Context, draftID string, msg models.ChatMessage) error

	// UpdateMessage 覆盖某条已存消息的文本，直接编辑脚本时使用
	UpdateMessage(ctx context.Context, draftID, messageID, content string, edited bool) error

	// UpdateScript 覆盖草稿级别的权威脚本字段
	UpdateScript(ctx context.Context, draftID, script string) error

	// ForkDraft 复制一个已存在（可能已提交）的草稿到新ID
	ForkDraft(ctx context.Context, sourceDraftID string) (*models.Draft, error)

	// GenerateScript 根据对话记录和媒体生成新的脚本文本
	GenerateScript(ctx context.Context, req GenerateRequest) (string, error)

	// MarkSubmitted 将草稿转为已提交/渲染中状态
	MarkSubmitted(ctx context.Context, draftID string) (*SubmitResult, error)

	// CreateUploadTarget 为单个媒体文件获取写入目标
	CreateUploadTarget(ctx context.Context, draftID string, item models.MediaItem) (*UploadTarget, error)

	// Upload 将媒体内容写入上传目标
	Upload(ctx context.Context, target *UploadTarget, content io.Reader) error

	// FinalizeUpload 确认上传完成，返回后端存储引用
	FinalizeUpload(ctx context.Context, draftID, mediaID string) (string, error)

	// FreshMediaURL 为过期的媒体URL重新签名
	FreshMediaURL(ctx context.Context, draftID, mediaID string) (string, error)

	// DeleteDraft 显式丢弃草稿
	DeleteDraft(ctx context.Context, draftID string) error
}

// IsConnectionLost 检查是否为连接中断错误
func IsConnectionLost(err error) bool {
	return errors.Is(err, ErrConnectionLost)
}

// IsLimitReached 检查是否为额度用尽错误
func IsLimitReached(err error) bool {
	return errors.Is(err, ErrLimitReached)
}
