// internal/models/draft.go
package models

import (
	"time"
)

// MediaKind 媒体类型
type MediaKind string

const (
	MediaKindImage MediaKind = "image"
	MediaKindVideo MediaKind = "video"
)

// UploadStatus 单个媒体项的上传状态
type UploadStatus string

const (
	UploadStatusPending   UploadStatus = "pending"
	UploadStatusUploading UploadStatus = "uploading"
	UploadStatusUploaded  UploadStatus = "uploaded"
	UploadStatusFailed    UploadStatus = "failed"
)

// MessageRole 对话消息的作者角色
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// MaxUserTurns 每个草稿允许的用户回合上限，超出后只能直接编辑脚本或确认提交
const MaxUserTurns = 10

// MediaItem 表示草稿中的一个媒体附件
type MediaItem struct {
	ID         string       `json:"id"`
	SourceURI  string       `json:"source_uri"`
	Kind       MediaKind    `json:"kind"`
	Status     UploadStatus `json:"status"`
	StorageRef string       `json:"storage_ref,omitempty"` // 仅在uploaded后存在
	SignedURL  string       `json:"signed_url,omitempty"`  // 展示用的签名URL，会过期
	Position   int          `json:"position"`
	FailReason string       `json:"fail_reason,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// ChatMessage 表示一轮对话
type ChatMessage struct {
	ID        string      `json:"id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	IsEdited  bool        `json:"is_edited"`
	IsLoading bool        `json:"is_loading,omitempty"` // 生成中的临时占位消息
	IsError   bool        `json:"is_error,omitempty"`   // 生成失败的提示消息，不参与脚本一致性
	MediaIDs  []string    `json:"media_ids,omitempty"`  // 本轮引入的媒体子集
	CreatedAt time.Time   `json:"created_at"`
}

// Draft 表示一个尚未最终渲染的短视频项目：媒体 + 对话记录 + 当前脚本
type Draft struct {
	ID                   string        `json:"id,omitempty"` // 后端首次持久化时分配，纯本地草稿为空
	LocalID              string        `json:"local_id"`     // 客户端生成的本地句柄，草稿创建时即存在
	OwnerID              string        `json:"owner_id"`
	Title                string        `json:"title,omitempty"`
	Media                []MediaItem   `json:"media"`
	Script               string        `json:"script,omitempty"`
	Messages             []ChatMessage `json:"messages"`
	UserMessageTurnCount int           `json:"user_message_turn_count"`
	Submitted            bool          `json:"submitted"`
	ForkedFrom           string        `json:"forked_from,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// UploadedMedia 返回已完成上传的媒体项，只有这些才可以附加到新回合或参与生成
func (d *Draft) UploadedMedia() []MediaItem {
	items := make([]MediaItem, 0, len(d.Media))
	for _, item := range d.Media {
		if item.Status == UploadStatusUploaded {
			items = append(items, item)
		}
	}
	return items
}

// LatestAssistantMessage 返回最近一条有效的助手消息
// 加载中的占位消息和失败提示消息都不算，草稿脚本始终与这条消息的内容一致
func (d *Draft) LatestAssistantMessage() *ChatMessage {
	for i := len(d.Messages) - 1; i >= 0; i-- {
		msg := &d.Messages[i]
		if msg.Role == RoleAssistant && !msg.IsLoading && !msg.IsError {
			return msg
		}
	}
	return nil
}

// FindMedia 按ID查找媒体项
func (d *Draft) FindMedia(mediaID string) *MediaItem {
	for i := range d.Media {
		if d.Media[i].ID == mediaID {
			return &d.Media[i]
		}
	}
	return nil
}

// UploadKey 上传时用于命名远端存储位置的草稿标识
// 草稿还没有后端ID时退回本地句柄
func (d *Draft) UploadKey() string {
	if d.ID != "" {
		return d.ID
	}
	return d.LocalID
}

// RemainingTurns 剩余可用的用户回合数
func (d *Draft) RemainingTurns() int {
	remaining := MaxUserTurns - d.UserMessageTurnCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Clone 生成草稿的深拷贝，fork时使用
func (d *Draft) Clone() *Draft {
	dup := *d

	dup.Media = make([]MediaItem, len(d.Media))
	copy(dup.Media, d.Media)

	dup.Messages = make([]ChatMessage, len(d.Messages))
	for i, msg := range d.Messages {
		msgCopy := msg
		if len(msg.MediaIDs) > 0 {
			msgCopy.MediaIDs = make([]string, len(msg.MediaIDs))
			copy(msgCopy.MediaIDs, msg.MediaIDs)
		}
		dup.Messages[i] = msgCopy
	}

	return &dup
}
