// internal/models/render.go
package models

import (
	"time"
)

// RenderStatus 渲染任务状态
type RenderStatus string

const (
	RenderStatusQueued    RenderStatus = "queued"
	RenderStatusRendering RenderStatus = "rendering"
	RenderStatusCompleted RenderStatus = "completed"
	RenderStatusFailed    RenderStatus = "failed"
)

// RenderJob 表示一个已提交草稿对应的渲染任务
// 任务本身由后端执行，这里只做登记和状态轮询
type RenderJob struct {
	ID           string       `json:"id"`
	DraftID      string       `json:"draft_id"`
	OwnerID      string       `json:"owner_id"`
	Status       RenderStatus `json:"status"`
	Script       string       `json:"script"`
	VideoURL     string       `json:"video_url,omitempty"` // 渲染完成后可用
	ErrorMessage string       `json:"error_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// IsTerminal 返回任务是否已结束
func (j *RenderJob) IsTerminal() bool {
	return j.Status == RenderStatusCompleted || j.Status == RenderStatusFailed
}
