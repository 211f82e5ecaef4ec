// internal/models/user.go
package models

import "time"

// User 用户信息
type User struct {
	ID          string          `json:"id"`
	Username    string          `json:"username"`
	Email       string          `json:"email"`
	Avatar      string          `json:"avatar,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	LastUpdated time.Time       `json:"last_updated"`
	Preferences UserPreferences `json:"preferences"`
	// 可选字段
	DisplayName string `json:"display_name,omitempty"`
	// 用户名下已渲染完成的视频
	Videos []UserVideo `json:"videos,omitempty"`
}

// UserPreferences 用户偏好设置
type UserPreferences struct {
	VoiceID           string `json:"voice_id,omitempty"`         // 首选配音音色
	NarrationStyle    string `json:"narration_style,omitempty"`  // 旁白风格: casual, formal, energetic
	NotificationLevel string `json:"notification_level"`         // 通知级别: none, important, all
	AutoSaveDrafts    bool   `json:"auto_save_drafts"`
}

// UserVideo 用户的一条已渲染视频记录
type UserVideo struct {
	ID        string    `json:"id"`
	DraftID   string    `json:"draft_id"`
	Title     string    `json:"title,omitempty"`
	VideoURL  string    `json:"video_url"`
	CreatedAt time.Time `json:"created_at"`
}
