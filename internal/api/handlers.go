// internal/api/handlers.go
package api

import (
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/reelweave/ReelWeaver/internal/errors"
	"github.com/reelweave/ReelWeaver/internal/models"
	"github.com/reelweave/ReelWeaver/internal/services"
)

// APIResponse 标准API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"` // 用于调试和追踪
}

// APIError 标准错误格式
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Handler 处理API请求
type Handler struct {
	DraftService     *services.DraftService    // 草稿/对话控制器
	RenderService    *services.RenderService   // 渲染任务登记处
	ProgressService  *services.ProgressService // 进度跟踪服务
	UserService      *services.UserService     // 用户服务
	WebSocketHandler *WebSocketHandler         // WebSocket 处理器
	Response         *ResponseHelper           // 响应助手
}

// NewHandler 创建API处理器
func NewHandler(
	draftService *services.DraftService,
	renderService *services.RenderService,
	progressService *services.ProgressService,
	userService *services.UserService,
) *Handler {
	return &Handler{
		DraftService:     draftService,
		RenderService:    renderService,
		ProgressService:  progressService,
		UserService:      userService,
		WebSocketHandler: NewWebSocketHandler(),
		Response:         NewResponseHelper(),
	}
}

// CreateDraftRequest 创建草稿的请求结构
type CreateDraftRequest struct {
	Title string `json:"title"`
}

// AttachMediaRequest 附加媒体的请求结构
type AttachMediaRequest struct {
	Items []services.MediaInput `json:"items" binding:"required"`
}

// SendTurnRequest 发送对话回合的请求结构
type SendTurnRequest struct {
	Text     string   `json:"text"`                // 用户输入，首回合可为空
	MediaIDs []string `json:"media_ids,omitempty"` // 本轮引入的媒体子集
}

// EditScriptRequest 直接编辑脚本的请求结构
type EditScriptRequest struct {
	Script string `json:"script" binding:"required"`
	Fork   bool   `json:"fork"` // 从只读视图进入编辑时显式要求fork
}

// RenderStatusRequest 渲染状态回调的请求结构
type RenderStatusRequest struct {
	Status       models.RenderStatus `json:"status" binding:"required"`
	VideoURL     string              `json:"video_url"`
	ErrorMessage string              `json:"error_message"`
}

// SessionRequest 签发会话令牌的请求结构
type SessionRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	DeviceID string `json:"device_id"`
}

// DraftResponse 草稿响应，附带派生的剩余回合数
type DraftResponse struct {
	*models.Draft
	RemainingTurns int `json:"remaining_turns"`
}

func draftResponse(d *models.Draft) DraftResponse {
	return DraftResponse{Draft: d, RemainingTurns: d.RemainingTurns()}
}

// ========================================
// 草稿生命周期
// ========================================

// CreateDraft 创建新草稿
func (h *Handler) CreateDraft(c *gin.Context) {
	var req CreateDraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	draft, err := h.DraftService.NewDraft(currentUserID(c), req.Title)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Created(c, draftResponse(draft), "草稿创建成功")
}

// ListDrafts 列出当前用户的草稿
func (h *Handler) ListDrafts(c *gin.Context) {
	drafts, err := h.DraftService.ListDrafts(currentUserID(c))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	items := make([]DraftResponse, 0, len(drafts))
	for _, d := range drafts {
		items = append(items, draftResponse(d))
	}
	h.Response.Success(c, items)
}

// GetDraft 读取单个草稿
func (h *Handler) GetDraft(c *gin.Context) {
	draft, ok := h.loadOwnedDraft(c)
	if !ok {
		return
	}

	h.Response.Success(c, draftResponse(draft))
}

// DiscardDraft 丢弃草稿
func (h *Handler) DiscardDraft(c *gin.Context) {
	if _, ok := h.loadOwnedDraft(c); !ok {
		return
	}

	if err := h.DraftService.Discard(c.Request.Context(), c.Param("id")); err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Success(c, nil, "草稿已丢弃")
}

// SyncDraft 屏幕重入时与远端做一次协调
func (h *Handler) SyncDraft(c *gin.Context) {
	if _, ok := h.loadOwnedDraft(c); !ok {
		return
	}

	draft, err := h.DraftService.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Success(c, draftResponse(draft))
}

// ForkDraft 从现有草稿复制出新草稿
func (h *Handler) ForkDraft(c *gin.Context) {
	if _, ok := h.loadOwnedDraft(c); !ok {
		return
	}

	forked, err := h.DraftService.Fork(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Created(c, draftResponse(forked), "草稿fork成功")
}

// ========================================
// 媒体
// ========================================

// AttachMedia 附加一批本地媒体，上传在后台进行
func (h *Handler) AttachMedia(c *gin.Context) {
	if _, ok := h.loadOwnedDraft(c); !ok {
		return
	}

	var req AttachMediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	draft, err := h.DraftService.AttachMedia(c.Request.Context(), c.Param("id"), req.Items)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.broadcastDraftEvent(draft.LocalID, "media_attached", draft)
	h.Response.Success(c, draftResponse(draft), "媒体已加入，上传进行中")
}

// RetryMediaUpload 重试单个失败的媒体上传
func (h *Handler) RetryMediaUpload(c *gin.Context) {
	if _, ok := h.loadOwnedDraft(c); !ok {
		return
	}

	draft, err := h.DraftService.RetryUpload(c.Request.Context(), c.Param("id"), c.Param("mediaId"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Success(c, draftResponse(draft), "重试已开始")
}

// RefreshMediaURL 重新签名单个媒体项的展示URL
func (h *Handler) RefreshMediaURL(c *gin.Context) {
	if _, ok := h.loadOwnedDraft(c); !ok {
		return
	}

	freshURL, err := h.DraftService.RefreshMediaURL(c.Request.Context(), c.Param("id"), c.Param("mediaId"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Success(c, gin.H{"signed_url": freshURL})
}

// ========================================
// 对话与脚本
// ========================================

// SendTurn 发送一轮对话并等待脚本生成
func (h *Handler) SendTurn(c *gin.Context) {
	if _, ok := h.loadOwnedDraft(c); !ok {
		return
	}

	var req SendTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	draft, err := h.DraftService.SendTurn(c.Request.Context(), c.Param("id"), req.Text, req.MediaIDs)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.broadcastDraftEvent(draft.LocalID, "script_updated", draft)
	h.Response.Success(c, draftResponse(draft))
}

// EditScript 直接替换当前脚本
// 已提交的草稿会隐式fork，响应里的草稿可能是新的
func (h *Handler) EditScript(c *gin.Context) {
	if _, ok := h.loadOwnedDraft(c); !ok {
		return
	}

	var req EditScriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	draft, err := h.DraftService.EditScript(c.Request.Context(), c.Param("id"), req.Script, req.Fork)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.broadcastDraftEvent(draft.LocalID, "script_updated", draft)
	h.Response.Success(c, draftResponse(draft))
}

// ApproveDraft 确认脚本并提交渲染
func (h *Handler) ApproveDraft(c *gin.Context) {
	if _, ok := h.loadOwnedDraft(c); !ok {
		return
	}

	job, err := h.DraftService.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.broadcastDraftEvent(c.Param("id"), "submitted", job)
	h.Response.Success(c, job, "已提交渲染")
}

// ========================================
// 渲染任务
// ========================================

// ListRenderJobs 列出当前用户的渲染任务
func (h *Handler) ListRenderJobs(c *gin.Context) {
	jobs, err := h.RenderService.ListJobs(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Success(c, jobs)
}

// GetRenderJob 查询单个渲染任务
func (h *Handler) GetRenderJob(c *gin.Context) {
	job, err := h.RenderService.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	if job.OwnerID != currentUserID(c) {
		h.Response.NotFound(c, "渲染任务")
		return
	}

	h.Response.Success(c, job)
}

// RenderStatusCallback 接收协作后端推送的渲染状态变化
// 走独立的回调鉴权，不使用用户会话
func (h *Handler) RenderStatusCallback(c *gin.Context) {
	var req RenderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	job, err := h.RenderService.UpdateStatus(
		c.Request.Context(), c.Param("id"), req.Status, req.VideoURL, req.ErrorMessage)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	wsManager.BroadcastToUser(job.OwnerID, map[string]interface{}{
		"type":      "render_status",
		"job":       job,
		"timestamp": time.Now().Format(time.RFC3339),
	})

	h.Response.Success(c, job)
}

// ========================================
// 用户
// ========================================

// GetUserProfile 读取当前用户档案，首次访问时创建
func (h *Handler) GetUserProfile(c *gin.Context) {
	user, err := h.UserService.EnsureUser(currentUserID(c))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Success(c, user)
}

// UpdateUserPreferences 更新用户偏好
func (h *Handler) UpdateUserPreferences(c *gin.Context) {
	var prefs models.UserPreferences
	if err := c.ShouldBindJSON(&prefs); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	user, err := h.UserService.UpdatePreferences(currentUserID(c), prefs)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Success(c, user, "偏好已更新")
}

// ListUserVideos 列出当前用户的成片
func (h *Handler) ListUserVideos(c *gin.Context) {
	videos, err := h.UserService.ListVideos(currentUserID(c))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Success(c, videos)
}

// ========================================
// 会话与进度
// ========================================

// CreateSession 签发会话令牌
func (h *Handler) CreateSession(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	if _, err := h.UserService.EnsureUser(req.UserID); err != nil {
		h.Response.AppError(c, err)
		return
	}

	token, err := IssueSessionToken(req.UserID, req.DeviceID)
	if err != nil {
		h.Response.InternalError(c, "签发会话令牌失败", err.Error())
		return
	}

	h.Response.Created(c, gin.H{"token": token}, "会话创建成功")
}

// GetTaskProgress 读取任务进度快照，轮询兜底用，实时推送走WebSocket
func (h *Handler) GetTaskProgress(c *gin.Context) {
	tracker, exists := h.ProgressService.GetTracker(c.Param("taskId"))
	if !exists {
		h.Response.NotFound(c, "任务")
		return
	}

	h.Response.Success(c, tracker.Snapshot())
}

// GetWebSocketStatus 获取 WebSocket 连接状态（调试用）
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	status := wsManager.GetStatus()
	status["ping_timeout_seconds"] = int(wsManager.pingTimeout.Seconds())
	status["timestamp"] = time.Now().Format(time.RFC3339)

	h.Response.Success(c, status)
}

// ========================================
// 内部辅助
// ========================================

// loadOwnedDraft 读取路径中的草稿并校验归属
// 非本人的草稿统一按不存在处理，不暴露草稿是否存在
func (h *Handler) loadOwnedDraft(c *gin.Context) (*models.Draft, bool) {
	draft, err := h.DraftService.GetDraft(c.Param("id"))
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			h.Response.NotFound(c, "草稿")
		} else {
			h.Response.AppError(c, err)
		}
		return nil, false
	}

	if draft.OwnerID != currentUserID(c) {
		h.Response.NotFound(c, "草稿")
		return nil, false
	}

	return draft, true
}

// broadcastDraftEvent 向草稿房间推送变更事件
func (h *Handler) broadcastDraftEvent(draftLocalID, eventType string, payload interface{}) {
	wsManager.BroadcastToDraft(draftLocalID, map[string]interface{}{
		"type":      eventType,
		"data":      payload,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
