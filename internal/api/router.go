// internal/api/router.go
package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/reelweave/ReelWeaver/internal/config"
	"github.com/reelweave/ReelWeaver/internal/di"
	"github.com/reelweave/ReelWeaver/internal/services"
)

// SetupRouter 配置HTTP路由
func SetupRouter() (*gin.Engine, error) {
	cfg := config.GetCurrentConfig()

	// 只从容器获取服务，不创建新实例
	container := di.GetContainer()

	draftService, ok := container.Get("draft").(*services.DraftService)
	if !ok {
		return nil, fmt.Errorf("草稿服务未正确初始化")
	}

	renderService, ok := container.Get("render").(*services.RenderService)
	if !ok {
		return nil, fmt.Errorf("渲染服务未正确初始化")
	}

	progressService, ok := container.Get("progress").(*services.ProgressService)
	if !ok {
		return nil, fmt.Errorf("进度服务未正确初始化")
	}

	userService, ok := container.Get("user").(*services.UserService)
	if !ok {
		return nil, fmt.Errorf("用户服务未正确初始化")
	}

	handler := NewHandler(draftService, renderService, progressService, userService)

	r := gin.Default()

	r.Use(corsMiddleware())
	r.Use(requestIDMiddleware())

	// ===============================
	// 开放路由
	// ===============================
	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})
	r.POST("/api/auth/session", DefaultRateLimit(), handler.CreateSession)

	// 渲染状态回调走独立的回调密钥鉴权
	r.POST("/api/render-jobs/:id/status", callbackAuthMiddleware(cfg), handler.RenderStatusCallback)

	// ===============================
	// 需要会话的路由
	// ===============================
	api := r.Group("/api")
	api.Use(SessionMiddleware(true))
	api.Use(DefaultRateLimit())
	{
		// 草稿生命周期
		api.POST("/drafts", handler.CreateDraft)
		api.GET("/drafts", handler.ListDrafts)
		api.GET("/drafts/:id", handler.GetDraft)
		api.DELETE("/drafts/:id", handler.DiscardDraft)
		api.POST("/drafts/:id/sync", handler.SyncDraft)
		api.POST("/drafts/:id/fork", handler.ForkDraft)

		// 媒体
		api.POST("/drafts/:id/media", handler.AttachMedia)
		api.POST("/drafts/:id/media/:mediaId/retry", handler.RetryMediaUpload)
		api.GET("/drafts/:id/media/:mediaId/url", handler.RefreshMediaURL)

		// 对话与脚本，生成调用开销大，单独限速
		api.POST("/drafts/:id/turns", TurnRateLimit(), handler.SendTurn)
		api.PUT("/drafts/:id/script", handler.EditScript)
		api.POST("/drafts/:id/approve", handler.ApproveDraft)

		// 渲染任务
		api.GET("/render-jobs", handler.ListRenderJobs)
		api.GET("/render-jobs/:id", handler.GetRenderJob)

		// 用户
		api.GET("/user/profile", handler.GetUserProfile)
		api.PUT("/user/preferences", handler.UpdateUserPreferences)
		api.GET("/user/videos", handler.ListUserVideos)

		// 进度轮询兜底
		api.GET("/progress/:taskId", handler.GetTaskProgress)
	}

	// ===============================
	// WebSocket 路由
	// ===============================
	ws := r.Group("/ws")
	ws.Use(SessionMiddleware(true))
	{
		ws.GET("/drafts/:id", handler.WebSocketHandler.DraftWebSocket)
		ws.GET("/user/notifications", handler.WebSocketHandler.UserNotificationsWebSocket)
		ws.GET("/progress/:taskId", handler.WebSocketHandler.TaskProgressWebSocket)
	}

	// 调试路由只在开发模式开放
	if cfg.DebugMode {
		r.GET("/api/debug/websocket", handler.GetWebSocketStatus)
	}

	return r, nil
}

// callbackAuthMiddleware 校验协作后端的回调密钥
func callbackAuthMiddleware(cfg *config.AppConfig) gin.HandlerFunc {
	response := NewResponseHelper()

	return func(c *gin.Context) {
		key := c.GetHeader("X-Callback-Key")
		if cfg == nil || cfg.BackendAPIKey == "" ||
			subtle.ConstantTimeCompare([]byte(key), []byte(cfg.BackendAPIKey)) != 1 {
			response.Unauthorized(c, "回调密钥无效")
			c.Abort()
			return
		}
		c.Next()
	}
}
