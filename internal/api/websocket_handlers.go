// internal/api/websocket_handlers.go
package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/reelweave/ReelWeaver/internal/di"
	"github.com/reelweave/ReelWeaver/internal/services"
)

// WebSocketHandler 处理 WebSocket 相关的 HTTP 请求
type WebSocketHandler struct {
	draftService    *services.DraftService
	progressService *services.ProgressService
}

// NewWebSocketHandler 创建 WebSocket 处理器
func NewWebSocketHandler() *WebSocketHandler {
	container := di.GetContainer()

	return &WebSocketHandler{
		draftService:    container.Get("draft").(*services.DraftService),
		progressService: container.Get("progress").(*services.ProgressService),
	}
}

// DraftWebSocket 处理草稿房间的 WebSocket 连接
// 客户端在草稿编辑页停留期间保持连接，接收上传进度和脚本生成事件
func (wh *WebSocketHandler) DraftWebSocket(c *gin.Context) {
	draftID := c.Param("id")
	if draftID == "" {
		http.Error(c.Writer, "草稿ID缺失", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("❌ 草稿 WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	client := wh.attachClient(c, conn, draftID)
	if client == nil {
		return
	}
	defer wh.detachClient(client)

	client.SendMessage(map[string]interface{}{
		"type":      "connected",
		"draft_id":  draftID,
		"timestamp": time.Now().Format(time.RFC3339),
	})

	<-c.Request.Context().Done()
}

// UserNotificationsWebSocket 处理用户级通知连接
// 渲染完成等跨草稿事件走这条通道
func (wh *WebSocketHandler) UserNotificationsWebSocket(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		http.Error(c.Writer, "用户ID缺失", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("❌ 用户通知 WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	client := wh.attachClient(c, conn, "user:"+userID)
	if client == nil {
		return
	}
	defer wh.detachClient(client)

	client.SendMessage(map[string]interface{}{
		"type":      "connected",
		"user_id":   userID,
		"timestamp": time.Now().Format(time.RFC3339),
	})

	<-c.Request.Context().Done()
}

// TaskProgressWebSocket 订阅单个任务的进度流
// 任务到达终态或客户端断开时连接结束
func (wh *WebSocketHandler) TaskProgressWebSocket(c *gin.Context) {
	taskID := c.Param("taskId")
	tracker, exists := wh.progressService.GetTracker(taskID)
	if !exists {
		http.Error(c.Writer, "任务不存在", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("❌ 进度 WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	subscriber := tracker.Subscribe()
	defer tracker.Unsubscribe(subscriber)

	for {
		select {
		case update, ok := <-subscriber:
			if !ok {
				return
			}
			if err := conn.WriteJSON(update); err != nil {
				return
			}
			if update.Status == "completed" || update.Status == "failed" {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

// attachClient 创建客户端并注册到管理器，启动读写协程
func (wh *WebSocketHandler) attachClient(c *gin.Context, conn *websocket.Conn, room string) *WebSocketClient {
	client := &WebSocketClient{
		conn:      &WebSocketConnWrapper{conn},
		room:      room,
		userID:    currentUserID(c),
		send:      make(chan []byte, 256),
		lastPing:  time.Now(),
		createdAt: time.Now(),
	}

	select {
	case wsManager.register <- client:
	default:
		log.Printf("❌ 无法注册 WebSocket 客户端，注册通道已满")
		return nil
	}

	go wh.handleWebSocketWrites(client)
	go wh.handleWebSocketReads(client)

	return client
}

// detachClient 带超时地注销客户端，避免注销通道阻塞请求协程
func (wh *WebSocketHandler) detachClient(client *WebSocketClient) {
	done := make(chan bool, 1)
	go func() {
		wsManager.unregister <- client
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Printf("⚠️ WebSocket 客户端注销超时")
	}
}

// handleWebSocketWrites 写协程：送出消息并维持心跳
func (wh *WebSocketHandler) handleWebSocketWrites(client *WebSocketClient) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer func() {
		pingTicker.Stop()
		close(client.send)
		client.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			if !ok {
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-pingTicker.C:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWebSocketReads 读协程：只消费pong和客户端关闭
func (wh *WebSocketHandler) handleWebSocketReads(client *WebSocketClient) {
	defer func() {
		if !client.IsClosed() {
			select {
			case wsManager.unregister <- client:
			case <-time.After(1 * time.Second):
			}
		}
	}()

	client.conn.SetReadDeadline(time.Now().Add(wsManager.pingTimeout))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(wsManager.pingTimeout))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
		client.UpdatePing()
	}
}
