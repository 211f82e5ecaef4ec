// internal/services/script_service.go
package services

import (
	"context"
	"time"

	"github.com/reelweave/ReelWeaver/internal/backend"
	"github.com/reelweave/ReelWeaver/internal/models"
	"github.com/reelweave/ReelWeaver/internal/utils"
)

// GenerationFailedMessage 生成失败时展示给用户的占位消息
const GenerationFailedMessage = "脚本生成失败了，请再试一次"

// ScriptService 负责脚本生成调用的组织：
// 把对话记录整理成生成请求，以及连接中断后的恢复探测
type ScriptService struct {
	backend    backend.Client
	logger     *utils.Logger
	probeDelay time.Duration
}

// NewScriptService 创建脚本服务
func NewScriptService(client backend.Client) *ScriptService {
	return &ScriptService{
		backend:    client,
		logger:     utils.GetLogger(),
		probeDelay: 3 * time.Second,
	}
}

// SetProbeDelay 调整恢复探测前的等待时间，测试用
func (s *ScriptService) SetProbeDelay(d time.Duration) {
	s.probeDelay = d
}

// BuildRequest 把草稿整理为生成请求
// 加载占位和失败提示消息不进入生成上下文，只有已上传的媒体参与生成
func (s *ScriptService) BuildRequest(draft *models.Draft, style string) backend.GenerateRequest {
	messages := make([]models.ChatMessage, 0, len(draft.Messages))
	for _, msg := range draft.Messages {
		if msg.IsLoading || msg.IsError {
			continue
		}
		messages = append(messages, msg)
	}

	uploaded := draft.UploadedMedia()
	mediaIDs := make([]string, 0, len(uploaded))
	for _, item := range uploaded {
		mediaIDs = append(mediaIDs, item.ID)
	}

	return backend.GenerateRequest{
		DraftID:  draft.ID,
		Messages: messages,
		MediaIDs: mediaIDs,
		Style:    style,
	}
}

// Generate 调用远端脚本生成
func (s *ScriptService) Generate(ctx context.Context, req backend.GenerateRequest) (string, error) {
	return s.backend.GenerateScript(ctx, req)
}

// RecoverAfterConnectionLoss 连接中断后的恢复探测
// 后端的生成不保证随客户端断连而取消，等待片刻后读一次远端草稿：
// 如果远端脚本已经生成，按成功处理
func (s *ScriptService) RecoverAfterConnectionLoss(ctx context.Context, draftID, previousScript string) (string, bool) {
	if draftID == "" {
		return "", false
	}

	select {
	case <-ctx.Done():
		return "", false
	case <-time.After(s.probeDelay):
	}

	remote, err := s.backend.FetchDraft(ctx, draftID)
	if err != nil {
		s.logger.Warnf("恢复探测失败 draft=%s: %v", draftID, err)
		return "", false
	}

	if remote.Script != "" && remote.Script != previousScript {
		s.logger.Infof("恢复探测发现远端脚本已生成 draft=%s", draftID)
		return remote.Script, true
	}

	return "", false
}
