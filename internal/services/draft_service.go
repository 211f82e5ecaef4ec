// internal/services/draft_service.go
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reelweave/ReelWeaver/internal/backend"
	apperrors "github.com/reelweave/ReelWeaver/internal/errors"
	"github.com/reelweave/ReelWeaver/internal/models"
	"github.com/reelweave/ReelWeaver/internal/storage"
	"github.com/reelweave/ReelWeaver/internal/utils"
)

const draftsDir = "drafts"

// MediaInput 待附加的本地媒体引用
type MediaInput struct {
	SourceURI string           `json:"source_uri" binding:"required"`
	Kind      models.MediaKind `json:"kind" binding:"required"`
}

// DraftService 草稿/对话控制器
// 维护单个草稿的对话记录和媒体集合的本地一致视图，
// 并与可能被后台任务并发修改的远端草稿记录做协调。
// 对同一草稿的所有变更都经过草稿锁串行化；每个草稿同一时刻
// 最多允许一个生成请求在途
type DraftService struct {
	storage  *storage.FileStorage
	backend  backend.Client
	media    *MediaService
	script   *ScriptService
	render   *RenderService
	progress *ProgressService
	users    *UserService
	locks    *LockManager
	logger   *utils.Logger

	// 在途生成请求标记 localID -> struct{}
	inflight sync.Map
	// 在途上传批次 localID -> *uploadWaiter
	uploadWaiters sync.Map
}

// uploadWaiter 聚合一个草稿的所有在途上传批次
// 最后一个批次结束时从表里摘除；retired 之后不再接收新批次
type uploadWaiter struct {
	wg      sync.WaitGroup
	mu      sync.Mutex
	active  int
	retired bool
}

// NewDraftService 创建草稿控制器
// 应用状态句柄（用户服务）在这里显式注入
func NewDraftService(
	fs *storage.FileStorage,
	client backend.Client,
	mediaService *MediaService,
	scriptService *ScriptService,
	renderService *RenderService,
	progressService *ProgressService,
	userService *UserService,
	lockManager *LockManager,
) *DraftService {
	return &DraftService{
		storage:  fs,
		backend:  client,
		media:    mediaService,
		script:   scriptService,
		render:   renderService,
		progress: progressService,
		users:    userService,
		locks:    lockManager,
		logger:   utils.GetLogger(),
	}
}

// ===============================
// 草稿生命周期
// ===============================

// NewDraft 创建一个纯本地的新草稿
// 后端ID要等到第一次生成请求时才分配
func (s *DraftService) NewDraft(ownerID, title string) (*models.Draft, error) {
	now := time.Now()
	draft := &models.Draft{
		LocalID:   uuid.NewString(),
		OwnerID:   ownerID,
		Title:     title,
		Media:     []models.MediaItem{},
		Messages:  []models.ChatMessage{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.saveDraft(draft); err != nil {
		return nil, err
	}

	return draft, nil
}

// GetDraft 读取草稿的本地缓存视图
func (s *DraftService) GetDraft(localID string) (*models.Draft, error) {
	var draft *models.Draft
	err := s.locks.ExecuteWithDraftReadLock(localID, func() error {
		var loadErr error
		draft, loadErr = s.loadDraft(localID)
		return loadErr
	})
	return draft, err
}

// ListDrafts 列出某用户的全部本地草稿
func (s *DraftService) ListDrafts(ownerID string) ([]*models.Draft, error) {
	files, err := s.storage.ListFiles(draftsDir)
	if err != nil {
		return nil, fmt.Errorf("列出草稿失败: %w", err)
	}

	drafts := make([]*models.Draft, 0, len(files))
	for _, name := range files {
		var draft models.Draft
		if err := s.storage.LoadJSONFile(draftsDir, name, &draft); err != nil {
			s.logger.Warnf("读取草稿文件失败 %s: %v", name, err)
			continue
		}
		if draft.OwnerID == ownerID {
			d := draft
			drafts = append(drafts, &d)
		}
	}

	return drafts, nil
}

// Discard 显式丢弃草稿，结束其生命周期
func (s *DraftService) Discard(ctx context.Context, localID string) error {
	err := s.locks.ExecuteWithDraftLock(localID, func() error {
		draft, err := s.loadDraft(localID)
		if err != nil {
			return err
		}

		// 远端删除失败不阻塞本地丢弃
		if draft.ID != "" {
			if err := s.backend.DeleteDraft(ctx, draft.ID); err != nil {
				s.logger.Warnf("远端删除草稿失败 %s: %v", draft.ID, err)
			}
		}

		return s.storage.DeleteFile(draftsDir, draftFilename(localID))
	})
	if err != nil {
		return err
	}

	s.uploadWaiters.Delete(localID)
	s.locks.ReleaseDraftLock(localID)
	return nil
}

// ===============================
// attachMedia
// ===============================

// AttachMedia 把一批本地选中的媒体加入草稿
// 媒体项立即以pending状态出现在草稿里，上传在后台并行进行；
// 草稿已有脚本时，新媒体上传完成后会自动触发一轮跟进生成
func (s *DraftService) AttachMedia(ctx context.Context, localID string, inputs []MediaInput) (*models.Draft, error) {
	if len(inputs) == 0 {
		return nil, apperrors.NewValidationError("没有待附加的媒体", nil)
	}

	var draft *models.Draft
	newItems := make([]models.MediaItem, 0, len(inputs))

	err := s.locks.ExecuteWithDraftLock(localID, func() error {
		var loadErr error
		draft, loadErr = s.loadDraft(localID)
		if loadErr != nil {
			return loadErr
		}

		if draft.Submitted {
			return apperrors.NewForbiddenError("已提交的草稿不能再附加媒体", apperrors.ErrDraftSubmitted)
		}

		now := time.Now()
		for i, input := range inputs {
			item := models.MediaItem{
				ID:        uuid.NewString(),
				SourceURI: input.SourceURI,
				Kind:      input.Kind,
				Status:    models.UploadStatusPending,
				Position:  len(draft.Media) + i,
				CreatedAt: now,
			}
			draft.Media = append(draft.Media, item)
			newItems = append(newItems, item)
		}

		draft.UpdatedAt = now
		return s.saveDraft(draft)
	})
	if err != nil {
		return nil, err
	}

	s.startUploadBatch(localID, draft.UploadKey(), newItems)

	return draft, nil
}

// RetryUpload 重试单个失败的媒体项
func (s *DraftService) RetryUpload(ctx context.Context, localID, mediaID string) (*models.Draft, error) {
	var draft *models.Draft
	var item models.MediaItem

	err := s.locks.ExecuteWithDraftLock(localID, func() error {
		var loadErr error
		draft, loadErr = s.loadDraft(localID)
		if loadErr != nil {
			return loadErr
		}

		if draft.Submitted {
			return apperrors.NewForbiddenError("已提交的草稿不能再上传媒体", apperrors.ErrDraftSubmitted)
		}

		found := draft.FindMedia(mediaID)
		if found == nil {
			return apperrors.NewNotFoundError("媒体项不存在: "+mediaID, nil)
		}
		if found.Status == models.UploadStatusUploaded {
			item = *found
			return nil
		}

		found.Status = models.UploadStatusPending
		found.FailReason = ""
		item = *found
		draft.UpdatedAt = time.Now()
		return s.saveDraft(draft)
	})
	if err != nil {
		return nil, err
	}

	if item.Status == models.UploadStatusPending {
		s.startUploadBatch(localID, draft.UploadKey(), []models.MediaItem{item})
	}

	return draft, nil
}

// startUploadBatch 启动一个后台上传批次
// 批次生命周期长于发起它的HTTP请求，使用独立的context
func (s *DraftService) startUploadBatch(localID, uploadKey string, items []models.MediaItem) {
	ctx := context.Background()
	taskID := "upload:" + localID + ":" + uuid.NewString()
	tracker := s.progress.CreateTracker(taskID)

	waiter := s.acquireUploadWaiter(localID)

	total := len(items)
	var doneCount, failedCount int
	var countMutex sync.Mutex

	go func() {
		defer s.releaseUploadWaiter(localID, waiter)

		s.media.UploadBatch(ctx, uploadKey, items, func(item models.MediaItem) {
			s.applyMediaUpdate(localID, item)

			if item.Status == models.UploadStatusUploaded || item.Status == models.UploadStatusFailed {
				countMutex.Lock()
				doneCount++
				if item.Status == models.UploadStatusFailed {
					failedCount++
				}
				progress := doneCount * 100 / total
				countMutex.Unlock()
				tracker.UpdateProgress(progress, fmt.Sprintf("已完成 %d/%d", doneCount, total))
			}
		})

		if failedCount == total {
			tracker.Fail(fmt.Sprintf("%d 个媒体全部上传失败", total))
		} else if failedCount > 0 {
			tracker.Complete(fmt.Sprintf("上传完成，%d 个失败可重试", failedCount))
		} else {
			tracker.Complete("上传完成")
		}

		// 已有脚本的草稿，新媒体就绪后自动跟进一轮生成
		if failedCount < total {
			s.maybeAutoRegenerate(ctx, localID)
		}
	}()
}

// applyMediaUpdate 把上传流水线的单项状态变化落回草稿
func (s *DraftService) applyMediaUpdate(localID string, item models.MediaItem) {
	err := s.locks.ExecuteWithDraftLock(localID, func() error {
		draft, err := s.loadDraft(localID)
		if err != nil {
			return err
		}

		target := draft.FindMedia(item.ID)
		if target == nil {
			return nil // 媒体在上传期间被移除
		}

		target.Status = item.Status
		target.StorageRef = item.StorageRef
		target.FailReason = item.FailReason
		draft.UpdatedAt = time.Now()

		return s.saveDraft(draft)
	})
	if err != nil {
		s.logger.Warnf("更新媒体状态失败 draft=%s media=%s: %v", localID, item.ID, err)
	}
}

// acquireUploadWaiter 把一个新批次挂到草稿的等待组上
// 拿到的等待组可能正被最后一个批次摘除，retired 时换新条目重试
func (s *DraftService) acquireUploadWaiter(localID string) *uploadWaiter {
	for {
		value, _ := s.uploadWaiters.LoadOrStore(localID, &uploadWaiter{})
		waiter := value.(*uploadWaiter)
		waiter.mu.Lock()
		if waiter.retired {
			waiter.mu.Unlock()
			continue
		}
		waiter.active++
		waiter.wg.Add(1)
		waiter.mu.Unlock()
		return waiter
	}
}

// releaseUploadWaiter 批次结束时调用，最后一个批次负责摘除表项
func (s *DraftService) releaseUploadWaiter(localID string, waiter *uploadWaiter) {
	waiter.mu.Lock()
	waiter.active--
	if waiter.active == 0 {
		waiter.retired = true
		s.uploadWaiters.Delete(localID)
	}
	waiter.mu.Unlock()
	waiter.wg.Done()
}

// WaitForUploads 阻塞到当前所有上传批次结束，测试和优雅关闭用
func (s *DraftService) WaitForUploads(localID string) {
	if value, ok := s.uploadWaiters.Load(localID); ok {
		value.(*uploadWaiter).wg.Wait()
	}
}

// ===============================
// sendTurn
// ===============================

// SendTurn 发送一轮用户输入并触发脚本生成
// 同一草稿同时只允许一个生成请求；首回合文本可为空但必须有已上传媒体
// 附加到本轮的媒体必须是已完成上传的项
func (s *DraftService) SendTurn(ctx context.Context, localID, text string, attachMediaIDs []string) (*models.Draft, error) {
	var draft *models.Draft

	// 校验并登记在途生成标记
	err := s.locks.ExecuteWithDraftLock(localID, func() error {
		var loadErr error
		draft, loadErr = s.loadDraft(localID)
		if loadErr != nil {
			return loadErr
		}

		if draft.Submitted {
			return apperrors.NewForbiddenError("已提交的草稿不能继续对话", apperrors.ErrDraftSubmitted)
		}
		if draft.UserMessageTurnCount >= models.MaxUserTurns {
			return apperrors.NewForbiddenError("对话回合数已达上限", apperrors.ErrTurnLimitReached)
		}
		if draft.UserMessageTurnCount == 0 && len(draft.UploadedMedia()) == 0 {
			return apperrors.NewValidationError("首轮输入需要至少一个已上传的媒体", apperrors.ErrNoMediaForFirstTurn)
		}
		for _, mediaID := range attachMediaIDs {
			item := draft.FindMedia(mediaID)
			if item == nil {
				return apperrors.NewNotFoundError("媒体项不存在: "+mediaID, nil)
			}
			if item.Status != models.UploadStatusUploaded {
				return apperrors.NewValidationError("媒体尚未完成上传，不能附加到本轮: "+mediaID, apperrors.ErrMediaNotReady)
			}
		}

		if _, loaded := s.inflight.LoadOrStore(localID, struct{}{}); loaded {
			return apperrors.NewConflictError("上一轮生成还未完成", apperrors.ErrGenerationInFlight)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	defer s.inflight.Delete(localID)

	// 首次生成请求时由后端分配草稿ID
	if draft.ID == "" {
		remoteID, err := s.backend.CreateDraft(ctx, draft)
		if err != nil {
			return nil, apperrors.NewProcessingError("创建远端草稿失败", err)
		}
		if err := s.locks.ExecuteWithDraftLock(localID, func() error {
			d, loadErr := s.loadDraft(localID)
			if loadErr != nil {
				return loadErr
			}
			d.ID = remoteID
			draft = d
			return s.saveDraft(d)
		}); err != nil {
			return nil, err
		}
	}

	// 本地先行：追加用户消息和生成占位，回合数只在用户主动发起时递增
	var userMsg models.ChatMessage
	err = s.locks.ExecuteWithDraftLock(localID, func() error {
		d, loadErr := s.loadDraft(localID)
		if loadErr != nil {
			return loadErr
		}

		now := time.Now()
		userMsg = models.ChatMessage{
			ID:        uuid.NewString(),
			Role:      models.RoleUser,
			Content:   text,
			MediaIDs:  attachMediaIDs,
			CreatedAt: now,
		}
		d.Messages = append(d.Messages, userMsg)
		d.UserMessageTurnCount++
		d.Messages = append(d.Messages, models.ChatMessage{
			ID:        uuid.NewString(),
			Role:      models.RoleAssistant,
			IsLoading: true,
			CreatedAt: now,
		})
		d.UpdatedAt = now
		draft = d
		return s.saveDraft(d)
	})
	if err != nil {
		return nil, err
	}

	// 远端记录本轮用户消息，失败不阻塞生成（生成请求自带完整上下文）
	if err := s.backend.AddMessage(ctx, draft.ID, userMsg); err != nil {
		s.logger.Warnf("远端记录用户消息失败 draft=%s: %v", draft.ID, err)
	}

	return s.runGeneration(ctx, localID, draft)
}

// runGeneration 执行一次生成调用并把结果落回草稿
// 调用方必须已持有在途标记
func (s *DraftService) runGeneration(ctx context.Context, localID string, draft *models.Draft) (*models.Draft, error) {
	style := s.narrationStyle(draft.OwnerID)
	req := s.script.BuildRequest(draft, style)

	script, genErr := s.script.Generate(ctx, req)
	if genErr != nil {
		if backend.IsConnectionLost(genErr) {
			// 断连不代表后端没做完，探测一次远端草稿
			if recovered, ok := s.script.RecoverAfterConnectionLoss(ctx, draft.ID, draft.Script); ok {
				return s.applyGenerationSuccess(ctx, localID, recovered)
			}
		}
		s.logger.Errorf("脚本生成失败 draft=%s: %v", draft.ID, genErr)
		return s.applyGenerationFailure(localID)
	}

	return s.applyGenerationSuccess(ctx, localID, script)
}

// applyGenerationSuccess 用生成结果替换占位消息并更新权威脚本
func (s *DraftService) applyGenerationSuccess(ctx context.Context, localID, script string) (*models.Draft, error) {
	var draft *models.Draft
	var assistantMsg models.ChatMessage

	err := s.locks.ExecuteWithDraftLock(localID, func() error {
		d, loadErr := s.loadDraft(localID)
		if loadErr != nil {
			return loadErr
		}

		msg := findLoadingPlaceholder(d)
		if msg == nil {
			// 占位在此期间丢失，补一条
			d.Messages = append(d.Messages, models.ChatMessage{
				ID:        uuid.NewString(),
				Role:      models.RoleAssistant,
				CreatedAt: time.Now(),
			})
			msg = &d.Messages[len(d.Messages)-1]
		}

		msg.Content = script
		msg.IsLoading = false
		msg.IsError = false
		d.Script = script
		d.UpdatedAt = time.Now()

		assistantMsg = *msg
		draft = d
		return s.saveDraft(d)
	})
	if err != nil {
		return nil, err
	}

	// 远端落库，失败留给下次同步
	if err := s.backend.AddMessage(ctx, draft.ID, assistantMsg); err != nil {
		s.logger.Warnf("远端记录助手消息失败 draft=%s: %v", draft.ID, err)
	}
	if err := s.backend.UpdateScript(ctx, draft.ID, script); err != nil {
		s.logger.Warnf("远端更新脚本失败 draft=%s: %v", draft.ID, err)
	}

	return draft, nil
}

// applyGenerationFailure 把占位消息换成失败提示
func (s *DraftService) applyGenerationFailure(localID string) (*models.Draft, error) {
	var draft *models.Draft
	err := s.locks.ExecuteWithDraftLock(localID, func() error {
		d, loadErr := s.loadDraft(localID)
		if loadErr != nil {
			return loadErr
		}

		if msg := findLoadingPlaceholder(d); msg != nil {
			msg.Content = GenerationFailedMessage
			msg.IsLoading = false
			msg.IsError = true
		}
		d.UpdatedAt = time.Now()
		draft = d
		return s.saveDraft(d)
	})
	return draft, err
}

// maybeAutoRegenerate 媒体上传完成后的自动跟进生成
// 不追加用户消息也不递增回合数；已有生成在途时跳过
func (s *DraftService) maybeAutoRegenerate(ctx context.Context, localID string) {
	var draft *models.Draft

	err := s.locks.ExecuteWithDraftLock(localID, func() error {
		d, loadErr := s.loadDraft(localID)
		if loadErr != nil {
			return loadErr
		}

		if d.Script == "" || d.Submitted || d.ID == "" {
			return nil
		}
		if _, loaded := s.inflight.LoadOrStore(localID, struct{}{}); loaded {
			return nil
		}

		d.Messages = append(d.Messages, models.ChatMessage{
			ID:        uuid.NewString(),
			Role:      models.RoleAssistant,
			IsLoading: true,
			CreatedAt: time.Now(),
		})
		if saveErr := s.saveDraft(d); saveErr != nil {
			s.inflight.Delete(localID)
			return saveErr
		}
		draft = d
		return nil
	})
	if err != nil {
		s.logger.Warnf("自动跟进生成启动失败 draft=%s: %v", localID, err)
		return
	}
	if draft == nil {
		return
	}

	defer s.inflight.Delete(localID)

	if _, err := s.runGeneration(ctx, localID, draft); err != nil {
		s.logger.Warnf("自动跟进生成失败 draft=%s: %v", localID, err)
	}
}

// ===============================
// editScript
// ===============================

// EditScript 直接替换当前权威脚本
// 已提交的草稿（或从只读视图进入的编辑）先隐式fork再应用编辑；
// 编辑从不丢弃对话历史，只改动一条消息和草稿级脚本字段
func (s *DraftService) EditScript(ctx context.Context, localID, newText string, forkOnEdit bool) (*models.Draft, error) {
	source, err := s.GetDraft(localID)
	if err != nil {
		return nil, err
	}

	targetID := localID
	if source.Submitted || forkOnEdit {
		forked, err := s.Fork(ctx, localID)
		if err != nil {
			return nil, err
		}
		targetID = forked.LocalID
	}

	var draft *models.Draft
	var editedMsg models.ChatMessage
	var createdNew bool

	err = s.locks.ExecuteWithDraftLock(targetID, func() error {
		d, loadErr := s.loadDraft(targetID)
		if loadErr != nil {
			return loadErr
		}

		if d.Submitted {
			// fork path已经排除了这种情况，出现说明调用方绕过了控制器
			return apperrors.NewForbiddenError("已提交的草稿不能编辑脚本", apperrors.ErrDraftSubmitted)
		}

		changed := newText != d.Script

		if msg := d.LatestAssistantMessage(); msg != nil {
			if changed {
				msg.Content = newText
				msg.IsEdited = true
			}
			editedMsg = *msg
		} else {
			// 脚本由后端在后台算出、本地没有对应聊天记录时，补一条合成消息
			synthetic := models.ChatMessage{
				ID:        uuid.NewString(),
				Role:      models.RoleAssistant,
				Content:   newText,
				IsEdited:  changed,
				CreatedAt: time.Now(),
			}
			d.Messages = append(d.Messages, synthetic)
			editedMsg = synthetic
			createdNew = true
		}

		d.Script = newText
		d.UpdatedAt = time.Now()
		draft = d
		return s.saveDraft(d)
	})
	if err != nil {
		return nil, err
	}

	// 远端同步，失败留给下次同步
	if draft.ID != "" {
		if createdNew {
			if err := s.backend.AddMessage(ctx, draft.ID, editedMsg); err != nil {
				s.logger.Warnf("远端记录合成消息失败 draft=%s: %v", draft.ID, err)
			}
		} else if err := s.backend.UpdateMessage(ctx, draft.ID, editedMsg.ID, editedMsg.Content, editedMsg.IsEdited); err != nil {
			s.logger.Warnf("远端更新消息失败 draft=%s: %v", draft.ID, err)
		}
		if err := s.backend.UpdateScript(ctx, draft.ID, newText); err != nil {
			s.logger.Warnf("远端更新脚本失败 draft=%s: %v", draft.ID, err)
		}
	}

	return draft, nil
}

// ===============================
// approve
// ===============================

// Approve 确认当前脚本并提交渲染
// 对同一草稿重复调用是幂等的：已提交时直接返回已有的渲染任务
func (s *DraftService) Approve(ctx context.Context, localID string) (*models.RenderJob, error) {
	var draft *models.Draft
	err := s.locks.ExecuteWithDraftReadLock(localID, func() error {
		var loadErr error
		draft, loadErr = s.loadDraft(localID)
		return loadErr
	})
	if err != nil {
		return nil, err
	}

	if draft.Submitted {
		// 重复提交重定向到已注册的任务，绝不产生第二个渲染
		job, err := s.render.GetJobByDraft(ctx, draft.ID)
		if err == nil {
			return job, nil
		}
		return nil, apperrors.NewNotFoundError("草稿已提交但渲染任务缺失", err)
	}

	if draft.Script == "" {
		return nil, apperrors.NewValidationError("草稿还没有可提交的脚本", apperrors.ErrEmptyScript)
	}
	if draft.ID == "" {
		return nil, apperrors.NewValidationError("草稿尚未生成过脚本，不能提交", apperrors.ErrEmptyScript)
	}

	// 上一次提交可能在任务登记后、本地标记前中断，登记表里已有任务时直接续上
	if job, err := s.render.GetJobByDraft(ctx, draft.ID); err == nil {
		if err := s.markSubmitted(localID); err != nil {
			return nil, err
		}
		s.progress.CreateTracker("render:" + job.ID)
		return job, nil
	}

	// 先持久化确认时刻的脚本，再标记提交
	if err := s.backend.UpdateScript(ctx, draft.ID, draft.Script); err != nil {
		return nil, apperrors.NewProcessingError("提交前持久化脚本失败", err)
	}

	result, err := s.backend.MarkSubmitted(ctx, draft.ID)
	if err != nil {
		if backend.IsLimitReached(err) {
			return nil, apperrors.NewLimitError("渲染额度已用尽", apperrors.ErrRenderLimitReached)
		}
		return nil, apperrors.NewProcessingError("提交草稿失败", err)
	}

	job := &models.RenderJob{
		ID:        result.JobID,
		DraftID:   draft.ID,
		OwnerID:   draft.OwnerID,
		Status:    models.RenderStatusQueued,
		Script:    draft.Script,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	registered, err := s.render.RegisterJob(ctx, job)
	if err != nil {
		return nil, apperrors.NewProcessingError("登记渲染任务失败", err)
	}

	// 任务先落库再翻提交标记，保证处于提交态的草稿总能查到对应任务
	if err := s.markSubmitted(localID); err != nil {
		return nil, err
	}

	s.progress.CreateTracker("render:" + registered.ID)

	return registered, nil
}

// markSubmitted 把草稿转入提交态，已提交时什么也不做
func (s *DraftService) markSubmitted(localID string) error {
	return s.locks.ExecuteWithDraftLock(localID, func() error {
		d, loadErr := s.loadDraft(localID)
		if loadErr != nil {
			return loadErr
		}
		if d.Submitted {
			return nil
		}
		d.Submitted = true
		d.UpdatedAt = time.Now()
		return s.saveDraft(d)
	})
}

// ===============================
// fork
// ===============================

// Fork 从现有草稿（可能已提交）复制出一个新草稿
// 媒体和对话历史按fork时刻深拷贝，源草稿保持原样不动；
// fork是修改已提交草稿内容的唯一合法途径
func (s *DraftService) Fork(ctx context.Context, localID string) (*models.Draft, error) {
	var source *models.Draft
	err := s.locks.ExecuteWithDraftReadLock(localID, func() error {
		var loadErr error
		source, loadErr = s.loadDraft(localID)
		return loadErr
	})
	if err != nil {
		return nil, err
	}

	clone := source.Clone()
	clone.LocalID = uuid.NewString()
	clone.Submitted = false
	clone.ForkedFrom = sourceRef(source)
	clone.CreatedAt = time.Now()
	clone.UpdatedAt = clone.CreatedAt

	if source.ID != "" {
		// 远端fork失败必须中止：静默继续会有改写源草稿的风险
		remote, err := s.backend.ForkDraft(ctx, source.ID)
		if err != nil {
			return nil, apperrors.NewProcessingError("fork草稿失败", err)
		}
		clone.ID = remote.ID

		// 远端返回的签名URL是新鲜的，优先采用
		for i := range clone.Media {
			if fresh := remote.FindMedia(clone.Media[i].ID); fresh != nil && fresh.SignedURL != "" {
				clone.Media[i].SignedURL = fresh.SignedURL
				clone.Media[i].StorageRef = fresh.StorageRef
			}
		}
	} else {
		clone.ID = ""
	}

	err = s.locks.ExecuteWithDraftLock(clone.LocalID, func() error {
		return s.saveDraft(clone)
	})
	if err != nil {
		return nil, err
	}

	return clone, nil
}

// ===============================
// 重入同步
// ===============================

// Reconcile 屏幕重入时与远端草稿做一次协调
// 远端权威的字段（签名URL、提交标记、后台算完的脚本）以远端为准，
// 本地会话正在编辑的内容保持本地值
func (s *DraftService) Reconcile(ctx context.Context, localID string) (*models.Draft, error) {
	var draft *models.Draft

	err := s.locks.ExecuteWithDraftLock(localID, func() error {
		d, loadErr := s.loadDraft(localID)
		if loadErr != nil {
			return loadErr
		}

		if d.ID == "" {
			draft = d
			return nil
		}

		remote, err := s.backend.FetchDraft(ctx, d.ID)
		if err != nil {
			// 同步失败保持最后已知的本地状态
			s.logger.Warnf("重入同步读取远端失败 draft=%s: %v", d.ID, err)
			draft = d
			return nil
		}

		// 提交标记以远端为准（后台任务可能已经把草稿转为提交态）
		if remote.Submitted {
			d.Submitted = true
		}

		// 签名URL会过期，远端的总是更新鲜
		for i := range d.Media {
			if fresh := remote.FindMedia(d.Media[i].ID); fresh != nil {
				if fresh.SignedURL != "" {
					d.Media[i].SignedURL = fresh.SignedURL
				}
				if fresh.StorageRef != "" && d.Media[i].Status != models.UploadStatusUploaded {
					d.Media[i].StorageRef = fresh.StorageRef
					d.Media[i].Status = models.UploadStatusUploaded
					d.Media[i].FailReason = ""
				}
			}
		}

		// 后台完成的生成：远端脚本有值且与本地不同时采用
		if _, generating := s.inflight.Load(localID); !generating {
			if remote.Script != "" && remote.Script != d.Script {
				s.adoptRemoteScript(d, remote.Script)
			}
		}

		if remote.UserMessageTurnCount > d.UserMessageTurnCount {
			d.UserMessageTurnCount = remote.UserMessageTurnCount
		}

		d.UpdatedAt = time.Now()
		draft = d
		return s.saveDraft(d)
	})
	if err != nil {
		return nil, err
	}

	return draft, nil
}

// adoptRemoteScript 把后台算出的脚本并入本地对话记录
// 优先填充遗留的加载占位，保证只出现一条新的助手消息
func (s *DraftService) adoptRemoteScript(d *models.Draft, script string) {
	if msg := findLoadingPlaceholder(d); msg != nil {
		msg.Content = script
		msg.IsLoading = false
		msg.IsError = false
	} else if latest := d.LatestAssistantMessage(); latest != nil && latest.Content != script {
		d.Messages = append(d.Messages, models.ChatMessage{
			ID:        uuid.NewString(),
			Role:      models.RoleAssistant,
			Content:   script,
			CreatedAt: time.Now(),
		})
	} else if latest == nil {
		d.Messages = append(d.Messages, models.ChatMessage{
			ID:        uuid.NewString(),
			Role:      models.RoleAssistant,
			Content:   script,
			CreatedAt: time.Now(),
		})
	}
	d.Script = script
}

// RefreshMediaURL 为单个媒体项重新签名展示URL
func (s *DraftService) RefreshMediaURL(ctx context.Context, localID, mediaID string) (string, error) {
	draft, err := s.GetDraft(localID)
	if err != nil {
		return "", err
	}
	if draft.ID == "" {
		return "", apperrors.NewValidationError("草稿尚未持久化到远端", nil)
	}
	if draft.FindMedia(mediaID) == nil {
		return "", apperrors.NewNotFoundError("媒体项不存在: "+mediaID, nil)
	}

	freshURL, err := s.backend.FreshMediaURL(ctx, draft.ID, mediaID)
	if err != nil {
		return "", apperrors.NewProcessingError("刷新媒体URL失败", err)
	}

	err = s.locks.ExecuteWithDraftLock(localID, func() error {
		d, loadErr := s.loadDraft(localID)
		if loadErr != nil {
			return loadErr
		}
		if item := d.FindMedia(mediaID); item != nil {
			item.SignedURL = freshURL
		}
		return s.saveDraft(d)
	})
	if err != nil {
		return "", err
	}

	return freshURL, nil
}

// ===============================
// 内部辅助
// ===============================

func draftFilename(localID string) string {
	return localID + ".json"
}

func (s *DraftService) loadDraft(localID string) (*models.Draft, error) {
	var draft models.Draft
	if err := s.storage.LoadJSONFile(draftsDir, draftFilename(localID), &draft); err != nil {
		return nil, apperrors.NewNotFoundError("草稿不存在: "+localID, err)
	}
	return &draft, nil
}

func (s *DraftService) saveDraft(draft *models.Draft) error {
	return s.storage.SaveJSONFile(draftsDir, draftFilename(draft.LocalID), draft)
}

// narrationStyle 取用户偏好的旁白风格，取不到则用默认
func (s *DraftService) narrationStyle(ownerID string) string {
	if s.users == nil {
		return ""
	}
	user, err := s.users.GetUser(ownerID)
	if err != nil {
		return ""
	}
	return user.Preferences.NarrationStyle
}

// findLoadingPlaceholder 找到最后一条生成占位消息
func findLoadingPlaceholder(d *models.Draft) *models.ChatMessage {
	for i := len(d.Messages) - 1; i >= 0; i-- {
		msg := &d.Messages[i]
		if msg.Role == models.RoleAssistant && msg.IsLoading {
			return msg
		}
	}
	return nil
}

func sourceRef(d *models.Draft) string {
	if d.ID != "" {
		return d.ID
	}
	return d.LocalID
}
