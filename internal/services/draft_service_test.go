// internal/services/draft_service_test.go
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelweave/ReelWeaver/internal/backend"
	apperrors "github.com/reelweave/ReelWeaver/internal/errors"
	"github.com/reelweave/ReelWeaver/internal/models"
	"github.com/reelweave/ReelWeaver/internal/storage"
)

// mockBackend 可编程的远端后端替身
type mockBackend struct {
	mu sync.Mutex

	createDraftCalls   int
	markSubmittedCalls int
	deleteDraftCalls   int

	generateFn      func(ctx context.Context, req backend.GenerateRequest) (string, error)
	fetchFn         func(ctx context.Context, draftID string) (*models.Draft, error)
	markSubmittedFn func(ctx context.Context, draftID string) (*backend.SubmitResult, error)
	forkFn          func(ctx context.Context, sourceDraftID string) (*models.Draft, error)
	uploadFn        func(ctx context.Context, target *backend.UploadTarget, content io.Reader) error
}

func newMockBackend() *mockBackend {
	return &mockBackend{}
}

func (m *mockBackend) CreateDraft(ctx context.Context, draft *models.Draft) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createDraftCalls++
	return fmt.Sprintf("remote-%s", draft.LocalID), nil
}

func (m *mockBackend) FetchDraft(ctx context.Context, draftID string) (*models.Draft, error) {
	if m.fetchFn != nil {
		return m.fetchFn(ctx, draftID)
	}
	return &models.Draft{ID: draftID}, nil
}

func (m *mockBackend) AddMessage(ctx context.Context, draftID string, msg models.ChatMessage) error {
	return nil
}

func (m *mockBackend) UpdateMessage(ctx context.Context, draftID, messageID, content string, edited bool) error {
	return nil
}

func (m *mockBackend) UpdateScript(ctx context.Context, draftID, script string) error {
	return nil
}

func (m *mockBackend) ForkDraft(ctx context.Context, sourceDraftID string) (*models.Draft, error) {
	if m.forkFn != nil {
		return m.forkFn(ctx, sourceDraftID)
	}
	return &models.Draft{ID: sourceDraftID + "-fork"}, nil
}

func (m *mockBackend) GenerateScript(ctx context.Context, req backend.GenerateRequest) (string, error) {
	if m.generateFn != nil {
		return m.generateFn(ctx, req)
	}
	return "开场：阳光洒进厨房。旁白：今天试试三分钟的快手早餐。", nil
}

func (m *mockBackend) MarkSubmitted(ctx context.Context, draftID string) (*backend.SubmitResult, error) {
	m.mu.Lock()
	m.markSubmittedCalls++
	m.mu.Unlock()
	if m.markSubmittedFn != nil {
		return m.markSubmittedFn(ctx, draftID)
	}
	return &backend.SubmitResult{JobID: "job-" + draftID}, nil
}

func (m *mockBackend) CreateUploadTarget(ctx context.Context, draftID string, item models.MediaItem) (*backend.UploadTarget, error) {
	return &backend.UploadTarget{MediaID: item.ID, UploadURL: "https://upload.test/" + item.ID}, nil
}

func (m *mockBackend) Upload(ctx context.Context, target *backend.UploadTarget, content io.Reader) error {
	if m.uploadFn != nil {
		return m.uploadFn(ctx, target, content)
	}
	_, err := io.Copy(io.Discard, content)
	return err
}

func (m *mockBackend) FinalizeUpload(ctx context.Context, draftID, mediaID string) (string, error) {
	return "store/" + mediaID, nil
}

func (m *mockBackend) FreshMediaURL(ctx context.Context, draftID, mediaID string) (string, error) {
	return "https://cdn.test/fresh/" + mediaID, nil
}

func (m *mockBackend) DeleteDraft(ctx context.Context, draftID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteDraftCalls++
	return nil
}

// testEnv 组装一套使用临时目录和替身后端的服务栈
type testEnv struct {
	drafts  *DraftService
	backend *mockBackend
	render  *RenderService
	users   *UserService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	fs, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)

	mock := newMockBackend()

	progressService := NewProgressService()
	lockManager := NewLockManager()
	userService := NewUserService(fs)

	mediaService := NewMediaService(mock)
	mediaService.SetSourceOpener(func(sourceURI string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("媒体内容")), nil
	})

	scriptService := NewScriptService(mock)
	scriptService.SetProbeDelay(time.Millisecond)

	renderService, err := NewRenderService(
		filepath.Join(t.TempDir(), "render.db"), progressService, userService)
	require.NoError(t, err)
	t.Cleanup(func() { renderService.Close() })

	drafts := NewDraftService(fs, mock, mediaService, scriptService,
		renderService, progressService, userService, lockManager)

	return &testEnv{
		drafts:  drafts,
		backend: mock,
		render:  renderService,
		users:   userService,
	}
}

// newDraftWithMedia 创建草稿并等待一批媒体上传完成
func newDraftWithMedia(t *testing.T, env *testEnv, count int) *models.Draft {
	t.Helper()

	draft, err := env.drafts.NewDraft("user-1", "测试草稿")
	require.NoError(t, err)

	inputs := make([]MediaInput, count)
	for i := range inputs {
		inputs[i] = MediaInput{
			SourceURI: fmt.Sprintf("file:///photos/%d.jpg", i),
			Kind:      models.MediaKindImage,
		}
	}

	_, err = env.drafts.AttachMedia(context.Background(), draft.LocalID, inputs)
	require.NoError(t, err)
	env.drafts.WaitForUploads(draft.LocalID)

	updated, err := env.drafts.GetDraft(draft.LocalID)
	require.NoError(t, err)
	return updated
}

// ========================================
// sendTurn
// ========================================

func TestSendTurnFirstTurnRequiresMedia(t *testing.T) {
	env := newTestEnv(t)

	draft, err := env.drafts.NewDraft("user-1", "")
	require.NoError(t, err)

	_, err = env.drafts.SendTurn(context.Background(), draft.LocalID, "", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNoMediaForFirstTurn))

	// 有文本没媒体的首轮同样拒绝
	_, err = env.drafts.SendTurn(context.Background(), draft.LocalID, "做一个早餐教程", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNoMediaForFirstTurn))
	assert.Equal(t, 0, env.backend.createDraftCalls)
}

func TestSendTurnRejectsUnreadyMediaAttachment(t *testing.T) {
	env := newTestEnv(t)
	draft := newDraftWithMedia(t, env, 1)

	// 再附加一个上传失败的媒体项
	env.backend.uploadFn = func(ctx context.Context, target *backend.UploadTarget, content io.Reader) error {
		return backend.ErrConnectionLost
	}
	_, err := env.drafts.AttachMedia(context.Background(), draft.LocalID,
		[]MediaInput{{SourceURI: "file:///photos/failed.jpg", Kind: models.MediaKindImage}})
	require.NoError(t, err)
	env.drafts.WaitForUploads(draft.LocalID)

	current, err := env.drafts.GetDraft(draft.LocalID)
	require.NoError(t, err)
	var failedID string
	for _, item := range current.Media {
		if item.Status == models.UploadStatusFailed {
			failedID = item.ID
		}
	}
	require.NotEmpty(t, failedID)

	// 失败的媒体项不能附加到对话
	_, err = env.drafts.SendTurn(context.Background(), draft.LocalID, "用这张图", []string{failedID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrMediaNotReady))

	// 不存在的媒体ID同样拒绝
	_, err = env.drafts.SendTurn(context.Background(), draft.LocalID, "用这张图", []string{"no-such-media"})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFoundError(err))

	// 被拒绝的回合没有在消息记录里留下引用
	current, err = env.drafts.GetDraft(draft.LocalID)
	require.NoError(t, err)
	for _, msg := range current.Messages {
		assert.NotContains(t, msg.MediaIDs, failedID)
	}
}

func TestSendTurnGeneratesScript(t *testing.T) {
	env := newTestEnv(t)
	draft := newDraftWithMedia(t, env, 2)

	result, err := env.drafts.SendTurn(context.Background(), draft.LocalID, "做一个早餐教程", nil)
	require.NoError(t, err)

	// 后端ID在首次生成时分配
	assert.NotEmpty(t, result.ID)
	assert.Equal(t, 1, result.UserMessageTurnCount)

	// 脚本与最新有效助手消息保持一致
	latest := result.LatestAssistantMessage()
	require.NotNil(t, latest)
	assert.Equal(t, result.Script, latest.Content)
	assert.False(t, latest.IsLoading)

	// 用户消息 + 助手消息
	assert.Len(t, result.Messages, 2)
}

func TestSendTurnRejectsConcurrentGeneration(t *testing.T) {
	env := newTestEnv(t)
	draft := newDraftWithMedia(t, env, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	env.backend.generateFn = func(ctx context.Context, req backend.GenerateRequest) (string, error) {
		close(started)
		<-release
		return "慢脚本", nil
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := env.drafts.SendTurn(context.Background(), draft.LocalID, "第一轮", nil)
		errCh <- err
	}()

	<-started

	// 第一轮生成在途时，第二轮被明确拒绝
	_, err := env.drafts.SendTurn(context.Background(), draft.LocalID, "第二轮", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrGenerationInFlight))

	close(release)
	require.NoError(t, <-errCh)
}

func TestSendTurnFailureKeepsScriptAndAddsErrorMessage(t *testing.T) {
	env := newTestEnv(t)
	draft := newDraftWithMedia(t, env, 1)

	// 先成功一轮建立脚本
	result, err := env.drafts.SendTurn(context.Background(), draft.LocalID, "第一版", nil)
	require.NoError(t, err)
	previousScript := result.Script

	env.backend.generateFn = func(ctx context.Context, req backend.GenerateRequest) (string, error) {
		return "", errors.New("model overloaded")
	}

	result, err = env.drafts.SendTurn(context.Background(), draft.LocalID, "改得更活泼", nil)
	require.NoError(t, err)

	// 脚本保持上一个有效值
	assert.Equal(t, previousScript, result.Script)

	// 失败提示出现在对话里，但不会成为最新有效助手消息
	last := result.Messages[len(result.Messages)-1]
	assert.True(t, last.IsError)
	assert.Equal(t, GenerationFailedMessage, last.Content)
	assert.Equal(t, previousScript, result.LatestAssistantMessage().Content)

	// 失败的回合仍然消耗回合数
	assert.Equal(t, 2, result.UserMessageTurnCount)
}

func TestSendTurnConnectionLossRecovery(t *testing.T) {
	env := newTestEnv(t)
	draft := newDraftWithMedia(t, env, 1)

	const recovered = "断连期间后端完成的脚本"
	env.backend.generateFn = func(ctx context.Context, req backend.GenerateRequest) (string, error) {
		return "", backend.ErrConnectionLost
	}
	env.backend.fetchFn = func(ctx context.Context, draftID string) (*models.Draft, error) {
		return &models.Draft{ID: draftID, Script: recovered}, nil
	}

	result, err := env.drafts.SendTurn(context.Background(), draft.LocalID, "开始吧", nil)
	require.NoError(t, err)

	// 恢复探测采用了远端完成的脚本，没有失败提示
	assert.Equal(t, recovered, result.Script)
	assert.Equal(t, recovered, result.LatestAssistantMessage().Content)
	for _, msg := range result.Messages {
		assert.False(t, msg.IsError)
	}
}

func TestSendTurnEnforcesTurnLimit(t *testing.T) {
	env := newTestEnv(t)
	draft := newDraftWithMedia(t, env, 1)

	for i := 0; i < models.MaxUserTurns; i++ {
		_, err := env.drafts.SendTurn(context.Background(), draft.LocalID, fmt.Sprintf("第%d轮", i+1), nil)
		require.NoError(t, err)
	}

	_, err := env.drafts.SendTurn(context.Background(), draft.LocalID, "再来一轮", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrTurnLimitReached))

	// 回合耗尽后直接编辑和提交仍然可用
	updated, err := env.drafts.EditScript(context.Background(), draft.LocalID, "手工收尾的脚本", false)
	require.NoError(t, err)
	assert.Equal(t, "手工收尾的脚本", updated.Script)

	_, err = env.drafts.Approve(context.Background(), draft.LocalID)
	require.NoError(t, err)
}

func TestSendTurnOnSubmittedDraftRejected(t *testing.T) {
	env := newTestEnv(t)
	draft := newDraftWithMedia(t, env, 1)

	_, err := env.drafts.SendTurn(context.Background(), draft.LocalID, "第一版", nil)
	require.NoError(t, err)
	_, err = env.drafts.Approve(context.Background(), draft.LocalID)
	require.NoError(t, err)

	_, err = env.drafts.SendTurn(context.Background(), draft.LocalID, "提交后还想改", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrDraftSubmitted))
}

// ========================================
// editScript
// ========================================

func TestEditScriptMarksEditedOnlyOnChange(t *testing.T) {
	env := newTestEnv(t)
	draft := newDraftWithMedia(t, env, 1)

	result, err := env.drafts.SendTurn(context.Background(), draft.LocalID, "第一版", nil)
	require.NoError(t, err)

	// 原文保存不标记编辑
	unchanged, err := env.drafts.EditScript(context.Background(), draft.LocalID, result.Script, false)
	require.NoError(t, err)
	assert.False(t, unchanged.LatestAssistantMessage().IsEdited)

	// 改动后标记编辑，历史消息数不变
	edited, err := env.drafts.EditScript(context.Background(), draft.LocalID, "改过的脚本", false)
	require.NoError(t, err)
	assert.Equal(t, "改过的脚本", edited.Script)
	assert.True(t, edited.LatestAssistantMessage().IsEdited)
	assert.Len(t, edited.Messages, len(result.Messages))
}

func TestEditScriptWithoutAssistantMessageSynthesizes(t *testing.T) {
	env := newTestEnv(t)

	draft, err := env.drafts.NewDraft("user-1", "")
	require.NoError(t, err)

	// 没有任何助手消息时补一条合成消息，维持脚本与消息的一致性
	edited, err := env.drafts.EditScript(context.Background(), draft.LocalID, "手写的脚本", false)
	require.NoError(t, err)
	require.NotNil(t, edited.LatestAssistantMessage())
	assert.Equal(t, "手写的脚本", edited.LatestAssistantMessage().Content)
}

func TestEditScriptOnSubmittedDraftForks(t *testing.T) {
	env := newTestEnv(t)
	draft := newDraftWithMedia(t, env, 1)

	_, err := env.drafts.SendTurn(context.Background(), draft.LocalID, "第一版", nil)
	require.NoError(t, err)
	_, err = env.drafts.Approve(context.Background(), draft.LocalID)
	require.NoError(t, err)

	edited, err := env.drafts.EditScript(context.Background(), draft.LocalID, "fork后修改", false)
	require.NoError(t, err)

	// 编辑落在fork出的新草稿上，源草稿保持已提交且内容不变
	assert.NotEqual(t, draft.LocalID, edited.LocalID)
	assert.False(t, edited.Submitted)
	assert.Equal(t, "fork后修改", edited.Script)

	source, err := env.drafts.GetDraft(draft.LocalID)
	require.NoError(t, err)
	assert.True(t, source.Submitted)
	assert.NotEqual(t, "fork后修改", source.Script)
}

// ========================================
// approve
// ========================================

func TestApproveIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	draft := newDraftWithMedia(t, env, 1)

	_, err := env.drafts.SendTurn(context.Background(), draft.LocalID, "第一版", nil)
	require.NoError(t, err)

	first, err := env.drafts.Approve(context.Background(), draft.LocalID)
	require.NoError(t, err)

	second, err := env.drafts.Approve(context.Background(), draft.LocalID)
	require.NoError(t, err)

	// 重复提交拿到同一个渲染任务，后端只收到一次提交
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, env.backend.markSubmittedCalls)
}

func TestApproveResumesRegisteredJob(t *testing.T) {
	env := newTestEnv(t)
	draft := newDraftWithMedia(t, env, 1)

	result, err := env.drafts.SendTurn(context.Background(), draft.LocalID, "第一版", nil)
	require.NoError(t, err)

	// 模拟上一次提交在本地标记前中断：任务已登记，草稿还没进提交态
	now := time.Now()
	_, err = env.render.RegisterJob(context.Background(), &models.RenderJob{
		ID:        "job-resumed",
		DraftID:   result.ID,
		OwnerID:   "user-1",
		Status:    models.RenderStatusQueued,
		Script:    result.Script,
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err)

	job, err := env.drafts.Approve(context.Background(), draft.LocalID)
	require.NoError(t, err)

	// 续上已登记的任务，不再向后端二次提交
	assert.Equal(t, "job-resumed", job.ID)
	assert.Equal(t, 0, env.backend.markSubmittedCalls)

	current, err := env.drafts.GetDraft(draft.LocalID)
	require.NoError(t, err)
	assert.True(t, current.Submitted)
}

func TestApproveWithoutScriptRejected(t *testing.T) {
	env := newTestEnv(t)

	draft, err := env.drafts.NewDraft("user-1", "")
	require.NoError(t, err)

	_, err = env.drafts.Approve(context.Background(), draft.LocalID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrEmptyScript))
}

func TestApproveRenderLimitLeavesDraftEditable(t *testing.T) {
	env := newTestEnv(t)
	draft := newDraftWithMedia(t, env, 1)

	_, err := env.drafts.SendTurn(context.Background(), draft.LocalID, "第一版", nil)
	require.NoError(t, err)

	env.backend.markSubmittedFn = func(ctx context.Context, draftID string) (*backend.SubmitResult, error) {
		return nil, backend.ErrLimitReached
	}

	_, err = env.drafts.Approve(context.Background(), draft.LocalID)
	require.Error(t, err)
	assert.True(t, apperrors.IsLimitError(err))

	// 草稿未进入提交态，升级额度后可以直接重试
	current, err := env.drafts.GetDraft(draft.LocalID)
	require.NoError(t, err)
	assert.False(t, current.Submitted)

	env.backend.markSubmittedFn = nil
	_, err = env.drafts.Approve(context.Background(), draft.LocalID)
	require.NoError(t, err)
}

// ========================================
// fork
// ========================================

func TestForkDeepCopiesAndLeavesSourceUntouched(t *testing.T) {
	env := newTestEnv(t)
	draft := newDraftWithMedia(t, env, 2)

	original, err := env.drafts.SendTurn(context.Background(), draft.LocalID, "第一版", nil)
	require.NoError(t, err)

	forked, err := env.drafts.Fork(context.Background(), draft.LocalID)
	require.NoError(t, err)

	assert.NotEqual(t, original.LocalID, forked.LocalID)
	assert.NotEqual(t, original.ID, forked.ID)
	assert.Equal(t, original.ID, forked.ForkedFrom)
	assert.Equal(t, len(original.Media), len(forked.Media))
	assert.Equal(t, len(original.Messages), len(forked.Messages))

	// 编辑fork不影响源草稿
	_, err = env.drafts.EditScript(context.Background(), forked.LocalID, "fork上的修改", false)
	require.NoError(t, err)

	source, err := env.drafts.GetDraft(draft.LocalID)
	require.NoError(t, err)
	assert.Equal(t, original.Script, source.Script)
}

func TestForkFailureLeavesSourceUsable(t *testing.T) {
	env := newTestEnv(t)
	draft := newDraftWithMedia(t, env, 1)

	original, err := env.drafts.SendTurn(context.Background(), draft.LocalID, "第一版", nil)
	require.NoError(t, err)

	env.backend.forkFn = func(ctx context.Context, sourceDraftID string) (*models.Draft, error) {
		return nil, backend.ErrConnectionLost
	}

	_, err = env.drafts.Fork(context.Background(), draft.LocalID)
	require.Error(t, err)

	source, err := env.drafts.GetDraft(draft.LocalID)
	require.NoError(t, err)
	assert.Equal(t, original.Script, source.Script)
	assert.False(t, source.Submitted)
}

// ========================================
// 重入同步
// ========================================

func TestReconcileAdoptsRemoteAuthoritativeFields(t *testing.T) {
	env := newTestEnv(t)
	draft := newDraftWithMedia(t, env, 1)

	result, err := env.drafts.SendTurn(context.Background(), draft.LocalID, "第一版", nil)
	require.NoError(t, err)

	const backgroundScript = "后台任务完成的新脚本"
	env.backend.fetchFn = func(ctx context.Context, draftID string) (*models.Draft, error) {
		remote := &models.Draft{
			ID:        draftID,
			Script:    backgroundScript,
			Submitted: true,
		}
		for _, item := range result.Media {
			remote.Media = append(remote.Media, models.MediaItem{
				ID:         item.ID,
				StorageRef: item.StorageRef,
				SignedURL:  "https://cdn.test/refreshed/" + item.ID,
				Status:     models.UploadStatusUploaded,
			})
		}
		return remote, nil
	}

	synced, err := env.drafts.Reconcile(context.Background(), draft.LocalID)
	require.NoError(t, err)

	// 远端权威字段全部生效
	assert.True(t, synced.Submitted)
	assert.Equal(t, backgroundScript, synced.Script)
	assert.Equal(t, backgroundScript, synced.LatestAssistantMessage().Content)
	for _, item := range synced.Media {
		assert.Contains(t, item.SignedURL, "refreshed")
	}
}

func TestReconcileKeepsLocalFailedUploads(t *testing.T) {
	env := newTestEnv(t)
	draft := newDraftWithMedia(t, env, 1)

	result, err := env.drafts.SendTurn(context.Background(), draft.LocalID, "第一版", nil)
	require.NoError(t, err)

	// 本地再附加一个上传失败的媒体项
	env.backend.uploadFn = func(ctx context.Context, target *backend.UploadTarget, content io.Reader) error {
		return backend.ErrConnectionLost
	}
	_, err = env.drafts.AttachMedia(context.Background(), draft.LocalID,
		[]MediaInput{{SourceURI: "file:///photos/failed.jpg", Kind: models.MediaKindImage}})
	require.NoError(t, err)
	env.drafts.WaitForUploads(draft.LocalID)

	// 远端不知道这个失败的媒体项
	env.backend.fetchFn = func(ctx context.Context, draftID string) (*models.Draft, error) {
		return &models.Draft{ID: draftID, Script: result.Script}, nil
	}

	synced, err := env.drafts.Reconcile(context.Background(), draft.LocalID)
	require.NoError(t, err)

	var failed int
	for _, item := range synced.Media {
		if item.Status == models.UploadStatusFailed {
			failed++
			assert.NotEmpty(t, item.FailReason)
		}
	}
	assert.Equal(t, 1, failed, "本地失败的上传在同步后保留，等待用户重试")
}

func TestReconcileFetchFailureKeepsLocalState(t *testing.T) {
	env := newTestEnv(t)
	draft := newDraftWithMedia(t, env, 1)

	result, err := env.drafts.SendTurn(context.Background(), draft.LocalID, "第一版", nil)
	require.NoError(t, err)

	env.backend.fetchFn = func(ctx context.Context, draftID string) (*models.Draft, error) {
		return nil, backend.ErrConnectionLost
	}

	synced, err := env.drafts.Reconcile(context.Background(), draft.LocalID)
	require.NoError(t, err)
	assert.Equal(t, result.Script, synced.Script)
}

// ========================================
// 媒体附加与自动跟进
// ========================================

func TestAttachMediaAfterScriptTriggersRegeneration(t *testing.T) {
	env := newTestEnv(t)
	draft := newDraftWithMedia(t, env, 1)

	var generateCalls int
	var mu sync.Mutex
	env.backend.generateFn = func(ctx context.Context, req backend.GenerateRequest) (string, error) {
		mu.Lock()
		generateCalls++
		n := generateCalls
		mu.Unlock()
		return fmt.Sprintf("第%d版脚本", n), nil
	}

	result, err := env.drafts.SendTurn(context.Background(), draft.LocalID, "第一版", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.UserMessageTurnCount)

	// 已有脚本的草稿附加新媒体，上传完成后自动跟进生成
	_, err = env.drafts.AttachMedia(context.Background(), draft.LocalID,
		[]MediaInput{{SourceURI: "file:///photos/extra.jpg", Kind: models.MediaKindImage}})
	require.NoError(t, err)
	env.drafts.WaitForUploads(draft.LocalID)

	updated, err := env.drafts.GetDraft(draft.LocalID)
	require.NoError(t, err)

	mu.Lock()
	calls := generateCalls
	mu.Unlock()
	assert.Equal(t, 2, calls)
	assert.Equal(t, "第2版脚本", updated.Script)

	// 自动跟进不追加用户消息也不消耗回合数
	assert.Equal(t, 1, updated.UserMessageTurnCount)
	for _, msg := range updated.Messages {
		if msg.Role == models.RoleUser {
			assert.Equal(t, "第一版", msg.Content)
		}
	}
}

func TestAttachMediaBeforeScriptDoesNotGenerate(t *testing.T) {
	env := newTestEnv(t)

	var generateCalls int
	var mu sync.Mutex
	env.backend.generateFn = func(ctx context.Context, req backend.GenerateRequest) (string, error) {
		mu.Lock()
		generateCalls++
		mu.Unlock()
		return "脚本", nil
	}

	newDraftWithMedia(t, env, 3)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, generateCalls, "首个脚本只能由用户的第一轮输入触发")
}

func TestAttachMediaOnSubmittedDraftRejected(t *testing.T) {
	env := newTestEnv(t)
	draft := newDraftWithMedia(t, env, 1)

	_, err := env.drafts.SendTurn(context.Background(), draft.LocalID, "第一版", nil)
	require.NoError(t, err)
	_, err = env.drafts.Approve(context.Background(), draft.LocalID)
	require.NoError(t, err)

	_, err = env.drafts.AttachMedia(context.Background(), draft.LocalID,
		[]MediaInput{{SourceURI: "file:///photos/late.jpg", Kind: models.MediaKindImage}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrDraftSubmitted))
}

// ========================================
// 丢弃
// ========================================

func TestDiscardRemovesDraft(t *testing.T) {
	env := newTestEnv(t)
	draft := newDraftWithMedia(t, env, 1)

	_, err := env.drafts.SendTurn(context.Background(), draft.LocalID, "第一版", nil)
	require.NoError(t, err)

	require.NoError(t, env.drafts.Discard(context.Background(), draft.LocalID))

	_, err = env.drafts.GetDraft(draft.LocalID)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFoundError(err))
	assert.Equal(t, 1, env.backend.deleteDraftCalls)
}

func TestUploadWaiterRemovedWhenBatchDrains(t *testing.T) {
	env := newTestEnv(t)
	draft := newDraftWithMedia(t, env, 2)

	// 批次结束后等待表不再保留该草稿的条目
	_, ok := env.drafts.uploadWaiters.Load(draft.LocalID)
	assert.False(t, ok)

	// 新批次重新建条目，结束后同样被摘除
	_, err := env.drafts.AttachMedia(context.Background(), draft.LocalID,
		[]MediaInput{{SourceURI: "file:///photos/extra.jpg", Kind: models.MediaKindImage}})
	require.NoError(t, err)
	env.drafts.WaitForUploads(draft.LocalID)

	_, ok = env.drafts.uploadWaiters.Load(draft.LocalID)
	assert.False(t, ok)
}
