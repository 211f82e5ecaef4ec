// internal/services/render_service_test.go
package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/reelweave/ReelWeaver/internal/errors"
	"github.com/reelweave/ReelWeaver/internal/models"
	"github.com/reelweave/ReelWeaver/internal/storage"
)

func newTestRenderService(t *testing.T) (*RenderService, *UserService) {
	t.Helper()

	fs, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	users := NewUserService(fs)

	service, err := NewRenderService(
		filepath.Join(t.TempDir(), "render.db"), NewProgressService(), users)
	require.NoError(t, err)
	t.Cleanup(func() { service.Close() })

	return service, users
}

func testJob(id, draftID string) *models.RenderJob {
	now := time.Now()
	return &models.RenderJob{
		ID:        id,
		DraftID:   draftID,
		OwnerID:   "user-1",
		Status:    models.RenderStatusQueued,
		Script:    "测试脚本",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRegisterJobIdempotentPerDraft(t *testing.T) {
	service, _ := newTestRenderService(t)
	ctx := context.Background()

	first, err := service.RegisterJob(ctx, testJob("job-1", "draft-1"))
	require.NoError(t, err)

	// 同一草稿带另一个任务ID再登记，仍然拿回第一行
	second, err := service.RegisterJob(ctx, testJob("job-2", "draft-1"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	jobs, err := service.ListJobs(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestUpdateStatusIgnoresCallbacksAfterTerminal(t *testing.T) {
	service, _ := newTestRenderService(t)
	ctx := context.Background()

	_, err := service.RegisterJob(ctx, testJob("job-1", "draft-1"))
	require.NoError(t, err)

	job, err := service.UpdateStatus(ctx, "job-1", models.RenderStatusCompleted, "https://cdn.test/v.mp4", "")
	require.NoError(t, err)
	assert.True(t, job.IsTerminal())

	// 终态后的迟到回调不改变结果
	job, err = service.UpdateStatus(ctx, "job-1", models.RenderStatusFailed, "", "late failure")
	require.NoError(t, err)
	assert.Equal(t, models.RenderStatusCompleted, job.Status)
	assert.Equal(t, "https://cdn.test/v.mp4", job.VideoURL)
}

func TestCompletedRenderArchivesUserVideo(t *testing.T) {
	service, users := newTestRenderService(t)
	ctx := context.Background()

	_, err := service.RegisterJob(ctx, testJob("job-1", "draft-1"))
	require.NoError(t, err)

	_, err = service.UpdateStatus(ctx, "job-1", models.RenderStatusCompleted, "https://cdn.test/v.mp4", "")
	require.NoError(t, err)

	videos, err := users.ListVideos("user-1")
	require.NoError(t, err)
	require.Len(t, videos, 1)
	assert.Equal(t, "https://cdn.test/v.mp4", videos[0].VideoURL)
	assert.Equal(t, "draft-1", videos[0].DraftID)
}

func TestGetJobByDraftNotFound(t *testing.T) {
	service, _ := newTestRenderService(t)

	_, err := service.GetJobByDraft(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestListJobsNewestFirst(t *testing.T) {
	service, _ := newTestRenderService(t)
	ctx := context.Background()

	older := testJob("job-1", "draft-1")
	older.CreatedAt = time.Now().Add(-time.Hour)
	_, err := service.RegisterJob(ctx, older)
	require.NoError(t, err)

	_, err = service.RegisterJob(ctx, testJob("job-2", "draft-2"))
	require.NoError(t, err)

	jobs, err := service.ListJobs(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-2", jobs[0].ID)
}
