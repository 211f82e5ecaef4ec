// internal/services/render_service.go
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/reelweave/ReelWeaver/internal/errors"
	"github.com/reelweave/ReelWeaver/internal/models"
	"github.com/reelweave/ReelWeaver/internal/utils"
)

// renderSchema 渲染任务登记表
// draft_id上的唯一约束是approve幂等性的落地点：
// 同一草稿无论提交多少次，登记表里只会有一行
const renderSchema = `
CREATE TABLE IF NOT EXISTS render_jobs (
	id          TEXT PRIMARY KEY,
	draft_id    TEXT NOT NULL UNIQUE,
	owner_id    TEXT NOT NULL,
	status      TEXT NOT NULL,
	script      TEXT NOT NULL,
	video_url   TEXT NOT NULL DEFAULT '',
	error_msg   TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_render_jobs_owner ON render_jobs(owner_id, created_at DESC);
`

// RenderService 渲染任务登记处
// 渲染本身发生在远端，这里只维护本地权威的任务账本，
// 并在状态回调到达时推送进度、归档成片
type RenderService struct {
	db       *sql.DB
	progress *ProgressService
	users    *UserService
	logger   *utils.Logger
}

// NewRenderService 打开（必要时初始化）渲染任务数据库
func NewRenderService(dbPath string, progressService *ProgressService, userService *UserService) (*RenderService, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("打开渲染任务数据库失败: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("设置pragma失败 %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(renderSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化渲染任务表失败: %w", err)
	}

	return &RenderService{
		db:       db,
		progress: progressService,
		users:    userService,
		logger:   utils.GetLogger(),
	}, nil
}

// Close 关闭数据库连接
func (s *RenderService) Close() error {
	return s.db.Close()
}

// RegisterJob 登记一个渲染任务
// 同一草稿重复登记是无害的：冲突时返回已存在的那一行
func (s *RenderService) RegisterJob(ctx context.Context, job *models.RenderJob) (*models.RenderJob, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO render_jobs (id, draft_id, owner_id, status, script, video_url, error_msg, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', '', ?, ?)
		ON CONFLICT(draft_id) DO NOTHING`,
		job.ID, job.DraftID, job.OwnerID, string(job.Status), job.Script, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("登记渲染任务失败: %w", err)
	}

	return s.GetJobByDraft(ctx, job.DraftID)
}

// GetJob 按任务ID查询
func (s *RenderService) GetJob(ctx context.Context, jobID string) (*models.RenderJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, draft_id, owner_id, status, script, video_url, error_msg, created_at, updated_at
		FROM render_jobs WHERE id = ?`, jobID)
	return scanRenderJob(row)
}

// GetJobByDraft 按草稿ID查询，approve的幂等路径走这里
func (s *RenderService) GetJobByDraft(ctx context.Context, draftID string) (*models.RenderJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, draft_id, owner_id, status, script, video_url, error_msg, created_at, updated_at
		FROM render_jobs WHERE draft_id = ?`, draftID)
	return scanRenderJob(row)
}

// ListJobs 列出某用户的全部渲染任务，新的在前
func (s *RenderService) ListJobs(ctx context.Context, ownerID string) ([]*models.RenderJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, draft_id, owner_id, status, script, video_url, error_msg, created_at, updated_at
		FROM render_jobs WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("查询渲染任务失败: %w", err)
	}
	defer rows.Close()

	var jobs []*models.RenderJob
	for rows.Next() {
		job, err := scanRenderJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateStatus 应用一次远端渲染状态回调
// 完成的任务同时归档到用户的成片列表并推送终态进度
func (s *RenderService) UpdateStatus(ctx context.Context, jobID string, status models.RenderStatus, videoURL, errorMsg string) (*models.RenderJob, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.IsTerminal() {
		// 终态任务不再接受状态变化，重复回调直接返回现状
		return job, nil
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		UPDATE render_jobs SET status = ?, video_url = ?, error_msg = ?, updated_at = ?
		WHERE id = ?`,
		string(status), videoURL, errorMsg, now, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("更新渲染任务状态失败: %w", err)
	}

	job.Status = status
	job.VideoURL = videoURL
	job.ErrorMessage = errorMsg
	job.UpdatedAt = now

	s.publishProgress(job)

	if status == models.RenderStatusCompleted && s.users != nil {
		video := models.UserVideo{
			ID:        job.ID,
			DraftID:   job.DraftID,
			Title:     videoTitle(job),
			VideoURL:  videoURL,
			CreatedAt: now,
		}
		if err := s.users.AddVideo(job.OwnerID, video); err != nil {
			s.logger.Warnf("归档成片失败 job=%s: %v", job.ID, err)
		}
	}

	return job, nil
}

// publishProgress 把状态变化翻译成进度事件
func (s *RenderService) publishProgress(job *models.RenderJob) {
	if s.progress == nil {
		return
	}
	tracker := s.progress.CreateTracker("render:" + job.ID)

	switch job.Status {
	case models.RenderStatusQueued:
		tracker.UpdateProgress(0, "排队中")
	case models.RenderStatusRendering:
		tracker.UpdateProgress(50, "渲染中")
	case models.RenderStatusCompleted:
		tracker.Complete("渲染完成")
	case models.RenderStatusFailed:
		tracker.Fail(job.ErrorMessage)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRenderJob(row rowScanner) (*models.RenderJob, error) {
	var job models.RenderJob
	var status string
	err := row.Scan(&job.ID, &job.DraftID, &job.OwnerID, &status, &job.Script,
		&job.VideoURL, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("渲染任务不存在", err)
		}
		return nil, fmt.Errorf("读取渲染任务失败: %w", err)
	}
	job.Status = models.RenderStatus(status)
	return &job, nil
}

// videoTitle 截取脚本开头作为成片的默认标题
func videoTitle(job *models.RenderJob) string {
	const maxTitle = 30
	runes := []rune(job.Script)
	if len(runes) > maxTitle {
		return string(runes[:maxTitle]) + "…"
	}
	return job.Script
}
