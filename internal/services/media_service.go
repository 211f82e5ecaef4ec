// internal/services/media_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/reelweave/ReelWeaver/internal/backend"
	apperrors "github.com/reelweave/ReelWeaver/internal/errors"
	"github.com/reelweave/ReelWeaver/internal/models"
	"github.com/reelweave/ReelWeaver/internal/utils"
)

// MediaSourceOpener 打开本地媒体源，测试时可注入替身
type MediaSourceOpener func(sourceURI string) (io.ReadCloser, error)

// MediaService 负责媒体文件的上传流水线
// 批次内的每个媒体项独立上传，单项失败不影响其它项
type MediaService struct {
	backend backend.Client
	opener  MediaSourceOpener
	logger  *utils.Logger
}

// NewMediaService 创建媒体服务
func NewMediaService(client backend.Client) *MediaService {
	return &MediaService{
		backend: client,
		opener:  openLocalSource,
		logger:  utils.GetLogger(),
	}
}

// SetSourceOpener 替换媒体源读取方式
func (s *MediaService) SetSourceOpener(opener MediaSourceOpener) {
	if opener != nil {
		s.opener = opener
	}
}

// openLocalSource 默认从本地文件系统读取媒体源
func openLocalSource(sourceURI string) (io.ReadCloser, error) {
	path := strings.TrimPrefix(sourceURI, "file://")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// 相册资源可能还未落盘，提示可重试而不是笼统报错
			return nil, apperrors.ErrMediaNotReady
		}
		return nil, err
	}
	return f, nil
}

// MediaStatusUpdate 单个媒体项的状态变化回调
type MediaStatusUpdate func(item models.MediaItem)

// UploadBatch 并行上传一批媒体项，全部结束后返回
// 每次状态变化通过 onUpdate 回调交还给调用方持久化
func (s *MediaService) UploadBatch(ctx context.Context, draftKey string, items []models.MediaItem, onUpdate MediaStatusUpdate) {
	var wg sync.WaitGroup

	for _, item := range items {
		wg.Add(1)
		go func(item models.MediaItem) {
			defer wg.Done()
			s.uploadOne(ctx, draftKey, item, onUpdate)
		}(item)
	}

	wg.Wait()
}

// uploadOne 执行单个媒体项的完整上传流程
// pending → uploading → uploaded|failed
func (s *MediaService) uploadOne(ctx context.Context, draftKey string, item models.MediaItem, onUpdate MediaStatusUpdate) {
	item.Status = models.UploadStatusUploading
	item.FailReason = ""
	onUpdate(item)

	storageRef, err := s.doUpload(ctx, draftKey, &item)
	if err != nil {
		item.Status = models.UploadStatusFailed
		item.FailReason = failReasonFor(err)
		s.logger.Warnf("媒体上传失败 draft=%s media=%s: %v", draftKey, item.ID, err)
		onUpdate(item)
		return
	}

	item.Status = models.UploadStatusUploaded
	item.StorageRef = storageRef
	onUpdate(item)
}

func (s *MediaService) doUpload(ctx context.Context, draftKey string, item *models.MediaItem) (string, error) {
	source, err := s.opener(item.SourceURI)
	if err != nil {
		return "", fmt.Errorf("读取媒体源失败: %w", err)
	}
	defer source.Close()

	target, err := s.backend.CreateUploadTarget(ctx, draftKey, *item)
	if err != nil {
		return "", err
	}

	if err := s.backend.Upload(ctx, target, source); err != nil {
		return "", err
	}

	storageRef, err := s.backend.FinalizeUpload(ctx, draftKey, item.ID)
	if err != nil {
		return "", err
	}

	return storageRef, nil
}

// failReasonFor 将上传错误转成面向用户的失败原因
func failReasonFor(err error) string {
	if err == nil {
		return ""
	}
	// 已知的瞬时原因给出可操作的提示
	if errors.Is(err, apperrors.ErrMediaNotReady) {
		return "媒体文件尚未就绪，请稍后重试"
	}
	if backend.IsConnectionLost(err) {
		return "网络连接中断，请检查网络后重试"
	}
	return "上传失败，请重试"
}
