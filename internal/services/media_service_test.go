// internal/services/media_service_test.go
package services

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelweave/ReelWeaver/internal/backend"
	apperrors "github.com/reelweave/ReelWeaver/internal/errors"
	"github.com/reelweave/ReelWeaver/internal/models"
)

// collectUpdates 收集回调里的状态变化，按媒体ID归档
func collectUpdates() (MediaStatusUpdate, func() map[string][]models.MediaItem) {
	var mu sync.Mutex
	updates := make(map[string][]models.MediaItem)

	callback := func(item models.MediaItem) {
		mu.Lock()
		defer mu.Unlock()
		updates[item.ID] = append(updates[item.ID], item)
	}
	snapshot := func() map[string][]models.MediaItem {
		mu.Lock()
		defer mu.Unlock()
		return updates
	}
	return callback, snapshot
}

func TestUploadBatchItemsAreIndependent(t *testing.T) {
	mock := newMockBackend()
	mock.uploadFn = func(ctx context.Context, target *backend.UploadTarget, content io.Reader) error {
		if target.MediaID == "bad" {
			return backend.ErrConnectionLost
		}
		_, err := io.Copy(io.Discard, content)
		return err
	}

	service := NewMediaService(mock)
	service.SetSourceOpener(func(sourceURI string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("内容")), nil
	})

	items := []models.MediaItem{
		{ID: "good", SourceURI: "file:///a.jpg", Status: models.UploadStatusPending},
		{ID: "bad", SourceURI: "file:///b.jpg", Status: models.UploadStatusPending},
	}

	callback, snapshot := collectUpdates()
	service.UploadBatch(context.Background(), "draft-1", items, callback)

	updates := snapshot()

	// 每项都经过uploading，终态互不影响
	goodFinal := updates["good"][len(updates["good"])-1]
	assert.Equal(t, models.UploadStatusUploaded, goodFinal.Status)
	assert.Equal(t, "store/good", goodFinal.StorageRef)

	badFinal := updates["bad"][len(updates["bad"])-1]
	assert.Equal(t, models.UploadStatusFailed, badFinal.Status)
	assert.NotEmpty(t, badFinal.FailReason)

	assert.Equal(t, models.UploadStatusUploading, updates["good"][0].Status)
	assert.Equal(t, models.UploadStatusUploading, updates["bad"][0].Status)
}

func TestUploadFailReasonForMissingSource(t *testing.T) {
	mock := newMockBackend()
	service := NewMediaService(mock)
	service.SetSourceOpener(func(sourceURI string) (io.ReadCloser, error) {
		return nil, apperrors.ErrMediaNotReady
	})

	items := []models.MediaItem{
		{ID: "m1", SourceURI: "file:///not-yet.jpg", Status: models.UploadStatusPending},
	}

	callback, snapshot := collectUpdates()
	service.UploadBatch(context.Background(), "draft-1", items, callback)

	updates := snapshot()["m1"]
	require.NotEmpty(t, updates)

	final := updates[len(updates)-1]
	assert.Equal(t, models.UploadStatusFailed, final.Status)
	// 瞬时原因提示稍后重试，不用笼统的失败文案
	assert.Contains(t, final.FailReason, "稍后重试")
}

func TestUploadFinalizeReturnsStorageRef(t *testing.T) {
	mock := newMockBackend()
	service := NewMediaService(mock)
	service.SetSourceOpener(func(sourceURI string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("内容")), nil
	})

	items := []models.MediaItem{
		{ID: "m1", SourceURI: "file:///a.jpg", Status: models.UploadStatusPending},
	}

	callback, snapshot := collectUpdates()
	service.UploadBatch(context.Background(), "draft-1", items, callback)

	updates := snapshot()["m1"]
	final := updates[len(updates)-1]
	assert.Equal(t, models.UploadStatusUploaded, final.Status)
	assert.Equal(t, "store/m1", final.StorageRef)
	assert.Empty(t, final.FailReason)
}
