// internal/services/progress_service_test.go
package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTrackerIsIdempotent(t *testing.T) {
	service := NewProgressService()

	first := service.CreateTracker("upload:1")
	second := service.CreateTracker("upload:1")
	assert.Same(t, first, second)
}

func TestSubscriberReceivesSnapshotAndUpdates(t *testing.T) {
	service := NewProgressService()
	tracker := service.CreateTracker("render:1")

	subscriber := tracker.Subscribe()
	defer tracker.Unsubscribe(subscriber)

	// 订阅立即收到当前状态快照
	initial := receiveUpdate(t, subscriber)
	assert.Equal(t, "running", initial.Status)

	tracker.UpdateProgress(40, "渲染中")
	update := receiveUpdate(t, subscriber)
	assert.Equal(t, 40, update.Progress)

	tracker.Complete("完成")
	final := receiveUpdate(t, subscriber)
	assert.Equal(t, "completed", final.Status)
	assert.Equal(t, 100, final.Progress)
}

func TestCompleteIsTerminal(t *testing.T) {
	service := NewProgressService()
	tracker := service.CreateTracker("upload:1")

	tracker.Complete("完成")
	// 终态后的更新被忽略，不会二次关闭Done
	tracker.Fail("迟到的失败")
	tracker.UpdateProgress(10, "迟到的进度")

	snapshot := tracker.Snapshot()
	assert.Equal(t, "completed", snapshot.Status)
}

func TestCleanupCompletedTasks(t *testing.T) {
	service := NewProgressService()
	tracker := service.CreateTracker("upload:1")
	tracker.Complete("完成")

	service.CleanupCompletedTasks(0)

	_, exists := service.GetTracker("upload:1")
	assert.False(t, exists)
}

func receiveUpdate(t *testing.T, ch chan ProgressUpdate) ProgressUpdate {
	t.Helper()
	select {
	case update := <-ch:
		return update
	case <-time.After(time.Second):
		require.FailNow(t, "等待进度更新超时")
		return ProgressUpdate{}
	}
}
