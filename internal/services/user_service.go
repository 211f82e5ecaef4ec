// internal/services/user_service.go
package services

import (
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/reelweave/ReelWeaver/internal/errors"
	"github.com/reelweave/ReelWeaver/internal/models"
	"github.com/reelweave/ReelWeaver/internal/storage"
)

// UserService 显式传递的应用状态句柄：当前用户档案和名下视频列表
// 控制器在构造时注入该句柄，而不是通过全局单例访问
type UserService struct {
	storage *storage.FileStorage
	mutex   sync.RWMutex
}

// NewUserService 创建用户服务
func NewUserService(fs *storage.FileStorage) *UserService {
	return &UserService{
		storage: fs,
	}
}

func userFilename(userID string) string {
	return userID + ".json"
}

// GetUser 获取用户档案
func (s *UserService) GetUser(userID string) (*models.User, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var user models.User
	if err := s.storage.LoadJSONFile("users", userFilename(userID), &user); err != nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("用户不存在: %s", userID), err)
	}

	return &user, nil
}

// EnsureUser 获取用户档案，不存在时创建默认档案
func (s *UserService) EnsureUser(userID string) (*models.User, error) {
	if user, err := s.GetUser(userID); err == nil {
		return user, nil
	}

	user := &models.User{
		ID:        userID,
		Username:  userID,
		CreatedAt: time.Now(),
		Preferences: models.UserPreferences{
			NotificationLevel: "important",
			AutoSaveDrafts:    true,
		},
	}

	if err := s.SaveUser(user); err != nil {
		return nil, err
	}

	return user, nil
}

// SaveUser 保存用户档案
func (s *UserService) SaveUser(user *models.User) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	user.LastUpdated = time.Now()
	if err := s.storage.SaveJSONFile("users", userFilename(user.ID), user); err != nil {
		return fmt.Errorf("保存用户档案失败: %w", err)
	}

	return nil
}

// UpdatePreferences 更新用户偏好设置
func (s *UserService) UpdatePreferences(userID string, prefs models.UserPreferences) (*models.User, error) {
	user, err := s.EnsureUser(userID)
	if err != nil {
		return nil, err
	}

	user.Preferences = prefs
	if err := s.SaveUser(user); err != nil {
		return nil, err
	}

	return user, nil
}

// AddVideo 渲染完成后将视频记录挂到用户名下
func (s *UserService) AddVideo(userID string, video models.UserVideo) error {
	user, err := s.EnsureUser(userID)
	if err != nil {
		return err
	}

	// 同一渲染任务只记录一次
	for _, existing := range user.Videos {
		if existing.ID == video.ID {
			return nil
		}
	}

	user.Videos = append(user.Videos, video)
	return s.SaveUser(user)
}

// ListVideos 返回用户的视频列表，按创建时间倒序
func (s *UserService) ListVideos(userID string) ([]models.UserVideo, error) {
	user, err := s.EnsureUser(userID)
	if err != nil {
		return nil, err
	}

	videos := make([]models.UserVideo, len(user.Videos))
	copy(videos, user.Videos)

	sort.Slice(videos, func(i, j int) bool {
		return videos[i].CreatedAt.After(videos[j].CreatedAt)
	})

	return videos, nil
}
