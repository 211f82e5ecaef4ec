// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/reelweave/ReelWeaver/internal/backend"
	"github.com/reelweave/ReelWeaver/internal/config"
	"github.com/reelweave/ReelWeaver/internal/di"
	"github.com/reelweave/ReelWeaver/internal/services"
	"github.com/reelweave/ReelWeaver/internal/storage"
	"github.com/reelweave/ReelWeaver/internal/utils"
)

// App 持有应用级资源，进程内只有一个实例
type App struct {
	container *di.Container
	render    *services.RenderService
	logger    *utils.Logger
}

var (
	instance *App
	initOnce sync.Once
)

// GetApp 获取应用实例
func GetApp() *App {
	return instance
}

// InitServices 按依赖顺序初始化所有服务并注册到容器
// 顺序：存储 -> 进度/锁 -> 后端客户端 -> 用户 -> 媒体/脚本 -> 渲染 -> 草稿控制器
func InitServices() error {
	var initErr error

	initOnce.Do(func() {
		cfg := config.GetCurrentConfig()
		if cfg == nil {
			initErr = fmt.Errorf("配置未加载")
			return
		}

		logger := utils.GetLogger()
		container := di.GetContainer()

		// 文件存储
		fileStorage, err := storage.NewFileStorage(cfg.DataDir)
		if err != nil {
			initErr = fmt.Errorf("初始化文件存储失败: %w", err)
			return
		}
		container.Register("storage", fileStorage)

		// 基础设施服务
		progressService := services.NewProgressService()
		container.Register("progress", progressService)

		lockManager := services.NewLockManager()
		container.Register("locks", lockManager)

		// 协作后端客户端
		backendClient, err := backend.NewHTTPClient(cfg.BackendBaseURL, cfg.BackendAPIKey)
		if err != nil {
			initErr = fmt.Errorf("初始化后端客户端失败: %w", err)
			return
		}
		container.Register("backend", backendClient)

		// 领域服务
		userService := services.NewUserService(fileStorage)
		container.Register("user", userService)

		mediaService := services.NewMediaService(backendClient)
		container.Register("media", mediaService)

		scriptService := services.NewScriptService(backendClient)
		container.Register("script", scriptService)

		renderService, err := services.NewRenderService(
			filepath.Join(cfg.DataDir, "render_jobs.db"), progressService, userService)
		if err != nil {
			initErr = fmt.Errorf("初始化渲染服务失败: %w", err)
			return
		}
		container.Register("render", renderService)

		// 草稿控制器在最后，依赖上面的全部服务
		draftService := services.NewDraftService(
			fileStorage, backendClient, mediaService, scriptService,
			renderService, progressService, userService, lockManager)
		container.Register("draft", draftService)

		instance = &App{
			container: container,
			render:    renderService,
			logger:    logger,
		}

		logger.Infof("服务初始化完成，已注册 %d 个服务", len(container.GetNames()))
	})

	return initErr
}

// GetDIContainer 获取依赖注入容器
func (a *App) GetDIContainer() *di.Container {
	return a.container
}

// IsDebugMode 当前是否处于开发模式
func (a *App) IsDebugMode() bool {
	cfg := config.GetCurrentConfig()
	return cfg != nil && cfg.DebugMode
}

// Cleanup 释放应用持有的资源，优雅关闭时调用
func (a *App) Cleanup(ctx context.Context) error {
	if a == nil {
		return nil
	}

	if a.render != nil {
		if err := a.render.Close(); err != nil {
			a.logger.Warnf("关闭渲染任务数据库失败: %v", err)
		}
	}

	if a.logger != nil {
		a.logger.Close()
	}

	a.container.Clear()
	return nil
}
