// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
)

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
)

// AppConfig 包含应用程序的所有配置
type AppConfig struct {
	// 基础配置
	Port      string `json:"port"`
	DataDir   string `json:"data_dir"`
	LogDir    string `json:"log_dir"`
	DebugMode bool   `json:"debug_mode"`

	// 远端后端（脚本生成/媒体存储/渲染）相关配置
	BackendBaseURL string `json:"backend_base_url"`
	BackendAPIKey  string `json:"backend_api_key,omitempty"`

	// 会话令牌签名密钥
	SessionSecret string `json:"session_secret,omitempty"`
}

// Config 存储应用配置
type Config struct {
	Port           string
	DataDir        string
	LogDir         string
	DebugMode      bool
	BackendBaseURL string
	BackendAPIKey  string
	SessionSecret  string
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	// 创建配置
	config := &Config{
		Port:           getEnv("PORT", "8080"),
		DataDir:        getEnvPath("DATA_DIR", "data"),
		LogDir:         getEnvPath("LOG_DIR", "logs"),
		DebugMode:      getEnvBool("DEBUG_MODE", true),
		BackendBaseURL: getEnv("BACKEND_BASE_URL", "https://api.reelweave.internal"),
		BackendAPIKey:  getEnv("BACKEND_API_KEY", ""),
		SessionSecret:  getEnv("SESSION_SECRET", ""),
	}

	// 验证后端API密钥
	if config.BackendAPIKey == "" {
		// 只记录警告，不返回错误
		log.Println("警告: 未设置后端API密钥，脚本生成和媒体上传功能不可用")
	}

	return config, nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取环境变量表示的路径，如果不存在则返回默认值
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	// 确保目录存在
	if _, err := os.Stat(path); os.IsNotExist(err) {
		err = os.MkdirAll(path, 0755)
		if err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

// InitConfig 初始化配置管理器
func InitConfig(dataDir string) error {
	configFile = filepath.Join(dataDir, "config.json")

	// 加载基础配置
	baseConfig, err := Load()
	if err != nil {
		return err
	}

	configMutex.Lock()
	defer configMutex.Unlock()

	currentConfig = &AppConfig{
		Port:           baseConfig.Port,
		DataDir:        baseConfig.DataDir,
		LogDir:         baseConfig.LogDir,
		DebugMode:      baseConfig.DebugMode,
		BackendBaseURL: baseConfig.BackendBaseURL,
		BackendAPIKey:  baseConfig.BackendAPIKey,
		SessionSecret:  baseConfig.SessionSecret,
	}

	// 尝试从配置文件读取覆盖项
	if data, err := os.ReadFile(configFile); err == nil {
		var fileConfig AppConfig
		if err := json.Unmarshal(data, &fileConfig); err != nil {
			return fmt.Errorf("解析配置文件失败: %w", err)
		}
		mergeConfig(currentConfig, &fileConfig)
	}

	return nil
}

// mergeConfig 配置文件中的非空字段覆盖环境变量配置
func mergeConfig(base, override *AppConfig) {
	if override.Port != "" {
		base.Port = override.Port
	}
	if override.BackendBaseURL != "" {
		base.BackendBaseURL = override.BackendBaseURL
	}
	if override.BackendAPIKey != "" {
		base.BackendAPIKey = override.BackendAPIKey
	}
	if override.SessionSecret != "" {
		base.SessionSecret = override.SessionSecret
	}
}

// GetCurrentConfig 获取当前配置
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		// 未初始化时回退到环境变量配置
		baseConfig, _ := Load()
		return &AppConfig{
			Port:           baseConfig.Port,
			DataDir:        baseConfig.DataDir,
			LogDir:         baseConfig.LogDir,
			DebugMode:      baseConfig.DebugMode,
			BackendBaseURL: baseConfig.BackendBaseURL,
			BackendAPIKey:  baseConfig.BackendAPIKey,
			SessionSecret:  baseConfig.SessionSecret,
		}
	}

	return currentConfig
}

// SaveConfig 将当前配置写回配置文件
func SaveConfig() error {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil || configFile == "" {
		return fmt.Errorf("配置系统尚未初始化")
	}

	data, err := json.MarshalIndent(currentConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	if err := os.WriteFile(configFile, data, 0644); err != nil {
		return fmt.Errorf("保存配置文件失败: %w", err)
	}

	return nil
}
