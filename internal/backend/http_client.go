// internal/backend/http_client.go
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/reelweave/ReelWeaver/internal/models"
)

// HTTPClient 是 Client 的HTTP实现，对接托管后端的REST接口
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient 创建后端HTTP客户端
func NewHTTPClient(baseURL, apiKey string) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, errors.New("后端地址未提供")
	}

	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 90 * time.Second, // 生成调用可能较慢
		},
	}, nil
}

// doJSON 执行一次JSON请求并解析响应
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransportError(err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%s %s: %w", method, path, ErrLimitReached)
	case resp.StatusCode >= 400:
		return fmt.Errorf("后端返回错误状态 %d: %s", resp.StatusCode, string(respData))
	}

	if out != nil && len(respData) > 0 {
		if err := json.Unmarshal(respData, out); err != nil {
			return fmt.Errorf("解析响应失败: %w", err)
		}
	}

	return nil
}

// classifyTransportError 将网络层错误归类为连接中断
func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%v: %w", err, ErrConnectionLost)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%v: %w", err, ErrConnectionLost)
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%v: %w", err, ErrConnectionLost)
	}

	return err
}

// CreateDraft 首次持久化草稿
func (c *HTTPClient) CreateDraft(ctx context.Context, draft *models.Draft) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/drafts", draft, &resp); err != nil {
		return "", fmt.Errorf("创建草稿失败: %w", err)
	}
	return resp.ID, nil
}

// FetchDraft 读取远端草稿
func (c *HTTPClient) FetchDraft(ctx context.Context, draftID string) (*models.Draft, error) {
	var draft models.Draft
	if err := c.doJSON(ctx, http.MethodGet, "/v1/drafts/"+draftID, nil, &draft); err != nil {
		return nil, fmt.Errorf("读取草稿失败: %w", err)
	}
	return &draft, nil
}

// AddMessage 追加一轮对话
func (c *HTTPClient) AddMessage(ctx context.Context, draftID string, msg models.ChatMessage) error {
	if err := c.doJSON(ctx, http.MethodPost, "/v1/drafts/"+draftID+"/messages", msg, nil); err != nil {
		return fmt.Errorf("追加消息失败: %w", err)
	}
	return nil
}

// UpdateMessage 覆盖某条消息
func (c *HTTPClient) UpdateMessage(ctx context.Context, draftID, messageID, content string, edited bool) error {
	body := map[string]interface{}{
		"content":   content,
		"is_edited": edited,
	}
	if err := c.doJSON(ctx, http.MethodPut, "/v1/drafts/"+draftID+"/messages/"+messageID, body, nil); err != nil {
		return fmt.Errorf("更新消息失败: %w", err)
	}
	return nil
}

// UpdateScript 覆盖草稿脚本
func (c *HTTPClient) UpdateScript(ctx context.Context, draftID, script string) error {
	body := map[string]string{"script": script}
	if err := c.doJSON(ctx, http.MethodPut, "/v1/drafts/"+draftID+"/script", body, nil); err != nil {
		return fmt.Errorf("更新脚本失败: %w", err)
	}
	return nil
}

// ForkDraft 复制草稿到新ID
func (c *HTTPClient) ForkDraft(ctx context.Context, sourceDraftID string) (*models.Draft, error) {
	var draft models.Draft
	if err := c.doJSON(ctx, http.MethodPost, "/v1/drafts/"+sourceDraftID+"/fork", nil, &draft); err != nil {
		return nil, fmt.Errorf("fork草稿失败: %w", err)
	}
	return &draft, nil
}

// GenerateScript 调用远端脚本生成
func (c *HTTPClient) GenerateScript(ctx context.Context, req GenerateRequest) (string, error) {
	var resp struct {
		Script string `json:"script"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/drafts/"+req.DraftID+"/generate", req, &resp); err != nil {
		return "", fmt.Errorf("生成脚本失败: %w", err)
	}
	return resp.Script, nil
}

// MarkSubmitted 标记草稿已提交
func (c *HTTPClient) MarkSubmitted(ctx context.Context, draftID string) (*SubmitResult, error) {
	var result SubmitResult
	if err := c.doJSON(ctx, http.MethodPost, "/v1/drafts/"+draftID+"/submit", nil, &result); err != nil {
		return nil, fmt.Errorf("提交草稿失败: %w", err)
	}
	return &result, nil
}

// CreateUploadTarget 获取媒体上传目标
func (c *HTTPClient) CreateUploadTarget(ctx context.Context, draftID string, item models.MediaItem) (*UploadTarget, error) {
	body := map[string]string{
		"media_id": item.ID,
		"kind":     string(item.Kind),
	}
	var target UploadTarget
	if err := c.doJSON(ctx, http.MethodPost, "/v1/drafts/"+draftID+"/media/upload-url", body, &target); err != nil {
		return nil, fmt.Errorf("获取上传地址失败: %w", err)
	}
	return &target, nil
}

// Upload 写入上传目标。目标通常是对象存储的签名URL，不带API认证头
func (c *HTTPClient) Upload(ctx context.Context, target *UploadTarget, content io.Reader) error {
	method := target.Method
	if method == "" {
		method = http.MethodPut
	}

	req, err := http.NewRequestWithContext(ctx, method, target.UploadURL, content)
	if err != nil {
		return fmt.Errorf("创建上传请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("上传失败，状态 %d: %s", resp.StatusCode, string(data))
	}

	return nil
}

// FinalizeUpload 确认上传完成
func (c *HTTPClient) FinalizeUpload(ctx context.Context, draftID, mediaID string) (string, error) {
	var resp struct {
		StorageRef string `json:"storage_ref"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/drafts/"+draftID+"/media/"+mediaID+"/finalize", nil, &resp); err != nil {
		return "", fmt.Errorf("确认上传失败: %w", err)
	}
	return resp.StorageRef, nil
}

// FreshMediaURL 重新签名媒体URL
func (c *HTTPClient) FreshMediaURL(ctx context.Context, draftID, mediaID string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/drafts/"+draftID+"/media/"+mediaID+"/url", nil, &resp); err != nil {
		return "", fmt.Errorf("刷新媒体URL失败: %w", err)
	}
	return resp.URL, nil
}

// DeleteDraft 丢弃草稿
func (c *HTTPClient) DeleteDraft(ctx context.Context, draftID string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/v1/drafts/"+draftID, nil, nil); err != nil {
		return fmt.Errorf("删除草稿失败: %w", err)
	}
	return nil
}
