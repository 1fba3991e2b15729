package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/apperror"
	"github.com/anonchat/presence-go/internal/model"
)

// PresenceAPI 在线状态服务的 HTTP 客户端
type PresenceAPI struct {
	baseURL    string
	httpClient *http.Client
	retries    int
	backoff    time.Duration
	logger     *zap.Logger

	mu     sync.RWMutex
	token  string
	userID string
}

// NewPresenceAPI 创建客户端，retries 为瞬时错误的重试次数
func NewPresenceAPI(baseURL string, retries int, logger *zap.Logger) *PresenceAPI {
	return &PresenceAPI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		retries:    retries,
		backoff:    200 * time.Millisecond,
		logger:     logger,
	}
}

// SetToken 设置访问令牌
func (c *PresenceAPI) SetToken(token, userID string) {
	c.mu.Lock()
	c.token, c.userID = token, userID
	c.mu.Unlock()
}

// UserID 当前登录的用户 ID
func (c *PresenceAPI) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Login 匿名登录，成功后保存令牌
func (c *PresenceAPI) Login(ctx context.Context, profile model.Profile) (model.AnonymousLoginResponse, error) {
	var resp model.AnonymousLoginResponse
	err := c.withRetry(ctx, "login", func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/api/auth/anonymous", model.AnonymousLoginRequest{Profile: profile}, &resp, false)
	})
	if err != nil {
		return resp, err
	}
	c.SetToken(resp.Token, resp.UserID)
	return resp, nil
}

// Join 注册会话
func (c *PresenceAPI) Join(ctx context.Context, req model.JoinRequest) (model.PresenceRecord, error) {
	var rec model.PresenceRecord
	err := c.withRetry(ctx, "join", func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/api/presence/join", req, &rec, true)
	})
	return rec, err
}

// Heartbeat 刷新心跳
func (c *PresenceAPI) Heartbeat(ctx context.Context, sessionID string) error {
	return c.withRetry(ctx, "heartbeat", func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/api/presence/heartbeat", model.SessionRequest{SessionID: sessionID}, nil, true)
	})
}

// Leave 主动离开
func (c *PresenceAPI) Leave(ctx context.Context, sessionID string) error {
	err := c.do(ctx, http.MethodPost, "/api/presence/leave", model.SessionRequest{SessionID: sessionID}, nil, true)
	if apperror.Is(err, apperror.NotFound) {
		return nil
	}
	return err
}

// Cleanup 触发客户端侧的陈旧记录清理
func (c *PresenceAPI) Cleanup(ctx context.Context) (int64, error) {
	var resp model.CleanupResponse
	err := c.do(ctx, http.MethodPost, "/api/presence/cleanup", nil, &resp, true)
	return resp.Reclaimed, err
}

// Disconnect 调用 /user-disconnect，不带令牌
func (c *PresenceAPI) Disconnect(ctx context.Context, req model.DisconnectRequest) error {
	return c.do(ctx, http.MethodPost, "/user-disconnect", req, nil, false)
}

// OnlineUsers 获取在线用户列表
func (c *PresenceAPI) OnlineUsers(ctx context.Context) (model.OnlineUsersResponse, error) {
	var resp model.OnlineUsersResponse
	err := c.do(ctx, http.MethodGet, "/api/presence/online", nil, &resp, false)
	return resp, err
}

// withRetry 只对 TransientNetwork 做指数退避重试
func (c *PresenceAPI) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := c.backoff
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !apperror.Is(err, apperror.TransientNetwork) || attempt >= c.retries {
			return err
		}
		c.logger.Debug("瞬时错误，准备重试",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return apperror.New(apperror.TransientNetwork, op, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (c *PresenceAPI) do(ctx context.Context, method, path string, body, out interface{}, auth bool) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return apperror.New(apperror.ConstraintViolation, path, fmt.Errorf("序列化请求失败: %w", err))
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperror.New(apperror.ConstraintViolation, path, fmt.Errorf("创建请求失败: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		c.mu.RLock()
		token := c.token
		c.mu.RUnlock()
		if token == "" {
			return apperror.New(apperror.AuthInvalid, path, errors.New("未登录"))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperror.New(apperror.TransientNetwork, path, fmt.Errorf("请求失败: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperror.New(apperror.TransientNetwork, path, fmt.Errorf("读取响应失败: %w", err))
	}

	if resp.StatusCode >= 300 {
		return apperror.New(kindForStatus(resp.StatusCode), path,
			fmt.Errorf("API 返回错误: %d, body: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return apperror.New(apperror.Unknown, path, fmt.Errorf("解析响应失败: %w", err))
		}
	}
	return nil
}

// kindForStatus 将 HTTP 状态码映射为错误类别
func kindForStatus(code int) apperror.Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return apperror.AuthInvalid
	case code == http.StatusNotFound:
		return apperror.NotFound
	case code == http.StatusBadRequest || code == http.StatusConflict || code == http.StatusUnprocessableEntity:
		return apperror.ConstraintViolation
	case code == http.StatusTooManyRequests || code >= 500:
		return apperror.TransientNetwork
	default:
		return apperror.Unknown
	}
}
