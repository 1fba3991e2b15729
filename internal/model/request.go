package model

import "time"

// AnonymousLoginRequest 匿名登录请求
type AnonymousLoginRequest struct {
	Profile
}

// AnonymousLoginResponse 匿名登录响应
type AnonymousLoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// JoinRequest 会话加入请求
type JoinRequest struct {
	SessionID string  `json:"session_id"`
	Profile   Profile `json:"profile"`
}

// SessionRequest 只携带会话 ID 的请求（心跳、离开）
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// DisconnectRequest POST /user-disconnect 的请求体
type DisconnectRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// KickRequest 踢出请求
type KickRequest struct {
	Reason string `json:"reason"`
}

// BanRequest 封禁请求，Duration 为空表示永久
type BanRequest struct {
	Reason   string `json:"reason"`
	Duration string `json:"duration,omitempty"`
}

// ParseDuration 解析封禁时长
func (r BanRequest) ParseDuration() (time.Duration, error) {
	if r.Duration == "" {
		return 0, nil
	}
	return time.ParseDuration(r.Duration)
}

// CountResponse 运维操作返回影响的记录数
type CountResponse struct {
	Count int64 `json:"count"`
}

// OnlineUsersResponse 在线用户列表
type OnlineUsersResponse struct {
	Count int          `json:"count"`
	Users []OnlineUser `json:"users"`
}

// UserPresenceResponse 单个用户的在线状态
type UserPresenceResponse struct {
	UserID   string `json:"user_id"`
	Online   bool   `json:"online"`
	Sessions int    `json:"sessions"`
}

// CleanupResponse 客户端触发的陈旧记录清理结果
type CleanupResponse struct {
	Reclaimed int64 `json:"reclaimed"`
}
