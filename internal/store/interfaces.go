package store

import (
	"context"
	"time"

	"github.com/anonchat/presence-go/internal/model"
)

// Store 在线状态的唯一事实来源。
// 所有写操作都以 (userId, sessionId) 为键，是可交换的幂等 upsert 或 delete。
type Store interface {
	// UpsertPresence 幂等地写入会话记录；账号被限制时返回 apperror.ErrUserRestricted
	UpsertPresence(ctx context.Context, rec model.PresenceRecord) (model.PresenceRecord, error)
	// RefreshHeartbeat heartbeat-refresh：只在账号允许在线时刷新心跳
	RefreshHeartbeat(ctx context.Context, userID, sessionID string, at time.Time) error
	// DeletePresence 删除单个会话，返回记录是否存在
	DeletePresence(ctx context.Context, userID, sessionID string) (bool, error)
	// DeleteUserPresence 删除用户的全部会话
	DeleteUserPresence(ctx context.Context, userID string) (int64, error)
	// DeleteStale 删除 online 且心跳早于 cutoff 的记录，返回被删除的记录
	DeleteStale(ctx context.Context, cutoff time.Time) ([]model.PresenceRecord, error)
	// DeleteAllPresence 清空在线表
	DeleteAllPresence(ctx context.Context) (int64, error)
	// ListPresence 列出账号允许在线的全部记录（不做新鲜度过滤）
	ListPresence(ctx context.Context, now time.Time) ([]model.PresenceRecord, error)
	// ListUserPresence 列出单个用户的记录
	ListUserPresence(ctx context.Context, userID string) ([]model.PresenceRecord, error)

	GetUserStatus(ctx context.Context, userID string) (model.UserStatus, error)
	SaveUserStatus(ctx context.Context, status model.UserStatus) error
	// MarkOffline 将已没有任何在线记录的用户标记为离线
	MarkOffline(ctx context.Context, userIDs []string, at time.Time) (int64, error)
	MarkAllOffline(ctx context.Context, at time.Time) (int64, error)

	AppendAudit(ctx context.Context, entry model.AuditEntry) error
	// Stats presence-debug-stats
	Stats(ctx context.Context, now time.Time, threshold time.Duration) (model.DebugStats, error)
}

// ChangeFeed 在线表的变更流（至少一次，可能乱序）
type ChangeFeed interface {
	Subscribe(ctx context.Context) (<-chan model.ChangeEvent, error)
}
