package model

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// AccountStatus 账号状态，由管理操作写入
type AccountStatus string

const (
	StatusActive AccountStatus = "active"
	StatusKicked AccountStatus = "kicked"
	StatusBanned AccountStatus = "banned"
)

// Profile 加入时快照的展示字段
type Profile struct {
	Nickname string `json:"nickname" gorm:"column:nickname"`
	Gender   string `json:"gender" gorm:"column:gender"`
	Age      int    `json:"age" gorm:"column:age"`
	Country  string `json:"country" gorm:"column:country"`
	Role     string `json:"role" gorm:"column:role"`
	Avatar   string `json:"avatar" gorm:"column:avatar"`
}

// 展示字段的长度上限（按字符计）。整行要放进一次 pg_notify 载荷（约 8000 字节）。
const (
	MaxNicknameLen = 64
	MaxShortField  = 32
	MaxAvatarLen   = 1024
	MaxAge         = 150
)

// Validate 检查展示字段长度
func (p Profile) Validate() error {
	fields := []struct {
		name  string
		value string
		max   int
	}{
		{"nickname", p.Nickname, MaxNicknameLen},
		{"gender", p.Gender, MaxShortField},
		{"country", p.Country, MaxNicknameLen},
		{"role", p.Role, MaxShortField},
		{"avatar", p.Avatar, MaxAvatarLen},
	}
	for _, f := range fields {
		if utf8.RuneCountInString(f.value) > f.max {
			return fmt.Errorf("%s 超过 %d 个字符", f.name, f.max)
		}
	}
	if p.Age < 0 || p.Age > MaxAge {
		return fmt.Errorf("age 超出范围: %d", p.Age)
	}
	return nil
}

// PresenceRecord 每个会话（标签页）一条在线记录
type PresenceRecord struct {
	UserID        string    `json:"user_id" gorm:"column:user_id;primaryKey;type:text"`
	SessionID     string    `json:"session_id" gorm:"column:session_id;primaryKey;type:text"`
	Online        bool      `json:"online" gorm:"column:online;not null;index:idx_presence_online_heartbeat,priority:1"`
	LastHeartbeat time.Time `json:"last_heartbeat" gorm:"column:last_heartbeat;not null;index:idx_presence_online_heartbeat,priority:2"`
	JoinedAt      time.Time `json:"joined_at" gorm:"column:joined_at;not null"`
	Profile       `gorm:"embedded"`
}

func (PresenceRecord) TableName() string {
	return "presence"
}

// Key 返回 (userId, sessionId) 组合键
func (r PresenceRecord) Key() SessionKey {
	return SessionKey{UserID: r.UserID, SessionID: r.SessionID}
}

// IsFresh 判断心跳是否仍在阈值内
func (r PresenceRecord) IsFresh(now time.Time, threshold time.Duration) bool {
	return r.Online && now.Sub(r.LastHeartbeat) <= threshold
}

// SessionKey 在线记录的唯一键
type SessionKey struct {
	UserID    string
	SessionID string
}

func (k SessionKey) String() string {
	return k.UserID + "/" + k.SessionID
}

// UserStatus 每个账号一条，记录管理状态和在线镜像
type UserStatus struct {
	ID           string        `json:"id" gorm:"column:id;primaryKey;type:text"`
	Status       AccountStatus `json:"status" gorm:"column:status;type:text;not null;default:active"`
	Online       bool          `json:"online" gorm:"column:online;not null;default:false"`
	LastSeen     *time.Time    `json:"last_seen,omitempty" gorm:"column:last_seen"`
	KickedAt     *time.Time    `json:"kicked_at,omitempty" gorm:"column:kicked_at"`
	KickReason   string        `json:"kick_reason,omitempty" gorm:"column:kick_reason"`
	BanExpiresAt *time.Time    `json:"ban_expires_at,omitempty" gorm:"column:ban_expires_at"`
	BanReason    string        `json:"ban_reason,omitempty" gorm:"column:ban_reason"`
	UpdatedAt    time.Time     `json:"updated_at" gorm:"column:updated_at"`
}

func (UserStatus) TableName() string {
	return "users"
}

// AllowsPresence 判断该账号当前是否允许在线。
// 到期的封禁视为已解除。
func (u UserStatus) AllowsPresence(now time.Time) bool {
	switch u.Status {
	case StatusActive, "":
		return true
	case StatusBanned:
		return u.BanExpiresAt != nil && !now.Before(*u.BanExpiresAt)
	default:
		return false
	}
}

// AuditEntry 审计日志
type AuditEntry struct {
	ID        string    `json:"id" gorm:"column:id;primaryKey;type:text"`
	Action    string    `json:"action" gorm:"column:action;type:text;not null;index"`
	Actor     string    `json:"actor" gorm:"column:actor;type:text"`
	TargetID  string    `json:"target_id,omitempty" gorm:"column:target_id;type:text"`
	Count     int64     `json:"count" gorm:"column:count"`
	Detail    string    `json:"detail,omitempty" gorm:"column:detail;type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;not null"`
}

func (AuditEntry) TableName() string {
	return "audit_log"
}

// 审计动作
const (
	AuditKick             = "kick"
	AuditBan              = "ban"
	AuditRestore          = "restore"
	AuditScheduledCleanup = "scheduled_presence_cleanup"
	AuditForceCleanup     = "force_presence_cleanup"
	AuditEmergencyClear   = "emergency_clear_all_presence"
)

// OnlineUser 聚合后的在线用户视图
type OnlineUser struct {
	UserID        string    `json:"user_id"`
	Sessions      int       `json:"sessions"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	JoinedAt      time.Time `json:"joined_at"`
	Profile
}

// DebugStats presence-debug-stats 的结果
type DebugStats struct {
	TotalRecords    int64      `json:"total_records"`
	FreshRecords    int64      `json:"fresh_records"`
	StaleRecords    int64      `json:"stale_records"`
	DistinctUsers   int64      `json:"distinct_users"`
	OnlineUsers     int64      `json:"online_users"`
	OldestHeartbeat *time.Time `json:"oldest_heartbeat,omitempty"`
	Threshold       string     `json:"threshold"`
	GeneratedAt     time.Time  `json:"generated_at"`
}
