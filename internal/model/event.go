package model

import "time"

// ChangeOp 变更流中的行操作
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeEvent 存储层变更流的一条记录。
// 删除时 Record 为被删除前的行。
type ChangeEvent struct {
	Op     ChangeOp       `json:"op"`
	At     time.Time      `json:"at"`
	Record PresenceRecord `json:"record"`
}

// EventType 广播给观察者的事件类型
type EventType string

const (
	EventJoined        EventType = "joined"
	EventLeft          EventType = "left"
	EventUpdated       EventType = "updated"
	EventStatusChanged EventType = "status_changed"
	EventSnapshot      EventType = "snapshot"
)

// PresenceEvent 对外发布的在线状态事件。
// Timestamp 是记录自身的时间，消费方按它而不是到达顺序解决冲突。
type PresenceEvent struct {
	Type      EventType `json:"type"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Profile   *Profile  `json:"profile,omitempty"`
}

// Key 返回事件对应的记录键
func (e PresenceEvent) Key() SessionKey {
	return SessionKey{UserID: e.UserID, SessionID: e.SessionID}
}

// StatusEvent 管理操作导致的账号状态变化
type StatusEvent struct {
	Type      EventType     `json:"type"`
	UserID    string        `json:"user_id"`
	Status    AccountStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Actor     string        `json:"actor,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// DashboardFrame 推送给观察者的帧。
// snapshot 帧同时携带聚合后的用户和逐会话的 joined 事件，后者用于初始化本地名单。
type DashboardFrame struct {
	Type     EventType       `json:"type"`
	Presence *PresenceEvent  `json:"presence,omitempty"`
	Status   *StatusEvent    `json:"status,omitempty"`
	Users    []OnlineUser    `json:"users,omitempty"`
	Sessions []PresenceEvent `json:"sessions,omitempty"`
	SentAt   time.Time       `json:"sent_at"`
}
