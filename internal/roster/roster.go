// Package roster 在消费端合并乱序到达的在线事件。
//
// 每个 (userId, sessionId) 只保留时间戳最大的事件；时间戳相同时 left 优先。
// 因此同一批事件无论以何种顺序应用，得到的名单都相同。
package roster

import (
	"sort"
	"sync"
	"time"

	"github.com/anonchat/presence-go/internal/model"
)

type entry struct {
	online  bool
	ts      time.Time
	profile *model.Profile
}

// Roster 本地在线名单
type Roster struct {
	mu      sync.RWMutex
	entries map[model.SessionKey]entry
}

// New 创建空名单
func New() *Roster {
	return &Roster{entries: make(map[model.SessionKey]entry)}
}

// Apply 合并一个在线事件，返回名单是否发生变化
func (r *Roster) Apply(evt model.PresenceEvent) bool {
	var online bool
	switch evt.Type {
	case model.EventJoined, model.EventUpdated:
		online = true
	case model.EventLeft:
		online = false
	default:
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := evt.Key()
	cur, ok := r.entries[key]
	if ok && !supersedes(evt.Timestamp, online, cur) {
		return false
	}

	next := entry{online: online, ts: evt.Timestamp, profile: evt.Profile}
	if next.profile == nil && ok {
		next.profile = cur.profile
	}
	r.entries[key] = next
	return !ok || cur.online != online
}

// ApplyStatus 账号被踢出或封禁时，将其所有会话标记为 left
func (r *Roster) ApplyStatus(evt model.StatusEvent) bool {
	if evt.Status == model.StatusActive || evt.Status == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for key, cur := range r.entries {
		if key.UserID != evt.UserID || !supersedes(evt.Timestamp, false, cur) {
			continue
		}
		if cur.online {
			changed = true
		}
		r.entries[key] = entry{online: false, ts: evt.Timestamp, profile: cur.profile}
	}
	return changed
}

// ApplyFrame 合并一帧推送。
// snapshot 帧是全量名单：其中没有的在线会话按 SentAt 标记为 left。
func (r *Roster) ApplyFrame(frame model.DashboardFrame) bool {
	changed := false
	switch {
	case frame.Presence != nil:
		changed = r.Apply(*frame.Presence)
	case frame.Status != nil:
		changed = r.ApplyStatus(*frame.Status)
	}
	for _, evt := range frame.Sessions {
		if r.Apply(evt) {
			changed = true
		}
	}
	if frame.Type == model.EventSnapshot && r.retainOnly(frame.Sessions, frame.SentAt) {
		changed = true
	}
	return changed
}

// retainOnly 将不在 sessions 中的在线条目标记为 left
func (r *Roster) retainOnly(sessions []model.PresenceEvent, at time.Time) bool {
	keep := make(map[model.SessionKey]bool, len(sessions))
	for _, evt := range sessions {
		keep[evt.Key()] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for key, cur := range r.entries {
		if !cur.online || keep[key] || !supersedes(at, false, cur) {
			continue
		}
		r.entries[key] = entry{online: false, ts: at, profile: cur.profile}
		changed = true
	}
	return changed
}

// Expire 将时间戳早于 now-ttl 的在线条目标记为 left，返回数量。
// left 使用条目自身的时间戳，之后到达的更新仍可覆盖。
func (r *Roster) Expire(now time.Time, ttl time.Duration) int {
	cutoff := now.Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, cur := range r.entries {
		if cur.online && cur.ts.Before(cutoff) {
			r.entries[key] = entry{online: false, ts: cur.ts, profile: cur.profile}
			n++
		}
	}
	return n
}

// Online 返回在线用户 ID，按字典序排列
func (r *Roster) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for key, e := range r.entries {
		if e.online {
			seen[key.UserID] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sessions 返回某用户在线会话数
func (r *Roster) Sessions(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for key, e := range r.entries {
		if key.UserID == userID && e.online {
			n++
		}
	}
	return n
}

// Profile 返回用户最近一次已知的展示信息
func (r *Roster) Profile(userID string) (model.Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *entry
	for key, e := range r.entries {
		if key.UserID != userID || e.profile == nil {
			continue
		}
		e := e
		if best == nil || e.ts.After(best.ts) {
			best = &e
		}
	}
	if best == nil {
		return model.Profile{}, false
	}
	return *best.profile, true
}

// Prune 删除早于 before 的 left 墓碑
func (r *Roster) Prune(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, e := range r.entries {
		if !e.online && e.ts.Before(before) {
			delete(r.entries, key)
			n++
		}
	}
	return n
}

// supersedes 新事件是否覆盖现有条目
func supersedes(ts time.Time, online bool, cur entry) bool {
	if ts.After(cur.ts) {
		return true
	}
	if ts.Before(cur.ts) {
		return false
	}
	return !online && cur.online
}
