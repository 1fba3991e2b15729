package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/anonchat/presence-go/internal/apperror"
	"github.com/anonchat/presence-go/internal/model"
)

const memoryFeedBuffer = 1024

// MemoryStore 内存实现，同时提供进程内变更流。
// 用于测试和单机部署（database.driver: memory）。
type MemoryStore struct {
	mu       sync.Mutex
	presence map[model.SessionKey]model.PresenceRecord
	users    map[string]model.UserStatus
	audit    []model.AuditEntry
	now      func() time.Time

	subs    map[int]chan model.ChangeEvent
	nextSub int
}

// NewMemoryStore 创建内存存储，now 为空时使用 time.Now
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		presence: make(map[model.SessionKey]model.PresenceRecord),
		users:    make(map[string]model.UserStatus),
		now:      now,
		subs:     make(map[int]chan model.ChangeEvent),
	}
}

func (s *MemoryStore) UpsertPresence(_ context.Context, rec model.PresenceRecord) (model.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[rec.UserID]
	if !ok {
		user = model.UserStatus{ID: rec.UserID, Status: model.StatusActive}
	}
	if !user.AllowsPresence(rec.LastHeartbeat) {
		return model.PresenceRecord{}, apperror.ErrUserRestricted
	}

	op := model.OpInsert
	key := rec.Key()
	if existing, ok := s.presence[key]; ok {
		op = model.OpUpdate
		rec.JoinedAt = existing.JoinedAt
	}
	rec.Online = true
	s.presence[key] = rec

	seen := rec.LastHeartbeat
	user.Online = true
	user.LastSeen = &seen
	user.UpdatedAt = s.now()
	s.users[rec.UserID] = user

	s.emit(op, rec)
	return rec, nil
}

func (s *MemoryStore) RefreshHeartbeat(_ context.Context, userID, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user, ok := s.users[userID]; ok && !user.AllowsPresence(at) {
		return apperror.ErrUserRestricted
	}
	key := model.SessionKey{UserID: userID, SessionID: sessionID}
	rec, ok := s.presence[key]
	if !ok {
		return apperror.ErrPresenceNotFound
	}
	rec.LastHeartbeat = at
	rec.Online = true
	s.presence[key] = rec
	s.emit(model.OpUpdate, rec)
	return nil
}

func (s *MemoryStore) DeletePresence(_ context.Context, userID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := model.SessionKey{UserID: userID, SessionID: sessionID}
	rec, ok := s.presence[key]
	if !ok {
		return false, nil
	}
	delete(s.presence, key)
	s.emit(model.OpDelete, rec)
	return true, nil
}

func (s *MemoryStore) DeleteUserPresence(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, rec := range s.presence {
		if key.UserID != userID {
			continue
		}
		delete(s.presence, key)
		s.emit(model.OpDelete, rec)
		n++
	}
	return n, nil
}

func (s *MemoryStore) DeleteStale(_ context.Context, cutoff time.Time) ([]model.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []model.PresenceRecord
	for key, rec := range s.presence {
		if rec.Online && rec.LastHeartbeat.Before(cutoff) {
			delete(s.presence, key)
			s.emit(model.OpDelete, rec)
			removed = append(removed, rec)
		}
	}
	return removed, nil
}

func (s *MemoryStore) DeleteAllPresence(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(len(s.presence))
	for key, rec := range s.presence {
		delete(s.presence, key)
		s.emit(model.OpDelete, rec)
	}
	return n, nil
}

func (s *MemoryStore) ListPresence(_ context.Context, now time.Time) ([]model.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.PresenceRecord, 0, len(s.presence))
	for _, rec := range s.presence {
		if user, ok := s.users[rec.UserID]; ok && !user.AllowsPresence(now) {
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) ListUserPresence(_ context.Context, userID string) ([]model.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.PresenceRecord
	for key, rec := range s.presence {
		if key.UserID == userID {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) GetUserStatus(_ context.Context, userID string) (model.UserStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return model.UserStatus{}, apperror.ErrUserNotFound
	}
	return user, nil
}

func (s *MemoryStore) SaveUserStatus(_ context.Context, status model.UserStatus) error {
	if status.ID == "" {
		return apperror.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	status.UpdatedAt = s.now()
	s.users[status.ID] = status
	return nil
}

func (s *MemoryStore) MarkOffline(_ context.Context, userIDs []string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := make(map[string]bool)
	for key := range s.presence {
		remaining[key.UserID] = true
	}

	var n int64
	for _, id := range userIDs {
		user, ok := s.users[id]
		if !ok || remaining[id] || !user.Online {
			continue
		}
		seen := at
		user.Online = false
		user.LastSeen = &seen
		user.UpdatedAt = s.now()
		s.users[id] = user
		n++
	}
	return n, nil
}

func (s *MemoryStore) MarkAllOffline(_ context.Context, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, user := range s.users {
		if !user.Online {
			continue
		}
		seen := at
		user.Online = false
		user.LastSeen = &seen
		s.users[id] = user
		n++
	}
	return n, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, entry model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

// Audit 返回审计日志副本
func (s *MemoryStore) Audit() []model.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

func (s *MemoryStore) Stats(_ context.Context, now time.Time, threshold time.Duration) (model.DebugStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := model.DebugStats{
		TotalRecords: int64(len(s.presence)),
		Threshold:    threshold.String(),
		GeneratedAt:  now,
	}
	users := make(map[string]bool)
	online := make(map[string]bool)
	for key, rec := range s.presence {
		users[key.UserID] = true
		if rec.IsFresh(now, threshold) {
			stats.FreshRecords++
			online[key.UserID] = true
		} else {
			stats.StaleRecords++
		}
		if stats.OldestHeartbeat == nil || rec.LastHeartbeat.Before(*stats.OldestHeartbeat) {
			hb := rec.LastHeartbeat
			stats.OldestHeartbeat = &hb
		}
	}
	stats.DistinctUsers = int64(len(users))
	stats.OnlineUsers = int64(len(online))
	return stats, nil
}

// Subscribe 订阅进程内变更流，ctx 结束时关闭通道
func (s *MemoryStore) Subscribe(ctx context.Context) (<-chan model.ChangeEvent, error) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan model.ChangeEvent, memoryFeedBuffer)
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

// emit 调用方持有锁；订阅方积压时丢弃，由清理任务兜底
func (s *MemoryStore) emit(op model.ChangeOp, rec model.PresenceRecord) {
	evt := model.ChangeEvent{Op: op, At: s.now(), Record: rec}
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func sortRecords(recs []model.PresenceRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].JoinedAt.Equal(recs[j].JoinedAt) {
			return recs[i].JoinedAt.Before(recs[j].JoinedAt)
		}
		return recs[i].Key().String() < recs[j].Key().String()
	})
}
