package service

import (
	"context"
	"sort"
	"time"

	"github.com/anonchat/presence-go/internal/apperror"
	"github.com/anonchat/presence-go/internal/model"
	"github.com/anonchat/presence-go/internal/store"
)

// Aggregator 将每个标签页的记录合并为"用户是否在线"的视图。
// 结果最终一致，延迟不超过 T + 清理间隔。
type Aggregator struct {
	store     store.Store
	threshold time.Duration
	now       func() time.Time
}

// NewAggregator 创建聚合器
func NewAggregator(st store.Store, threshold time.Duration) *Aggregator {
	return &Aggregator{store: st, threshold: threshold, now: time.Now}
}

// SetClock 替换时钟（测试用）
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// OnlineUsers get-active-users
func (a *Aggregator) OnlineUsers(ctx context.Context) ([]model.OnlineUser, error) {
	now := a.now().UTC()
	recs, err := a.store.ListPresence(ctx, now)
	if err != nil {
		return nil, err
	}
	return Aggregate(recs, now, a.threshold), nil
}

// FreshRecords 返回当前新鲜的会话记录
func (a *Aggregator) FreshRecords(ctx context.Context) ([]model.PresenceRecord, error) {
	now := a.now().UTC()
	recs, err := a.store.ListPresence(ctx, now)
	if err != nil {
		return nil, err
	}
	fresh := recs[:0]
	for _, rec := range recs {
		if rec.IsFresh(now, a.threshold) {
			fresh = append(fresh, rec)
		}
	}
	return fresh, nil
}

// UserPresence 单个用户的在线状态
func (a *Aggregator) UserPresence(ctx context.Context, userID string) (model.UserPresenceResponse, error) {
	now := a.now().UTC()
	resp := model.UserPresenceResponse{UserID: userID}

	status, err := a.store.GetUserStatus(ctx, userID)
	if err != nil && !apperror.Is(err, apperror.NotFound) {
		return resp, err
	}
	if err == nil && !status.AllowsPresence(now) {
		return resp, nil
	}

	recs, err := a.store.ListUserPresence(ctx, userID)
	if err != nil {
		return resp, err
	}
	for _, rec := range recs {
		if rec.IsFresh(now, a.threshold) {
			resp.Sessions++
		}
	}
	resp.Online = resp.Sessions > 0
	return resp, nil
}

// Aggregate 按用户分组，至少一个新鲜会话即在线
func Aggregate(recs []model.PresenceRecord, now time.Time, threshold time.Duration) []model.OnlineUser {
	byUser := make(map[string]*model.OnlineUser)
	for _, rec := range recs {
		if !rec.IsFresh(now, threshold) {
			continue
		}
		u, ok := byUser[rec.UserID]
		if !ok {
			byUser[rec.UserID] = &model.OnlineUser{
				UserID:        rec.UserID,
				Sessions:      1,
				LastHeartbeat: rec.LastHeartbeat,
				JoinedAt:      rec.JoinedAt,
				Profile:       rec.Profile,
			}
			continue
		}
		u.Sessions++
		if rec.JoinedAt.Before(u.JoinedAt) {
			u.JoinedAt = rec.JoinedAt
		}
		// 展示字段取最近一次心跳的会话快照
		if rec.LastHeartbeat.After(u.LastHeartbeat) {
			u.LastHeartbeat = rec.LastHeartbeat
			u.Profile = rec.Profile
		}
	}

	users := make([]model.OnlineUser, 0, len(byUser))
	for _, u := range byUser {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].JoinedAt.Equal(users[j].JoinedAt) {
			return users[i].JoinedAt.Before(users[j].JoinedAt)
		}
		return users[i].UserID < users[j].UserID
	})
	return users
}
