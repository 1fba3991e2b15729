package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/metrics"
	"github.com/anonchat/presence-go/internal/model"
	"github.com/anonchat/presence-go/internal/store"
)

// Reaper 陈旧记录清理。
// 每次清理都是纯粹的过滤+删除，并发执行无需加锁。
type Reaper struct {
	store     store.Store
	threshold time.Duration
	interval  time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *zap.Logger
}

// NewReaper 创建清理器
func NewReaper(st store.Store, threshold, interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Reaper {
	return &Reaper{
		store:     st,
		threshold: threshold,
		interval:  interval,
		metrics:   m,
		now:       time.Now,
		logger:    logger,
	}
}

// SetClock 替换时钟（测试用）
func (r *Reaper) SetClock(now func() time.Time) {
	r.now = now
}

// Sweep cleanup-stale-presence：删除心跳超过阈值的记录，返回回收数量
func (r *Reaper) Sweep(ctx context.Context, source string) (int64, error) {
	now := r.now().UTC()
	removed, err := r.store.DeleteStale(ctx, now.Add(-r.threshold))
	if err != nil {
		return 0, fmt.Errorf("清理陈旧记录失败: %w", err)
	}
	if len(removed) == 0 {
		return 0, nil
	}

	users := distinctUsers(removed)
	if _, err := r.store.MarkOffline(ctx, users, now); err != nil {
		r.logger.Warn("清理后更新用户离线状态失败", zap.Error(err))
	}

	n := int64(len(removed))
	r.metrics.Reclaimed(ctx, source, n)
	r.logger.Info("清理陈旧会话",
		zap.String("source", source),
		zap.Int64("reclaimed", n),
		zap.Int("users", len(users)))
	return n, nil
}

// ScheduledCleanup scheduled-presence-cleanup：清理并写审计
func (r *Reaper) ScheduledCleanup(ctx context.Context) (int64, error) {
	n, err := r.Sweep(ctx, "scheduled")
	if err != nil {
		return 0, err
	}
	r.audit(ctx, model.AuditScheduledCleanup, "system", n, "")
	return n, nil
}

// ForceCleanup 管理员手动触发清理
func (r *Reaper) ForceCleanup(ctx context.Context, actor string) (int64, error) {
	n, err := r.Sweep(ctx, "admin")
	if err != nil {
		return 0, err
	}
	r.audit(ctx, model.AuditForceCleanup, actor, n, "")
	return n, nil
}

// EmergencyClear emergency-clear-all-presence：清空在线表
func (r *Reaper) EmergencyClear(ctx context.Context, actor string) (int64, error) {
	n, err := r.store.DeleteAllPresence(ctx)
	if err != nil {
		return 0, fmt.Errorf("清空在线表失败: %w", err)
	}
	users, err := r.store.MarkAllOffline(ctx, r.now().UTC())
	if err != nil {
		r.logger.Warn("清空后更新用户离线状态失败", zap.Error(err))
	}

	r.metrics.Reclaimed(ctx, "emergency", n)
	r.audit(ctx, model.AuditEmergencyClear, actor, n, fmt.Sprintf("users_marked_offline=%d", users))
	r.logger.Warn("在线表已被紧急清空", zap.String("actor", actor), zap.Int64("records", n))
	return n, nil
}

// Run 按固定间隔清理，audited 为 true 时每轮写审计（独立任务使用）
func (r *Reaper) Run(ctx context.Context, audited bool) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("清理任务已启动",
		zap.Duration("interval", r.interval),
		zap.Duration("threshold", r.threshold))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("清理任务已停止")
			return
		case <-ticker.C:
			var err error
			if audited {
				_, err = r.ScheduledCleanup(ctx)
			} else {
				_, err = r.Sweep(ctx, "server")
			}
			if err != nil {
				r.logger.Error("清理失败", zap.Error(err))
			}
		}
	}
}

func (r *Reaper) audit(ctx context.Context, action, actor string, count int64, detail string) {
	entry := model.AuditEntry{
		ID:        uuid.NewString(),
		Action:    action,
		Actor:     actor,
		Count:     count,
		Detail:    detail,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		r.logger.Warn("写审计日志失败", zap.String("action", action), zap.Error(err))
	}
}

func distinctUsers(recs []model.PresenceRecord) []string {
	seen := make(map[string]bool, len(recs))
	users := make([]string, 0, len(recs))
	for _, rec := range recs {
		if !seen[rec.UserID] {
			seen[rec.UserID] = true
			users = append(users, rec.UserID)
		}
	}
	return users
}
