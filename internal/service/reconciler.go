package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/apperror"
	"github.com/anonchat/presence-go/internal/model"
	"github.com/anonchat/presence-go/internal/store"
)

// StatusPublisher 账号状态变化的下游
type StatusPublisher interface {
	PublishStatus(ctx context.Context, evt model.StatusEvent)
}

// Reconciler 踢出/封禁/恢复账号，并让在线视图与之保持一致。
// 先写账号状态：之后的心跳和读取都会按状态过滤，即使在线记录删除失败，
// 该用户也会立即从在线列表消失，残留记录由清理任务回收。
type Reconciler struct {
	store     store.Store
	publisher StatusPublisher
	now       func() time.Time
	logger    *zap.Logger
}

// NewReconciler 创建状态协调器
func NewReconciler(st store.Store, publisher StatusPublisher, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: st, publisher: publisher, now: time.Now, logger: logger}
}

// SetClock 替换时钟（测试用）
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Kick kick-user
func (r *Reconciler) Kick(ctx context.Context, actor, userID, reason string) (model.UserStatus, error) {
	return r.apply(ctx, actor, userID, model.AuditKick, reason, func(u *model.UserStatus, now time.Time) {
		u.Status = model.StatusKicked
		u.KickedAt = &now
		u.KickReason = reason
	})
}

// Ban ban-user，duration 为 0 表示永久
func (r *Reconciler) Ban(ctx context.Context, actor, userID, reason string, duration time.Duration) (model.UserStatus, error) {
	if duration < 0 {
		return model.UserStatus{}, apperror.Errorf(apperror.ConstraintViolation, "ban", "封禁时长不能为负数")
	}
	detail := reason
	if duration > 0 {
		detail = fmt.Sprintf("%s (duration=%s)", reason, duration)
	}
	return r.apply(ctx, actor, userID, model.AuditBan, detail, func(u *model.UserStatus, now time.Time) {
		u.Status = model.StatusBanned
		u.BanReason = reason
		u.BanExpiresAt = nil
		if duration > 0 {
			expires := now.Add(duration)
			u.BanExpiresAt = &expires
		}
	})
}

// Restore 恢复为 active，不会自动恢复在线记录，需要客户端重新 join
func (r *Reconciler) Restore(ctx context.Context, actor, userID string) (model.UserStatus, error) {
	status, err := r.store.GetUserStatus(ctx, userID)
	if err != nil {
		return model.UserStatus{}, err
	}
	status.Status = model.StatusActive
	status.KickedAt = nil
	status.KickReason = ""
	status.BanExpiresAt = nil
	status.BanReason = ""
	if err := r.store.SaveUserStatus(ctx, status); err != nil {
		return model.UserStatus{}, err
	}

	now := r.now().UTC()
	r.audit(ctx, model.AuditRestore, actor, userID, 0, "")
	r.publish(ctx, model.StatusEvent{UserID: userID, Status: model.StatusActive, Actor: actor, Timestamp: now})
	r.logger.Info("账号已恢复", zap.String("userId", userID), zap.String("actor", actor))
	return status, nil
}

func (r *Reconciler) apply(ctx context.Context, actor, userID, action, reason string, mutate func(*model.UserStatus, time.Time)) (model.UserStatus, error) {
	if userID == "" {
		return model.UserStatus{}, apperror.Errorf(apperror.ConstraintViolation, action, "user_id 不能为空")
	}
	now := r.now().UTC()

	status, err := r.store.GetUserStatus(ctx, userID)
	switch {
	case apperror.Is(err, apperror.NotFound):
		status = model.UserStatus{ID: userID}
	case err != nil:
		return model.UserStatus{}, err
	}
	mutate(&status, now)
	if err := r.store.SaveUserStatus(ctx, status); err != nil {
		return model.UserStatus{}, err
	}

	removed, err := r.store.DeleteUserPresence(ctx, userID)
	if err != nil {
		r.logger.Warn("删除被处理账号的在线记录失败，已由状态过滤隐藏",
			zap.String("userId", userID),
			zap.String("action", action),
			zap.Error(err))
	} else if _, err := r.store.MarkOffline(ctx, []string{userID}, now); err != nil {
		r.logger.Warn("更新用户离线状态失败", zap.String("userId", userID), zap.Error(err))
	}

	r.audit(ctx, action, actor, userID, removed, reason)
	r.publish(ctx, model.StatusEvent{
		UserID:    userID,
		Status:    status.Status,
		Reason:    reason,
		Actor:     actor,
		Timestamp: now,
	})

	r.logger.Info("账号状态已变更",
		zap.String("userId", userID),
		zap.String("status", string(status.Status)),
		zap.String("actor", actor),
		zap.Int64("sessionsRemoved", removed))
	return status, nil
}

func (r *Reconciler) audit(ctx context.Context, action, actor, target string, count int64, detail string) {
	err := r.store.AppendAudit(ctx, model.AuditEntry{
		ID:        uuid.NewString(),
		Action:    action,
		Actor:     actor,
		TargetID:  target,
		Count:     count,
		Detail:    detail,
		CreatedAt: r.now().UTC(),
	})
	if err != nil {
		r.logger.Warn("写审计日志失败", zap.String("action", action), zap.Error(err))
	}
}

func (r *Reconciler) publish(ctx context.Context, evt model.StatusEvent) {
	if r.publisher != nil {
		r.publisher.PublishStatus(ctx, evt)
	}
}
