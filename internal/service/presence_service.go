package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/apperror"
	"github.com/anonchat/presence-go/internal/metrics"
	"github.com/anonchat/presence-go/internal/model"
	"github.com/anonchat/presence-go/internal/store"
)

// PresenceService 会话注册、心跳刷新与断开处理
type PresenceService struct {
	store   store.Store
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *zap.Logger
}

// NewPresenceService 创建在线状态服务
func NewPresenceService(st store.Store, m *metrics.Metrics, logger *zap.Logger) *PresenceService {
	return &PresenceService{
		store:   st,
		metrics: m,
		now:     time.Now,
		logger:  logger,
	}
}

// SetClock 替换时钟（测试用）
func (s *PresenceService) SetClock(now func() time.Time) {
	s.now = now
}

// Join 注册会话，对同一 (userId, sessionId) 重复调用是幂等的 upsert
func (s *PresenceService) Join(ctx context.Context, userID, sessionID string, profile model.Profile) (model.PresenceRecord, error) {
	if userID == "" || sessionID == "" {
		return model.PresenceRecord{}, apperror.Errorf(apperror.ConstraintViolation, "join", "user_id 和 session_id 不能为空")
	}
	if err := profile.Validate(); err != nil {
		return model.PresenceRecord{}, apperror.New(apperror.ConstraintViolation, "join", err)
	}

	now := s.now().UTC()
	rec, err := s.store.UpsertPresence(ctx, model.PresenceRecord{
		UserID:        userID,
		SessionID:     sessionID,
		Online:        true,
		LastHeartbeat: now,
		JoinedAt:      now,
		Profile:       profile,
	})
	if err != nil {
		if apperror.Is(err, apperror.AuthInvalid) {
			s.logger.Warn("受限账号尝试加入",
				zap.String("userId", userID),
				zap.String("sessionId", sessionID))
		}
		return model.PresenceRecord{}, err
	}

	s.logger.Info("会话已注册",
		zap.String("userId", userID),
		zap.String("sessionId", sessionID),
		zap.Time("joinedAt", rec.JoinedAt))
	return rec, nil
}

// Heartbeat 刷新心跳；被踢/封禁的账号在这里被拒绝
func (s *PresenceService) Heartbeat(ctx context.Context, userID, sessionID string) error {
	if userID == "" || sessionID == "" {
		return apperror.Errorf(apperror.ConstraintViolation, "heartbeat", "user_id 和 session_id 不能为空")
	}

	err := s.store.RefreshHeartbeat(ctx, userID, sessionID, s.now().UTC())
	switch {
	case err == nil:
		s.metrics.Heartbeat(ctx)
		s.logger.Debug("心跳已更新", zap.String("userId", userID), zap.String("sessionId", sessionID))
		return nil
	case apperror.Is(err, apperror.AuthInvalid):
		s.metrics.HeartbeatRejected(ctx, "restricted")
		s.logger.Warn("拒绝受限账号的心跳",
			zap.String("userId", userID),
			zap.String("sessionId", sessionID))
	case apperror.Is(err, apperror.NotFound):
		s.metrics.HeartbeatRejected(ctx, "not_found")
		s.logger.Debug("心跳对应的会话不存在",
			zap.String("userId", userID),
			zap.String("sessionId", sessionID))
	default:
		s.logger.Error("心跳写入失败", zap.String("userId", userID), zap.Error(err))
	}
	return err
}

// Leave 主动离开；不存在的记录按成功处理
func (s *PresenceService) Leave(ctx context.Context, userID, sessionID string) error {
	existed, err := s.store.DeletePresence(ctx, userID, sessionID)
	if err != nil {
		s.logger.Warn("离开时删除会话失败，交由清理任务处理",
			zap.String("userId", userID),
			zap.String("sessionId", sessionID),
			zap.Error(err))
		return err
	}
	s.markOffline(ctx, userID)

	s.logger.Info("会话已离开",
		zap.String("userId", userID),
		zap.String("sessionId", sessionID),
		zap.Bool("existed", existed))
	return nil
}

// HandleDisconnect handle-disconnect：sessionID 为空时断开该用户的全部会话
func (s *PresenceService) HandleDisconnect(ctx context.Context, userID, sessionID, source string) (int64, error) {
	if userID == "" {
		return 0, apperror.Errorf(apperror.ConstraintViolation, "disconnect", "user_id 不能为空")
	}

	var removed int64
	if sessionID == "" {
		n, err := s.store.DeleteUserPresence(ctx, userID)
		if err != nil {
			return 0, err
		}
		removed = n
	} else {
		existed, err := s.store.DeletePresence(ctx, userID, sessionID)
		if err != nil {
			return 0, err
		}
		if existed {
			removed = 1
		}
	}
	s.markOffline(ctx, userID)
	s.metrics.Disconnect(ctx, source)

	s.logger.Info("断开信号已处理",
		zap.String("userId", userID),
		zap.String("sessionId", sessionID),
		zap.String("source", source),
		zap.Int64("removed", removed))
	return removed, nil
}

// markOffline 用户最后一个会话消失后清除 users.online，失败只记日志
func (s *PresenceService) markOffline(ctx context.Context, userID string) {
	if _, err := s.store.MarkOffline(ctx, []string{userID}, s.now().UTC()); err != nil {
		s.logger.Warn("更新用户离线状态失败", zap.String("userId", userID), zap.Error(err))
	}
}
