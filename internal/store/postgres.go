package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/anonchat/presence-go/internal/apperror"
	"github.com/anonchat/presence-go/internal/model"
)

// allowedUserSQL 账号允许在线的条件，u 为 users 别名
const allowedUserSQL = `(u.status = 'active' OR (u.status = 'banned' AND u.ban_expires_at IS NOT NULL AND u.ban_expires_at <= ?))`

// PostgresStore 基于 gorm 的关系型存储
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore 创建 PostgreSQL 存储
func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) UpsertPresence(ctx context.Context, rec model.PresenceRecord) (model.PresenceRecord, error) {
	rec.Online = true
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 确保 users 行存在，不覆盖已有的管理状态
		user := model.UserStatus{ID: rec.UserID, Status: model.StatusActive, UpdatedAt: rec.LastHeartbeat}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&user).Error; err != nil {
			return classify("ensure user", err)
		}

		// 共享锁与管理操作的行锁互斥
		if err := tx.Clauses(clause.Locking{Strength: "SHARE"}).
			First(&user, "id = ?", rec.UserID).Error; err != nil {
			return classify("load user", err)
		}
		if !user.AllowsPresence(rec.LastHeartbeat) {
			return apperror.ErrUserRestricted
		}

		upsert := clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"online", "last_heartbeat", "nickname", "gender", "age", "country", "role", "avatar",
			}),
		}
		if err := tx.Clauses(upsert, clause.Returning{}).Create(&rec).Error; err != nil {
			return classify("upsert presence", err)
		}

		return classify("mark user online", tx.Model(&model.UserStatus{}).
			Where("id = ?", rec.UserID).
			Updates(map[string]interface{}{
				"online":     true,
				"last_seen":  rec.LastHeartbeat,
				"updated_at": rec.LastHeartbeat,
			}).Error)
	})
	if err != nil {
		return model.PresenceRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) RefreshHeartbeat(ctx context.Context, userID, sessionID string, at time.Time) error {
	// 单条条件更新：被踢/封禁后的心跳在写入边界被拒绝
	res := s.db.WithContext(ctx).Exec(`
		UPDATE presence SET last_heartbeat = ?, online = true
		WHERE user_id = ? AND session_id = ?
		  AND NOT EXISTS (
		    SELECT 1 FROM users u WHERE u.id = presence.user_id AND NOT `+allowedUserSQL+`
		  )`,
		at, userID, sessionID, at)
	if res.Error != nil {
		return classify("heartbeat refresh", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	user, err := s.GetUserStatus(ctx, userID)
	if err == nil && !user.AllowsPresence(at) {
		return apperror.ErrUserRestricted
	}
	return apperror.ErrPresenceNotFound
}

func (s *PostgresStore) DeletePresence(ctx context.Context, userID, sessionID string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Delete(&model.PresenceRecord{})
	if res.Error != nil {
		return false, classify("delete presence", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *PostgresStore) DeleteUserPresence(ctx context.Context, userID string) (int64, error) {
	res := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&model.PresenceRecord{})
	if res.Error != nil {
		return 0, classify("delete user presence", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *PostgresStore) DeleteStale(ctx context.Context, cutoff time.Time) ([]model.PresenceRecord, error) {
	var removed []model.PresenceRecord
	err := s.db.WithContext(ctx).
		Clauses(clause.Returning{}).
		Where("online = ? AND last_heartbeat < ?", true, cutoff).
		Delete(&removed).Error
	if err != nil {
		return nil, classify("cleanup stale presence", err)
	}
	return removed, nil
}

func (s *PostgresStore) DeleteAllPresence(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&model.PresenceRecord{})
	if res.Error != nil {
		return 0, classify("clear all presence", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *PostgresStore) ListPresence(ctx context.Context, now time.Time) ([]model.PresenceRecord, error) {
	var recs []model.PresenceRecord
	err := s.db.WithContext(ctx).
		Table("presence AS p").
		Select("p.*").
		Joins("LEFT JOIN users u ON u.id = p.user_id").
		Where("u.id IS NULL OR "+allowedUserSQL, now).
		Order("p.joined_at, p.user_id, p.session_id").
		Scan(&recs).Error
	if err != nil {
		return nil, classify("list presence", err)
	}
	return recs, nil
}

func (s *PostgresStore) ListUserPresence(ctx context.Context, userID string) ([]model.PresenceRecord, error) {
	var recs []model.PresenceRecord
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("joined_at, session_id").Find(&recs).Error
	if err != nil {
		return nil, classify("list user presence", err)
	}
	return recs, nil
}

func (s *PostgresStore) GetUserStatus(ctx context.Context, userID string) (model.UserStatus, error) {
	var user model.UserStatus
	err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.UserStatus{}, apperror.ErrUserNotFound
	}
	if err != nil {
		return model.UserStatus{}, classify("get user status", err)
	}
	return user, nil
}

func (s *PostgresStore) SaveUserStatus(ctx context.Context, status model.UserStatus) error {
	if status.ID == "" {
		return apperror.ErrInvalidArgument
	}
	status.UpdatedAt = time.Now()
	upsert := clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "kicked_at", "kick_reason", "ban_expires_at", "ban_reason", "updated_at",
		}),
	}
	return classify("save user status", s.db.WithContext(ctx).Clauses(upsert).Create(&status).Error)
}

func (s *PostgresStore) MarkOffline(ctx context.Context, userIDs []string, at time.Time) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Exec(`
		UPDATE users SET online = false, last_seen = ?, updated_at = ?
		WHERE id IN ? AND online = true
		  AND NOT EXISTS (SELECT 1 FROM presence p WHERE p.user_id = users.id)`,
		at, at, userIDs)
	if res.Error != nil {
		return 0, classify("mark offline", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *PostgresStore) MarkAllOffline(ctx context.Context, at time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.UserStatus{}).
		Where("online = ?", true).
		Updates(map[string]interface{}{"online": false, "last_seen": at, "updated_at": at})
	if res.Error != nil {
		return 0, classify("mark all offline", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry model.AuditEntry) error {
	return classify("append audit", s.db.WithContext(ctx).Create(&entry).Error)
}

func (s *PostgresStore) Stats(ctx context.Context, now time.Time, threshold time.Duration) (model.DebugStats, error) {
	cutoff := now.Add(-threshold)
	var row struct {
		TotalRecords    int64
		FreshRecords    int64
		DistinctUsers   int64
		OnlineUsers     int64
		OldestHeartbeat *time.Time
	}
	err := s.db.WithContext(ctx).Raw(`
		SELECT
		  COUNT(*) AS total_records,
		  COUNT(*) FILTER (WHERE online AND last_heartbeat >= ?) AS fresh_records,
		  COUNT(DISTINCT user_id) AS distinct_users,
		  COUNT(DISTINCT user_id) FILTER (WHERE online AND last_heartbeat >= ?) AS online_users,
		  MIN(last_heartbeat) AS oldest_heartbeat
		FROM presence`, cutoff, cutoff).Scan(&row).Error
	if err != nil {
		return model.DebugStats{}, classify("presence debug stats", err)
	}
	return model.DebugStats{
		TotalRecords:    row.TotalRecords,
		FreshRecords:    row.FreshRecords,
		StaleRecords:    row.TotalRecords - row.FreshRecords,
		DistinctUsers:   row.DistinctUsers,
		OnlineUsers:     row.OnlineUsers,
		OldestHeartbeat: row.OldestHeartbeat,
		Threshold:       threshold.String(),
		GeneratedAt:     now,
	}, nil
}

// classify 将数据库错误映射到错误分类
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperror.New(apperror.NotFound, op, err)
	case errors.Is(err, gorm.ErrDuplicatedKey), errors.Is(err, gorm.ErrInvalidData),
		errors.Is(err, gorm.ErrInvalidValue):
		return apperror.New(apperror.ConstraintViolation, op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apperror.New(apperror.TransientNetwork, op, err)
	default:
		return apperror.New(apperror.Unknown, op, fmt.Errorf("数据库错误: %w", err))
	}
}
