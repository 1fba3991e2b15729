package presenceclient

import (
	"context"

	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/model"
)

// Transport 断开信号的一种投递方式
type Transport interface {
	Name() string
	Send(ctx context.Context, req model.DisconnectRequest) error
}

// Signaler 断开信号器。
// 所有投递都是尽力而为，清理任务才是最终兜底。
type Signaler struct {
	transports []Transport
	logger     *zap.Logger
}

// NewSignaler 按优先级顺序传入投递方式：同步、beacon、异步
func NewSignaler(logger *zap.Logger, transports ...Transport) *Signaler {
	return &Signaler{transports: transports, logger: logger}
}

// Teardown 标签页关闭时依次尝试各投递方式，返回第一个接受请求的名称，全部失败返回空串
func (s *Signaler) Teardown(ctx context.Context, req model.DisconnectRequest) string {
	for _, t := range s.transports {
		if err := t.Send(ctx, req); err != nil {
			s.logger.Warn("断开信号投递失败，尝试下一种方式",
				zap.String("transport", t.Name()),
				zap.String("userId", req.UserID),
				zap.Error(err))
			continue
		}
		s.logger.Info("断开信号已投递",
			zap.String("transport", t.Name()),
			zap.String("userId", req.UserID),
			zap.String("sessionId", req.SessionID))
		return t.Name()
	}
	s.logger.Warn("所有断开信号投递方式均失败，等待清理任务回收", zap.String("userId", req.UserID))
	return ""
}

// VisibilityLost 标签页仅失去可见性：只刷新存活状态，不标记离线
func (s *Signaler) VisibilityLost(ctx context.Context, refresh func(context.Context)) {
	s.logger.Debug("标签页不可见，刷新存活状态")
	refresh(ctx)
}
