package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/model"
)

// PGFeed 通过 LISTEN/NOTIFY 订阅在线表的变更
type PGFeed struct {
	dsn     string
	channel string
	buffer  int
	logger  *zap.Logger
}

// NewPGFeed 创建 PostgreSQL 变更流
func NewPGFeed(dsn, channel string, logger *zap.Logger) *PGFeed {
	return &PGFeed{dsn: dsn, channel: channel, buffer: 256, logger: logger}
}

// Subscribe 建立 LISTEN 连接，出错后退避重连，ctx 结束时关闭通道。
// 只有 DSN 本身无法解析时返回错误，首次连不上交给重连循环处理。
func (f *PGFeed) Subscribe(ctx context.Context) (<-chan model.ChangeEvent, error) {
	if _, err := pgx.ParseConfig(f.dsn); err != nil {
		return nil, err
	}
	conn, err := f.listen(ctx)
	if err != nil {
		f.logger.Warn("变更流首次连接失败，稍后重试", zap.Error(err))
		conn = nil
	}

	out := make(chan model.ChangeEvent, f.buffer)
	go f.run(ctx, conn, out)
	return out, nil
}

func (f *PGFeed) listen(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, f.dsn)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		conn.Close(context.Background())
		return nil, err
	}
	f.logger.Info("变更流已连接", zap.String("channel", f.channel))
	return conn, nil
}

func (f *PGFeed) run(ctx context.Context, conn *pgx.Conn, out chan<- model.ChangeEvent) {
	defer close(out)
	backoff := time.Second

	for {
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			c, err := f.listen(ctx)
			if err != nil {
				f.logger.Warn("变更流重连失败", zap.Duration("backoff", backoff), zap.Error(err))
				if backoff < 30*time.Second {
					backoff *= 2
				}
				continue
			}
			conn, backoff = c, time.Second
		}

		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			conn.Close(context.Background())
			conn = nil
			if ctx.Err() != nil {
				return
			}
			f.logger.Warn("变更流连接中断", zap.Error(err))
			continue
		}

		var evt model.ChangeEvent
		if err := json.Unmarshal([]byte(n.Payload), &evt); err != nil {
			f.logger.Warn("无法解析变更通知", zap.String("payload", n.Payload), zap.Error(err))
			continue
		}

		select {
		case out <- evt:
		case <-ctx.Done():
			conn.Close(context.Background())
			return
		}
	}
}
