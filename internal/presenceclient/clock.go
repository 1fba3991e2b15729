package presenceclient

import "time"

// clock 事件循环使用的时间源
type clock interface {
	NewTimer(d time.Duration) clockTimer
	NewTicker(d time.Duration) clockTimer
}

// clockTimer 一次性计时器与周期触发器的公共操作
type clockTimer interface {
	Chan() <-chan time.Time
	Reset(d time.Duration)
	Stop()
}

type realClock struct{}

func (realClock) NewTimer(d time.Duration) clockTimer  { return realTimer{time.NewTimer(d)} }
func (realClock) NewTicker(d time.Duration) clockTimer { return realTicker{time.NewTicker(d)} }

type realTimer struct{ t *time.Timer }

func (r realTimer) Chan() <-chan time.Time { return r.t.C }
func (r realTimer) Stop()                  { r.t.Stop() }

// Reset 先排空未读取的触发值，重置后不会立即再触发
func (r realTimer) Reset(d time.Duration) {
	if !r.t.Stop() {
		select {
		case <-r.t.C:
		default:
		}
	}
	r.t.Reset(d)
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) Chan() <-chan time.Time { return r.t.C }
func (r realTicker) Reset(d time.Duration)  { r.t.Reset(d) }
func (r realTicker) Stop()                  { r.t.Stop() }
