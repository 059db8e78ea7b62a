package bus

import (
	"context"
	"time"
)

// Backoff 描述一次有界指数退避重试:初始间隔、倍率、上限与最大尝试次数。
type Backoff struct {
	Initial     time.Duration
	Multiplier  float64
	Cap         time.Duration
	MaxAttempts int
}

// StartupBackoff 用于进程启动时等待 broker 就绪;耗尽后视为致命错误。
var StartupBackoff = Backoff{
	Initial:     500 * time.Millisecond,
	Multiplier:  2,
	Cap:         10 * time.Second,
	MaxAttempts: 8,
}

// PublishBackoff 用于稳态发布重试;耗尽后作为瞬态错误上报调用方。
var PublishBackoff = Backoff{
	Initial:     200 * time.Millisecond,
	Multiplier:  2,
	Cap:         2 * time.Second,
	MaxAttempts: 3,
}

// Supervise 监督一个长寿命任务:失败按 Do 的预算退避重建。
// 预算耗尽时,若最后一次运行已健康存活超过 Cap,则视为新一轮
// 故障并重置预算;只有连续的快速失败才会耗尽预算并返回错误。
func (b Backoff) Supervise(ctx context.Context, op func() error) error {
	for {
		var started time.Time
		err := b.Do(ctx, func() error {
			started = time.Now()
			return op()
		})
		if err == nil || ctx.Err() != nil {
			return err
		}
		if time.Since(started) <= b.Cap {
			return err
		}
	}
}

// Do 按退避参数反复执行 op,直到成功、尝试耗尽或 ctx 取消。
func (b Backoff) Do(ctx context.Context, op func() error) error {
	delay := b.Initial
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt >= b.MaxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * b.Multiplier)
		if delay > b.Cap {
			delay = b.Cap
		}
	}
}
