package recovery

import "time"

// Options 恢复执行器配置项
type Options struct {
	// 轮询监控任务间隔时长
	MonitorTick time.Duration
	// 事务多久未推进才进入恢复范围，须大于正常链路完成一笔事务的时长
	RecoverDuration time.Duration
	// 自动重试次数上限，超出后记录被隔离（只告警不再推进），等待人工介入
	MaxRetryCount int32
}

type Option func(*Options)

// WithMonitorTick 设置轮询任务间隔时长
func WithMonitorTick(tick time.Duration) Option {
	if tick <= 0 {
		tick = 10 * time.Second
	}

	return func(o *Options) {
		o.MonitorTick = tick
	}
}

// WithRecoverDuration 设置事务进入恢复范围的滞留时长
func WithRecoverDuration(duration time.Duration) Option {
	if duration <= 0 {
		duration = 30 * time.Second
	}

	return func(o *Options) {
		o.RecoverDuration = duration
	}
}

// WithMaxRetryCount 设置自动重试次数上限
func WithMaxRetryCount(count int32) Option {
	if count <= 0 {
		count = 30
	}

	return func(o *Options) {
		o.MaxRetryCount = count
	}
}

// repair 未设置的配置项填入默认值
func repair(o *Options) {
	if o.MonitorTick <= 0 {
		o.MonitorTick = 10 * time.Second
	}

	if o.RecoverDuration <= 0 {
		o.RecoverDuration = 30 * time.Second
	}

	if o.MaxRetryCount <= 0 {
		o.MaxRetryCount = 30
	}
}
