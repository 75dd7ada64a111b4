package txmanager

// Options TransactionManager 的配置项，保存异步工作池相关的配置信息
type Options struct {
	// 异步二阶段工作池 worker 数量
	AsyncWorkerCount int
	// 异步二阶段工作池队列容量，队列容量限制了可堆积的异步阶段任务数量
	AsyncQueueSize int
}

type Option func(*Options)

// WithAsyncWorkerCount 设置异步工作池 worker 数量
func WithAsyncWorkerCount(count int) Option {
	if count <= 0 {
		count = 4
	}

	return func(o *Options) {
		o.AsyncWorkerCount = count
	}
}

// WithAsyncQueueSize 设置异步工作池队列容量
func WithAsyncQueueSize(size int) Option {
	if size <= 0 {
		size = 64
	}

	return func(o *Options) {
		o.AsyncQueueSize = size
	}
}

// repair 未设置的配置项填入默认值
func repair(o *Options) {
	if o.AsyncWorkerCount <= 0 {
		o.AsyncWorkerCount = 4
	}

	if o.AsyncQueueSize <= 0 {
		o.AsyncQueueSize = 64
	}
}
