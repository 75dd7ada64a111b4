package txmanager

import (
	"context"
	"sync"
)

// 异步二阶段工作池
// 1. 作用: 承接 asyncConfirm / asyncCancel 的阶段执行体，与请求处理链路隔离，避免队头阻塞
// 2. 实现: 固定数量 worker goroutine + 有界缓冲 channel
//  2.1 submit 非阻塞投递，队列满时显式拒绝返回 ErrPoolOverflow，
//      由调用方包装为 ConfirmingError/CancellingError 交给恢复任务兜底
//  2.2 worker 监听生命周期 ctx，事务管理器 Stop 后随之退出
type workerPool struct {
	ctx   context.Context
	tasks chan func()
	wg    sync.WaitGroup
}

func newWorkerPool(ctx context.Context, workerCount, queueSize int) *workerPool {
	pool := &workerPool{
		ctx:   ctx,
		tasks: make(chan func(), queueSize),
	}
	for i := 0; i < workerCount; i++ {
		pool.wg.Add(1)
		go pool.work()
	}
	return pool
}

func (p *workerPool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.tasks:
			task()
		}
	}
}

// submit 非阻塞投递任务，队列满时返回 ErrPoolOverflow
func (p *workerPool) submit(task func()) error {
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrPoolOverflow
	}
}

// wait 等待所有 worker 退出，仅在生命周期 ctx 关闭后返回
func (p *workerPool) wait() {
	p.wg.Wait()
}
