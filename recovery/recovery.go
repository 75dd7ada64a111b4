package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BlackcatLL/tyloo/api"
	"github.com/BlackcatLL/tyloo/log"
	"github.com/BlackcatLL/tyloo/txmanager"
)

// 恢复执行器
// 1. 作用: 事务完成状态翻转落盘后、阶段体执行前后任意一点进程死亡，或阶段体执行失败时，
//    存储中会残留处于中间态的事务记录；恢复执行器周期性扫描这些记录，补齐第二阶段，推进事务走向终态（删除）
// 2. 实现方式: for 循环 + select 多路复用 + 分布式锁
//  2.1 select 保证执行器 ctx 关闭后轮询 goroutine 及时退出
//  2.2 推进出错时轮询间隔遵循退避策略翻倍，封顶为初始时长的 8 倍
//  2.3 通过 Locker 互斥，避免多个协调器实例的轮询任务重复推进同一批事务
// 3. 推进策略（按已落盘状态重放，参与者幂等性由组件实现保证）:
//    CONFIRMING      -> 重放 confirm 阶段体
//    CANCELLING      -> 重放 cancel 阶段体
//    TRYING 根事务    -> 超时未决，翻转为 CANCELLING 后取消（覆盖延迟取消场景）
//    TRYING 分支事务  -> 不处理，由其根事务的二阶段投递驱动

// Locker 恢复任务互斥器，分布式部署下要求为分布式锁（store 包提供 redis 实现）
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// NoopLocker 空互斥器，适用于单实例部署
type NoopLocker struct{}

func (NoopLocker) Lock(ctx context.Context) error   { return nil }
func (NoopLocker) Unlock(ctx context.Context) error { return nil }

// Executor 恢复执行器
type Executor struct {
	ctx        context.Context
	stop       context.CancelFunc
	opts       *Options
	manager    *txmanager.TransactionManager
	repository txmanager.RecoverableRepository
	locker     Locker
}

// NewExecutor 构造恢复执行器，locker 为 nil 时退化为空互斥器
func NewExecutor(manager *txmanager.TransactionManager, repository txmanager.RecoverableRepository, locker Locker, opts ...Option) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	if locker == nil {
		locker = NoopLocker{}
	}

	executor := Executor{
		ctx:        ctx,
		stop:       cancel,
		opts:       &Options{},
		manager:    manager,
		repository: repository,
		locker:     locker,
	}

	for _, opt := range opts {
		opt(executor.opts)
	}

	repair(executor.opts)
	return &executor
}

// Start 启动异步轮询任务
func (e *Executor) Start() {
	go e.run()
}

// Stop 停止轮询任务
func (e *Executor) Stop() {
	e.stop()
}

// backOffTick 增加轮询时间间隔，每次翻倍，封顶为初始时长的 8 倍
func (e *Executor) backOffTick(tick time.Duration) time.Duration {
	tick <<= 1
	if threshold := e.opts.MonitorTick << 3; tick > threshold {
		return threshold
	}
	return tick
}

// run 异步轮询流程
func (e *Executor) run() {
	var tick time.Duration
	var err error
	for {
		// 每次循环重新计算 tick: 上一轮出错则按退避策略增大间隔
		if err == nil {
			tick = e.opts.MonitorTick
		} else {
			tick = e.backOffTick(tick)
		}
		select {
		case <-e.ctx.Done():
			return
		case <-time.After(tick):
			err = e.poll()
		}
	}
}

// poll 单次轮询: 抢锁 -> 扫描滞留事务 -> 批量推进 -> 释放锁
func (e *Executor) poll() error {
	// 取锁失败（大概率被其他协调器实例占有）时不触发退避升级
	if err := e.locker.Lock(e.ctx); err != nil {
		return nil
	}
	defer func() {
		_ = e.locker.Unlock(e.ctx)
	}()

	return e.RecoverOnce(e.ctx)
}

// RecoverOnce 执行一轮恢复扫描
// 捞出滞留时长超过 RecoverDuration 的全部事务记录并逐笔推进；导出供调度方或测试显式驱动
func (e *Executor) RecoverOnce(ctx context.Context) error {
	stale, err := e.repository.FindAllUnmodifiedSince(ctx, time.Now().Add(-e.opts.RecoverDuration))
	if err != nil {
		return err
	}
	return e.batchRecover(ctx, stale)
}

// batchRecover 并发推进处于中间态的事务，只返回发生的第一个错误
func (e *Executor) batchRecover(ctx context.Context, transactions []*txmanager.Transaction) error {
	errCh := make(chan error)
	go func() {
		var wg sync.WaitGroup
		for _, transaction := range transactions {
			transaction := transaction
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := e.recover(ctx, transaction); err != nil {
					errCh <- err
				}
			}()
		}
		wg.Wait()
		close(errCh)
	}()

	var firstErr error
	for err := range errCh {
		if firstErr != nil {
			continue
		}
		firstErr = err
	}
	return firstErr
}

// recover 推进单笔事务
func (e *Executor) recover(ctx context.Context, transaction *txmanager.Transaction) error {
	// 超出重试上限的记录隔离处理，只告警不再推进
	if transaction.RetriedCount > e.opts.MaxRetryCount {
		log.ErrorContextf(ctx, "transaction retried too many times, quarantined, xid: %s, status: %s, retried: %d",
			transaction.Xid, transaction.Status, transaction.RetriedCount)
		return nil
	}

	// 先通过乐观更新占住这笔记录并累加重试次数;
	// 版本冲突说明在线链路或其他实例正在推进，本轮直接放过
	transaction.RetriedCount++
	if err := e.repository.Update(ctx, transaction); err != nil {
		if errors.Is(err, txmanager.ErrOptimisticLock) {
			return nil
		}
		return err
	}

	switch transaction.Status {
	case api.Confirming:
		return e.manager.CommitTransaction(ctx, transaction)
	case api.Cancelling:
		return e.manager.RollbackTransaction(ctx, transaction)
	case api.Trying:
		// 分支事务的 TRYING 由其根事务驱动
		if transaction.Type != txmanager.Root {
			return nil
		}
		// 根事务超时未决（含延迟取消场景），翻转为 CANCELLING 后取消
		transaction.ChangeStatus(api.Cancelling)
		if err := e.repository.Update(ctx, transaction); err != nil {
			return err
		}
		return e.manager.RollbackTransaction(ctx, transaction)
	default:
		log.ErrorContextf(ctx, "unexpected transaction status in recovery, xid: %s, status: %d",
			transaction.Xid, uint8(transaction.Status))
		return nil
	}
}
