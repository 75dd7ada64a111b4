package txmanager

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/BlackcatLL/tyloo/api"
	"github.com/BlackcatLL/tyloo/component"
	"github.com/BlackcatLL/tyloo/log"
)

// TCC 事务管理器 -> 封装成 SDK
// 1. 组成部分:
//  1.1 TransactionManager：状态机驱动器，class -> 提供发起事务、传播分支事务、提交、回滚、参与者挂载、异步二阶段分发能力
//  1.2 TransactionRepository：事务日志存储模块，interface -> 持久化每一次状态变更
//  1.3 registryCenter：可补偿组件注册中心，class -> 按组件 ID 取回 confirm/cancel 执行目标
//  1.4 workerPool：异步二阶段工作池，有界队列，显式拒绝
// 2. 关键约束:
//  2.1 阶段推进遵循先持久化后执行: 状态翻转落盘之后才执行阶段体，
//      进程在两步之间死亡时，恢复任务读取已落盘状态即可重放该阶段
//  2.2 每条调用链持有独立事务栈（见 session.go），栈顶为当前事务
//  2.3 状态翻转一旦落盘，该方向不可撤销，confirm/cancel 不再接受取消

// xidNamespace 由稳定业务键派生 xid 时使用的命名空间
var xidNamespace = uuid.MustParse("ccf76e17-5f7e-4e94-b80a-8f4a86f234a1")

// TransactionManager 事务管理器
type TransactionManager struct {
	ctx            context.Context    // 管理器生命周期 ctx，关闭后异步工作池随之退出
	stop           context.CancelFunc // 停止管理器的控制器
	opts           *Options
	repository     TransactionRepository
	registryCenter *registryCenter
	asyncPool      *workerPool
}

// NewTransactionManager 初始化并返回事务管理器
func NewTransactionManager(repository TransactionRepository, opts ...Option) *TransactionManager {
	ctx, cancel := context.WithCancel(context.Background())
	manager := TransactionManager{
		opts:           &Options{},
		repository:     repository,
		registryCenter: newRegistryCenter(),
		ctx:            ctx,
		stop:           cancel,
	}

	for _, opt := range opts {
		opt(manager.opts)
	}

	repair(manager.opts)

	manager.asyncPool = newWorkerPool(ctx, manager.opts.AsyncWorkerCount, manager.opts.AsyncQueueSize)
	return &manager
}

// Stop 停止事务管理器，异步工作池随生命周期 ctx 退出
func (t *TransactionManager) Stop() {
	t.stop()
}

// Register 注册可补偿组件
func (t *TransactionManager) Register(service component.CompensableService) error {
	return t.registryCenter.register(service)
}

// Repository 返回注入的事务存储，供恢复任务复用同一实例
func (t *TransactionManager) Repository() TransactionRepository {
	return t.repository
}

// Begin 发起根事务
// uniqueIdentity 非空时作为幂等键，由其派生稳定 xid，客户端重试会命中同一笔事务记录；
// 为空则随机铸造。创建记录落盘后压入当前调用链事务栈。存储不可用视为致命错误，由调用方中止本次调用
func (t *TransactionManager) Begin(ctx context.Context, uniqueIdentity string) (*Transaction, error) {
	// 先校验调用链事务栈已装载，避免落盘后压栈失败产生孤儿记录
	if sessionFrom(ctx) == nil {
		return nil, NewSystemError("no transaction session bound to context, call txmanager.Bind first")
	}

	transaction := NewRootTransaction(t.mintXid(uniqueIdentity))
	if err := t.repository.Create(ctx, transaction); err != nil {
		return nil, fmt.Errorf("create root transaction: %w", err)
	}
	if err := t.registerTransaction(ctx, transaction); err != nil {
		return nil, err
	}
	return transaction, nil
}

// PropagationNewBegin 传播发起分支事务
// xid 继承自入站上下文，branchId 采用上下文携带值（缺省时铸造），创建记录并压栈
func (t *TransactionManager) PropagationNewBegin(ctx context.Context, tc api.TransactionContext) (*Transaction, error) {
	if sessionFrom(ctx) == nil {
		return nil, NewSystemError("no transaction session bound to context, call txmanager.Bind first")
	}

	transaction := NewBranchTransaction(tc)
	if err := t.repository.Create(ctx, transaction); err != nil {
		return nil, fmt.Errorf("create branch transaction: %w", err)
	}
	if err := t.registerTransaction(ctx, transaction); err != nil {
		return nil, err
	}
	return transaction, nil
}

// PropagationExistBegin 传播获取已存在的分支事务
// 按 xid 查询记录；命中则将状态置为上下文状态（CONFIRMING / CANCELLING）并压栈；
// 未命中返回 ErrNoExistedTransaction —— 预期内条件，代表该分支此前已完成并删除了记录
func (t *TransactionManager) PropagationExistBegin(ctx context.Context, tc api.TransactionContext) (*Transaction, error) {
	transaction, err := t.repository.FindByXid(ctx, tc.Xid)
	if err != nil {
		return nil, fmt.Errorf("find transaction by xid: %w", err)
	}
	if transaction == nil {
		return nil, ErrNoExistedTransaction
	}
	transaction.ChangeStatus(tc.Status)
	if err := t.registerTransaction(ctx, transaction); err != nil {
		return nil, err
	}
	return transaction, nil
}

// Commit 提交当前事务
// 1. 取栈顶事务，状态翻转为 CONFIRMING 并落盘（先持久化后执行）
// 2. asyncCommit 为真时将阶段体投递进工作池后立即返回，投递被拒绝时包装为 ConfirmingError，
//    事务记录保留，由恢复任务兜底；为假时同步内联执行
func (t *TransactionManager) Commit(ctx context.Context, asyncCommit bool) error {
	transaction := t.CurrentTransaction(ctx)
	if transaction == nil {
		return NewSystemError("no active transaction to commit")
	}

	transaction.ChangeStatus(api.Confirming)
	if err := t.repository.Update(ctx, transaction); err != nil {
		return fmt.Errorf("persist confirming status: %w", err)
	}

	if asyncCommit {
		if err := t.asyncPool.submit(func() {
			if err := t.CommitTransaction(t.ctx, transaction); err != nil {
				log.ErrorContextf(t.ctx, "async confirm failed, recovery job will try to confirm later, xid: %s, err: %v", transaction.Xid, err)
			}
		}); err != nil {
			log.WarnContextf(ctx, "async confirm submit rejected, recovery job will try to confirm later, xid: %s, err: %v", transaction.Xid, err)
			return &ConfirmingError{Err: err}
		}
		return nil
	}

	return t.CommitTransaction(ctx, transaction)
}

// Rollback 回滚当前事务，与 Commit 对称: 状态翻转为 CANCELLING，阶段体调用各参与者的 cancel
func (t *TransactionManager) Rollback(ctx context.Context, asyncRollback bool) error {
	transaction := t.CurrentTransaction(ctx)
	if transaction == nil {
		return NewSystemError("no active transaction to rollback")
	}

	transaction.ChangeStatus(api.Cancelling)
	if err := t.repository.Update(ctx, transaction); err != nil {
		return fmt.Errorf("persist cancelling status: %w", err)
	}

	if asyncRollback {
		if err := t.asyncPool.submit(func() {
			if err := t.RollbackTransaction(t.ctx, transaction); err != nil {
				log.ErrorContextf(t.ctx, "async rollback failed, recovery job will try to rollback later, xid: %s, err: %v", transaction.Xid, err)
			}
		}); err != nil {
			log.WarnContextf(ctx, "async rollback submit rejected, recovery job will try to rollback later, xid: %s, err: %v", transaction.Xid, err)
			return &CancellingError{Err: err}
		}
		return nil
	}

	return t.RollbackTransaction(ctx, transaction)
}

// CommitTransaction 执行 confirm 阶段体
// 按挂载顺序调用每个参与者的 confirm，全部成功后删除事务记录；
// 任一参与者失败时包装为 ConfirmingError，记录保留等待恢复任务重试
func (t *TransactionManager) CommitTransaction(ctx context.Context, transaction *Transaction) error {
	for _, participant := range transaction.Participants {
		service, err := t.registryCenter.getService(participant.ConfirmInvocation.ComponentID)
		if err != nil {
			log.WarnContextf(ctx, "transaction confirm failed, recovery job will try to confirm later, xid: %s, err: %v", transaction.Xid, err)
			return &ConfirmingError{Err: err}
		}
		pctx := api.WithTransactionContext(ctx, participant.Context(api.Confirming))
		if err := service.Confirm(pctx, participant.ConfirmInvocation); err != nil {
			log.WarnContextf(ctx, "transaction confirm failed, recovery job will try to confirm later, xid: %s, component: %s, err: %v",
				transaction.Xid, participant.ConfirmInvocation.ComponentID, err)
			return &ConfirmingError{Err: err}
		}
		participant.Status = api.Confirming
	}

	if err := t.repository.Delete(ctx, transaction); err != nil {
		log.WarnContextf(ctx, "delete confirmed transaction failed, xid: %s, err: %v", transaction.Xid, err)
		return &ConfirmingError{Err: err}
	}
	return nil
}

// RollbackTransaction 执行 cancel 阶段体，与 CommitTransaction 对称
func (t *TransactionManager) RollbackTransaction(ctx context.Context, transaction *Transaction) error {
	for _, participant := range transaction.Participants {
		service, err := t.registryCenter.getService(participant.CancelInvocation.ComponentID)
		if err != nil {
			log.WarnContextf(ctx, "transaction rollback failed, recovery job will try to rollback later, xid: %s, err: %v", transaction.Xid, err)
			return &CancellingError{Err: err}
		}
		pctx := api.WithTransactionContext(ctx, participant.Context(api.Cancelling))
		if err := service.Cancel(pctx, participant.CancelInvocation); err != nil {
			log.WarnContextf(ctx, "transaction rollback failed, recovery job will try to rollback later, xid: %s, component: %s, err: %v",
				transaction.Xid, participant.CancelInvocation.ComponentID, err)
			return &CancellingError{Err: err}
		}
		participant.Status = api.Cancelling
	}

	if err := t.repository.Delete(ctx, transaction); err != nil {
		log.WarnContextf(ctx, "delete cancelled transaction failed, xid: %s, err: %v", transaction.Xid, err)
		return &CancellingError{Err: err}
	}
	return nil
}

// Enlist 基于当前事务构造参与者并挂载
// branchId 铸造新值，由调用方随出站上下文传递给远端分支；挂载即落盘一次更新
func (t *TransactionManager) Enlist(ctx context.Context, confirmInvocation, cancelInvocation *component.Invocation) (*Participant, error) {
	transaction := t.CurrentTransaction(ctx)
	if transaction == nil {
		return nil, NewSystemError("no active transaction to enlist participant")
	}
	participant := NewParticipant(transaction.Xid, uuid.New(), confirmInvocation, cancelInvocation)
	transaction.Enlist(participant)
	if err := t.repository.Update(ctx, transaction); err != nil {
		return nil, fmt.Errorf("persist enlisted participant: %w", err)
	}
	return participant, nil
}

// EnlistParticipant 将已构造好的参与者挂载到当前事务并落盘
func (t *TransactionManager) EnlistParticipant(ctx context.Context, participant *Participant) error {
	transaction := t.CurrentTransaction(ctx)
	if transaction == nil {
		return NewSystemError("no active transaction to enlist participant")
	}
	transaction.Enlist(participant)
	if err := t.repository.Update(ctx, transaction); err != nil {
		return fmt.Errorf("persist enlisted participant: %w", err)
	}
	return nil
}

// CleanAfterCompletion 将事务从当前调用链事务栈移除
// 仅当栈顶等于该事务时出栈；否则属于出入栈不配对的编程错误，返回 SystemError 且栈保持不变
func (t *TransactionManager) CleanAfterCompletion(ctx context.Context, transaction *Transaction) error {
	if transaction == nil || !t.IsTransactionActive(ctx) {
		return nil
	}
	if t.CurrentTransaction(ctx) != transaction {
		return NewSystemError("illegal transaction when clean after completion")
	}
	sessionFrom(ctx).pop()
	return nil
}

// CurrentTransaction 返回当前调用链事务栈的栈顶事务，无活跃事务时返回 nil
func (t *TransactionManager) CurrentTransaction(ctx context.Context) *Transaction {
	stack := sessionFrom(ctx)
	if stack == nil {
		return nil
	}
	return stack.peek()
}

// IsTransactionActive 当前调用链是否处于事务中
func (t *TransactionManager) IsTransactionActive(ctx context.Context) bool {
	return t.CurrentTransaction(ctx) != nil
}

// registerTransaction 将事务压入当前调用链事务栈
func (t *TransactionManager) registerTransaction(ctx context.Context, transaction *Transaction) error {
	stack := sessionFrom(ctx)
	if stack == nil {
		return NewSystemError("no transaction session bound to context, call txmanager.Bind first")
	}
	stack.push(transaction)
	return nil
}

// mintXid 铸造全局事务 id，非空幂等键派生稳定 xid
func (t *TransactionManager) mintXid(uniqueIdentity string) uuid.UUID {
	if uniqueIdentity == "" {
		return uuid.New()
	}
	return uuid.NewSHA1(xidNamespace, []byte(uniqueIdentity))
}
