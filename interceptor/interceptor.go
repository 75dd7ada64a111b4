package interceptor

import (
	"context"
	"errors"

	"github.com/BlackcatLL/tyloo/api"
	"github.com/BlackcatLL/tyloo/log"
	"github.com/BlackcatLL/tyloo/txmanager"
)

// 可补偿方法拦截器
// 1. 每次被拦截调用先构造方法上下文并计算角色:
//    ROOT     -> rootMethodProceed      发起根事务，Try 成功则 commit，失败则按延迟取消集决定立即回滚或留给恢复任务
//    PROVIDER -> providerMethodProceed  按入站上下文状态挂接分支事务
//    NORMAL   -> 直接执行，业务方法运行在既有事务内
// 2. 无论哪个分支，结束时都要 CleanAfterCompletion 将事务弹出调用链事务栈

// CompensableInterceptor 可补偿事务拦截器
type CompensableInterceptor struct {
	manager *txmanager.TransactionManager
	// 拦截器级延迟取消错误集，与每个可补偿声明上的集合取并集后参与匹配
	delayCancelErrors []error
}

// NewCompensableInterceptor 构造拦截器
func NewCompensableInterceptor(manager *txmanager.TransactionManager, delayCancelErrors ...error) *CompensableInterceptor {
	return &CompensableInterceptor{
		manager:           manager,
		delayCancelErrors: delayCancelErrors,
	}
}

// Intercept 拦截可补偿方法
func (i *CompensableInterceptor) Intercept(ctx context.Context, mc *MethodContext) (interface{}, error) {
	// 链路入口装载调用链事务栈，嵌套调用时复用既有栈
	ctx = txmanager.Bind(ctx)

	isTransactionActive := i.manager.IsTransactionActive(ctx)
	tc, hasTransactionContext := mc.TransactionContext(ctx)

	if !isLegalTransactionContext(isTransactionActive, hasTransactionContext, mc.Compensable().Propagation) {
		return nil, txmanager.NewSystemError("no active transaction while propagation is mandatory")
	}

	switch mc.Compensable().methodRole(isTransactionActive, hasTransactionContext) {
	case RoleRoot:
		return i.rootMethodProceed(ctx, mc)
	case RoleProvider:
		return i.providerMethodProceed(ctx, mc, tc)
	default:
		return mc.Proceed(ctx)
	}
}

// rootMethodProceed 根事务方法的处理
func (i *CompensableInterceptor) rootMethodProceed(ctx context.Context, mc *MethodContext) (ret interface{}, err error) {
	compensable := mc.Compensable()

	// 延迟取消错误集 = 拦截器级集合 ∪ 声明级集合
	delayCancelErrors := make([]error, 0, len(i.delayCancelErrors)+len(compensable.DelayCancelErrors))
	delayCancelErrors = append(delayCancelErrors, i.delayCancelErrors...)
	delayCancelErrors = append(delayCancelErrors, compensable.DelayCancelErrors...)

	transaction, err := i.manager.Begin(ctx, mc.UniqueIdentity())
	if err != nil {
		return nil, err
	}
	defer func() {
		if cleanErr := i.manager.CleanAfterCompletion(ctx, transaction); cleanErr != nil && err == nil {
			err = cleanErr
		}
	}()

	// Try 执行业务方法体
	ret, err = mc.Proceed(ctx)
	if err != nil {
		// 命中延迟取消集: 不回滚原样上抛，事务保留 TRYING 状态，由恢复任务超时后取消;
		// 未命中: 立即回滚后上抛
		if !isDelayCancelError(err, delayCancelErrors) {
			log.WarnContextf(ctx, "transaction trying failed, xid: %s, err: %v", transaction.Xid, err)
			if rollbackErr := i.manager.Rollback(ctx, compensable.AsyncCancel); rollbackErr != nil {
				log.ErrorContextf(ctx, "rollback after trying failure failed, xid: %s, err: %v", transaction.Xid, rollbackErr)
			}
		}
		return nil, err
	}

	// Try 正常返回后提交
	if commitErr := i.manager.Commit(ctx, compensable.AsyncConfirm); commitErr != nil {
		return nil, commitErr
	}
	return ret, nil
}

// providerMethodProceed 服务提供方事务方法的处理
// 根据入站上下文状态分派: TRYING 创建分支并执行业务体；CONFIRMING / CANCELLING 挂接既有分支驱动对应阶段，
// 分支记录已删除（重复投递）时静默忽略并返回声明返回类型的零值
func (i *CompensableInterceptor) providerMethodProceed(ctx context.Context, mc *MethodContext, tc api.TransactionContext) (ret interface{}, err error) {
	compensable := mc.Compensable()

	cleanup := func(transaction *txmanager.Transaction) {
		if cleanErr := i.manager.CleanAfterCompletion(ctx, transaction); cleanErr != nil && err == nil {
			err = cleanErr
		}
	}

	switch tc.Status {
	case api.Trying:
		transaction, beginErr := i.manager.PropagationNewBegin(ctx, tc)
		if beginErr != nil {
			return nil, beginErr
		}
		defer cleanup(transaction)
		ret, err = mc.Proceed(ctx)
		return ret, err

	case api.Confirming:
		transaction, beginErr := i.manager.PropagationExistBegin(ctx, tc)
		if beginErr != nil {
			if errors.Is(beginErr, txmanager.ErrNoExistedTransaction) {
				// 该分支已提交完成，忽略本次重复投递
				return mc.DefaultReturn(), nil
			}
			return nil, beginErr
		}
		defer cleanup(transaction)
		if commitErr := i.manager.Commit(ctx, compensable.AsyncConfirm); commitErr != nil {
			return nil, commitErr
		}
		return mc.DefaultReturn(), nil

	case api.Cancelling:
		transaction, beginErr := i.manager.PropagationExistBegin(ctx, tc)
		if beginErr != nil {
			if errors.Is(beginErr, txmanager.ErrNoExistedTransaction) {
				// 该分支已回滚完成，忽略本次重复投递
				return mc.DefaultReturn(), nil
			}
			return nil, beginErr
		}
		defer cleanup(transaction)
		if rollbackErr := i.manager.Rollback(ctx, compensable.AsyncCancel); rollbackErr != nil {
			return nil, rollbackErr
		}
		return mc.DefaultReturn(), nil

	default:
		return nil, txmanager.NewSystemError("invalid inbound transaction status: %d", uint8(tc.Status))
	}
}

// isLegalTransactionContext MANDATORY 传播要求存在活跃事务或入站上下文
func isLegalTransactionContext(isTransactionActive, hasTransactionContext bool, propagation Propagation) bool {
	if propagation == Mandatory && !isTransactionActive && !hasTransactionContext {
		return false
	}
	return true
}

// isDelayCancelError 判断业务错误是否命中延迟取消集
// 错误本身或其根因（最深层 Unwrap）命中集合中任一目标即视为匹配
func isDelayCancelError(err error, delayCancelErrors []error) bool {
	root := rootCause(err)
	for _, target := range delayCancelErrors {
		if errors.Is(err, target) || errors.Is(root, target) {
			return true
		}
	}
	return false
}

// rootCause 沿 Unwrap 链取最深层错误
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
