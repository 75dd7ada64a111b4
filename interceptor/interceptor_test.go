package interceptor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/BlackcatLL/tyloo/api"
	"github.com/BlackcatLL/tyloo/component"
	"github.com/BlackcatLL/tyloo/recovery"
	"github.com/BlackcatLL/tyloo/store"
	"github.com/BlackcatLL/tyloo/txmanager"
)

type recordService struct {
	id        string
	mu        sync.Mutex
	confirmed []*component.Invocation
	cancelled []*component.Invocation
}

func (s *recordService) ID() string {
	return s.id
}

func (s *recordService) Confirm(ctx context.Context, invocation *component.Invocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed = append(s.confirmed, invocation)
	return nil
}

func (s *recordService) Cancel(ctx context.Context, invocation *component.Invocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, invocation)
	return nil
}

func (s *recordService) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.confirmed), len(s.cancelled)
}

type fixture struct {
	manager     *txmanager.TransactionManager
	repo        *store.MemoryRepository
	service     *recordService
	interceptor *CompensableInterceptor
}

func setup(t *testing.T, delayCancelErrors ...error) *fixture {
	t.Helper()
	repo := store.NewMemoryRepository()
	manager := txmanager.NewTransactionManager(repo)
	t.Cleanup(manager.Stop)

	service := &recordService{id: "account"}
	require.NoError(t, manager.Register(service))

	return &fixture{
		manager:     manager,
		repo:        repo,
		service:     service,
		interceptor: NewCompensableInterceptor(manager, delayCancelErrors...),
	}
}

func (f *fixture) transferBody(t *testing.T) BusinessFunc {
	return func(ctx context.Context) (interface{}, error) {
		args := map[string]interface{}{"from": 1, "to": 2, "amount": 50}
		_, err := f.manager.Enlist(ctx,
			component.NewInvocation("account", "confirmTransfer", args),
			component.NewInvocation("account", "cancelTransfer", args))
		require.NoError(t, err)
		return "transferred", nil
	}
}

var transferCompensable = Compensable{
	ConfirmMethod: "confirmTransfer",
	CancelMethod:  "cancelTransfer",
	Propagation:   Required,
}

// 正常根事务: try 成功 -> confirm 每个参与者一次 -> 记录删除
func TestRootHappyPath(t *testing.T) {
	f := setup(t)

	mc := NewMethodContext(transferCompensable, f.transferBody(t))
	ret, err := f.interceptor.Intercept(context.Background(), mc)
	require.NoError(t, err)
	require.Equal(t, "transferred", ret)

	confirmed, cancelled := f.service.counts()
	require.Equal(t, 1, confirmed)
	require.Equal(t, 0, cancelled)

	stale, err := f.repo.FindAllUnmodifiedSince(context.Background(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Empty(t, stale)
}

// 根事务 try 失败（非延迟取消错误）: 立即回滚后原样上抛
func TestRootFailureImmediateCancel(t *testing.T) {
	f := setup(t)
	bizErr := errors.New("insufficient balance")

	mc := NewMethodContext(transferCompensable, func(ctx context.Context) (interface{}, error) {
		args := map[string]interface{}{"from": 1, "to": 2, "amount": 50}
		_, err := f.manager.Enlist(ctx,
			component.NewInvocation("account", "confirmTransfer", args),
			component.NewInvocation("account", "cancelTransfer", args))
		require.NoError(t, err)
		return nil, bizErr
	})

	_, err := f.interceptor.Intercept(context.Background(), mc)
	require.ErrorIs(t, err, bizErr)

	confirmed, cancelled := f.service.counts()
	require.Equal(t, 0, confirmed)
	require.Equal(t, 1, cancelled)

	stale, err := f.repo.FindAllUnmodifiedSince(context.Background(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Empty(t, stale)
}

// 延迟取消: 命中延迟取消集的错误不触发回滚，记录保留 TRYING，后续恢复轮次驱动取消
func TestDelayCancelDefersToRecovery(t *testing.T) {
	f := setup(t)

	compensable := transferCompensable
	compensable.DelayCancelErrors = []error{txmanager.ErrOptimisticLock}

	var xid uuid.UUID
	mc := NewMethodContext(compensable, func(ctx context.Context) (interface{}, error) {
		xid = f.manager.CurrentTransaction(ctx).Xid
		args := map[string]interface{}{"from": 1, "to": 2, "amount": 50}
		_, err := f.manager.Enlist(ctx,
			component.NewInvocation("account", "confirmTransfer", args),
			component.NewInvocation("account", "cancelTransfer", args))
		require.NoError(t, err)
		// 包装后的错误同样要按错误链匹配
		return nil, fmt.Errorf("update balance: %w", txmanager.ErrOptimisticLock)
	})

	_, err := f.interceptor.Intercept(context.Background(), mc)
	require.ErrorIs(t, err, txmanager.ErrOptimisticLock)

	confirmed, cancelled := f.service.counts()
	require.Equal(t, 0, confirmed)
	require.Equal(t, 0, cancelled)

	// 记录保留 TRYING 状态
	found, err := f.repo.FindByXid(context.Background(), xid)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, api.Trying, found.Status)

	// 模拟恢复轮次: 超过滞留阈值的 TRYING 根事务被取消
	executor := recovery.NewExecutor(f.manager, f.repo, nil,
		recovery.WithRecoverDuration(time.Millisecond))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, executor.RecoverOnce(context.Background()))

	_, cancelled = f.service.counts()
	require.Equal(t, 1, cancelled)
	found, err = f.repo.FindByXid(context.Background(), xid)
	require.NoError(t, err)
	require.Nil(t, found)
}

// 拦截器级延迟取消集与声明级集合取并集
func TestDelayCancelUnionWithInterceptorSet(t *testing.T) {
	globalErr := errors.New("retryable downstream error")
	f := setup(t, globalErr)

	mc := NewMethodContext(transferCompensable, func(ctx context.Context) (interface{}, error) {
		return nil, globalErr
	})

	_, err := f.interceptor.Intercept(context.Background(), mc)
	require.ErrorIs(t, err, globalErr)

	_, cancelled := f.service.counts()
	require.Equal(t, 0, cancelled)
}

// 提供方 TRYING: 创建分支事务并执行业务体
func TestProviderTrying(t *testing.T) {
	f := setup(t)
	xid, branchID := uuid.New(), uuid.New()

	ctx := api.WithTransactionContext(context.Background(),
		api.NewTransactionContext(xid, branchID, api.Trying))

	mc := NewMethodContext(transferCompensable, f.transferBody(t))
	ret, err := f.interceptor.Intercept(ctx, mc)
	require.NoError(t, err)
	require.Equal(t, "transferred", ret)

	found, err := f.repo.FindByXid(context.Background(), xid)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, txmanager.Branch, found.Type)
	require.Equal(t, branchID, found.BranchID)
	require.Equal(t, api.Trying, found.Status)
	require.Len(t, found.Participants, 1)
}

// 提供方 CONFIRMING，记录存在: 挂接既有分支并提交，返回声明返回类型的零值
func TestProviderConfirming(t *testing.T) {
	f := setup(t)
	xid, branchID := uuid.New(), uuid.New()

	tryCtx := api.WithTransactionContext(context.Background(),
		api.NewTransactionContext(xid, branchID, api.Trying))
	_, err := f.interceptor.Intercept(tryCtx, NewMethodContext(transferCompensable, f.transferBody(t)))
	require.NoError(t, err)

	confirmCtx := api.WithTransactionContext(context.Background(),
		api.NewTransactionContext(xid, branchID, api.Confirming))
	mc := NewMethodContext(transferCompensable, f.transferBody(t), WithDefaultReturn(0))
	ret, err := f.interceptor.Intercept(confirmCtx, mc)
	require.NoError(t, err)
	require.Equal(t, 0, ret)

	confirmed, cancelled := f.service.counts()
	require.Equal(t, 1, confirmed)
	require.Equal(t, 0, cancelled)

	found, err := f.repo.FindByXid(context.Background(), xid)
	require.NoError(t, err)
	require.Nil(t, found)
}

// 提供方 CONFIRMING，记录已删除（重复投递）: 静默忽略，不触发任何参与者调用
func TestProviderConfirmingAbsentRecord(t *testing.T) {
	f := setup(t)

	ctx := api.WithTransactionContext(context.Background(),
		api.NewTransactionContext(uuid.New(), uuid.New(), api.Confirming))
	mc := NewMethodContext(transferCompensable, f.transferBody(t), WithDefaultReturn(0))

	ret, err := f.interceptor.Intercept(ctx, mc)
	require.NoError(t, err)
	require.Equal(t, 0, ret)

	confirmed, cancelled := f.service.counts()
	require.Equal(t, 0, confirmed)
	require.Equal(t, 0, cancelled)
}

// 提供方 CANCELLING: 挂接既有分支并回滚
func TestProviderCancelling(t *testing.T) {
	f := setup(t)
	xid, branchID := uuid.New(), uuid.New()

	tryCtx := api.WithTransactionContext(context.Background(),
		api.NewTransactionContext(xid, branchID, api.Trying))
	_, err := f.interceptor.Intercept(tryCtx, NewMethodContext(transferCompensable, f.transferBody(t)))
	require.NoError(t, err)

	cancelCtx := api.WithTransactionContext(context.Background(),
		api.NewTransactionContext(xid, branchID, api.Cancelling))
	ret, err := f.interceptor.Intercept(cancelCtx,
		NewMethodContext(transferCompensable, f.transferBody(t), WithDefaultReturn(0)))
	require.NoError(t, err)
	require.Equal(t, 0, ret)

	confirmed, cancelled := f.service.counts()
	require.Equal(t, 0, confirmed)
	require.Equal(t, 1, cancelled)

	found, err := f.repo.FindByXid(context.Background(), xid)
	require.NoError(t, err)
	require.Nil(t, found)
}

// MANDATORY 传播且无活跃事务无入站上下文: SystemError
func TestMandatoryWithoutTransaction(t *testing.T) {
	f := setup(t)

	compensable := transferCompensable
	compensable.Propagation = Mandatory
	mc := NewMethodContext(compensable, func(ctx context.Context) (interface{}, error) {
		t.Fatal("business body must not run")
		return nil, nil
	})

	_, err := f.interceptor.Intercept(context.Background(), mc)
	var sysErr *txmanager.SystemError
	require.ErrorAs(t, err, &sysErr)
}

// 嵌套可补偿调用: 内层 REQUIRED 在既有事务内直接执行（NORMAL 角色），参与者挂到同一笔事务
func TestNestedCompensableRunsAsNormal(t *testing.T) {
	f := setup(t)

	inner := NewMethodContext(transferCompensable, f.transferBody(t))
	outer := NewMethodContext(transferCompensable, func(ctx context.Context) (interface{}, error) {
		root := f.manager.CurrentTransaction(ctx)
		if _, err := f.interceptor.Intercept(ctx, inner); err != nil {
			return nil, err
		}
		// 内层未另起事务
		require.Equal(t, root, f.manager.CurrentTransaction(ctx))
		require.Len(t, root.Participants, 1)
		return "nested", nil
	})

	ret, err := f.interceptor.Intercept(context.Background(), outer)
	require.NoError(t, err)
	require.Equal(t, "nested", ret)

	confirmed, _ := f.service.counts()
	require.Equal(t, 1, confirmed)
}

// 幂等键由注解指定的业务参数解析，客户端重试派生相同 xid
func TestUniqueIdentityFromArgs(t *testing.T) {
	f := setup(t)

	compensable := transferCompensable
	body := func(ctx context.Context) (interface{}, error) {
		// 留在 TRYING: 用延迟取消错误挡住回滚，保住记录以便重试命中
		return nil, fmt.Errorf("pause: %w", txmanager.ErrOptimisticLock)
	}
	compensable.DelayCancelErrors = []error{txmanager.ErrOptimisticLock}

	args := map[string]interface{}{"order_id": 1001, "amount": 50}
	mc := NewMethodContext(compensable, body, WithArgs(args), WithIdentityArg("order_id"))
	_, err := f.interceptor.Intercept(context.Background(), mc)
	require.ErrorIs(t, err, txmanager.ErrOptimisticLock)

	// 重试: 相同幂等键命中既有记录
	retry := NewMethodContext(compensable, body, WithArgs(args), WithIdentityArg("order_id"))
	_, err = f.interceptor.Intercept(context.Background(), retry)
	require.ErrorIs(t, err, txmanager.ErrDuplicateXid)
}

func TestMethodRoleTable(t *testing.T) {
	cases := []struct {
		propagation Propagation
		active      bool
		hasCtx      bool
		want        MethodRole
	}{
		{Required, false, false, RoleRoot},
		{Required, false, true, RoleProvider},
		{Required, true, false, RoleNormal},
		{Required, true, true, RoleNormal},
		{RequiresNew, false, false, RoleRoot},
		{RequiresNew, true, true, RoleRoot},
		{Mandatory, false, true, RoleProvider},
		{Mandatory, true, false, RoleNormal},
		{Mandatory, true, true, RoleNormal},
	}
	for _, tc := range cases {
		c := Compensable{Propagation: tc.propagation}
		require.Equal(t, tc.want, c.methodRole(tc.active, tc.hasCtx),
			"propagation=%s active=%v hasCtx=%v", tc.propagation, tc.active, tc.hasCtx)
	}
}
