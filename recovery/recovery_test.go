package recovery_test

import (
	"context"
	"errors"
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

type flakyService struct {
	id         string
	mu         sync.Mutex
	confirmErr error
	confirms   int
	cancels    int
}

func (s *flakyService) ID() string {
	return s.id
}

func (s *flakyService) Confirm(ctx context.Context, invocation *component.Invocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.confirmErr != nil {
		return s.confirmErr
	}
	s.confirms++
	return nil
}

func (s *flakyService) Cancel(ctx context.Context, invocation *component.Invocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
	return nil
}

func (s *flakyService) setConfirmErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmErr = err
}

func (s *flakyService) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirms, s.cancels
}

func setup(t *testing.T) (*txmanager.TransactionManager, *store.MemoryRepository, *flakyService) {
	t.Helper()
	repo := store.NewMemoryRepository()
	manager := txmanager.NewTransactionManager(repo)
	t.Cleanup(manager.Stop)

	service := &flakyService{id: "account"}
	require.NoError(t, manager.Register(service))
	return manager, repo, service
}

// 制造一笔卡在 CONFIRMING 的事务: confirm 首次失败，记录保留
func stuckConfirming(t *testing.T, manager *txmanager.TransactionManager, service *flakyService) uuid.UUID {
	t.Helper()
	service.setConfirmErr(errors.New("downstream unavailable"))

	ctx := txmanager.Bind(context.Background())
	transaction, err := manager.Begin(ctx, "")
	require.NoError(t, err)
	args := map[string]interface{}{"amount": 50}
	_, err = manager.Enlist(ctx,
		component.NewInvocation("account", "confirm", args),
		component.NewInvocation("account", "cancel", args))
	require.NoError(t, err)

	var confirming *txmanager.ConfirmingError
	require.ErrorAs(t, manager.Commit(ctx, false), &confirming)
	require.NoError(t, manager.CleanAfterCompletion(ctx, transaction))
	return transaction.Xid
}

func TestRecoverStuckConfirming(t *testing.T) {
	manager, repo, service := setup(t)
	xid := stuckConfirming(t, manager, service)

	// 下游恢复后，恢复轮次重放 confirm 阶段体并删除记录
	service.setConfirmErr(nil)
	executor := recovery.NewExecutor(manager, repo, nil,
		recovery.WithRecoverDuration(time.Millisecond))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, executor.RecoverOnce(context.Background()))

	confirms, cancels := service.counts()
	require.Equal(t, 1, confirms)
	require.Equal(t, 0, cancels)

	found, err := repo.FindByXid(context.Background(), xid)
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestRecoverIncrementsRetriedCount(t *testing.T) {
	manager, repo, service := setup(t)
	xid := stuckConfirming(t, manager, service)

	executor := recovery.NewExecutor(manager, repo, nil,
		recovery.WithRecoverDuration(time.Millisecond))
	time.Sleep(10 * time.Millisecond)

	// 下游仍不可用，本轮推进失败但重试次数已落盘
	require.Error(t, executor.RecoverOnce(context.Background()))

	found, err := repo.FindByXid(context.Background(), xid)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.EqualValues(t, 1, found.RetriedCount)
	require.Equal(t, api.Confirming, found.Status)
}

func TestRecoverQuarantinesAfterMaxRetry(t *testing.T) {
	manager, repo, service := setup(t)
	xid := stuckConfirming(t, manager, service)

	executor := recovery.NewExecutor(manager, repo, nil,
		recovery.WithRecoverDuration(time.Millisecond),
		recovery.WithMaxRetryCount(1))

	// 每轮推进都会通过乐观更新刷新 lastUpdateTime，
	// 下一轮扫描前要等记录重新滞留超过阈值
	age := func() { time.Sleep(10 * time.Millisecond) }

	// 前两轮推进（retriedCount 0 -> 1 -> 2），此后隔离
	age()
	require.Error(t, executor.RecoverOnce(context.Background()))
	age()
	require.Error(t, executor.RecoverOnce(context.Background()))
	age()
	require.NoError(t, executor.RecoverOnce(context.Background()))

	// 隔离后不再推进，记录保留且重试次数不再累加
	found, err := repo.FindByXid(context.Background(), xid)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.EqualValues(t, 2, found.RetriedCount)
	require.Equal(t, api.Confirming, found.Status)

	// 再次扫描同样被隔离跳过
	age()
	require.NoError(t, executor.RecoverOnce(context.Background()))
	confirms, _ := service.counts()
	require.Equal(t, 0, confirms)
}

func TestRecoverSkipsTryingBranch(t *testing.T) {
	manager, repo, service := setup(t)

	// 分支事务停留在 TRYING，由其根事务驱动，恢复任务不处理
	ctx := txmanager.Bind(context.Background())
	xid := uuid.New()
	_, err := manager.PropagationNewBegin(ctx,
		api.NewTransactionContext(xid, uuid.New(), api.Trying))
	require.NoError(t, err)

	executor := recovery.NewExecutor(manager, repo, nil,
		recovery.WithRecoverDuration(time.Millisecond))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, executor.RecoverOnce(context.Background()))

	_, cancels := service.counts()
	require.Equal(t, 0, cancels)

	found, err := repo.FindByXid(context.Background(), xid)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, api.Trying, found.Status)
}

func TestRecoverCancelsStaleTryingRoot(t *testing.T) {
	manager, repo, service := setup(t)

	// 根事务停在 TRYING（如延迟取消场景），超过滞留阈值后由恢复任务取消
	ctx := txmanager.Bind(context.Background())
	transaction, err := manager.Begin(ctx, "")
	require.NoError(t, err)
	args := map[string]interface{}{"amount": 50}
	_, err = manager.Enlist(ctx,
		component.NewInvocation("account", "confirm", args),
		component.NewInvocation("account", "cancel", args))
	require.NoError(t, err)

	executor := recovery.NewExecutor(manager, repo, nil,
		recovery.WithRecoverDuration(time.Millisecond))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, executor.RecoverOnce(context.Background()))

	confirms, cancels := service.counts()
	require.Equal(t, 0, confirms)
	require.Equal(t, 1, cancels)

	found, err := repo.FindByXid(context.Background(), transaction.Xid)
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestRecoverSkipsFreshTransactions(t *testing.T) {
	manager, repo, service := setup(t)

	ctx := txmanager.Bind(context.Background())
	transaction, err := manager.Begin(ctx, "")
	require.NoError(t, err)

	// 滞留阈值内的记录不进入恢复范围
	executor := recovery.NewExecutor(manager, repo, nil,
		recovery.WithRecoverDuration(time.Hour))
	require.NoError(t, executor.RecoverOnce(context.Background()))

	_, cancels := service.counts()
	require.Equal(t, 0, cancels)

	found, err := repo.FindByXid(context.Background(), transaction.Xid)
	require.NoError(t, err)
	require.NotNil(t, found)
}
