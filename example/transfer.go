package example

import (
	"context"
	"errors"
	"fmt"

	"github.com/demdxx/gocast"
	"github.com/google/uuid"
	"github.com/xiaoxuxiansheng/redis_lock"

	"github.com/BlackcatLL/tyloo/api"
	"github.com/BlackcatLL/tyloo/component"
	"github.com/BlackcatLL/tyloo/example/pkg"
)

// 转账示例组件
// AccountService 内置 redis 客户端，演示一个参与者三个阶段的典型写法:
//  Try     业务方法体内调用 Freeze 冻结转出金额，同时把 confirm/cancel 调用描述符挂载进当前事务
//  Confirm 消耗冻结金额完成入账
//  Cancel  释放冻结金额
// 三个阶段都基于 xid 维度加锁并通过阶段状态 key 做幂等去重

// BranchStatus 组件侧记录的分支事务阶段状态
type BranchStatus string

func (b BranchStatus) String() string {
	return string(b)
}

const (
	BranchTried     BranchStatus = "tried"     // 已执行 try 操作
	BranchConfirmed BranchStatus = "confirmed" // 已执行 confirm 操作
	BranchCanceled  BranchStatus = "canceled"  // 已执行 cancel 操作
)

// AccountService 账户组件
type AccountService struct {
	id     string // 组件唯一标识，构造时由使用方传入
	client *redis_lock.Client
}

// NewAccountService 构造账户组件
func NewAccountService(id string, client *redis_lock.Client) *AccountService {
	return &AccountService{
		id:     id,
		client: client,
	}
}

// ID 返回组件唯一标识
func (s *AccountService) ID() string {
	return s.id
}

// Freeze Try 阶段业务动作: 冻结转出金额
// 由业务方法体在 Try 中调用，xid 取当前事务的全局事务 id
func (s *AccountService) Freeze(ctx context.Context, xid uuid.UUID, accountID string, amount int64) error {
	// 1. 基于 xid 维度加锁
	lock := redis_lock.NewRedisLock(pkg.BuildBranchLockKey(s.id, xid.String()), s.client)
	if err := lock.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()

	// 2. 基于阶段状态 key 幂等去重
	branchStatus, err := s.client.Get(ctx, pkg.BuildBranchKey(s.id, xid.String()))
	if err != nil && !errors.Is(err, redis_lock.ErrNil) {
		return err
	}
	switch branchStatus {
	case BranchTried.String(), BranchConfirmed.String():
		// 重复的 try 请求，幂等返回成功
		return nil
	case BranchCanceled.String():
		// 先 cancel 后收到 try，拒绝
		return fmt.Errorf("branch already canceled, xid: %s", xid)
	default:
	}

	// 3. 要求从零到一写入冻结记录
	reply, err := s.client.SetNX(ctx, pkg.BuildFrozenKey(s.id, xid.String()),
		fmt.Sprintf("%s:%d", accountID, amount))
	if err != nil {
		return err
	}
	if reply != 1 {
		return fmt.Errorf("frozen record already existed, xid: %s", xid)
	}

	// 4. 更新阶段状态为 tried
	if _, err = s.client.Set(ctx, pkg.BuildBranchKey(s.id, xid.String()), BranchTried.String()); err != nil {
		return err
	}
	return nil
}

// Confirm 消耗冻结金额完成入账
func (s *AccountService) Confirm(ctx context.Context, invocation *component.Invocation) error {
	tc, ok := api.TransactionContextFrom(ctx)
	if !ok {
		return errors.New("no transaction context for confirm")
	}
	xid := tc.Xid.String()

	lock := redis_lock.NewRedisLock(pkg.BuildBranchLockKey(s.id, xid), s.client)
	if err := lock.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()

	// 校验阶段状态，要求此前为 tried
	branchStatus, err := s.client.Get(ctx, pkg.BuildBranchKey(s.id, xid))
	if err != nil {
		return err
	}
	switch branchStatus {
	case BranchConfirmed.String():
		// 已 confirm，幂等返回成功
		return nil
	case BranchTried.String():
	default:
		return fmt.Errorf("invalid branch status: %s, xid: %s", branchStatus, xid)
	}

	accountID := gocast.ToString(invocation.Args["to_account_id"])
	amount := gocast.ToInt64(invocation.Args["amount"])

	// 删除冻结记录并完成入账
	if err = s.client.Del(ctx, pkg.BuildFrozenKey(s.id, xid)); err != nil {
		return err
	}
	if _, err = s.client.Set(ctx, pkg.BuildBalanceKey(s.id, accountID),
		gocast.ToString(amount)); err != nil {
		return err
	}

	// 阶段状态推进为 confirmed
	_, err = s.client.Set(ctx, pkg.BuildBranchKey(s.id, xid), BranchConfirmed.String())
	return err
}

// Cancel 释放冻结金额
func (s *AccountService) Cancel(ctx context.Context, invocation *component.Invocation) error {
	tc, ok := api.TransactionContextFrom(ctx)
	if !ok {
		return errors.New("no transaction context for cancel")
	}
	xid := tc.Xid.String()

	lock := redis_lock.NewRedisLock(pkg.BuildBranchLockKey(s.id, xid), s.client)
	if err := lock.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()

	branchStatus, err := s.client.Get(ctx, pkg.BuildBranchKey(s.id, xid))
	if err != nil && !errors.Is(err, redis_lock.ErrNil) {
		return err
	}
	// 先 confirm 后 cancel 属于非法的状态扭转链路
	if branchStatus == BranchConfirmed.String() {
		return fmt.Errorf("invalid branch status: %s, xid: %s", branchStatus, xid)
	}

	// 空悬 cancel（try 未到达）也要落 canceled 状态，拦住迟到的 try
	if err = s.client.Del(ctx, pkg.BuildFrozenKey(s.id, xid)); err != nil {
		return err
	}
	_, err = s.client.Set(ctx, pkg.BuildBranchKey(s.id, xid), BranchCanceled.String())
	return err
}
