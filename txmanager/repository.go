package txmanager

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TransactionRepository 事务日志存储模块
// 1. 定义: 用于持久化事务记录的模块，每笔事务在存储中对应一条以 xid 为键的记录
// 2. 功能:
//  2.1 支持事务记录的增删改查
//  2.2 Update 必须基于 version 做 CAS：版本匹配则持久化并将 version 自增，不匹配返回 ErrOptimisticLock
//  2.3 记录只在二阶段全部成功后删除，Delete 要求幂等
// 3. 该模块在框架中体现为一个抽象 interface，由使用方选择实现并注入 TransactionManager
//    （store 包内置内存实现与 GORM/MySQL 实现）
type TransactionRepository interface {
	// Create 插入一条事务记录，xid 冲突时返回 ErrDuplicateXid
	Create(ctx context.Context, transaction *Transaction) error
	// Update 按 version 做 CAS 更新，成功时自增 version 并刷新 lastUpdateTime，冲突返回 ErrOptimisticLock
	Update(ctx context.Context, transaction *Transaction) error
	// FindByXid 按 xid 查询事务记录，不存在时返回 (nil, nil)
	FindByXid(ctx context.Context, xid uuid.UUID) (*Transaction, error)
	// Delete 删除事务记录，幂等
	Delete(ctx context.Context, transaction *Transaction) error
}

// RecoverableRepository 支持恢复任务扫描的存储扩展
// 恢复任务据此捞出长时间未推进的事务（卡在中间态的记录），逐笔补齐第二阶段
type RecoverableRepository interface {
	TransactionRepository

	// FindAllUnmodifiedSince 返回 lastUpdateTime 早于给定时刻的全部事务记录
	FindAllUnmodifiedSince(ctx context.Context, before time.Time) ([]*Transaction, error)
}
