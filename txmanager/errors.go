package txmanager

import (
	"errors"
	"fmt"
)

// 错误类型划分
// 1. ErrNoExistedTransaction 预期内错误: 服务提供方在 CONFIRMING/CANCELLING 阶段发现分支事务记录已被删除，
//    说明该分支此前已经完成二阶段，调用方静默吞掉并返回零值即可
// 2. ErrOptimisticLock 并发更新冲突: 通常意味着恢复任务与在线链路抢了同一条事务记录，向上层透出
// 3. ConfirmingError / CancellingError 二阶段执行失败: 事务记录保留在存储中等待恢复任务兜底，
//    两种类型用于区分方向，便于日志与监控拆分
// 4. SystemError 编程性错误（栈出入不配对、MANDATORY 传播下无活跃事务等），对当前调用致命，绝不吞掉

var (
	// ErrNoExistedTransaction 事务记录不存在，预期内条件，代表该分支已完成
	ErrNoExistedTransaction = errors.New("transaction not existed")

	// ErrOptimisticLock 乐观锁版本冲突
	ErrOptimisticLock = errors.New("optimistic lock conflict")

	// ErrDuplicateXid 创建事务记录时 xid 冲突
	ErrDuplicateXid = errors.New("duplicate transaction xid")

	// ErrPoolOverflow 异步工作池队列已满，任务被拒绝
	ErrPoolOverflow = errors.New("async worker pool overflow")
)

// ConfirmingError confirm 阶段失败，事务记录保留，等待恢复任务重试
type ConfirmingError struct {
	Err error
}

func (e *ConfirmingError) Error() string {
	return fmt.Sprintf("confirming failed: %v", e.Err)
}

func (e *ConfirmingError) Unwrap() error {
	return e.Err
}

// CancellingError cancel 阶段失败，事务记录保留，等待恢复任务重试
type CancellingError struct {
	Err error
}

func (e *CancellingError) Error() string {
	return fmt.Sprintf("cancelling failed: %v", e.Err)
}

func (e *CancellingError) Unwrap() error {
	return e.Err
}

// SystemError 框架使用方式错误
type SystemError struct {
	Message string
}

func (e *SystemError) Error() string {
	return e.Message
}

// NewSystemError 构造 SystemError
func NewSystemError(format string, args ...interface{}) *SystemError {
	return &SystemError{Message: fmt.Sprintf(format, args...)}
}
