package component

import "context"

// Compensable 组件模块
// 1. 定义: 一个参与者的 confirm/cancel 执行目标，需要使用方实现该接口并注册进 TransactionManager
// 2. 使用流程:
//  2.1 服务启动时将组件注册进 TransactionManager 的注册中心
//  2.2 Try 阶段业务代码以 Invocation 描述符的形式将参与者挂载进当前事务
//  2.3 第二阶段由事务管理器根据 Invocation.ComponentID 取回组件实例，调用 Confirm 或 Cancel
// 3. 幂等要求: 同一笔事务的 Confirm / Cancel 可能被恢复任务重复驱动，组件实现必须自行保证幂等

// Invocation 参与者某一阶段的调用描述符
// 入参列表要求可按值捕获、可序列化，随事务记录一起持久化；挂载进事务后不可再变更
type Invocation struct {
	// 目标组件唯一标识
	ComponentID string `json:"componentID"`
	// 目标方法名
	Method string `json:"method"`
	// 调用入参
	Args map[string]interface{} `json:"args"`
}

// NewInvocation 构造调用描述符
func NewInvocation(componentID, method string, args map[string]interface{}) *Invocation {
	return &Invocation{
		ComponentID: componentID,
		Method:      method,
		Args:        args,
	}
}

// CompensableService 可补偿组件
// ctx 中携带本次调用对应的事务上下文（xid + branchId + 阶段状态），远程代理实现可借此完成跨进程传播
type CompensableService interface {
	// ID 返回组件唯一标识
	ID() string
	// Confirm 执行第二阶段的 confirm 操作
	Confirm(ctx context.Context, invocation *Invocation) error
	// Cancel 执行第二阶段的 cancel 操作
	Cancel(ctx context.Context, invocation *Invocation) error
}
