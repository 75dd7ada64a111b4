package interceptor

// Propagation 传播策略，控制被拦截方法与环境事务之间的关系
type Propagation uint8

const (
	// Required 无活跃事务且无入站上下文时发起根事务；有入站上下文时作为提供方加入；已在事务中则直接执行
	Required Propagation = iota
	// RequiresNew 总是发起新的根事务
	RequiresNew
	// Mandatory 必须处于事务中: 无活跃事务且无入站上下文时报 SystemError
	Mandatory
)

func (p Propagation) String() string {
	switch p {
	case Required:
		return "required"
	case RequiresNew:
		return "requires_new"
	case Mandatory:
		return "mandatory"
	default:
		return "unknown"
	}
}

// MethodRole 被拦截方法在本次调用中扮演的角色
type MethodRole uint8

const (
	// RoleNormal 在既有事务内直接执行，参与者由其内部的可补偿子调用自行挂载
	RoleNormal MethodRole = iota
	// RoleRoot 发起根事务
	RoleRoot
	// RoleProvider 基于入站上下文挂接分支事务
	RoleProvider
)

// Compensable 可补偿方法声明
// 对应源系统中方法级注解承载的信息，在 Go 中以声明结构体的形式交给拦截器
type Compensable struct {
	// ConfirmMethod confirm 方法名，写入参与者调用描述符
	ConfirmMethod string
	// CancelMethod cancel 方法名
	CancelMethod string
	// Propagation 传播策略
	Propagation Propagation
	// AsyncConfirm confirm 阶段是否投递异步工作池执行
	AsyncConfirm bool
	// AsyncCancel cancel 阶段是否投递异步工作池执行
	AsyncCancel bool
	// DelayCancelErrors 延迟取消错误集: Try 阶段命中该集合的业务错误不触发即时回滚，
	// 事务记录保留 TRYING 状态，由恢复任务超时后驱动取消
	DelayCancelErrors []error
}

// methodRole 按传播策略 x 活跃事务 x 入站上下文三元组计算方法角色
func (c Compensable) methodRole(isTransactionActive, hasTransactionContext bool) MethodRole {
	switch {
	case c.Propagation == RequiresNew,
		c.Propagation == Required && !isTransactionActive && !hasTransactionContext:
		return RoleRoot
	case (c.Propagation == Required || c.Propagation == Mandatory) &&
		!isTransactionActive && hasTransactionContext:
		return RoleProvider
	default:
		return RoleNormal
	}
}
