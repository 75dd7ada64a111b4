package interceptor

import (
	"context"

	"github.com/demdxx/gocast"

	"github.com/BlackcatLL/tyloo/api"
)

// BusinessFunc 被拦截的业务方法体
type BusinessFunc func(ctx context.Context) (interface{}, error)

// MethodContext 方法上下文
// 封装一次被拦截调用的全部信息: 可补偿声明、业务方法体、入参、幂等键解析规则与默认返回值
type MethodContext struct {
	compensable    Compensable
	method         BusinessFunc
	args           map[string]interface{}
	identityArg    string
	uniqueIdentity string
	transactionCtx *api.TransactionContext
	defaultReturn  interface{}
}

// MethodOption 方法上下文配置项
type MethodOption func(*MethodContext)

// WithArgs 声明业务入参，入参要求可按值捕获
func WithArgs(args map[string]interface{}) MethodOption {
	return func(c *MethodContext) {
		c.args = args
	}
}

// WithIdentityArg 指定入参中作为根事务幂等键的参数名，跨客户端重试必须保持稳定
func WithIdentityArg(name string) MethodOption {
	return func(c *MethodContext) {
		c.identityArg = name
	}
}

// WithUniqueIdentity 显式指定根事务幂等键，优先级高于 WithIdentityArg
func WithUniqueIdentity(identity string) MethodOption {
	return func(c *MethodContext) {
		c.uniqueIdentity = identity
	}
}

// WithTransactionContext 显式传入入站事务上下文
// 适用于把上下文作为业务参数传递的传输层；缺省时从 ctx 中读取（由 propagation 适配器装载）
func WithTransactionContext(tc api.TransactionContext) MethodOption {
	return func(c *MethodContext) {
		c.transactionCtx = &tc
	}
}

// WithDefaultReturn 指定提供方 CONFIRMING/CANCELLING 调用的默认返回值（声明返回类型的零值）
func WithDefaultReturn(v interface{}) MethodOption {
	return func(c *MethodContext) {
		c.defaultReturn = v
	}
}

// NewMethodContext 构造方法上下文
func NewMethodContext(compensable Compensable, method BusinessFunc, opts ...MethodOption) *MethodContext {
	mc := MethodContext{
		compensable: compensable,
		method:      method,
	}
	for _, opt := range opts {
		opt(&mc)
	}
	return &mc
}

// Compensable 返回可补偿声明
func (c *MethodContext) Compensable() Compensable {
	return c.compensable
}

// TransactionContext 解析入站事务上下文: 优先取显式传入的参数，其次扫描 ctx
func (c *MethodContext) TransactionContext(ctx context.Context) (api.TransactionContext, bool) {
	if c.transactionCtx != nil {
		return *c.transactionCtx, true
	}
	return api.TransactionContextFrom(ctx)
}

// UniqueIdentity 解析根事务幂等键；未声明时返回空串，xid 走随机铸造
func (c *MethodContext) UniqueIdentity() string {
	if c.uniqueIdentity != "" {
		return c.uniqueIdentity
	}
	if c.identityArg == "" {
		return ""
	}
	arg, ok := c.args[c.identityArg]
	if !ok {
		return ""
	}
	return gocast.ToString(arg)
}

// Proceed 执行被包裹的业务方法
func (c *MethodContext) Proceed(ctx context.Context) (interface{}, error) {
	return c.method(ctx)
}

// DefaultReturn 返回声明返回类型的零值
func (c *MethodContext) DefaultReturn() interface{} {
	return c.defaultReturn
}
