package api

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// 事务上下文模块
// 1. TransactionContext 是在每一次跨进程调用中随请求传递的事务上下文:
//  1.1 Xid      全局事务 id，128 位，同一笔逻辑事务下的所有分支共享
//  1.2 BranchID 分支事务 id，标识全局事务下某一个远程参与者的分支
//  1.3 Status   事务状态，取值 TRYING / CONFIRMING / CANCELLING
// 2. 上下文在根事务 begin 时构造，随每次参与者调用序列化传出，在服务提供方入口反序列化
// 3. 构造后除 Status 外不可变更；Status 只能单调推进 TRYING -> CONFIRMING 或 TRYING -> CANCELLING

// Status 事务状态
type Status uint8

const (
	// Trying 尝试中
	Trying Status = iota + 1
	// Confirming 确认中
	Confirming
	// Cancelling 取消中
	Cancelling
)

func (s Status) String() string {
	switch s {
	case Trying:
		return "trying"
	case Confirming:
		return "confirming"
	case Cancelling:
		return "cancelling"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Valid 校验状态取值是否合法
func (s Status) Valid() bool {
	return s >= Trying && s <= Cancelling
}

// contextSize 线上传输的定长编码长度: 16 字节 xid + 16 字节 branchId + 1 字节 status
const contextSize = 33

// TransactionContext 跨进程传递的事务上下文
type TransactionContext struct {
	Xid      uuid.UUID `json:"xid"`
	BranchID uuid.UUID `json:"branchId"`
	Status   Status    `json:"status"`
}

// NewTransactionContext 构造事务上下文
func NewTransactionContext(xid, branchID uuid.UUID, status Status) TransactionContext {
	return TransactionContext{
		Xid:      xid,
		BranchID: branchID,
		Status:   status,
	}
}

// MarshalBinary 定长 33 字节编码，要求跨传输位级一致
func (c TransactionContext) MarshalBinary() ([]byte, error) {
	if !c.Status.Valid() {
		return nil, fmt.Errorf("invalid transaction status: %d", uint8(c.Status))
	}
	buf := make([]byte, 0, contextSize)
	buf = append(buf, c.Xid[:]...)
	buf = append(buf, c.BranchID[:]...)
	buf = append(buf, byte(c.Status))
	return buf, nil
}

// UnmarshalBinary 解析 33 字节定长编码
func (c *TransactionContext) UnmarshalBinary(data []byte) error {
	if len(data) != contextSize {
		return fmt.Errorf("invalid transaction context size: %d", len(data))
	}
	copy(c.Xid[:], data[:16])
	copy(c.BranchID[:], data[16:32])
	c.Status = Status(data[32])
	if !c.Status.Valid() {
		return fmt.Errorf("invalid transaction status: %d", data[32])
	}
	return nil
}

// EncodeToString 将上下文编码为可放入文本协议头部的 base64 字符串
func (c TransactionContext) EncodeToString() (string, error) {
	raw, err := c.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeString 从 base64 字符串还原上下文
func DecodeString(encoded string) (TransactionContext, error) {
	var c TransactionContext
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return c, fmt.Errorf("decode transaction context: %w", err)
	}
	if err := c.UnmarshalBinary(raw); err != nil {
		return c, err
	}
	return c, nil
}

type transactionContextKey struct{}

// WithTransactionContext 将入站事务上下文挂载到 ctx 中，供拦截器在服务提供方入口读取
func WithTransactionContext(ctx context.Context, tc TransactionContext) context.Context {
	return context.WithValue(ctx, transactionContextKey{}, tc)
}

// TransactionContextFrom 从 ctx 中取出入站事务上下文
func TransactionContextFrom(ctx context.Context) (TransactionContext, bool) {
	tc, ok := ctx.Value(transactionContextKey{}).(TransactionContext)
	return tc, ok
}
