package txmanager

import "context"

// 调用链级事务栈
// 1. 每条逻辑调用链持有一个独立的事务栈，栈顶即"当前事务"，用于参与者挂载与阶段推进
// 2. 源于线程本地存储的语义，在 Go 中以 context.Context 携带的可变持有者实现:
//    拦截器在链路入口通过 Bind 装载事务栈，链路内所有嵌套调用共享同一个栈
// 3. 事务栈归属于其调用链，不允许跨链共享；异步二阶段任务不接触事务栈

type sessionKey struct{}

type transactionStack struct {
	transactions []*Transaction
}

func (s *transactionStack) push(tx *Transaction) {
	s.transactions = append(s.transactions, tx)
}

func (s *transactionStack) pop() {
	if len(s.transactions) == 0 {
		return
	}
	s.transactions = s.transactions[:len(s.transactions)-1]
	// 栈清空即释放
	if len(s.transactions) == 0 {
		s.transactions = nil
	}
}

func (s *transactionStack) peek() *Transaction {
	if len(s.transactions) == 0 {
		return nil
	}
	return s.transactions[len(s.transactions)-1]
}

// Bind 在 ctx 上装载一个新的调用链事务栈；若 ctx 已携带事务栈（嵌套调用）则原样复用
func Bind(ctx context.Context) context.Context {
	if sessionFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, &transactionStack{})
}

func sessionFrom(ctx context.Context) *transactionStack {
	stack, _ := ctx.Value(sessionKey{}).(*transactionStack)
	return stack
}
