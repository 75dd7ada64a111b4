package txmanager

import (
	"time"

	"github.com/google/uuid"

	"github.com/BlackcatLL/tyloo/api"
	"github.com/BlackcatLL/tyloo/component"
)

// TransactionType 事务类型
type TransactionType uint8

const (
	// Root 根事务，由调用链发起方创建，持有提交/回滚的决策权
	Root TransactionType = iota + 1
	// Branch 分支事务，由服务提供方基于入站事务上下文创建
	Branch
)

func (t TransactionType) String() string {
	switch t {
	case Root:
		return "root"
	case Branch:
		return "branch"
	default:
		return "unknown"
	}
}

// Participant 事务参与者
// 持有某一方的 confirm/cancel 调用描述符以及该分支对应的事务上下文标识
// 挂载进事务后调用描述符不可变更；在 commit 或 rollback 中恰好被调用一次，随事务一同销毁
type Participant struct {
	Xid               uuid.UUID             `json:"xid"`
	BranchID          uuid.UUID             `json:"branchId"`
	ConfirmInvocation *component.Invocation `json:"confirmInvocation"`
	CancelInvocation  *component.Invocation `json:"cancelInvocation"`
	Status            api.Status            `json:"status"`
}

// NewParticipant 构造参与者，branchID 由挂载方铸造并随出站上下文传递给远端
func NewParticipant(xid, branchID uuid.UUID, confirmInvocation, cancelInvocation *component.Invocation) *Participant {
	return &Participant{
		Xid:               xid,
		BranchID:          branchID,
		ConfirmInvocation: confirmInvocation,
		CancelInvocation:  cancelInvocation,
		Status:            api.Trying,
	}
}

// Context 构造该参与者在指定阶段下的出站事务上下文
func (p *Participant) Context(status api.Status) api.TransactionContext {
	return api.NewTransactionContext(p.Xid, p.BranchID, status)
}

// Transaction 事务聚合根
// 参与者列表保持挂载顺序，commit 阶段按挂载顺序依次调用
// 事务与参与者是严格的树形关系: 事务持有参与者，参与者只持有按值捕获的调用描述符，不得反向引用事务
type Transaction struct {
	Xid            uuid.UUID              `json:"xid"`
	BranchID       uuid.UUID              `json:"branchId"`
	Type           TransactionType        `json:"type"`
	Status         api.Status             `json:"status"`
	RetriedCount   int32                  `json:"retriedCount"`
	CreateTime     time.Time              `json:"createTime"`
	LastUpdateTime time.Time              `json:"lastUpdateTime"`
	Version        int64                  `json:"version"`
	Participants   []*Participant         `json:"participants"`
	Attachments    map[string]interface{} `json:"attachments"`
}

// NewRootTransaction 构造根事务，xid 由事务管理器铸造
func NewRootTransaction(xid uuid.UUID) *Transaction {
	now := time.Now()
	return &Transaction{
		Xid:            xid,
		Type:           Root,
		Status:         api.Trying,
		CreateTime:     now,
		LastUpdateTime: now,
		Version:        1,
		Attachments:    make(map[string]interface{}),
	}
}

// NewBranchTransaction 基于入站事务上下文构造分支事务
// xid 继承自上下文；branchId 优先采用上下文携带的值，缺省时铸造新值
func NewBranchTransaction(tc api.TransactionContext) *Transaction {
	branchID := tc.BranchID
	if branchID == uuid.Nil {
		branchID = uuid.New()
	}
	now := time.Now()
	return &Transaction{
		Xid:            tc.Xid,
		BranchID:       branchID,
		Type:           Branch,
		Status:         api.Trying,
		CreateTime:     now,
		LastUpdateTime: now,
		Version:        1,
		Attachments:    make(map[string]interface{}),
	}
}

// ChangeStatus 推进事务状态
func (t *Transaction) ChangeStatus(status api.Status) {
	t.Status = status
	t.LastUpdateTime = time.Now()
}

// Enlist 按挂载顺序追加参与者
func (t *Transaction) Enlist(p *Participant) {
	t.Participants = append(t.Participants, p)
}

// Context 返回该事务当前的事务上下文
func (t *Transaction) Context() api.TransactionContext {
	return api.NewTransactionContext(t.Xid, t.BranchID, t.Status)
}
