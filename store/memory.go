package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/BlackcatLL/tyloo/txmanager"
)

// MemoryRepository 内存事务存储
// 面向单测与本地起步场景；记录以 JSON 快照形式存取，模拟真实存储的按值持久化语义，
// 乐观锁语义与线上实现保持一致
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[uuid.UUID][]byte
}

// NewMemoryRepository 构造内存事务存储
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[uuid.UUID][]byte),
	}
}

// Create 插入事务记录，xid 冲突返回 ErrDuplicateXid
func (r *MemoryRepository) Create(ctx context.Context, transaction *txmanager.Transaction) error {
	snapshot, err := marshalTransaction(transaction)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[transaction.Xid]; ok {
		return txmanager.ErrDuplicateXid
	}
	r.records[transaction.Xid] = snapshot
	return nil
}

// Update 按 version CAS 更新，成功时自增 version 并刷新 lastUpdateTime
func (r *MemoryRepository) Update(ctx context.Context, transaction *txmanager.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.records[transaction.Xid]
	if !ok {
		return txmanager.ErrOptimisticLock
	}
	current, err := unmarshalTransaction(stored)
	if err != nil {
		return err
	}
	if current.Version != transaction.Version {
		return txmanager.ErrOptimisticLock
	}

	transaction.Version++
	transaction.LastUpdateTime = time.Now()
	snapshot, err := marshalTransaction(transaction)
	if err != nil {
		// 序列化失败时回退内存态版本号，保持与存储一致
		transaction.Version--
		return err
	}
	r.records[transaction.Xid] = snapshot
	return nil
}

// FindByXid 按 xid 查询，未命中返回 (nil, nil)
func (r *MemoryRepository) FindByXid(ctx context.Context, xid uuid.UUID) (*txmanager.Transaction, error) {
	r.mu.RLock()
	stored, ok := r.records[xid]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return unmarshalTransaction(stored)
}

// Delete 删除事务记录，幂等
func (r *MemoryRepository) Delete(ctx context.Context, transaction *txmanager.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, transaction.Xid)
	return nil
}

// FindAllUnmodifiedSince 返回 lastUpdateTime 早于 before 的全部事务记录
func (r *MemoryRepository) FindAllUnmodifiedSince(ctx context.Context, before time.Time) ([]*txmanager.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []*txmanager.Transaction
	for _, stored := range r.records {
		transaction, err := unmarshalTransaction(stored)
		if err != nil {
			return nil, err
		}
		if transaction.LastUpdateTime.Before(before) {
			stale = append(stale, transaction)
		}
	}
	return stale, nil
}

func marshalTransaction(transaction *txmanager.Transaction) ([]byte, error) {
	snapshot, err := json.Marshal(transaction)
	if err != nil {
		return nil, errors.Wrap(err, "marshal transaction")
	}
	return snapshot, nil
}

func unmarshalTransaction(snapshot []byte) (*txmanager.Transaction, error) {
	var transaction txmanager.Transaction
	if err := json.Unmarshal(snapshot, &transaction); err != nil {
		return nil, errors.Wrap(err, "unmarshal transaction")
	}
	return &transaction, nil
}
