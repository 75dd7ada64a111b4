package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/BlackcatLL/tyloo/api"
	"github.com/BlackcatLL/tyloo/txmanager"
)

// GORM/MySQL 事务存储
// 1. 每笔事务对应一行记录，以 xid 为主键
// 2. 标量字段（状态、类型、版本、重试次数、时间戳）平铺成列，供恢复任务扫描过滤；
//    参与者列表与 attachments 序列化为 JSON 存入 content 列
// 3. 乐观锁通过 WHERE xid = ? AND version = ? 的条件更新实现，RowsAffected == 0 即冲突

// TransactionRecord 事务表行结构
type TransactionRecord struct {
	Xid            string    `gorm:"column:xid;primaryKey;size:36"`
	BranchID       string    `gorm:"column:branch_id;size:36"`
	Type           uint8     `gorm:"column:type"`
	Status         uint8     `gorm:"column:status;index"`
	RetriedCount   int32     `gorm:"column:retried_count"`
	CreateTime     time.Time `gorm:"column:create_time"`
	LastUpdateTime time.Time `gorm:"column:last_update_time;index"`
	Version        int64     `gorm:"column:version"`
	Content        []byte    `gorm:"column:content;type:blob"`
}

// TableName 事务表名
func (TransactionRecord) TableName() string {
	return "tyloo_transaction"
}

// transactionContent content 列的序列化载荷
type transactionContent struct {
	Participants []*txmanager.Participant `json:"participants"`
	Attachments  map[string]interface{}   `json:"attachments"`
}

// GormRepository 基于 GORM/MySQL 的事务存储
type GormRepository struct {
	db *gorm.DB
}

// OpenMySQL 打开 MySQL 连接，开启错误翻译以识别主键冲突
func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}
	return db, nil
}

// NewGormRepository 构造存储并迁移事务表
func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if err := db.AutoMigrate(&TransactionRecord{}); err != nil {
		return nil, errors.Wrap(err, "migrate transaction table")
	}
	return &GormRepository{db: db}, nil
}

// Create 插入事务记录，主键冲突映射为 ErrDuplicateXid
func (r *GormRepository) Create(ctx context.Context, transaction *txmanager.Transaction) error {
	record, err := toRecord(transaction)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return txmanager.ErrDuplicateXid
		}
		return errors.Wrap(err, "create transaction record")
	}
	return nil
}

// Update 条件更新实现版本 CAS，冲突返回 ErrOptimisticLock
func (r *GormRepository) Update(ctx context.Context, transaction *txmanager.Transaction) error {
	content, err := marshalContent(transaction)
	if err != nil {
		return err
	}

	now := time.Now()
	result := r.db.WithContext(ctx).Model(&TransactionRecord{}).
		Where("xid = ? AND version = ?", transaction.Xid.String(), transaction.Version).
		Updates(map[string]interface{}{
			"status":           uint8(transaction.Status),
			"retried_count":    transaction.RetriedCount,
			"last_update_time": now,
			"version":          transaction.Version + 1,
			"content":          content,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "update transaction record")
	}
	if result.RowsAffected == 0 {
		return txmanager.ErrOptimisticLock
	}

	transaction.Version++
	transaction.LastUpdateTime = now
	return nil
}

// FindByXid 按 xid 查询，未命中返回 (nil, nil)
func (r *GormRepository) FindByXid(ctx context.Context, xid uuid.UUID) (*txmanager.Transaction, error) {
	var record TransactionRecord
	err := r.db.WithContext(ctx).Where("xid = ?", xid.String()).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find transaction record")
	}
	return fromRecord(&record)
}

// Delete 按 xid 删除，幂等
func (r *GormRepository) Delete(ctx context.Context, transaction *txmanager.Transaction) error {
	err := r.db.WithContext(ctx).
		Where("xid = ?", transaction.Xid.String()).
		Delete(&TransactionRecord{}).Error
	if err != nil {
		return errors.Wrap(err, "delete transaction record")
	}
	return nil
}

// FindAllUnmodifiedSince 捞出 lastUpdateTime 早于 before 的全部记录，供恢复任务推进
func (r *GormRepository) FindAllUnmodifiedSince(ctx context.Context, before time.Time) ([]*txmanager.Transaction, error) {
	var records []*TransactionRecord
	err := r.db.WithContext(ctx).
		Where("last_update_time < ?", before).
		Order("last_update_time").
		Find(&records).Error
	if err != nil {
		return nil, errors.Wrap(err, "find stale transaction records")
	}

	transactions := make([]*txmanager.Transaction, 0, len(records))
	for _, record := range records {
		transaction, err := fromRecord(record)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func toRecord(transaction *txmanager.Transaction) (*TransactionRecord, error) {
	content, err := marshalContent(transaction)
	if err != nil {
		return nil, err
	}
	return &TransactionRecord{
		Xid:            transaction.Xid.String(),
		BranchID:       transaction.BranchID.String(),
		Type:           uint8(transaction.Type),
		Status:         uint8(transaction.Status),
		RetriedCount:   transaction.RetriedCount,
		CreateTime:     transaction.CreateTime,
		LastUpdateTime: transaction.LastUpdateTime,
		Version:        transaction.Version,
		Content:        content,
	}, nil
}

func fromRecord(record *TransactionRecord) (*txmanager.Transaction, error) {
	xid, err := uuid.Parse(record.Xid)
	if err != nil {
		return nil, errors.Wrap(err, "parse xid")
	}
	branchID, err := uuid.Parse(record.BranchID)
	if err != nil {
		return nil, errors.Wrap(err, "parse branch id")
	}

	var content transactionContent
	if len(record.Content) > 0 {
		if err := json.Unmarshal(record.Content, &content); err != nil {
			return nil, errors.Wrap(err, "unmarshal transaction content")
		}
	}

	return &txmanager.Transaction{
		Xid:            xid,
		BranchID:       branchID,
		Type:           txmanager.TransactionType(record.Type),
		Status:         api.Status(record.Status),
		RetriedCount:   record.RetriedCount,
		CreateTime:     record.CreateTime,
		LastUpdateTime: record.LastUpdateTime,
		Version:        record.Version,
		Participants:   content.Participants,
		Attachments:    content.Attachments,
	}, nil
}

func marshalContent(transaction *txmanager.Transaction) ([]byte, error) {
	content, err := json.Marshal(transactionContent{
		Participants: transaction.Participants,
		Attachments:  transaction.Attachments,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal transaction content")
	}
	return content, nil
}
