package repository

import (
	"context"
	"errors"
	"time"

	"gensystem/internal/model"

	"gorm.io/gorm"
)

// ErrDuplicateTransaction 去重键冲突，说明同一业务引用已经入账
var ErrDuplicateTransaction = errors.New("流水已存在")

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.LedgerTransaction) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).Create(trans).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateTransaction
	}
	return err
}

// GetByDedupKey 不存在时返回 nil, nil
func (r *TransactionRepository) GetByDedupKey(ctx context.Context, tx *gorm.DB, dedupKey string) (*model.LedgerTransaction, error) {
	if tx == nil {
		tx = r.db
	}
	var trans model.LedgerTransaction
	err := tx.WithContext(ctx).Where("dedup_key = ?", dedupKey).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

func (r *TransactionRepository) ListByReference(ctx context.Context, referenceID string) ([]*model.LedgerTransaction, error) {
	var transactions []*model.LedgerTransaction
	err := r.db.WithContext(ctx).
		Where("reference_id = ?", referenceID).
		Order("created_at ASC").
		Find(&transactions).Error
	return transactions, err
}

func (r *TransactionRepository) ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.LedgerTransaction, int64, error) {
	var transactions []*model.LedgerTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.LedgerTransaction{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

// ListOrphanDebits 查询早于 before 的扣费流水中，既没有对应任务也没有退款的记录
// 正常情况下扣费后要么创建任务，要么立即退款，这里查出来的都需要人工介入
func (r *TransactionRepository) ListOrphanDebits(ctx context.Context, before time.Time, limit int) ([]*model.LedgerTransaction, error) {
	var transactions []*model.LedgerTransaction
	err := r.db.WithContext(ctx).
		Table(model.LedgerTransaction{}.TableName()+" AS c").
		Select("c.*").
		Where("c.type = ? AND c.created_at < ? AND c.reference_id IS NOT NULL", model.TransactionTypeConsume, before).
		Where("NOT EXISTS (SELECT 1 FROM "+model.Task{}.TableName()+" t WHERE t.id = c.reference_id)").
		Where("NOT EXISTS (SELECT 1 FROM "+model.LedgerTransaction{}.TableName()+" r WHERE r.type = ? AND r.reference_id = c.reference_id)", model.TransactionTypeRefund).
		Order("c.created_at ASC").
		Limit(limit).
		Find(&transactions).Error
	return transactions, err
}
