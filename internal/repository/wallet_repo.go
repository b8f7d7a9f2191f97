package repository

import (
	"context"
	"errors"

	"gensystem/internal/model"

	"gorm.io/gorm"
)

var (
	ErrWalletNotFound   = errors.New("钱包不存在")
	ErrWalletExists     = errors.New("钱包已存在")
	ErrBalanceNotEnough = errors.New("积分不足")
	ErrOptimisticLock   = errors.New("乐观锁冲突，请重试")
)

type WalletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

func (r *WalletRepository) Create(ctx context.Context, tx *gorm.DB, wallet *model.Wallet) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).Create(wallet).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrWalletExists
	}
	return err
}

func (r *WalletRepository) GetByUserID(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error) {
	if tx == nil {
		tx = r.db
	}
	var wallet model.Wallet
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// Deduct 乐观锁扣减：余额足够且版本号未变才会命中
// 未命中时重新读取钱包，区分余额不足与并发冲突
func (r *WalletRepository) Deduct(ctx context.Context, tx *gorm.DB, userID string, amount int64, version int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("user_id = ? AND balance >= ? AND version = ?", userID, amount, version).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		wallet, err := r.GetByUserID(ctx, tx, userID)
		if err != nil {
			return err
		}
		if wallet.Balance < amount {
			return ErrBalanceNotEnough
		}
		return ErrOptimisticLock
	}

	return nil
}

// Increase 乐观锁入账
func (r *WalletRepository) Increase(ctx context.Context, tx *gorm.DB, userID string, amount int64, version int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("user_id = ? AND version = ?", userID, version).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.GetByUserID(ctx, tx, userID); err != nil {
			return err
		}
		return ErrOptimisticLock
	}

	return nil
}
