package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gensystem/internal/model"
	"gensystem/internal/repository"
	"gensystem/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type LedgerOptions struct {
	InitialBalance int64
	MaxRetries     int
	RetryBackoff   time.Duration
}

// LedgerService 积分账本
// 余额变更全部走版本号乐观锁，不持有任何跨 I/O 的锁；每次变更写一条不可变流水
type LedgerService struct {
	tx           Transactor
	wallets      WalletStore
	transactions TransactionStore
	opts         LedgerOptions
	logger       *zap.Logger
}

func NewLedgerService(tx Transactor, wallets WalletStore, transactions TransactionStore, opts LedgerOptions, logger *zap.Logger) *LedgerService {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &LedgerService{
		tx:           tx,
		wallets:      wallets,
		transactions: transactions,
		opts:         opts,
		logger:       logger.Named("ledger"),
	}
}

type ReserveResult struct {
	NewBalance    int64  `json:"balance"`
	TransactionID string `json:"transaction_id"`
}

type CreditResult struct {
	Balance       int64  `json:"balance"`
	TransactionID string `json:"transaction_id,omitempty"`
	Duplicate     bool   `json:"duplicate"`
}

// OpenWallet 获取钱包，不存在时按初始额度创建并记一笔注册赠送
func (s *LedgerService) OpenWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	wallet, err := s.wallets.GetByUserID(ctx, nil, userID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, repository.ErrWalletNotFound) {
		return nil, err
	}

	initial := s.opts.InitialBalance
	err = s.tx.Transaction(ctx, func(tx *gorm.DB) error {
		if err := s.wallets.Create(ctx, tx, &model.Wallet{UserID: userID, Balance: initial}); err != nil {
			return err
		}
		if initial <= 0 {
			return nil
		}
		ref := "signup:" + userID
		dedupKey := model.RewardDedupKey(ref)
		return s.transactions.Create(ctx, tx, &model.LedgerTransaction{
			ID:            idgen.GenerateTransactionNo(idgen.PrefixReward),
			UserID:        userID,
			Amount:        initial,
			Type:          model.TransactionTypeReward,
			ReferenceID:   &ref,
			DedupKey:      &dedupKey,
			BalanceBefore: 0,
			BalanceAfter:  initial,
			Description:   "注册赠送",
		})
	})
	if err != nil && !errors.Is(err, repository.ErrWalletExists) {
		return nil, fmt.Errorf("创建钱包失败: %w", err)
	}
	if err == nil {
		s.logger.Info("钱包已创建", zap.String("user_id", userID), zap.Int64("balance", initial))
	}

	return s.wallets.GetByUserID(ctx, nil, userID)
}

// Balance 没有钱包视为余额 0
func (s *LedgerService) Balance(ctx context.Context, userID string) (int64, error) {
	wallet, err := s.wallets.GetByUserID(ctx, nil, userID)
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return wallet.Balance, nil
}

// Reserve 扣减积分并写 CONSUME 流水，referenceID 为本次扣费对应的任务ID
// 余额不足返回 ErrInsufficientFunds，没有任何副作用
func (s *LedgerService) Reserve(ctx context.Context, userID string, amount int64, referenceID, description string) (*ReserveResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var result *ReserveResult
	err := retryOnConflict(ctx, s.opts.MaxRetries, s.opts.RetryBackoff, func() error {
		wallet, err := s.wallets.GetByUserID(ctx, nil, userID)
		if err != nil {
			if errors.Is(err, repository.ErrWalletNotFound) {
				return ErrInsufficientFunds
			}
			return err
		}
		if wallet.Balance < amount {
			return ErrInsufficientFunds
		}

		txnID := idgen.GenerateTransactionNo(idgen.PrefixConsume)
		ref := referenceID
		return s.tx.Transaction(ctx, func(tx *gorm.DB) error {
			if err := s.wallets.Deduct(ctx, tx, userID, amount, wallet.Version); err != nil {
				if errors.Is(err, repository.ErrBalanceNotEnough) {
					return ErrInsufficientFunds
				}
				return err
			}

			transaction := &model.LedgerTransaction{
				ID:            txnID,
				UserID:        userID,
				Amount:        -amount,
				Type:          model.TransactionTypeConsume,
				ReferenceID:   &ref,
				BalanceBefore: wallet.Balance,
				BalanceAfter:  wallet.Balance - amount,
				Description:   description,
			}
			if err := s.transactions.Create(ctx, tx, transaction); err != nil {
				return fmt.Errorf("记录流水失败: %w", err)
			}

			result = &ReserveResult{NewBalance: wallet.Balance - amount, TransactionID: txnID}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("扣费成功",
		zap.String("user_id", userID),
		zap.String("reference_id", referenceID),
		zap.Int64("amount", amount),
		zap.Int64("balance", result.NewBalance))
	return result, nil
}

// Refund 幂等退款：同一个 referenceID 只会退一次，重复调用返回当前余额
func (s *LedgerService) Refund(ctx context.Context, userID string, amount int64, referenceID, reason string) (*CreditResult, error) {
	var result *CreditResult
	err := retryOnConflict(ctx, s.opts.MaxRetries, s.opts.RetryBackoff, func() error {
		return s.tx.Transaction(ctx, func(tx *gorm.DB) error {
			r, err := s.RefundTx(ctx, tx, userID, amount, referenceID, reason)
			result = r
			return err
		})
	})
	if errors.Is(err, ErrRefundConflict) {
		// 并发的另一笔退款已经提交，本次视为成功
		balance, balErr := s.Balance(ctx, userID)
		if balErr != nil {
			return nil, balErr
		}
		return &CreditResult{Balance: balance, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RefundTx 在调用方的事务里退款，供失败任务的补偿使用
// 返回 ErrRefundConflict / repository.ErrOptimisticLock 时调用方必须回滚整个事务
func (s *LedgerService) RefundTx(ctx context.Context, tx *gorm.DB, userID string, amount int64, referenceID, reason string) (*CreditResult, error) {
	if referenceID == "" {
		return nil, fmt.Errorf("%w: 退款缺少关联ID", ErrInvalidParams)
	}
	result, err := s.creditTx(ctx, tx, userID, amount, model.TransactionTypeRefund, idgen.PrefixRefund,
		model.RefundDedupKey(referenceID), referenceID, reason)
	if errors.Is(err, repository.ErrDuplicateTransaction) {
		return nil, ErrRefundConflict
	}
	if err != nil {
		return nil, err
	}
	if !result.Duplicate {
		s.logger.Info("退款成功",
			zap.String("user_id", userID),
			zap.String("reference_id", referenceID),
			zap.Int64("amount", amount),
			zap.Int64("balance", result.Balance))
	}
	return result, nil
}

// Recharge 充值入账，referenceID 为外部支付凭证，重放时不会重复入账
func (s *LedgerService) Recharge(ctx context.Context, userID string, amount int64, referenceID, description string) (*CreditResult, error) {
	return s.credit(ctx, userID, amount, model.TransactionTypeRecharge, idgen.PrefixRecharge,
		dedupKeyOrNil(referenceID, model.RechargeDedupKey), referenceID, description)
}

// Reward 赠送积分，referenceID 必填，用作去重
func (s *LedgerService) Reward(ctx context.Context, userID string, amount int64, referenceID, description string) (*CreditResult, error) {
	if referenceID == "" {
		return nil, fmt.Errorf("%w: 赠送缺少关联ID", ErrInvalidParams)
	}
	return s.credit(ctx, userID, amount, model.TransactionTypeReward, idgen.PrefixReward,
		model.RewardDedupKey(referenceID), referenceID, description)
}

func (s *LedgerService) ListTransactions(ctx context.Context, userID string, page, pageSize int) ([]*model.LedgerTransaction, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	return s.transactions.ListByUserID(ctx, userID, page, pageSize)
}

func (s *LedgerService) TransactionsForReference(ctx context.Context, referenceID string) ([]*model.LedgerTransaction, error) {
	return s.transactions.ListByReference(ctx, referenceID)
}

func (s *LedgerService) credit(ctx context.Context, userID string, amount int64, txType, prefix, dedupKey, referenceID, description string) (*CreditResult, error) {
	if _, err := s.OpenWallet(ctx, userID); err != nil {
		return nil, err
	}

	var result *CreditResult
	err := retryOnConflict(ctx, s.opts.MaxRetries, s.opts.RetryBackoff, func() error {
		return s.tx.Transaction(ctx, func(tx *gorm.DB) error {
			r, err := s.creditTx(ctx, tx, userID, amount, txType, prefix, dedupKey, referenceID, description)
			result = r
			return err
		})
	})
	if errors.Is(err, repository.ErrDuplicateTransaction) {
		balance, balErr := s.Balance(ctx, userID)
		if balErr != nil {
			return nil, balErr
		}
		return &CreditResult{Balance: balance, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}

	if !result.Duplicate {
		s.logger.Info("入账成功",
			zap.String("user_id", userID),
			zap.String("type", txType),
			zap.Int64("amount", amount),
			zap.Int64("balance", result.Balance))
	}
	return result, nil
}

// creditTx 入账的公共流程：去重键已存在直接返回当前余额，否则乐观锁加余额并写流水
func (s *LedgerService) creditTx(ctx context.Context, tx *gorm.DB, userID string, amount int64, txType, prefix, dedupKey, referenceID, description string) (*CreditResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if dedupKey != "" {
		existing, err := s.transactions.GetByDedupKey(ctx, tx, dedupKey)
		if err != nil {
			return nil, fmt.Errorf("查询流水失败: %w", err)
		}
		if existing != nil {
			wallet, err := s.wallets.GetByUserID(ctx, tx, userID)
			if err != nil {
				return nil, err
			}
			return &CreditResult{Balance: wallet.Balance, TransactionID: existing.ID, Duplicate: true}, nil
		}
	}

	wallet, err := s.wallets.GetByUserID(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	if wallet.Balance > math.MaxInt64-amount {
		return nil, fmt.Errorf("%w: 入账后余额溢出", ErrInvalidAmount)
	}

	if err := s.wallets.Increase(ctx, tx, userID, amount, wallet.Version); err != nil {
		return nil, err
	}

	transaction := &model.LedgerTransaction{
		ID:            idgen.GenerateTransactionNo(prefix),
		UserID:        userID,
		Amount:        amount,
		Type:          txType,
		BalanceBefore: wallet.Balance,
		BalanceAfter:  wallet.Balance + amount,
		Description:   description,
	}
	if referenceID != "" {
		ref := referenceID
		transaction.ReferenceID = &ref
	}
	if dedupKey != "" {
		key := dedupKey
		transaction.DedupKey = &key
	}
	if err := s.transactions.Create(ctx, tx, transaction); err != nil {
		return nil, err
	}

	return &CreditResult{Balance: wallet.Balance + amount, TransactionID: transaction.ID}, nil
}

func dedupKeyOrNil(referenceID string, build func(string) string) string {
	if referenceID == "" {
		return ""
	}
	return build(referenceID)
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}
