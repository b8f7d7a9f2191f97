package service

import (
	"context"
	"time"

	"gensystem/internal/model"
	"gensystem/internal/provider"

	"gorm.io/gorm"
)

// Transactor 在一个数据库事务里执行 fn，fn 返回错误时回滚
type Transactor interface {
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// 以下接口由 repository 包实现；tx 为空时使用非事务连接

type WalletStore interface {
	Create(ctx context.Context, tx *gorm.DB, wallet *model.Wallet) error
	GetByUserID(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error)
	Deduct(ctx context.Context, tx *gorm.DB, userID string, amount int64, version int64) error
	Increase(ctx context.Context, tx *gorm.DB, userID string, amount int64, version int64) error
}

type TransactionStore interface {
	Create(ctx context.Context, tx *gorm.DB, trans *model.LedgerTransaction) error
	GetByDedupKey(ctx context.Context, tx *gorm.DB, dedupKey string) (*model.LedgerTransaction, error)
	ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.LedgerTransaction, int64, error)
	ListByReference(ctx context.Context, referenceID string) ([]*model.LedgerTransaction, error)
}

type TaskRepository interface {
	Create(ctx context.Context, tx *gorm.DB, task *model.Task) error
	GetByID(ctx context.Context, tx *gorm.DB, id string) (*model.Task, error)
	GetByExternalID(ctx context.Context, tx *gorm.DB, userID, externalID string) (*model.Task, error)
	ApplyUpdate(ctx context.Context, tx *gorm.DB, id string, fromStatus string, upd *model.TaskUpdate) error
	RecordPollFailure(ctx context.Context, id string, polledAt, nextPollAt time.Time) error
	ListChildren(ctx context.Context, tx *gorm.DB, parentID string) ([]*model.Task, error)
	ListOutstandingByUser(ctx context.Context, userID string, limit int) ([]*model.Task, error)
	ListDueForPoll(ctx context.Context, now time.Time, limit int) ([]*model.Task, error)
	CountActive(ctx context.Context, userID string) (int64, error)
	ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.Task, int64, error)
}

type OutboxWriter interface {
	Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error
}

// Generator 提交生成任务
type Generator interface {
	Submit(ctx context.Context, p provider.GenerateParams) (string, error)
}

// StatusFetcher 查询外部任务状态
type StatusFetcher interface {
	FetchStatus(ctx context.Context, externalID string) (*provider.TaskStatus, error)
}

// RequestGuard 请求去重占位，由 lock.OnceGuard 实现
type RequestGuard interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}
