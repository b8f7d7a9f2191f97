package service

import (
	"context"

	"gensystem/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type taskRefunder interface {
	RefundTx(ctx context.Context, tx *gorm.DB, userID string, amount int64, referenceID, reason string) (*CreditResult, error)
}

// RefundCoordinator 任务失败时退还扣费，以任务ID为去重依据，重复调用无副作用
type RefundCoordinator struct {
	ledger      taskRefunder
	defaultCost int64
	logger      *zap.Logger
}

func NewRefundCoordinator(ledger taskRefunder, defaultCost int64, logger *zap.Logger) *RefundCoordinator {
	return &RefundCoordinator{ledger: ledger, defaultCost: defaultCost, logger: logger.Named("refund")}
}

// RefundForFailedTask 必须与任务置为 FAILED 的更新处在同一个事务里
// 展开出来的子任务没有单独扣费，不退款
func (c *RefundCoordinator) RefundForFailedTask(ctx context.Context, tx *gorm.DB, task *model.Task, reason string) (*CreditResult, error) {
	if task.IsSibling() {
		return nil, nil
	}

	amount := task.Cost
	if amount <= 0 {
		amount = c.defaultCost
	}

	result, err := c.ledger.RefundTx(ctx, tx, task.UserID, amount, task.ID, "生成失败退款: "+reason)
	if err != nil {
		return nil, err
	}
	if result.Duplicate {
		c.logger.Debug("任务已退款，跳过", zap.String("task_id", task.ID))
	}
	return result, nil
}
