package job

import (
	"context"
	"time"

	"gensystem/internal/config"
	"gensystem/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type OrphanDebitSource interface {
	ListOrphanDebits(ctx context.Context, before time.Time, limit int) ([]*model.LedgerTransaction, error)
}

type OutboxCreator interface {
	Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error
}

// ReportGuard 同一笔流水在 TTL 内只上报一次，由 lock.OnceGuard 实现
type ReportGuard interface {
	Claim(ctx context.Context, key string) (bool, error)
}

// OrphanDebit 孤立扣费事件的消息体
type OrphanDebit struct {
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	ReferenceID   string    `json:"reference_id"`
	Amount        int64     `json:"amount"`
	DebitedAt     time.Time `json:"debited_at"`
}

// OrphanDebitJob 巡检扣了费却既没有任务也没有退款的流水
//
// 扣费提交之后、外部提交之前进程崩溃会留下这种记录。这里只上报，不自动退款，
// 外部任务可能已经提交成功，需要人工确认。
type OrphanDebitJob struct {
	source    OrphanDebitSource
	outbox    OutboxCreator
	guard     ReportGuard
	logger    *zap.Logger
	topic     string
	stopCh    chan struct{}
	interval  time.Duration
	grace     time.Duration
	batchSize int
	now       func() time.Time
}

func NewOrphanDebitJob(source OrphanDebitSource, outbox OutboxCreator, guard ReportGuard, cfg *config.OrphanConfig, topic string, logger *zap.Logger) *OrphanDebitJob {
	return &OrphanDebitJob{
		source:    source,
		outbox:    outbox,
		guard:     guard,
		logger:    logger.Named("OrphanDebitJob"),
		topic:     topic,
		stopCh:    make(chan struct{}),
		interval:  cfg.Interval,
		grace:     cfg.Grace,
		batchSize: cfg.BatchSize,
		now:       time.Now,
	}
}

func (j *OrphanDebitJob) Start(ctx context.Context) {
	j.logger.Info("孤立扣费巡检启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.logger.Info("任务停止")
			return
		case <-ticker.C:
			j.scan(ctx)
		}
	}
}

func (j *OrphanDebitJob) Stop() {
	close(j.stopCh)
}

func (j *OrphanDebitJob) scan(ctx context.Context) int {
	before := j.now().Add(-j.grace)
	debits, err := j.source.ListOrphanDebits(ctx, before, j.batchSize)
	if err != nil {
		j.logger.Error("查询孤立扣费失败", zap.Error(err))
		return 0
	}
	if len(debits) == 0 {
		return 0
	}

	reported := 0
	for _, debit := range debits {
		if j.report(ctx, debit) {
			reported++
		}
	}
	if reported > 0 {
		j.logger.Warn("发现孤立扣费", zap.Int("count", reported))
	}
	return reported
}

func (j *OrphanDebitJob) report(ctx context.Context, debit *model.LedgerTransaction) bool {
	if j.guard != nil {
		ok, err := j.guard.Claim(ctx, debit.ID)
		if err != nil {
			j.logger.Warn("上报去重失败", zap.String("transaction_id", debit.ID), zap.Error(err))
			return false
		}
		if !ok {
			return false
		}
	}

	ref := ""
	if debit.ReferenceID != nil {
		ref = *debit.ReferenceID
	}
	j.logger.Warn("扣费后没有任务也没有退款，需要人工处理",
		zap.String("transaction_id", debit.ID),
		zap.String("user_id", debit.UserID),
		zap.String("reference_id", ref),
		zap.Int64("amount", -debit.Amount))

	msg, err := model.NewOutboxMessage(j.topic, debit.UserID, model.EventLedgerOrphanDebit, OrphanDebit{
		TransactionID: debit.ID,
		UserID:        debit.UserID,
		ReferenceID:   ref,
		Amount:        -debit.Amount,
		DebitedAt:     debit.CreatedAt,
	})
	if err != nil {
		j.logger.Error("构造消息失败", zap.String("transaction_id", debit.ID), zap.Error(err))
		return false
	}
	if err := j.outbox.Create(ctx, nil, msg); err != nil {
		j.logger.Error("写入消息失败", zap.String("transaction_id", debit.ID), zap.Error(err))
		return false
	}
	return true
}
