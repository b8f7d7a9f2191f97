package job

import (
	"context"
	"time"

	"gensystem/internal/config"
	"gensystem/internal/service"

	"go.uber.org/zap"
)

// Locker 多实例部署时保证同一时刻只有一个实例在跑这一轮
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

type dueReconciler interface {
	ReconcileDue(ctx context.Context, limit int) ([]service.Outcome, error)
}

// ReconcileJob 定时拉取到期任务的外部状态
type ReconcileJob struct {
	reconciler dueReconciler
	locker     Locker
	logger     *zap.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

// NewReconcileJob locker 为空时不加锁，适用于单实例
func NewReconcileJob(reconciler dueReconciler, locker Locker, cfg *config.ReconcileConfig, logger *zap.Logger) *ReconcileJob {
	return &ReconcileJob{
		reconciler: reconciler,
		locker:     locker,
		logger:     logger.Named("ReconcileJob"),
		stopCh:     make(chan struct{}),
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
	}
}

func (j *ReconcileJob) Start(ctx context.Context) {
	j.logger.Info("任务对账启动", zap.Duration("interval", j.interval))

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
			j.runOnce(ctx)
		}
	}
}

func (j *ReconcileJob) Stop() {
	close(j.stopCh)
}

func (j *ReconcileJob) runOnce(ctx context.Context) {
	if j.locker != nil {
		ok, err := j.locker.TryLock(ctx)
		if err != nil {
			j.logger.Warn("获取对账锁失败", zap.Error(err))
			return
		}
		if !ok {
			j.logger.Debug("其他实例正在对账，跳过本轮")
			return
		}
		defer func() {
			if err := j.locker.Unlock(context.WithoutCancel(ctx)); err != nil {
				j.logger.Warn("释放对账锁失败", zap.Error(err))
			}
		}()
	}

	outcomes, err := j.reconciler.ReconcileDue(ctx, j.batchSize)
	if err != nil {
		j.logger.Error("查询待对账任务失败", zap.Error(err))
		return
	}
	if len(outcomes) == 0 {
		return
	}

	counts := make(map[string]int)
	for _, o := range outcomes {
		counts[o.Result]++
		if o.Result == service.OutcomeError {
			j.logger.Warn("任务对账失败，下一轮重试", zap.String("task_id", o.TaskID), zap.String("error", o.Error))
		}
	}

	j.logger.Info("本轮对账完成",
		zap.Int("total", len(outcomes)),
		zap.Int("completed", counts[service.OutcomeCompleted]),
		zap.Int("failed", counts[service.OutcomeFailed]),
		zap.Int("updated", counts[service.OutcomeUpdated]),
		zap.Int("errors", counts[service.OutcomeError]))
}
