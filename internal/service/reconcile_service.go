package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gensystem/internal/model"
	"gensystem/internal/provider"
	"gensystem/internal/repository"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 单个任务的对账结果
const (
	OutcomeSkipped   = "skipped"
	OutcomeUnchanged = "unchanged"
	OutcomeUpdated   = "updated"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeConflict  = "conflict"
	OutcomeError     = "error"
)

const defaultOutstandingLimit = 50

type ReconcileOptions struct {
	Workers      int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	TaskTopic    string
}

type Outcome struct {
	TaskID string `json:"task_id"`
	Result string `json:"result"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`

	Err     error         `json:"-"`
	Changed []*model.Task `json:"-"`
}

// ReconcileService 拉取外部状态并推进本地任务
//
// 每个任务独立处理，一个任务的失败只记录在它自己的 Outcome 里。
// 外部调用都在事务之外，失败迁移和退款在同一个事务里提交。
type ReconcileService struct {
	tx      Transactor
	tasks   *TaskStore
	fetcher StatusFetcher
	refunds *RefundCoordinator
	outbox  OutboxWriter
	opts    ReconcileOptions
	logger  *zap.Logger
	now     func() time.Time
}

func NewReconcileService(tx Transactor, tasks *TaskStore, fetcher StatusFetcher, refunds *RefundCoordinator, outbox OutboxWriter, opts ReconcileOptions, logger *zap.Logger) *ReconcileService {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 5 * time.Second
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	return &ReconcileService{
		tx:      tx,
		tasks:   tasks,
		fetcher: fetcher,
		refunds: refunds,
		outbox:  outbox,
		opts:    opts,
		logger:  logger.Named("reconcile"),
		now:     time.Now,
	}
}

// Reconcile 对账用户指定的任务，不存在或不属于该用户的ID在结果里标记为 error
func (s *ReconcileService) Reconcile(ctx context.Context, userID string, taskIDs []string) []Outcome {
	outcomes := make([]Outcome, 0, len(taskIDs))
	tasks := make([]*model.Task, 0, len(taskIDs))
	index := make([]int, 0, len(taskIDs))
	seen := make(map[string]struct{}, len(taskIDs))

	for _, id := range taskIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		task, err := s.tasks.Get(ctx, userID, id)
		if err != nil {
			outcomes = append(outcomes, errorOutcome(id, "", err))
			continue
		}
		index = append(index, len(outcomes))
		outcomes = append(outcomes, Outcome{TaskID: id})
		tasks = append(tasks, task)
	}

	for i, o := range s.ReconcileTasks(ctx, tasks) {
		outcomes[index[i]] = o
	}
	return outcomes
}

// ReconcileOutstanding 对账用户所有未结束的任务，返回本次有变化的任务（含新建的子任务）
func (s *ReconcileService) ReconcileOutstanding(ctx context.Context, userID string) ([]*model.Task, error) {
	tasks, err := s.tasks.Outstanding(ctx, userID, defaultOutstandingLimit)
	if err != nil {
		return nil, fmt.Errorf("查询未结束任务失败: %w", err)
	}

	changed := make([]*model.Task, 0)
	for _, o := range s.ReconcileTasks(ctx, tasks) {
		changed = append(changed, o.Changed...)
	}
	return changed, nil
}

// ReconcileDue 后台轮询入口，处理到期的任务
func (s *ReconcileService) ReconcileDue(ctx context.Context, limit int) ([]Outcome, error) {
	tasks, err := s.tasks.Due(ctx, s.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("查询待轮询任务失败: %w", err)
	}
	return s.ReconcileTasks(ctx, tasks), nil
}

// ReconcileTasks 并发对账，结果与输入一一对应
func (s *ReconcileService) ReconcileTasks(ctx context.Context, tasks []*model.Task) []Outcome {
	outcomes := make([]Outcome, len(tasks))
	if len(tasks) == 0 {
		return outcomes
	}

	p := pool.New().WithMaxGoroutines(s.opts.Workers)
	for i, task := range tasks {
		i, task := i, task
		p.Go(func() {
			outcomes[i] = s.reconcileOne(ctx, task)
		})
	}
	p.Wait()
	return outcomes
}

func (s *ReconcileService) reconcileOne(ctx context.Context, task *model.Task) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("对账异常", zap.String("task_id", task.ID), zap.Any("panic", r))
			out = errorOutcome(task.ID, task.Status, fmt.Errorf("panic: %v", r))
		}
	}()

	if task.IsTerminal() || task.IsSibling() {
		return Outcome{TaskID: task.ID, Result: OutcomeSkipped, Status: task.Status}
	}
	if task.ExternalTaskID == nil || *task.ExternalTaskID == "" {
		return errorOutcome(task.ID, task.Status, errors.New("任务缺少外部任务ID"))
	}
	if err := ctx.Err(); err != nil {
		return errorOutcome(task.ID, task.Status, err)
	}

	status, err := s.fetcher.FetchStatus(ctx, *task.ExternalTaskID)
	now := s.now()
	if err != nil {
		next := now.Add(s.backoff(task.PollFailures + 1))
		if recErr := s.tasks.RecordPollFailure(ctx, task.ID, now, next); recErr != nil {
			s.logger.Warn("记录拉取失败出错", zap.String("task_id", task.ID), zap.Error(recErr))
		}
		s.logger.Warn("拉取外部状态失败，下次重试",
			zap.String("task_id", task.ID),
			zap.Time("next_poll_at", next),
			zap.Error(err))
		return errorOutcome(task.ID, task.Status, err)
	}

	class := provider.NormalizeStatus(status.RawStatus)
	usable := status.UsableArtifacts()
	target := model.NextTaskStatus(task.Status, class, len(usable) > 0)

	if target == model.TaskStatusFailed {
		return s.applyFailure(ctx, task, status, now)
	}
	return s.applyProgress(ctx, task, status, target, usable, now)
}

// applyFailure 置为 FAILED、退款、连带子任务失败，在同一个事务里完成
func (s *ReconcileService) applyFailure(ctx context.Context, task *model.Task, status *provider.TaskStatus, now time.Time) Outcome {
	reason := status.FailReason
	if reason == "" {
		reason = "生成失败: " + status.RawStatus
	}

	var changed []*model.Task
	err := retryOnConflict(ctx, s.opts.MaxRetries, s.opts.RetryBackoff, func() error {
		changed = changed[:0]
		return s.tx.Transaction(ctx, func(tx *gorm.DB) error {
			updated, err := s.tasks.Transition(ctx, tx, task, &model.TaskUpdate{
				Status:       model.TaskStatusFailed,
				Progress:     status.Progress,
				FailReason:   reason,
				LastPolledAt: &now,
			})
			if err != nil {
				return err
			}
			if updated == nil {
				return repository.ErrTaskStateConflict
			}
			changed = append(changed, updated)

			refund, err := s.refunds.RefundForFailedTask(ctx, tx, updated, reason)
			if err != nil {
				return err
			}

			children, err := s.tasks.Children(ctx, tx, task.ID)
			if err != nil {
				return err
			}
			for _, child := range children {
				c, err := s.tasks.Transition(ctx, tx, child, &model.TaskUpdate{
					Status:       model.TaskStatusFailed,
					FailReason:   "主任务失败: " + reason,
					LastPolledAt: &now,
				})
				if err != nil {
					return err
				}
				if c != nil {
					changed = append(changed, c)
				}
			}

			event := newTaskEvent(updated)
			if refund != nil && !refund.Duplicate {
				event.Refunded = updated.Cost
			}
			msg, err := model.NewOutboxMessage(s.opts.TaskTopic, updated.ID, model.EventTaskFailed, event)
			if err != nil {
				return err
			}
			return s.outbox.Create(ctx, tx, msg)
		})
	})
	if err != nil {
		return s.applyError(task, err)
	}

	s.logger.Info("任务失败，已退款",
		zap.String("task_id", task.ID),
		zap.String("reason", reason))
	return Outcome{TaskID: task.ID, Result: OutcomeFailed, Status: model.TaskStatusFailed, Changed: changed}
}

// applyProgress 推进非失败状态；完成时展开第 2 条起的结果为子任务
func (s *ReconcileService) applyProgress(ctx context.Context, task *model.Task, status *provider.TaskStatus, target string, usable []provider.Artifact, now time.Time) Outcome {
	next := now.Add(s.opts.BackoffBase)
	upd := &model.TaskUpdate{
		Status:       target,
		Progress:     status.Progress,
		LastPolledAt: &now,
		NextPollAt:   &next,
	}
	if target == model.TaskStatusCompleted {
		upd = completedUpdate(usable[0], status.Progress, now)
	}

	var changed []*model.Task
	err := s.tx.Transaction(ctx, func(tx *gorm.DB) error {
		changed = changed[:0]
		updated, err := s.tasks.Transition(ctx, tx, task, upd)
		if err != nil {
			return err
		}
		if updated == nil {
			return repository.ErrTaskStateConflict
		}
		if target != model.TaskStatusCompleted {
			if updated.Status != task.Status || updated.Progress != task.Progress {
				changed = append(changed, updated)
			}
			return nil
		}
		changed = append(changed, updated)

		siblingIDs := make([]string, 0, len(usable)-1)
		for i := 1; i < len(usable); i++ {
			derivedKey := *task.ExternalTaskID + "_" + strconv.Itoa(i+1)
			sibling, err := s.tasks.UpsertSibling(ctx, tx, updated, derivedKey, i, usable[i], now)
			if err != nil {
				return err
			}
			if sibling != nil {
				changed = append(changed, sibling)
				siblingIDs = append(siblingIDs, sibling.ID)
			}
		}

		event := newTaskEvent(updated)
		event.SiblingIDs = siblingIDs
		msg, err := model.NewOutboxMessage(s.opts.TaskTopic, updated.ID, model.EventTaskCompleted, event)
		if err != nil {
			return err
		}
		return s.outbox.Create(ctx, tx, msg)
	})
	if err != nil {
		return s.applyError(task, err)
	}

	switch {
	case target == model.TaskStatusCompleted:
		s.logger.Info("任务完成",
			zap.String("task_id", task.ID),
			zap.Int("artifacts", len(usable)))
		return Outcome{TaskID: task.ID, Result: OutcomeCompleted, Status: target, Changed: changed}
	case len(changed) > 0:
		return Outcome{TaskID: task.ID, Result: OutcomeUpdated, Status: target, Changed: changed}
	default:
		return Outcome{TaskID: task.ID, Result: OutcomeUnchanged, Status: target}
	}
}

// applyError 状态冲突说明其他轮询已经处理过，不算失败
func (s *ReconcileService) applyError(task *model.Task, err error) Outcome {
	if errors.Is(err, repository.ErrTaskStateConflict) || errors.Is(err, ErrRefundConflict) {
		s.logger.Debug("任务已被其他轮询推进", zap.String("task_id", task.ID))
		return Outcome{TaskID: task.ID, Result: OutcomeConflict, Status: task.Status}
	}
	s.logger.Error("写入对账结果失败", zap.String("task_id", task.ID), zap.Error(err))
	return errorOutcome(task.ID, task.Status, err)
}

// backoff 第 n 次连续失败后的等待时间：base * 2^(n-1)，不超过 max
func (s *ReconcileService) backoff(failures int) time.Duration {
	d := s.opts.BackoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= s.opts.BackoffMax {
			return s.opts.BackoffMax
		}
	}
	return d
}

func errorOutcome(taskID, status string, err error) Outcome {
	return Outcome{TaskID: taskID, Result: OutcomeError, Status: status, Error: err.Error(), Err: err}
}
