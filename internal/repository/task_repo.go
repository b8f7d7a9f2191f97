package repository

import (
	"context"
	"errors"
	"time"

	"gensystem/internal/model"

	"gorm.io/gorm"
)

var (
	ErrTaskNotFound      = errors.New("任务不存在")
	ErrTaskStatusInvalid = errors.New("任务状态迁移不合法")
	ErrTaskStateConflict = errors.New("任务状态已被其他请求修改")
	ErrDuplicateTask     = errors.New("外部任务已存在")
)

var activeTaskStatuses = []string{model.TaskStatusPending, model.TaskStatusProcessing}

type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Create(ctx context.Context, tx *gorm.DB, task *model.Task) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).Create(task).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateTask
	}
	return err
}

func (r *TaskRepository) GetByID(ctx context.Context, tx *gorm.DB, id string) (*model.Task, error) {
	if tx == nil {
		tx = r.db
	}
	var task model.Task
	err := tx.WithContext(ctx).Where("id = ?", id).First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

// GetByExternalID 按外部任务ID（或展开子任务的派生ID）查找，不存在返回 nil, nil
func (r *TaskRepository) GetByExternalID(ctx context.Context, tx *gorm.DB, userID, externalID string) (*model.Task, error) {
	if tx == nil {
		tx = r.db
	}
	var task model.Task
	err := tx.WithContext(ctx).
		Where("user_id = ? AND external_task_id = ?", userID, externalID).
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

// ApplyUpdate 条件更新：只有当前状态仍为 fromStatus 才会写入
// 0 行命中说明其他轮询已经推进了该任务，本次写入作废
func (r *TaskRepository) ApplyUpdate(ctx context.Context, tx *gorm.DB, id string, fromStatus string, upd *model.TaskUpdate) error {
	if !model.CanTransitionTo(fromStatus, upd.Status) {
		return ErrTaskStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Task{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(upd.Columns())

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrTaskStateConflict
	}

	return nil
}

// RecordPollFailure 记录一次拉取失败，并推迟下一次拉取时间
func (r *TaskRepository) RecordPollFailure(ctx context.Context, id string, polledAt, nextPollAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.Task{}).
		Where("id = ? AND status IN ?", id, activeTaskStatuses).
		Updates(map[string]interface{}{
			"poll_failures":  gorm.Expr("poll_failures + 1"),
			"last_polled_at": polledAt,
			"next_poll_at":   nextPollAt,
		}).Error
}

func (r *TaskRepository) ListChildren(ctx context.Context, tx *gorm.DB, parentID string) ([]*model.Task, error) {
	if tx == nil {
		tx = r.db
	}
	var tasks []*model.Task
	err := tx.WithContext(ctx).
		Where("parent_task_id = ?", parentID).
		Order("created_at ASC").
		Find(&tasks).Error
	return tasks, err
}

// ListOutstandingByUser 用户未结束的主任务
func (r *TaskRepository) ListOutstandingByUser(ctx context.Context, userID string, limit int) ([]*model.Task, error) {
	var tasks []*model.Task
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND parent_task_id IS NULL AND status IN ?", userID, activeTaskStatuses).
		Order("created_at ASC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

// ListDueForPoll 到了拉取时间的未结束主任务
func (r *TaskRepository) ListDueForPoll(ctx context.Context, now time.Time, limit int) ([]*model.Task, error) {
	var tasks []*model.Task
	err := r.db.WithContext(ctx).
		Where("parent_task_id IS NULL AND external_task_id IS NOT NULL AND status IN ?", activeTaskStatuses).
		Where("next_poll_at IS NULL OR next_poll_at <= ?", now).
		Order("updated_at ASC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

func (r *TaskRepository) CountActive(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Task{}).
		Where("user_id = ? AND parent_task_id IS NULL AND status IN ?", userID, activeTaskStatuses).
		Count(&count).Error
	return count, err
}

func (r *TaskRepository) ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.Task, int64, error) {
	var tasks []*model.Task
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Task{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&tasks).Error

	return tasks, total, err
}
