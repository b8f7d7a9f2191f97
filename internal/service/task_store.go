package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gensystem/internal/model"
	"gensystem/internal/provider"
	"gensystem/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TaskStore 任务记录的唯一写入口，所有状态变更都是基于旧状态的条件更新
type TaskStore struct {
	repo TaskRepository
}

func NewTaskStore(repo TaskRepository) *TaskStore {
	return &TaskStore{repo: repo}
}

// Create 创建主任务，只能在外部提交成功之后调用
func (s *TaskStore) Create(ctx context.Context, tx *gorm.DB, task *model.Task) error {
	if task.Status != model.TaskStatusPending {
		return fmt.Errorf("%w: 新任务状态必须为 PENDING", repository.ErrTaskStatusInvalid)
	}
	if task.ExternalTaskID == nil || *task.ExternalTaskID == "" {
		return fmt.Errorf("%w: 新任务缺少外部任务ID", ErrInvalidParams)
	}
	if task.ParentTaskID != nil {
		return fmt.Errorf("%w: 主任务不能有父任务", ErrInvalidParams)
	}
	return s.repo.Create(ctx, tx, task)
}

// Get 按ID取任务，不属于该用户时当作不存在
func (s *TaskStore) Get(ctx context.Context, userID, id string) (*model.Task, error) {
	task, err := s.repo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if task.UserID != userID {
		return nil, repository.ErrTaskNotFound
	}
	return task, nil
}

func (s *TaskStore) List(ctx context.Context, userID string, page, pageSize int) ([]*model.Task, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	return s.repo.ListByUserID(ctx, userID, page, pageSize)
}

func (s *TaskStore) Outstanding(ctx context.Context, userID string, limit int) ([]*model.Task, error) {
	return s.repo.ListOutstandingByUser(ctx, userID, limit)
}

func (s *TaskStore) Due(ctx context.Context, now time.Time, limit int) ([]*model.Task, error) {
	return s.repo.ListDueForPoll(ctx, now, limit)
}

func (s *TaskStore) CountActive(ctx context.Context, userID string) (int64, error) {
	return s.repo.CountActive(ctx, userID)
}

func (s *TaskStore) Children(ctx context.Context, tx *gorm.DB, parentID string) ([]*model.Task, error) {
	return s.repo.ListChildren(ctx, tx, parentID)
}

func (s *TaskStore) RecordPollFailure(ctx context.Context, id string, polledAt, nextPollAt time.Time) error {
	return s.repo.RecordPollFailure(ctx, id, polledAt, nextPollAt)
}

// Transition 把 task 从当前状态迁移到 upd.Status，返回更新后的副本，task 本身不修改
// 终态任务返回 (nil, nil)；状态已被其他请求修改返回 repository.ErrTaskStateConflict
func (s *TaskStore) Transition(ctx context.Context, tx *gorm.DB, task *model.Task, upd *model.TaskUpdate) (*model.Task, error) {
	if task.IsTerminal() {
		return nil, nil
	}
	if upd.Status == model.TaskStatusCompleted && (upd.AudioURL == nil || *upd.AudioURL == "") && (task.AudioURL == nil || *task.AudioURL == "") {
		return nil, fmt.Errorf("%w: 完成状态必须有音频地址", repository.ErrTaskStatusInvalid)
	}
	if err := s.repo.ApplyUpdate(ctx, tx, task.ID, task.Status, upd); err != nil {
		return nil, err
	}
	updated := *task
	upd.ApplyTo(&updated)
	return &updated, nil
}

// UpsertSibling 按派生ID查找子任务，存在则更新为完成，不存在则创建
func (s *TaskStore) UpsertSibling(ctx context.Context, tx *gorm.DB, primary *model.Task, derivedKey string, index int, artifact provider.Artifact, polledAt time.Time) (*model.Task, error) {
	existing, err := s.repo.GetByExternalID(ctx, tx, primary.UserID, derivedKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.ParentTaskID == nil || *existing.ParentTaskID != primary.ID {
			return nil, fmt.Errorf("%w: 派生ID %s 已被其他任务占用", repository.ErrTaskStatusInvalid, derivedKey)
		}
		return s.Transition(ctx, tx, existing, completedUpdate(artifact, "", polledAt))
	}

	title := artifact.Title
	if title == "" {
		title = fmt.Sprintf("%s (%d)", primary.Title, index+1)
	}
	key := derivedKey
	parentID := primary.ID
	sibling := &model.Task{
		ID:             uuid.NewString(),
		UserID:         primary.UserID,
		ExternalTaskID: &key,
		Prompt:         primary.Prompt,
		Style:          primary.Style,
		Title:          title,
		Instrumental:   primary.Instrumental,
		ModelVersion:   primary.ModelVersion,
		Status:         model.TaskStatusCompleted,
		Progress:       primary.Progress,
		ParentTaskID:   &parentID,
		LastPolledAt:   &polledAt,
	}
	completedUpdate(artifact, "", polledAt).ApplyTo(sibling)

	if err := s.repo.Create(ctx, tx, sibling); err != nil {
		if errors.Is(err, repository.ErrDuplicateTask) {
			// 另一个轮询抢先创建了子任务，主任务的条件更新也一定会冲突
			return nil, repository.ErrTaskStateConflict
		}
		return nil, err
	}
	return sibling, nil
}

// completedUpdate 用一条生成结果构造 COMPLETED 更新
func completedUpdate(a provider.Artifact, progress string, polledAt time.Time) *model.TaskUpdate {
	upd := &model.TaskUpdate{
		Status:       model.TaskStatusCompleted,
		Progress:     progress,
		Tags:         a.Tags,
		Title:        a.Title,
		Duration:     a.DurationSeconds,
		LastPolledAt: &polledAt,
	}
	url := a.URL
	upd.AudioURL = &url
	if a.ImageURL != "" {
		img := a.ImageURL
		upd.ImageURL = &img
	}
	return upd
}
