package model

import (
	"time"
)

const (
	TaskStatusPending    = "PENDING"
	TaskStatusProcessing = "PROCESSING"
	TaskStatusCompleted  = "COMPLETED"
	TaskStatusFailed     = "FAILED"
)

// 外部状态归一化后的分类
const (
	StatusClassPending    = "PENDING"
	StatusClassProcessing = "PROCESSING"
	StatusClassSuccess    = "SUCCESS"
	StatusClassFailed     = "FAILED"
)

// ValidTaskTransitions 任务状态机，COMPLETED / FAILED 为终态，不允许再迁移
var ValidTaskTransitions = map[string][]string{
	TaskStatusPending:    {TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed},
	TaskStatusProcessing: {TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidTaskTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// IsTerminalStatus 终态判断
func IsTerminalStatus(status string) bool {
	return status == TaskStatusCompleted || status == TaskStatusFailed
}

// NextTaskStatus 根据当前状态和本次拉取到的外部状态分类计算目标状态
//
// 外部返回成功但还没有可用的音频地址时保持 PROCESSING，等下一轮拉取，
// 避免出现没有产物的 COMPLETED。终态原样返回。
func NextTaskStatus(current, class string, hasArtifact bool) string {
	if IsTerminalStatus(current) {
		return current
	}

	switch class {
	case StatusClassFailed:
		return TaskStatusFailed
	case StatusClassSuccess:
		if hasArtifact {
			return TaskStatusCompleted
		}
		return TaskStatusProcessing
	case StatusClassPending:
		// 外部还在排队，不能让 PROCESSING 倒退
		return current
	default:
		return TaskStatusProcessing
	}
}

// Task 生成任务
//
// 主任务由提交流程在外部提交成功后创建；一个外部任务返回多条结果时，
// 第 2 条起的结果落成子任务（ParentTaskID 指向主任务），子任务不再展开，也不单独轮询。
type Task struct {
	ID                 string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID             string     `gorm:"type:varchar(64);index:idx_task_user_status;not null" json:"user_id"`
	ExternalTaskID     *string    `gorm:"type:varchar(128);uniqueIndex" json:"external_task_id,omitempty"`
	Prompt             string     `gorm:"type:text;not null" json:"prompt"`
	Style              string     `gorm:"type:varchar(256)" json:"style,omitempty"`
	Title              string     `gorm:"type:varchar(256)" json:"title,omitempty"`
	Instrumental       bool       `gorm:"not null;default:false" json:"instrumental"`
	ModelVersion       string     `gorm:"type:varchar(32)" json:"model_version,omitempty"`
	Status             string     `gorm:"type:varchar(20);index:idx_task_user_status;index:idx_task_poll;not null" json:"status"`
	Progress           string     `gorm:"type:varchar(32)" json:"progress,omitempty"`
	FailReason         string     `gorm:"type:varchar(512)" json:"fail_reason,omitempty"`
	AudioURL           *string    `gorm:"type:varchar(1024)" json:"audio_url,omitempty"`
	ImageURL           *string    `gorm:"type:varchar(1024)" json:"image_url,omitempty"`
	Duration           *float64   `json:"duration,omitempty"`
	Tags               string     `gorm:"type:varchar(512)" json:"tags,omitempty"`
	ParentTaskID       *string    `gorm:"type:varchar(36);index" json:"parent_task_id,omitempty"`
	Cost               int64      `gorm:"not null;default:0" json:"cost"`
	DebitTransactionID string     `gorm:"type:varchar(64)" json:"-"`
	PollFailures       int        `gorm:"not null;default:0" json:"-"`
	NextPollAt         *time.Time `gorm:"index:idx_task_poll" json:"-"`
	LastPolledAt       *time.Time `json:"last_polled_at,omitempty"`
	CreatedAt          time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Task) TableName() string {
	return "generation_task"
}

func (t *Task) IsTerminal() bool {
	return IsTerminalStatus(t.Status)
}

// IsSibling 是否为展开出来的子任务
func (t *Task) IsSibling() bool {
	return t.ParentTaskID != nil
}

// TaskUpdate 一次状态迁移要写入的字段，零值字段不更新
type TaskUpdate struct {
	Status       string
	Progress     string
	FailReason   string
	AudioURL     *string
	ImageURL     *string
	Duration     *float64
	Tags         string
	Title        string
	LastPolledAt *time.Time
	NextPollAt   *time.Time
}

// Columns 转成 gorm Updates 使用的列映射，成功拉取一次即清零失败计数
func (u *TaskUpdate) Columns() map[string]interface{} {
	cols := map[string]interface{}{
		"status":        u.Status,
		"poll_failures": 0,
	}
	if u.Progress != "" {
		cols["progress"] = u.Progress
	}
	if u.FailReason != "" {
		cols["fail_reason"] = u.FailReason
	}
	if u.AudioURL != nil {
		cols["audio_url"] = *u.AudioURL
	}
	if u.ImageURL != nil {
		cols["image_url"] = *u.ImageURL
	}
	if u.Duration != nil {
		cols["duration"] = *u.Duration
	}
	if u.Tags != "" {
		cols["tags"] = u.Tags
	}
	if u.Title != "" {
		cols["title"] = u.Title
	}
	if u.LastPolledAt != nil {
		cols["last_polled_at"] = *u.LastPolledAt
	}
	if u.NextPollAt != nil {
		cols["next_poll_at"] = *u.NextPollAt
	}
	return cols
}

// ApplyTo 把更新写回内存中的任务对象
func (u *TaskUpdate) ApplyTo(t *Task) {
	t.Status = u.Status
	t.PollFailures = 0
	if u.Progress != "" {
		t.Progress = u.Progress
	}
	if u.FailReason != "" {
		t.FailReason = u.FailReason
	}
	if u.AudioURL != nil {
		v := *u.AudioURL
		t.AudioURL = &v
	}
	if u.ImageURL != nil {
		v := *u.ImageURL
		t.ImageURL = &v
	}
	if u.Duration != nil {
		v := *u.Duration
		t.Duration = &v
	}
	if u.Tags != "" {
		t.Tags = u.Tags
	}
	if u.Title != "" {
		t.Title = u.Title
	}
	if u.LastPolledAt != nil {
		v := *u.LastPolledAt
		t.LastPolledAt = &v
	}
	if u.NextPollAt != nil {
		v := *u.NextPollAt
		t.NextPollAt = &v
	}
}
