package service

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"gensystem/internal/model"
	"gensystem/internal/provider"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 调用方断开后补偿退款仍要完成
const compensationTimeout = 10 * time.Second

type GenerationOptions struct {
	Cost            int64
	MaxActiveTasks  int
	MaxPromptLength int
	TaskTopic       string
}

// GenerationService 生成请求的提交流程：扣费 -> 外部提交 -> 创建任务，提交失败立即退款
type GenerationService struct {
	tx        Transactor
	ledger    *LedgerService
	tasks     *TaskStore
	outbox    OutboxWriter
	generator Generator
	guard     RequestGuard
	validate  *validator.Validate
	opts      GenerationOptions
	logger    *zap.Logger
}

// NewGenerationService guard 可以为空，此时不做请求去重
func NewGenerationService(tx Transactor, ledger *LedgerService, tasks *TaskStore, outbox OutboxWriter, generator Generator, guard RequestGuard, opts GenerationOptions, logger *zap.Logger) *GenerationService {
	return &GenerationService{
		tx:        tx,
		ledger:    ledger,
		tasks:     tasks,
		outbox:    outbox,
		generator: generator,
		guard:     guard,
		validate:  validator.New(),
		opts:      opts,
		logger:    logger.Named("generation"),
	}
}

type GenerateRequest struct {
	RequestID    string `json:"request_id" validate:"omitempty,max=64"`
	Prompt       string `json:"prompt" validate:"required"`
	Style        string `json:"style" validate:"max=256"`
	Title        string `json:"title" validate:"max=256"`
	Instrumental bool   `json:"instrumental"`
	ModelVersion string `json:"model_version" validate:"omitempty,oneof=V3_5 V4 V4_5 V4_6 V5"`
}

type GenerateResult struct {
	TaskID         string `json:"task_id,omitempty"`
	ExternalTaskID string `json:"external_task_id,omitempty"`
	Status         string `json:"status,omitempty"`
	Balance        int64  `json:"balance"`
}

// TaskEvent 任务事件的消息体
type TaskEvent struct {
	TaskID         string   `json:"task_id"`
	UserID         string   `json:"user_id"`
	ExternalTaskID string   `json:"external_task_id,omitempty"`
	Status         string   `json:"status"`
	FailReason     string   `json:"fail_reason,omitempty"`
	AudioURL       string   `json:"audio_url,omitempty"`
	SiblingIDs     []string `json:"sibling_ids,omitempty"`
	Refunded       int64    `json:"refunded,omitempty"`
}

func newTaskEvent(task *model.Task) TaskEvent {
	ev := TaskEvent{
		TaskID:     task.ID,
		UserID:     task.UserID,
		Status:     task.Status,
		FailReason: task.FailReason,
	}
	if task.ExternalTaskID != nil {
		ev.ExternalTaskID = *task.ExternalTaskID
	}
	if task.AudioURL != nil {
		ev.AudioURL = *task.AudioURL
	}
	return ev
}

func (s *GenerationService) validateRequest(req *GenerateRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if s.opts.MaxPromptLength > 0 && utf8.RuneCountInString(req.Prompt) > s.opts.MaxPromptLength {
		return fmt.Errorf("%w: prompt 不能超过 %d 个字符", ErrInvalidParams, s.opts.MaxPromptLength)
	}
	return nil
}

// RequestGeneration 发起一次生成
//
// 扣费在独立事务中先提交，外部调用在任何事务之外进行。
// 外部提交失败（包括超时）时同步退款后返回错误，调用方不会看到扣了费却没有任务的情况。
func (s *GenerationService) RequestGeneration(ctx context.Context, userID string, req *GenerateRequest) (result *GenerateResult, err error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	if s.guard != nil && req.RequestID != "" {
		guardKey := userID + ":" + req.RequestID
		claimed, claimErr := s.guard.Claim(ctx, guardKey)
		switch {
		case claimErr != nil:
			// Redis 不可用时不阻塞生成，只是失去去重
			s.logger.Warn("请求去重失败", zap.String("user_id", userID), zap.Error(claimErr))
		case !claimed:
			return nil, ErrDuplicateRequest
		default:
			defer func() {
				if err != nil {
					if relErr := s.guard.Release(context.WithoutCancel(ctx), guardKey); relErr != nil {
						s.logger.Warn("释放请求去重失败", zap.String("user_id", userID), zap.Error(relErr))
					}
				}
			}()
		}
	}

	// 先计数后扣费，并发提交时上限只是近似值，可能短暂多出几条
	if s.opts.MaxActiveTasks > 0 {
		active, err := s.tasks.CountActive(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("查询进行中任务失败: %w", err)
		}
		if active >= int64(s.opts.MaxActiveTasks) {
			return nil, ErrTooManyActiveTasks
		}
	}

	taskID := uuid.NewString()
	reserve, err := s.ledger.Reserve(ctx, userID, s.opts.Cost, taskID, "音乐生成扣费")
	if err != nil {
		return nil, err
	}

	params := provider.GenerateParams{
		Prompt:       req.Prompt,
		Style:        req.Style,
		Title:        req.Title,
		Instrumental: req.Instrumental,
		ModelVersion: req.ModelVersion,
	}
	externalID, submitErr := s.generator.Submit(ctx, params)
	if submitErr != nil {
		s.logger.Warn("提交生成任务失败，开始退款",
			zap.String("user_id", userID),
			zap.String("task_id", taskID),
			zap.Error(submitErr))
		balance, refundErr := s.compensate(ctx, userID, taskID, "提交生成任务失败")
		if refundErr != nil {
			return nil, errors.Join(submitErr, refundErr)
		}
		return &GenerateResult{Balance: balance}, submitErr
	}

	now := time.Now()
	task := &model.Task{
		ID:                 taskID,
		UserID:             userID,
		ExternalTaskID:     &externalID,
		Prompt:             req.Prompt,
		Style:              req.Style,
		Title:              req.Title,
		Instrumental:       req.Instrumental,
		ModelVersion:       req.ModelVersion,
		Status:             model.TaskStatusPending,
		Cost:               s.opts.Cost,
		DebitTransactionID: reserve.TransactionID,
		NextPollAt:         &now,
	}

	err = s.tx.Transaction(ctx, func(tx *gorm.DB) error {
		if err := s.tasks.Create(ctx, tx, task); err != nil {
			return fmt.Errorf("创建任务失败: %w", err)
		}
		msg, err := model.NewOutboxMessage(s.opts.TaskTopic, task.ID, model.EventTaskSubmitted, newTaskEvent(task))
		if err != nil {
			return err
		}
		return s.outbox.Create(ctx, tx, msg)
	})
	if err != nil {
		// 外部任务已经提交但本地没有记录，只能退款，外部结果作废
		s.logger.Error("保存任务失败，开始退款",
			zap.String("task_id", taskID),
			zap.String("external_task_id", externalID),
			zap.Error(err))
		balance, refundErr := s.compensate(ctx, userID, taskID, "保存任务失败")
		if refundErr != nil {
			return nil, errors.Join(err, refundErr)
		}
		return &GenerateResult{Balance: balance}, err
	}

	s.logger.Info("生成任务已提交",
		zap.String("user_id", userID),
		zap.String("task_id", taskID),
		zap.String("external_task_id", externalID))

	return &GenerateResult{
		TaskID:         taskID,
		ExternalTaskID: externalID,
		Status:         task.Status,
		Balance:        reserve.NewBalance,
	}, nil
}

// compensate 退还本次扣费；退款失败会留下一笔孤立扣费，由 OrphanDebitJob 报出
func (s *GenerationService) compensate(ctx context.Context, userID, taskID, reason string) (int64, error) {
	refundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	result, err := s.ledger.Refund(refundCtx, userID, s.opts.Cost, taskID, reason)
	if err != nil {
		s.logger.Error("补偿退款失败",
			zap.String("user_id", userID),
			zap.String("task_id", taskID),
			zap.Error(err))
		return 0, fmt.Errorf("退款失败: %w", err)
	}
	return result.Balance, nil
}
