package job

import (
	"context"
	"time"

	"gensystem/internal/config"
	"gensystem/internal/model"

	"go.uber.org/zap"
)

// OutboxStore 由 repository.OutboxRepository 实现
type OutboxStore interface {
	GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error)
	MarkAsSent(ctx context.Context, id int64) error
	IncrementRetryCount(ctx context.Context, id int64) error
	MarkAsFailed(ctx context.Context, id int64) error
}

// Publisher 由 mq.KafkaProducer 实现
type Publisher interface {
	Publish(topic, key, value string) error
}

// OutboxSender 把本地消息表里的事件投递到 Kafka，至少投递一次
type OutboxSender struct {
	store         OutboxStore
	publisher     Publisher
	logger        *zap.Logger
	stopCh        chan struct{}
	interval      time.Duration
	batchSize     int
	maxRetryCount int
}

func NewOutboxSender(store OutboxStore, publisher Publisher, cfg *config.OutboxConfig, logger *zap.Logger) *OutboxSender {
	return &OutboxSender{
		store:         store,
		publisher:     publisher,
		logger:        logger.Named("OutboxSender"),
		stopCh:        make(chan struct{}),
		interval:      cfg.Interval,
		batchSize:     cfg.BatchSize,
		maxRetryCount: cfg.MaxRetryCount,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.logger.Info("消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.logger.Info("任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.store.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("查询消息失败", zap.Error(err))
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.publisher.Publish(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if updateErr := s.store.MarkAsSent(ctx, msg.ID); updateErr != nil {
			s.logger.Error("更新消息状态失败", zap.Int64("id", msg.ID), zap.Error(updateErr))
		} else {
			s.logger.Debug("消息发送成功",
				zap.Int64("id", msg.ID),
				zap.String("topic", msg.Topic),
				zap.String("key", msg.MessageKey))
		}
		return
	}

	s.logger.Warn("消息发送失败", zap.Int64("id", msg.ID), zap.Error(err))

	// MarkAsFailed 会同时累加重试次数
	if msg.RetryCount+1 >= s.maxRetryCount {
		if err := s.store.MarkAsFailed(ctx, msg.ID); err != nil {
			s.logger.Error("标记消息失败状态失败", zap.Int64("id", msg.ID), zap.Error(err))
		} else {
			s.logger.Error("消息超过最大重试次数，标记为失败", zap.Int64("id", msg.ID))
		}
		return
	}

	if err := s.store.IncrementRetryCount(ctx, msg.ID); err != nil {
		s.logger.Error("增加重试次数失败", zap.Int64("id", msg.ID), zap.Error(err))
	}
}
