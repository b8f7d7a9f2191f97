package service

import (
	"context"
	"errors"
	"time"

	"gensystem/internal/repository"
)

var (
	ErrInsufficientFunds  = errors.New("积分不足")
	ErrRefundConflict     = errors.New("退款已由其他请求完成")
	ErrLedgerBusy         = errors.New("账本繁忙，请稍后重试")
	ErrInvalidAmount      = errors.New("金额必须大于0")
	ErrInvalidParams      = errors.New("参数错误")
	ErrTooManyActiveTasks = errors.New("进行中的生成任务已达上限")
	ErrDuplicateRequest   = errors.New("重复请求")
	ErrUnknownPackage     = errors.New("充值套餐不存在")
)

// retryOnConflict 乐观锁冲突时重新执行 fn（fn 内部需要重新读取数据），其他错误直接返回
func retryOnConflict(ctx context.Context, maxRetries int, backoff time.Duration, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = fn()
		if !errors.Is(err, repository.ErrOptimisticLock) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff * time.Duration(attempt+1)):
		}
	}
	return errors.Join(ErrLedgerBusy, err)
}
