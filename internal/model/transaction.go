package model

import (
	"time"
)

// ============================================================================
// 流水类型常量
// ============================================================================

const (
	TransactionTypeRecharge = "RECHARGE" // 充值
	TransactionTypeConsume  = "CONSUME"  // 生成扣费
	TransactionTypeRefund   = "REFUND"   // 失败退款
	TransactionTypeReward   = "REWARD"   // 赠送
)

// ============================================================================
// 账本流水实体
// ============================================================================

// LedgerTransaction 积分流水表
// 只追加，不修改，不删除。CONSUME / REFUND 的 ReferenceID 为对应的任务ID。
//
// DedupKey 上的唯一索引保证同一个业务引用只会入账一次：
//
//	REFUND:<taskID>          每个任务最多一笔退款
//	RECHARGE:<checkoutID>    同一支付回调重放只充值一次
//	REWARD:<referenceID>     例如 REWARD:signup:<userID>
type LedgerTransaction struct {
	ID            string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	UserID        string    `gorm:"type:varchar(64);index;not null" json:"user_id"`
	Amount        int64     `gorm:"not null" json:"amount"` // 正数入账，负数出账
	Type          string    `gorm:"type:varchar(20);index;not null" json:"type"`
	ReferenceID   *string   `gorm:"type:varchar(64);index" json:"reference_id,omitempty"`
	DedupKey      *string   `gorm:"type:varchar(128);uniqueIndex" json:"-"`
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`
	Description   string    `gorm:"type:varchar(256)" json:"description"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (LedgerTransaction) TableName() string {
	return "ledger_transaction"
}

// RefundDedupKey 任务退款的去重键
func RefundDedupKey(referenceID string) string {
	return TransactionTypeRefund + ":" + referenceID
}

// RechargeDedupKey 外部充值凭证的去重键
func RechargeDedupKey(referenceID string) string {
	return TransactionTypeRecharge + ":" + referenceID
}

// RewardDedupKey 赠送的去重键
func RewardDedupKey(referenceID string) string {
	return TransactionTypeReward + ":" + referenceID
}
