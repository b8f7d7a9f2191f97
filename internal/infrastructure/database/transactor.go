package database

import (
	"context"

	"gorm.io/gorm"
)

// Transactor 基于 gorm 的事务执行器，fn 返回错误时整体回滚
type Transactor struct {
	db *gorm.DB
}

func NewTransactor(db *gorm.DB) *Transactor {
	return &Transactor{db: db}
}

func (t *Transactor) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return t.db.WithContext(ctx).Transaction(fn)
}
