package dao

import (
	"github.com/xiaoxuxiansheng/gotxn/commitlog"
	"gorm.io/gorm"
)

type QueryOption func(db *gorm.DB) *gorm.DB

func WithTXID(txID string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("tx_id = ?", txID)
	}
}

func WithRecordType(recordType commitlog.RecordType) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("record_type = ?", string(recordType))
	}
}

func WithDecision(decision commitlog.Decision) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("decision = ?", decision.String())
	}
}
