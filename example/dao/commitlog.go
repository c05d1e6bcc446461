package dao

import (
	"context"

	"gorm.io/gorm"
)

// 提交日志持久化对象. 自增主键即 lsn，天然保证追加顺序
type CommitLogPO struct {
	gorm.Model
	TXID       string `gorm:"tx_id"`
	RecordType string `gorm:"record_type"`
	Decision   string `gorm:"decision"`
	Payload    string `gorm:"payload"`
}

func (c CommitLogPO) TableName() string {
	return "tx_commit_log"
}

type CommitLogDAO struct {
	db *gorm.DB
}

func NewCommitLogDAO(db *gorm.DB) *CommitLogDAO {
	return &CommitLogDAO{
		db: db,
	}
}

// GetCommitLogs 按 lsn 升序返回日志记录
func (c *CommitLogDAO) GetCommitLogs(ctx context.Context, opts ...QueryOption) ([]*CommitLogPO, error) {
	db := c.db.WithContext(ctx).Model(&CommitLogPO{})
	for _, opt := range opts {
		db = opt(db)
	}

	var records []*CommitLogPO
	return records, db.Order("id asc").Scan(&records).Error
}

// CreateCommitLog 追加一条日志记录，返回分配的自增 id
func (c *CommitLogDAO) CreateCommitLog(ctx context.Context, record *CommitLogPO) (uint, error) {
	return record.ID, c.db.WithContext(ctx).Model(&CommitLogPO{}).Create(record).Error
}
