package entity

import "time"

// CollabRecord 是团购订单的协作视图：业务字段文档 + 单调递增的版本号。
// version 是整个服务里唯一的共享可变计数器，推进必须走条件更新（乐观并发）
type CollabRecord struct {
	RecordID     string `gorm:"primaryKey;type:varchar(64)"`
	WorkspaceID  string `gorm:"index;type:varchar(64)"`
	Version      uint64 `gorm:"not null;default:0"`
	Fields       string `gorm:"type:json"` // 订单字段文档（price、title、payment_methods 等）
	LastEditedBy uint64
	LastEditedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (CollabRecord) TableName() string { return "collab_records" }
