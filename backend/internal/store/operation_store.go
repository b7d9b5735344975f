package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"gomflowCollab/backend/internal/ot/fieldop"
)

// ErrDuplicateOperation：同一个操作 ID 重复落库（客户端重发），创建侧按幂等处理
var ErrDuplicateOperation = errors.New("duplicate operation id")

// EditOperation 是操作日志表的一行。只追加；applied 置位后不再修改
type EditOperation struct {
	ID             string `gorm:"primaryKey;type:varchar(36)"`
	RecordID       string `gorm:"type:varchar(64);index:idx_record_applied_version"`
	WorkspaceID    string `gorm:"type:varchar(64);index"`
	AuthorID       uint64
	Kind           string `gorm:"type:varchar(16)"`
	FieldPath      string `gorm:"type:varchar(191)"`
	OldValue       string `gorm:"type:json"` // 空串表示未携带
	NewValue       string `gorm:"type:json"`
	Position       *int
	Length         *int
	BaseVersion    uint64
	Applied        bool   `gorm:"not null;default:false"`
	AppliedVersion uint64 `gorm:"not null;default:0;index:idx_record_applied_version"`
	AppliedAt      *time.Time
	ConflictsWith  string `gorm:"type:json"` // 操作 ID 的 JSON 数组
	CreatedAt      time.Time
}

func (EditOperation) TableName() string { return "edit_operations" }

type OperationStore struct{ db *gorm.DB }

func NewOperationStore(db *gorm.DB) *OperationStore {
	return &OperationStore{db: db}
}

// Insert 把新操作以 pending 状态落库
func (s *OperationStore) Insert(ctx context.Context, op fieldop.Operation) error {
	row := fromFieldOp(op)
	err := s.db.WithContext(ctx).Create(&row).Error
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrDuplicateOperation
		}
		return err
	}
	return nil
}

// GetByID 返回操作，未找到时返回 nil, nil
func (s *OperationStore) GetByID(ctx context.Context, id string) (*fieldop.Operation, error) {
	var row EditOperation
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	op := row.toFieldOp()
	return &op, nil
}

// AppliedBetween 返回 (afterVersion, uptoVersion] 区间内已应用的操作，按 applied_version 升序。
// 升序是变换折叠的前提，排序交给索引而不是内存
func (s *OperationStore) AppliedBetween(ctx context.Context, recordID string, afterVersion, uptoVersion uint64) ([]fieldop.Operation, error) {
	var rows []EditOperation
	err := s.db.WithContext(ctx).
		Where("record_id = ? AND applied = ? AND applied_version > ? AND applied_version <= ?",
			recordID, true, afterVersion, uptoVersion).
		Order("applied_version ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toFieldOps(rows), nil
}

// History 按时间倒序分页返回操作日志（含 pending 和带冲突标记的操作，审计用）
func (s *OperationStore) History(ctx context.Context, recordID string, offset, limit int) ([]fieldop.Operation, error) {
	var rows []EditOperation
	err := s.db.WithContext(ctx).
		Where("record_id = ?", recordID).
		Order("created_at DESC, applied_version DESC").
		Offset(offset).Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toFieldOps(rows), nil
}

func toFieldOps(rows []EditOperation) []fieldop.Operation {
	ops := make([]fieldop.Operation, 0, len(rows))
	for _, r := range rows {
		ops = append(ops, r.toFieldOp())
	}
	return ops
}

func (e EditOperation) toFieldOp() fieldop.Operation {
	op := fieldop.Operation{
		ID:             e.ID,
		RecordID:       e.RecordID,
		WorkspaceID:    e.WorkspaceID,
		AuthorID:       e.AuthorID,
		Kind:           fieldop.Kind(e.Kind),
		FieldPath:      e.FieldPath,
		Position:       e.Position,
		Length:         e.Length,
		BaseVersion:    e.BaseVersion,
		Applied:        e.Applied,
		AppliedVersion: e.AppliedVersion,
		AppliedAt:      e.AppliedAt,
	}
	if e.OldValue != "" {
		op.OldValue = json.RawMessage(e.OldValue)
	}
	if e.NewValue != "" {
		op.NewValue = json.RawMessage(e.NewValue)
	}
	if e.ConflictsWith != "" {
		// 解析失败就当没有冲突标记，日志行不反过来阻塞读取
		_ = json.Unmarshal([]byte(e.ConflictsWith), &op.ConflictsWith)
	}
	return op
}

func fromFieldOp(op fieldop.Operation) EditOperation {
	row := EditOperation{
		ID:             op.ID,
		RecordID:       op.RecordID,
		WorkspaceID:    op.WorkspaceID,
		AuthorID:       op.AuthorID,
		Kind:           string(op.Kind),
		FieldPath:      op.FieldPath,
		Position:       op.Position,
		Length:         op.Length,
		BaseVersion:    op.BaseVersion,
		Applied:        op.Applied,
		AppliedVersion: op.AppliedVersion,
		AppliedAt:      op.AppliedAt,
	}
	if op.OldValue != nil {
		row.OldValue = string(op.OldValue)
	}
	if op.NewValue != nil {
		row.NewValue = string(op.NewValue)
	}
	if len(op.ConflictsWith) > 0 {
		b, _ := json.Marshal(op.ConflictsWith)
		row.ConflictsWith = string(b)
	}
	return row
}
