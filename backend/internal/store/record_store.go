package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"gomflowCollab/backend/internal/entity"
)

// 版本不匹配时由 CommitApplied 内部使用，触发事务回滚
var errVersionMismatch = errors.New("record version mismatch")

type RecordStore struct{ db *gorm.DB }

func NewRecordStore(db *gorm.DB) *RecordStore {
	return &RecordStore{db: db}
}

// Get 返回记录，未找到时返回 nil, nil
func (s *RecordStore) Get(ctx context.Context, recordID string) (*entity.CollabRecord, error) {
	var rec entity.CollabRecord
	err := s.db.WithContext(ctx).Where("record_id = ?", recordID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Create 建立协作记录。同一订单重复开启协作按幂等处理（主键冲突直接吞掉）
func (s *RecordStore) Create(ctx context.Context, rec *entity.CollabRecord) error {
	err := s.db.WithContext(ctx).Create(rec).Error
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

// CommitApplied 在一个事务里完成“条件版本推进 + 操作标记 applied”。
// 条件更新（version = expected 才生效）就是乐观并发的全部：输掉竞争的调用
// 拿到 applied=false，必须重新拉取并发历史、重新变换后再试。
// 两个写要么都落地要么都不落地——不允许出现打了标记却没改记录的中间态
func (s *RecordStore) CommitApplied(
	ctx context.Context,
	recordID string, expectedVersion uint64,
	fieldsJSON string, editedBy uint64, editedAt time.Time,
	opID string, conflictsJSON string,
) (bool, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&entity.CollabRecord{}).
			Where("record_id = ? AND version = ?", recordID, expectedVersion).
			Updates(map[string]any{
				"version":        expectedVersion + 1,
				"fields":         fieldsJSON,
				"last_edited_by": editedBy,
				"last_edited_at": editedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errVersionMismatch
		}

		res = tx.Model(&EditOperation{}).
			Where("id = ? AND applied = ?", opID, false).
			Updates(map[string]any{
				"applied":         true,
				"applied_version": expectedVersion + 1,
				"applied_at":      editedAt,
				"conflicts_with":  conflictsJSON,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 同一个操作被并发提交抢先标记了，回滚版本推进；
			// 上层重试时会发现操作已 applied，按 OPERATION_ALREADY_APPLIED 收场
			return errVersionMismatch
		}
		return nil
	})
	if errors.Is(err, errVersionMismatch) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
