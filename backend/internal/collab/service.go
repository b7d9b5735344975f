package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"gomflowCollab/backend/internal/entity"
	"gomflowCollab/backend/internal/ot"
	"gomflowCollab/backend/internal/ot/fieldop"
)

// 错误分类：校验/鉴权类立即返回不重试；瞬态存储错误内部有界重试后以
// STORAGE_UNAVAILABLE 暴露，便于 UI 区分“稍后再试”和“不允许”
var (
	ErrRecordNotFound          = errors.New("RECORD_NOT_FOUND")
	ErrOperationNotFound       = errors.New("OPERATION_NOT_FOUND")
	ErrOperationAlreadyApplied = errors.New("OPERATION_ALREADY_APPLIED")
	ErrCommitContention        = errors.New("COMMIT_CONTENTION")
	ErrStorageUnavailable      = errors.New("STORAGE_UNAVAILABLE")
)

// CommitResult 是一次提交的结果。注意：conflicts 非空不是失败——
// 操作照样落地、版本照样推进，冲突列表只是提示调用方弹出人工对账入口
type CommitResult struct {
	Applied   bool     `json:"applied"`
	Version   uint64   `json:"version"`
	Conflicts []string `json:"conflicts"`
}

// 协作引擎接口
type Service interface {
	CreateRecord(ctx context.Context, recordID, workspaceID string, authorID uint64, fields map[string]any) error
	GetRecord(ctx context.Context, recordID string) (*entity.CollabRecord, error)
	CurrentVersion(ctx context.Context, recordID string) (uint64, error)

	// CreateOperation 校验并以 pending 状态落库，分配操作 ID
	CreateOperation(ctx context.Context, op fieldop.Operation) (fieldop.Operation, error)

	// Commit 执行 校验 → 拉取并发历史 → 变换 → 条件应用 的完整管线
	Commit(ctx context.Context, operationID string) (CommitResult, error)

	// History 按时间倒序分页返回操作日志（含 pending 与带冲突标记的操作）
	History(ctx context.Context, recordID string, offset, limit int) ([]fieldop.Operation, error)
}

// 存储接口，只声明，gorm 实现在 store 包
type RecordStore interface {
	Get(ctx context.Context, recordID string) (*entity.CollabRecord, error)
	Create(ctx context.Context, rec *entity.CollabRecord) error
	// CommitApplied 必须是“version = expected 才生效”的原子条件更新，
	// 返回 false 表示输掉了版本竞争（不是错误）
	CommitApplied(ctx context.Context, recordID string, expectedVersion uint64,
		fieldsJSON string, editedBy uint64, editedAt time.Time,
		opID string, conflictsJSON string) (bool, error)
}

type OperationStore interface {
	Insert(ctx context.Context, op fieldop.Operation) error
	GetByID(ctx context.Context, id string) (*fieldop.Operation, error)
	// AppliedBetween 必须按 applied_version 升序返回（变换折叠依赖这个顺序）
	AppliedBetween(ctx context.Context, recordID string, afterVersion, uptoVersion uint64) ([]fieldop.Operation, error)
	History(ctx context.Context, recordID string, offset, limit int) ([]fieldop.Operation, error)
}

// 广播接口：尽力送达即可，at-most-once 可接受（UI 断线重连后靠 history/version 对齐）
type Publisher interface {
	Enqueue(ctx context.Context, evt OrderOpEvent) error
}

type OrderCollabService struct {
	records   RecordStore
	ops       OperationStore
	publisher Publisher

	// 乐观并发重试预算：输掉版本竞争后 重新拉取→重新变换→再提交 的最大轮数
	maxCommitRetries int
	// 瞬态存储读错误的内部重试次数与退避基数
	storageRetries int
	retryBackoff   time.Duration
}

// NewOrderCollabService 返回一个满足 Service 接口的实例
func NewOrderCollabService(records RecordStore, ops OperationStore, publisher Publisher) *OrderCollabService {
	return &OrderCollabService{
		records:          records,
		ops:              ops,
		publisher:        publisher,
		maxCommitRetries: 3,
		storageRetries:   2,
		retryBackoff:     50 * time.Millisecond,
	}
}

func (s *OrderCollabService) CreateRecord(ctx context.Context, recordID, workspaceID string, authorID uint64, fields map[string]any) error {
	if fields == nil {
		fields = map[string]any{}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("%w: fields not serializable: %v", fieldop.ErrInvalidOperation, err)
	}
	now := time.Now()
	rec := &entity.CollabRecord{
		RecordID:     recordID,
		WorkspaceID:  workspaceID,
		Version:      0,
		Fields:       string(b),
		LastEditedBy: authorID,
		LastEditedAt: &now,
	}
	return s.withStorageRetry(ctx, func() error {
		return s.records.Create(ctx, rec)
	})
}

func (s *OrderCollabService) GetRecord(ctx context.Context, recordID string) (*entity.CollabRecord, error) {
	var rec *entity.CollabRecord
	err := s.withStorageRetry(ctx, func() error {
		var e error
		rec, e = s.records.Get(ctx, recordID)
		return e
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

func (s *OrderCollabService) CurrentVersion(ctx context.Context, recordID string) (uint64, error) {
	rec, err := s.GetRecord(ctx, recordID)
	if err != nil {
		return 0, err
	}
	return rec.Version, nil
}

func (s *OrderCollabService) CreateOperation(ctx context.Context, op fieldop.Operation) (fieldop.Operation, error) {
	if err := op.Validate(); err != nil {
		return fieldop.Operation{}, err
	}
	// 目标记录必须已开启协作；workspace 以记录为准，不信任客户端
	rec, err := s.GetRecord(ctx, op.RecordID)
	if err != nil {
		return fieldop.Operation{}, err
	}
	op.WorkspaceID = rec.WorkspaceID

	op.ID = uuid.NewString()
	op.Applied = false
	op.AppliedVersion = 0
	op.AppliedAt = nil
	op.ConflictsWith = nil

	err = s.withStorageRetry(ctx, func() error {
		return s.ops.Insert(ctx, op)
	})
	if err != nil {
		return fieldop.Operation{}, err
	}
	return op, nil
}

func (s *OrderCollabService) Commit(ctx context.Context, operationID string) (CommitResult, error) {
	op, err := s.getOperation(ctx, operationID)
	if err != nil {
		return CommitResult{}, err
	}
	// 幂等护栏：Commit 不允许盲目重放
	if op.Applied {
		return CommitResult{}, ErrOperationAlreadyApplied
	}
	if err := op.Validate(); err != nil {
		return CommitResult{}, err
	}

	for attempt := 0; attempt < s.maxCommitRetries; attempt++ {
		res, applied, err := s.tryCommit(ctx, *op)
		if err != nil {
			return CommitResult{}, err
		}
		if applied {
			return res, nil
		}

		// 输掉版本竞争。也可能是同一个操作被并发提交抢先应用了——重查后区分
		op, err = s.getOperation(ctx, operationID)
		if err != nil {
			return CommitResult{}, err
		}
		if op.Applied {
			return CommitResult{}, ErrOperationAlreadyApplied
		}
	}
	return CommitResult{}, ErrCommitContention
}

// tryCommit 执行一轮 读版本 → 拉并发历史 → 变换 → 条件提交。
// applied=false 表示输掉版本竞争，要由调用方重试整轮
func (s *OrderCollabService) tryCommit(ctx context.Context, op fieldop.Operation) (CommitResult, bool, error) {
	rec, err := s.GetRecord(ctx, op.RecordID)
	if err != nil {
		return CommitResult{}, false, err
	}

	// (baseVersion, currentVersion] 内的操作就是 op 没见过的并发历史，升序返回
	var concurrent []fieldop.Operation
	err = s.withStorageRetry(ctx, func() error {
		var e error
		concurrent, e = s.ops.AppliedBetween(ctx, op.RecordID, op.BaseVersion, rec.Version)
		return e
	})
	if err != nil {
		return CommitResult{}, false, err
	}

	rebased, conflicts, err := ot.Transform(op, concurrent)
	if err != nil {
		return CommitResult{}, false, err
	}

	fields := map[string]any{}
	if rec.Fields != "" {
		if err := json.Unmarshal([]byte(rec.Fields), &fields); err != nil {
			return CommitResult{}, false, fmt.Errorf("record %s has corrupt fields document: %w", rec.RecordID, err)
		}
	}
	if err := fieldop.ApplyToFields(fields, rebased); err != nil {
		return CommitResult{}, false, err
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return CommitResult{}, false, err
	}

	conflictsJSON := ""
	if len(conflicts) > 0 {
		b, _ := json.Marshal(conflicts)
		conflictsJSON = string(b)
	}

	now := time.Now()
	applied, err := s.records.CommitApplied(ctx, op.RecordID, rec.Version,
		string(fieldsJSON), op.AuthorID, now, op.ID, conflictsJSON)
	if err != nil {
		return CommitResult{}, false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !applied {
		return CommitResult{}, false, nil
	}

	version := rec.Version + 1
	if len(conflicts) > 0 {
		// 冲突不是错误：按“可用性优先”的策略照常落地，只是把碰撞暴露出去
		log.Printf("commit applied with conflicts record=%s op=%s version=%d conflicts=%v",
			op.RecordID, op.ID, version, conflicts)
	}
	s.publish(rebased, version, conflicts, now)

	if conflicts == nil {
		conflicts = []string{}
	}
	return CommitResult{Applied: true, Version: version, Conflicts: conflicts}, true, nil
}

func (s *OrderCollabService) History(ctx context.Context, recordID string, offset, limit int) ([]fieldop.Operation, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	var out []fieldop.Operation
	err := s.withStorageRetry(ctx, func() error {
		var e error
		out, e = s.ops.History(ctx, recordID, offset, limit)
		return e
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *OrderCollabService) getOperation(ctx context.Context, operationID string) (*fieldop.Operation, error) {
	var op *fieldop.Operation
	err := s.withStorageRetry(ctx, func() error {
		var e error
		op, e = s.ops.GetByID(ctx, operationID)
		return e
	})
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, ErrOperationNotFound
	}
	return op, nil
}

// publish 把已应用事件丢进广播队列，尽力送达，不阻塞提交主链路
func (s *OrderCollabService) publish(op fieldop.Operation, version uint64, conflicts []string, appliedAt time.Time) {
	if s.publisher == nil {
		return
	}
	evt := OrderOpEvent{
		EventType:   "ORDER_OP_APPLIED",
		RecordID:    op.RecordID,
		WorkspaceID: op.WorkspaceID,
		OperationID: op.ID,
		Version:     version,
		AuthorID:    op.AuthorID,
		BaseVersion: op.BaseVersion,
		Kind:        op.Kind,
		FieldPath:   op.FieldPath,
		NewValue:    op.NewValue,
		Position:    op.Position,
		Length:      op.Length,
		Conflicts:   conflicts,
		AppliedAt:   appliedAt,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := s.publisher.Enqueue(ctx, evt); err != nil {
		log.Printf("enqueue broadcast failed record=%s op=%s: %v", op.RecordID, op.ID, err)
	}
}

// withStorageRetry：只给瞬态存储错误的小范围有界重试，指数退避。
// 重试耗尽后以 STORAGE_UNAVAILABLE 包装暴露
func (s *OrderCollabService) withStorageRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.storageRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		// 业务性错误不重试，原样冒泡
		if errors.Is(err, ErrRecordNotFound) || errors.Is(err, ErrOperationNotFound) ||
			errors.Is(err, fieldop.ErrInvalidOperation) {
			return err
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < s.storageRetries {
			time.Sleep(s.retryBackoff * time.Duration(1<<attempt))
		}
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
