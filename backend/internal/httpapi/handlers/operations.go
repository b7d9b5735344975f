package handlers

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"gomflowCollab/backend/internal/cache"
	"gomflowCollab/backend/internal/collab"
	"gomflowCollab/backend/internal/ot/fieldop"
)

type Handlers struct {
	svc   collab.Service
	locks cache.LockManager
}

func NewHandlers(svc collab.Service, locks cache.LockManager) *Handlers {
	return &Handlers{svc: svc, locks: locks}
}

type createRecordReq struct {
	RecordID    string         `json:"recordId" binding:"required"`
	WorkspaceID string         `json:"workspaceId" binding:"required"`
	Fields      map[string]any `json:"fields"`
}

func (h *Handlers) CreateRecord(c *gin.Context) {
	var req createRecordReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"code": "INVALID_OPERATION", "message": err.Error()})
		return
	}
	userID := c.GetUint64("userId")
	if err := h.svc.CreateRecord(c.Request.Context(), req.RecordID, req.WorkspaceID, userID, req.Fields); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(200, gin.H{"recordId": req.RecordID, "workspaceId": req.WorkspaceID, "version": 0})
}

func (h *Handlers) GetRecord(c *gin.Context) {
	recordID := c.Param("recordID")
	rec, err := h.svc.GetRecord(c.Request.Context(), recordID)
	if err != nil {
		respondError(c, err)
		return
	}
	fields := map[string]any{}
	if rec.Fields != "" {
		_ = json.Unmarshal([]byte(rec.Fields), &fields)
	}
	c.JSON(200, gin.H{
		"recordId":     rec.RecordID,
		"workspaceId":  rec.WorkspaceID,
		"version":      rec.Version,
		"fields":       fields,
		"lastEditedBy": rec.LastEditedBy,
		"lastEditedAt": rec.LastEditedAt,
	})
}

type createOperationReq struct {
	Kind        fieldop.Kind    `json:"type" binding:"required"`
	FieldPath   string          `json:"fieldPath" binding:"required"`
	OldValue    json.RawMessage `json:"oldValue"`
	NewValue    json.RawMessage `json:"newValue"`
	Position    *int            `json:"position"`
	Length      *int            `json:"length"`
	BaseVersion uint64          `json:"baseVersion"`
}

func (h *Handlers) CreateOperation(c *gin.Context) {
	var req createOperationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"code": "INVALID_OPERATION", "message": err.Error()})
		return
	}
	op := fieldop.Operation{
		RecordID:    c.Param("recordID"),
		AuthorID:    c.GetUint64("userId"),
		Kind:        req.Kind,
		FieldPath:   req.FieldPath,
		OldValue:    req.OldValue,
		NewValue:    req.NewValue,
		Position:    req.Position,
		Length:      req.Length,
		BaseVersion: req.BaseVersion,
	}
	created, err := h.svc.CreateOperation(c.Request.Context(), op)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(200, created)
}

func (h *Handlers) CommitOperation(c *gin.Context) {
	operationID := c.Param("operationID")
	res, err := h.svc.Commit(c.Request.Context(), operationID)
	if err != nil {
		// 幂等护栏命中时按 success-no-op 回，不让客户端当错误重试
		if errors.Is(err, collab.ErrOperationAlreadyApplied) {
			c.JSON(200, gin.H{"applied": false, "code": "OPERATION_ALREADY_APPLIED"})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(200, res)
}

func (h *Handlers) History(c *gin.Context) {
	recordID := c.Param("recordID")
	offset, _ := strconv.Atoi(c.Query("offset"))
	limit, _ := strconv.Atoi(c.Query("limit"))
	ops, err := h.svc.History(c.Request.Context(), recordID, offset, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(200, gin.H{"recordId": recordID, "offset": offset, "operations": ops})
}

type acquireLockReq struct {
	TTLMinutes int `json:"ttlMinutes"`
}

func (h *Handlers) AcquireLock(c *gin.Context) {
	var req acquireLockReq
	// body 可省略，默认 5 分钟
	_ = c.ShouldBindJSON(&req)
	if req.TTLMinutes <= 0 {
		req.TTLMinutes = 5
	}
	recordID := c.Param("recordID")
	userID := c.GetUint64("userId")

	lock, err := h.locks.Acquire(c.Request.Context(), recordID, userID, time.Duration(req.TTLMinutes)*time.Minute)
	if err != nil {
		var held *cache.LockHeldError
		if errors.As(err, &held) {
			c.JSON(409, gin.H{
				"code":      "LOCK_HELD",
				"holderId":  held.HolderID,
				"expiresAt": held.ExpiresAt,
			})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(200, lock)
}

func (h *Handlers) ReleaseLock(c *gin.Context) {
	recordID := c.Param("recordID")
	userID := c.GetUint64("userId")
	if err := h.locks.Release(c.Request.Context(), recordID, userID); err != nil {
		if errors.Is(err, cache.ErrNotHolder) {
			c.JSON(403, gin.H{"code": "NOT_HOLDER", "message": "lock is held by another user"})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(200, gin.H{"released": true})
}

func (h *Handlers) GetLock(c *gin.Context) {
	recordID := c.Param("recordID")
	lock, err := h.locks.Get(c.Request.Context(), recordID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(200, gin.H{"lock": lock})
}

// respondError 统一做错误分类到 HTTP 状态码的映射
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, fieldop.ErrInvalidOperation):
		c.JSON(400, gin.H{"code": "INVALID_OPERATION", "message": err.Error()})
	case errors.Is(err, collab.ErrRecordNotFound):
		c.JSON(404, gin.H{"code": "RECORD_NOT_FOUND", "message": err.Error()})
	case errors.Is(err, collab.ErrOperationNotFound):
		c.JSON(404, gin.H{"code": "OPERATION_NOT_FOUND", "message": err.Error()})
	case errors.Is(err, collab.ErrCommitContention):
		// 重试预算耗尽，调用方可带退避整体重试
		c.JSON(409, gin.H{"code": "COMMIT_CONTENTION", "message": err.Error()})
	case errors.Is(err, collab.ErrStorageUnavailable):
		c.JSON(503, gin.H{"code": "STORAGE_UNAVAILABLE", "message": "storage temporarily unavailable, try again"})
	default:
		c.JSON(500, gin.H{"code": "INTERNAL", "message": err.Error()})
	}
}
