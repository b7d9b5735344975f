package collab

import (
	"encoding/json"
	"time"

	"gomflowCollab/backend/internal/ot/fieldop"
)

// OrderOpEvent 是广播给实时网关/其他实例的“操作已应用”事件，
// 以 recordId 做 Kafka key，保证同一订单的事件按分区有序
type OrderOpEvent struct {
	EventType   string          `json:"eventType"` // 固定 "ORDER_OP_APPLIED"
	RecordID    string          `json:"recordId"`
	WorkspaceID string          `json:"workspaceId"`
	OperationID string          `json:"operationId"`
	Version     uint64          `json:"version"` // 应用后的记录版本
	AuthorID    uint64          `json:"authorId"`
	BaseVersion uint64          `json:"baseVersion"`
	Kind        fieldop.Kind    `json:"type"`
	FieldPath   string          `json:"fieldPath"`
	NewValue    json.RawMessage `json:"newValue,omitempty"`
	Position    *int            `json:"position,omitempty"`
	Length      *int            `json:"length,omitempty"`
	Conflicts   []string        `json:"conflicts,omitempty"`
	AppliedAt   time.Time       `json:"appliedAt"`
}
