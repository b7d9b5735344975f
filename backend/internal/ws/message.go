package ws

import (
	"encoding/json"
	"time"

	"gomflowCollab/backend/internal/ot/fieldop"
)

// OpPayload 是客户端随 op_submit 提交的字段编辑内容
type OpPayload struct {
	Kind      fieldop.Kind    `json:"type"`
	FieldPath string          `json:"fieldPath"`
	OldValue  json.RawMessage `json:"oldValue,omitempty"`
	NewValue  json.RawMessage `json:"newValue,omitempty"`
	Position  *int            `json:"position,omitempty"`
	Length    *int            `json:"length,omitempty"`
}

type ClientMessage struct {
	Type        string     `json:"type"`
	RecordID    string     `json:"recordId"`
	BaseVersion uint64     `json:"baseVersion"`
	Op          *OpPayload `json:"op,omitempty"`
}

type PresenceMember struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
}

type ServerMessage struct {
	Type     string           `json:"type"`
	UserID   uint64           `json:"userId,omitempty"`
	RecordID string           `json:"recordId,omitempty"`
	Version  uint64           `json:"version,omitempty"`
	Members  []PresenceMember `json:"members,omitempty"`
	Content  string           `json:"content,omitempty"`
}

// op_submit 的回执：告诉提交者落到了哪个版本、有没有撞上别人的编辑
type OpAppliedMessage struct {
	Type        string   `json:"type"` // 固定 "op_applied"
	RecordID    string   `json:"recordId"`
	OperationID string   `json:"operationId"`
	BaseVersion uint64   `json:"baseVersion"`
	Version     uint64   `json:"version"`
	Conflicts   []string `json:"conflicts"`
}

// 广播给同订单房间内其他连接的“已应用操作”事件
// - 与 op_applied(ack) 区分：这里是推给其他协作者（包括同用户的其他标签页）
// - 前端收到后在本地应用该字段编辑，并把本地 version 对齐到 version
type OpBroadcastMessage struct {
	Type        string          `json:"type"` // 固定 "op_broadcast"
	RecordID    string          `json:"recordId"`
	Version     uint64          `json:"version"`
	AuthorID    uint64          `json:"authorId"`
	OperationID string          `json:"operationId"`
	Kind        fieldop.Kind    `json:"opType"`
	FieldPath   string          `json:"fieldPath"`
	NewValue    json.RawMessage `json:"newValue,omitempty"`
	Position    *int            `json:"position,omitempty"`
	Length      *int            `json:"length,omitempty"`
	Conflicts   []string        `json:"conflicts,omitempty"`
	AppliedAt   time.Time       `json:"appliedAt,omitempty"`
}
