package fieldop

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindInsert  Kind = "insert"
	KindDelete  Kind = "delete"
	KindRetain  Kind = "retain"
	KindReplace Kind = "replace"
)

// 校验失败统一用这个哨兵错误，调用方用 errors.Is 判断
var ErrInvalidOperation = errors.New("INVALID_OPERATION")

// Operation 是一次字段级编辑的原子描述。
// - replace 作用于标量字段（title、price、deadline 等）
// - insert/delete 作用于数组型字段（payment_methods 等），position/length 必须成对出现
// - 每个 fieldPath 是独立的变换空间，跨字段的操作互不影响
type Operation struct {
	ID          string `json:"id"`
	RecordID    string `json:"recordId"`
	WorkspaceID string `json:"workspaceId"`
	AuthorID    uint64 `json:"authorId"`
	Kind        Kind   `json:"type"`
	// 点分隔的逻辑字段名，如 "title"、"shipping.fee"
	FieldPath string `json:"fieldPath"`
	// OldValue/NewValue 用 json.RawMessage：
	// 区分“字段未提供”（nil）和“显式置空”（字面量 null）——replace 允许后者，拒绝前者
	OldValue json.RawMessage `json:"oldValue,omitempty"`
	NewValue json.RawMessage `json:"newValue,omitempty"`
	Position *int            `json:"position,omitempty"`
	Length   *int            `json:"length,omitempty"`
	// 作者创建该操作时看到的记录版本
	BaseVersion uint64 `json:"baseVersion"`
	// 应用成功后才会填充；AppliedVersion 一旦写入，操作不可再修改
	Applied        bool       `json:"applied"`
	AppliedVersion uint64     `json:"appliedVersion,omitempty"`
	AppliedAt      *time.Time `json:"appliedAt,omitempty"`
	// 变换过程中被判定为碰撞的操作 ID 集合
	ConflictsWith []string `json:"conflictsWith,omitempty"`
}

// Validate 实现提交前的入参校验，不产生任何副作用
func (op Operation) Validate() error {
	if op.Kind == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidOperation)
	}
	if op.FieldPath == "" {
		return fmt.Errorf("%w: fieldPath is required", ErrInvalidOperation)
	}
	switch op.Kind {
	case KindReplace:
		// null 是合法的（显式清空），缺失不是
		if op.NewValue == nil {
			return fmt.Errorf("%w: replace requires newValue", ErrInvalidOperation)
		}
	case KindInsert, KindDelete:
		if op.Position == nil {
			return fmt.Errorf("%w: %s requires position", ErrInvalidOperation, op.Kind)
		}
	case KindRetain:
		// retain 不携带内容，直接放行
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Kind)
	}
	if op.Position != nil && *op.Position < 0 {
		return fmt.Errorf("%w: position must be non-negative", ErrInvalidOperation)
	}
	if op.Length != nil && *op.Length < 0 {
		return fmt.Errorf("%w: length must be non-negative", ErrInvalidOperation)
	}
	return nil
}

// Pos 返回操作位置（未设置时为 0，仅在 insert/delete 校验通过后有意义）
func (op Operation) Pos() int {
	if op.Position == nil {
		return 0
	}
	return *op.Position
}

// Span 返回操作影响的长度，未设置时按 1 处理（单元素插入/删除）
func (op Operation) Span() int {
	if op.Length == nil {
		return 1
	}
	return *op.Length
}

// SameField 判断两个操作是否落在同一个变换空间
func (op Operation) SameField(other Operation) bool {
	return op.FieldPath == other.FieldPath
}

// ApplyToFields 把操作的效果落到记录的字段文档上（原地修改 fields）。
// replace 沿点路径定位（中间节点按需创建）；insert/delete 对数组字段做切片拼接。
func ApplyToFields(fields map[string]any, op Operation) error {
	parent, leaf, err := resolvePath(fields, op.FieldPath, op.Kind == KindReplace || op.Kind == KindInsert)
	if err != nil {
		return err
	}

	switch op.Kind {
	case KindRetain:
		return nil

	case KindReplace:
		var v any
		if err := json.Unmarshal(op.NewValue, &v); err != nil {
			return fmt.Errorf("%w: newValue is not valid json: %v", ErrInvalidOperation, err)
		}
		parent[leaf] = v
		return nil

	case KindInsert:
		arr, err := arrayField(parent, leaf)
		if err != nil {
			return err
		}
		pos := op.Pos()
		// 经过变换后位置可能落在数组末尾之后，夹到合法区间
		if pos > len(arr) {
			pos = len(arr)
		}
		elems := []any{nil}
		if op.NewValue != nil {
			var v any
			if err := json.Unmarshal(op.NewValue, &v); err != nil {
				return fmt.Errorf("%w: newValue is not valid json: %v", ErrInvalidOperation, err)
			}
			// 多元素插入：newValue 本身是数组且长度与 length 一致
			if vs, ok := v.([]any); ok && op.Length != nil && len(vs) == *op.Length {
				elems = vs
			} else {
				elems = []any{v}
			}
		}
		out := make([]any, 0, len(arr)+len(elems))
		out = append(out, arr[:pos]...)
		out = append(out, elems...)
		out = append(out, arr[pos:]...)
		parent[leaf] = out
		return nil

	case KindDelete:
		arr, err := arrayField(parent, leaf)
		if err != nil {
			return err
		}
		start := op.Pos()
		end := start + op.Span()
		if start > len(arr) {
			start = len(arr)
		}
		if end > len(arr) {
			end = len(arr)
		}
		out := make([]any, 0, len(arr)-(end-start))
		out = append(out, arr[:start]...)
		out = append(out, arr[end:]...)
		parent[leaf] = out
		return nil
	}
	return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Kind)
}

// resolvePath 沿点路径走到叶子字段的父容器。
// create=true 时按需创建中间 map（replace 允许写入尚不存在的路径）
func resolvePath(fields map[string]any, path string, create bool) (map[string]any, string, error) {
	parts := strings.Split(path, ".")
	cur := fields
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p]
		if !ok || next == nil {
			if !create {
				return nil, "", fmt.Errorf("field path %q not found", path)
			}
			m := make(map[string]any)
			cur[p] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("field path %q passes through a non-object", path)
		}
		cur = m
	}
	return cur, parts[len(parts)-1], nil
}

func arrayField(parent map[string]any, leaf string) ([]any, error) {
	v, ok := parent[leaf]
	if !ok || v == nil {
		// 字段还不存在时当作空数组，首次 insert 即可建立
		return nil, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("field %q is not an array", leaf)
	}
	return arr, nil
}
