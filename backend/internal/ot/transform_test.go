package ot

import (
	"encoding/json"
	"errors"
	"testing"

	"gomflowCollab/backend/internal/ot/fieldop"
)

func ip(v int) *int { return &v }

func insertAt(field string, pos, length int, version uint64) fieldop.Operation {
	return fieldop.Operation{
		ID:             "op-v" + string(rune('0'+version)),
		Kind:           fieldop.KindInsert,
		FieldPath:      field,
		Position:       ip(pos),
		Length:         ip(length),
		Applied:        true,
		AppliedVersion: version,
	}
}

func deleteAt(field string, pos, length int, version uint64) fieldop.Operation {
	return fieldop.Operation{
		ID:             "op-v" + string(rune('0'+version)),
		Kind:           fieldop.KindDelete,
		FieldPath:      field,
		Position:       ip(pos),
		Length:         ip(length),
		Applied:        true,
		AppliedVersion: version,
	}
}

func TestTransform_ReplaceReplaceConflicts(t *testing.T) {
	applied := fieldop.Operation{
		ID: "op-a", Kind: fieldop.KindReplace, FieldPath: "title",
		NewValue: json.RawMessage(`"A"`), Applied: true, AppliedVersion: 1,
	}
	incoming := fieldop.Operation{
		ID: "op-b", Kind: fieldop.KindReplace, FieldPath: "title",
		NewValue: json.RawMessage(`"B"`),
	}

	out, conflicts, err := Transform(incoming, []fieldop.Operation{applied})
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if len(conflicts) != 1 || conflicts[0] != "op-a" {
		t.Fatalf("conflicts = %v, want [op-a]", conflicts)
	}
	// 碰撞不阻止应用：操作原样保留，后写覆盖
	if string(out.NewValue) != `"B"` {
		t.Fatalf("newValue = %s, want \"B\"", out.NewValue)
	}
}

func TestTransform_InsertInsertShift(t *testing.T) {
	// 已应用：位置 2 插入 1 个元素；在它之后的位置要右移 1
	concurrent := []fieldop.Operation{insertAt("payment_methods", 2, 1, 1)}
	incoming := insertAt("payment_methods", 5, 3, 0)
	incoming.Applied = false
	incoming.AppliedVersion = 0

	out, conflicts, err := Transform(incoming, concurrent)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if conflicts != nil {
		t.Fatalf("conflicts = %v, want none", conflicts)
	}
	if out.Pos() != 6 {
		t.Fatalf("position = %d, want 6 (5 shifted right by length 1)", out.Pos())
	}
}

func TestTransform_InsertInsertEarlierUnmoved(t *testing.T) {
	// 靠前的插入不受靠后插入影响
	concurrent := []fieldop.Operation{insertAt("payment_methods", 5, 3, 1)}
	incoming := insertAt("payment_methods", 2, 1, 0)
	incoming.Applied = false
	incoming.AppliedVersion = 0

	out, _, err := Transform(incoming, concurrent)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if out.Pos() != 2 {
		t.Fatalf("position = %d, want 2 (unmoved)", out.Pos())
	}
}

func TestTransform_SequentialFold(t *testing.T) {
	// 两个已应用的插入按 appliedVersion 依次折叠：5 -> 6 (过 v1) -> 9 (过 v2)
	concurrent := []fieldop.Operation{
		insertAt("payment_methods", 2, 1, 1),
		insertAt("payment_methods", 5, 3, 2),
	}
	incoming := insertAt("payment_methods", 5, 1, 0)
	incoming.Applied = false
	incoming.AppliedVersion = 0

	out, _, err := Transform(incoming, concurrent)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if out.Pos() != 9 {
		t.Fatalf("position = %d, want 9", out.Pos())
	}
}

func TestTransform_RejectsUnorderedHistory(t *testing.T) {
	// 乱序折叠会算出不同的位置，必须直接拒绝而不是给出错误结果
	concurrent := []fieldop.Operation{
		insertAt("payment_methods", 5, 3, 2),
		insertAt("payment_methods", 2, 1, 1),
	}
	incoming := insertAt("payment_methods", 5, 1, 0)

	_, _, err := Transform(incoming, concurrent)
	if !errors.Is(err, ErrUnorderedHistory) {
		t.Fatalf("Transform() error = %v, want ErrUnorderedHistory", err)
	}
}

func TestTransform_DeleteDeleteOverlapConflicts(t *testing.T) {
	// [0,5) 与 [3,7) 相交：标记碰撞，位置不调整
	concurrent := []fieldop.Operation{deleteAt("items", 0, 5, 1)}
	incoming := deleteAt("items", 3, 4, 0)
	incoming.Applied = false
	incoming.AppliedVersion = 0

	out, conflicts, err := Transform(incoming, concurrent)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %v, want one entry", conflicts)
	}
	if out.Pos() != 3 {
		t.Fatalf("position = %d, want 3 (left as-is on conflict)", out.Pos())
	}
}

func TestTransform_DeleteDeleteDisjointShift(t *testing.T) {
	// 前面删掉 [0,3)，位置 10 的删除左移到 7
	concurrent := []fieldop.Operation{deleteAt("items", 0, 3, 1)}
	incoming := deleteAt("items", 10, 2, 0)
	incoming.Applied = false
	incoming.AppliedVersion = 0

	out, conflicts, err := Transform(incoming, concurrent)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if conflicts != nil {
		t.Fatalf("conflicts = %v, want none", conflicts)
	}
	if out.Pos() != 7 {
		t.Fatalf("position = %d, want 7", out.Pos())
	}
}

func TestTransform_InsertAgainstDelete(t *testing.T) {
	concurrent := []fieldop.Operation{deleteAt("items", 2, 3, 1)}
	incoming := insertAt("items", 6, 1, 0)
	incoming.Applied = false
	incoming.AppliedVersion = 0

	out, _, err := Transform(incoming, concurrent)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if out.Pos() != 3 {
		t.Fatalf("position = %d, want 3 (6 shifted left by 3)", out.Pos())
	}
}

func TestTransform_DeleteAgainstInsert(t *testing.T) {
	concurrent := []fieldop.Operation{insertAt("items", 2, 2, 1)}
	incoming := deleteAt("items", 2, 1, 0)
	incoming.Applied = false
	incoming.AppliedVersion = 0

	out, _, err := Transform(incoming, concurrent)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	// 删除位置等于插入位置也要右移，避免删掉刚插入的元素
	if out.Pos() != 4 {
		t.Fatalf("position = %d, want 4", out.Pos())
	}
}

func TestTransform_CrossFieldNoInteraction(t *testing.T) {
	concurrent := []fieldop.Operation{
		{ID: "op-a", Kind: fieldop.KindReplace, FieldPath: "title", NewValue: json.RawMessage(`"A"`), Applied: true, AppliedVersion: 1},
		insertAt("payment_methods", 0, 1, 2),
	}
	incoming := fieldop.Operation{
		ID: "op-b", Kind: fieldop.KindReplace, FieldPath: "price", NewValue: json.RawMessage(`200`),
	}

	out, conflicts, err := Transform(incoming, concurrent)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if conflicts != nil {
		t.Fatalf("conflicts = %v, want none (different fields)", conflicts)
	}
	if string(out.NewValue) != `200` {
		t.Fatalf("operation changed across fields: %+v", out)
	}
}

func TestTransform_RetainPassesThrough(t *testing.T) {
	concurrent := []fieldop.Operation{
		insertAt("items", 0, 5, 1),
		deleteAt("items", 8, 2, 2),
	}
	incoming := fieldop.Operation{ID: "op-r", Kind: fieldop.KindRetain, FieldPath: "items"}

	out, conflicts, err := Transform(incoming, concurrent)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if conflicts != nil || out.Position != nil {
		t.Fatalf("retain must pass through unchanged: conflicts=%v out=%+v", conflicts, out)
	}
}

func TestTransform_ShiftNeverNegative(t *testing.T) {
	// 插入点落在已删除区间内部：左移后夹到 0 而不是负数
	concurrent := []fieldop.Operation{deleteAt("items", 0, 5, 1)}
	incoming := insertAt("items", 2, 1, 0)
	incoming.Applied = false
	incoming.AppliedVersion = 0

	out, _, err := Transform(incoming, concurrent)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if out.Pos() != 0 {
		t.Fatalf("position = %d, want 0 (clamped)", out.Pos())
	}
}
