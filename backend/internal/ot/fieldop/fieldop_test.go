package fieldop

import (
	"encoding/json"
	"errors"
	"testing"
)

func ip(v int) *int { return &v }

func TestValidate_Replace(t *testing.T) {
	op := Operation{Kind: KindReplace, FieldPath: "title", NewValue: json.RawMessage(`"New Title"`)}
	if err := op.Validate(); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}

	// 显式 null 是合法的（清空字段）
	op.NewValue = json.RawMessage(`null`)
	if err := op.Validate(); err != nil {
		t.Fatalf("Validate() with null newValue error = %v, want nil", err)
	}

	// 缺失 newValue 不合法
	op.NewValue = nil
	if err := op.Validate(); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("Validate() error = %v, want ErrInvalidOperation", err)
	}
}

func TestValidate_PositionRequired(t *testing.T) {
	op := Operation{Kind: KindInsert, FieldPath: "payment_methods", NewValue: json.RawMessage(`"bank"`)}
	if err := op.Validate(); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("insert without position: error = %v, want ErrInvalidOperation", err)
	}

	op.Position = ip(0)
	if err := op.Validate(); err != nil {
		t.Fatalf("insert with position: error = %v, want nil", err)
	}

	op = Operation{Kind: KindDelete, FieldPath: "payment_methods"}
	if err := op.Validate(); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("delete without position: error = %v, want ErrInvalidOperation", err)
	}
}

func TestValidate_NegativePositionOrLength(t *testing.T) {
	op := Operation{Kind: KindInsert, FieldPath: "tags", Position: ip(-1)}
	if err := op.Validate(); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("negative position: error = %v, want ErrInvalidOperation", err)
	}

	op = Operation{Kind: KindDelete, FieldPath: "tags", Position: ip(0), Length: ip(-2)}
	if err := op.Validate(); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("negative length: error = %v, want ErrInvalidOperation", err)
	}
}

func TestValidate_MissingTypeOrField(t *testing.T) {
	if err := (Operation{FieldPath: "title"}).Validate(); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("missing type: want ErrInvalidOperation")
	}
	if err := (Operation{Kind: KindRetain}).Validate(); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("missing fieldPath: want ErrInvalidOperation")
	}
	if err := (Operation{Kind: "merge", FieldPath: "title"}).Validate(); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("unknown type: want ErrInvalidOperation")
	}
}

func TestApplyToFields_Replace(t *testing.T) {
	fields := map[string]any{"title": "Old", "price": float64(100)}
	op := Operation{Kind: KindReplace, FieldPath: "title", NewValue: json.RawMessage(`"New"`)}
	if err := ApplyToFields(fields, op); err != nil {
		t.Fatalf("ApplyToFields() error = %v", err)
	}
	if got := fields["title"]; got != "New" {
		t.Fatalf("title = %v, want %q", got, "New")
	}

	// null 清空
	op = Operation{Kind: KindReplace, FieldPath: "price", NewValue: json.RawMessage(`null`)}
	if err := ApplyToFields(fields, op); err != nil {
		t.Fatalf("ApplyToFields() error = %v", err)
	}
	if got := fields["price"]; got != nil {
		t.Fatalf("price = %v, want nil", got)
	}
}

func TestApplyToFields_NestedPath(t *testing.T) {
	fields := map[string]any{}
	op := Operation{Kind: KindReplace, FieldPath: "shipping.fee", NewValue: json.RawMessage(`25`)}
	if err := ApplyToFields(fields, op); err != nil {
		t.Fatalf("ApplyToFields() error = %v", err)
	}
	shipping, ok := fields["shipping"].(map[string]any)
	if !ok {
		t.Fatalf("shipping is not an object: %v", fields["shipping"])
	}
	if got := shipping["fee"]; got != float64(25) {
		t.Fatalf("shipping.fee = %v, want 25", got)
	}
}

func TestApplyToFields_InsertDelete(t *testing.T) {
	fields := map[string]any{"payment_methods": []any{"bank", "paypal"}}

	op := Operation{Kind: KindInsert, FieldPath: "payment_methods", Position: ip(1), NewValue: json.RawMessage(`"gcash"`)}
	if err := ApplyToFields(fields, op); err != nil {
		t.Fatalf("insert error = %v", err)
	}
	arr := fields["payment_methods"].([]any)
	want := []any{"bank", "gcash", "paypal"}
	if len(arr) != 3 || arr[0] != want[0] || arr[1] != want[1] || arr[2] != want[2] {
		t.Fatalf("after insert = %v, want %v", arr, want)
	}

	op = Operation{Kind: KindDelete, FieldPath: "payment_methods", Position: ip(0), Length: ip(2)}
	if err := ApplyToFields(fields, op); err != nil {
		t.Fatalf("delete error = %v", err)
	}
	arr = fields["payment_methods"].([]any)
	if len(arr) != 1 || arr[0] != "paypal" {
		t.Fatalf("after delete = %v, want [paypal]", arr)
	}
}

func TestApplyToFields_InsertIntoMissingField(t *testing.T) {
	// 字段还不存在时首次 insert 建立数组
	fields := map[string]any{}
	op := Operation{Kind: KindInsert, FieldPath: "tags", Position: ip(0), NewValue: json.RawMessage(`"preorder"`)}
	if err := ApplyToFields(fields, op); err != nil {
		t.Fatalf("insert error = %v", err)
	}
	arr, ok := fields["tags"].([]any)
	if !ok || len(arr) != 1 || arr[0] != "preorder" {
		t.Fatalf("tags = %v, want [preorder]", fields["tags"])
	}
}

func TestApplyToFields_PositionClamped(t *testing.T) {
	// 变换后位置可能超出数组末尾，夹到合法区间而不是报错
	fields := map[string]any{"tags": []any{"a"}}
	op := Operation{Kind: KindInsert, FieldPath: "tags", Position: ip(10), NewValue: json.RawMessage(`"b"`)}
	if err := ApplyToFields(fields, op); err != nil {
		t.Fatalf("insert error = %v", err)
	}
	arr := fields["tags"].([]any)
	if len(arr) != 2 || arr[1] != "b" {
		t.Fatalf("tags = %v, want [a b]", arr)
	}
}

func TestApplyToFields_NonArrayField(t *testing.T) {
	fields := map[string]any{"title": "A"}
	op := Operation{Kind: KindInsert, FieldPath: "title", Position: ip(0), NewValue: json.RawMessage(`"x"`)}
	if err := ApplyToFields(fields, op); err == nil {
		t.Fatalf("insert into scalar field should fail")
	}
}

func TestApplyToFields_Retain(t *testing.T) {
	fields := map[string]any{"title": "A"}
	op := Operation{Kind: KindRetain, FieldPath: "title"}
	if err := ApplyToFields(fields, op); err != nil {
		t.Fatalf("retain error = %v", err)
	}
	if fields["title"] != "A" {
		t.Fatalf("retain must not change anything")
	}
}
