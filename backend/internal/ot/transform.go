package ot

import (
	"errors"

	"gomflowCollab/backend/internal/ot/fieldop"
)

// 并发历史必须按 appliedVersion 升序输入；乱序折叠会算出错误的位置
var ErrUnorderedHistory = errors.New("UNORDERED_HISTORY")

// Transform 把 incoming 依次 rebase 到它没见过的并发操作之上。
// concurrent 必须按 appliedVersion 升序（折叠顺序是正确性的前提，先做防御性检查），
// 返回 rebase 后的操作和被判定为碰撞的操作 ID 列表。
func Transform(incoming fieldop.Operation, concurrent []fieldop.Operation) (fieldop.Operation, []string, error) {
	for i := 1; i < len(concurrent); i++ {
		if concurrent[i].AppliedVersion <= concurrent[i-1].AppliedVersion {
			return incoming, nil, ErrUnorderedHistory
		}
	}

	rebased := incoming
	var conflicts []string
	for _, c := range concurrent {
		// 跨字段编辑互不影响：每个 fieldPath 是独立的变换空间
		if !rebased.SameField(c) {
			continue
		}
		if Collides(rebased, c) {
			// 碰撞时不做位移调整，原样保留并打上标记，由上层决定如何呈现
			conflicts = append(conflicts, c.ID)
			continue
		}
		rebased = shiftAgainst(rebased, c)
	}
	return rebased, conflicts, nil
}

// shiftAgainst 对非碰撞的同字段操作做位置调整（经典 OT transform-pair 的扁平版）
func shiftAgainst(in, c fieldop.Operation) fieldop.Operation {
	switch {
	case in.Kind == fieldop.KindInsert && c.Kind == fieldop.KindInsert:
		// 靠前的插入不动，靠后的右移已应用插入的长度
		if in.Pos() > c.Pos() {
			in = withPosition(in, in.Pos()+c.Span())
		}

	case in.Kind == fieldop.KindDelete && c.Kind == fieldop.KindDelete:
		// 走到这里说明两个区间不相交（相交在 Collides 里已拦下）
		if in.Pos() >= c.Pos()+c.Span() {
			in = withPosition(in, in.Pos()-c.Span())
		}

	case in.Kind == fieldop.KindInsert && c.Kind == fieldop.KindDelete:
		if in.Pos() > c.Pos() {
			in = withPosition(in, in.Pos()-c.Span())
		}

	case in.Kind == fieldop.KindDelete && c.Kind == fieldop.KindInsert:
		if in.Pos() >= c.Pos() {
			in = withPosition(in, in.Pos()+c.Span())
		}

	default:
		// replace 与位置型操作、retain 与任何操作：互不干扰，原样放行
	}
	return in
}

// withPosition 返回调整过位置的副本（Position 是指针，必须换新地址避免别名）
func withPosition(op fieldop.Operation, pos int) fieldop.Operation {
	if pos < 0 {
		pos = 0
	}
	op.Position = &pos
	return op
}
