package ot

import (
	"gomflowCollab/backend/internal/ot/fieldop"
)

// Collides 判断 incoming 与某个已应用操作是否构成碰撞（需人工关注的歧义合并）。
// 只有两类会被判定为碰撞：
// - replace × replace：内容二义，谁后写谁生效，但必须让双方作者都看到（不静默丢弃）
// - delete × delete 区间相交：双方试图删掉重叠内容
// 其余组合都能通过位置调整干净合并。
func Collides(in, c fieldop.Operation) bool {
	if !in.SameField(c) {
		return false
	}
	switch {
	case in.Kind == fieldop.KindReplace && c.Kind == fieldop.KindReplace:
		return true
	case in.Kind == fieldop.KindDelete && c.Kind == fieldop.KindDelete:
		return overlaps(in.Pos(), in.Span(), c.Pos(), c.Span())
	}
	return false
}

// overlaps 判断 [aPos, aPos+aLen) 和 [bPos, bPos+bLen) 是否相交
func overlaps(aPos, aLen, bPos, bLen int) bool {
	return aPos < bPos+bLen && bPos < aPos+aLen
}
