package cache

import (
	"context"
	"testing"
	"time"
)

func TestPresence_AliveMembers(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	p := NewRedisPresence(rdb)

	if err := p.AddMember(ctx, "order-1", 1, "alice", time.Minute); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if err := p.AddMember(ctx, "order-1", 2, "bob", time.Minute); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	members, err := p.GetAliveMembersWithNames(ctx, "order-1")
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames() error = %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %v, want 2", members)
	}
	byID := map[uint64]string{}
	for _, m := range members {
		byID[m.UserID] = m.Username
	}
	if byID[1] != "alice" || byID[2] != "bob" {
		t.Fatalf("members = %v, want alice and bob", members)
	}
}

func TestPresence_LazyExpiry(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	p := NewRedisPresence(rdb)

	// score 以秒为粒度，过期要跨过整秒边界
	if err := p.AddMember(ctx, "order-1", 1, "alice", time.Second); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if err := p.AddMember(ctx, "order-1", 2, "bob", time.Minute); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	time.Sleep(1100 * time.Millisecond)

	members, err := p.GetAliveMembersWithNames(ctx, "order-1")
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames() error = %v", err)
	}
	if len(members) != 1 || members[0].UserID != 2 {
		t.Fatalf("members = %v, want only bob", members)
	}

	// 续期把成员拉回在线
	if err := p.AddMember(ctx, "order-1", 1, "alice", time.Minute); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	members, err = p.GetAliveMembersWithNames(ctx, "order-1")
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames() error = %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %v, want 2 after refresh", members)
	}
}
