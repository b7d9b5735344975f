package ws

import (
	"sync"

	"gomflowCollab/backend/internal/cache"
)

type Hub struct {
	// presence 是外部存储的读写能力（Redis 实现），在线状态要跨实例共享
	presence cache.PresenceCache
	// 保护 rooms 这类 map 在并发下安全访问，加入/离开房间、广播时都先加锁
	mu sync.RWMutex
	// recordID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定订单房间
func (h *Hub) Join(recordID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[recordID] == nil {
		// 房间里存的是连接而不是 userID：
		// 一个用户可开多个标签页/设备（多连接），广播要逐连接发
		h.rooms[recordID] = make(map[*Conn]struct{})
	}
	h.rooms[recordID][c] = struct{}{}
}

// Leave 将连接从指定订单房间移除
func (h *Hub) Leave(recordID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[recordID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, recordID)
		}
	}
}

// BroadcastAppliedOp 把已应用的操作推给房间内除提交者以外的所有连接
func (h *Hub) BroadcastAppliedOp(recordID string, from *Conn, msg OpBroadcastMessage) {
	h.mu.RLock()
	conns := h.rooms[recordID]
	h.mu.RUnlock()
	for c := range conns {
		if c == from {
			continue
		}
		c.SendMessage_Enqueue(msg)
	}
}

func (h *Hub) BroadcastPresence(recordID string, members []PresenceMember) {
	h.mu.RLock()
	conns := h.rooms[recordID]
	h.mu.RUnlock()
	msg := ServerMessage{Type: "presence", RecordID: recordID, Members: members}
	for c := range conns {
		c.SendMessage_Enqueue(msg)
	}
}
