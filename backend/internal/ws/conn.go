package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"gomflowCollab/backend/internal/collab"
	"gomflowCollab/backend/internal/ot/fieldop"
)

const presenceTTL = 600 * time.Second

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	recordID string
	userID   uint64
	username string
	// send 是写循环消费的出站队列，读循环结束时关闭
	send chan OutboundMessage
	// 协作引擎服务
	svc collab.Service
	// 信号量控制：限制同时在途的 op_submit
	sem *collab.SemaphoreControl
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string      { return m.Type }
func (m OpAppliedMessage) MessageType() string   { return m.Type }
func (m OpBroadcastMessage) MessageType() string { return m.Type }

func NewConn(ws *websocket.Conn, hub *Hub, userID uint64, username string, svc collab.Service, sem *collab.SemaphoreControl) *Conn {
	return &Conn{ws: ws, hub: hub, userID: userID, username: username, send: make(chan OutboundMessage, 32), svc: svc, sem: sem}
}

func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	select {
	case c.send <- msg:
	default:
		// 队列满了就丢弃：慢客户端重连后靠 history/version 追平
	}
}

func (c *Conn) handleOpSubmit(ctx context.Context, msg ClientMessage) {
	if msg.Op == nil {
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: "op payload is required"})
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.sem.Acquire(submitCtx); err != nil {
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: err.Error()})
		return
	}
	defer c.sem.Release()

	op := fieldop.Operation{
		RecordID:    msg.RecordID,
		AuthorID:    c.userID,
		Kind:        msg.Op.Kind,
		FieldPath:   msg.Op.FieldPath,
		OldValue:    msg.Op.OldValue,
		NewValue:    msg.Op.NewValue,
		Position:    msg.Op.Position,
		Length:      msg.Op.Length,
		BaseVersion: msg.BaseVersion,
	}

	created, err := c.svc.CreateOperation(submitCtx, op)
	if err != nil {
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: err.Error()})
		return
	}
	res, err := c.svc.Commit(submitCtx, created.ID)
	if err != nil {
		if errors.Is(err, collab.ErrOperationAlreadyApplied) {
			// 重复提交按 no-op 回执
			c.SendMessage_Enqueue(ServerMessage{Type: "feedback", RecordID: msg.RecordID, Content: "OPERATION_ALREADY_APPLIED"})
			return
		}
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: err.Error()})
		return
	}

	c.SendMessage_Enqueue(OpAppliedMessage{
		Type:        "op_applied",
		RecordID:    msg.RecordID,
		OperationID: created.ID,
		BaseVersion: msg.BaseVersion,
		Version:     res.Version,
		Conflicts:   res.Conflicts,
	})
	c.hub.BroadcastAppliedOp(msg.RecordID, c, OpBroadcastMessage{
		Type:        "op_broadcast",
		RecordID:    msg.RecordID,
		Version:     res.Version,
		AuthorID:    c.userID,
		OperationID: created.ID,
		Kind:        msg.Op.Kind,
		FieldPath:   msg.Op.FieldPath,
		NewValue:    msg.Op.NewValue,
		Position:    msg.Op.Position,
		Length:      msg.Op.Length,
		Conflicts:   res.Conflicts,
		AppliedAt:   time.Now(),
	})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.send)
	for {
		var clientMessage ClientMessage
		if err := c.ws.ReadJSON(&clientMessage); err != nil {
			log.Printf("read json error (user=%d, record=%s): %v", c.userID, c.recordID, err)
			return
		}
		switch clientMessage.Type {
		case "heartbeat":
			if c.recordID == "" {
				c.send <- ServerMessage{Type: "feedback", Content: "Heartbeat received"}
				continue
			}
			if err := c.hub.presence.AddMember(ctx, c.recordID, c.userID, c.username, presenceTTL); err != nil {
				log.Printf("add member error: %v", err)
			}
			c.send <- ServerMessage{Type: "feedback", Content: "Heartbeat received"}

		case "join_record":
			if clientMessage.RecordID == "" {
				c.send <- ServerMessage{Type: "error", Content: "recordId is required"}
				continue
			}
			// 记录必须已开启协作才可加入
			ver, err := c.svc.CurrentVersion(ctx, clientMessage.RecordID)
			if err != nil {
				log.Printf("join record error (user=%d, record=%s): %v", c.userID, clientMessage.RecordID, err)
				c.send <- ServerMessage{Type: "error", RecordID: clientMessage.RecordID, Content: "RECORD_NOT_FOUND"}
				continue
			}
			if c.recordID != "" && c.recordID != clientMessage.RecordID {
				// 先离开旧房间
				c.hub.Leave(c.recordID, c)
			}
			c.recordID = clientMessage.RecordID
			c.hub.Join(c.recordID, c)
			if err := c.hub.presence.AddMember(ctx, c.recordID, c.userID, c.username, presenceTTL); err != nil {
				log.Printf("add member error: %v", err)
			}
			c.send <- ServerMessage{Type: "join_record", RecordID: c.recordID, Version: ver}

		case "show_alive_members":
			members, err := c.hub.presence.GetAliveMembersWithNames(ctx, c.recordID)
			if err != nil {
				log.Printf("get alive members with names error: %v", err)
			}
			memberNames := make([]PresenceMember, len(members))
			for i, m := range members {
				memberNames[i] = PresenceMember{UserID: m.UserID, Username: m.Username}
			}
			c.send <- ServerMessage{Type: "show_alive_members", RecordID: c.recordID, Members: memberNames}

		case "op_submit":
			c.handleOpSubmit(ctx, clientMessage)

		default:
			// 忽略未知类型，回一条提示
			c.send <- ServerMessage{Type: "ignored", Content: "Unknown message type"}
		}
	}
}

func (c *Conn) writeLoop() {
	// 持续消费出站队列
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}
