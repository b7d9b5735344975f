package cache

import "fmt"

// 键语义：
// - lockKey(recordID):   订单的劝告锁（String，value=holderId，TTL 即到期时间）
// - roomKey(recordID):   订单房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(recordID):  房间内 userId→username 映射（Hash）

const (
	keyLockFmt  = "collab:lock:{recordID:%s}"           // String<holderId>
	keyRoomFmt  = "collab:presence:{recordID:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt = "collab:presence:names:{recordID:%s}" // Hash<userId -> username>
)

func lockKey(recordID string) string  { return fmt.Sprintf(keyLockFmt, recordID) }
func roomKey(recordID string) string  { return fmt.Sprintf(keyRoomFmt, recordID) }
func namesKey(recordID string) string { return fmt.Sprintf(keyNamesFmt, recordID) }
