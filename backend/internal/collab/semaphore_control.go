package collab

import (
	"context"
	"errors"
)

// SemaphoreControl 用带缓冲 channel 实现的计数信号量，
// 限制并发的 Kafka 发送 / WebSocket 提交数量
type SemaphoreControl struct {
	ch chan struct{}
}

// NewSemaphoreControl 创建容量为 capacity 的信号量（容量由调用方注入，不用包级全局）
func NewSemaphoreControl(capacity int) *SemaphoreControl {
	if capacity <= 0 {
		capacity = 100
	}
	return &SemaphoreControl{ch: make(chan struct{}, capacity)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.New("Acquire Reach time limit")
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errors.New("Release Failed, semaphore is not acquired")
	}
}
