package internal

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultEvictionDelay 空房間的預設驅逐延遲
const DefaultEvictionDelay = 5 * time.Minute

// EvictionScheduler 空房間延遲驅逐排程器
//
// 目標：回收沒人用的房間，但最後一位參與者短暫斷線時不能立刻
// 刪房。參與者數歸零 → 武裝一個延遲計時器；到期時只有參與者數
// 仍為零才刪除。空→非空→空的循環可能各自武裝獨立的計時器，
// 到期時的歸零檢查保證不會誤刪，刪除本身冪等。
type EvictionScheduler struct {
	registry *Registry
	delay    time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	stopped bool
}

// NewEvictionScheduler 創建驅逐排程器
func NewEvictionScheduler(registry *Registry, delay time.Duration, logger *slog.Logger) *EvictionScheduler {
	if delay <= 0 {
		delay = DefaultEvictionDelay
	}
	return &EvictionScheduler{
		registry: registry,
		delay:    delay,
		logger:   logger,
		timers:   make(map[*time.Timer]struct{}),
	}
}

// Arm 武裝一個延遲驅逐計時器
//
// 計時器到期前若有人加入，RemoveIfEmpty 的歸零檢查會讓刪除
// 失效，不需要顯式取消。
func (s *EvictionScheduler) Arm(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		delete(s.timers, timer)
		stopped := s.stopped
		s.mu.Unlock()

		if stopped {
			return
		}
		s.registry.RemoveIfEmpty(roomID)
	})
	s.timers[timer] = struct{}{}

	s.logger.Debug("已武裝驅逐計時器", "room_id", roomID, "delay", s.delay)
}

// PendingCount 未到期的計時器數（測試用）
func (s *EvictionScheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop 取消所有未到期的計時器
func (s *EvictionScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for timer := range s.timers {
		timer.Stop()
	}
	s.timers = make(map[*time.Timer]struct{})
}
