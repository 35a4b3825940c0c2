package internal

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry 房間註冊表
//
// 註冊表的 map 有自己的鎖，與任何單一房間的鎖互相獨立：
// 創建/加入/驅逐不會讓無關的房間互相排隊。
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	limits Limits
	logger *slog.Logger

	scheduler *EvictionScheduler
}

// NewRegistry 創建房間註冊表
//
// evictionDelay 是空房間的驅逐延遲；狀態常駐記憶體，重啟即失。
func NewRegistry(limits Limits, evictionDelay time.Duration, logger *slog.Logger) *Registry {
	reg := &Registry{
		rooms:  make(map[string]*Room),
		limits: limits,
		logger: logger,
	}
	reg.scheduler = NewEvictionScheduler(reg, evictionDelay, logger)
	return reg
}

// CreateRoom 生成新識別碼並創建空房間，永遠成功
func (reg *Registry) CreateRoom() *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var id string
	for {
		id = newRoomID()
		if _, exists := reg.rooms[id]; !exists {
			break
		}
	}

	room := newRoom(id, reg.limits, reg.logger, reg.scheduler.Arm)
	reg.rooms[id] = room

	reg.logger.Info("房間已創建", "room_id", id)
	return room
}

// GetOrCreate 取得房間，不存在則創建
//
// 加入不存在的分享碼也會成功，這是刻意的寬鬆策略而非錯誤情況。
func (reg *Registry) GetOrCreate(id string) *Room {
	reg.mu.RLock()
	room, exists := reg.rooms[id]
	reg.mu.RUnlock()
	if exists {
		return room
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	// 併發的 GetOrCreate 可能已經創建了
	if room, exists := reg.rooms[id]; exists {
		return room
	}

	room = newRoom(id, reg.limits, reg.logger, reg.scheduler.Arm)
	reg.rooms[id] = room

	reg.logger.Info("房間已創建", "room_id", id)
	return room
}

// Get 嚴格查詢
func (reg *Registry) Get(id string) (*Room, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	room, exists := reg.rooms[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, id)
	}
	return room, nil
}

// Remove 刪除房間（不存在則為 no-op）
func (reg *Registry) Remove(id string) {
	reg.mu.Lock()
	room, exists := reg.rooms[id]
	if exists {
		delete(reg.rooms, id)
	}
	reg.mu.Unlock()

	if exists {
		room.markClosed()
		room.Channel().Close()
		reg.logger.Info("房間已移除", "room_id", id)
	}
}

// RemoveIfEmpty 僅在參與者數仍為零時刪除房間
//
// 驅逐計時器到期時呼叫。計時器武裝後若有人重新加入，
// 此處的歸零檢查會讓刪除自然失效。刪除本身冪等。
// 歸零檢查經由 Room.closeIfEmpty 在房間鎖下與關閉標記一併完成，
// 先用 GetOrCreate 解析到房間、之後才 Join 的連接不會落進
// 已脫離註冊表的房間。
func (reg *Registry) RemoveIfEmpty(id string) bool {
	reg.mu.Lock()
	room, exists := reg.rooms[id]
	if !exists {
		reg.mu.Unlock()
		return false
	}
	if !room.closeIfEmpty() {
		reg.mu.Unlock()
		return false
	}
	delete(reg.rooms, id)
	reg.mu.Unlock()

	room.Channel().Close()
	reg.logger.Info("空房間已驅逐", "room_id", id)
	return true
}

// RoomCount 當前房間數
func (reg *Registry) RoomCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// Scheduler 驅逐排程器（測試用）
func (reg *Registry) Scheduler() *EvictionScheduler {
	return reg.scheduler
}

// Stats 統計資訊
func (reg *Registry) Stats() map[string]any {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	totalParticipants := 0
	for _, room := range reg.rooms {
		totalParticipants += room.ParticipantCount()
	}

	return map[string]any{
		"total_rooms":        len(reg.rooms),
		"total_participants": totalParticipants,
	}
}

// Stop 停止註冊表：取消所有驅逐計時器並關閉所有房間的廣播通道
func (reg *Registry) Stop() {
	reg.scheduler.Stop()

	reg.mu.Lock()
	rooms := reg.rooms
	reg.rooms = make(map[string]*Room)
	reg.mu.Unlock()

	for _, room := range rooms {
		room.markClosed()
		room.Channel().Close()
	}

	reg.logger.Info("房間註冊表已停止")
}

// newRoomID 生成 8 字元房間識別碼
//
// 取 128 位隨機 UUID 的前 8 個十六進位字元，碰撞機率可忽略；
// CreateRoom 仍在持鎖下檢查唯一性。
func newRoomID() string {
	return uuid.NewString()[:8]
}

// randInt 生成 [0, max) 的隨機數
func randInt(max int) int {
	b := make([]byte, 1)
	if _, err := rand.Read(b); err != nil {
		// 隨機讀取失敗時退化為時間作為隨機源
		return int(time.Now().UnixNano()) % max
	}
	return int(b[0]) % max
}
