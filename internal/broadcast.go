package internal

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// 系統設計問題：
//   如何保證同一房間的所有參與者以相同的總順序觀察到每次變更？
//
// 核心挑戰：
//   1. 順序保證：兩個併發變更各自釋放鎖後再廣播，後者可能搶先送達
//   2. 慢消費者：一個卡住的連接不能拖累整個房間
//   3. 鎖紀律：持有房間鎖時絕不能做網絡 I/O
//
// 設計方案：
//   ✅ 有序緩衝隊列 - 變更在持鎖期間入隊（本地、非阻塞），固定變更順序
//   ✅ 單一馬達 goroutine - 依隊列順序做扇出，網絡寫入全部在鎖外
//   ✅ 每連接緩衝 channel - 非阻塞發送，緩衝滿則丟棄並記錄

// envelope 隊列中的事件信封，攜帶定向資訊（不序列化）
type envelope struct {
	event    Event
	exceptID string // 不為空時，跳過此連接
	onlyID   string // 不為空時，僅發給此連接
}

// BroadcastChannel 房間級廣播通道
//
// 每個房間擁有一個實例。訂閱者是各連接的發送 channel，
// 馬達 goroutine 將事件序列化一次後依序推給所有訂閱者。
type BroadcastChannel struct {
	logger *slog.Logger
	queue  chan envelope

	mu          sync.RWMutex
	subscribers map[string]chan []byte

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewBroadcastChannel 創建並啟動廣播通道
func NewBroadcastChannel(logger *slog.Logger) *BroadcastChannel {
	bc := &BroadcastChannel{
		logger:      logger,
		queue:       make(chan envelope, 256),
		subscribers: make(map[string]chan []byte),
		done:        make(chan struct{}),
	}

	bc.wg.Add(1)
	go bc.pump()

	return bc
}

// Subscribe 註冊連接的發送 channel
//
// 必須在 Room.Join 之前呼叫，這樣加入者的快照事件與後續廣播
// 都經過同一條隊列，不會漏接。
func (bc *BroadcastChannel) Subscribe(connID string, send chan []byte) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.subscribers[connID] = send
}

// Unsubscribe 移除訂閱（冪等）
func (bc *BroadcastChannel) Unsubscribe(connID string) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	delete(bc.subscribers, connID)
}

// SubscriberCount 當前訂閱數
func (bc *BroadcastChannel) SubscriberCount() int {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return len(bc.subscribers)
}

// Publish 廣播事件給所有訂閱者
func (bc *BroadcastChannel) Publish(event Event) {
	bc.enqueue(envelope{event: event})
}

// PublishExcept 廣播事件給除 connID 外的所有訂閱者
func (bc *BroadcastChannel) PublishExcept(event Event, connID string) {
	bc.enqueue(envelope{event: event, exceptID: connID})
}

// PublishTo 僅發送事件給 connID
func (bc *BroadcastChannel) PublishTo(connID string, event Event) {
	bc.enqueue(envelope{event: event, onlyID: connID})
}

// enqueue 入隊（非阻塞）
//
// Room 的變更操作在持有房間鎖時呼叫，入隊順序即變更順序。
// 隊列滿時丟棄事件（優先保證操作完成，不讓廣播反壓業務邏輯）。
func (bc *BroadcastChannel) enqueue(env envelope) {
	select {
	case <-bc.done:
		return
	default:
	}

	// 隊列滿是房間級丟失：所有訂閱者都會錯過這則事件，直到下一個
	// 攜帶完整狀態的事件才重新收斂，因此記為 Error。
	select {
	case bc.queue <- env:
	default:
		bc.logger.Error("廣播隊列已滿，丟棄事件", "event", env.event.Type)
	}
}

// pump 扇出馬達
//
// 依隊列順序逐一序列化並投遞。每個訂閱者的 channel 有緩衝，
// 發送為非阻塞：緩衝滿代表消費者卡住，丟棄該連接的這則事件。
func (bc *BroadcastChannel) pump() {
	defer bc.wg.Done()

	for {
		select {
		case env := <-bc.queue:
			bc.deliver(env)
		case <-bc.done:
			return
		}
	}
}

// deliver 投遞單一事件給目標訂閱者
func (bc *BroadcastChannel) deliver(env envelope) {
	message, err := json.Marshal(env.event)
	if err != nil {
		bc.logger.Error("序列化事件失敗", "error", err, "event", env.event.Type)
		return
	}

	bc.mu.RLock()
	defer bc.mu.RUnlock()

	for connID, send := range bc.subscribers {
		if env.onlyID != "" && connID != env.onlyID {
			continue
		}
		if env.exceptID != "" && connID == env.exceptID {
			continue
		}

		select {
		case send <- message:
		default:
			bc.logger.Warn("連接發送緩衝已滿，丟棄事件",
				"connection_id", connID,
				"event", env.event.Type)
		}
	}
}

// Close 停止馬達並清空訂閱者（冪等）
func (bc *BroadcastChannel) Close() {
	bc.closeOnce.Do(func() {
		close(bc.done)
	})
	bc.wg.Wait()

	bc.mu.Lock()
	bc.subscribers = make(map[string]chan []byte)
	bc.mu.Unlock()
}
