package internal

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// 系統設計問題：
//   多個獨立參與者共享一塊符號板與一條訊息鏈，如何在網絡競態與
//   斷線下保持一致？
//
// 核心挑戰：
//   1. 狀態擁有權：房間是其狀態的唯一變更者，連接只持有引用
//   2. 並發控制：同房間的操作嚴格串行，不同房間完全並行
//   3. 順序一致：所有參與者（包含發起者本人）觀察到同一總順序
//   4. 資源回收：空房間延遲驅逐，短暫斷線不丟房間
//
// 設計方案：
//   ✅ 每房間一把 RWMutex - 同房互斥、異房並行
//   ✅ 持鎖入隊、鎖外扇出 - 見 BroadcastChannel
//   ✅ last-writer-wins - 不做 OT/CRDT 合併，移除未知 id 視為 no-op

// ParticipantColors 參與者顏色盤
//
// 加入時隨機抽取，允許重複（不做去重校正）。
var ParticipantColors = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFE66D",
	"#95E1D3", "#F38181", "#AA96DA", "#FCBAD3",
	"#FF9F43", "#A8E6CF", "#DDA0DD", "#87CEEB",
}

// Participant 房間內的一位參與者
type Participant struct {
	ConnectionID  string    `json:"connectionId"`
	DisplayName   string    `json:"displayName"`
	AssignedColor string    `json:"assignedColor"`
	IsHost        bool      `json:"isHost"`
	Status        string    `json:"status,omitempty"`
	JoinedAt      time.Time `json:"joinedAt"`
}

// ChainItem 訊息鏈中的一個符號實例（附加後不再變更）
type ChainItem struct {
	ID            string  `json:"id"`
	Color         string  `json:"color"`
	Shape         string  `json:"shape"`
	Tone          float64 `json:"tone"`
	Name          string  `json:"name"`
	ConnectionID  string  `json:"connectionId"`
	ContributedBy string  `json:"contributedBy"`
	Timestamp     int64   `json:"timestamp"`
}

// CustomSymbol 參與者自訂並共享的符號板項目
type CustomSymbol struct {
	ID        string  `json:"id"`
	Color     string  `json:"color"`
	Shape     string  `json:"shape"`
	Tone      float64 `json:"tone"`
	Name      string  `json:"name"`
	CreatedBy string  `json:"createdBy"`
}

// Limits 服務器端列表長度上限（0 表示不限制）
type Limits struct {
	Chain         int
	CustomSymbols int
}

// Room 一個房間的權威狀態
//
// 所有變更遵循同一模式：持鎖變更 → 持鎖入隊事件 → 釋放鎖。
// 入隊是本地非阻塞操作，網絡扇出由 BroadcastChannel 的 goroutine
// 在鎖外進行，因此持鎖期間沒有任何網絡 I/O。
type Room struct {
	id        string
	createdAt time.Time

	mu            sync.RWMutex
	closed        bool
	participants  map[string]*Participant
	joinOrder     []string
	chain         []ChainItem
	customSymbols []CustomSymbol
	playbackSeq   uint64

	channel *BroadcastChannel
	limits  Limits
	logger  *slog.Logger
	onEmpty func(roomID string) // 參與者數歸零時觸發（驅逐排程）
}

// newRoom 創建空房間（由 Registry 呼叫）
func newRoom(id string, limits Limits, logger *slog.Logger, onEmpty func(string)) *Room {
	return &Room{
		id:           id,
		createdAt:    time.Now(),
		participants: make(map[string]*Participant),
		channel:      NewBroadcastChannel(logger),
		limits:       limits,
		logger:       logger,
		onEmpty:      onEmpty,
	}
}

// ID 房間識別碼（即分享碼）
func (r *Room) ID() string {
	return r.id
}

// CreatedAt 創建時間（僅供展示）
func (r *Room) CreatedAt() time.Time {
	return r.createdAt
}

// Channel 房間的廣播通道
func (r *Room) Channel() *BroadcastChannel {
	return r.channel
}

// Join 加入參與者
//
// 回傳新參與者與完整快照。加入者經由 roomCreated/roomState 事件
// 取得快照，其餘參與者收到 participantJoined。host 僅在 createRoom
// 流程的首位加入者為 true，之後永不轉移。
//
// 房間若已被驅逐計時器關閉則回傳 ErrRoomClosed：持有過期 *Room
// 的呼叫方必須重新向註冊表解析分享碼。
func (r *Room) Join(connID, displayName string, host bool) (Participant, Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Participant{}, Snapshot{}, fmt.Errorf("join: %w", ErrRoomClosed)
	}

	if displayName == "" {
		displayName = defaultDisplayName(connID)
	}

	p := &Participant{
		ConnectionID:  connID,
		DisplayName:   displayName,
		AssignedColor: ParticipantColors[randInt(len(ParticipantColors))],
		IsHost:        host,
		JoinedAt:      time.Now(),
	}

	r.participants[connID] = p
	r.joinOrder = append(r.joinOrder, connID)

	snapshot := r.snapshotLocked()

	if host {
		r.channel.PublishTo(connID, Event{
			Type: EventRoomCreated,
			Data: RoomCreatedPayload{
				RoomID:      r.id,
				Participant: *p,
				RoomState:   snapshot,
			},
		})
	} else {
		r.channel.PublishTo(connID, Event{
			Type: EventRoomState,
			Data: snapshot,
		})
	}

	r.channel.PublishExcept(Event{
		Type: EventParticipantJoined,
		Data: *p,
	}, connID)

	return *p, snapshot, nil
}

// closeIfEmpty 歸零檢查與關閉標記的原子組合
//
// 驅逐計時器到期時經由 Registry.RemoveIfEmpty 呼叫。在房間鎖下
// 完成檢查與標記，已經拿到 *Room 但尚未 Join 的連接只有兩種結局：
// 搶先完成 Join（計數非零，關閉失敗），或之後的 Join 得到
// ErrRoomClosed 而重新解析分享碼。
func (r *Room) closeIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.participants) > 0 {
		return false
	}
	r.closed = true
	return true
}

// markClosed 無條件關閉（Registry.Remove 與 Stop 路徑）
func (r *Room) markClosed() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Leave 移除參與者（冪等）
//
// 第二次對同一 id 呼叫是 no-op，不廣播。參與者數歸零時在鎖外
// 觸發驅逐排程。回傳是否真的移除了參與者。
func (r *Room) Leave(connID string) bool {
	r.mu.Lock()

	p, exists := r.participants[connID]
	if !exists {
		r.mu.Unlock()
		return false
	}

	delete(r.participants, connID)
	for i, id := range r.joinOrder {
		if id == connID {
			r.joinOrder = append(r.joinOrder[:i], r.joinOrder[i+1:]...)
			break
		}
	}
	empty := len(r.participants) == 0

	r.channel.Publish(Event{
		Type: EventParticipantLeft,
		Data: ParticipantLeftPayload{
			ConnectionID: connID,
			DisplayName:  p.DisplayName,
		},
	})

	r.mu.Unlock()

	if empty && r.onEmpty != nil {
		r.onEmpty(r.id)
	}

	return true
}

// AddToChain 附加符號到訊息鏈
//
// 發起者自己的畫面也只透過 chainUpdated 廣播更新，
// 確保包含作者在內的所有視圖觀察到同一權威順序。
func (r *Room) AddToChain(connID string, fields SymbolFields) (ChainItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.participants[connID]
	if !exists {
		return ChainItem{}, fmt.Errorf("addToChain: %w", ErrNotAMember)
	}
	if r.limits.Chain > 0 && len(r.chain) >= r.limits.Chain {
		return ChainItem{}, fmt.Errorf("addToChain: %w", ErrChainLimit)
	}

	item := ChainItem{
		ID:            uuid.NewString(),
		Color:         fields.Color,
		Shape:         fields.Shape,
		Tone:          fields.Tone,
		Name:          fields.Name,
		ConnectionID:  connID,
		ContributedBy: p.DisplayName,
		Timestamp:     time.Now().UnixMilli(),
	}
	r.chain = append(r.chain, item)

	r.channel.Publish(Event{
		Type: EventChainUpdated,
		Data: ChainUpdatedPayload{
			Chain:     r.chainCopyLocked(),
			AddedItem: &item,
		},
	})

	return item, nil
}

// RemoveFromChain 依 id 移除鏈上符號
//
// 未知 id 是 no-op 而非錯誤（容忍兩個參與者併發移除的競態），
// 但仍然廣播一次 chainUpdated，讓所有視圖收斂到當前鏈。
func (r *Room) RemoveFromChain(connID, itemID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.participants[connID]; !exists {
		return fmt.Errorf("removeFromChain: %w", ErrNotAMember)
	}

	filtered := r.chain[:0]
	for _, item := range r.chain {
		if item.ID != itemID {
			filtered = append(filtered, item)
		}
	}
	r.chain = filtered

	r.channel.Publish(Event{
		Type: EventChainUpdated,
		Data: ChainUpdatedPayload{
			Chain:     r.chainCopyLocked(),
			RemovedID: itemID,
		},
	})

	return nil
}

// ClearChain 清空訊息鏈
func (r *Room) ClearChain(connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.participants[connID]
	if !exists {
		return fmt.Errorf("clearChain: %w", ErrNotAMember)
	}

	r.chain = nil

	r.channel.Publish(Event{
		Type: EventChainCleared,
		Data: ChainClearedPayload{ClearedBy: p.DisplayName},
	})

	return nil
}

// AddCustomSymbol 新增自訂符號
func (r *Room) AddCustomSymbol(connID string, fields SymbolFields) (CustomSymbol, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.participants[connID]
	if !exists {
		return CustomSymbol{}, fmt.Errorf("addCustomSymbol: %w", ErrNotAMember)
	}
	if r.limits.CustomSymbols > 0 && len(r.customSymbols) >= r.limits.CustomSymbols {
		return CustomSymbol{}, fmt.Errorf("addCustomSymbol: %w", ErrSymbolLimit)
	}

	symbol := CustomSymbol{
		ID:        uuid.NewString(),
		Color:     fields.Color,
		Shape:     fields.Shape,
		Tone:      fields.Tone,
		Name:      fields.Name,
		CreatedBy: p.DisplayName,
	}
	r.customSymbols = append(r.customSymbols, symbol)

	r.channel.Publish(Event{
		Type: EventCustomSymbolsUpdated,
		Data: CustomSymbolsUpdatedPayload{
			CustomSymbols: r.customSymbolsCopyLocked(),
			Added:         &symbol,
		},
	})

	return symbol, nil
}

// RemoveCustomSymbol 依 id 移除自訂符號（未知 id 為 no-op）
func (r *Room) RemoveCustomSymbol(connID, symbolID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.participants[connID]; !exists {
		return fmt.Errorf("removeCustomSymbol: %w", ErrNotAMember)
	}

	filtered := r.customSymbols[:0]
	for _, symbol := range r.customSymbols {
		if symbol.ID != symbolID {
			filtered = append(filtered, symbol)
		}
	}
	r.customSymbols = filtered

	r.channel.Publish(Event{
		Type: EventCustomSymbolsUpdated,
		Data: CustomSymbolsUpdatedPayload{
			CustomSymbols: r.customSymbolsCopyLocked(),
			RemovedID:     symbolID,
		},
	})

	return nil
}

// RequestPlayback 請求同步播放
//
// 不變更鏈狀態，只遞增序號並廣播凍結的鏈快照，讓各端音訊引擎
// 同步啟動。併發請求各自觸發廣播，客戶端以序號取後者。
func (r *Room) RequestPlayback(connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.participants[connID]
	if !exists {
		return fmt.Errorf("requestPlayback: %w", ErrNotAMember)
	}

	r.playbackSeq++

	frozen := make([]SymbolFields, 0, len(r.chain))
	for _, item := range r.chain {
		frozen = append(frozen, SymbolFields{
			Color: item.Color,
			Shape: item.Shape,
			Tone:  item.Tone,
			Name:  item.Name,
		})
	}

	r.channel.Publish(Event{
		Type: EventPlaybackStarted,
		Data: PlaybackStartedPayload{
			Chain:       frozen,
			Sequence:    r.playbackSeq,
			TriggeredBy: p.DisplayName,
			Timestamp:   time.Now().UnixMilli(),
		},
	})

	return nil
}

// UpdateStatus 更新參與者的自由文字狀態（presence / typing 指示）
//
// 只發給其他參與者，發起者本地已經知道自己的狀態。
func (r *Room) UpdateStatus(connID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.participants[connID]
	if !exists {
		return fmt.Errorf("updateStatus: %w", ErrNotAMember)
	}

	p.Status = status

	r.channel.PublishExcept(Event{
		Type: EventStatusUpdated,
		Data: StatusUpdatedPayload{
			ConnectionID: connID,
			Status:       status,
		},
	}, connID)

	return nil
}

// RelayMessage 轉發聊天訊息給房間內所有參與者（不落地）
func (r *Room) RelayMessage(connID, sender, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.participants[connID]
	if !exists {
		return fmt.Errorf("sendMessage: %w", ErrNotAMember)
	}
	if sender == "" {
		sender = p.DisplayName
	}

	r.channel.Publish(Event{
		Type: EventMessageReceived,
		Data: MessageReceivedPayload{
			Sender:    sender,
			Text:      text,
			Timestamp: time.Now().UnixMilli(),
		},
	})

	return nil
}

// Snapshot 取得房間完整狀態快照（深拷貝，調用方可安全持有）
func (r *Room) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// ParticipantCount 當前參與者數
func (r *Room) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// snapshotLocked 建立快照（需要持有鎖）
//
// 參與者依加入順序排列，僅供顯示用途。
func (r *Room) snapshotLocked() Snapshot {
	participants := make([]Participant, 0, len(r.participants))
	for _, id := range r.joinOrder {
		if p, ok := r.participants[id]; ok {
			participants = append(participants, *p)
		}
	}

	return Snapshot{
		RoomID:        r.id,
		Participants:  participants,
		Chain:         r.chainCopyLocked(),
		CustomSymbols: r.customSymbolsCopyLocked(),
	}
}

func (r *Room) chainCopyLocked() []ChainItem {
	chain := make([]ChainItem, len(r.chain))
	copy(chain, r.chain)
	return chain
}

func (r *Room) customSymbolsCopyLocked() []CustomSymbol {
	symbols := make([]CustomSymbol, len(r.customSymbols))
	copy(symbols, r.customSymbols)
	return symbols
}

// defaultDisplayName 空白名稱的預設值
func defaultDisplayName(connID string) string {
	if len(connID) < 4 {
		return "User-" + connID
	}
	return "User-" + connID[:4]
}
