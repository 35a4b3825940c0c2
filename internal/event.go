package internal

// 事件表面設計：
//   封閉的類型枚舉 + 具型別的負載結構，取代動態 map 負載。
//   未知的事件類型一律忽略（記錄 debug 日誌），不信任任意形狀的輸入。

// EventType 服務器推送事件類型
type EventType string

const (
	EventRoomCreated          EventType = "roomCreated"
	EventRoomState            EventType = "roomState"
	EventParticipantJoined    EventType = "participantJoined"
	EventParticipantLeft      EventType = "participantLeft"
	EventChainUpdated         EventType = "chainUpdated"
	EventChainCleared         EventType = "chainCleared"
	EventCustomSymbolsUpdated EventType = "customSymbolsUpdated"
	EventPlaybackStarted      EventType = "playbackStarted"
	EventStatusUpdated        EventType = "statusUpdated"
	EventMessageReceived      EventType = "messageReceived"
	EventError                EventType = "error"
)

// CommandType 客戶端指令類型
type CommandType string

const (
	CmdCreateRoom         CommandType = "createRoom"
	CmdJoinRoom           CommandType = "joinRoom"
	CmdAddToChain         CommandType = "addToChain"
	CmdRemoveFromChain    CommandType = "removeFromChain"
	CmdClearChain         CommandType = "clearChain"
	CmdAddCustomSymbol    CommandType = "addCustomSymbol"
	CmdRemoveCustomSymbol CommandType = "removeCustomSymbol"
	CmdRequestPlayback    CommandType = "requestPlayback"
	CmdUpdateStatus       CommandType = "updateStatus"
	CmdSendMessage        CommandType = "sendMessage"
)

// Event 房間事件（序列化後推送給客戶端）
type Event struct {
	Type EventType `json:"event"`
	Data any       `json:"data"`
}

// ClientMessage 客戶端入站訊息
//
// 所有指令共用一個扁平結構，依 Type 取用對應欄位。
// 缺少的欄位保持零值，由各操作自行驗證。
type ClientMessage struct {
	Type CommandType `json:"type"`

	// createRoom / joinRoom
	DisplayName string `json:"displayName,omitempty"`
	RoomID      string `json:"roomId,omitempty"`

	// addToChain / addCustomSymbol
	Color string  `json:"color,omitempty"`
	Shape string  `json:"shape,omitempty"`
	Tone  float64 `json:"tone,omitempty"`
	Name  string  `json:"name,omitempty"`

	// removeFromChain / removeCustomSymbol
	ItemID   string `json:"itemId,omitempty"`
	SymbolID string `json:"symbolId,omitempty"`

	// updateStatus / sendMessage
	Status string `json:"status,omitempty"`
	Sender string `json:"sender,omitempty"`
	Text   string `json:"text,omitempty"`
}

// SymbolFields 符號的基本欄位（顏色、形狀、音調、名稱）
type SymbolFields struct {
	Color string  `json:"color"`
	Shape string  `json:"shape"`
	Tone  float64 `json:"tone"`
	Name  string  `json:"name"`
}

// Snapshot 房間完整狀態快照（加入時發送給新參與者）
type Snapshot struct {
	RoomID        string         `json:"roomId"`
	Participants  []Participant  `json:"participants"`
	Chain         []ChainItem    `json:"chain"`
	CustomSymbols []CustomSymbol `json:"customSymbols"`
}

// RoomCreatedPayload roomCreated 事件負載（僅發給創建者）
type RoomCreatedPayload struct {
	RoomID      string      `json:"roomId"`
	Participant Participant `json:"participant"`
	RoomState   Snapshot    `json:"roomState"`
}

// ParticipantLeftPayload participantLeft 事件負載
type ParticipantLeftPayload struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
}

// ChainUpdatedPayload chainUpdated 事件負載
//
// 永遠攜帶完整的鏈（權威順序），再附上本次變更的增量：
// AddedItem 或 RemovedID 擇一。
type ChainUpdatedPayload struct {
	Chain     []ChainItem `json:"chain"`
	AddedItem *ChainItem  `json:"addedItem,omitempty"`
	RemovedID string      `json:"removedId,omitempty"`
}

// ChainClearedPayload chainCleared 事件負載
type ChainClearedPayload struct {
	ClearedBy string `json:"clearedBy"`
}

// CustomSymbolsUpdatedPayload customSymbolsUpdated 事件負載
type CustomSymbolsUpdatedPayload struct {
	CustomSymbols []CustomSymbol `json:"customSymbols"`
	Added         *CustomSymbol  `json:"added,omitempty"`
	RemovedID     string         `json:"removedId,omitempty"`
}

// PlaybackStartedPayload playbackStarted 事件負載
//
// Chain 是觸發當下凍結的符號欄位序列，所有客戶端據此同步啟動
// 本地音訊引擎；Sequence 單調遞增，客戶端可用來丟棄過期的啟動。
type PlaybackStartedPayload struct {
	Chain       []SymbolFields `json:"chain"`
	Sequence    uint64         `json:"sequence"`
	TriggeredBy string         `json:"triggeredBy"`
	Timestamp   int64          `json:"timestamp"`
}

// StatusUpdatedPayload statusUpdated 事件負載
type StatusUpdatedPayload struct {
	ConnectionID string `json:"connectionId"`
	Status       string `json:"status"`
}

// MessageReceivedPayload messageReceived 事件負載
type MessageReceivedPayload struct {
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorPayload error 事件負載（僅發給發起操作的連接）
type ErrorPayload struct {
	Message string `json:"message"`
}
