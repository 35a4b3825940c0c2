package internal

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 系統設計：心跳機制
//
// 客戶端異常斷線（網絡故障、瀏覽器崩潰）時服務器無法察覺，
// 死連接會佔用資源。採用 WebSocket 原生 Ping/Pong：
//   writePump 每 54 秒發 Ping → 客戶端自動回 Pong →
//   readPump 收到 Pong 重置 60 秒讀取超時。
// 54 秒避開常見代理的 60 秒超時閾值，留 6 秒余量。
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// ConnectionHandler 每個存活連接一個實例
//
// 持有連接識別碼、當前房間（未加入前為 nil）與發送隊列。
// 把入站訊息翻譯成恰好一次房間操作，並把房間廣播轉發給客戶端。
// 不論正常或異常關閉，斷線路徑上恰好呼叫一次 Room.Leave。
type ConnectionHandler struct {
	id       string
	registry *Registry
	logger   *slog.Logger
	conn     *websocket.Conn

	send chan []byte
	done chan struct{}

	// room 僅由 readPump goroutine 讀寫
	room *Room

	leaveOnce sync.Once
}

// NewConnectionHandler 包裝一條已升級的 WebSocket 連接
func NewConnectionHandler(registry *Registry, conn *websocket.Conn, logger *slog.Logger) *ConnectionHandler {
	return &ConnectionHandler{
		id:       uuid.NewString(),
		registry: registry,
		logger:   logger,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

// ID 連接識別碼（連接存活期間不重用）
func (c *ConnectionHandler) ID() string {
	return c.id
}

// Run 啟動讀寫 goroutine，讀取端結束時回收連接
func (c *ConnectionHandler) Run() {
	go c.writePump()
	go c.readPump()
}

// readPump 讀取並分發客戶端訊息
func (c *ConnectionHandler) readPump() {
	defer c.teardown()

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket 讀取錯誤", "error", err, "connection_id", c.id)
			}
			return
		}
		c.handleMessage(message)
	}
}

// teardown 連接的唯一保證終結器
//
// 不論哪條路徑退出（優雅關閉、讀取錯誤、心跳超時），都恰好執行
// 一次：先退訂廣播（離開者不再收到自己的 participantLeft），
// 再呼叫 Leave，最後釋放房間引用。Leave 不等待任何客戶端確認，
// 不會阻塞房間鎖的持有者。
func (c *ConnectionHandler) teardown() {
	c.leaveOnce.Do(func() {
		if c.room != nil {
			c.room.Channel().Unsubscribe(c.id)
			c.room.Leave(c.id)
			c.logger.Info("連接已離開房間",
				"connection_id", c.id,
				"room_id", c.room.ID())
			c.room = nil
		}
		close(c.done)
	})
	c.conn.Close()
}

// writePump 寫入訊息到客戶端
func (c *ConnectionHandler) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量送出隊列中已排隊的訊息
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-c.done:
			deadline := time.Now().Add(time.Second)
			if err := c.conn.SetWriteDeadline(deadline); err == nil {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			return

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 把一則入站訊息翻譯成恰好一次房間操作
//
// 操作失敗只回報給發起連接（error 事件），絕不中斷對其他
// 參與者的廣播，也不會讓房間狀態半更新。
func (c *ConnectionHandler) handleMessage(message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Error("解析客戶端訊息失敗", "error", err, "connection_id", c.id)
		c.sendError("無效的訊息格式")
		return
	}

	switch msg.Type {
	case CmdCreateRoom:
		c.handleCreateRoom(msg)
	case CmdJoinRoom:
		c.handleJoinRoom(msg)
	case CmdAddToChain:
		c.withRoom(msg.Type, func(room *Room) error {
			_, err := room.AddToChain(c.id, symbolFields(msg))
			return err
		})
	case CmdRemoveFromChain:
		c.withRoom(msg.Type, func(room *Room) error {
			return room.RemoveFromChain(c.id, msg.ItemID)
		})
	case CmdClearChain:
		c.withRoom(msg.Type, func(room *Room) error {
			return room.ClearChain(c.id)
		})
	case CmdAddCustomSymbol:
		c.withRoom(msg.Type, func(room *Room) error {
			_, err := room.AddCustomSymbol(c.id, symbolFields(msg))
			return err
		})
	case CmdRemoveCustomSymbol:
		c.withRoom(msg.Type, func(room *Room) error {
			return room.RemoveCustomSymbol(c.id, msg.SymbolID)
		})
	case CmdRequestPlayback:
		c.withRoom(msg.Type, func(room *Room) error {
			return room.RequestPlayback(c.id)
		})
	case CmdUpdateStatus:
		c.withRoom(msg.Type, func(room *Room) error {
			return room.UpdateStatus(c.id, msg.Status)
		})
	case CmdSendMessage:
		c.withRoom(msg.Type, func(room *Room) error {
			return room.RelayMessage(c.id, msg.Sender, msg.Text)
		})
	default:
		c.logger.Debug("收到未知訊息類型",
			"type", string(msg.Type),
			"connection_id", c.id)
	}
}

// handleCreateRoom 創建房間並以房主身份加入
func (c *ConnectionHandler) handleCreateRoom(msg ClientMessage) {
	if c.room != nil {
		c.sendError("已在房間中")
		return
	}

	room := c.registry.CreateRoom()
	if !c.bind(room, msg.DisplayName, true) {
		c.sendError("建立房間失敗")
	}
}

// handleJoinRoom 加入（必要時創建）指定分享碼的房間
func (c *ConnectionHandler) handleJoinRoom(msg ClientMessage) {
	if c.room != nil {
		c.sendError("已在房間中")
		return
	}
	if msg.RoomID == "" {
		c.sendError("缺少房間識別碼")
		return
	}

	// 解析到的房間可能在 Join 前被驅逐計時器關閉，
	// 此時重新向註冊表解析同一分享碼（會拿到新房間）。
	for {
		room := c.registry.GetOrCreate(msg.RoomID)
		if c.bind(room, msg.DisplayName, false) {
			return
		}
	}
}

// bind 把連接綁定到房間
//
// 先訂閱再加入：加入者的快照與之後的每次廣播都經過同一條有序
// 隊列，確保不漏事件、不亂序。房間已關閉時回傳 false，
// 由呼叫方決定是否重新解析。
func (c *ConnectionHandler) bind(room *Room, displayName string, host bool) bool {
	room.Channel().Subscribe(c.id, c.send)

	if _, _, err := room.Join(c.id, displayName, host); err != nil {
		room.Channel().Unsubscribe(c.id)
		c.logger.Warn("加入時房間已關閉",
			"connection_id", c.id,
			"room_id", room.ID(),
			"error", err)
		return false
	}
	c.room = room

	c.logger.Info("連接已加入房間",
		"connection_id", c.id,
		"room_id", room.ID(),
		"is_host", host)
	return true
}

// withRoom 對當前房間執行操作，未加入或失敗時回報發起者
func (c *ConnectionHandler) withRoom(cmd CommandType, op func(room *Room) error) {
	if c.room == nil {
		c.sendError("尚未加入房間")
		return
	}
	if err := op(c.room); err != nil {
		c.logger.Warn("房間操作被拒絕",
			"command", string(cmd),
			"connection_id", c.id,
			"error", err)
		c.sendError(err.Error())
	}
}

// sendError 只發給本連接的拒絕事件
func (c *ConnectionHandler) sendError(message string) {
	data, err := json.Marshal(Event{
		Type: EventError,
		Data: ErrorPayload{Message: message},
	})
	if err != nil {
		return
	}

	select {
	case c.send <- data:
	default:
	}
}

func symbolFields(msg ClientMessage) SymbolFields {
	return SymbolFields{
		Color: msg.Color,
		Shape: msg.Shape,
		Tone:  msg.Tone,
		Name:  msg.Name,
	}
}
