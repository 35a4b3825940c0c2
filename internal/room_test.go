package internal_test

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/fjroblesdiaz-sys/Opensymbolic/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 創建測試用的 logger
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// newTestRegistry 創建測試用註冊表，測試結束時自動停止
func newTestRegistry(t *testing.T, limits internal.Limits, evictionDelay time.Duration) *internal.Registry {
	t.Helper()
	reg := internal.NewRegistry(limits, evictionDelay, testLogger())
	t.Cleanup(reg.Stop)
	return reg
}

// wireEvent 測試端反序列化的事件外殼
type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// subscribe 以測試 channel 訂閱房間廣播
func subscribe(room *internal.Room, connID string) chan []byte {
	ch := make(chan []byte, 64)
	room.Channel().Subscribe(connID, ch)
	return ch
}

// recvEvent 等待下一個事件（廣播經過異步馬達，必須帶超時等待）
func recvEvent(t *testing.T, ch <-chan []byte) wireEvent {
	t.Helper()
	select {
	case data := <-ch:
		var ev wireEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	case <-time.After(time.Second):
		t.Fatal("沒有收到事件")
		return wireEvent{}
	}
}

// expectNoEvent 斷言一段時間內沒有事件
func expectNoEvent(t *testing.T, ch <-chan []byte, wait time.Duration) {
	t.Helper()
	select {
	case data := <-ch:
		t.Fatalf("不應收到事件: %s", data)
	case <-time.After(wait):
	}
}

// decodeData 解出事件負載
func decodeData(t *testing.T, ev wireEvent, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(ev.Data, out))
}

// TestRoom_Join 測試加入參與者
func TestRoom_Join(t *testing.T) {
	tests := []struct {
		name        string
		connID      string
		displayName string
		host        bool
		validate    func(t *testing.T, p internal.Participant, snap internal.Snapshot)
	}{
		{
			name:        "creator becomes host",
			connID:      "conn_0001",
			displayName: "Ana",
			host:        true,
			validate: func(t *testing.T, p internal.Participant, snap internal.Snapshot) {
				assert.Equal(t, "conn_0001", p.ConnectionID)
				assert.Equal(t, "Ana", p.DisplayName)
				assert.True(t, p.IsHost)
				assert.Contains(t, internal.ParticipantColors, p.AssignedColor)
				assert.Len(t, snap.Participants, 1)
				assert.Empty(t, snap.Chain)
				assert.Empty(t, snap.CustomSymbols)
			},
		},
		{
			name:        "joiner is not host",
			connID:      "conn_0002",
			displayName: "Luis",
			host:        false,
			validate: func(t *testing.T, p internal.Participant, snap internal.Snapshot) {
				assert.False(t, p.IsHost)
			},
		},
		{
			name:        "blank name gets default",
			connID:      "conn_0003",
			displayName: "",
			host:        false,
			validate: func(t *testing.T, p internal.Participant, snap internal.Snapshot) {
				assert.Equal(t, "User-conn", p.DisplayName)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry(t, internal.Limits{}, time.Hour)
			room := reg.CreateRoom()

			p, snap, err := room.Join(tt.connID, tt.displayName, tt.host)
			require.NoError(t, err)
			tt.validate(t, p, snap)
		})
	}
}

// TestRoom_JoinBroadcasts 測試加入時的事件定向
func TestRoom_JoinBroadcasts(t *testing.T) {
	reg := newTestRegistry(t, internal.Limits{}, time.Hour)
	room := reg.CreateRoom()

	chA := subscribe(room, "conn_a")
	room.Join("conn_a", "Ana", true)

	// 創建者收到 roomCreated
	ev := recvEvent(t, chA)
	assert.Equal(t, "roomCreated", ev.Event)

	var created internal.RoomCreatedPayload
	decodeData(t, ev, &created)
	assert.Equal(t, room.ID(), created.RoomID)
	assert.True(t, created.Participant.IsHost)
	assert.Len(t, created.RoomState.Participants, 1)

	// 第二位加入：加入者收到 roomState，既有參與者收到 participantJoined
	chB := subscribe(room, "conn_b")
	room.Join("conn_b", "Luis", false)

	ev = recvEvent(t, chB)
	assert.Equal(t, "roomState", ev.Event)

	var snap internal.Snapshot
	decodeData(t, ev, &snap)
	require.Len(t, snap.Participants, 2)
	// 參與者依加入順序排列
	assert.Equal(t, "Ana", snap.Participants[0].DisplayName)
	assert.Equal(t, "Luis", snap.Participants[1].DisplayName)

	ev = recvEvent(t, chA)
	assert.Equal(t, "participantJoined", ev.Event)

	var joined internal.Participant
	decodeData(t, ev, &joined)
	assert.Equal(t, "conn_b", joined.ConnectionID)

	// 加入者不會收到自己的 participantJoined
	expectNoEvent(t, chB, 50*time.Millisecond)
}

// TestRoom_JoinThenLeave 測試加入後立即離開的冪等性
func TestRoom_JoinThenLeave(t *testing.T) {
	reg := newTestRegistry(t, internal.Limits{}, time.Hour)
	room := reg.CreateRoom()

	room.Join("conn_a", "Ana", true)
	before := room.Snapshot()

	room.Join("conn_b", "Luis", false)
	removed := room.Leave("conn_b")
	assert.True(t, removed)

	// 參與者集合與鏈必須和加入前完全一致
	after := room.Snapshot()
	assert.Equal(t, before.Participants, after.Participants)
	assert.Equal(t, before.Chain, after.Chain)
	assert.Equal(t, 1, room.ParticipantCount())

	// 第二次 Leave 是 no-op
	removed = room.Leave("conn_b")
	assert.False(t, removed)
}

// TestRoom_LeaveBroadcasts 測試離開事件
func TestRoom_LeaveBroadcasts(t *testing.T) {
	reg := newTestRegistry(t, internal.Limits{}, time.Hour)
	room := reg.CreateRoom()

	chA := subscribe(room, "conn_a")
	room.Join("conn_a", "Ana", true)
	recvEvent(t, chA) // roomCreated

	room.Join("conn_b", "Luis", false)
	recvEvent(t, chA) // participantJoined

	// 連接層先退訂再 Leave，離開者不會收到自己的 participantLeft
	room.Channel().Unsubscribe("conn_b")
	room.Leave("conn_b")

	ev := recvEvent(t, chA)
	assert.Equal(t, "participantLeft", ev.Event)

	var left internal.ParticipantLeftPayload
	decodeData(t, ev, &left)
	assert.Equal(t, "conn_b", left.ConnectionID)
	assert.Equal(t, "Luis", left.DisplayName)

	// 冪等的第二次 Leave 不再廣播
	room.Leave("conn_b")
	expectNoEvent(t, chA, 50*time.Millisecond)
}

// TestRoom_AddToChain 測試附加符號到鏈
func TestRoom_AddToChain(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(room *internal.Room)
		connID    string
		fields    internal.SymbolFields
		wantErr   error
		validate  func(t *testing.T, room *internal.Room, item internal.ChainItem)
	}{
		{
			name: "member appends item",
			setup: func(room *internal.Room) {
				room.Join("conn_a", "Ana", true)
			},
			connID: "conn_a",
			fields: internal.SymbolFields{Color: "#FF6B6B", Shape: "circle", Tone: 440, Name: "Sí"},
			validate: func(t *testing.T, room *internal.Room, item internal.ChainItem) {
				assert.NotEmpty(t, item.ID)
				assert.Equal(t, "Sí", item.Name)
				assert.Equal(t, float64(440), item.Tone)
				assert.Equal(t, "conn_a", item.ConnectionID)
				assert.Equal(t, "Ana", item.ContributedBy)
				assert.NotZero(t, item.Timestamp)

				snap := room.Snapshot()
				require.Len(t, snap.Chain, 1)
				assert.Equal(t, item, snap.Chain[0])
			},
		},
		{
			name:    "non-member rejected",
			setup:   func(room *internal.Room) {},
			connID:  "conn_ghost",
			fields:  internal.SymbolFields{Name: "No"},
			wantErr: internal.ErrNotAMember,
			validate: func(t *testing.T, room *internal.Room, item internal.ChainItem) {
				assert.Empty(t, room.Snapshot().Chain)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry(t, internal.Limits{}, time.Hour)
			room := reg.CreateRoom()
			tt.setup(room)

			item, err := room.AddToChain(tt.connID, tt.fields)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			tt.validate(t, room, item)
		})
	}
}

// TestRoom_ChainBroadcast 測試鏈更新廣播（含發起者本人）
func TestRoom_ChainBroadcast(t *testing.T) {
	reg := newTestRegistry(t, internal.Limits{}, time.Hour)
	room := reg.CreateRoom()

	chA := subscribe(room, "conn_a")
	chB := subscribe(room, "conn_b")
	room.Join("conn_a", "Ana", true)
	room.Join("conn_b", "Luis", false)
	recvEvent(t, chA) // roomCreated
	recvEvent(t, chA) // participantJoined
	recvEvent(t, chB) // roomState

	item, err := room.AddToChain("conn_a", internal.SymbolFields{Tone: 440, Name: "Sí"})
	require.NoError(t, err)

	// 發起者自己的畫面也只靠這個廣播更新
	for _, ch := range []chan []byte{chA, chB} {
		ev := recvEvent(t, ch)
		assert.Equal(t, "chainUpdated", ev.Event)

		var payload internal.ChainUpdatedPayload
		decodeData(t, ev, &payload)
		require.Len(t, payload.Chain, 1)
		assert.Equal(t, item.ID, payload.Chain[0].ID)
		require.NotNil(t, payload.AddedItem)
		assert.Equal(t, "Sí", payload.AddedItem.Name)
		assert.Empty(t, payload.RemovedID)
	}
}

// TestRoom_RemoveFromChain 測試移除鏈上符號
func TestRoom_RemoveFromChain(t *testing.T) {
	t.Run("remove existing item", func(t *testing.T) {
		reg := newTestRegistry(t, internal.Limits{}, time.Hour)
		room := reg.CreateRoom()
		room.Join("conn_a", "Ana", true)

		item, err := room.AddToChain("conn_a", internal.SymbolFields{Name: "Sí"})
		require.NoError(t, err)

		require.NoError(t, room.RemoveFromChain("conn_a", item.ID))
		assert.Empty(t, room.Snapshot().Chain)
	})

	t.Run("unknown id is a no-op, not an error", func(t *testing.T) {
		reg := newTestRegistry(t, internal.Limits{}, time.Hour)
		room := reg.CreateRoom()

		ch := subscribe(room, "conn_a")
		room.Join("conn_a", "Ana", true)
		recvEvent(t, ch) // roomCreated

		item, err := room.AddToChain("conn_a", internal.SymbolFields{Name: "Sí"})
		require.NoError(t, err)
		recvEvent(t, ch) // chainUpdated

		before := room.Snapshot()

		// 容忍併發移除的競態：狀態不變，但仍有一次收斂廣播
		require.NoError(t, room.RemoveFromChain("conn_a", "no-such-id"))
		assert.Equal(t, before.Chain, room.Snapshot().Chain)

		ev := recvEvent(t, ch)
		assert.Equal(t, "chainUpdated", ev.Event)

		var payload internal.ChainUpdatedPayload
		decodeData(t, ev, &payload)
		require.Len(t, payload.Chain, 1)
		assert.Equal(t, item.ID, payload.Chain[0].ID)
		assert.Equal(t, "no-such-id", payload.RemovedID)
	})

	t.Run("non-member rejected", func(t *testing.T) {
		reg := newTestRegistry(t, internal.Limits{}, time.Hour)
		room := reg.CreateRoom()

		err := room.RemoveFromChain("conn_ghost", "whatever")
		require.ErrorIs(t, err, internal.ErrNotAMember)
	})
}

// TestRoom_ClearChain 測試清空鏈
func TestRoom_ClearChain(t *testing.T) {
	reg := newTestRegistry(t, internal.Limits{}, time.Hour)
	room := reg.CreateRoom()

	ch := subscribe(room, "conn_a")
	room.Join("conn_a", "Ana", true)
	recvEvent(t, ch) // roomCreated

	for i := 0; i < 3; i++ {
		_, err := room.AddToChain("conn_a", internal.SymbolFields{Name: fmt.Sprintf("s%d", i)})
		require.NoError(t, err)
		recvEvent(t, ch)
	}

	require.NoError(t, room.ClearChain("conn_a"))
	assert.Empty(t, room.Snapshot().Chain)

	ev := recvEvent(t, ch)
	assert.Equal(t, "chainCleared", ev.Event)

	var payload internal.ChainClearedPayload
	decodeData(t, ev, &payload)
	assert.Equal(t, "Ana", payload.ClearedBy)
}

// TestRoom_CustomSymbols 測試自訂符號的增刪
func TestRoom_CustomSymbols(t *testing.T) {
	reg := newTestRegistry(t, internal.Limits{}, time.Hour)
	room := reg.CreateRoom()

	ch := subscribe(room, "conn_a")
	room.Join("conn_a", "Ana", true)
	recvEvent(t, ch) // roomCreated

	symbol, err := room.AddCustomSymbol("conn_a", internal.SymbolFields{
		Color: "#4ECDC4", Shape: "square", Tone: 523.25, Name: "Agua",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, symbol.ID)
	assert.Equal(t, "Ana", symbol.CreatedBy)

	ev := recvEvent(t, ch)
	assert.Equal(t, "customSymbolsUpdated", ev.Event)

	var payload internal.CustomSymbolsUpdatedPayload
	decodeData(t, ev, &payload)
	require.Len(t, payload.CustomSymbols, 1)
	require.NotNil(t, payload.Added)
	assert.Equal(t, symbol.ID, payload.Added.ID)

	// 移除
	require.NoError(t, room.RemoveCustomSymbol("conn_a", symbol.ID))
	assert.Empty(t, room.Snapshot().CustomSymbols)

	ev = recvEvent(t, ch)
	assert.Equal(t, "customSymbolsUpdated", ev.Event)
	decodeData(t, ev, &payload)
	assert.Empty(t, payload.CustomSymbols)
	assert.Equal(t, symbol.ID, payload.RemovedID)

	// 未知 id 是 no-op
	require.NoError(t, room.RemoveCustomSymbol("conn_a", "no-such-id"))
}

// TestRoom_Limits 測試服務器端列表上限
func TestRoom_Limits(t *testing.T) {
	reg := newTestRegistry(t, internal.Limits{Chain: 2, CustomSymbols: 1}, time.Hour)
	room := reg.CreateRoom()
	room.Join("conn_a", "Ana", true)

	for i := 0; i < 2; i++ {
		_, err := room.AddToChain("conn_a", internal.SymbolFields{Name: fmt.Sprintf("s%d", i)})
		require.NoError(t, err)
	}

	_, err := room.AddToChain("conn_a", internal.SymbolFields{Name: "overflow"})
	require.ErrorIs(t, err, internal.ErrChainLimit)
	assert.Len(t, room.Snapshot().Chain, 2)

	_, err = room.AddCustomSymbol("conn_a", internal.SymbolFields{Name: "c0"})
	require.NoError(t, err)
	_, err = room.AddCustomSymbol("conn_a", internal.SymbolFields{Name: "c1"})
	require.ErrorIs(t, err, internal.ErrSymbolLimit)
	assert.Len(t, room.Snapshot().CustomSymbols, 1)
}

// TestRoom_RequestPlayback 測試播放同步
func TestRoom_RequestPlayback(t *testing.T) {
	reg := newTestRegistry(t, internal.Limits{}, time.Hour)
	room := reg.CreateRoom()

	ch := subscribe(room, "conn_a")
	room.Join("conn_a", "Ana", true)
	recvEvent(t, ch) // roomCreated

	_, err := room.AddToChain("conn_a", internal.SymbolFields{Tone: 440, Name: "Sí"})
	require.NoError(t, err)
	recvEvent(t, ch) // chainUpdated

	require.NoError(t, room.RequestPlayback("conn_a"))

	ev := recvEvent(t, ch)
	assert.Equal(t, "playbackStarted", ev.Event)

	var payload internal.PlaybackStartedPayload
	decodeData(t, ev, &payload)
	assert.Equal(t, uint64(1), payload.Sequence)
	assert.Equal(t, "Ana", payload.TriggeredBy)
	assert.NotZero(t, payload.Timestamp)
	require.Len(t, payload.Chain, 1)
	assert.Equal(t, float64(440), payload.Chain[0].Tone)

	// 不變更鏈狀態，序號單調遞增
	require.NoError(t, room.RequestPlayback("conn_a"))
	ev = recvEvent(t, ch)
	decodeData(t, ev, &payload)
	assert.Equal(t, uint64(2), payload.Sequence)
	assert.Len(t, room.Snapshot().Chain, 1)
}

// TestRoom_UpdateStatus 測試狀態更新（只發給其他參與者）
func TestRoom_UpdateStatus(t *testing.T) {
	reg := newTestRegistry(t, internal.Limits{}, time.Hour)
	room := reg.CreateRoom()

	chA := subscribe(room, "conn_a")
	chB := subscribe(room, "conn_b")
	room.Join("conn_a", "Ana", true)
	room.Join("conn_b", "Luis", false)
	recvEvent(t, chA) // roomCreated
	recvEvent(t, chA) // participantJoined
	recvEvent(t, chB) // roomState

	require.NoError(t, room.UpdateStatus("conn_a", "typing"))

	ev := recvEvent(t, chB)
	assert.Equal(t, "statusUpdated", ev.Event)

	var payload internal.StatusUpdatedPayload
	decodeData(t, ev, &payload)
	assert.Equal(t, "conn_a", payload.ConnectionID)
	assert.Equal(t, "typing", payload.Status)

	// 發起者本地已知自己的狀態，不會收到
	expectNoEvent(t, chA, 50*time.Millisecond)

	// 狀態寫進了參與者
	snap := room.Snapshot()
	assert.Equal(t, "typing", snap.Participants[0].Status)
}

// TestRoom_RelayMessage 測試聊天訊息轉發
func TestRoom_RelayMessage(t *testing.T) {
	reg := newTestRegistry(t, internal.Limits{}, time.Hour)
	room := reg.CreateRoom()

	ch := subscribe(room, "conn_a")
	room.Join("conn_a", "Ana", true)
	recvEvent(t, ch) // roomCreated

	require.NoError(t, room.RelayMessage("conn_a", "", "hola"))

	ev := recvEvent(t, ch)
	assert.Equal(t, "messageReceived", ev.Event)

	var payload internal.MessageReceivedPayload
	decodeData(t, ev, &payload)
	// sender 留空時退回參與者名稱
	assert.Equal(t, "Ana", payload.Sender)
	assert.Equal(t, "hola", payload.Text)
	assert.NotZero(t, payload.Timestamp)
}

// TestRoom_ConcurrentAddToChain 測試兩個連接競速附加（不丟更新）
func TestRoom_ConcurrentAddToChain(t *testing.T) {
	reg := newTestRegistry(t, internal.Limits{}, time.Hour)
	room := reg.CreateRoom()
	room.Join("conn_a", "Ana", true)
	room.Join("conn_b", "Luis", false)

	var (
		wg    sync.WaitGroup
		items [2]internal.ChainItem
		errs  [2]error
	)

	for i, connID := range []string{"conn_a", "conn_b"} {
		wg.Add(1)
		go func(idx int, id string) {
			defer wg.Done()
			items[idx], errs[idx] = room.AddToChain(id, internal.SymbolFields{Name: id})
		}(i, connID)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// 兩個項目都必須在鏈上，順序由房間串行化決定
	chain := room.Snapshot().Chain
	require.Len(t, chain, 2)
	ids := []string{chain[0].ID, chain[1].ID}
	assert.Contains(t, ids, items[0].ID)
	assert.Contains(t, ids, items[1].ID)
}

// TestRoom_BroadcastReplayConvergence 測試廣播重放收斂
//
// 參與者僅靠收到的 chainUpdated/chainCleared 廣播重建本地鏈，
// 重建結果必須在每一步都等於事件攜帶的權威鏈，最終等於房間快照。
func TestRoom_BroadcastReplayConvergence(t *testing.T) {
	reg := newTestRegistry(t, internal.Limits{}, time.Hour)
	room := reg.CreateRoom()

	ch := subscribe(room, "observer")
	room.Join("observer", "Obs", true)
	room.Join("conn_a", "Ana", false)
	room.Join("conn_b", "Luis", false)
	recvEvent(t, ch) // roomCreated
	recvEvent(t, ch) // participantJoined a
	recvEvent(t, ch) // participantJoined b

	// 兩個參與者併發執行一串附加與移除
	var wg sync.WaitGroup
	for _, connID := range []string{"conn_a", "conn_b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			var mine []internal.ChainItem
			for i := 0; i < 10; i++ {
				item, err := room.AddToChain(id, internal.SymbolFields{Name: fmt.Sprintf("%s-%d", id, i)})
				assert.NoError(t, err)
				mine = append(mine, item)
				if i%3 == 2 {
					assert.NoError(t, room.RemoveFromChain(id, mine[0].ID))
					mine = mine[1:]
				}
			}
		}(connID)
	}
	wg.Wait()

	// 重放所有廣播：本地增量重建必須與每則事件的權威鏈一致
	local := []internal.ChainItem{}
	var last []internal.ChainItem
	deadline := time.After(2 * time.Second)

drain:
	for {
		select {
		case data := <-ch:
			var ev wireEvent
			require.NoError(t, json.Unmarshal(data, &ev))
			switch ev.Event {
			case "chainUpdated":
				var payload internal.ChainUpdatedPayload
				require.NoError(t, json.Unmarshal(ev.Data, &payload))

				if payload.AddedItem != nil {
					local = append(local, *payload.AddedItem)
				}
				if payload.RemovedID != "" {
					filtered := local[:0]
					for _, item := range local {
						if item.ID != payload.RemovedID {
							filtered = append(filtered, item)
						}
					}
					local = filtered
				}
				// 增量重建與事件攜帶的權威鏈逐步一致
				require.Equal(t, payload.Chain, append([]internal.ChainItem{}, local...))
				last = payload.Chain
			case "chainCleared":
				local = local[:0]
				last = nil
			}
		case <-time.After(200 * time.Millisecond):
			break drain
		case <-deadline:
			t.Fatal("重放超時")
		}
	}

	// 最終收斂到房間的權威鏈
	assert.Equal(t, room.Snapshot().Chain, last)
}
