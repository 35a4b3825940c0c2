// Package opensymbolic 提供了符號溝通板的多房間實時狀態同步服務器。
//
// 多個獨立參與者共享一塊符號板與一條訊息鏈：任何人附加、移除或
// 清空符號，所有人（包含操作者本人）立即透過廣播看到同一權威
// 順序；播放請求讓各端音訊引擎鎖步啟動。
//
// 房間管理系統
//
// 提供完整的房間生命週期管理：
//   - 分享碼創建與加入（加入不存在的碼會自動創建，寬鬆策略）
//   - 參與者加入與離開（斷線路徑保證恰好一次 Leave）
//   - 空房間延遲驅逐（預設 5 分鐘，到期時重新檢查歸零）
//
// # WebSocket 通訊
//
// 單一 /ws 端點承載整個協議：
//   - 封閉的類型化事件表面（未知類型忽略，不信任任意形狀）
//   - Ping/Pong 心跳檢測死連接（54s/60s）
//   - 每連接緩衝隊列，慢消費者不拖累房間
//
// 併發安全設計
//
// 採用分層鎖策略：
//   - 註冊表一把鎖，各房間各一把鎖，異房操作完全並行
//   - 變更在持鎖期間入隊事件，扇出在鎖外進行
//   - 同房間所有參與者觀察到同一事件總順序
//
// 狀態常駐記憶體，重啟即失；持久化、認證與 CRDT 合併刻意不做，
// 衝突解決為 last-writer-wins。
//
// 啟動服務器：
//
//	registry := internal.NewRegistry(cfg.Limits(), cfg.Room.EvictionDelay, logger)
//	handler := internal.NewHandler(registry, logger)
//	log.Fatal(http.ListenAndServe(":8080", handler.Routes()))
//
// 配置選項
//
// 支援多種運行時配置：
//   - -config：yaml 配置文件路徑
//   - -port：服務監聽端口（預設 8080）
//   - -log-level / -log-format：日誌級別與格式
//   - room.eviction_delay：空房間驅逐延遲
//   - room.chain_limit / room.custom_symbol_limit：服務器端列表硬上限（0 不限制）
package opensymbolic
