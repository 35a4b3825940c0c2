package internal

import "errors"

var (
	// ErrRoomNotFound 嚴格查詢時房間不存在（GetOrCreate 路徑不會發生）
	ErrRoomNotFound = errors.New("房間不存在")

	// ErrNotAMember 操作的連接不是該房間的參與者
	ErrNotAMember = errors.New("連接不在房間內")

	// ErrRoomClosed 房間已被驅逐或註冊表已關閉，不再接受加入
	ErrRoomClosed = errors.New("房間已關閉")

	// ErrChainLimit 符號鏈已達配置上限
	ErrChainLimit = errors.New("符號鏈已達上限")

	// ErrSymbolLimit 自訂符號已達配置上限
	ErrSymbolLimit = errors.New("自訂符號已達上限")
)
