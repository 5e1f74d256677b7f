// Package wikirace 提供一個多人維基百科競速遊戲的房間協調服務器。
//
// 玩家在同一組起訖頁面之間比賽，只靠點擊頁面內的連結從起點
// 導航到終點，最先抵達者獲勝。服務器負責房間生命週期、玩家
// 身份、比賽裁決與實時狀態同步，不觸碰任何頁面內容。
//
// 房間生命週期
//
// 每個房間是一個五狀態的狀態機：
//   - lobby：等待玩家加入，房主可以發起比賽
//   - starting：倒數中，人數跌破下限會退回 lobby
//   - in_progress：比賽進行中，記錄每位玩家的導航軌跡
//   - completed：已分出勝負，可原地發起再賽
//   - abandoned：無人認領超過寬限期，等待回收
//
// # 連接與身份
//
// 每條 WebSocket 連接持有一個 UUID 識別碼；玩家身份以顯示名稱
// 錨定在房間內。斷線視同離開，但比賽倒數與進行期間玩家會以
// 斷線狀態保留席位，憑同名重新加入即可無損接回軌跡與進度。
//
// 併發設計
//
// 採用兩層鎖結構：
//   - 索引鎖保護房間表與連接索引，持有時間極短
//   - 每房間一把 channel 信號量，支援有界等待，無關房間完全並行
//
// 所有狀態變更都是純轉換函數，在房間鎖內執行、不做任何 I/O；
// 轉換產生的事件清單與 Redis 鏡像同步都在鎖釋放之後進行。
//
// 持久化
//
// Redis 鏡像是盡力而為的異步副本：每次房間變更後把快照排入
// 後台 worker 寫出，重啟時掃描回近期快照恢復房間骨架，玩家
// 憑名稱重連。未配置 Redis 時服務器以純內存模式運行，所有
// 遊戲路徑行為完全一致。
//
// 配置選項
//
// 支援多種運行時配置：
//   - -config：YAML 配置檔路徑
//   - -port：服務監聽端口（預設 8001）
//   - -log-level：日誌級別（debug/info/warn/error）
//   - -redis：Redis 地址（留空停用鏡像）
//
// 安全考量
//
// 實施了多項防護措施：
//   - 訊息大小限制與嚴格載荷解碼
//   - 進度與設定類事件的獨立速率上限
//   - Ping/Pong 心跳檢測死連接
package wikirace
