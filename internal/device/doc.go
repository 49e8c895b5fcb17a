// Package device はUSB接続カメラのライフサイクル管理を担う
//
// # 責務
// - ホットプラグイベントによるデバイスハンドルの管理（Registry）
// - デバイスの定期検出と接続/切断の通知（Monitor）
// - カメラ操作の排他制御と確実な解放（Adapter / Session）
// - gphoto2 CLI経由でのカメラ制御（GPhoto2Driver）
//
// # 仕様
// - 同時に存在するデバイスハンドルは最大1つ
// - 排他権の取得・解放はAdapterのみが行い、他コンポーネントは触らない
// - Sessionの解放はsync.Onceで保証され、多重解放しても安全
// - 切断・フォルトはイベントとして購読者（Arbiter等）へ配信される
//
// # 前提要件
//   - gphoto2: カメラの検出・撮影・画像取得に使用
//     Ubuntu/Debian: sudo apt install gphoto2
//     Red Hat/Fedora: sudo dnf install gphoto2
package device
