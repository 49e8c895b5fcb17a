// Package server はHTTP APIとWebSocket通信を管理する
//
// # 責務
// - 撮影リクエストの受付・状態参照・キャンセルAPI
// - 保存済み写真とサムネイルの配信API
// - WebSocketによるカメラ接続状態・撮影完了のプッシュ配信
// - 管理者認証（ログインとトークン検証）
//
// # 仕様
// - HTTPフレームワークはgin-gonic/ginを使用
// - WebSocketはgorilla/websocketを使用
// - グレースフルシャットダウンに対応
// - 複数クライアントの同時WebSocket接続をサポート
package server
