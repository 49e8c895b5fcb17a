package device

import (
	"context"
	"errors"
	"time"
)

// State はデバイスハンドルの接続状態を表す
type State string

const (
	StateAbsent   State = "absent"   // デバイスは存在しない
	StateAttached State = "attached" // デバイスは接続済みで待機中
	StateBusy     State = "busy"     // デバイスは排他権を取得され操作中
	StateFaulted  State = "faulted"  // デバイスで回復不能な障害が発生
)

// Identity はデバイスの物理的な識別情報を表す
type Identity struct {
	Port  string // USBバス/ポート識別子（例: usb:001,004）
	Model string // カメラのモデル名
}

// Handle は現在接続されているカメラデバイスの情報を表す
type Handle struct {
	Identity Identity  // デバイスの識別情報
	State    State     // 現在の接続状態
	LastSeen time.Time // 最後に確認された時刻
}

// EventType はデバイスイベントの種類を表す
type EventType string

const (
	EventAttached EventType = "attached" // デバイスが接続された
	EventDetached EventType = "detached" // デバイスが切断された
	EventFaulted  EventType = "faulted"  // デバイスで障害が発生した
)

// Event はデバイスの状態遷移を購読者へ通知するイベント
type Event struct {
	Type     EventType
	Identity Identity
}

// デバイス操作のエラー種別
var (
	// ErrDeviceAbsent はデバイスが接続されていない場合のエラー
	ErrDeviceAbsent = errors.New("device: デバイスが接続されていない")

	// ErrDeviceBusy はデバイスの排他権が既に取得されている場合のエラー
	ErrDeviceBusy = errors.New("device: デバイスは使用中")

	// ErrDeviceFault はデバイスのI/Oエラーや不正な応答を表すエラー
	ErrDeviceFault = errors.New("device: デバイス障害")

	// ErrDeviceTimeout は制限時間内にデバイスが応答しなかった場合のエラー
	ErrDeviceTimeout = errors.New("device: デバイス応答タイムアウト")

	// ErrNotOwner は排他権を持たないセッションからの操作を表すエラー
	// 正しく構築されたArbiterからは観測されないはずのロジックエラー
	ErrNotOwner = errors.New("device: セッションは排他権を保持していない")
)

// Driver はカメラとのネイティブ通信を抽象化するインターフェース
// 実装はGPhoto2Driver（実機）とMockDriver（テスト用）
type Driver interface {
	// Detect は接続されているカメラデバイスを検出する
	Detect(ctx context.Context) ([]Identity, error)

	// Trigger はシャッターを切る（画像の転送は行わない）
	Trigger(ctx context.Context, id Identity, params map[string]string) error

	// AwaitImage は撮影された画像の到着を待ち、取得した画像ファイルのパスを返す
	// timeout内に画像が到着しない場合は ErrDeviceTimeout を返す
	AwaitImage(ctx context.Context, id Identity, timeout time.Duration) (string, error)

	// Download は取得済み画像ファイルを読み出し、一時ファイルを削除する
	Download(ctx context.Context, id Identity, path string) ([]byte, error)
}
