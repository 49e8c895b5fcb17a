package capture

import (
	"errors"
	"time"

	"github.com/ThibaudDemay/snapbox-v2-server/internal/device"
)

// RequestState は撮影リクエストの状態を表す
type RequestState string

const (
	StateQueued     RequestState = "queued"      // キューで待機中
	StateAdmitted   RequestState = "admitted"    // 実行を許可され開始待ち
	StateInProgress RequestState = "in_progress" // 撮影シーケンスを実行中
	StateSucceeded  RequestState = "succeeded"   // 撮影に成功（終端）
	StateFailed     RequestState = "failed"      // 撮影に失敗（終端）
	StateCancelled  RequestState = "cancelled"   // 実行前にキャンセル（終端）
)

// IsTerminal は終端状態かどうかを返す
func (s RequestState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// FailureCause は失敗したリクエストの失敗要因を表す
type FailureCause string

const (
	CauseNone              FailureCause = ""                   // 失敗していない
	CauseTimeout           FailureCause = "timeout"            // キュー滞留時間の超過
	CauseDeviceLost        FailureCause = "device_lost"        // 実行中・許可後のデバイス喪失
	CauseCaptureTimeout    FailureCause = "capture_timeout"    // 画像待ちのタイムアウト
	CauseDeviceFault       FailureCause = "device_fault"       // デバイスのI/O障害
	CauseDeviceBusy        FailureCause = "device_busy"        // デバイスの排他権競合
	CausePersistenceFailed FailureCause = "persistence_failed" // 保存処理の失敗
	CauseInternal          FailureCause = "internal"           // その他の内部エラー
)

// Request は1件の撮影リクエストを表す
// 状態の変更はArbiterを通してのみ行われ、終端状態以降は変化しない
type Request struct {
	ID          string            // リクエストの一意識別子
	SubmittedAt time.Time         // 受付時刻
	Params      map[string]string // 撮影パラメータ（カメラへそのまま渡す）

	State       RequestState // 現在の状態
	Cause       FailureCause // 失敗時の要因
	CompletedAt time.Time    // 終端状態に到達した時刻
}

// Snapshot はリクエスト状態の読み取り用コピー
type Snapshot struct {
	ID          string       `json:"id"`
	SubmittedAt time.Time    `json:"submitted_at"`
	State       RequestState `json:"state"`
	Cause       FailureCause `json:"cause,omitempty"`
}

// Result は完了した1回の撮影結果を表す
// 生成後は変更されず、所有権はHandoffへ移る
type Result struct {
	RequestID string          // 元になったリクエストの識別子
	Data      []byte          // 画像データ
	TakenAt   time.Time       // 撮影時刻
	Device    device.Identity // 撮影したデバイスの識別情報
}

// Completion は完了通知を表す
type Completion struct {
	RequestID string       `json:"request_id"`
	State     RequestState `json:"state"`
	Cause     FailureCause `json:"cause,omitempty"`
	PictureID string       `json:"picture_id,omitempty"` // 成功時の保存先参照
}

// Arbiter操作のエラー種別
var (
	// ErrRequestNotFound は存在しないリクエストIDへの操作を表すエラー
	ErrRequestNotFound = errors.New("capture: リクエストが見つからない")

	// ErrCancellationTooLate は実行許可後のキャンセル要求を表すエラー
	ErrCancellationTooLate = errors.New("capture: キャンセルできる段階を過ぎている")

	// ErrQueueFull はキュー容量の超過を表すエラー
	ErrQueueFull = errors.New("capture: キューが満杯")

	// ErrArbiterStopped は停止済みArbiterへの操作を表すエラー
	ErrArbiterStopped = errors.New("capture: Arbiterは停止済み")

	// ErrPersistenceFailed は撮影結果の保存失敗を表すエラー
	// 撮影自体は成功しているため、再撮影ではなく再保存で回復する
	ErrPersistenceFailed = errors.New("capture: 撮影結果の保存に失敗")
)

// causeFromDeviceError はデバイス層のエラーを失敗要因へ対応付ける
func causeFromDeviceError(err error) FailureCause {
	switch {
	case errors.Is(err, device.ErrDeviceTimeout):
		return CauseCaptureTimeout
	case errors.Is(err, device.ErrDeviceAbsent):
		return CauseDeviceLost
	case errors.Is(err, device.ErrDeviceBusy):
		return CauseDeviceBusy
	case errors.Is(err, device.ErrDeviceFault), errors.Is(err, device.ErrNotOwner):
		return CauseDeviceFault
	default:
		return CauseInternal
	}
}
