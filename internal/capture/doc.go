// Package capture は撮影リクエストの調停と実行を担う
//
// # 責務
// - 撮影リクエストの受付・キューイング・FIFO順の実行許可（Arbiter）
// - 排他取得から画像取得までの段階的な撮影シーケンスの実行（Pipeline）
// - 完了した撮影結果の永続化層への引き渡しと完了通知（Handoff）
//
// # 仕様
// - 実行許可・デバイス所有・キャンセルの判断は単一のArbiterループへ
//   直列化され、判断同士が競合しない
// - 同時にInProgressになるリクエストはシステム全体で最大1つ
// - デバイス不在時のリクエストはキューに保持され、滞留時間の上限を
//   超えるとタイムアウト失敗になる
// - キャンセルはQueuedの間のみ受け付ける。実行に入ったリクエストは
//   ハードウェア操作の途中で中断されず、終端状態まで進む
// - 撮影タイムアウトは設定された回数だけパイプライン全体を自動で
//   再試行する。デバイス喪失は自動再試行しない
package capture
