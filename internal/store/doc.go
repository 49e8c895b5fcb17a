// Package store は撮影結果の永続化を担う
//
// # 責務
// - 写真メタデータのSQLiteへの保存と参照（Database）
// - 画像ファイルとサムネイルのディスク保存・読み出し（PictureStore）
//
// # 仕様
// - request_idのユニーク制約により同一撮影の二重保存を防ぐ
// - SQLiteはWALモードで開き、すべての操作はcontextを受け取る
// - 写真IDはULID（時刻順に整列可能）
package store
