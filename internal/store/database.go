package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrPictureNotFound は存在しない写真への参照を表すエラー
var ErrPictureNotFound = errors.New("store: 写真が見つからない")

// Picture は保存済み写真のメタデータを表す
type Picture struct {
	ID            string    `json:"id"`
	RequestID     string    `json:"request_id"`
	DevicePort    string    `json:"device_port"`
	DeviceModel   string    `json:"device_model"`
	Filename      string    `json:"filename"`
	ThumbFilename string    `json:"thumb_filename"`
	TakenAt       time.Time `json:"taken_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Database は写真メタデータのSQLite永続化を担う
type Database struct {
	db *sql.DB
}

// NewDatabase はSQLiteデータベースを開き、初期化する
func NewDatabase(path string) (*Database, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("データベースのオープンに失敗: %w", err)
	}

	// 並行アクセスに備えてWALモードを有効化
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("WALモードの有効化に失敗: %w", err)
	}

	database := &Database{db: db}
	if err := database.createTables(); err != nil {
		return nil, fmt.Errorf("スキーマの作成に失敗: %w", err)
	}

	return database, nil
}

func (d *Database) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pictures (
		id TEXT PRIMARY KEY,
		request_id TEXT UNIQUE NOT NULL,
		device_port TEXT NOT NULL,
		device_model TEXT NOT NULL,
		filename TEXT NOT NULL,
		thumb_filename TEXT NOT NULL,
		taken_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_pictures_request_id ON pictures(request_id);
	CREATE INDEX IF NOT EXISTS idx_pictures_taken_at ON pictures(taken_at);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマ実行に失敗: %w", err)
	}
	return nil
}

// CreatePicture は写真メタデータを保存する
// 同一request_idの行が既に存在する場合は既存の行を返す（冪等）
func (d *Database) CreatePicture(ctx context.Context, pic *Picture) (*Picture, error) {
	result, err := d.db.ExecContext(ctx,
		`INSERT INTO pictures (id, request_id, device_port, device_model, filename, thumb_filename, taken_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO NOTHING`,
		pic.ID, pic.RequestID, pic.DevicePort, pic.DeviceModel,
		pic.Filename, pic.ThumbFilename, pic.TakenAt, pic.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("写真メタデータの保存に失敗: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("保存結果の確認に失敗: %w", err)
	}

	if affected == 0 {
		// 既に保存済み。既存行を返す
		return d.GetPictureByRequest(ctx, pic.RequestID)
	}
	return pic, nil
}

// GetPicture はIDで写真メタデータを取得する
func (d *Database) GetPicture(ctx context.Context, id string) (*Picture, error) {
	return d.queryOne(ctx,
		`SELECT id, request_id, device_port, device_model, filename, thumb_filename, taken_at, created_at
		FROM pictures WHERE id = ?`, id)
}

// GetPictureByRequest はリクエストIDで写真メタデータを取得する
func (d *Database) GetPictureByRequest(ctx context.Context, requestID string) (*Picture, error) {
	return d.queryOne(ctx,
		`SELECT id, request_id, device_port, device_model, filename, thumb_filename, taken_at, created_at
		FROM pictures WHERE request_id = ?`, requestID)
}

// ListPictures は写真メタデータを撮影時刻の降順で取得する
func (d *Database) ListPictures(ctx context.Context, limit, offset int) ([]Picture, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, request_id, device_port, device_model, filename, thumb_filename, taken_at, created_at
		FROM pictures ORDER BY taken_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("写真一覧の取得に失敗: %w", err)
	}
	defer rows.Close()

	var pictures []Picture
	for rows.Next() {
		var pic Picture
		if err := rows.Scan(&pic.ID, &pic.RequestID, &pic.DevicePort, &pic.DeviceModel,
			&pic.Filename, &pic.ThumbFilename, &pic.TakenAt, &pic.CreatedAt); err != nil {
			return nil, fmt.Errorf("写真行の読み出しに失敗: %w", err)
		}
		pictures = append(pictures, pic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("写真一覧の走査に失敗: %w", err)
	}

	return pictures, nil
}

// DeletePicture は写真メタデータを削除する
func (d *Database) DeletePicture(ctx context.Context, id string) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM pictures WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("写真メタデータの削除に失敗: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除結果の確認に失敗: %w", err)
	}
	if affected == 0 {
		return ErrPictureNotFound
	}
	return nil
}

// CountPictures は保存済み写真の件数を返す
func (d *Database) CountPictures(ctx context.Context) (int, error) {
	var count int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pictures`).Scan(&count); err != nil {
		return 0, fmt.Errorf("写真件数の取得に失敗: %w", err)
	}
	return count, nil
}

// Close はデータベース接続を閉じる
func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) queryOne(ctx context.Context, query string, arg any) (*Picture, error) {
	var pic Picture
	err := d.db.QueryRowContext(ctx, query, arg).
		Scan(&pic.ID, &pic.RequestID, &pic.DevicePort, &pic.DeviceModel,
			&pic.Filename, &pic.ThumbFilename, &pic.TakenAt, &pic.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPictureNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("写真メタデータの取得に失敗: %w", err)
	}
	return &pic, nil
}
