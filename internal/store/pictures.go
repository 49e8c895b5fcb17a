package store

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"

	"github.com/ThibaudDemay/snapbox-v2-server/internal/capture"
)

// PictureStore は画像ファイルとメタデータの保存・参照を担う
// capture.Store（永続化層の境界）の実装
type PictureStore struct {
	db     *Database
	logger logrus.FieldLogger

	picturesDir    string
	thumbnailsDir  string
	thumbnailWidth int
}

// NewPictureStore は新しいPictureStoreを作成する
// 保存先ディレクトリが存在しない場合は作成する
func NewPictureStore(db *Database, picturesDir, thumbnailsDir string, thumbnailWidth int, logger logrus.FieldLogger) (*PictureStore, error) {
	for _, dir := range []string{picturesDir, thumbnailsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("保存ディレクトリの作成に失敗: %w", err)
		}
	}

	return &PictureStore{
		db:             db,
		logger:         logger.WithField("component", "picture_store"),
		picturesDir:    picturesDir,
		thumbnailsDir:  thumbnailsDir,
		thumbnailWidth: thumbnailWidth,
	}, nil
}

// SavePicture は撮影結果を保存し、写真IDを返す
// 同一リクエストの再保存は既存の写真IDを返す（冪等）
func (s *PictureStore) SavePicture(ctx context.Context, result *capture.Result) (string, error) {
	// クラッシュ後の再配送に備えて保存済みかを先に確認する
	if existing, err := s.db.GetPictureByRequest(ctx, result.RequestID); err == nil {
		return existing.ID, nil
	}

	id := ulid.Make().String()
	filename := id + ".jpg"

	picturePath := filepath.Join(s.picturesDir, filename)
	if err := os.WriteFile(picturePath, result.Data, 0o644); err != nil {
		return "", fmt.Errorf("画像ファイルの書き込みに失敗: %w", err)
	}

	thumbPath := filepath.Join(s.thumbnailsDir, filename)
	thumbData, err := s.makeThumbnail(result.Data)
	if err != nil {
		// デコードできない画像でも保存自体は続行する
		s.logger.WithField("picture_id", id).WithError(err).Warn("サムネイル生成に失敗。原寸画像で代用")
		thumbData = result.Data
	}
	if err := os.WriteFile(thumbPath, thumbData, 0o644); err != nil {
		_ = os.Remove(picturePath)
		return "", fmt.Errorf("サムネイルの書き込みに失敗: %w", err)
	}

	pic := &Picture{
		ID:            id,
		RequestID:     result.RequestID,
		DevicePort:    result.Device.Port,
		DeviceModel:   result.Device.Model,
		Filename:      filename,
		ThumbFilename: filename,
		TakenAt:       result.TakenAt,
		CreatedAt:     time.Now(),
	}

	saved, err := s.db.CreatePicture(ctx, pic)
	if err != nil {
		_ = os.Remove(picturePath)
		_ = os.Remove(thumbPath)
		return "", err
	}

	if saved.ID != id {
		// 並行する再配送に先を越された。自分の書いたファイルを片付ける
		_ = os.Remove(picturePath)
		_ = os.Remove(thumbPath)
	}

	return saved.ID, nil
}

// GetPicture は写真メタデータを取得する
func (s *PictureStore) GetPicture(ctx context.Context, id string) (*Picture, error) {
	return s.db.GetPicture(ctx, id)
}

// ListPictures は写真メタデータ一覧を取得する
func (s *PictureStore) ListPictures(ctx context.Context, limit, offset int) ([]Picture, error) {
	return s.db.ListPictures(ctx, limit, offset)
}

// PictureData は画像ファイルの中身を読み出す
func (s *PictureStore) PictureData(ctx context.Context, id string) ([]byte, error) {
	pic, err := s.db.GetPicture(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.picturesDir, pic.Filename))
	if err != nil {
		return nil, fmt.Errorf("画像ファイルの読み出しに失敗: %w", err)
	}
	return data, nil
}

// ThumbnailData はサムネイルファイルの中身を読み出す
func (s *PictureStore) ThumbnailData(ctx context.Context, id string) ([]byte, error) {
	pic, err := s.db.GetPicture(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.thumbnailsDir, pic.ThumbFilename))
	if err != nil {
		return nil, fmt.Errorf("サムネイルの読み出しに失敗: %w", err)
	}
	return data, nil
}

// DeletePicture は写真と関連ファイルを削除する
func (s *PictureStore) DeletePicture(ctx context.Context, id string) error {
	pic, err := s.db.GetPicture(ctx, id)
	if err != nil {
		return err
	}

	if err := s.db.DeletePicture(ctx, id); err != nil {
		return err
	}

	// メタデータ削除後のファイル残骸は害がないため失敗は記録のみ
	if err := os.Remove(filepath.Join(s.picturesDir, pic.Filename)); err != nil {
		s.logger.WithField("picture_id", id).WithError(err).Warn("画像ファイルの削除に失敗")
	}
	if err := os.Remove(filepath.Join(s.thumbnailsDir, pic.ThumbFilename)); err != nil {
		s.logger.WithField("picture_id", id).WithError(err).Warn("サムネイルの削除に失敗")
	}
	return nil
}

// CountPictures は保存済み写真の件数を返す
func (s *PictureStore) CountPictures(ctx context.Context) (int, error) {
	return s.db.CountPictures(ctx)
}

// makeThumbnail は画像を設定幅に縮小したJPEGを生成する
func (s *PictureStore) makeThumbnail(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("画像のデコードに失敗: %w", err)
	}

	bounds := src.Bounds()
	if bounds.Dx() <= s.thumbnailWidth {
		// 既に十分小さい画像はそのまま使う
		return data, nil
	}

	height := bounds.Dy() * s.thumbnailWidth / bounds.Dx()
	dst := image.NewRGBA(image.Rect(0, 0, s.thumbnailWidth, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("サムネイルのエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}
