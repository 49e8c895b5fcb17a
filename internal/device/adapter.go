package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Adapter はカメラ操作の排他制御を担う
// ハンドルのBusy/Attached遷移はこのコンポーネントだけが行う
type Adapter struct {
	registry *Registry
	driver   Driver
	logger   logrus.FieldLogger

	mu    sync.Mutex
	owner string // 現在排他権を持つセッショントークン。空文字列は未取得
}

// NewAdapter は新しいAdapterを作成する
func NewAdapter(registry *Registry, driver Driver, logger logrus.FieldLogger) *Adapter {
	return &Adapter{
		registry: registry,
		driver:   driver,
		logger:   logger.WithField("component", "adapter"),
	}
}

// Acquire はデバイスの排他権を取得し、操作用のSessionを返す
// デバイス不在なら ErrDeviceAbsent、取得済みなら ErrDeviceBusy を返す
func (a *Adapter) Acquire(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.owner != "" {
		return nil, ErrDeviceBusy
	}

	handle, ok := a.registry.Current()
	if !ok {
		return nil, ErrDeviceAbsent
	}

	if err := a.registry.acquireBusy(handle.Identity); err != nil {
		return nil, err
	}

	token := uuid.New().String()
	a.owner = token

	a.logger.WithFields(logrus.Fields{
		"port":  handle.Identity.Port,
		"token": token,
	}).Debug("排他権を取得")

	return &Session{
		adapter:  a,
		token:    token,
		identity: handle.Identity,
	}, nil
}

// checkOwner はトークンが現在の排他権保持者か検証する
func (a *Adapter) checkOwner(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.owner != token {
		return ErrNotOwner
	}
	return nil
}

// release は排他権を解放する。Session.Releaseからのみ呼ばれる
func (a *Adapter) release(token string, id Identity) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.owner != token {
		return
	}
	a.owner = ""
	a.registry.releaseBusy(id)

	a.logger.WithField("port", id.Port).Debug("排他権を解放")
}

// Session は排他権を取得した1回の撮影操作シーケンスを表す
// すべての終了経路でReleaseが呼ばれることを利用側はdeferで保証する
// Release自体はsync.Onceにより多重呼び出しされても安全
type Session struct {
	adapter  *Adapter
	token    string
	identity Identity

	releaseOnce sync.Once
	imagePath   string // AwaitImageで取得した画像ファイルのパス
}

// Identity はこのセッションが操作しているデバイスの識別情報を返す
func (s *Session) Identity() Identity {
	return s.identity
}

// Trigger はシャッターを切る
func (s *Session) Trigger(ctx context.Context, params map[string]string) error {
	if err := s.adapter.checkOwner(s.token); err != nil {
		return err
	}

	if err := s.adapter.driver.Trigger(ctx, s.identity, params); err != nil {
		return s.classify(err, "シャッター操作に失敗")
	}
	return nil
}

// AwaitImage は撮影画像の到着を制限時間付きで待つ
func (s *Session) AwaitImage(ctx context.Context, timeout time.Duration) error {
	if err := s.adapter.checkOwner(s.token); err != nil {
		return err
	}

	path, err := s.adapter.driver.AwaitImage(ctx, s.identity, timeout)
	if err != nil {
		return s.classify(err, "画像待ちに失敗")
	}

	s.imagePath = path
	return nil
}

// DownloadAndRelease は画像データを取得し、排他権を解放する
// 成功・失敗にかかわらずこの呼び出しの後、排他権は解放済みになる
func (s *Session) DownloadAndRelease(ctx context.Context) ([]byte, error) {
	defer s.Release()

	if err := s.adapter.checkOwner(s.token); err != nil {
		return nil, err
	}

	if s.imagePath == "" {
		return nil, fmt.Errorf("%w: 取得可能な画像が存在しない", ErrDeviceFault)
	}

	data, err := s.adapter.driver.Download(ctx, s.identity, s.imagePath)
	if err != nil {
		return nil, s.classify(err, "画像取得に失敗")
	}
	return data, nil
}

// Release は排他権を解放する。何度呼んでも安全
func (s *Session) Release() {
	s.releaseOnce.Do(func() {
		s.adapter.release(s.token, s.identity)
	})
}

// classify はドライバーのエラーをエラー種別へ対応付ける
// デバイス障害はRegistryへ記録し、購読者が観測できるようにする
func (s *Session) classify(err error, msg string) error {
	switch {
	case errors.Is(err, ErrDeviceTimeout):
		return fmt.Errorf("%s: %w", msg, err)
	case errors.Is(err, ErrDeviceAbsent):
		return fmt.Errorf("%s: %w", msg, err)
	case errors.Is(err, context.Canceled):
		// シャットダウン等によるキャンセルはデバイス障害ではない
		return fmt.Errorf("%s: %w", msg, err)
	case errors.Is(err, ErrDeviceFault):
		s.adapter.registry.MarkFaulted(s.identity)
		return fmt.Errorf("%s: %w", msg, err)
	default:
		s.adapter.registry.MarkFaulted(s.identity)
		return fmt.Errorf("%s: %w: %v", msg, ErrDeviceFault, err)
	}
}
