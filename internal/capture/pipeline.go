package capture

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ThibaudDemay/snapbox-v2-server/internal/device"
)

// stage は撮影シーケンス内の段階を表す
type stage string

const (
	stageAcquiring     stage = "acquiring"      // 排他権の取得
	stageTriggering    stage = "triggering"     // シャッター操作
	stageAwaitingImage stage = "awaiting_image" // 画像到着待ち
	stageDownloading   stage = "downloading"    // 画像取得
	stageCompleted     stage = "completed"      // 完了
)

// Pipeline は許可済みリクエスト1件の撮影シーケンスを実行する
// 排他権はすべての終了経路で確実に解放される
type Pipeline struct {
	adapter *device.Adapter
	logger  logrus.FieldLogger

	awaitImageTimeout time.Duration
	maxRetries        int
}

// NewPipeline は新しいPipelineを作成する
func NewPipeline(adapter *device.Adapter, awaitImageTimeout time.Duration, maxRetries int, logger logrus.FieldLogger) *Pipeline {
	return &Pipeline{
		adapter:           adapter,
		logger:            logger.WithField("component", "pipeline"),
		awaitImageTimeout: awaitImageTimeout,
		maxRetries:        maxRetries,
	}
}

// Run は撮影シーケンスを実行する
// 画像待ちタイムアウトに限り、設定された回数まで全段階を再試行する
func (p *Pipeline) Run(ctx context.Context, req *Request) (*Result, FailureCause, error) {
	attempts := p.maxRetries + 1

	for attempt := 1; ; attempt++ {
		result, cause, err := p.runOnce(ctx, req, attempt)
		if err == nil {
			return result, CauseNone, nil
		}

		if cause == CauseCaptureTimeout && attempt < attempts {
			p.logger.WithFields(logrus.Fields{
				"request_id": req.ID,
				"attempt":    attempt,
			}).Warn("画像待ちタイムアウト。再試行する")
			continue
		}

		return nil, cause, err
	}
}

// runOnce は撮影シーケンスを1回実行する
func (p *Pipeline) runOnce(ctx context.Context, req *Request, attempt int) (*Result, FailureCause, error) {
	logger := p.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"attempt":    attempt,
	})

	// Acquiring: 排他権の取得
	logger.WithField("stage", stageAcquiring).Debug("撮影シーケンス開始")
	session, err := p.adapter.Acquire(ctx)
	if err != nil {
		return nil, causeFromDeviceError(err), err
	}
	// 以降のどの経路で抜けてもReleaseは1回だけ実行される
	defer session.Release()

	// Triggering: シャッター操作
	logger.WithField("stage", stageTriggering).Debug("シャッターを切る")
	if err := session.Trigger(ctx, req.Params); err != nil {
		return nil, causeFromDeviceError(err), err
	}

	// AwaitingImage: 画像到着待ち
	logger.WithField("stage", stageAwaitingImage).Debug("画像の到着を待機")
	if err := session.AwaitImage(ctx, p.awaitImageTimeout); err != nil {
		return nil, causeFromDeviceError(err), err
	}

	// Downloading: 画像取得と排他権解放
	logger.WithField("stage", stageDownloading).Debug("画像を取得")
	data, err := session.DownloadAndRelease(ctx)
	if err != nil {
		return nil, causeFromDeviceError(err), err
	}

	logger.WithFields(logrus.Fields{
		"stage": stageCompleted,
		"bytes": len(data),
	}).Info("撮影シーケンス完了")

	return &Result{
		RequestID: req.ID,
		Data:      data,
		TakenAt:   time.Now(),
		Device:    session.Identity(),
	}, CauseNone, nil
}
