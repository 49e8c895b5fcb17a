package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ThibaudDemay/snapbox-v2-server/internal/capture"
	"github.com/ThibaudDemay/snapbox-v2-server/internal/config"
	"github.com/ThibaudDemay/snapbox-v2-server/internal/device"
	"github.com/ThibaudDemay/snapbox-v2-server/internal/server"
	"github.com/ThibaudDemay/snapbox-v2-server/internal/store"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", "", "設定ファイルのパス")
		debug      = flag.Bool("debug", false, "デバッグログを有効化")
		text       = flag.Bool("text", false, "JSONではなくテキスト形式でログ出力")
	)
	flag.Parse()

	// ロガーを初期化
	logger := logrus.New()
	if *text {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	logger.Info("SnapBoxサーバーを起動")

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("設定の読み込みに失敗")
	}

	// シグナルで終了するコンテキストを作成
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 保存ルートを準備
	if err := os.MkdirAll(cfg.Storage.SavePath, 0o755); err != nil {
		logger.WithError(err).Fatal("保存ディレクトリの作成に失敗")
	}

	// データベースを初期化
	db, err := store.NewDatabase(cfg.DatabasePath())
	if err != nil {
		logger.WithError(err).Fatal("データベースの初期化に失敗")
	}
	defer db.Close()

	pictures, err := store.NewPictureStore(db, cfg.PicturesPath(), cfg.ThumbnailsPath(),
		cfg.Storage.ThumbnailWidth, logger)
	if err != nil {
		logger.WithError(err).Fatal("写真ストアの初期化に失敗")
	}

	// デバイス層を初期化
	registry := device.NewRegistry(logger)

	var driver device.Driver
	if cfg.Camera.UseMockDriver {
		logger.Warn("モックドライバーを使用（開発用）")
		driver = device.NewMockDriver(device.Identity{Port: "mock:001", Model: "Mock Camera"})
	} else {
		gphoto2Driver, err := device.NewGPhoto2Driver(filepath.Join(cfg.Storage.SavePath, "tmp"))
		if err != nil {
			logger.WithError(err).Fatal("カメラドライバーの初期化に失敗")
		}
		driver = gphoto2Driver
	}

	adapter := device.NewAdapter(registry, driver, logger)
	monitor := device.NewMonitor(registry, driver, cfg.Hotplug.ScanInterval, logger)

	// 撮影層を初期化
	handoff := capture.NewHandoff(pictures, logger)
	pipeline := capture.NewPipeline(adapter, cfg.Camera.AwaitImageTimeout, cfg.Camera.MaxRetries, logger)
	arbiter := capture.NewArbiter(capture.Policy{
		MaxQueueResidence: cfg.Camera.MaxQueueResidence,
		QueueCapacity:     cfg.Camera.QueueCapacity,
	}, registry, pipeline, handoff, logger)

	// Arbiterがデバイスイベントを取りこぼさないよう、Monitorより先に起動する
	if err := arbiter.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Arbiterの起動に失敗")
	}
	if err := monitor.Start(ctx); err != nil {
		logger.WithError(err).Fatal("デバイス監視の起動に失敗")
	}

	// HTTPサーバーを起動（コンテキスト終了までブロック）
	srv := server.New(cfg, arbiter, pictures, registry, handoff, logger)
	if err := srv.Start(ctx); err != nil {
		logger.WithError(err).Error("サーバーが異常終了")
	}

	// 逆順で停止する
	shutdownCtx := context.Background()
	if err := monitor.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("デバイス監視の停止に失敗")
	}
	if err := arbiter.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Arbiterの停止に失敗")
	}

	logger.Info("SnapBoxサーバーを終了")
}
